package storage

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// --- Processing attempts ---

const attemptColumns = `id, event_key, generation, tenant_id, contact_id, state, outcome, last_error,
	started_at, updated_at, finished_at`

// CreateAttempt inserts a new attempt in state Started. It reports false
// when another attempt with the same (event_key, generation) already exists:
// the unique constraint makes the first writer win.
func (s *Store) CreateAttempt(ctx context.Context, a Attempt) (bool, error) {
	now := s.nowString()
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO processing_attempts (`+attemptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, '', '', ?, ?, '')
		ON CONFLICT (event_key, generation) DO NOTHING`),
		a.ID, a.EventKey, a.Generation, a.TenantID, a.ContactID, StateStarted, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("creating attempt: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// LatestAttempt returns the highest-generation attempt for an event key.
func (s *Store) LatestAttempt(ctx context.Context, eventKey string) (Attempt, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+attemptColumns+` FROM processing_attempts
		WHERE event_key = ? ORDER BY generation DESC LIMIT 1`), eventKey)
	a, err := scanAttempt(row)
	if noRows(err) {
		return Attempt{}, ErrNotFound
	}
	return a, err
}

func (s *Store) GetAttempt(ctx context.Context, id string) (Attempt, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+attemptColumns+` FROM processing_attempts WHERE id = ?`), id)
	a, err := scanAttempt(row)
	if noRows(err) {
		return Attempt{}, ErrNotFound
	}
	return a, err
}

// TransitionAttempt moves an attempt from one state to another. It reports
// false when the attempt was not in the expected state.
func (s *Store) TransitionAttempt(ctx context.Context, id, from, to string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE processing_attempts SET state = ?, updated_at = ?
		WHERE id = ? AND state = ?`),
		to, s.nowString(), id, from,
	)
	if err != nil {
		return false, fmt.Errorf("transitioning attempt %s: %w", id, err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FinishAttempt moves a non-terminal attempt into a terminal state and
// records its outcome. It reports false when the attempt was already
// terminal, or was not in state from when from is non-empty.
func (s *Store) FinishAttempt(ctx context.Context, id, from, state, outcome, errMsg string) (bool, error) {
	now := s.nowString()
	query := `UPDATE processing_attempts
		SET state = ?, outcome = ?, last_error = ?, updated_at = ?, finished_at = ?
		WHERE id = ? AND state NOT IN (?, ?)`
	args := []any{state, outcome, truncateError(errMsg), now, now, id, StateCompleted, StateFailed}
	if from != "" {
		query += ` AND state = ?`
		args = append(args, from)
	}
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return false, fmt.Errorf("finishing attempt %s: %w", id, err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListAttempts returns the attempts of an event key, oldest generation first.
func (s *Store) ListAttempts(ctx context.Context, eventKey string) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+attemptColumns+` FROM processing_attempts
		WHERE event_key = ? ORDER BY generation ASC`), eventKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAttempt(sc scanner) (Attempt, error) {
	var a Attempt
	var startedAt, updatedAt, finishedAt string
	if err := sc.Scan(&a.ID, &a.EventKey, &a.Generation, &a.TenantID, &a.ContactID, &a.State, &a.Outcome, &a.LastError,
		&startedAt, &updatedAt, &finishedAt); err != nil {
		return Attempt{}, err
	}
	var err error
	if a.StartedAt, err = parseTime(startedAt); err != nil {
		return Attempt{}, fmt.Errorf("parsing started_at: %w", err)
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Attempt{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	if a.FinishedAt, err = parseTime(finishedAt); err != nil {
		return Attempt{}, fmt.Errorf("parsing finished_at: %w", err)
	}
	return a, nil
}

// truncateError keeps stored error text bounded to maxErrorBytes without
// splitting a UTF-8 sequence. Invalid bytes in msg are dropped, since
// postgres rejects them in text columns.
func truncateError(msg string) string {
	msg = strings.ToValidUTF8(strings.TrimSpace(msg), "")
	if len(msg) <= maxErrorBytes {
		return msg
	}
	cut := maxErrorBytes
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

const maxErrorBytes = 512
