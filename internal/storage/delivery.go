package storage

import (
	"context"
	"fmt"
)

// --- Delivery records ---

// EnsureDeliveryRecord creates the delivery record of an attempt if missing.
func (s *Store) EnsureDeliveryRecord(ctx context.Context, attemptID, tenantID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO delivery_records (attempt_id, tenant_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (attempt_id) DO NOTHING`),
		attemptID, tenantID, s.nowString(),
	)
	if err != nil {
		return fmt.Errorf("ensuring delivery record: %w", err)
	}
	return nil
}

// AcquireAudio sets the audio semaphore of an attempt. Exactly one caller
// ever gets true for a given attempt.
func (s *Store) AcquireAudio(ctx context.Context, attemptID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE delivery_records SET audio_sent = 1, updated_at = ?
		WHERE attempt_id = ? AND audio_sent = 0`),
		s.nowString(), attemptID,
	)
	if err != nil {
		return false, fmt.Errorf("acquiring audio semaphore: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetAudioStatus records the result of the single audio send.
func (s *Store) SetAudioStatus(ctx context.Context, attemptID, status string) error {
	return s.expectOne(s.db.ExecContext(ctx, s.q(`
		UPDATE delivery_records SET audio_status = ?, updated_at = ? WHERE attempt_id = ?`),
		status, s.nowString(), attemptID,
	))
}

// RecordTextSend records a text send and bumps the send counter.
func (s *Store) RecordTextSend(ctx context.Context, attemptID, status string) error {
	return s.expectOne(s.db.ExecContext(ctx, s.q(`
		UPDATE delivery_records SET text_status = ?, text_sends = text_sends + 1, updated_at = ?
		WHERE attempt_id = ?`),
		status, s.nowString(), attemptID,
	))
}

// SetChannels records which channels the delivery used.
func (s *Store) SetChannels(ctx context.Context, attemptID, channels string) error {
	return s.expectOne(s.db.ExecContext(ctx, s.q(`
		UPDATE delivery_records SET channels = ?, updated_at = ? WHERE attempt_id = ?`),
		channels, s.nowString(), attemptID,
	))
}

func (s *Store) GetDeliveryRecord(ctx context.Context, attemptID string) (DeliveryRecord, error) {
	var r DeliveryRecord
	var audioSent int
	var updatedAt string
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT attempt_id, tenant_id, channels, audio_sent, audio_status, text_status, text_sends, updated_at
		FROM delivery_records WHERE attempt_id = ?`), attemptID,
	).Scan(&r.AttemptID, &r.TenantID, &r.Channels, &audioSent, &r.AudioStatus, &r.TextStatus, &r.TextSends, &updatedAt)
	if noRows(err) {
		return DeliveryRecord{}, ErrNotFound
	}
	if err != nil {
		return DeliveryRecord{}, err
	}
	r.AudioSent = audioSent != 0
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return DeliveryRecord{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return r, nil
}

// --- Audit log ---

func (s *Store) AppendAudit(ctx context.Context, e AuditEntry) error {
	createdAt := formatTime(e.CreatedAt)
	if createdAt == "" {
		createdAt = s.nowString()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO audit_log (id, tenant_id, attempt_id, event, channel, status, summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.TenantID, e.AttemptID, e.Event, e.Channel, e.Status, e.Summary, createdAt,
	)
	if err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

// ListAudit returns audit entries of a tenant, newest first. A non-empty
// attemptID narrows the result to one attempt.
func (s *Store) ListAudit(ctx context.Context, tenantID, attemptID string, limit int) ([]AuditEntry, error) {
	query := `SELECT id, tenant_id, attempt_id, event, channel, status, summary, created_at
		FROM audit_log WHERE tenant_id = ?`
	args := []any{tenantID}
	if attemptID != "" {
		query += ` AND attempt_id = ?`
		args = append(args, attemptID)
	}
	query += ` ORDER BY created_at DESC, id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.AttemptID, &e.Event, &e.Channel, &e.Status, &e.Summary, &createdAt); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
