package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// --- Session summaries ---

func (s *Store) GetSession(ctx context.Context, tenantID, contactID string) (SessionSummary, error) {
	sum := SessionSummary{TenantID: tenantID, ContactID: contactID}
	var bullets, updatedAt string
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT bullets, last_intent, updated_at FROM session_summaries
		WHERE tenant_id = ? AND contact_id = ?`), tenantID, contactID,
	).Scan(&bullets, &sum.LastIntent, &updatedAt)
	if noRows(err) {
		return SessionSummary{}, ErrNotFound
	}
	if err != nil {
		return SessionSummary{}, err
	}
	if err := json.Unmarshal([]byte(bullets), &sum.Bullets); err != nil {
		return SessionSummary{}, fmt.Errorf("decoding session bullets: %w", err)
	}
	if sum.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return SessionSummary{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return sum, nil
}

// PutSession replaces the summary of a contact. Last write wins.
func (s *Store) PutSession(ctx context.Context, sum SessionSummary) error {
	bullets, err := encodeTags(sum.Bullets)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO session_summaries (tenant_id, contact_id, bullets, last_intent, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, contact_id) DO UPDATE
		SET bullets = excluded.bullets, last_intent = excluded.last_intent, updated_at = excluded.updated_at`),
		sum.TenantID, sum.ContactID, bullets, sum.LastIntent, s.nowString(),
	)
	if err != nil {
		return fmt.Errorf("saving session summary: %w", err)
	}
	return nil
}
