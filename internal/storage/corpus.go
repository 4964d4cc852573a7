package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// --- Corpus entries ---

const entryColumns = `id, tenant_id, title, type, tags, enabled, priority, size_bytes, source_kind,
	original_key, query_key, summary, last_indexed_at, created_at, updated_at`

func (s *Store) InsertEntry(ctx context.Context, e CorpusEntry) error {
	tags, err := encodeTags(e.Tags)
	if err != nil {
		return err
	}
	now := s.nowString()
	lastIndexed := formatTime(e.LastIndexedAt)
	if lastIndexed == "" {
		lastIndexed = now
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO corpus_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.TenantID, e.Title, e.Type, tags, boolInt(e.Enabled), e.Priority, e.SizeBytes, e.SourceKind,
		e.OriginalKey, e.QueryKey, e.Summary, lastIndexed, now, now,
	)
	if err != nil {
		return fmt.Errorf("inserting corpus entry: %w", err)
	}
	return nil
}

// UpdateIndexed records a re-index of an entry.
func (s *Store) UpdateIndexed(ctx context.Context, tenantID, id, queryKey, summary string) error {
	now := s.nowString()
	return s.expectOne(s.db.ExecContext(ctx, s.q(`
		UPDATE corpus_entries SET query_key = ?, summary = ?, last_indexed_at = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?`),
		queryKey, summary, now, now, tenantID, id,
	))
}

// PatchEntry updates the mutable metadata of an entry.
func (s *Store) PatchEntry(ctx context.Context, e CorpusEntry) error {
	tags, err := encodeTags(e.Tags)
	if err != nil {
		return err
	}
	return s.expectOne(s.db.ExecContext(ctx, s.q(`
		UPDATE corpus_entries SET title = ?, type = ?, tags = ?, enabled = ?, priority = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?`),
		e.Title, e.Type, tags, boolInt(e.Enabled), e.Priority, s.nowString(), e.TenantID, e.ID,
	))
}

func (s *Store) GetEntry(ctx context.Context, tenantID, id string) (CorpusEntry, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+entryColumns+` FROM corpus_entries WHERE tenant_id = ? AND id = ?`), tenantID, id)
	e, err := scanEntry(row)
	if noRows(err) {
		return CorpusEntry{}, ErrNotFound
	}
	return e, err
}

func (s *Store) DeleteEntry(ctx context.Context, tenantID, id string) error {
	return s.expectOne(s.db.ExecContext(ctx, s.q(`DELETE FROM corpus_entries WHERE tenant_id = ? AND id = ?`), tenantID, id))
}

// ListEntries returns a tenant's entries ordered by priority, then most
// recently updated.
func (s *Store) ListEntries(ctx context.Context, tenantID string, f EntryFilter) ([]CorpusEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM corpus_entries WHERE tenant_id = ?`
	args := []any{tenantID}
	if f.EnabledOnly {
		query += ` AND enabled = 1`
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, f.Type)
	}
	query += ` ORDER BY priority ASC, updated_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CorpusEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (CorpusEntry, error) {
	var e CorpusEntry
	var tags, lastIndexed, createdAt, updatedAt string
	var enabled int
	if err := sc.Scan(&e.ID, &e.TenantID, &e.Title, &e.Type, &tags, &enabled, &e.Priority, &e.SizeBytes, &e.SourceKind,
		&e.OriginalKey, &e.QueryKey, &e.Summary, &lastIndexed, &createdAt, &updatedAt); err != nil {
		return CorpusEntry{}, err
	}
	e.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
		return CorpusEntry{}, fmt.Errorf("decoding tags of entry %s: %w", e.ID, err)
	}
	var err error
	if e.LastIndexedAt, err = parseTime(lastIndexed); err != nil {
		return CorpusEntry{}, fmt.Errorf("parsing last_indexed_at: %w", err)
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return CorpusEntry{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return CorpusEntry{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return e, nil
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encoding tags: %w", err)
	}
	return string(b), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
