package storage

import (
	"context"
	"fmt"
)

// --- Tenants ---

// EnsureTenant creates the tenant with the given quota if it does not exist.
// Existing tenants are left untouched.
func (s *Store) EnsureTenant(ctx context.Context, id string, quotaBytes int64) error {
	now := s.nowString()
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO tenants (id, status, quota_bytes, used_bytes, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		id, TenantVerified, quotaBytes, now, now,
	)
	if err != nil {
		return fmt.Errorf("ensuring tenant %s: %w", id, err)
	}
	return nil
}

func (s *Store) GetTenant(ctx context.Context, id string) (Tenant, error) {
	var t Tenant
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, status, quota_bytes, used_bytes, created_at, updated_at
		FROM tenants WHERE id = ?`), id,
	).Scan(&t.ID, &t.Status, &t.QuotaBytes, &t.UsedBytes, &createdAt, &updatedAt)
	if noRows(err) {
		return Tenant{}, ErrNotFound
	}
	if err != nil {
		return Tenant{}, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return Tenant{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Tenant{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return t, nil
}

func (s *Store) SetTenantQuota(ctx context.Context, id string, quotaBytes int64) error {
	return s.updateTenant(ctx, id, "quota_bytes", quotaBytes)
}

func (s *Store) SetTenantStatus(ctx context.Context, id, status string) error {
	return s.updateTenant(ctx, id, "status", status)
}

func (s *Store) updateTenant(ctx context.Context, id, column string, value any) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE tenants SET `+column+` = ?, updated_at = ? WHERE id = ?`),
		value, s.nowString(), id)
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

// ReserveBytes adds delta to the tenant's used bytes if the result stays
// within quota. It reports false, without changing anything, when the
// reservation would overflow. The check and the increment are one
// conditional UPDATE on the tenant row, so concurrent reservations for the
// same tenant serialize on that row.
func (s *Store) ReserveBytes(ctx context.Context, tenantID, category string, delta int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning reserve transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE tenants SET used_bytes = used_bytes + ?, updated_at = ?
		WHERE id = ? AND used_bytes + ? <= quota_bytes`),
		delta, s.nowString(), tenantID, delta,
	)
	if err != nil {
		return false, fmt.Errorf("reserving bytes: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	if n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM tenants WHERE id = ?`), tenantID).Scan(&exists); err != nil {
			return false, err
		}
		if exists == 0 {
			return false, ErrNotFound
		}
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO tenant_usage (tenant_id, category, used_bytes) VALUES (?, ?, ?)
		ON CONFLICT (tenant_id, category) DO UPDATE SET used_bytes = tenant_usage.used_bytes + excluded.used_bytes`),
		tenantID, category, delta,
	); err != nil {
		return false, fmt.Errorf("updating category usage: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing reservation: %w", err)
	}
	return true, nil
}

// ReleaseBytes subtracts delta from the tenant's used bytes, clamping at zero.
func (s *Store) ReleaseBytes(ctx context.Context, tenantID, category string, delta int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning release transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE tenants
		SET used_bytes = CASE WHEN used_bytes < ? THEN 0 ELSE used_bytes - ? END, updated_at = ?
		WHERE id = ?`),
		delta, delta, s.nowString(), tenantID,
	)
	if err != nil {
		return fmt.Errorf("releasing bytes: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, s.q(`
		UPDATE tenant_usage
		SET used_bytes = CASE WHEN used_bytes < ? THEN 0 ELSE used_bytes - ? END
		WHERE tenant_id = ? AND category = ?`),
		delta, delta, tenantID, category,
	); err != nil {
		return fmt.Errorf("updating category usage: %w", err)
	}
	return tx.Commit()
}

// TenantUsage returns used bytes per category.
func (s *Store) TenantUsage(ctx context.Context, tenantID string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT category, used_bytes FROM tenant_usage WHERE tenant_id = ?`), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var c string
		var n int64
		if err := rows.Scan(&c, &n); err != nil {
			return nil, err
		}
		out[c] = n
	}
	return out, rows.Err()
}

// --- Tenant profiles ---

// GetProfile returns the raw JSON profile of a tenant.
func (s *Store) GetProfile(ctx context.Context, tenantID string) (string, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT profile_json FROM tenant_profiles WHERE tenant_id = ?`), tenantID).Scan(&raw)
	if noRows(err) {
		return "", ErrNotFound
	}
	return raw, err
}

func (s *Store) PutProfile(ctx context.Context, tenantID, profileJSON string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO tenant_profiles (tenant_id, profile_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET profile_json = excluded.profile_json, updated_at = excluded.updated_at`),
		tenantID, profileJSON, s.nowString(),
	)
	return err
}
