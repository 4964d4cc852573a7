// Package quota tracks stored bytes per tenant against the tenant's plan
// limit.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/meirobo/internal/storage"
)

// Categories of stored bytes.
const (
	CategoryUploads  = "uploads"
	CategoryFreeform = "freeform"
)

// ExceededError reports a denied reservation.
type ExceededError struct {
	TenantID string
	Used     int64
	Max      int64
	Delta    int64
	Category string
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for tenant %s: used %d + %d > %d bytes (%s)",
		e.TenantID, e.Used, e.Delta, e.Max, e.Category)
}

// ErrInvalidSize is returned for negative reservations.
var ErrInvalidSize = errors.New("invalid reservation size")

// Store is the persistence the ledger needs.
type Store interface {
	EnsureTenant(ctx context.Context, id string, quotaBytes int64) error
	GetTenant(ctx context.Context, id string) (storage.Tenant, error)
	ReserveBytes(ctx context.Context, tenantID, category string, delta int64) (bool, error)
	ReleaseBytes(ctx context.Context, tenantID, category string, delta int64) error
	TenantUsage(ctx context.Context, tenantID string) (map[string]int64, error)
}

// Decision is the result of a reservation.
type Decision struct {
	Granted bool
	// Reason is set when the reservation is denied.
	Reason *ExceededError
}

// Usage is a snapshot of a tenant's storage.
type Usage struct {
	TenantID   string
	UsedBytes  int64
	QuotaBytes int64
	ByCategory map[string]int64
}

// Ledger admits and releases stored bytes. Tenants that have never been
// seen are created with the default quota on first reservation.
type Ledger struct {
	store        Store
	defaultQuota int64
	logger       *slog.Logger
}

func NewLedger(store Store, defaultQuota int64, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, defaultQuota: defaultQuota, logger: logger}
}

// Reserve grants bytes to the tenant if used+bytes stays within quota.
// A denial is not an error: it comes back as Decision{Granted: false}.
func (l *Ledger) Reserve(ctx context.Context, tenantID string, bytes int64, category string) (Decision, error) {
	if bytes < 0 {
		return Decision{}, ErrInvalidSize
	}
	if err := l.store.EnsureTenant(ctx, tenantID, l.defaultQuota); err != nil {
		return Decision{}, err
	}

	ok, err := l.store.ReserveBytes(ctx, tenantID, category, bytes)
	if err != nil {
		return Decision{}, fmt.Errorf("reserving %d bytes for %s: %w", bytes, tenantID, err)
	}
	if ok {
		return Decision{Granted: true}, nil
	}

	t, err := l.store.GetTenant(ctx, tenantID)
	if err != nil {
		return Decision{}, fmt.Errorf("loading tenant %s: %w", tenantID, err)
	}
	reason := &ExceededError{
		TenantID: tenantID,
		Used:     t.UsedBytes,
		Max:      t.QuotaBytes,
		Delta:    bytes,
		Category: category,
	}
	l.logger.Info("quota reservation denied", "tenant", tenantID, "used", t.UsedBytes, "max", t.QuotaBytes, "delta", bytes)
	return Decision{Granted: false, Reason: reason}, nil
}

// Release returns bytes to the tenant. It never drives usage below zero.
func (l *Ledger) Release(ctx context.Context, tenantID string, bytes int64, category string) error {
	if bytes <= 0 {
		return nil
	}
	if err := l.store.ReleaseBytes(ctx, tenantID, category, bytes); err != nil {
		return fmt.Errorf("releasing %d bytes for %s: %w", bytes, tenantID, err)
	}
	return nil
}

// Usage reports the tenant's current storage.
func (l *Ledger) Usage(ctx context.Context, tenantID string) (Usage, error) {
	if err := l.store.EnsureTenant(ctx, tenantID, l.defaultQuota); err != nil {
		return Usage{}, err
	}
	t, err := l.store.GetTenant(ctx, tenantID)
	if err != nil {
		return Usage{}, err
	}
	byCat, err := l.store.TenantUsage(ctx, tenantID)
	if err != nil {
		return Usage{}, err
	}
	return Usage{TenantID: tenantID, UsedBytes: t.UsedBytes, QuotaBytes: t.QuotaBytes, ByCategory: byCat}, nil
}
