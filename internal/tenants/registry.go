// Package tenants seeds tenants and their profiles from a YAML file and
// maps business numbers to tenants.
package tenants

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/meirobo/internal/profile"
	"github.com/kalambet/meirobo/internal/storage"
)

// ErrInvalidSeed is returned for seed files that cannot be applied.
var ErrInvalidSeed = errors.New("invalid tenant seed")

// Seed is the tenant seed file.
//
//	tenants:
//	  - id: studio-ana
//	    status: verified
//	    quota_bytes: 5000000
//	    whatsapp: "+55 11 99999-0000"
//	    persona: {register: informal, signature: "Ana"}
//	    prices:
//	      - {name: Corte, amount_brl: 80, duration_min: 60}
type Seed struct {
	Tenants []TenantSeed `yaml:"tenants"`
}

// TenantSeed is one tenant: its ledger row settings plus its profile.
type TenantSeed struct {
	Status                string `yaml:"status"`
	QuotaBytes            int64  `yaml:"quota_bytes"`
	profile.TenantProfile `yaml:",inline"`
}

// Store is the tenant persistence. Implemented by storage.Store.
type Store interface {
	EnsureTenant(ctx context.Context, id string, quotaBytes int64) error
	SetTenantStatus(ctx context.Context, id, status string) error
	SetTenantQuota(ctx context.Context, id string, quotaBytes int64) error
}

// ProfileWriter saves tenant profiles. Implemented by profile.Manager.
type ProfileWriter interface {
	Put(ctx context.Context, tenantID string, p profile.TenantProfile) error
}

// ParseSeed decodes and validates a seed document. Unknown fields are
// rejected so typos do not silently drop configuration.
func ParseSeed(data []byte) (Seed, error) {
	var seed Seed
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil {
		return Seed{}, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}

	ids := make(map[string]bool, len(seed.Tenants))
	numbers := make(map[string]string)
	for i, t := range seed.Tenants {
		id := strings.TrimSpace(t.TenantID)
		if id == "" {
			return Seed{}, fmt.Errorf("%w: tenant #%d has no id", ErrInvalidSeed, i+1)
		}
		if ids[id] {
			return Seed{}, fmt.Errorf("%w: duplicate tenant %q", ErrInvalidSeed, id)
		}
		ids[id] = true

		switch t.Status {
		case "", storage.TenantVerified, storage.TenantGuestUnverified:
		default:
			return Seed{}, fmt.Errorf("%w: tenant %q has unknown status %q", ErrInvalidSeed, id, t.Status)
		}
		if t.QuotaBytes < 0 {
			return Seed{}, fmt.Errorf("%w: tenant %q has a negative quota", ErrInvalidSeed, id)
		}
		if n := NormalizeNumber(t.WhatsApp); n != "" {
			if other, ok := numbers[n]; ok {
				return Seed{}, fmt.Errorf("%w: tenants %q and %q share number %s", ErrInvalidSeed, other, id, t.WhatsApp)
			}
			numbers[n] = id
		}
		if err := profile.Validate(t.TenantProfile); err != nil {
			return Seed{}, fmt.Errorf("%w: tenant %q: %v", ErrInvalidSeed, id, err)
		}
		seed.Tenants[i].TenantID = id
	}
	return seed, nil
}

// NormalizeNumber keeps the digits of a phone number.
func NormalizeNumber(n string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, n)
}

// Registry applies seeds and resolves business numbers to tenants.
type Registry struct {
	store        Store
	profiles     ProfileWriter
	defaultQuota int64
	logger       *slog.Logger

	mu       sync.RWMutex
	byNumber map[string]string
}

func NewRegistry(store Store, profiles ProfileWriter, defaultQuota int64, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:        store,
		profiles:     profiles,
		defaultQuota: defaultQuota,
		logger:       logger,
		byNumber:     make(map[string]string),
	}
}

// Apply creates missing tenants, updates status and quota, and replaces
// their profiles. The number directory is swapped only when every tenant
// applied.
func (r *Registry) Apply(ctx context.Context, seed Seed) error {
	numbers := make(map[string]string, len(seed.Tenants))
	for _, t := range seed.Tenants {
		quota := t.QuotaBytes
		if quota == 0 {
			quota = r.defaultQuota
		}
		if err := r.store.EnsureTenant(ctx, t.TenantID, quota); err != nil {
			return err
		}
		if err := r.store.SetTenantQuota(ctx, t.TenantID, quota); err != nil {
			return fmt.Errorf("setting quota of %s: %w", t.TenantID, err)
		}
		status := t.Status
		if status == "" {
			status = storage.TenantVerified
		}
		if err := r.store.SetTenantStatus(ctx, t.TenantID, status); err != nil {
			return fmt.Errorf("setting status of %s: %w", t.TenantID, err)
		}
		if err := r.profiles.Put(ctx, t.TenantID, t.TenantProfile); err != nil {
			return fmt.Errorf("saving profile of %s: %w", t.TenantID, err)
		}
		if n := NormalizeNumber(t.WhatsApp); n != "" {
			numbers[n] = t.TenantID
		}
	}

	r.mu.Lock()
	r.byNumber = numbers
	r.mu.Unlock()
	r.logger.Info("tenant seed applied", "tenants", len(seed.Tenants), "numbers", len(numbers))
	return nil
}

// LoadFile reads, parses and applies the seed file at path.
func (r *Registry) LoadFile(ctx context.Context, path string) (Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("reading tenant seed: %w", err)
	}
	seed, err := ParseSeed(data)
	if err != nil {
		return Seed{}, err
	}
	return seed, r.Apply(ctx, seed)
}

// Resolve returns the tenant that owns a business number.
func (r *Registry) Resolve(number string) (string, bool) {
	n := NormalizeNumber(number)
	if n == "" {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byNumber[n]
	return id, ok
}
