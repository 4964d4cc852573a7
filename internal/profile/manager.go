package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/meirobo/internal/storage"
)

// ErrInvalid is returned by Put for profiles that fail validation.
var ErrInvalid = errors.New("invalid profile")

// ProfileStore defines the storage operations the Manager needs.
// Implemented by storage.Store.
type ProfileStore interface {
	GetProfile(ctx context.Context, tenantID string) (string, error)
	PutProfile(ctx context.Context, tenantID, profileJSON string) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type cacheEntry struct {
	profile  TenantProfile
	loadedAt time.Time
}

// Manager provides cached access to tenant profiles. Concurrent misses for
// the same tenant share one storage read.
type Manager struct {
	store ProfileStore
	clock Clock
	ttl   time.Duration
	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewManager creates a Manager with a 60-second cache TTL.
func NewManager(store ProfileStore) *Manager {
	return NewManagerWithClock(store, realClock{}, 60*time.Second)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store ProfileStore, clock Clock, ttl time.Duration) *Manager {
	return &Manager{
		store: store,
		clock: clock,
		ttl:   ttl,
		cache: make(map[string]cacheEntry),
	}
}

// Get returns the profile of tenantID. A tenant without a stored profile
// gets an empty one carrying only its ID.
func (m *Manager) Get(ctx context.Context, tenantID string) (TenantProfile, error) {
	m.mu.RLock()
	e, ok := m.cache[tenantID]
	m.mu.RUnlock()
	if ok && m.clock.Now().Before(e.loadedAt.Add(m.ttl)) {
		return copyProfile(e.profile), nil
	}

	v, err, _ := m.group.Do(tenantID, func() (any, error) {
		p, err := m.load(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.cache[tenantID] = cacheEntry{profile: p, loadedAt: m.clock.Now()}
		m.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return TenantProfile{}, err
	}
	return copyProfile(v.(TenantProfile)), nil
}

func (m *Manager) load(ctx context.Context, tenantID string) (TenantProfile, error) {
	raw, err := m.store.GetProfile(ctx, tenantID)
	if errors.Is(err, storage.ErrNotFound) {
		return TenantProfile{TenantID: tenantID}, nil
	}
	if err != nil {
		return TenantProfile{}, fmt.Errorf("loading profile of %s: %w", tenantID, err)
	}
	var p TenantProfile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		slog.Warn("malformed tenant profile, using empty", "tenant", tenantID, "error", err)
		return TenantProfile{TenantID: tenantID}, nil
	}
	p.TenantID = tenantID
	return p, nil
}

// Put validates and persists a profile, then invalidates the cached copy.
func (m *Manager) Put(ctx context.Context, tenantID string, p TenantProfile) error {
	p.TenantID = tenantID
	if err := Validate(p); err != nil {
		return err
	}
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshalling profile: %w", err)
	}
	if err := m.store.PutProfile(ctx, tenantID, string(b)); err != nil {
		return fmt.Errorf("saving profile of %s: %w", tenantID, err)
	}
	m.mu.Lock()
	delete(m.cache, tenantID)
	m.mu.Unlock()
	return nil
}

// Validate checks the fields the pipeline relies on.
func Validate(p TenantProfile) error {
	switch p.Persona.Register {
	case "", "informal", "formal":
	default:
		return fmt.Errorf("%w: register %q must be informal or formal", ErrInvalid, p.Persona.Register)
	}
	for i, item := range p.Prices {
		if strings.TrimSpace(item.Name) == "" {
			return fmt.Errorf("%w: price %d has no name", ErrInvalid, i)
		}
		if item.AmountBRL < 0 {
			return fmt.Errorf("%w: price %q is negative", ErrInvalid, item.Name)
		}
	}
	for i, f := range p.FAQ {
		if strings.TrimSpace(f.Answer) == "" {
			return fmt.Errorf("%w: faq %d has no answer", ErrInvalid, i)
		}
	}
	return nil
}

// maxSummaryChars caps the prompt summary to stay under ~200 tokens.
const maxSummaryChars = 800

// Summary renders the persona as a compact block for system prompts.
func Summary(p TenantProfile) string {
	var parts []string
	if name := p.Persona.DisplayName; name != "" {
		parts = append(parts, fmt.Sprintf("Você fala em nome de %s.", name))
	}
	if p.Persona.Formal() {
		parts = append(parts, "Trate o cliente por \"o senhor\"/\"a senhora\", com registro formal.")
	} else {
		parts = append(parts, "Use registro informal, tratando o cliente por \"você\".")
	}
	if p.Persona.Tone != "" {
		parts = append(parts, fmt.Sprintf("Tom: %s.", p.Persona.Tone))
	}
	if len(p.Persona.VocabularyHints) > 0 {
		parts = append(parts, fmt.Sprintf("Vocabulário preferido: %s.", strings.Join(p.Persona.VocabularyHints, ", ")))
	}
	if p.Persona.Signature != "" {
		parts = append(parts, fmt.Sprintf("Assinatura opcional: %q.", p.Persona.Signature))
	}

	summary := strings.Join(parts, " ")
	if len(summary) > maxSummaryChars {
		end := maxSummaryChars
		for end > 0 && !utf8.RuneStart(summary[end]) {
			end--
		}
		if idx := strings.LastIndex(summary[:end], " "); idx > 0 {
			summary = summary[:idx]
		} else {
			summary = summary[:end]
		}
	}
	return summary
}

func copyProfile(p TenantProfile) TenantProfile {
	cp := p
	cp.Persona.VocabularyHints = append([]string(nil), p.Persona.VocabularyHints...)
	cp.ClosingIntents = append([]string(nil), p.ClosingIntents...)
	if p.Prices != nil {
		cp.Prices = make([]PriceItem, len(p.Prices))
		for i, item := range p.Prices {
			item.Synonyms = append([]string(nil), item.Synonyms...)
			cp.Prices[i] = item
		}
	}
	if p.FAQ != nil {
		cp.FAQ = make([]FAQEntry, len(p.FAQ))
		for i, f := range p.FAQ {
			f.Keywords = append([]string(nil), f.Keywords...)
			cp.FAQ[i] = f
		}
	}
	return cp
}
