// Package dedup admits inbound events exactly once per event key and
// tracks each admitted attempt through the processing state machine.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/kalambet/meirobo/internal/storage"
)

// ErrInvalidEventKey is an admission error: the key cannot identify an event.
var ErrInvalidEventKey = errors.New("invalid event key")

const maxKeyLen = 512

// Decision is the outcome of an admission.
type Decision int

const (
	Accepted Decision = iota
	Duplicate
)

func (d Decision) String() string {
	if d == Accepted {
		return "accepted"
	}
	return "duplicate"
}

// Admission is returned by Admit. Attempt is the new attempt when
// Accepted, and the existing latest attempt when Duplicate.
type Admission struct {
	Decision Decision
	Attempt  storage.Attempt
}

// Store is the attempt persistence the gate needs.
type Store interface {
	CreateAttempt(ctx context.Context, a storage.Attempt) (bool, error)
	LatestAttempt(ctx context.Context, eventKey string) (storage.Attempt, error)
	TransitionAttempt(ctx context.Context, id, from, to string) (bool, error)
	FinishAttempt(ctx context.Context, id, from, state, outcome, errMsg string) (bool, error)
}

// Gate is the dedup gate. Admission is a single conditional insert, so
// concurrent deliveries of one key produce exactly one Accepted.
type Gate struct {
	store      Store
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

func New(store Store, staleAfter time.Duration, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: store, staleAfter: staleAfter, now: time.Now, logger: logger}
}

// ValidateKey reports whether key can be admitted.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidEventKey)
	}
	if len(key) > maxKeyLen {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidEventKey, maxKeyLen)
	}
	for _, r := range key {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: contains control characters", ErrInvalidEventKey)
		}
	}
	return nil
}

// Admit decides whether the event may be processed. A key whose latest
// attempt failed, or went stale without finishing, is admitted again as the
// next generation.
func (g *Gate) Admit(ctx context.Context, eventKey, tenantID, contactID string) (Admission, error) {
	if err := ValidateKey(eventKey); err != nil {
		return Admission{}, err
	}

	generation := 1
	latest, err := g.store.LatestAttempt(ctx, eventKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return Admission{}, fmt.Errorf("loading attempt for %s: %w", eventKey, err)
	default:
		if !storage.Terminal(latest.State) && g.isStale(latest) {
			ok, err := g.store.FinishAttempt(ctx, latest.ID, latest.State, storage.StateFailed, "stale", "no progress since "+latest.UpdatedAt.Format(time.RFC3339))
			if err != nil {
				return Admission{}, fmt.Errorf("expiring stale attempt %s: %w", latest.ID, err)
			}
			if !ok {
				// It moved while we looked; whoever moved it owns the key.
				return Admission{Decision: Duplicate, Attempt: latest}, nil
			}
			g.logger.Warn("stale attempt expired", "event_key", eventKey, "attempt", latest.ID, "state", latest.State)
			latest.State = storage.StateFailed
		}
		if latest.State != storage.StateFailed {
			return Admission{Decision: Duplicate, Attempt: latest}, nil
		}
		generation = latest.Generation + 1
	}

	a := storage.Attempt{
		ID:         uuid.New().String(),
		EventKey:   eventKey,
		Generation: generation,
		TenantID:   tenantID,
		ContactID:  contactID,
		State:      storage.StateStarted,
	}
	created, err := g.store.CreateAttempt(ctx, a)
	if err != nil {
		return Admission{}, err
	}
	if !created {
		winner, err := g.store.LatestAttempt(ctx, eventKey)
		if err != nil {
			return Admission{}, fmt.Errorf("loading winning attempt for %s: %w", eventKey, err)
		}
		return Admission{Decision: Duplicate, Attempt: winner}, nil
	}

	g.logger.Debug("event admitted", "event_key", eventKey, "attempt", a.ID, "generation", generation)
	a.StartedAt = g.now()
	a.UpdatedAt = a.StartedAt
	return Admission{Decision: Accepted, Attempt: a}, nil
}

// Check reports what Admit would decide without writing anything.
func (g *Gate) Check(ctx context.Context, eventKey string) (Decision, error) {
	if err := ValidateKey(eventKey); err != nil {
		return Duplicate, err
	}
	latest, err := g.store.LatestAttempt(ctx, eventKey)
	if errors.Is(err, storage.ErrNotFound) {
		return Accepted, nil
	}
	if err != nil {
		return Duplicate, err
	}
	if latest.State == storage.StateFailed || (!storage.Terminal(latest.State) && g.isStale(latest)) {
		return Accepted, nil
	}
	return Duplicate, nil
}

// ErrConflict is returned when an attempt is not in the state a transition
// expected.
var ErrConflict = errors.New("attempt state conflict")

// Transition moves the attempt from one state to another.
func (g *Gate) Transition(ctx context.Context, a *storage.Attempt, to string) error {
	ok, err := g.store.TransitionAttempt(ctx, a.ID, a.State, to)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s is not %s", ErrConflict, a.ID, a.State)
	}
	a.State = to
	a.UpdatedAt = g.now()
	return nil
}

// Finish records a terminal state. Finishing an attempt that is already
// terminal returns ErrConflict.
func (g *Gate) Finish(ctx context.Context, a *storage.Attempt, state, outcome, errMsg string) error {
	ok, err := g.store.FinishAttempt(ctx, a.ID, "", state, outcome, errMsg)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s already finished", ErrConflict, a.ID)
	}
	a.State = state
	a.Outcome = outcome
	a.LastError = errMsg
	a.FinishedAt = g.now()
	return nil
}

func (g *Gate) isStale(a storage.Attempt) bool {
	return g.staleAfter > 0 && g.now().Sub(a.UpdatedAt) > g.staleAfter
}
