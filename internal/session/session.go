// Package session keeps the short rolling summary of each contact's
// conversation.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/kalambet/meirobo/internal/storage"
)

const (
	// MaxBullets is the number of bullets a summary keeps.
	MaxBullets = 3
	// MaxBulletChars bounds each bullet, in runes.
	MaxBulletChars = 160
)

// Store is the persistence the summaries live in. Implemented by
// storage.Store.
type Store interface {
	GetSession(ctx context.Context, tenantID, contactID string) (storage.SessionSummary, error)
	PutSession(ctx context.Context, sum storage.SessionSummary) error
}

// Turn is one exchange folded into the summary.
type Turn struct {
	Intent  string
	Message string
	Reply   string
}

// Summaries reads and rolls contact summaries. Writes are last-write-wins.
type Summaries struct {
	store Store
}

func New(store Store) *Summaries {
	return &Summaries{store: store}
}

// Load returns the summary of a contact, empty when none exists yet.
func (s *Summaries) Load(ctx context.Context, tenantID, contactID string) (storage.SessionSummary, error) {
	sum, err := s.store.GetSession(ctx, tenantID, contactID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.SessionSummary{TenantID: tenantID, ContactID: contactID}, nil
	}
	if err != nil {
		return storage.SessionSummary{}, fmt.Errorf("loading session of %s/%s: %w", tenantID, contactID, err)
	}
	return sum, nil
}

// Record folds turn into prev and replaces the stored summary with the
// result. The oldest bullet drops out once MaxBullets is reached.
func (s *Summaries) Record(ctx context.Context, prev storage.SessionSummary, turn Turn) (storage.SessionSummary, error) {
	next := Roll(prev, turn)
	if err := s.store.PutSession(ctx, next); err != nil {
		return storage.SessionSummary{}, fmt.Errorf("saving session of %s/%s: %w", next.TenantID, next.ContactID, err)
	}
	return next, nil
}

// Roll computes the summary that follows prev after turn, without saving.
func Roll(prev storage.SessionSummary, turn Turn) storage.SessionSummary {
	next := storage.SessionSummary{
		TenantID:   prev.TenantID,
		ContactID:  prev.ContactID,
		LastIntent: turn.Intent,
	}
	bullets := make([]string, 0, MaxBullets)
	for _, b := range prev.Bullets {
		if b = clip(b); b != "" {
			bullets = append(bullets, b)
		}
	}
	if b := bullet(turn); b != "" {
		bullets = append(bullets, b)
	}
	if len(bullets) > MaxBullets {
		bullets = bullets[len(bullets)-MaxBullets:]
	}
	next.Bullets = bullets
	return next
}

// Text renders the summary for prompts. Empty summaries render as "".
func Text(sum storage.SessionSummary) string {
	if len(sum.Bullets) == 0 {
		return ""
	}
	var b strings.Builder
	for _, line := range sum.Bullets {
		b.WriteString("- ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if sum.LastIntent != "" {
		fmt.Fprintf(&b, "Última intenção: %s\n", sum.LastIntent)
	}
	return strings.TrimRight(b.String(), "\n")
}

func bullet(turn Turn) string {
	msg := collapse(turn.Message)
	if msg == "" {
		return ""
	}
	label := turn.Intent
	if label == "" {
		label = "mensagem"
	}
	line := label + ": cliente disse \"" + msg + "\""
	if reply := collapse(turn.Reply); reply != "" {
		line += "; respondemos \"" + reply + "\""
	}
	return clip(line)
}

func collapse(s string) string {
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}

func clip(s string) string {
	s = collapse(s)
	r := []rune(s)
	if len(r) <= MaxBulletChars {
		return s
	}
	return strings.TrimRightFunc(string(r[:MaxBulletChars-1]), unicode.IsSpace) + "…"
}
