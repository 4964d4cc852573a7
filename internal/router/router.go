// Package router classifies inbound messages into an intent and decides
// whether the tenant's corpus is needed to answer them.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/meirobo/internal/engine"
	"github.com/kalambet/meirobo/internal/profile"
)

const classificationTimeout = 3 * time.Second

// Intents.
const (
	IntentPricing    = "pricing"
	IntentScheduling = "scheduling"
	IntentFAQ        = "faq"
	IntentFreeform   = "freeform"
	IntentClosing    = "closing"
	IntentOutOfScope = "out_of_scope"
)

// Intents lists every intent the router can produce.
var Intents = []string{IntentPricing, IntentScheduling, IntentFAQ, IntentFreeform, IntentClosing, IntentOutOfScope}

// Next steps. The zero value means no particular step.
const (
	NextSendLink = "SEND_LINK"
	NextCTA      = "CTA"
	NextExit     = "EXIT"
)

// Decision sources.
const (
	SourceLLM       = "llm"
	SourceHeuristic = "heuristic"
)

// ErrEmptyMessage is returned for messages with no text to classify.
var ErrEmptyMessage = errors.New("empty message")

// Chatter is the chat completion capability used for classification.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// Decision is the routing result of one message.
type Decision struct {
	Intent     string            `json:"intent"`
	Slots      map[string]string `json:"slots,omitempty"`
	NeedAcervo bool              `json:"needAcervo"`
	ToneHint   string            `json:"toneHint"`
	NextStep   string            `json:"nextStep,omitempty"`
	Confidence float64           `json:"confidence"`
	Source     string            `json:"source"`
}

// Router classifies messages with a small LLM call and falls back to
// keyword heuristics.
type Router struct {
	client Chatter
	model  string
	logger *slog.Logger
}

// New creates a Router. A nil client routes with heuristics only.
func New(client Chatter, model string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{client: client, model: model, logger: logger}
}

type classification struct {
	Intent     string  `json:"intent"`
	Service    string  `json:"service"`
	NeedAcervo bool    `json:"need_acervo"`
	NextStep   string  `json:"next_step"`
	Confidence float64 `json:"confidence"`
}

// Route classifies message given the contact's session summary and the
// tenant profile. Classification failures never surface as errors; the
// heuristics decide instead.
func (r *Router) Route(ctx context.Context, summary, message string, p profile.TenantProfile) (Decision, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return Decision{}, ErrEmptyMessage
	}

	var d Decision
	c, ok := r.classify(ctx, summary, message, p)
	if ok {
		d = Decision{
			Intent:     c.Intent,
			NextStep:   normalizeNextStep(c.NextStep),
			Confidence: clamp01(c.Confidence),
			Source:     SourceLLM,
		}
		if s := strings.TrimSpace(c.Service); s != "" {
			d.Slots = map[string]string{"service": s}
		}
	} else {
		d = Heuristic(message, p)
	}

	d.NeedAcervo = needAcervo(d.Intent, message, p) || (ok && c.NeedAcervo)
	d.ToneHint = toneHint(p.Persona)
	if d.Intent == IntentPricing && d.Slots["service"] == "" {
		if items := profile.MentionedPrices(p.Prices, message); len(items) > 0 {
			d.Slots = map[string]string{"service": items[0].Name}
		}
	}
	return d, nil
}

func (r *Router) classify(ctx context.Context, summary, message string, p profile.TenantProfile) (classification, bool) {
	if r.client == nil {
		return classification{}, false
	}
	ctx, cancel := context.WithTimeout(ctx, classificationTimeout)
	defer cancel()

	raw, err := r.client.Chat(ctx, r.model, BuildPrompt(message, summary, p), routeSchema())
	if err != nil {
		r.logger.Warn("classification chat failed, using heuristics", "tenant", p.TenantID, "error", err)
		return classification{}, false
	}
	var c classification
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		r.logger.Warn("malformed classification, using heuristics", "tenant", p.TenantID, "error", err)
		return classification{}, false
	}
	if !validIntent(c.Intent) {
		r.logger.Warn("unknown intent from classifier, using heuristics", "tenant", p.TenantID, "intent", c.Intent)
		return classification{}, false
	}
	return c, true
}

// needAcervo is true for faq and freeform messages that no structured FAQ
// entry answers.
func needAcervo(intent, message string, p profile.TenantProfile) bool {
	if intent != IntentFAQ && intent != IntentFreeform {
		return false
	}
	_, matched := profile.MatchFAQ(p.FAQ, message)
	return !matched
}

func toneHint(p profile.Persona) string {
	if p.Formal() {
		return "formal"
	}
	return "informal"
}

func validIntent(intent string) bool {
	for _, i := range Intents {
		if i == intent {
			return true
		}
	}
	return false
}

func normalizeNextStep(s string) string {
	switch s = strings.ToUpper(strings.TrimSpace(s)); s {
	case NextSendLink, NextCTA, NextExit:
		return s
	}
	return ""
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
