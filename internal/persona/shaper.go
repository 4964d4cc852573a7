// Package persona rewrites factual drafts in the tenant's voice.
package persona

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/kalambet/meirobo/internal/engine"
	"github.com/kalambet/meirobo/internal/profile"
)

// ErrFactsChanged is returned when a rewrite drops a link or an amount
// present in the draft.
var ErrFactsChanged = errors.New("rewrite changed facts")

// maxDraftChars bounds the draft sent for rewriting.
const maxDraftChars = 2000

// Chatter is the chat completion capability used for rewriting.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// Shaper applies a tenant persona to drafts.
type Shaper struct {
	client  Chatter
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a Shaper. With a nil client Shape only sanitizes and signs.
func New(client Chatter, model string, timeout time.Duration, logger *slog.Logger) *Shaper {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Shaper{client: client, model: model, timeout: timeout, logger: logger}
}

const shapePrompt = `Reescreva a mensagem abaixo na voz do negócio descrito, para envio por WhatsApp. Mantenha exatamente todos os fatos: valores, horários, links e nomes de serviços. Não acrescente informações. Responda somente com a mensagem reescrita, sem aspas e sem comentários.`

// Shape rewrites draft in the persona of p. The result is sanitized and
// signed. Errors leave the caller to fall back to Finish(draft).
func (s *Shaper) Shape(ctx context.Context, draft string, p profile.TenantProfile, toneHint string) (string, error) {
	draft = strings.TrimSpace(draft)
	if draft == "" {
		return "", errors.New("empty draft")
	}
	if s.client == nil || len([]rune(draft)) > maxDraftChars {
		return Finish(draft, p), nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var sb strings.Builder
	sb.WriteString(shapePrompt)
	fmt.Fprintf(&sb, "\n\n[Persona]\n%s", profile.Summary(p))
	if toneHint != "" {
		fmt.Fprintf(&sb, "\nRegistro: %s.", toneHint)
	}

	out, err := s.client.Chat(ctx, s.model, []engine.Message{
		{Role: engine.RoleSystem, Content: sb.String()},
		{Role: engine.RoleUser, Content: draft},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("rewriting draft: %w", err)
	}
	out = strings.Trim(strings.TrimSpace(out), `"`)
	if out == "" {
		return "", errors.New("rewriting draft: empty output")
	}
	if missing := missingFacts(draft, out); len(missing) > 0 {
		s.logger.Debug("rewrite dropped facts", "tenant", p.TenantID, "missing", len(missing))
		return "", ErrFactsChanged
	}
	return Finish(out, p), nil
}

// Finish sanitizes text and appends the persona signature once.
func Finish(text string, p profile.TenantProfile) string {
	text = Sanitize(text)
	if sig := strings.TrimSpace(p.Persona.Signature); sig != "" && !strings.Contains(text, sig) {
		text += "\n" + sig
	}
	return text
}

var (
	urlPattern    = regexp.MustCompile(`https?://\S+`)
	amountPattern = regexp.MustCompile(`R\$\s?\d[\d.,]*`)
)

func missingFacts(draft, out string) []string {
	var missing []string
	for _, re := range []*regexp.Regexp{urlPattern, amountPattern} {
		for _, fact := range re.FindAllString(draft, -1) {
			fact = strings.TrimRight(fact, ".,;:!?)")
			if !strings.Contains(out, fact) {
				missing = append(missing, fact)
			}
		}
	}
	return missing
}
