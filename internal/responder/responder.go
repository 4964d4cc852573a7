// Package responder drafts the factual reply to a routed message. Drafts
// come from the tenant's structured data when possible and from the
// language model otherwise.
package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/meirobo/internal/engine"
	"github.com/kalambet/meirobo/internal/profile"
	"github.com/kalambet/meirobo/internal/retrieval"
	"github.com/kalambet/meirobo/internal/router"
)

// Draft sources.
const (
	SourcePrices    = "prices"
	SourceHours     = "hours"
	SourceFAQ       = "faq"
	SourceAcervo    = "acervo"
	SourceGenerated = "generated"
	SourceFixed     = "fixed"
)

// ErrNoDraft is returned when nothing structured answers the message and
// no language model is available.
var ErrNoDraft = errors.New("no draft available")

// Chatter is the chat completion capability used for free-form drafts.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// Request is everything a draft may draw on.
type Request struct {
	Decision  router.Decision
	Message   string
	Summary   string
	Profile   profile.TenantProfile
	Retrieval *retrieval.Result // nil when retrieval did not run
}

// Draft is an unshaped reply.
type Draft struct {
	Text     string
	Source   string
	Grounded bool
}

// Responder produces drafts.
type Responder struct {
	client  Chatter
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a Responder. A nil client limits it to structured drafts.
func New(client Chatter, model string, timeout time.Duration, logger *slog.Logger) *Responder {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{client: client, model: model, timeout: timeout, logger: logger}
}

// Draft answers req. An error means no draft could be produced at all.
func (r *Responder) Draft(ctx context.Context, req Request) (Draft, error) {
	p := req.Profile
	switch req.Decision.Intent {
	case router.IntentPricing:
		if d, ok := pricing(req); ok {
			return d, nil
		}
	case router.IntentScheduling:
		if p.BusinessHours != "" {
			return Draft{Text: scheduling(p), Source: SourceHours}, nil
		}
	case router.IntentClosing:
		return Draft{Text: closing(p), Source: SourceFixed}, nil
	case router.IntentOutOfScope:
		return Draft{Text: outOfScope(p), Source: SourceFixed}, nil
	case router.IntentFAQ:
		if f, ok := profile.MatchFAQ(p.FAQ, req.Message); ok {
			return Draft{Text: f.Answer, Source: SourceFAQ}, nil
		}
	}

	if res := req.Retrieval; res != nil && res.Reason == retrieval.ReasonOK && res.Answer != "" {
		return Draft{Text: res.Answer, Source: SourceAcervo, Grounded: true}, nil
	}
	return r.generate(ctx, req)
}

func pricing(req Request) (Draft, bool) {
	items := req.Profile.Prices
	if len(items) == 0 {
		return Draft{}, false
	}
	if svc := req.Decision.Slots["service"]; svc != "" {
		if it, ok := profile.FindPrice(items, svc); ok {
			return Draft{Text: SinglePrice(it), Source: SourcePrices}, true
		}
	}
	switch found := profile.MentionedPrices(items, req.Message); len(found) {
	case 0:
		return Draft{Text: PriceList(items), Source: SourcePrices}, true
	case 1:
		return Draft{Text: SinglePrice(found[0]), Source: SourcePrices}, true
	default:
		return Draft{Text: PriceList(found), Source: SourcePrices}, true
	}
}

func scheduling(p profile.TenantProfile) string {
	s := "Nosso horário de atendimento: " + strings.TrimSpace(p.BusinessHours)
	if !strings.HasSuffix(s, ".") {
		s += "."
	}
	if p.BookingLink != "" {
		return s + " Você pode escolher o melhor horário por aqui: " + p.BookingLink
	}
	return s + " " + bookingCTA
}

func closing(p profile.TenantProfile) string {
	if p.BookingLink != "" {
		return "Perfeito! Para confirmar, é só reservar por aqui: " + p.BookingLink
	}
	return "Perfeito! Já anotei aqui e te confirmo o horário em instantes."
}

func outOfScope(p profile.TenantProfile) string {
	who := "por aqui"
	if p.Persona.DisplayName != "" {
		who = "no " + p.Persona.DisplayName
	}
	return fmt.Sprintf("Isso foge do que a gente faz %s, mas fico à disposição para o que precisar dos nossos serviços!", who)
}

const draftPrompt = `Você atende clientes de um pequeno negócio pelo WhatsApp. Responda em português do Brasil, em no máximo três frases curtas, de forma útil e honesta. Use apenas as informações fornecidas; se não souber, diga que vai verificar e ofereça ajuda com valores, endereço ou agendamento. Não invente preços nem horários.`

func (r *Responder) generate(ctx context.Context, req Request) (Draft, error) {
	if r.client == nil {
		return Draft{}, ErrNoDraft
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var sb strings.Builder
	sb.WriteString(draftPrompt)
	if req.Summary != "" {
		fmt.Fprintf(&sb, "\n\n[Resumo da conversa]\n%s", req.Summary)
	}
	grounded := false
	if res := req.Retrieval; res != nil && res.Context != "" {
		fmt.Fprintf(&sb, "\n\n[Material do negócio]\n%s", res.Context)
		grounded = true
	}
	if hours := req.Profile.BusinessHours; hours != "" {
		fmt.Fprintf(&sb, "\n\n[Horário]\n%s", hours)
	}

	out, err := r.client.Chat(ctx, r.model, []engine.Message{
		{Role: engine.RoleSystem, Content: sb.String()},
		{Role: engine.RoleUser, Content: req.Message},
	}, nil)
	if err != nil {
		return Draft{}, fmt.Errorf("generating draft: %w", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return Draft{}, fmt.Errorf("generating draft: %w", ErrNoDraft)
	}
	return Draft{Text: out, Source: SourceGenerated, Grounded: grounded}, nil
}
