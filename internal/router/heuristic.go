package router

import (
	"strings"

	"github.com/kalambet/meirobo/internal/profile"
)

// Keyword lists match against folded text (lowercase, no accents).
var (
	outOfScopeTerms = []string{
		"criar um site", "fazer um site", "desenvolver um site", "criar um app", "desenvolver um app",
		"fazer um aplicativo", "criar um aplicativo", "sistema personalizado", "software sob medida",
		"programa sob medida", "orcamento de software", "orcamento de site", "orcamento de aplicativo",
		"buscar meu filho", "buscar minha filha", "pagar minha conta", "pagar meu boleto",
		"ir ao banco pra mim", "fazer compras pra mim", "favor pessoal",
	}
	closingTerms = []string{
		"fechado", "pode marcar", "pode agendar", "confirmo", "confirmado", "combinado",
		"vou querer", "quero reservar", "manda o link", "me manda o link", "pode reservar",
	}
	priceTerms    = []string{"preco", "quanto custa", "quanto fica", "quanto e", "valor", "custa", "tabela"}
	scheduleTerms = []string{"agendar", "agenda", "marcar", "horario", "quando posso", "quando tem", "disponivel"}
	faqTerms      = []string{"onde fica", "endereco", "funciona", "abre", "fecha", "aceita", "pix", "cartao", "estacionamento"}
)

// Heuristic classifies message from keywords alone.
func Heuristic(message string, p profile.TenantProfile) Decision {
	m := profile.Fold(message)
	d := Decision{Source: SourceHeuristic, Confidence: 0.6}

	switch {
	case containsAny(m, outOfScopeTerms):
		d.Intent = IntentOutOfScope
		d.NextStep = NextExit
	case containsAny(m, closingTerms):
		d.Intent = IntentClosing
		d.NextStep = linkOrCTA(p)
	case containsAny(m, priceTerms):
		d.Intent = IntentPricing
	case containsAny(m, scheduleTerms):
		d.Intent = IntentScheduling
		d.NextStep = linkOrCTA(p)
	case containsAny(m, faqTerms):
		d.Intent = IntentFAQ
	default:
		if _, ok := profile.MatchFAQ(p.FAQ, message); ok {
			d.Intent = IntentFAQ
		} else {
			d.Intent = IntentFreeform
			d.Confidence = 0.3
		}
	}
	return d
}

func linkOrCTA(p profile.TenantProfile) string {
	if p.BookingLink != "" {
		return NextSendLink
	}
	return NextCTA
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}
