package responder

import (
	"fmt"
	"math"
	"strings"

	"github.com/kalambet/meirobo/internal/profile"
)

const maxPriceLines = 20

// Fixed replies.
const (
	HelpText       = "Posso te passar valores, endereço/horários ou já marcar um horário. O que você prefere?"
	AudioErrorText = "Ops, não consegui entender bem o áudio. Quer tentar de novo ou me mandar por mensagem?"
	bookingCTA     = "Quer que eu reserve um horário pra você?"
)

// FormatBRL renders an amount in reais. Whole amounts drop the cents.
func FormatBRL(v float64) string {
	cents := int64(math.Round(v * 100))
	whole, frac := cents/100, cents%100
	s := groupThousands(whole)
	if frac != 0 {
		s += fmt.Sprintf(",%02d", frac)
	}
	return "R$ " + s
}

func groupThousands(n int64) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

func priceLine(it profile.PriceItem) string {
	dur := "—"
	if it.DurationMin > 0 {
		dur = fmt.Sprintf("%dmin", it.DurationMin)
	}
	return fmt.Sprintf("• %s — %s — %s", it.Name, dur, FormatBRL(it.AmountBRL))
}

// PriceList renders up to 20 items with a booking invitation.
func PriceList(items []profile.PriceItem) string {
	if len(items) > maxPriceLines {
		items = items[:maxPriceLines]
	}
	lines := make([]string, len(items))
	for i, it := range items {
		lines[i] = priceLine(it)
	}
	return "Claro! Aqui vão alguns valores:\n" + strings.Join(lines, "\n") + "\n" + bookingCTA
}

// SinglePrice renders the answer for one item.
func SinglePrice(it profile.PriceItem) string {
	s := fmt.Sprintf("%s sai por %s", it.Name, FormatBRL(it.AmountBRL))
	if it.DurationMin > 0 {
		s += fmt.Sprintf(" e leva cerca de %d minutos", it.DurationMin)
	}
	return s + ". " + bookingCTA
}
