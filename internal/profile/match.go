package profile

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold lowercases s and strips diacritics so "Preço" matches "preco".
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(strings.TrimSpace(out))
}

// FindPrice looks up term in the price list: exact slug first, then
// synonyms, then a name containing the term.
func FindPrice(items []PriceItem, term string) (PriceItem, bool) {
	t := Fold(term)
	if t == "" {
		return PriceItem{}, false
	}
	for _, it := range items {
		if it.Slug != "" && Fold(it.Slug) == t {
			return it, true
		}
	}
	for _, it := range items {
		for _, syn := range it.Synonyms {
			if Fold(syn) == t {
				return it, true
			}
		}
	}
	for _, it := range items {
		if strings.Contains(Fold(it.Name), t) {
			return it, true
		}
	}
	return PriceItem{}, false
}

// MentionedPrices returns the items whose name, slug or synonyms appear in
// message, in list order.
func MentionedPrices(items []PriceItem, message string) []PriceItem {
	msg := " " + Fold(message) + " "
	var out []PriceItem
	for _, it := range items {
		terms := append([]string{it.Name, it.Slug}, it.Synonyms...)
		for _, term := range terms {
			f := Fold(strings.ReplaceAll(term, "-", " "))
			if len([]rune(f)) < 3 {
				continue
			}
			if strings.Contains(msg, f) {
				out = append(out, it)
				break
			}
		}
	}
	return out
}

// MatchFAQ returns the FAQ entry that best matches message. Entries with
// keywords match on any keyword; others need two significant words of
// their question in the message.
func MatchFAQ(faq []FAQEntry, message string) (FAQEntry, bool) {
	msg := Fold(message)
	if msg == "" {
		return FAQEntry{}, false
	}
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(msg, notWord) {
		words[w] = true
	}

	best, bestScore := -1, 0
	for i, f := range faq {
		score := 0
		if len(f.Keywords) > 0 {
			for _, k := range f.Keywords {
				if k = Fold(k); k != "" && strings.Contains(msg, k) {
					score += 2
				}
			}
		} else {
			for _, w := range strings.FieldsFunc(Fold(f.Question), notWord) {
				if len([]rune(w)) >= 4 && words[w] {
					score++
				}
			}
			if score < 2 {
				score = 0
			}
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return FAQEntry{}, false
	}
	return faq[best], true
}

func notWord(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
