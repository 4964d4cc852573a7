package retrieval

import (
	"regexp"
	"strings"

	"github.com/kalambet/meirobo/internal/profile"
	"github.com/kalambet/meirobo/internal/storage"
)

var tokenSplit = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// exactTitleBonus is added when the question is an entry's title.
const exactTitleBonus = 3.0

// words folds case and diacritics in s and splits it on anything that is
// not a letter or digit.
func words(s string) []string {
	var out []string
	for _, w := range tokenSplit.Split(profile.Fold(s), -1) {
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

// tokenize returns the words of s that have at least two characters.
func tokenize(s string) []string {
	var out []string
	for _, w := range words(s) {
		if len([]rune(w)) >= 2 {
			out = append(out, w)
		}
	}
	return out
}

// titleKey normalizes a title or question for exact matching, so
// "Q&A" and "q & a" compare equal.
func titleKey(s string) string {
	return strings.Join(words(s), " ")
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range tokenize(s) {
		set[t] = struct{}{}
	}
	return set
}

// lexicalScore counts the question tokens found in an entry's title, tags,
// type and summary, weighted by priority.
func lexicalScore(question map[string]struct{}, e storage.CorpusEntry) float64 {
	bag := tokenSet(e.Title + " " + strings.Join(e.Tags, " ") + " " + e.Type + " " + e.Summary)
	var overlap int
	for t := range question {
		if _, ok := bag[t]; ok {
			overlap++
		}
	}
	score := float64(overlap)
	switch {
	case e.Priority == 1:
		score *= 1.4
	case e.Priority >= 3:
		score *= 0.8
	}
	return score
}

// snippet is the short text that represents an entry in context: its
// summary, or its title and tags when no summary exists.
func snippet(e storage.CorpusEntry) string {
	if s := strings.TrimSpace(e.Summary); s != "" {
		return s
	}
	var parts []string
	if t := strings.TrimSpace(e.Title); t != "" {
		parts = append(parts, t)
	}
	if len(e.Tags) > 0 {
		parts = append(parts, "Tags: "+strings.Join(e.Tags, ", "))
	}
	if len(parts) == 0 {
		return "Item do acervo ainda sem resumo."
	}
	return strings.Join(parts, "\n\n")
}

// estimateTokens approximates the token count of s.
func estimateTokens(s string) int {
	return (len([]rune(s)) + 3) / 4
}
