package persona

import (
	"regexp"
	"strings"
)

var (
	idInParens = regexp.MustCompile(`(?i)\s*\((?:id|wamid)[^)]*\)`)
	hexToken   = regexp.MustCompile(`\b[A-Fa-f0-9]{10,}\b`)
	longAlnum  = regexp.MustCompile(`\b[A-Za-z0-9]{16,}\b`)
	spaceRun   = regexp.MustCompile(`[ \t]{2,}`)
	trailDash  = regexp.MustCompile(`\s*[–—-]\s*$`)
)

// Sanitize removes internal identifiers (message ids, hashes, long
// tokens) from outbound text. Links are left intact.
func Sanitize(text string) string {
	if text == "" {
		return text
	}
	links := urlPattern.FindAllString(text, -1)
	for i, l := range links {
		text = strings.Replace(text, l, placeholder(i), 1)
	}

	text = idInParens.ReplaceAllString(text, "")
	text = hexToken.ReplaceAllString(text, "")
	text = longAlnum.ReplaceAllString(text, "")

	for i, l := range links {
		text = strings.Replace(text, placeholder(i), l, 1)
	}

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRun.ReplaceAllString(line, " "))
	}
	text = strings.TrimSpace(strings.Join(lines, "\n"))
	return strings.TrimSpace(trailDash.ReplaceAllString(text, ""))
}

func placeholder(i int) string {
	return "\x00" + string(rune('a'+i%26)) + "\x00"
}
