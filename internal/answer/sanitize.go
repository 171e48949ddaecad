// Package answer turns retrieved context into a structured, grounded
// answer: model synthesis with a strict JSON contract when a chat client
// is available, and a deterministic section builder otherwise.
package answer

import (
	"regexp"
	"strings"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

var (
	htmlTagRe = regexp.MustCompile(`<[^>]{1,200}>`)
	mdImageRe = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	mdLinkRe  = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	// A word broken across a line by a trailing hyphen.
	hyphenBreakRe = regexp.MustCompile(`(\p{L})-\s*\n\s*(\p{L})`)
	bulletRe      = regexp.MustCompile(`(?m)^[\s]*[•◦▪*–·]+\s*`)
	spacesRe      = regexp.MustCompile(`[ \t]{2,}`)
	blankLinesRe  = regexp.MustCompile(`\n{3,}`)
)

// invisibles are layout characters PDFs and Arabic sources leave behind:
// the soft hyphen and the tatweel elongation mark.
var invisibles = runes.Remove(runes.Predicate(func(r rune) bool {
	return r == '­' || r == 'ـ'
}))

// Sanitize normalizes extracted corpus text for display: HTML and
// markdown wrappers are stripped, broken words rejoined, bullets
// normalized to "- ", whitespace collapsed. Idempotent, so already-clean
// text passes through unchanged.
func Sanitize(text string) string {
	out, _, _ := transform.String(invisibles, text)
	out = mdImageRe.ReplaceAllString(out, "$1")
	out = mdLinkRe.ReplaceAllString(out, "$1")
	out = htmlTagRe.ReplaceAllString(out, " ")
	out = hyphenBreakRe.ReplaceAllString(out, "$1$2")
	out = bulletRe.ReplaceAllString(out, "- ")
	out = spacesRe.ReplaceAllString(out, " ")
	out = blankLinesRe.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

// clipRunes truncates s to at most max runes, appending an ellipsis when
// it clipped.
func clipRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return strings.TrimSpace(string(runes[:max-1])) + "…"
}
