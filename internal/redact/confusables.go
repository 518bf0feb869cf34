package redact

import (
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// HasConfusables reports whether the text contains characters whose NFKD
// normalization introduces combining marks, a cheap signal for visually
// deceptive glyph substitution in adversarial prompts.
func HasConfusables(text string) bool {
	normalized := norm.NFKD.String(text)
	if normalized == text {
		return false
	}
	for _, r := range normalized {
		if unicode.Is(unicode.M, r) {
			return true
		}
	}
	return false
}
