// Package redact obfuscates sensitive tokens before trace persistence and
// detects Unicode confusables in candidate text.
package redact

import "regexp"

var (
	emailRe  = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	urlRe    = regexp.MustCompile(`https?://\S+`)
	secretRe = regexp.MustCompile(`(?i)(api[_-]?key|secret|token)[:=]\s*\S+`)
)

// Redact replaces emails, URLs, and obvious secret assignments with
// placeholders. Order matters: emails first so that URL userinfo does not
// swallow them.
func Redact(text string) string {
	out := emailRe.ReplaceAllString(text, "[REDACTED_EMAIL]")
	out = urlRe.ReplaceAllString(out, "[REDACTED_URL]")
	return secretRe.ReplaceAllString(out, "[REDACTED_SECRET]")
}
