package redact

import (
	"strings"
	"testing"
)

func TestRedact(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"email", "contact alice@example.com please", "contact [REDACTED_EMAIL] please"},
		{"url", "see https://internal.example/path?token=1 now", "see [REDACTED_URL] now"},
		{"secret", "api_key: sk-abc123", "[REDACTED_SECRET]"},
		{"token", "TOKEN=deadbeef rest", "[REDACTED_SECRET] rest"},
		{"clean", "nothing sensitive here", "nothing sensitive here"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Redact(tc.in); got != tc.want {
				t.Fatalf("Redact(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestRedactMixed(t *testing.T) {
	got := Redact("mail bob@example.org, docs at http://example.org/doc, secret: hunter2")
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_URL]", "[REDACTED_SECRET]"} {
		if !strings.Contains(got, marker) {
			t.Fatalf("missing %s in %q", marker, got)
		}
	}
}

func TestHasConfusables(t *testing.T) {
	if HasConfusables("plain ascii text") {
		t.Fatal("ascii text flagged")
	}
	// Precomposed e with acute decomposes to a combining mark under NFKD.
	if !HasConfusables("résumé") {
		t.Fatal("precomposed accents not flagged")
	}
	// Compatibility forms that decompose without combining marks stay clean.
	if HasConfusables("ﬁle") { // fi ligature
		t.Fatal("ligature without marks flagged")
	}
}
