package policy

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern  = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	secretPattern = regexp.MustCompile(`(?i)\b(?:sk-[a-z0-9_\-]{16,}|(?:api[_-]?key|token|bearer)[=: ]+[a-z0-9._\-]{12,})`)
)

// MaxClientMessageLen bounds error text sent to clients.
const MaxClientMessageLen = 240

// RedactPII masks common high-risk PII patterns and credentials.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := secretPattern.ReplaceAllString(out, "[REDACTED_SECRET]")
	changed = changed || next != out
	out = next

	next = emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Card before phone, otherwise card numbers match the phone pattern.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// ClientMessage turns an internal error description into text that is safe to
// show a client: redacted, single line, bounded length.
func ClientMessage(msg string) string {
	out, _ := RedactPII(msg)
	out = strings.Join(strings.Fields(out), " ")
	if len(out) <= MaxClientMessageLen {
		return out
	}
	cut := MaxClientMessageLen
	for cut > 0 && !utf8.RuneStart(out[cut]) {
		cut--
	}
	return out[:cut] + "..."
}
