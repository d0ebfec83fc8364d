package waf

import (
	"html"
	"text/template"

	"github.com/polisai/polis-chatguard/pkg/policy/patterns"
)

// EscapeHTML escapes text for an HTML element or attribute context.
func EscapeHTML(text string) string {
	return html.EscapeString(text)
}

// EscapeScript escapes text for embedding in a JavaScript string literal.
func EscapeScript(text string) string {
	return template.JSEscapeString(text)
}

// Sanitize keeps letters, digits, Hangul, whitespace and .,!?@()_- and drops
// everything else.
func Sanitize(text string) string {
	return patterns.StripDisallowed(text)
}

// Truncate cuts text to at most maxRunes runes. A non-positive limit yields "".
func Truncate(text string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	count := 0
	for i := range text {
		if count == maxRunes {
			return text[:i]
		}
		count++
	}
	return text
}
