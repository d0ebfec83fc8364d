package dlp

import "strings"

// Unmask replaces every token in text with its original value. Tokens missing
// from the map are left as they are.
func Unmask(text string, tokens map[string]string) string {
	if len(tokens) == 0 || text == "" {
		return text
	}
	pairs := make([]string, 0, len(tokens)*2)
	for token, value := range tokens {
		pairs = append(pairs, token, value)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// Unmask restores the original values in text using this record's tokens.
func (m MaskedData) Unmask(text string) string {
	return Unmask(text, m.Tokens)
}
