package dlp

import (
	"regexp"
	"strings"
)

// Strategy detects one PII family and replaces each match with a token.
//
// Implementations must be safe for concurrent use: any counter state is
// local to a single Mask call.
type Strategy interface {
	// Name identifies the strategy in logs and configuration.
	Name() string
	// Priority orders strategies; lower runs first.
	Priority() int
	// Prefixes lists every token prefix the strategy can emit.
	Prefixes() []string
	// Mask replaces detected values and returns the token map for this call.
	Mask(text string) MaskingResult
}

// MaskingResult is the output of one strategy invocation.
type MaskingResult struct {
	MaskedText string
	Tokens     map[string]string
}

// MaskedData is the request-scoped record of one masking pass.
// Tokens maps each token to the original value it replaced.
type MaskedData struct {
	Original string
	Masked   string
	Tokens   map[string]string
}

// Empty reports whether nothing was masked.
func (m MaskedData) Empty() bool {
	return len(m.Tokens) == 0
}

// Families counts tokens per prefix.
func (m MaskedData) Families() map[string]int {
	out := make(map[string]int, len(m.Tokens))
	for token := range m.Tokens {
		if prefix, ok := TokenPrefix(token); ok {
			out[prefix]++
		}
	}
	return out
}

// Rule binds a token prefix to a compiled expression.
type Rule struct {
	Prefix string
	Expr   *regexp.Regexp
}

var (
	prefixExpr = regexp.MustCompile(`^[A-Z][A-Z0-9]*$`)
	tokenExpr  = regexp.MustCompile(`^\[([A-Z][A-Z0-9]*)_\d{3,}\]$`)
)

// TokenPrefix extracts the prefix of a well-formed token such as [EMAIL_001].
func TokenPrefix(token string) (string, bool) {
	m := tokenExpr.FindStringSubmatch(token)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func validPrefix(prefix string) bool {
	return prefixExpr.MatchString(prefix) && !strings.Contains(prefix, "_")
}
