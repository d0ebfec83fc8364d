package dlp

import (
	"fmt"
	"strings"
)

// RegexStrategy masks every match of its rules, in rule order, on the
// progressively masked text. Each prefix numbers its tokens from 1 on every call,
// skipping any number whose token already appears literally in the input.
type RegexStrategy struct {
	name     string
	priority int
	rules    []Rule
	prefixes []string
}

// NewRegexStrategy validates the rules and builds a strategy.
func NewRegexStrategy(name string, priority int, rules ...Rule) (*RegexStrategy, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("dlp: strategy name is required")
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("dlp: strategy %s has no rules", name)
	}

	seen := make(map[string]struct{}, len(rules))
	var prefixes []string
	for _, rule := range rules {
		if !validPrefix(rule.Prefix) {
			return nil, fmt.Errorf("dlp: invalid token prefix %q for strategy %s", rule.Prefix, name)
		}
		if rule.Expr == nil {
			return nil, fmt.Errorf("dlp: pattern is required for prefix %s in strategy %s", rule.Prefix, name)
		}
		if _, ok := seen[rule.Prefix]; !ok {
			seen[rule.Prefix] = struct{}{}
			prefixes = append(prefixes, rule.Prefix)
		}
	}

	return &RegexStrategy{
		name:     name,
		priority: priority,
		rules:    append([]Rule(nil), rules...),
		prefixes: prefixes,
	}, nil
}

// Name implements Strategy.
func (s *RegexStrategy) Name() string { return s.name }

// Priority implements Strategy.
func (s *RegexStrategy) Priority() int { return s.priority }

// Prefixes implements Strategy.
func (s *RegexStrategy) Prefixes() []string { return append([]string(nil), s.prefixes...) }

// Mask implements Strategy.
func (s *RegexStrategy) Mask(text string) MaskingResult {
	tokens := make(map[string]string)
	counters := make(map[string]int, len(s.prefixes))

	masked := text
	for _, rule := range s.rules {
		masked = rule.Expr.ReplaceAllStringFunc(masked, func(match string) string {
			var token string
			for {
				counters[rule.Prefix]++
				token = formatToken(rule.Prefix, counters[rule.Prefix])
				if !strings.Contains(text, token) {
					break
				}
			}
			tokens[token] = match
			return token
		})
	}

	return MaskingResult{MaskedText: masked, Tokens: tokens}
}

func formatToken(prefix string, n int) string {
	return fmt.Sprintf("[%s_%03d]", prefix, n)
}
