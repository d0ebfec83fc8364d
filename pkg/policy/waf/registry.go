package waf

import (
	"fmt"
	"strings"
	"sync"

	"github.com/polisai/polis-chatguard/pkg/policy/patterns"
)

// Registry maintains a threadsafe catalogue of reusable WAF rules.
// Rules keep their registration order.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]Rule
	order []string
}

// NewRegistry creates an empty registry instance.
func NewRegistry() *Registry {
	return &Registry{rules: make(map[string]Rule)}
}

// Register inserts or replaces a rule definition. A replaced rule keeps its position.
func (r *Registry) Register(rule Rule) error {
	if strings.TrimSpace(rule.Name) == "" {
		return fmt.Errorf("waf: registry rule name is required")
	}
	if rule.Expr == nil && strings.TrimSpace(rule.Pattern) == "" {
		return fmt.Errorf("waf: registry rule %s missing pattern", rule.Name)
	}

	key := strings.ToLower(rule.Name)

	r.mu.Lock()
	if _, exists := r.rules[key]; !exists {
		r.order = append(r.order, key)
	}
	r.rules[key] = rule
	r.mu.Unlock()
	return nil
}

// RegisterAll adds multiple rules.
func (r *Registry) RegisterAll(rules []Rule) error {
	for _, rule := range rules {
		if err := r.Register(rule); err != nil {
			return err
		}
	}
	return nil
}

// Resolve fetches a rule definition by identifier.
func (r *Registry) Resolve(id string) (Rule, bool) {
	if id == "" {
		return Rule{}, false
	}

	key := strings.ToLower(id)

	r.mu.RLock()
	rule, ok := r.rules[key]
	r.mu.RUnlock()
	if !ok {
		return Rule{}, false
	}
	return rule, true
}

// ResolveAll resolves every id, failing on the first unknown one.
// An empty id list resolves to all registered rules.
func (r *Registry) ResolveAll(ids []string) ([]Rule, error) {
	if len(ids) == 0 {
		return r.Rules(), nil
	}
	out := make([]Rule, 0, len(ids))
	for _, id := range ids {
		rule, ok := r.Resolve(id)
		if !ok {
			return nil, fmt.Errorf("waf: unknown rule %q", id)
		}
		out = append(out, rule)
	}
	return out, nil
}

// Rules returns a snapshot of all rules in registration order.
func (r *Registry) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Rule, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.rules[key])
	}
	return out
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// GlobalRegistry exposes the process-wide registry populated with builtin rules.
func GlobalRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = newRegistryWithBuiltins()
	})
	return defaultRegistry
}

// BuiltinRules returns the XSS rules followed by the SQL injection rules.
func BuiltinRules() []Rule {
	reasons := map[string]string{
		"xss.script-tag":        "script tags are not allowed",
		"xss.iframe-tag":        "iframe tags are not allowed",
		"xss.javascript-uri":    "javascript: URIs are not allowed",
		"xss.inline-handler":    "inline event handlers are not allowed",
		"sql.quoted-tautology":  "quoted OR tautology detected",
		"sql.numeric-tautology": "numeric OR tautology detected",
		"sql.union-select":      "UNION SELECT detected",
		"sql.drop-table":        "DROP TABLE detected",
		"sql.stacked-statement": "stacked SQL statement detected",
		"sql.quote-comment":     "quote followed by SQL comment detected",
	}

	attacks := patterns.Attacks()
	rules := make([]Rule, 0, len(attacks))
	for _, p := range attacks {
		threat := ThreatXSS
		if p.Family == patterns.FamilySQLInjection {
			threat = ThreatSQLInjection
		}
		rules = append(rules, Rule{
			Name:     p.Name,
			Expr:     p.Expr,
			Threat:   threat,
			Reason:   reasons[p.Name],
			Severity: SeverityHigh,
			Action:   ActionBlock,
		})
	}
	return rules
}

func newRegistryWithBuiltins() *Registry {
	r := NewRegistry()
	_ = r.RegisterAll(BuiltinRules())
	return r
}
