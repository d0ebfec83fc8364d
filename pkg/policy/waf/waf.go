// Package waf implements pattern-based inspection of inbound chat messages.
//
// The Validator rejects a message as soon as one attack rule matches. The
// Detector reports every match and backs diagnostics such as the CLI check
// command.
package waf

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Threat classifies the attack a rule detects.
type Threat string

const (
	// ThreatNone is reported for accepted input.
	ThreatNone Threat = "NONE"
	// ThreatXSS marks script injection into HTML contexts.
	ThreatXSS Threat = "XSS"
	// ThreatSQLInjection marks SQL tautologies, unions and stacked statements.
	ThreatSQLInjection Threat = "SQL_INJECTION"
)

// Severity represents the impact level of a WAF match.
type Severity string

const (
	// SeverityLow indicates informational detections.
	SeverityLow Severity = "low"
	// SeverityMedium indicates a suspicious but not critical match.
	SeverityMedium Severity = "medium"
	// SeverityHigh indicates a critical match that typically requires blocking.
	SeverityHigh Severity = "high"
)

// Action describes the enforcement decision for a WAF rule.
type Action string

const (
	// ActionAllow permits the content to pass while recording the detection.
	ActionAllow Action = "allow"
	// ActionBlock blocks the content when the rule matches.
	ActionBlock Action = "block"
)

// Rule declares a detection rule for the WAF engine.
// Expr, when set, takes precedence over Pattern.
type Rule struct {
	Name     string
	Pattern  string
	Expr     *regexp.Regexp
	Threat   Threat
	Reason   string
	Severity Severity
	Action   Action
}

// Detector evaluates text against an ordered rule set.
type Detector struct {
	rules []compiledRule
}

// Match represents a single detection produced by the WAF detector.
type Match struct {
	Rule     string
	Threat   Threat
	Start    int
	End      int
	Severity Severity
	Action   Action
}

// Report summarises matches and the overall enforcement decision.
type Report struct {
	Matches []Match
	Blocked bool
}

type compiledRule struct {
	name     string
	expr     *regexp.Regexp
	threat   Threat
	reason   string
	severity Severity
	action   Action
}

// NewDetector compiles the rules, preserving their order.
func NewDetector(rules []Rule) (*Detector, error) {
	if len(rules) == 0 {
		return &Detector{}, nil
	}

	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		cr, err := compileRule(rule)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, cr)
	}

	return &Detector{rules: compiled}, nil
}

func compileRule(rule Rule) (compiledRule, error) {
	name := strings.TrimSpace(rule.Name)
	if name == "" {
		return compiledRule{}, fmt.Errorf("waf: rule name is required")
	}

	expr := rule.Expr
	if expr == nil {
		pattern := strings.TrimSpace(rule.Pattern)
		if pattern == "" {
			return compiledRule{}, fmt.Errorf("waf: pattern is required for rule %s", name)
		}
		var err error
		expr, err = regexp.Compile(pattern)
		if err != nil {
			return compiledRule{}, fmt.Errorf("waf: invalid pattern for rule %s: %w", name, err)
		}
	}

	switch rule.Threat {
	case ThreatXSS, ThreatSQLInjection:
	default:
		return compiledRule{}, fmt.Errorf("waf: invalid threat %q for rule %s", rule.Threat, name)
	}

	severity := rule.Severity
	if severity == "" {
		severity = SeverityHigh
	}
	if !isValidSeverity(severity) {
		return compiledRule{}, fmt.Errorf("waf: invalid severity %q for rule %s", severity, name)
	}
	action := rule.Action
	if action == "" {
		action = ActionBlock
	}
	if !isValidAction(action) {
		return compiledRule{}, fmt.Errorf("waf: invalid action %q for rule %s", action, name)
	}

	reason := rule.Reason
	if reason == "" {
		reason = fmt.Sprintf("input matched %s pattern %s", rule.Threat, name)
	}

	return compiledRule{
		name:     name,
		expr:     expr,
		threat:   rule.Threat,
		reason:   reason,
		severity: severity,
		action:   action,
	}, nil
}

// Evaluate inspects the provided text and returns every match, ordered by position.
func (d *Detector) Evaluate(ctx context.Context, text string) (Report, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
	}

	if len(d.rules) == 0 {
		return Report{}, nil
	}

	var matches []Match
	blocked := false

	for _, rule := range d.rules {
		indices := rule.expr.FindAllStringIndex(text, -1)
		for _, idx := range indices {
			matches = append(matches, Match{
				Rule:     rule.name,
				Threat:   rule.threat,
				Start:    idx[0],
				End:      idx[1],
				Severity: rule.severity,
				Action:   rule.action,
			})
			if rule.action == ActionBlock {
				blocked = true
			}
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Start == matches[j].Start {
			return matches[i].End < matches[j].End
		}
		return matches[i].Start < matches[j].Start
	})

	return Report{Matches: matches, Blocked: blocked}, nil
}

// firstBlocking returns the first blocking rule, in rule order, that matches text.
func (d *Detector) firstBlocking(text string) (compiledRule, bool) {
	for _, rule := range d.rules {
		if rule.action != ActionBlock {
			continue
		}
		if rule.expr.MatchString(text) {
			return rule, true
		}
	}
	return compiledRule{}, false
}

func isValidSeverity(severity Severity) bool {
	switch severity {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	default:
		return false
	}
}

func isValidAction(action Action) bool {
	switch action {
	case ActionAllow, ActionBlock:
		return true
	default:
		return false
	}
}
