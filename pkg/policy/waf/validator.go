package waf

import (
	"context"
	"log/slog"
)

// ValidationResult is the outcome of validating one message.
type ValidationResult struct {
	Valid  bool
	Reason string
	Threat Threat
	// Rule names the matching rule; empty for accepted input.
	Rule string
}

// Validator rejects messages that match an attack rule.
// Input that matches no rule is accepted.
type Validator struct {
	detector *Detector
	logger   *slog.Logger
}

// NewValidator builds a validator evaluating rules in the given order.
func NewValidator(logger *slog.Logger, rules []Rule) (*Validator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	detector, err := NewDetector(rules)
	if err != nil {
		return nil, err
	}
	return &Validator{detector: detector, logger: logger}, nil
}

// DefaultValidator returns a validator over the builtin rules.
// It panics if a builtin rule fails to compile.
func DefaultValidator(logger *slog.Logger) *Validator {
	v, err := NewValidator(logger, BuiltinRules())
	if err != nil {
		panic(err)
	}
	return v
}

// Validate runs the rules in order and stops at the first match.
func (v *Validator) Validate(ctx context.Context, text string) ValidationResult {
	rule, matched := v.detector.firstBlocking(text)
	if !matched {
		return ValidationResult{Valid: true, Threat: ThreatNone}
	}

	v.logger.WarnContext(ctx, "input rejected",
		"rule", rule.name,
		"threat", string(rule.threat),
		"severity", string(rule.severity),
	)

	return ValidationResult{
		Valid:  false,
		Reason: rule.reason,
		Threat: rule.threat,
		Rule:   rule.name,
	}
}

// Detector exposes the underlying detector for full reports.
func (v *Validator) Detector() *Detector {
	return v.detector
}
