// Package dlp masks personally identifiable information before text leaves
// the process and restores it on the way back.
//
// Strategies replace each detected value with a bracketed token such as
// [EMAIL_001]. The Orchestrator runs them in priority order and merges their
// token maps into a MaskedData record, which Unmask reverses.
package dlp

import "github.com/polisai/polis-chatguard/pkg/policy/patterns"

// Builtin strategy priorities.
const (
	PriorityPassport = 10
	PriorityEmail    = 20
	PriorityPhone    = 30
	PriorityGrade    = 40
)

// PassportStrategy masks passport numbers as [PASSPORT_###].
func PassportStrategy() Strategy {
	return mustStrategy("passport", PriorityPassport, Rule{Prefix: "PASSPORT", Expr: patterns.Passport})
}

// EmailStrategy masks email addresses as [EMAIL_###].
func EmailStrategy() Strategy {
	return mustStrategy("email", PriorityEmail, Rule{Prefix: "EMAIL", Expr: patterns.Email})
}

// PhoneStrategy masks Korean, US and international phone numbers as [PHONE_###].
func PhoneStrategy() Strategy {
	phone := patterns.Phone()
	rules := make([]Rule, 0, len(phone))
	for _, p := range phone {
		rules = append(rules, Rule{Prefix: "PHONE", Expr: p.Expr})
	}
	return mustStrategy("phone", PriorityPhone, rules...)
}

// GradeStrategy masks GPAs as [GPA_###], numeric scores as [SCORE_###] and
// letter grades as [GRADE_###].
func GradeStrategy() Strategy {
	return mustStrategy("grade", PriorityGrade,
		Rule{Prefix: "GPA", Expr: patterns.GPA},
		Rule{Prefix: "SCORE", Expr: patterns.Score},
		Rule{Prefix: "GRADE", Expr: patterns.LetterGrade},
	)
}

// DefaultEntries returns the builtin strategies with their priorities.
func DefaultEntries() []Entry {
	return []Entry{
		{Priority: PriorityPassport, Strategy: PassportStrategy()},
		{Priority: PriorityEmail, Strategy: EmailStrategy()},
		{Priority: PriorityPhone, Strategy: PhoneStrategy()},
		{Priority: PriorityGrade, Strategy: GradeStrategy()},
	}
}

func mustStrategy(name string, priority int, rules ...Rule) Strategy {
	s, err := NewRegexStrategy(name, priority, rules...)
	if err != nil {
		panic(err)
	}
	return s
}
