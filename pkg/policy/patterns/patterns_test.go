package patterns

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPIIPatterns(t *testing.T) {
	tests := []struct {
		name  string
		rule  string
		input string
		want  string
	}{
		{"passport letter", "passport", "passport M12345678 please", "M12345678"},
		{"passport lowercase letter", "passport", "m12345678", "m12345678"},
		{"passport digits", "passport", "no. 123456789", "123456789"},
		{"email", "email", "write to kim.js+uni@mail.example.ac.kr today", "kim.js+uni@mail.example.ac.kr"},
		{"korean intl phone", "phone.kr-intl", "call +82-10-1234-5678", "+82-10-1234-5678"},
		{"us intl phone", "phone.us-intl", "call +1 (555) 123-4567", "+1 (555) 123-4567"},
		{"korean phone", "phone.kr", "call 010-1234-5678", "010-1234-5678"},
		{"us phone", "phone.us", "call (555) 123-4567", "(555) 123-4567"},
		{"generic intl phone", "phone.intl", "call +44 20 7946 0958", "+44 20 7946 0958"},
		{"gpa", "gpa", "my GPA is 3.75/4.0", "3.75/4.0"},
		{"score percent", "score", "I ranked 95% in class", "95%"},
		{"score out of 100", "score", "scored 88 out of 100", "88 out of 100"},
		{"score korean", "score", "토익 90점", "90점"},
		{"letter grade", "letter", "got an A+ grade", "A+ grade"},
		{"letter grade korean", "letter", "B학점 받았어요", "B학점"},
	}

	exprs := map[string]func(string) string{
		"passport":      Passport.FindString,
		"email":         Email.FindString,
		"phone.kr-intl": PhoneKoreaIntl.FindString,
		"phone.us-intl": PhoneUSIntl.FindString,
		"phone.kr":      PhoneKorea.FindString,
		"phone.us":      PhoneUS.FindString,
		"phone.intl":    PhoneInternational.FindString,
		"gpa":           GPA.FindString,
		"score":         Score.FindString,
		"letter":        LetterGrade.FindString,
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exprs[tt.rule](tt.input))
		})
	}
}

func TestPIIPatternsIgnoreTokens(t *testing.T) {
	masked := "[PASSPORT_001] [EMAIL_001] [PHONE_012] [GPA_001] [SCORE_100] [GRADE_001]"
	for _, rule := range append(Phone(), Rule{Name: "passport", Expr: Passport}, Rule{Name: "email", Expr: Email},
		Rule{Name: "gpa", Expr: GPA}, Rule{Name: "score", Expr: Score}, Rule{Name: "letter", Expr: LetterGrade}) {
		assert.False(t, rule.Expr.MatchString(masked), "rule %s matched a token", rule.Name)
	}
}

func TestAttackRulesOrdered(t *testing.T) {
	rules := Attacks()
	assert.Len(t, rules, len(XSS())+len(SQLInjection()))
	assert.Equal(t, FamilyXSS, rules[0].Family)
	assert.Equal(t, FamilySQLInjection, rules[len(rules)-1].Family)

	rules[0].Name = "mutated"
	assert.Equal(t, "xss.script-tag", XSS()[0].Name)
}

func TestStripDisallowed(t *testing.T) {
	assert.Equal(t, "안녕하세요 hello, world!", StripDisallowed("안녕하세요 #hello$, world!*"))
	assert.Equal(t, "mail a@b.com (now)", StripDisallowed("mail a@b.com (now);"))
}
