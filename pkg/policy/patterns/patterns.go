// Package patterns holds the compiled regular expressions shared by the input
// validator and the masking strategies.
//
// Every expression is compiled once at package initialisation. A pattern that
// fails to compile is a programming error and panics at start-up rather than
// surfacing as a runtime condition.
package patterns

import "regexp"

// Family groups rules by the threat or PII category they detect.
type Family string

const (
	// FamilyXSS covers script injection into HTML contexts.
	FamilyXSS Family = "xss"
	// FamilySQLInjection covers SQL tautologies and stacked statements.
	FamilySQLInjection Family = "sql_injection"
	// FamilyPassport covers passport numbers.
	FamilyPassport Family = "passport"
	// FamilyEmail covers email addresses.
	FamilyEmail Family = "email"
	// FamilyPhone covers Korean, US and generic international phone numbers.
	FamilyPhone Family = "phone"
	// FamilyGrade covers GPAs, numeric scores and letter grades.
	FamilyGrade Family = "grade"
)

// Rule is a named, compiled expression belonging to one family.
type Rule struct {
	Name   string
	Family Family
	Expr   *regexp.Regexp
}

// Attack patterns.
var (
	ScriptTag      = regexp.MustCompile(`(?i)<\s*script\b`)
	IframeTag      = regexp.MustCompile(`(?i)<\s*iframe\b`)
	JavascriptURI  = regexp.MustCompile(`(?i)javascript\s*:`)
	InlineHandler  = regexp.MustCompile(`(?i)<[^>]*\bon[a-z]+\s*=`)
	QuotedOrEquals = regexp.MustCompile(`(?i)['"]\s*or\s+['"]?\w+['"]?\s*=\s*['"]?\w+`)
	NumericOrEqual = regexp.MustCompile(`(?i)\bor\s+\d+\s*=\s*\d+`)
	UnionSelect    = regexp.MustCompile(`(?i)\bunion\s+(?:all\s+)?select\b`)
	DropTable      = regexp.MustCompile(`(?i)\bdrop\s+table\b`)
	StackedQuery   = regexp.MustCompile(`(?i);\s*(?:drop|delete|insert|update|alter|create|truncate|exec)\b`)
	QuoteComment   = regexp.MustCompile(`'\s*--`)
)

// PII patterns.
var (
	Passport = regexp.MustCompile(`\b[A-Za-z]\d{8}\b|\b\d{9}\b`)
	Email    = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

	PhoneKoreaIntl     = regexp.MustCompile(`\+82[-\s]?\d{1,2}[-\s]?\d{3,4}[-\s]?\d{4}`)
	PhoneUSIntl        = regexp.MustCompile(`\+1[-.\s]?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}`)
	PhoneKorea         = regexp.MustCompile(`\b0\d{1,2}[-.\s]?\d{3,4}[-.\s]?\d{4}\b`)
	PhoneUS            = regexp.MustCompile(`\(?\b\d{3}\)?[-.\s]\d{3}[-.\s]\d{4}\b`)
	PhoneInternational = regexp.MustCompile(`\+\d{1,3}(?:[-.\s]?\d{2,4}){2,4}\b`)

	GPA         = regexp.MustCompile(`\b\d\.\d{1,2}\s*/\s*\d\.\d{1,2}\b`)
	Score       = regexp.MustCompile(`\b\d{1,3}(?:\.\d+)?\s*(?:%|(?i:percent)|점|/\s*100\b|(?i:out of 100)\b)`)
	LetterGrade = regexp.MustCompile(`\b[A-F][+-]?\s*(?:(?i:grade)|학점|등급)`)
)

// disallowed matches every rune outside the sanitiser allow-list: ASCII
// letters and digits, Hangul, whitespace and a small punctuation set.
var disallowed = regexp.MustCompile(`[^A-Za-z0-9\p{Hangul}\s.,!?@()_\-]`)

var (
	xssRules = []Rule{
		{Name: "xss.script-tag", Family: FamilyXSS, Expr: ScriptTag},
		{Name: "xss.iframe-tag", Family: FamilyXSS, Expr: IframeTag},
		{Name: "xss.javascript-uri", Family: FamilyXSS, Expr: JavascriptURI},
		{Name: "xss.inline-handler", Family: FamilyXSS, Expr: InlineHandler},
	}
	sqlRules = []Rule{
		{Name: "sql.quoted-tautology", Family: FamilySQLInjection, Expr: QuotedOrEquals},
		{Name: "sql.numeric-tautology", Family: FamilySQLInjection, Expr: NumericOrEqual},
		{Name: "sql.union-select", Family: FamilySQLInjection, Expr: UnionSelect},
		{Name: "sql.drop-table", Family: FamilySQLInjection, Expr: DropTable},
		{Name: "sql.stacked-statement", Family: FamilySQLInjection, Expr: StackedQuery},
		{Name: "sql.quote-comment", Family: FamilySQLInjection, Expr: QuoteComment},
	}
	phoneRules = []Rule{
		{Name: "phone.kr-intl", Family: FamilyPhone, Expr: PhoneKoreaIntl},
		{Name: "phone.us-intl", Family: FamilyPhone, Expr: PhoneUSIntl},
		{Name: "phone.kr", Family: FamilyPhone, Expr: PhoneKorea},
		{Name: "phone.us", Family: FamilyPhone, Expr: PhoneUS},
		{Name: "phone.intl", Family: FamilyPhone, Expr: PhoneInternational},
	}
)

// XSS returns the cross-site scripting rules in evaluation order.
func XSS() []Rule { return clone(xssRules) }

// SQLInjection returns the SQL injection rules in evaluation order.
func SQLInjection() []Rule { return clone(sqlRules) }

// Attacks returns the XSS rules followed by the SQL injection rules.
func Attacks() []Rule {
	out := make([]Rule, 0, len(xssRules)+len(sqlRules))
	out = append(out, xssRules...)
	return append(out, sqlRules...)
}

// Phone returns the phone rules, most specific first.
func Phone() []Rule { return clone(phoneRules) }

// StripDisallowed removes every rune outside the sanitiser allow-list.
func StripDisallowed(text string) string {
	return disallowed.ReplaceAllString(text, "")
}

func clone(rules []Rule) []Rule {
	return append([]Rule(nil), rules...)
}
