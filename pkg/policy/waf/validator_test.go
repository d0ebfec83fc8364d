package waf

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestValidatorRejectsAttacks(t *testing.T) {
	v := DefaultValidator(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	tests := []struct {
		name   string
		input  string
		threat Threat
		rule   string
	}{
		{"script tag", "<script>alert(1)</script>", ThreatXSS, "xss.script-tag"},
		{"spaced script tag", "< SCRIPT src=x>", ThreatXSS, "xss.script-tag"},
		{"iframe", `<iframe src="https://evil.example">`, ThreatXSS, "xss.iframe-tag"},
		{"javascript uri", `<a href="javascript:alert(1)">x</a>`, ThreatXSS, "xss.javascript-uri"},
		{"inline handler", `<img src=x onerror=alert(1)>`, ThreatXSS, "xss.inline-handler"},
		{"quoted tautology", "admin' OR '1'='1", ThreatSQLInjection, "sql.quoted-tautology"},
		{"numeric tautology", "1 or 1=1", ThreatSQLInjection, "sql.numeric-tautology"},
		{"union select", "x UNION ALL SELECT password FROM users", ThreatSQLInjection, "sql.union-select"},
		{"drop table", "drop table students", ThreatSQLInjection, "sql.drop-table"},
		{"stacked statement", "1; DELETE FROM users", ThreatSQLInjection, "sql.stacked-statement"},
		{"quote comment", "admin'--", ThreatSQLInjection, "sql.quote-comment"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.Validate(context.Background(), tt.input)
			assert.False(t, res.Valid)
			assert.Equal(t, tt.threat, res.Threat)
			assert.Equal(t, tt.rule, res.Rule)
			assert.NotEmpty(t, res.Reason)
		})
	}
}

func TestValidatorAcceptsOrdinaryMessages(t *testing.T) {
	v := DefaultValidator(nil)

	for _, msg := range []string{
		"",
		"Which universities in Boston accept a 3.5 GPA?",
		"제 토플 점수는 105점입니다. 어느 대학이 좋을까요?",
		"Should I pick computer science or economics?",
		"My score is 5 <= 6 and that's fine",
	} {
		res := v.Validate(context.Background(), msg)
		assert.True(t, res.Valid, msg)
		assert.Equal(t, ThreatNone, res.Threat)
		assert.Empty(t, res.Reason)
	}
}

func TestValidatorFirstMatchWins(t *testing.T) {
	v := DefaultValidator(nil)

	res := v.Validate(context.Background(), "' OR 'a'='a <script>")
	assert.Equal(t, ThreatXSS, res.Threat, "xss rules run before sql rules")
}

func TestValidatorLogsRejectionWithoutText(t *testing.T) {
	var buf bytes.Buffer
	v := DefaultValidator(slog.New(slog.NewTextHandler(&buf, nil)))

	v.Validate(context.Background(), "<script>steal('secret-value')</script>")

	out := buf.String()
	assert.Contains(t, out, "input rejected")
	assert.Contains(t, out, "threat=XSS")
	assert.NotContains(t, out, "secret-value")
}

func TestValidatorSkipsAllowRules(t *testing.T) {
	v, err := NewValidator(nil, []Rule{
		{Name: "audit.select", Pattern: `(?i)select`, Threat: ThreatSQLInjection, Action: ActionAllow},
	})
	require.NoError(t, err)

	assert.True(t, v.Validate(context.Background(), "select a course").Valid)

	report, err := v.Detector().Evaluate(context.Background(), "select a course")
	require.NoError(t, err)
	require.Len(t, report.Matches, 1)
	assert.False(t, report.Blocked)
}

func TestNewDetectorRejectsBadRules(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
	}{
		{"missing name", Rule{Pattern: "x", Threat: ThreatXSS}},
		{"missing pattern", Rule{Name: "r", Threat: ThreatXSS}},
		{"bad pattern", Rule{Name: "r", Pattern: "(", Threat: ThreatXSS}},
		{"missing threat", Rule{Name: "r", Pattern: "x"}},
		{"bad severity", Rule{Name: "r", Pattern: "x", Threat: ThreatXSS, Severity: "extreme"}},
		{"bad action", Rule{Name: "r", Pattern: "x", Threat: ThreatXSS, Action: "quarantine"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDetector([]Rule{tt.rule})
			require.Error(t, err)
			assert.True(t, strings.HasPrefix(err.Error(), "waf: "))
		})
	}
}

func TestDetectorEvaluateReportsAllMatchesInOrder(t *testing.T) {
	d, err := NewDetector(BuiltinRules())
	require.NoError(t, err)

	report, err := d.Evaluate(context.Background(), "1 UNION SELECT x; DROP TABLE y <script>")
	require.NoError(t, err)
	assert.True(t, report.Blocked)
	require.GreaterOrEqual(t, len(report.Matches), 3)
	for i := 1; i < len(report.Matches); i++ {
		assert.LessOrEqual(t, report.Matches[i-1].Start, report.Matches[i].Start)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Evaluate(ctx, "anything")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestValidatorIsPure(t *testing.T) {
	v := DefaultValidator(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	rapid.Check(t, func(t *rapid.T) {
		text := rapid.String().Draw(t, "text")
		first := v.Validate(context.Background(), text)
		second := v.Validate(context.Background(), text)
		if first != second {
			t.Fatalf("validation not deterministic: %+v vs %+v", first, second)
		}
		if first.Valid != (first.Threat == ThreatNone) {
			t.Fatalf("inconsistent result %+v", first)
		}
	})
}
