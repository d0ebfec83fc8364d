package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/polisai/polis-chatguard/pkg/config"
	"github.com/polisai/polis-chatguard/pkg/engine"
	"github.com/polisai/polis-chatguard/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMaskCommand(t *testing.T) {
	tests := []struct {
		name       string
		stdin      string
		args       []string
		wantMasked string
		wantTokens map[string]string
	}{
		{
			name:       "text from args",
			args:       []string{"mask", "passport", "M12345678"},
			wantMasked: "passport [PASSPORT_001]",
			wantTokens: map[string]string{"[PASSPORT_001]": "M12345678"},
		},
		{
			name:       "text from stdin",
			stdin:      "mail me at kim@example.com\n",
			args:       []string{"mask"},
			wantMasked: "mail me at [EMAIL_001]",
			wantTokens: map[string]string{"[EMAIL_001]": "kim@example.com"},
		},
		{
			name:       "nothing to mask",
			args:       []string{"mask", "which", "universities", "accept", "late", "applications?"},
			wantMasked: "which universities accept late applications?",
			wantTokens: map[string]string{},
		},
		{
			name:       "restricted strategies",
			args:       []string{"mask", "--strategies", "email", "M12345678 kim@example.com"},
			wantMasked: "M12345678 [EMAIL_001]",
			wantTokens: map[string]string{"[EMAIL_001]": "kim@example.com"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, tt.stdin, tt.args...)
			require.NoError(t, err)

			var got maskOutput
			require.NoError(t, json.Unmarshal([]byte(out), &got))
			assert.Equal(t, tt.wantMasked, got.Masked)
			assert.Equal(t, tt.wantTokens, got.Tokens)
		})
	}
}

func TestMaskCommandUnknownStrategy(t *testing.T) {
	_, err := execute(t, "", "mask", "--strategies", "ssn", "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ssn")
}

func TestCheckCommand(t *testing.T) {
	tests := []struct {
		name     string
		stdin    string
		args     []string
		rejected bool
		contains []string
	}{
		{
			name:     "clean text",
			args:     []string{"check", "What GPA do I need for Toronto?"},
			contains: []string{"OK"},
		},
		{
			name:     "script tag",
			args:     []string{"check", "<script>alert(1)</script>"},
			rejected: true,
			contains: []string{"xss.script-tag", "XSS", "REJECTED"},
		},
		{
			name:     "sql from stdin",
			stdin:    "1; DROP TABLE students",
			args:     []string{"check"},
			rejected: true,
			contains: []string{"sql.drop-table", "SQL_INJECTION"},
		},
		{
			name:     "rule subset ignores other threats",
			args:     []string{"check", "--rules", "sql.union-select", "<script>x</script>"},
			contains: []string{"OK"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, tt.stdin, tt.args...)
			if tt.rejected {
				require.ErrorIs(t, err, errRejected)
			} else {
				require.NoError(t, err)
			}
			for _, want := range tt.contains {
				assert.Contains(t, out, want)
			}
		})
	}
}

func TestServeRejectsArgs(t *testing.T) {
	_, err := execute(t, "", "serve", "extra")
	require.Error(t, err)
}

func TestBuildComponentsServesChat(t *testing.T) {
	comps, err := buildComponents(config.Default(), testLogger())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, engine.ChatPath, strings.NewReader(`{"message":"Reach me at kim@example.com"}`))
	req.Header.Set(engine.HeaderUserID, "student-1")
	rec := httptest.NewRecorder()
	comps.data.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		ExchangeID string `json:"exchange_id"`
		Reply      string `json:"reply"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Received: Reach me at kim@example.com", body.Reply)
	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))

	records := comps.audit.ByCaller("student-1")
	require.Len(t, records, 1)
	assert.NotContains(t, records[0].MaskedQuery, "kim@example.com")
	assert.Equal(t, 1, comps.limiter.Len())
	assert.Nil(t, comps.breaker, "echo provider has no breaker")

	health := httptest.NewRecorder()
	comps.admin.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, health.Code)

	metrics := httptest.NewRecorder()
	comps.admin.ServeHTTP(metrics, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, metrics.Body.String(), "chatguard_rate_limit_buckets 1")
}

func TestBuildComponentsErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{name: "unknown rule", mutate: func(c *config.Config) { c.Validation.Rules = []string{"xss.nope"} }},
		{name: "unknown strategy", mutate: func(c *config.Config) { c.Masking.Strategies = []string{"ssn"} }},
		{name: "unknown provider", mutate: func(c *config.Config) { c.LLM.Provider = "bard" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			_, err := buildComponents(cfg, testLogger())
			assert.Error(t, err)
		})
	}
}

func TestApplyReloadChangesLogLevel(t *testing.T) {
	t.Cleanup(func() { _ = logging.SetLevel("info") })

	cfg := config.Default()
	cfg.Logging.Level = "debug"
	applyReload(testLogger(), cfg, engine.NewMetrics())
	assert.Equal(t, slog.LevelDebug, logging.Level())

	cfg.Logging.Level = "verbose"
	applyReload(testLogger(), cfg, engine.NewMetrics())
	assert.Equal(t, slog.LevelDebug, logging.Level(), "an invalid level keeps the current one")
}

func TestFailedFileReloadIsCounted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o600))

	provider, err := config.NewFileProvider(path, testLogger())
	require.NoError(t, err)
	defer provider.Close()

	metrics := engine.NewMetrics()
	countReloadFailures(provider, metrics)

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: loud\n"), 0o600))

	assert.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		return strings.Contains(rec.Body.String(), `chatguard_config_reloads_total{status="error"}`)
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, "info", provider.Current().Logging.Level)
}

// mockLLMUpstream answers chat completions by quoting the user message back.
type mockLLMUpstream struct {
	server *httptest.Server
	mu     sync.Mutex
	prompt []string
}

func newMockLLMUpstream(t *testing.T) *mockLLMUpstream {
	t.Helper()
	m := &mockLLMUpstream{}
	m.server = httptest.NewServer(http.HandlerFunc(m.handleRequest))
	t.Cleanup(m.server.Close)
	return m
}

func (m *mockLLMUpstream) handleRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Messages) == 0 {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	user := body.Messages[len(body.Messages)-1].Content

	m.mu.Lock()
	m.prompt = append(m.prompt, user)
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": "Noted: " + user}},
		},
	})
}

func (m *mockLLMUpstream) prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompt...)
}

func TestServeWithOpenAIUpstreamNeverSeesPII(t *testing.T) {
	upstream := newMockLLMUpstream(t)

	cfg := config.Default()
	cfg.LLM.Provider = config.ProviderOpenAI
	cfg.LLM.BaseURL = upstream.server.URL
	cfg.LLM.APIKey = "sk-test"
	require.NoError(t, cfg.Validate())

	comps, err := buildComponents(cfg, testLogger())
	require.NoError(t, err)
	require.NotNil(t, comps.breaker)

	srv := httptest.NewServer(comps.data)
	defer srv.Close()

	message := "I am kim@example.com, passport M12345678, GPA 3.8/4.0"
	req, err := http.NewRequest(http.MethodPost, srv.URL+engine.ChatPath,
		strings.NewReader(`{"message":"`+message+`"}`))
	require.NoError(t, err)
	req.Header.Set(engine.HeaderUserID, "student-9")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Reply string `json:"reply"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Noted: "+message, body.Reply)

	prompts := upstream.prompts()
	require.Len(t, prompts, 1)
	for _, secret := range []string{"kim@example.com", "M12345678", "3.8/4.0"} {
		assert.NotContains(t, prompts[0], secret)
	}
	assert.Contains(t, prompts[0], "[EMAIL_001]")
	assert.Contains(t, prompts[0], "[PASSPORT_001]")
	assert.Contains(t, prompts[0], "[GPA_001]")
}
