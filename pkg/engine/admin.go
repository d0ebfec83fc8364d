package engine

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/polisai/polis-chatguard/internal/governance"
)

// AdminConfig holds the collaborators exposed on the admin listener.
type AdminConfig struct {
	Metrics *Metrics
	Limiter *governance.RateLimiter
	// Breaker is the upstream circuit breaker, if any.
	Breaker *governance.CircuitBreaker
	Logger  *slog.Logger
}

// NewAdminMux serves /healthz, /metrics and /debug/ratelimit.
func NewAdminMux(cfg AdminConfig) *http.ServeMux {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if cfg.Metrics != nil {
		mux.Handle("/metrics", cfg.Metrics.Handler())
	}

	if cfg.Limiter != nil {
		mux.HandleFunc("/debug/ratelimit", func(w http.ResponseWriter, _ *http.Request) {
			status := struct {
				RateLimit governance.RateLimitStats       `json:"rateLimit"`
				Breaker   *governance.CircuitBreakerStats `json:"circuitBreaker,omitempty"`
			}{RateLimit: cfg.Limiter.Stats()}
			if cfg.Breaker != nil {
				stats := cfg.Breaker.Stats()
				status.Breaker = &stats
			}

			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(status); err != nil {
				logger.Error("failed to encode rate limit status", "error", err)
			}
		})
	}

	return mux
}
