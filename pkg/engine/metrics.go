package engine

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/polisai/polis-chatguard/internal/governance"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Rejection kinds reported by RecordRejection.
const (
	RejectionInput     = "invalid_input"
	RejectionRateLimit = "rate_limit"
	RejectionUpstream  = "upstream"
	RejectionRequest   = "bad_request"
)

// Metrics holds the Prometheus metrics of the gateway.
type Metrics struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	rejectionsTotal     *prometheus.CounterVec
	configReloads       *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance on its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatguard_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatguard_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		rejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatguard_rejections_total",
				Help: "Total number of chat requests refused, by kind",
			},
			[]string{"kind"},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatguard_config_reloads_total",
				Help: "Total number of configuration reload attempts by status",
			},
			[]string{"status"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.rejectionsTotal,
		m.configReloads,
	)

	return m
}

// ObserveRateLimiter exports the bucket cache size and eviction count of rl.
func (m *Metrics) ObserveRateLimiter(rl *governance.RateLimiter) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "chatguard_rate_limit_buckets",
				Help: "Number of admission buckets held in memory",
			},
			func() float64 { return float64(rl.Len()) },
		),
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Name: "chatguard_rate_limit_evictions_total",
				Help: "Total number of admission buckets dropped from memory",
			},
			func() float64 { return float64(rl.Stats().Evictions) },
		),
	)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordRejection counts a refused chat request.
func (m *Metrics) RecordRejection(kind string) {
	m.rejectionsTotal.WithLabelValues(kind).Inc()
}

// RecordConfigReload records a configuration reload attempt
func (m *Metrics) RecordConfigReload(status string) {
	m.configReloads.WithLabelValues(status).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsMiddleware creates HTTP middleware that records request metrics
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, getEndpointName(r.URL.Path), strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.statusCode = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not support http.Hijacker")
}

// getEndpointName extracts a normalized endpoint name from the path
func getEndpointName(path string) string {
	switch path {
	case ChatPath:
		return "chat"
	case "/healthz":
		return "health"
	case "/metrics":
		return "metrics"
	case "/debug/ratelimit":
		return "ratelimit"
	default:
		return "unknown"
	}
}
