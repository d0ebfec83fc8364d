package telemetry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	exchangeCounter      metric.Int64Counter
	maskedTokenCounter   metric.Int64Counter
	auditFailureCounter  metric.Int64Counter
	exchangeLatencyHisto metric.Float64Histogram
)

// ExchangeMetrics captures the fields needed to record one chat exchange.
// None of them carry message content.
type ExchangeMetrics struct {
	TenantKey string
	Outcome   string
	Threat    string
	// MaskedFamilies counts masked values per token prefix.
	MaskedFamilies map[string]int
	Duration       time.Duration
}

// RecordExchange emits counters and histograms describing a finished exchange.
func RecordExchange(ctx context.Context, m ExchangeMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tenant.key", m.TenantKey),
		attribute.String("exchange.outcome", m.Outcome),
	}
	if m.Threat != "" {
		attrs = append(attrs, attribute.String("security.threat", m.Threat))
	}

	exchangeCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if m.Duration > 0 {
		exchangeLatencyHisto.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	families := make([]string, 0, len(m.MaskedFamilies))
	for family := range m.MaskedFamilies {
		families = append(families, family)
	}
	sort.Strings(families)
	for _, family := range families {
		maskedTokenCounter.Add(ctx, int64(m.MaskedFamilies[family]), metric.WithAttributes(
			attribute.String("tenant.key", m.TenantKey),
			attribute.String("pii.family", family),
		))
	}
}

// RecordAuditFailure counts an audit record that could not be delivered.
func RecordAuditFailure(ctx context.Context, outcome string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	auditFailureCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("exchange.outcome", outcome)))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("chatguard.pipeline")

		exchangeCounter, metricsInitErr = meter.Int64Counter(
			"chatguard.exchanges_total",
			metric.WithDescription("Chat exchanges partitioned by terminal outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		maskedTokenCounter, metricsInitErr = meter.Int64Counter(
			"chatguard.masked_values_total",
			metric.WithDescription("Values replaced by masking tokens, per PII family"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		auditFailureCounter, metricsInitErr = meter.Int64Counter(
			"chatguard.audit.failures_total",
			metric.WithDescription("Audit records that could not be delivered"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		exchangeLatencyHisto, metricsInitErr = meter.Float64Histogram(
			"chatguard.exchange.duration_ms",
			metric.WithDescription("Observed end-to-end exchange latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordSecurityEvent attaches a coarse-grained security event to the provided span without leaking sensitive data.
func RecordSecurityEvent(span trace.Span, blocked bool, reason string, findings int, violations int) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Bool("security.blocked", blocked),
		attribute.Int("security.findings.count", findings),
		attribute.Int("security.violations.count", violations),
	}

	if reason != "" {
		attrs = append(attrs, attribute.String("security.block_reason", reason))
	}

	span.AddEvent("security.event", trace.WithAttributes(attrs...))
}
