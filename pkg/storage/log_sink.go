package storage

import (
	"context"
	"errors"
	"log/slog"

	"github.com/polisai/polis-chatguard/pkg/domain"
)

// LogAuditSink writes each record as one structured log entry.
type LogAuditSink struct {
	logger *slog.Logger
}

// NewLogAuditSink creates a sink logging through logger.
func NewLogAuditSink(logger *slog.Logger) *LogAuditSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAuditSink{logger: logger.With("component", "audit")}
}

// Record logs rec at info level.
func (s *LogAuditSink) Record(ctx context.Context, rec domain.AuditRecord) error {
	s.logger.LogAttrs(ctx, slog.LevelInfo, "chat exchange audited",
		slog.String("exchange_id", rec.ExchangeID),
		slog.String("caller_key", rec.CallerKey),
		slog.String("tenant_key", rec.TenantKey),
		slog.String("outcome", string(rec.Outcome)),
		slog.String("masked_query", rec.MaskedQuery),
		slog.String("response_summary", rec.ResponseSummary),
		slog.Time("recorded_at", rec.RecordedAt),
	)
	return nil
}

// FanOutSink delivers each record to every sink in order.
type FanOutSink struct {
	sinks []domain.AuditSink
}

// NewFanOutSink combines sinks. Nil sinks are skipped.
func NewFanOutSink(sinks ...domain.AuditSink) *FanOutSink {
	out := make([]domain.AuditSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &FanOutSink{sinks: out}
}

// Record tries every sink even when one fails and joins the errors.
func (f *FanOutSink) Record(ctx context.Context, rec domain.AuditRecord) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
