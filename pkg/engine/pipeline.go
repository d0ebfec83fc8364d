package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/polisai/polis-chatguard/internal/governance"
	"github.com/polisai/polis-chatguard/pkg/domain"
	"github.com/polisai/polis-chatguard/pkg/policy/dlp"
	"github.com/polisai/polis-chatguard/pkg/policy/waf"
	"github.com/polisai/polis-chatguard/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTenant is used when a request names no tenant.
const DefaultTenant = "default"

// InputValidator decides whether a message may enter the pipeline.
type InputValidator interface {
	Validate(ctx context.Context, text string) waf.ValidationResult
}

// Admitter takes admission tokens from a caller's bucket.
type Admitter interface {
	TryConsumeAndProbe(key string, n int) governance.Probe
}

// Masker replaces sensitive values with reversible tokens.
type Masker interface {
	MaskAll(text string) dlp.MaskedData
}

// PipelineConfig wires the collaborators of a Pipeline.
type PipelineConfig struct {
	Validator InputValidator
	Limiter   Admitter
	Masker    Masker
	LLM       domain.LLMClient
	// Audit may be nil, in which case nothing is audited.
	Audit  domain.AuditSink
	Logger *slog.Logger
	Tracer trace.Tracer
	// SummaryLimit caps the audited response summary in runes.
	SummaryLimit int
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// ExchangeRequest is one authenticated chat message.
type ExchangeRequest struct {
	// CallerKey selects the admission bucket. It is required.
	CallerKey string
	// TenantKey defaults to DefaultTenant.
	TenantKey string
	Message   string
}

// ExchangeResult is the outcome of a completed exchange.
type ExchangeResult struct {
	ExchangeID string
	// Reply is the model's answer with every token restored.
	Reply string
	Stage domain.Stage
	// MaskedTokens is how many values were hidden from the model.
	MaskedTokens int
	Probe        governance.Probe
}

// Pipeline runs a chat message through validation, admission, masking, the
// model and unmasking, auditing every terminal outcome.
type Pipeline struct {
	validator    InputValidator
	limiter      Admitter
	masker       Masker
	llm          domain.LLMClient
	audit        domain.AuditSink
	logger       *slog.Logger
	tracer       trace.Tracer
	summaryLimit int
	clock        func() time.Time
}

// NewPipeline validates cfg and returns a pipeline.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Validator == nil {
		return nil, fmt.Errorf("pipeline: validator is required")
	}
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("pipeline: rate limiter is required")
	}
	if cfg.Masker == nil {
		return nil, fmt.Errorf("pipeline: masker is required")
	}
	if cfg.LLM == nil {
		return nil, fmt.Errorf("pipeline: llm client is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("chatguard.pipeline")
	}
	limit := cfg.SummaryLimit
	if limit <= 0 {
		limit = 200
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Pipeline{
		validator:    cfg.Validator,
		limiter:      cfg.Limiter,
		masker:       cfg.Masker,
		llm:          cfg.LLM,
		audit:        cfg.Audit,
		logger:       logger,
		tracer:       tracer,
		summaryLimit: limit,
		clock:        clock,
	}, nil
}

// Process runs one exchange.
//
// A message matching an attack pattern fails with *domain.InputRejectedError
// before any quota is consumed. A caller out of quota fails with
// *domain.RateLimitError and nothing is masked or sent. A model failure is
// wrapped in domain.ErrUpstreamFailed; the quota it consumed is not refunded.
func (p *Pipeline) Process(ctx context.Context, req ExchangeRequest) (*ExchangeResult, error) {
	if strings.TrimSpace(req.CallerKey) == "" {
		return nil, fmt.Errorf("pipeline: caller key is required")
	}
	tenant := strings.TrimSpace(req.TenantKey)
	if tenant == "" {
		tenant = DefaultTenant
	}

	start := p.clock()
	exchangeID := uuid.NewString()

	ctx, span := p.tracer.Start(ctx, "chatguard.exchange", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	span.SetAttributes(telemetry.RedactAttributes(
		map[string]string{"chat.caller_key": telemetry.RedactHash},
		[]attribute.KeyValue{
			attribute.String("chat.exchange_id", exchangeID),
			attribute.String("chat.caller_key", req.CallerKey),
			attribute.String("tenant.key", tenant),
		},
	)...)

	logger := p.logger.With("exchange_id", exchangeID, "tenant", tenant)

	// RECEIVED -> VALIDATED | REJECTED_INPUT
	verdict := p.validator.Validate(ctx, req.Message)
	if !verdict.Valid {
		telemetry.RecordSecurityEvent(span, true, verdict.Reason, 1, 1)
		span.SetAttributes(attribute.String("chat.stage", string(domain.StageRejectedInput)))
		p.record(ctx, logger, domain.AuditRecord{
			CallerKey:       req.CallerKey,
			TenantKey:       tenant,
			ExchangeID:      exchangeID,
			ResponseSummary: fmt.Sprintf("[REJECTED:%s:%s]", domain.CodeInvalidInput, verdict.Threat),
			Outcome:         domain.StageRejectedInput,
		})
		telemetry.RecordExchange(ctx, telemetry.ExchangeMetrics{
			TenantKey: tenant,
			Outcome:   string(domain.StageRejectedInput),
			Threat:    string(verdict.Threat),
			Duration:  p.clock().Sub(start),
		})
		return nil, &domain.InputRejectedError{Threat: string(verdict.Threat), Reason: verdict.Reason}
	}

	// VALIDATED -> ADMITTED | REJECTED_RATE_LIMIT
	probe := p.limiter.TryConsumeAndProbe(req.CallerKey, 1)
	if !probe.Consumed {
		telemetry.RecordSecurityEvent(span, true, "rate limit exceeded", 0, 1)
		span.SetAttributes(attribute.String("chat.stage", string(domain.StageRejectedRateLimit)))
		logger.Info("exchange rate limited", "retry_after", probe.RetryAfter)
		p.record(ctx, logger, domain.AuditRecord{
			CallerKey:       req.CallerKey,
			TenantKey:       tenant,
			ExchangeID:      exchangeID,
			ResponseSummary: fmt.Sprintf("[REJECTED:%s]", domain.CodeRateLimitExceeded),
			Outcome:         domain.StageRejectedRateLimit,
		})
		telemetry.RecordExchange(ctx, telemetry.ExchangeMetrics{
			TenantKey: tenant,
			Outcome:   string(domain.StageRejectedRateLimit),
			Duration:  p.clock().Sub(start),
		})
		return nil, &domain.RateLimitError{Key: req.CallerKey, RetryAfter: probe.RetryAfter, Limit: probe.Limit}
	}

	// ADMITTED -> MASKED
	masked := p.masker.MaskAll(req.Message)
	span.SetAttributes(attribute.Int("chat.masked_tokens", len(masked.Tokens)))

	reply, err := p.llm.Complete(ctx, domain.CompletionRequest{
		ExchangeID: exchangeID,
		TenantKey:  tenant,
		Prompt:     masked.Masked,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream completion failed")
		logger.ErrorContext(ctx, "llm completion failed", "error", err)
		telemetry.RecordExchange(ctx, telemetry.ExchangeMetrics{
			TenantKey:      tenant,
			Outcome:        domain.CodeUpstreamError,
			MaskedFamilies: masked.Families(),
			Duration:       p.clock().Sub(start),
		})
		return nil, fmt.Errorf("%w: %w", domain.ErrUpstreamFailed, err)
	}

	// MASKED -> COMPLETED
	result := &ExchangeResult{
		ExchangeID:   exchangeID,
		Reply:        masked.Unmask(reply),
		Stage:        domain.StageCompleted,
		MaskedTokens: len(masked.Tokens),
		Probe:        probe,
	}
	span.SetAttributes(attribute.String("chat.stage", string(domain.StageCompleted)))
	telemetry.RecordSecurityEvent(span, false, "", len(masked.Tokens), 0)

	p.record(ctx, logger, domain.AuditRecord{
		CallerKey:       req.CallerKey,
		TenantKey:       tenant,
		ExchangeID:      exchangeID,
		MaskedQuery:     masked.Masked,
		ResponseSummary: waf.Truncate(reply, p.summaryLimit),
		Outcome:         domain.StageCompleted,
	})
	telemetry.RecordExchange(ctx, telemetry.ExchangeMetrics{
		TenantKey:      tenant,
		Outcome:        string(domain.StageCompleted),
		MaskedFamilies: masked.Families(),
		Duration:       p.clock().Sub(start),
	})

	logger.DebugContext(ctx, "exchange completed", "masked_tokens", len(masked.Tokens))
	return result, nil
}

// record delivers rec to the audit sink. Failures and panics are logged and
// counted, never returned.
func (p *Pipeline) record(ctx context.Context, logger *slog.Logger, rec domain.AuditRecord) {
	if p.audit == nil {
		return
	}
	rec.RecordedAt = p.clock().UTC()

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "audit sink panicked",
				"outcome", string(rec.Outcome),
				"error", fmt.Errorf("%w: %v", domain.ErrAuditDeliveryFailed, r),
			)
			telemetry.RecordAuditFailure(ctx, string(rec.Outcome))
		}
	}()

	// The audit must survive a caller that has already gone away.
	if err := p.audit.Record(context.WithoutCancel(ctx), rec); err != nil {
		logger.WarnContext(ctx, "audit delivery failed",
			"outcome", string(rec.Outcome),
			"error", fmt.Errorf("%w: %w", domain.ErrAuditDeliveryFailed, err),
		)
		telemetry.RecordAuditFailure(ctx, string(rec.Outcome))
	}
}
