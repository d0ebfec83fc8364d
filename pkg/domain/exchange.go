package domain

import (
	"context"
	"time"
)

// Stage is a state of one chat exchange.
type Stage string

const (
	StageReceived          Stage = "RECEIVED"
	StageValidated         Stage = "VALIDATED"
	StageAdmitted          Stage = "ADMITTED"
	StageMasked            Stage = "MASKED"
	StageCompleted         Stage = "COMPLETED"
	StageRejectedInput     Stage = "REJECTED_INPUT"
	StageRejectedRateLimit Stage = "REJECTED_RATE_LIMIT"
)

// Terminal reports whether no further transition leaves the stage.
func (s Stage) Terminal() bool {
	switch s {
	case StageCompleted, StageRejectedInput, StageRejectedRateLimit:
		return true
	default:
		return false
	}
}

// AuditRecord is one audit entry. It never carries unmasked PII:
// MaskedQuery and ResponseSummary hold masked text only.
type AuditRecord struct {
	CallerKey       string    `json:"caller_key"`
	TenantKey       string    `json:"tenant_key"`
	ExchangeID      string    `json:"exchange_id"`
	MaskedQuery     string    `json:"masked_query"`
	ResponseSummary string    `json:"response_summary"`
	Outcome         Stage     `json:"outcome"`
	RecordedAt      time.Time `json:"recorded_at"`
}

// AuditSink receives audit records. Callers treat delivery as best effort.
type AuditSink interface {
	Record(ctx context.Context, record AuditRecord) error
}

// CompletionRequest is a masked prompt bound for the external model.
type CompletionRequest struct {
	ExchangeID string
	TenantKey  string
	Prompt     string
}

// LLMClient produces a completion for a masked prompt.
type LLMClient interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}
