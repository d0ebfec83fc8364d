package domain

import (
	"errors"
	"fmt"
	"time"
)

// Common domain errors
var (
	ErrInputRejected       = errors.New("input rejected")
	ErrRateLimitExceeded   = errors.New("rate limit exceeded")
	ErrAuditDeliveryFailed = errors.New("audit delivery failed")
	ErrUpstreamFailed      = errors.New("upstream completion failed")
	ErrConfigInvalid       = errors.New("invalid configuration")
)

// Error codes surfaced to callers.
const (
	CodeInvalidInput      = "INVALID_INPUT"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeUpstreamError     = "UPSTREAM_ERROR"
	CodeBadRequest        = "BAD_REQUEST"
	CodeInternal          = "INTERNAL_ERROR"
)

// InputRejectedError reports a message that matched an attack pattern.
type InputRejectedError struct {
	Threat string
	Reason string
}

func (e *InputRejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("input rejected: %s", e.Threat)
	}
	return fmt.Sprintf("input rejected: %s: %s", e.Threat, e.Reason)
}

// Is makes errors.Is(err, ErrInputRejected) hold.
func (e *InputRejectedError) Is(target error) bool {
	return target == ErrInputRejected
}

// RateLimitError reports a caller whose bucket could not cover the request.
type RateLimitError struct {
	Key        string
	RetryAfter time.Duration
	Limit      int64
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Key, e.RetryAfter)
}

// Is makes errors.Is(err, ErrRateLimitExceeded) hold.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}

// IsInputRejected reports whether err is an input rejection.
func IsInputRejected(err error) bool {
	return errors.Is(err, ErrInputRejected)
}

// IsRateLimited reports whether err is a rate-limit rejection.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimitExceeded)
}

// ErrorBody is the OpenAI-compatible error object returned by the data API.
// TraceID carries the current OpenTelemetry trace identifier when available.
type ErrorBody struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    string  `json:"code"`
	Threat  string  `json:"threat,omitempty"`
	TraceID string  `json:"trace_id,omitempty"`
}

// ErrorResponse wraps ErrorBody the way OpenAI clients expect it.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}
