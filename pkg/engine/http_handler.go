package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/polisai/polis-chatguard/internal/governance"
	"github.com/polisai/polis-chatguard/pkg/domain"
	"go.opentelemetry.io/otel/trace"
)

// ChatPath is the route served by ChatHandler.
const ChatPath = "/v1/chat"

// Identity headers set by the upstream authentication layer.
const (
	HeaderUserID   = "X-User-ID"
	HeaderTenantID = "X-Tenant-ID"
)

// DefaultMaxBodyBytes caps request bodies when no limit is configured.
const DefaultMaxBodyBytes int64 = 64 << 10

// Processor runs one chat exchange.
type Processor interface {
	Process(ctx context.Context, req ExchangeRequest) (*ExchangeResult, error)
}

// ChatHandlerConfig holds configuration for creating a ChatHandler.
type ChatHandlerConfig struct {
	Pipeline     Processor
	Logger       *slog.Logger
	Metrics      *Metrics
	MaxBodyBytes int64
}

// ChatHandler adapts the pipeline to HTTP: it decodes the message, derives
// the caller and tenant from identity headers and maps rejections to
// status codes.
type ChatHandler struct {
	pipeline     Processor
	logger       *slog.Logger
	metrics      *Metrics
	maxBodyBytes int64
}

type chatRequestBody struct {
	Message string `json:"message"`
}

type chatResponseBody struct {
	ExchangeID string `json:"exchange_id"`
	Reply      string `json:"reply"`
}

// NewChatHandler constructs the chat endpoint handler.
func NewChatHandler(cfg ChatHandlerConfig) *ChatHandler {
	if cfg.Pipeline == nil {
		panic("engine: chat pipeline is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &ChatHandler{
		pipeline:     cfg.Pipeline,
		logger:       logger,
		metrics:      cfg.Metrics,
		maxBodyBytes: maxBody,
	}
}

// ServeHTTP implements http.Handler.
func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w = &statusRecorder{ResponseWriter: w}
	ctx := r.Context()

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.writeErrorResponse(ctx, w, http.StatusMethodNotAllowed, domain.CodeBadRequest, "method not allowed", "")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	var body chatRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		status := http.StatusBadRequest
		message := "request body must be a JSON object with a message field"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
			message = "request body too large"
		} else if errors.Is(err, io.EOF) {
			message = "request body is empty"
		}
		h.reject(RejectionRequest)
		h.writeErrorResponse(ctx, w, status, domain.CodeBadRequest, message, "")
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		h.reject(RejectionRequest)
		h.writeErrorResponse(ctx, w, http.StatusBadRequest, domain.CodeBadRequest, "message is required", "")
		return
	}

	req := ExchangeRequest{
		CallerKey: governance.AdmissionKey(r.Header.Get(HeaderUserID), r.RemoteAddr),
		TenantKey: strings.TrimSpace(r.Header.Get(HeaderTenantID)),
		Message:   body.Message,
	}

	result, err := h.pipeline.Process(ctx, req)
	if err != nil {
		h.writeProcessError(ctx, w, err)
		return
	}

	governance.WriteRateLimitHeaders(w, result.Probe.Limit, result.Probe.Remaining, 0)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(chatResponseBody{ExchangeID: result.ExchangeID, Reply: result.Reply}); err != nil {
		h.logger.Error("failed to encode chat response", "error", err)
	}
}

func (h *ChatHandler) writeProcessError(ctx context.Context, w http.ResponseWriter, err error) {
	var rejected *domain.InputRejectedError
	var limited *domain.RateLimitError

	switch {
	case errors.As(err, &rejected):
		h.reject(RejectionInput)
		h.writeErrorResponse(ctx, w, http.StatusBadRequest, domain.CodeInvalidInput, rejected.Reason, rejected.Threat)
	case errors.As(err, &limited):
		h.reject(RejectionRateLimit)
		governance.WriteRateLimitHeaders(w, limited.Limit, 0, limited.RetryAfter)
		h.writeErrorResponse(ctx, w, http.StatusTooManyRequests, domain.CodeRateLimitExceeded, "rate limit exceeded", "")
	case errors.Is(err, domain.ErrUpstreamFailed):
		h.reject(RejectionUpstream)
		h.writeErrorResponse(ctx, w, http.StatusBadGateway, domain.CodeUpstreamError, "the assistant is temporarily unavailable", "")
	default:
		h.logger.ErrorContext(ctx, "chat exchange failed", "error", err)
		h.writeErrorResponse(ctx, w, http.StatusInternalServerError, domain.CodeInternal, "internal error", "")
	}
}

func (h *ChatHandler) reject(kind string) {
	if h.metrics != nil {
		h.metrics.RecordRejection(kind)
	}
}

// writeErrorResponse writes a JSON error response in OpenAI-compatible format.
func (h *ChatHandler) writeErrorResponse(ctx context.Context, w http.ResponseWriter, statusCode int, code, message, threat string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	body := domain.ErrorBody{
		Message: message,
		Type:    errorType(code),
		Code:    code,
		Threat:  threat,
	}
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		body.TraceID = sc.TraceID().String()
	}

	if err := json.NewEncoder(w).Encode(domain.ErrorResponse{Error: body}); err != nil {
		h.logger.Error("failed to encode error response", "error", err)
	}
}

func errorType(code string) string {
	switch code {
	case domain.CodeInvalidInput, domain.CodeBadRequest:
		return "invalid_request_error"
	case domain.CodeRateLimitExceeded:
		return "rate_limit_error"
	case domain.CodeUpstreamError:
		return "api_error"
	default:
		return "server_error"
	}
}

// statusRecorder wraps http.ResponseWriter to prevent multiple WriteHeader calls.
type statusRecorder struct {
	http.ResponseWriter
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.ResponseWriter.WriteHeader(code)
		r.wroteHeader = true
	}
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}
