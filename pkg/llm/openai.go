// Package llm provides domain.LLMClient adapters for the external model.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/polisai/polis-chatguard/internal/governance"
	"github.com/polisai/polis-chatguard/pkg/domain"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultSystemPrompt asks the model to keep masking tokens intact so the
// reply can be unmasked.
const DefaultSystemPrompt = "You are a study-abroad consulting assistant. " +
	"Some values in the user's message were replaced by placeholders such as [EMAIL_001] or [PASSPORT_001]. " +
	"Never guess their contents. When you refer to one of those values, repeat its placeholder exactly."

// maxErrorBody bounds how much of an error response is kept in the error message.
const maxErrorBody = 4 << 10

// OpenAIConfig configures an OpenAI-compatible chat completions client.
type OpenAIConfig struct {
	BaseURL      string
	APIKey       string
	Model        string
	Temperature  float64
	SystemPrompt string
	Timeout      time.Duration
	// Breaker guards the upstream. Nil disables circuit breaking.
	Breaker *governance.CircuitBreaker
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// OpenAIClient calls POST {BaseURL}/chat/completions.
type OpenAIClient struct {
	endpoint     string
	apiKey       string
	model        string
	temperature  float64
	systemPrompt string
	breaker      *governance.CircuitBreaker
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewOpenAIClient validates cfg and returns a client.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("llm: base URL is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("llm: model is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	systemPrompt := cfg.SystemPrompt
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = DefaultSystemPrompt
	}

	return &OpenAIClient{
		endpoint:     base + "/chat/completions",
		apiKey:       cfg.APIKey,
		model:        cfg.Model,
		temperature:  cfg.Temperature,
		systemPrompt: systemPrompt,
		breaker:      cfg.Breaker,
		httpClient:   httpClient,
		logger:       logger,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	User        string        `json:"user,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends the masked prompt and returns the first choice's content.
func (c *OpenAIClient) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	if c.breaker == nil {
		return c.complete(ctx, req)
	}

	var content string
	err := c.breaker.ExecuteContext(ctx, func(ctx context.Context) error {
		var callErr error
		content, callErr = c.complete(ctx, req)
		return callErr
	})
	if errors.Is(err, governance.ErrCircuitOpen) {
		c.logger.WarnContext(ctx, "llm circuit open, request not sent", "exchange_id", req.ExchangeID)
	}
	return content, err
}

func (c *OpenAIClient) complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	payload := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: c.systemPrompt},
			{Role: "user", Content: req.Prompt},
		},
		Temperature: c.temperature,
		User:        req.TenantKey,
	}

	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode completion request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", err
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.ExchangeID != "" {
		httpReq.Header.Set("X-Request-ID", req.ExchangeID)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("llm request failed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", fmt.Errorf("llm returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var completion chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("no completion choices returned")
	}
	return completion.Choices[0].Message.Content, nil
}
