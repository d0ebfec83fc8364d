package llm

import (
	"fmt"
	"log/slog"

	"github.com/polisai/polis-chatguard/internal/governance"
	"github.com/polisai/polis-chatguard/pkg/config"
	"github.com/polisai/polis-chatguard/pkg/domain"
)

// FromConfig builds the client selected by cfg.Provider, along with the
// circuit breaker guarding it when one is configured.
func FromConfig(cfg config.LLMConfig, logger *slog.Logger) (domain.LLMClient, *governance.CircuitBreaker, error) {
	switch cfg.Provider {
	case config.ProviderEcho, "":
		return EchoClient{}, nil, nil
	case config.ProviderOpenAI:
		var breaker *governance.CircuitBreaker
		if cfg.MaxFailures > 0 {
			breaker = governance.NewCircuitBreaker(governance.CircuitBreakerConfig{
				MaxFailures: cfg.MaxFailures,
				Timeout:     cfg.OpenTimeout,
			})
		}
		client, err := NewOpenAIClient(OpenAIConfig{
			BaseURL:      cfg.BaseURL,
			APIKey:       cfg.APIKey,
			Model:        cfg.Model,
			Temperature:  cfg.Temperature,
			SystemPrompt: cfg.SystemPrompt,
			Timeout:      cfg.Timeout,
			Breaker:      breaker,
			Logger:       logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return client, breaker, nil
	default:
		return nil, nil, fmt.Errorf("llm: unsupported provider %q", cfg.Provider)
	}
}
