// Package config provides configuration structures and loading logic for the chat gateway.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/polisai/polis-chatguard/pkg/domain"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultMaxBodyBytes caps chat request bodies.
	DefaultMaxBodyBytes int64 = 64 << 10
	// DefaultSummaryLimit is the rune length of audited response summaries.
	DefaultSummaryLimit = 200
)

// Config holds the global configuration for the gateway.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Validation ValidationConfig `yaml:"validation"`
	Masking    MaskingConfig    `yaml:"masking"`
	LLM        LLMConfig        `yaml:"llm"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds configuration for the HTTP servers.
type ServerConfig struct {
	AdminAddress string     `yaml:"admin_address"`
	DataAddress  string     `yaml:"data_address"`
	MaxBodyBytes int64      `yaml:"max_body_bytes"`
	TLS          *TLSConfig `yaml:"tls,omitempty"`
}

// RateLimitConfig holds the per-caller admission windows.
// A non-positive window is disabled; at least one must remain.
type RateLimitConfig struct {
	PerMinute  int           `yaml:"per_minute"`
	PerHour    int           `yaml:"per_hour"`
	PerDay     int           `yaml:"per_day"`
	MaxBuckets int           `yaml:"max_buckets"`
	IdleTTL    time.Duration `yaml:"idle_ttl"`
}

// ValidationConfig selects the attack rules applied to incoming messages.
// An empty list applies every builtin rule.
type ValidationConfig struct {
	Rules []string `yaml:"rules,omitempty"`
}

// MaskingConfig holds configuration for PII masking.
type MaskingConfig struct {
	// Strategies names the masking strategies to run. Empty means all builtins.
	Strategies   []string `yaml:"strategies,omitempty"`
	SummaryLimit int      `yaml:"summary_limit"`
}

// LLMConfig holds configuration for the upstream model.
type LLMConfig struct {
	Provider     string        `yaml:"provider"`
	BaseURL      string        `yaml:"base_url"`
	Model        string        `yaml:"model"`
	APIKey       string        `yaml:"api_key"`
	Timeout      time.Duration `yaml:"timeout"`
	Temperature  float64       `yaml:"temperature"`
	SystemPrompt string        `yaml:"system_prompt,omitempty"`
	// MaxFailures opens the circuit after that many consecutive upstream
	// failures. Zero disables the breaker.
	MaxFailures int           `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	SampleRatio  float64 `yaml:"sample_ratio"`
	// Headers are sent with every OTLP export, e.g. collector API keys.
	Headers map[string]string `yaml:"headers,omitempty"`
	// ResourceAttributes are added to the exported service resource.
	ResourceAttributes map[string]string `yaml:"resource_attributes,omitempty"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Supported LLM providers.
const (
	ProviderOpenAI = "openai"
	ProviderEcho   = "echo"
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			AdminAddress: ":19090",
			DataAddress:  ":8090",
			MaxBodyBytes: DefaultMaxBodyBytes,
		},
		RateLimit: RateLimitConfig{
			PerMinute: 10,
			PerHour:   100,
			PerDay:    500,
		},
		Masking: MaskingConfig{
			SummaryLimit: DefaultSummaryLimit,
		},
		LLM: LLMConfig{
			Provider:    ProviderEcho,
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Timeout:     30 * time.Second,
			Temperature: 0.2,
			MaxFailures: 5,
			OpenTimeout: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "polis-chatguard",
			Environment: "development",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("%w: environment overrides: %w", domain.ErrConfigInvalid, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfigInvalid, err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("CHATGUARD_ADMIN_ADDR"); val != "" {
		cfg.Server.AdminAddress = val
	}
	if val := os.Getenv("CHATGUARD_DATA_ADDR"); val != "" {
		cfg.Server.DataAddress = val
	}
	if val := os.Getenv("CHATGUARD_MAX_BODY_BYTES"); val != "" {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("CHATGUARD_MAX_BODY_BYTES: %w", err)
		}
		cfg.Server.MaxBodyBytes = n
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"CHATGUARD_RATE_PER_MINUTE", &cfg.RateLimit.PerMinute},
		{"CHATGUARD_RATE_PER_HOUR", &cfg.RateLimit.PerHour},
		{"CHATGUARD_RATE_PER_DAY", &cfg.RateLimit.PerDay},
		{"CHATGUARD_RATE_MAX_BUCKETS", &cfg.RateLimit.MaxBuckets},
		{"CHATGUARD_SUMMARY_LIMIT", &cfg.Masking.SummaryLimit},
	}
	for _, e := range ints {
		val := os.Getenv(e.name)
		if val == "" {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%s: %w", e.name, err)
		}
		*e.dst = n
	}

	if val := os.Getenv("CHATGUARD_LLM_PROVIDER"); val != "" {
		cfg.LLM.Provider = val
	}
	if val := os.Getenv("CHATGUARD_LLM_BASE_URL"); val != "" {
		cfg.LLM.BaseURL = val
	}
	if val := os.Getenv("CHATGUARD_LLM_MODEL"); val != "" {
		cfg.LLM.Model = val
	}
	if val := os.Getenv("CHATGUARD_LLM_API_KEY"); val != "" {
		cfg.LLM.APIKey = val
	} else if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if val := os.Getenv("CHATGUARD_LLM_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("CHATGUARD_LLM_TIMEOUT: %w", err)
		}
		cfg.LLM.Timeout = d
	}

	if val := os.Getenv("CHATGUARD_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("CHATGUARD_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("CHATGUARD_ENVIRONMENT"); val != "" {
		cfg.Telemetry.Environment = val
	}

	if val := os.Getenv("CHATGUARD_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}

	if val := os.Getenv("CHATGUARD_TLS_ENABLED"); val == "true" {
		cfg.Server.ensureTLS().Enabled = true
	}
	if val := os.Getenv("CHATGUARD_TLS_CERT_FILE"); val != "" {
		cfg.Server.ensureTLS().CertFile = val
	}
	if val := os.Getenv("CHATGUARD_TLS_KEY_FILE"); val != "" {
		cfg.Server.ensureTLS().KeyFile = val
	}
	if val := os.Getenv("CHATGUARD_TLS_MIN_VERSION"); val != "" {
		cfg.Server.ensureTLS().MinVersion = val
	}
	return nil
}

func (c *ServerConfig) ensureTLS() *TLSConfig {
	if c.TLS == nil {
		c.TLS = &TLSConfig{}
	}
	return c.TLS
}

// Validate performs validation of the entire configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rate limit configuration: %w", err)
	}
	if err := c.Masking.Validate(); err != nil {
		return fmt.Errorf("masking configuration: %w", err)
	}
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	return nil
}

// Validate performs validation of server configuration.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.AdminAddress) == "" {
		c.AdminAddress = ":19090"
	}
	if strings.TrimSpace(c.DataAddress) == "" {
		c.DataAddress = ":8090"
	}
	if c.AdminAddress == c.DataAddress {
		return fmt.Errorf("admin_address and data_address must differ, both are %q", c.DataAddress)
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}

	if c.TLS != nil {
		if err := c.TLS.Validate(); err != nil {
			return fmt.Errorf("TLS configuration: %w", err)
		}
	}
	return nil
}

// Validate checks that at least one window admits traffic.
func (c *RateLimitConfig) Validate() error {
	if c.PerMinute <= 0 && c.PerHour <= 0 && c.PerDay <= 0 {
		return fmt.Errorf("at least one of per_minute, per_hour or per_day must be positive")
	}
	if c.MaxBuckets < 0 {
		return fmt.Errorf("max_buckets must not be negative, got %d", c.MaxBuckets)
	}
	if c.IdleTTL < 0 {
		return fmt.Errorf("idle_ttl must not be negative, got %s", c.IdleTTL)
	}
	return nil
}

// Validate performs validation of masking configuration.
func (c *MaskingConfig) Validate() error {
	if c.SummaryLimit <= 0 {
		c.SummaryLimit = DefaultSummaryLimit
	}
	for i, name := range c.Strategies {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("strategy %d has an empty name", i)
		}
	}
	return nil
}

// Validate performs validation of LLM configuration.
func (c *LLMConfig) Validate() error {
	provider := strings.TrimSpace(strings.ToLower(c.Provider))
	if provider == "" {
		provider = ProviderEcho
	}
	c.Provider = provider

	switch provider {
	case ProviderEcho:
	case ProviderOpenAI:
		u, err := url.Parse(c.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid base_url %q", c.BaseURL)
		}
		if strings.TrimSpace(c.Model) == "" {
			return NewConfigMissingError("model")
		}
		if strings.TrimSpace(c.APIKey) == "" {
			return NewConfigMissingError("api_key").
				WithSuggestion("Set CHATGUARD_LLM_API_KEY or OPENAI_API_KEY")
		}
	default:
		return fmt.Errorf("unsupported provider %q, supported providers: %s, %s", c.Provider, ProviderOpenAI, ProviderEcho)
	}

	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %g", c.Temperature)
	}
	if c.MaxFailures < 0 {
		return fmt.Errorf("max_failures must not be negative, got %d", c.MaxFailures)
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	return nil
}

// Validate performs validation of telemetry configuration.
func (c *TelemetryConfig) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = "polis-chatguard"
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("sample_ratio must be between 0 and 1, got %g", c.SampleRatio)
	}
	return nil
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level // Normalize to lowercase
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}

// RestartRequired reports the top-level sections that differ between two
// configurations and cannot be applied to a running process.
func RestartRequired(old, updated *Config) []string {
	var sections []string
	if !yamlEqual(old.Server, updated.Server) {
		sections = append(sections, "server")
	}
	if old.RateLimit != updated.RateLimit {
		sections = append(sections, "rate_limit")
	}
	if !yamlEqual(old.Validation, updated.Validation) {
		sections = append(sections, "validation")
	}
	if !yamlEqual(old.Masking, updated.Masking) {
		sections = append(sections, "masking")
	}
	if old.LLM != updated.LLM {
		sections = append(sections, "llm")
	}
	if !yamlEqual(old.Telemetry, updated.Telemetry) {
		sections = append(sections, "telemetry")
	}
	if old.Logging.Pretty != updated.Logging.Pretty {
		sections = append(sections, "logging.pretty")
	}
	return sections
}

func yamlEqual(a, b any) bool {
	ab, errA := yaml.Marshal(a)
	bb, errB := yaml.Marshal(b)
	return errA == nil && errB == nil && string(ab) == string(bb)
}
