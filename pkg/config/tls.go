package config

import (
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/polisai/polis-chatguard/pkg/domain"
)

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field       string
	Value       interface{}
	Reason      string
	Suggestions []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error in field '%s': %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, domain.ErrConfigInvalid) hold.
func (e *ConfigError) Is(target error) bool {
	return target == domain.ErrConfigInvalid
}

func (e *ConfigError) WithSuggestion(suggestion string) *ConfigError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

func NewConfigMissingError(field string) *ConfigError {
	return &ConfigError{
		Field:  field,
		Reason: fmt.Sprintf("required field '%s' is missing", field),
	}
}

func NewConfigValidationError(field string, value interface{}, reason string) *ConfigError {
	return &ConfigError{
		Field:  field,
		Value:  value,
		Reason: reason,
	}
}

// TLSVersion represents supported TLS protocol versions
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

// ParseTLSVersion converts a string to a TLSVersion. Versions below 1.2 are refused.
func ParseTLSVersion(version string) (TLSVersion, error) {
	if version == "" {
		return TLSVersion12, nil
	}

	switch TLSVersion(strings.TrimSpace(version)) {
	case TLSVersion12:
		return TLSVersion12, nil
	case TLSVersion13:
		return TLSVersion13, nil
	default:
		return "", fmt.Errorf("unsupported TLS version %q", version)
	}
}

// TLSConfig represents TLS termination on the data listener.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	MinVersion string `yaml:"min_version,omitempty" json:"min_version,omitempty"`
}

// Validate checks that an enabled TLS section names a key pair and a supported version.
func (c *TLSConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if strings.TrimSpace(c.CertFile) == "" {
		return NewConfigMissingError("cert_file").
			WithSuggestion("Provide a path to a valid TLS certificate file").
			WithSuggestion("Ensure the certificate file is in PEM format")
	}
	if strings.TrimSpace(c.KeyFile) == "" {
		return NewConfigMissingError("key_file").
			WithSuggestion("Provide a path to a valid TLS private key file")
	}

	if _, err := ParseTLSVersion(c.MinVersion); err != nil {
		return NewConfigValidationError("min_version", c.MinVersion, err.Error()).
			WithSuggestion("Use 1.2 or 1.3")
	}
	return nil
}

// ServerTLSConfig loads the key pair and returns a server-side tls.Config.
// It returns nil when TLS is disabled.
func (c *TLSConfig) ServerTLSConfig() (*tls.Config, error) {
	if c == nil || !c.Enabled {
		return nil, nil
	}
	version, err := ParseTLSVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}

	minVersion := uint16(tls.VersionTLS12)
	if version == TLSVersion13 {
		minVersion = tls.VersionTLS13
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
	}, nil
}
