package config

import (
	"encoding/hex"
	"fmt"
	"strings"
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

// SSLConfig holds the raw TLS policy settings shared by the RPC and HTTP
// transports. Names are kept as strings here; internal/policy parses them.
type SSLConfig struct {
	Keystore             StoreConfig `yaml:"keystore" json:"keystore"`
	Truststore           StoreConfig `yaml:"truststore" json:"truststore"`
	SupportedProtocols   []string    `yaml:"supported_protocols,omitempty" json:"supported_protocols,omitempty"`
	Ciphers              []string    `yaml:"ciphers,omitempty" json:"ciphers,omitempty"`
	RequireClientAuth    bool        `yaml:"require_client_auth" json:"require_client_auth"`
	VerifyHostname       bool        `yaml:"verify_hostname" json:"verify_hostname"`
	AllowInsecureCiphers bool        `yaml:"allow_insecure_ciphers" json:"allow_insecure_ciphers"`
	HandshakeTimeout     Duration    `yaml:"handshake_timeout" json:"handshake_timeout"`
	AdmissionRules       string      `yaml:"admission_rules,omitempty" json:"admission_rules,omitempty"`
}

// StoreConfig points at a keystore or truststore file. SHA256 optionally pins
// the file contents.
type StoreConfig struct {
	Path     string `yaml:"path" json:"path"`
	Password string `yaml:"password,omitempty" json:"-"`
	SHA256   string `yaml:"sha256,omitempty" json:"sha256,omitempty"`
}

// Configured reports whether the store points at a file.
func (s StoreConfig) Configured() bool {
	return strings.TrimSpace(s.Path) != ""
}

// Validate performs structural validation of the SSL settings. Protocol and
// cipher names are checked when the policy is loaded.
func (c *SSLConfig) Validate() error {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = Duration(defaultHandshakeTimeout)
	}
	if c.HandshakeTimeout < 0 {
		return NewConfigValidationError("ssl.handshake_timeout", c.HandshakeTimeout.String(), "must be positive")
	}

	if err := c.Keystore.validate("ssl.keystore"); err != nil {
		return err
	}
	if err := c.Truststore.validate("ssl.truststore"); err != nil {
		return err
	}

	for i, name := range c.SupportedProtocols {
		if strings.TrimSpace(name) == "" {
			return NewConfigValidationError(fmt.Sprintf("ssl.supported_protocols[%d]", i), name, "empty protocol name")
		}
	}
	for i, name := range c.Ciphers {
		if strings.TrimSpace(name) == "" {
			return NewConfigValidationError(fmt.Sprintf("ssl.ciphers[%d]", i), name, "empty cipher suite name")
		}
	}

	return nil
}

func (s StoreConfig) validate(prefix string) error {
	if !s.Configured() {
		if s.Password != "" || s.SHA256 != "" {
			return NewConfigMissingError(prefix + ".path")
		}
		return nil
	}

	if s.SHA256 == "" {
		return nil
	}
	sum := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s.SHA256)), "sha256:")
	if decoded, err := hex.DecodeString(sum); err != nil || len(decoded) != 32 {
		return NewConfigValidationError(prefix+".sha256", s.SHA256, "must be a hex encoded SHA-256 digest").
			WithSuggestion("compute it with: sha256sum <file>")
	}
	return nil
}
