// Package config provides configuration structures and loading logic for a shield node.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultTransportAddress = "127.0.0.1:9300"
	defaultHTTPAddress      = "127.0.0.1:9200"
	defaultAdminAddress     = "127.0.0.1:9600"
	defaultConnectTimeout   = 5 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
)

// Config holds the global configuration for a node.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	SSL       SSLConfig       `yaml:"ssl"`
	Transport TransportConfig `yaml:"transport"`
	HTTP      HTTPConfig      `yaml:"http"`
	Admin     AdminConfig     `yaml:"admin"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// NodeConfig identifies the node inside the cluster.
type NodeConfig struct {
	Name    string `yaml:"name"`
	Cluster string `yaml:"cluster"`
}

// TransportConfig holds settings for the inter-node RPC transport.
type TransportConfig struct {
	Address        string   `yaml:"address"`
	SSL            bool     `yaml:"ssl"`
	Seeds          []string `yaml:"seeds,omitempty"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
}

// HTTPConfig holds settings for the client-facing HTTP transport.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	SSL     bool   `yaml:"ssl"`
}

// AdminConfig holds settings for the admin listener serving health and metrics.
type AdminConfig struct {
	Address string `yaml:"address"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	Environment  string `yaml:"environment,omitempty"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration populated with the built-in defaults.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Name:    hostnameOr("node-1"),
			Cluster: "shield",
		},
		SSL: SSLConfig{
			HandshakeTimeout: Duration(defaultHandshakeTimeout),
			VerifyHostname:   true,
		},
		Transport: TransportConfig{
			Address:        defaultTransportAddress,
			SSL:            true,
			ConnectTimeout: Duration(defaultConnectTimeout),
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Address: defaultHTTPAddress,
			SSL:     true,
		},
		Admin: AdminConfig{
			Address: defaultAdminAddress,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
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

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("SHIELD_NODE_NAME"); val != "" {
		cfg.Node.Name = val
	}

	if val := os.Getenv("SHIELD_TRANSPORT_ADDR"); val != "" {
		cfg.Transport.Address = val
	}
	if val, ok := envBool("SHIELD_TRANSPORT_SSL"); ok {
		cfg.Transport.SSL = val
	}
	if val := os.Getenv("SHIELD_TRANSPORT_SEEDS"); val != "" {
		cfg.Transport.Seeds = splitList(val)
	}

	if val := os.Getenv("SHIELD_HTTP_ADDR"); val != "" {
		cfg.HTTP.Address = val
	}
	if val, ok := envBool("SHIELD_HTTP_ENABLED"); ok {
		cfg.HTTP.Enabled = val
	}
	if val, ok := envBool("SHIELD_HTTP_SSL"); ok {
		cfg.HTTP.SSL = val
	}

	if val := os.Getenv("SHIELD_ADMIN_ADDR"); val != "" {
		cfg.Admin.Address = val
	}

	if val := os.Getenv("SHIELD_SSL_KEYSTORE_PATH"); val != "" {
		cfg.SSL.Keystore.Path = val
	}
	if val := os.Getenv("SHIELD_SSL_KEYSTORE_PASSWORD"); val != "" {
		cfg.SSL.Keystore.Password = val
	}
	if val := os.Getenv("SHIELD_SSL_TRUSTSTORE_PATH"); val != "" {
		cfg.SSL.Truststore.Path = val
	}
	if val := os.Getenv("SHIELD_SSL_TRUSTSTORE_PASSWORD"); val != "" {
		cfg.SSL.Truststore.Password = val
	}
	if val := os.Getenv("SHIELD_SSL_SUPPORTED_PROTOCOLS"); val != "" {
		cfg.SSL.SupportedProtocols = splitList(val)
	}
	if val := os.Getenv("SHIELD_SSL_CIPHERS"); val != "" {
		cfg.SSL.Ciphers = splitList(val)
	}
	if val, ok := envBool("SHIELD_SSL_REQUIRE_CLIENT_AUTH"); ok {
		cfg.SSL.RequireClientAuth = val
	}

	if val := os.Getenv("SHIELD_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val, ok := envBool("SHIELD_OTLP_INSECURE"); ok {
		cfg.Telemetry.Insecure = val
	}

	if val := os.Getenv("SHIELD_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("SHIELD_LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}
}

// Validate performs comprehensive validation of the entire configuration
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Node.Name) == "" {
		return NewConfigMissingError("node.name")
	}

	if err := c.SSL.Validate(); err != nil {
		return fmt.Errorf("ssl configuration: %w", err)
	}

	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("transport configuration: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http configuration: %w", err)
	}

	if err := c.Admin.Validate(); err != nil {
		return fmt.Errorf("admin configuration: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	if c.HTTP.Enabled && sameFixedAddress(c.HTTP.Address, c.Transport.Address) {
		return NewConfigValidationError("http.address", c.HTTP.Address, "conflicts with transport.address")
	}
	if c.Admin.Address != "" && (sameFixedAddress(c.Admin.Address, c.Transport.Address) || sameFixedAddress(c.Admin.Address, c.HTTP.Address)) {
		return NewConfigValidationError("admin.address", c.Admin.Address, "conflicts with a transport address")
	}

	return nil
}

// Validate performs validation of the RPC transport configuration
func (c *TransportConfig) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		c.Address = defaultTransportAddress
	}
	if err := validateAddress("transport.address", c.Address); err != nil {
		return err
	}

	for i, seed := range c.Seeds {
		if err := validateAddress(fmt.Sprintf("transport.seeds[%d]", i), seed); err != nil {
			return err
		}
	}

	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = Duration(defaultConnectTimeout)
	}
	if c.ConnectTimeout < 0 {
		return NewConfigValidationError("transport.connect_timeout", c.ConnectTimeout.String(), "must be positive")
	}

	return nil
}

// Validate performs validation of the HTTP transport configuration
func (c *HTTPConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.Address) == "" {
		c.Address = defaultHTTPAddress
	}
	return validateAddress("http.address", c.Address)
}

// Validate performs validation of the admin listener configuration. An empty
// address disables the admin listener.
func (c *AdminConfig) Validate() error {
	if c.Address == "" {
		return nil
	}
	return validateAddress("admin.address", c.Address)
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
	default:
		return NewConfigValidationError("logging.level", c.Level, "must be one of debug, info, warn, error")
	}

	format := strings.TrimSpace(strings.ToLower(c.Format))
	switch format {
	case "":
		c.Format = "json"
	case "json", "text", "pretty":
		c.Format = format
	default:
		return NewConfigValidationError("logging.format", c.Format, "must be json, text or pretty")
	}

	return nil
}

func validateAddress(field, addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return NewConfigValidationError(field, addr, fmt.Sprintf("invalid host:port: %v", err)).
			WithSuggestion("use the form host:port, e.g. 127.0.0.1:9300")
	}
	return nil
}

// sameFixedAddress reports whether two listeners would collide. Port 0 asks
// the kernel for a fresh port and never collides.
func sameFixedAddress(a, b string) bool {
	if a != b {
		return false
	}
	_, port, err := net.SplitHostPort(a)
	return err != nil || port != "0"
}

func envBool(key string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "true", "1", "yes":
		return true, true
	case "false", "0", "no":
		return false, true
	default:
		return false, false
	}
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func hostnameOr(fallback string) string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return fallback
	}
	return name
}
