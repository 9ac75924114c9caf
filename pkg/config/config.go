// Package config provides configuration structures and loading logic for
// the blockgate daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/blockgate/internal/access"
	"github.com/polisai/blockgate/internal/tls"
)

// DefaultTCPAddress is used when no listener is configured.
const DefaultTCPAddress = ":10809"

// Config holds the global configuration for the daemon.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	TLS       TLSConfig       `yaml:"tls"`
	Access    AccessConfig    `yaml:"access"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ListenConfig selects the sockets clients connect to. Inetd serves a
// single connection on stdin/stdout and excludes every other listener.
type ListenConfig struct {
	TCP  []string `yaml:"tcp"`
	Unix string   `yaml:"unix"`
	// VsockPort of 0 disables the vsock listener.
	VsockPort uint32 `yaml:"vsock_port"`
	Inetd     bool   `yaml:"inetd"`
}

// TLSConfig holds the TLS mode and credential locations.
type TLSConfig struct {
	Mode             string        `yaml:"mode"`
	Certificates     string        `yaml:"certificates"`
	PSK              string        `yaml:"psk"`
	VerifyPeer       bool          `yaml:"verify_peer"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	DebugSession     bool          `yaml:"debug_session"`

	// ModeExplicit is set when the mode came from the file, the
	// environment or a flag rather than the default.
	ModeExplicit bool `yaml:"-"`
}

// AccessConfig holds the allow and deny options. Each entry is a
// comma-separated rule list, as if the option had been repeated.
type AccessConfig struct {
	Allow      []string `yaml:"allow"`
	Deny       []string `yaml:"deny"`
	DebugRules bool     `yaml:"debug_rules"`
	RulesFile  string   `yaml:"rules_file"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

// MetricsConfig holds the Prometheus scrape endpoint. An empty Address
// disables it.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "blockgate",
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
	if cfg.TLS.Mode != "" {
		cfg.TLS.ModeExplicit = true
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("BLOCKGATE_LISTEN_TCP"); val != "" {
		cfg.Listen.TCP = splitList(val)
	}
	if val := os.Getenv("BLOCKGATE_LISTEN_UNIX"); val != "" {
		cfg.Listen.Unix = val
	}
	if val := os.Getenv("BLOCKGATE_LISTEN_VSOCK_PORT"); val != "" {
		port, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return NewConfigValidationError("BLOCKGATE_LISTEN_VSOCK_PORT", val, "not a port number")
		}
		cfg.Listen.VsockPort = uint32(port)
	}

	if val := os.Getenv("BLOCKGATE_TLS"); val != "" {
		cfg.TLS.Mode = val
		cfg.TLS.ModeExplicit = true
	}
	if val := os.Getenv("BLOCKGATE_TLS_CERTIFICATES"); val != "" {
		cfg.TLS.Certificates = val
	}
	if val := os.Getenv("BLOCKGATE_TLS_PSK"); val != "" {
		cfg.TLS.PSK = val
	}
	if val := os.Getenv("BLOCKGATE_TLS_VERIFY_PEER"); val == "true" {
		cfg.TLS.VerifyPeer = true
	}

	// Environment rules are appended, like repeated options.
	if val := os.Getenv("BLOCKGATE_ALLOW"); val != "" {
		cfg.Access.Allow = append(cfg.Access.Allow, val)
	}
	if val := os.Getenv("BLOCKGATE_DENY"); val != "" {
		cfg.Access.Deny = append(cfg.Access.Deny, val)
	}
	if val := os.Getenv("BLOCKGATE_RULES_FILE"); val != "" {
		cfg.Access.RulesFile = val
	}

	if val := os.Getenv("BLOCKGATE_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}

	if val := os.Getenv("BLOCKGATE_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.Endpoint = val
	}
	if val := os.Getenv("BLOCKGATE_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("BLOCKGATE_METRICS_ADDR"); val != "" {
		cfg.Metrics.Address = val
	}
	return nil
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate performs validation of the entire configuration. It also fills
// defaults that depend on other fields.
func (c *Config) Validate() error {
	if err := c.Listen.Validate(); err != nil {
		return fmt.Errorf("listen configuration: %w", err)
	}
	if err := c.TLS.Validate(); err != nil {
		return fmt.Errorf("TLS configuration: %w", err)
	}
	if err := c.Access.Validate(); err != nil {
		return fmt.Errorf("access configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}
	return nil
}

// Validate performs validation of listener configuration
func (c *ListenConfig) Validate() error {
	if c.Inetd {
		if len(c.TCP) > 0 || c.Unix != "" || c.VsockPort != 0 {
			return NewConfigValidationError("listen.inetd", true, "inetd mode cannot be combined with other listeners")
		}
		return nil
	}
	if len(c.TCP) == 0 && c.Unix == "" && c.VsockPort == 0 {
		c.TCP = []string{DefaultTCPAddress}
	}

	seen := make(map[string]bool, len(c.TCP))
	for _, addr := range c.TCP {
		if strings.TrimSpace(addr) == "" {
			return NewConfigValidationError("listen.tcp", addr, "empty address")
		}
		if seen[addr] {
			return NewConfigValidationError("listen.tcp", addr, "duplicate address")
		}
		seen[addr] = true
	}
	return nil
}

// Validate performs validation of TLS configuration
func (c *TLSConfig) Validate() error {
	if strings.TrimSpace(c.Mode) == "" {
		c.Mode = tls.ModeOff.String()
	}
	mode, err := tls.ParseMode(c.Mode)
	if err != nil {
		return NewConfigValidationError("tls.mode", c.Mode, err.Error()).
			WithSuggestion("Use off, on or require")
	}
	c.Mode = mode.String()

	if c.HandshakeTimeout < 0 {
		return NewConfigValidationError("tls.handshake_timeout", c.HandshakeTimeout, "must not be negative")
	}
	return nil
}

// Options converts the section into negotiator options. Validate must
// have succeeded.
func (c *TLSConfig) Options() tls.Options {
	mode, _ := tls.ParseMode(c.Mode)
	return tls.Options{
		Mode:             mode,
		ModeExplicit:     c.ModeExplicit,
		CertificatesDir:  c.Certificates,
		PSKFile:          c.PSK,
		VerifyPeer:       c.VerifyPeer,
		HandshakeTimeout: c.HandshakeTimeout,
		DebugSession:     c.DebugSession,
	}
}

// Validate parses every rule so that a bad token is reported at startup.
func (c *AccessConfig) Validate() error {
	_, err := c.RuleSet()
	return err
}

// RuleSet builds the rule set from the inline lists followed by the
// rules file, if one is configured.
func (c *AccessConfig) RuleSet() (*access.RuleSet, error) {
	rules := RulesFile{Allow: c.Allow, Deny: c.Deny}
	if c.RulesFile != "" {
		file, err := ReadRulesFile(c.RulesFile)
		if err != nil {
			return nil, err
		}
		rules = rules.Merge(file)
	}
	return rules.RuleSet()
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
		return nil
	default:
		return NewConfigValidationError("logging.level", c.Level, "supported levels: debug, info, warn, error")
	}
}

// Validate performs validation of telemetry configuration
func (c *TelemetryConfig) Validate() error {
	if c.ServiceName == "" {
		c.ServiceName = "blockgate"
	}
	if c.Endpoint != "" && strings.Contains(c.Endpoint, "://") {
		return NewConfigValidationError("telemetry.endpoint", c.Endpoint, "expected host:port without a scheme")
	}
	return nil
}

// IsConfigError reports whether err came from configuration validation.
func IsConfigError(err error) bool {
	var cerr *ConfigError
	return errors.As(err, &cerr)
}
