// Package config provides configuration structures and loading logic for the
// guardrail server. Configuration comes from a YAML file with GUARDRAIL_*
// environment overrides on top; protection rules are declared as plain data
// and compiled into live rules with BuildRules.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/guardrail-sh/guardrail/pkg/guardrail"
)

// Config holds the global configuration for the server.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Storage    StorageConfig    `yaml:"storage"`
	Protection ProtectionConfig `yaml:"protection"`
}

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// MaxBodyBytes caps how much request body the protection layer buffers
	// for inspection. Zero keeps the built-in default.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	// Pretty selects text output for terminals instead of JSON.
	Pretty bool `yaml:"pretty"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	Environment  string `yaml:"environment"`
}

// StorageConfig holds configuration for the rate limit counter store. An
// empty RedisURL selects the in-process store.
type StorageConfig struct {
	RedisURL string `yaml:"redis_url"`
}

// ProtectionConfig holds the engine settings and the declared rule chain.
type ProtectionConfig struct {
	Strategy      string        `yaml:"strategy"`
	ErrorHandling string        `yaml:"error_handling"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	CacheSize     int           `yaml:"cache_size"`

	// Blacklist and Whitelist are inline lists. BlacklistFile and
	// WhitelistFile name YAML files watched for changes at runtime; file
	// entries replace the inline ones on every reload.
	Blacklist     ListConfig `yaml:"blacklist"`
	Whitelist     ListConfig `yaml:"whitelist"`
	BlacklistFile string     `yaml:"blacklist_file"`
	WhitelistFile string     `yaml:"whitelist_file"`

	// PolicyFiles name Rego modules loaded at startup. Declaring at least
	// one enables rules of type custom with kind "rego".
	PolicyFiles []string `yaml:"policy_files"`

	Rules []RuleConfig `yaml:"rules"`
}

// ListConfig is the YAML form of guardrail.ListConfig.
type ListConfig struct {
	IPs          []string `yaml:"ips"`
	Countries    []string `yaml:"countries"`
	EmailDomains []string `yaml:"email_domains"`
	UserIDs      []string `yaml:"user_ids"`
}

// Build converts the declaration into engine form.
func (l ListConfig) Build() guardrail.ListConfig {
	return guardrail.ListConfig{
		IPs:          l.IPs,
		Countries:    l.Countries,
		EmailDomains: l.EmailDomains,
		UserIDs:      l.UserIDs,
	}
}

// Load reads configuration from a file and applies environment variable
// overrides. An empty path skips the file and loads defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		// Defaults
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}

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
	if val := os.Getenv("GUARDRAIL_ADDR"); val != "" {
		cfg.Server.Address = val
	}

	if val := os.Getenv("GUARDRAIL_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("GUARDRAIL_LOG_PRETTY"); val == "true" {
		cfg.Logging.Pretty = true
	}

	if val := os.Getenv("GUARDRAIL_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("GUARDRAIL_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("GUARDRAIL_ENVIRONMENT"); val != "" {
		cfg.Telemetry.Environment = val
	}

	if val := os.Getenv("GUARDRAIL_REDIS_URL"); val != "" {
		cfg.Storage.RedisURL = val
	}

	if val := os.Getenv("GUARDRAIL_STRATEGY"); val != "" {
		cfg.Protection.Strategy = val
	}
	if val := os.Getenv("GUARDRAIL_ERROR_HANDLING"); val != "" {
		cfg.Protection.ErrorHandling = val
	}
	if val := os.Getenv("GUARDRAIL_BLACKLIST_FILE"); val != "" {
		cfg.Protection.BlacklistFile = val
	}
	if val := os.Getenv("GUARDRAIL_WHITELIST_FILE"); val != "" {
		cfg.Protection.WhitelistFile = val
	}
}

// Validate performs comprehensive validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage configuration: %w", err)
	}

	if err := c.Protection.Validate(); err != nil {
		return fmt.Errorf("protection configuration: %w", err)
	}

	return nil
}

// Validate performs validation of server configuration
func (c *ServerConfig) Validate() error {
	// Set defaults if not provided
	if strings.TrimSpace(c.Address) == "" {
		c.Address = ":8080"
	}

	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.ShutdownTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("max_body_bytes must not be negative")
	}

	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	// Set default log level if not provided
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

// Validate performs validation of storage configuration
func (c *StorageConfig) Validate() error {
	if c.RedisURL == "" {
		return nil
	}
	if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
		return fmt.Errorf("redis_url must start with redis:// or rediss://")
	}
	return nil
}

// Validate performs validation of the protection configuration. Strategy and
// error handling names are normalized to upper case; each declared rule is
// compiled once to surface mapping errors at load time.
func (c *ProtectionConfig) Validate() error {
	strategy := strings.ToUpper(strings.TrimSpace(c.Strategy))
	if strategy == "" {
		strategy = string(guardrail.StrategySequential)
	}
	switch guardrail.Strategy(strategy) {
	case guardrail.StrategySequential, guardrail.StrategyShortCircuit, guardrail.StrategyParallel:
		c.Strategy = strategy
	default:
		return fmt.Errorf("invalid strategy %q, supported: SEQUENTIAL, SHORT_CIRCUIT, PARALLEL", c.Strategy)
	}

	errMode := strings.ToUpper(strings.TrimSpace(c.ErrorHandling))
	if errMode == "" {
		errMode = string(guardrail.ErrorModeFailOpen)
	}
	switch guardrail.ErrorMode(errMode) {
	case guardrail.ErrorModeFailOpen, guardrail.ErrorModeFailClosed:
		c.ErrorHandling = errMode
	default:
		return fmt.Errorf("invalid error_handling %q, supported: FAIL_OPEN, FAIL_CLOSED", c.ErrorHandling)
	}

	if c.CacheSize < 0 {
		return fmt.Errorf("cache_size must not be negative")
	}

	for i := range c.Rules {
		if _, err := c.Rules[i].Build(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}

	return nil
}
