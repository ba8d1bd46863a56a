// ABOUTME: Configuration loading and parsing for wabridge
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config represents the complete wabridge configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Business  BusinessConfig  `yaml:"business" toml:"business"`
	Webhook   WebhookConfig   `yaml:"webhook" toml:"webhook"`
	Provider  ProviderConfig  `yaml:"provider" toml:"provider"`
	Realtime  RealtimeConfig  `yaml:"realtime" toml:"realtime"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	HTTPAddr    string   `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr    string   `yaml:"grpc_addr" toml:"grpc_addr"`
	CORSOrigins []string `yaml:"cors_origins" toml:"cors_origins"`

	ReadHeaderTimeout    time.Duration `yaml:"-" toml:"-"`
	ReadHeaderTimeoutRaw string        `yaml:"read_header_timeout" toml:"read_header_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig selects and configures the store backend
type DatabaseConfig struct {
	Driver   string `yaml:"driver" toml:"driver"` // sqlite (default) or postgres
	Path     string `yaml:"path" toml:"path"`     // sqlite file, or ":memory:"
	DSN      string `yaml:"dsn" toml:"dsn"`       // postgres connection string
	MaxConns int32  `yaml:"max_conns" toml:"max_conns"`
}

// BusinessConfig identifies the business account messages arrive at
type BusinessConfig struct {
	PhoneNumber string `yaml:"phone_number" toml:"phone_number"`
	DisplayName string `yaml:"display_name" toml:"display_name"`
}

// WebhookConfig holds the provider's webhook secrets
type WebhookConfig struct {
	VerifyToken string `yaml:"verify_token" toml:"verify_token"`
	AppSecret   string `yaml:"app_secret" toml:"app_secret"` // empty disables signature checks
}

// ProviderConfig holds WhatsApp Cloud API credentials and limits
type ProviderConfig struct {
	BaseURL       string  `yaml:"base_url" toml:"base_url"`
	APIVersion    string  `yaml:"api_version" toml:"api_version"`
	PhoneNumberID string  `yaml:"phone_number_id" toml:"phone_number_id"`
	AccessToken   string  `yaml:"access_token" toml:"access_token"`
	RatePerSecond float64 `yaml:"rate_per_second" toml:"rate_per_second"`
	Burst         int     `yaml:"burst" toml:"burst"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// RealtimeConfig configures external realtime sinks
type RealtimeConfig struct {
	RedisURL     string       `yaml:"redis_url" toml:"redis_url"`
	RedisChannel string       `yaml:"redis_channel" toml:"redis_channel"`
	Matrix       MatrixConfig `yaml:"matrix" toml:"matrix"`
}

// MatrixConfig holds the Matrix room mirror configuration
type MatrixConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	Homeserver  string `yaml:"homeserver" toml:"homeserver"`
	UserID      string `yaml:"user_id" toml:"user_id"`
	AccessToken string `yaml:"access_token" toml:"access_token"`
	RoomID      string `yaml:"room_id" toml:"room_id"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns a Config with every optional field filled in.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML(path) {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyDefaults(&cfg)

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Write encodes cfg to path in the format implied by its extension,
// creating parent directories as needed.
func Write(path string, cfg *Config) error {
	var buf bytes.Buffer
	buf.WriteString("# wabridge configuration\n\n")

	if isTOML(path) {
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}
	} else {
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// Secrets live in this file.
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTPAddr == "" && !cfg.Tailscale.Enabled {
		cfg.Server.HTTPAddr = "localhost:8080"
	}
	if cfg.Server.GRPCAddr == "" && !cfg.Tailscale.Enabled {
		cfg.Server.GRPCAddr = "localhost:50051"
	}
	if cfg.Server.ReadHeaderTimeoutRaw == "" {
		cfg.Server.ReadHeaderTimeoutRaw = "10s"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverSQLite
	}
	if cfg.Database.Driver == DriverSQLite && cfg.Database.Path == "" {
		cfg.Database.Path = "wabridge.db"
	}
	if cfg.Business.DisplayName == "" {
		cfg.Business.DisplayName = "Business"
	}
	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = "https://graph.facebook.com"
	}
	if cfg.Provider.APIVersion == "" {
		cfg.Provider.APIVersion = "v20.0"
	}
	if cfg.Provider.TimeoutRaw == "" {
		cfg.Provider.TimeoutRaw = "10s"
	}
	if cfg.Realtime.RedisChannel == "" {
		cfg.Realtime.RedisChannel = "wabridge:messages"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Database.Driver)
	}

	if strings.TrimSpace(c.Business.PhoneNumber) == "" {
		return fmt.Errorf("business.phone_number is required")
	}

	if c.Provider.RatePerSecond < 0 {
		return fmt.Errorf("provider.rate_per_second must not be negative")
	}

	if c.Realtime.Matrix.Enabled {
		m := c.Realtime.Matrix
		if m.Homeserver == "" || m.AccessToken == "" || m.RoomID == "" {
			return fmt.Errorf("realtime.matrix requires homeserver, access_token and room_id when enabled")
		}
	}

	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Server.ReadHeaderTimeoutRaw != "" {
		cfg.Server.ReadHeaderTimeout, err = time.ParseDuration(cfg.Server.ReadHeaderTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing read_header_timeout %q: %w", cfg.Server.ReadHeaderTimeoutRaw, err)
		}
	}

	if cfg.Provider.TimeoutRaw != "" {
		cfg.Provider.Timeout, err = time.ParseDuration(cfg.Provider.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing provider timeout %q: %w", cfg.Provider.TimeoutRaw, err)
		}
	}

	return nil
}
