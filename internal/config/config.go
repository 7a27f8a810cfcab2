// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (LOOM_ prefix, plus DATABASE_URL)
//  2. Config file (config.yaml in the working directory or /etc/loom)
//  3. Default values
//
// Security: sensitive fields (database password) are masked in MarshalJSON.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

var (
	// ErrInvalidListenAddr indicates the HTTP listen address is invalid.
	ErrInvalidListenAddr = errors.New("invalid listen address")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrInvalidMaxTurns indicates the agent loop turn limit is out of range.
	ErrInvalidMaxTurns = errors.New("invalid max turns")

	// ErrInvalidHistoryLimit indicates the transcript load limit is out of range.
	ErrInvalidHistoryLimit = errors.New("invalid history limit")
)

const (
	// DefaultHistoryLimit is the default number of transcript turns loaded
	// when rebuilding conversation context.
	DefaultHistoryLimit int32 = 1000

	// MaxHistoryLimit is the absolute maximum to prevent OOM on pathological
	// conversations.
	MaxHistoryLimit int32 = 10000

	// DefaultMaxTurns bounds the agent loop (model calls per request).
	DefaultMaxTurns = 5

	// DefaultProbeTimeoutSec bounds tool-server reachability probes.
	DefaultProbeTimeoutSec = 3
)

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON().
type Config struct {
	// HTTP server
	ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`

	// PostgreSQL connection
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"-"`
	PostgresDBName   string `mapstructure:"postgres_dbname" json:"postgres_dbname"`
	PostgresSSLMode  string `mapstructure:"postgres_sslmode" json:"postgres_sslmode"`

	// Conversation engine
	MaxTurns        int   `mapstructure:"max_turns" json:"max_turns"`
	HistoryLimit    int32 `mapstructure:"history_limit" json:"history_limit"`
	ProbeTimeoutSec int   `mapstructure:"probe_timeout_sec" json:"probe_timeout_sec"`

	// Model call rate limiting (requests/sec sustained, burst)
	ModelRateLimit float64 `mapstructure:"model_rate_limit" json:"model_rate_limit"`
	ModelRateBurst int     `mapstructure:"model_rate_burst" json:"model_rate_burst"`

	// Logging
	LogJSON  bool   `mapstructure:"log_json" json:"log_json"`
	LogLevel string `mapstructure:"log_level" json:"log_level"`

	// Observability (OTLP trace export; disabled when endpoint is empty)
	OTLPEndpoint string `mapstructure:"otlp_endpoint" json:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name" json:"service_name"`
}

// MarshalJSON masks sensitive fields so Config can be logged safely.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config // avoid recursion
	a := alias(c)
	a.PostgresPassword = ""
	masked := struct {
		alias
		PostgresPassword string `json:"postgres_password"`
	}{alias: a, PostgresPassword: "***"}
	return json.Marshal(masked)
}

// Load reads configuration from defaults, config file, and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "loom")
	v.SetDefault("postgres_password", "")
	v.SetDefault("postgres_dbname", "loom")
	v.SetDefault("postgres_sslmode", "disable")
	v.SetDefault("max_turns", DefaultMaxTurns)
	v.SetDefault("history_limit", DefaultHistoryLimit)
	v.SetDefault("probe_timeout_sec", DefaultProbeTimeoutSec)
	v.SetDefault("model_rate_limit", 10.0)
	v.SetDefault("model_rate_burst", 30)
	v.SetDefault("log_json", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("otlp_endpoint", "")
	v.SetDefault("service_name", "loom")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/loom")

	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks configuration values and returns sentinel errors with
// context for anything out of range.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("%w: must not be empty", ErrInvalidListenAddr)
	}
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: must not be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d (must be 1-65535)", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: must not be empty", ErrInvalidPostgresDBName)
	}
	switch c.PostgresSSLMode {
	case "disable", "allow", "prefer", "require", "verify-ca", "verify-full":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
	}
	if c.MaxTurns < 1 || c.MaxTurns > 50 {
		return fmt.Errorf("%w: %d (must be 1-50)", ErrInvalidMaxTurns, c.MaxTurns)
	}
	if c.HistoryLimit < 1 || c.HistoryLimit > MaxHistoryLimit {
		return fmt.Errorf("%w: %d (must be 1-%d)", ErrInvalidHistoryLimit, c.HistoryLimit, MaxHistoryLimit)
	}
	return nil
}
