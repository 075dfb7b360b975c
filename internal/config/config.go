// Package config defines runtime configuration for the policygate CLIs.
//
// This is operator configuration, not the capital policy: log level and
// format, the default broker, and per-broker endpoints. It loads from an
// optional YAML file (PGC_CONFIG or --config) with PGC_* environment
// variable overrides; every field has a sensible default, so running with
// no config file at all is fine. The capital policy itself has its own
// strict loader in internal/policy.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config is the top-level runtime configuration.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Broker  BrokerConfig  `mapstructure:"broker"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text or json
}

// BrokerConfig selects the default adapter and its endpoints.
type BrokerConfig struct {
	Default string        `mapstructure:"default"` // sim, alpaca, tradier
	Alpaca  AlpacaConfig  `mapstructure:"alpaca"`
	Tradier TradierConfig `mapstructure:"tradier"`
}

// AlpacaConfig holds the Alpaca REST and trade-update stream endpoints.
// Credentials come from APCA_API_KEY_ID / APCA_API_SECRET_KEY, never from
// the config file.
type AlpacaConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	StreamURL string `mapstructure:"stream_url"`
}

// TradierConfig selects the Tradier environment. The token and account ID
// come from TRADIER_TOKEN / TRADIER_ACCOUNT_ID; TRADIER_ENV overrides Env.
type TradierConfig struct {
	Env string `mapstructure:"env"` // sandbox or live
}

// Load reads runtime config from an optional YAML file with PGC_* env
// overrides. An empty path loads defaults plus environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PGC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("broker.default", "sim")
	v.SetDefault("broker.alpaca.base_url", "https://paper-api.alpaca.markets")
	v.SetDefault("broker.alpaca.stream_url", "wss://paper-api.alpaca.markets/stream")
	v.SetDefault("broker.tradier.env", "sandbox")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the enumerated fields.
func (c *Config) Validate() error {
	switch c.Broker.Default {
	case "sim", "alpaca", "tradier":
	default:
		return fmt.Errorf("broker.default must be one of: sim, alpaca, tradier (got %q)", c.Broker.Default)
	}
	switch c.Broker.Tradier.Env {
	case "sandbox", "live":
	default:
		return fmt.Errorf("broker.tradier.env must be sandbox or live (got %q)", c.Broker.Tradier.Env)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json (got %q)", c.Logging.Format)
	}
	return nil
}

// NewLogger builds the slog logger the CLIs use. Logs go to stderr so
// stdout stays clean for decision and summary JSON.
func NewLogger(cfg LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
