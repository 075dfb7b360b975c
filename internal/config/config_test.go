package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("logging defaults = %+v", cfg.Logging)
	}
	if cfg.Broker.Default != "sim" {
		t.Errorf("broker default = %q, want sim", cfg.Broker.Default)
	}
	if cfg.Broker.Alpaca.BaseURL != "https://paper-api.alpaca.markets" {
		t.Errorf("alpaca base url = %q", cfg.Broker.Alpaca.BaseURL)
	}
	if cfg.Broker.Tradier.Env != "sandbox" {
		t.Errorf("tradier env = %q, want sandbox", cfg.Broker.Tradier.Env)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	src := `
logging:
  level: debug
  format: json
broker:
  default: tradier
  tradier:
    env: live
`
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Broker.Default != "tradier" || cfg.Broker.Tradier.Env != "live" {
		t.Errorf("broker = %+v", cfg.Broker)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("PGC_BROKER_DEFAULT", "alpaca")
	t.Setenv("PGC_LOGGING_LEVEL", "warn")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.Default != "alpaca" {
		t.Errorf("broker default = %q, want env override alpaca", cfg.Broker.Default)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("logging level = %q, want env override warn", cfg.Logging.Level)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("broker:\n  default: etrade\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown broker")
	}

	if err := os.WriteFile(path, []byte("broker:\n  tradier:\n    env: staging\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown tradier env")
	}

	if err := os.WriteFile(path, []byte("logging:\n  format: xml\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown log format")
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for an explicitly named missing file")
	}
}
