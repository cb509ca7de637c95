package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Device.NamePrefix != "InkFrame" {
		t.Errorf("name prefix = %q", cfg.Device.NamePrefix)
	}
	if cfg.Device.MaxRetries != 3 {
		t.Errorf("max retries = %d, want 3", cfg.Device.MaxRetries)
	}
	if cfg.Device.DesiredMTU != 512 {
		t.Errorf("desired MTU = %d, want 512", cfg.Device.DesiredMTU)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log level = %q, want info", cfg.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
device:
  address: "AA:BB:CC:DD:EE:01"
  name_prefix: "InkFrame"
  max_retries: 5
transfer:
  chunk_ack_timeout_seconds: 7
log_level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Device.Address != "AA:BB:CC:DD:EE:01" {
		t.Errorf("address = %q", cfg.Device.Address)
	}
	if cfg.Device.MaxRetries != 5 {
		t.Errorf("max retries = %d, want 5", cfg.Device.MaxRetries)
	}
	if cfg.Transfer.ChunkAckTimeoutSeconds != 7 {
		t.Errorf("chunk ack timeout = %d, want 7", cfg.Transfer.ChunkAckTimeoutSeconds)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q, want debug", cfg.LogLevel)
	}
	// Unset fields keep defaults.
	if cfg.Device.RSSIPollSeconds != 5 {
		t.Errorf("rssi poll = %d, want default 5", cfg.Device.RSSIPollSeconds)
	}
	if cfg.Serial.Baud != 115200 {
		t.Errorf("baud = %d, want default 115200", cfg.Serial.Baud)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
storage:
  dir: "~/frames"
  history_db: "~/frames/history.db"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	home, _ := os.UserHomeDir()
	if !strings.HasPrefix(cfg.Storage.Dir, home) {
		t.Errorf("storage dir = %q, want expansion under %q", cfg.Storage.Dir, home)
	}
	if !strings.HasPrefix(cfg.Storage.HistoryDB, home) {
		t.Errorf("history db = %q, want expansion under %q", cfg.Storage.HistoryDB, home)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("device: [not a mapping"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "empty name prefix", mutate: func(c *Config) { c.Device.NamePrefix = "" }},
		{name: "zero retries", mutate: func(c *Config) { c.Device.MaxRetries = 0 }},
		{name: "zero retry delay", mutate: func(c *Config) { c.Device.RetryBaseDelayMillis = 0 }},
		{name: "mtu below minimum", mutate: func(c *Config) { c.Device.DesiredMTU = 20 }},
		{name: "serial port without baud", mutate: func(c *Config) { c.Serial.Port = "/dev/ttyACM0"; c.Serial.Baud = 0 }},
		{name: "empty storage dir", mutate: func(c *Config) { c.Storage.Dir = "" }},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
