package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Transfer TransferConfig `yaml:"transfer"`
	Rest     RestConfig     `yaml:"rest"`
	Serial   SerialConfig   `yaml:"serial"`
	Storage  StorageConfig  `yaml:"storage"`
	LogLevel string         `yaml:"log_level"`
}

// DeviceConfig holds discovery and connection settings.
type DeviceConfig struct {
	Address              string `yaml:"address"` // last known accessory address
	NamePrefix           string `yaml:"name_prefix"`
	ScanTimeoutSeconds   int    `yaml:"scan_timeout_seconds"`
	StopAtFirstMatch     bool   `yaml:"stop_at_first_match"`
	ConnectTimeoutSecs   int    `yaml:"connect_timeout_seconds"`
	MaxRetries           int    `yaml:"max_retries"`
	RetryBaseDelayMillis int    `yaml:"retry_base_delay_ms"`
	RSSIPollSeconds      int    `yaml:"rssi_poll_seconds"`
	DiagnosticsSeconds   int    `yaml:"diagnostics_seconds"`
	DesiredMTU           int    `yaml:"desired_mtu"`
}

// TransferConfig bounds the upload protocol stages.
type TransferConfig struct {
	StartTimeoutSeconds    int `yaml:"start_timeout_seconds"`
	ChunkAckTimeoutSeconds int `yaml:"chunk_ack_timeout_seconds"`
	EndTimeoutSeconds      int `yaml:"end_timeout_seconds"`
	ListTimeoutSeconds     int `yaml:"list_timeout_seconds"`
}

// RestConfig points at the accessory's WiFi API.
type RestConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// SerialConfig selects the USB console carrier for development boards.
type SerialConfig struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

// StorageConfig locates processed images and the transfer history.
type StorageConfig struct {
	Dir       string `yaml:"dir"`
	HistoryDB string `yaml:"history_db"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "inkframe")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".local", "share", "inkframe")

	return &Config{
		Device: DeviceConfig{
			NamePrefix:           "InkFrame",
			ScanTimeoutSeconds:   10,
			ConnectTimeoutSecs:   10,
			MaxRetries:           3,
			RetryBaseDelayMillis: 1000,
			RSSIPollSeconds:      5,
			DiagnosticsSeconds:   30,
			DesiredMTU:           512,
		},
		Transfer: TransferConfig{
			StartTimeoutSeconds:    5,
			ChunkAckTimeoutSeconds: 3,
			EndTimeoutSeconds:      5,
			ListTimeoutSeconds:     10,
		},
		Rest: RestConfig{
			TimeoutSeconds: 30,
		},
		Serial: SerialConfig{
			Baud: 115200,
		},
		Storage: StorageConfig{
			Dir:       filepath.Join(dataDir, "images"),
			HistoryDB: filepath.Join(dataDir, "history.db"),
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in paths is expanded to the user's home
// directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Storage.Dir = expandTilde(cfg.Storage.Dir)
	cfg.Storage.HistoryDB = expandTilde(cfg.Storage.HistoryDB)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.NamePrefix == "" {
		return fmt.Errorf("device.name_prefix must not be empty")
	}
	if c.Device.MaxRetries <= 0 {
		return fmt.Errorf("device.max_retries must be > 0")
	}
	if c.Device.RetryBaseDelayMillis <= 0 {
		return fmt.Errorf("device.retry_base_delay_ms must be > 0")
	}
	if c.Device.DesiredMTU < 23 {
		return fmt.Errorf("device.desired_mtu must be >= 23, got %d", c.Device.DesiredMTU)
	}
	if c.Serial.Port != "" && c.Serial.Baud <= 0 {
		return fmt.Errorf("serial.baud must be > 0 when serial.port is set")
	}
	if c.Storage.Dir == "" {
		return fmt.Errorf("storage.dir must not be empty")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
