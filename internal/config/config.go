// Package config loads and persists the meshchat configuration file.
// Missing keys fall back to defaults so a partial config stays valid.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultPath is where the config file lives unless overridden.
	DefaultPath = "config/meshchat.yaml"

	// minRefreshInterval is the floor for the periodic channel refresh.
	minRefreshInterval = 5 * time.Second
)

// Companion describes how to reach the companion radio.
type Companion struct {
	// Transport is one of "tcp", "serial", "ble" or "fake".
	Transport string `yaml:"transport"`
	// Endpoint is host:port for tcp, or a BLE MAC address candidate.
	Endpoint string `yaml:"endpoint"`
	// Device is a serial device path, or a BLE device-name candidate.
	// "auto" means no explicit hint.
	Device string `yaml:"device"`
	// ChannelRefreshSeconds is the periodic channel refresh interval.
	ChannelRefreshSeconds int `yaml:"channel_refresh_seconds"`
	// DrainLimit caps how many buffered messages are pulled off the
	// device during the initial sync.
	DrainLimit int `yaml:"drain_limit"`
}

// Store configures the durable chat state.
type Store struct {
	Path string `yaml:"path"`
	// LegacyLogPath points at the deprecated flat JSON log. When the
	// SQLite store is empty and this file exists, its history is
	// imported once.
	LegacyLogPath string `yaml:"legacy_log_path"`
}

// API configures the local presentation endpoint.
type API struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Config is the root configuration document.
type Config struct {
	Companion Companion `yaml:"companion"`
	Store     Store     `yaml:"store"`
	API       API       `yaml:"api"`
	LogLevel  string    `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Companion: Companion{
			Transport:             "ble",
			Endpoint:              "auto",
			Device:                "auto",
			ChannelRefreshSeconds: 30,
			DrainLimit:            200,
		},
		Store: Store{
			Path:          "data/meshchat.sqlite3",
			LegacyLogPath: "logs/meshcore_state.json",
		},
		API: API{
			ListenAddr: "127.0.0.1:8920",
		},
		LogLevel: "info",
	}
}

// Load reads the config at path. A missing file is created from the
// defaults so first runs leave an editable config behind.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		if err := cfg.Save(path); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config to path, creating parent directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: mkdir for %s: %w", path, err)
	}
	raw, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// RefreshInterval returns the channel refresh period with the floor applied.
func (c *Config) RefreshInterval() time.Duration {
	iv := time.Duration(c.Companion.ChannelRefreshSeconds) * time.Second
	if iv < minRefreshInterval {
		return minRefreshInterval
	}
	return iv
}

// TransportKind returns the normalised companion transport name.
func (c *Config) TransportKind() string {
	return strings.ToLower(strings.TrimSpace(c.Companion.Transport))
}
