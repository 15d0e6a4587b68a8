package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all daemon configuration.
type Config struct {
	ListenAddr string        `yaml:"listen_addr"`
	Scan       ScanConfig    `yaml:"scan"`
	Pairing    PairingConfig `yaml:"pairing"`
	LogLevel   string        `yaml:"log_level"`
}

// ScanConfig holds device discovery settings.
type ScanConfig struct {
	TimeoutMS int `yaml:"timeout_ms"`
	// NamePrefixes restricts discovered devices to names starting with
	// one of these prefixes. Empty allows any named device.
	NamePrefixes []string `yaml:"name_prefixes"`
}

// PairingConfig holds bonding poll settings.
type PairingConfig struct {
	PollIntervalMS int `yaml:"poll_interval_ms"`
	MaxAttempts    int `yaml:"max_attempts"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "webble-bridge")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		ListenAddr: "127.0.0.1:8735",
		Scan: ScanConfig{
			TimeoutMS: 5000,
		},
		Pairing: PairingConfig{
			PollIntervalMS: 500,
			MaxAttempts:    60,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}

	if c.Scan.TimeoutMS <= 0 {
		return fmt.Errorf("scan.timeout_ms must be > 0")
	}

	if c.Pairing.PollIntervalMS <= 0 {
		return fmt.Errorf("pairing.poll_interval_ms must be > 0")
	}

	if c.Pairing.MaxAttempts <= 0 {
		return fmt.Errorf("pairing.max_attempts must be > 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ScanTimeout returns the scan window as a duration.
func (c *Config) ScanTimeout() time.Duration {
	return time.Duration(c.Scan.TimeoutMS) * time.Millisecond
}

// PollInterval returns the bond poll spacing as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Pairing.PollIntervalMS) * time.Millisecond
}

// WriteDefault writes a commented default config to the default path if
// no config file exists yet. It returns the written path, or "" when a
// file was already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if path == "" {
		return "", fmt.Errorf("cannot determine config path")
	}
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	if err := os.MkdirAll(DefaultConfigDir(), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	cfg := Default()
	body, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	content := "# webble-bridge configuration\n" + string(body)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("writing config: %w", err)
	}
	return path, nil
}

// ParseLogLevel maps a config log level string to a slog level.
// Unknown values fall back to info.
func ParseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NameFilter returns the device name predicate derived from
// scan.name_prefixes, or nil when no prefixes are configured.
func (c *Config) NameFilter() func(string) bool {
	prefixes := c.Scan.NamePrefixes
	if len(prefixes) == 0 {
		return nil
	}
	return func(name string) bool {
		for _, p := range prefixes {
			if strings.HasPrefix(name, p) {
				return true
			}
		}
		return false
	}
}
