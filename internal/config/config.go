package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the malachi configuration.
type Config struct {
	Daemon   DaemonConfig   `yaml:"daemon"`
	Protocol ProtocolConfig `yaml:"protocol"`
	Index    IndexConfig    `yaml:"index"`
}

// DaemonConfig holds daemon-related settings.
type DaemonConfig struct {
	LogLevel       string `yaml:"log_level"`        // debug, info, warn, error
	PollIntervalMs int    `yaml:"poll_interval_ms"` // Upper bound on one poll wait
	MetricsAddr    string `yaml:"metrics_addr"`     // host:port for /metrics (empty = disabled)
}

// ProtocolConfig selects the command pipe wire format.
type ProtocolConfig struct {
	Format     string `yaml:"format"`      // json or legacy
	BufferSize int    `yaml:"buffer_size"` // Decoder buffer in bytes
}

// IndexConfig controls the repository index.
type IndexConfig struct {
	Enabled bool `yaml:"enabled"` // Persist repository heads and write the status mirror
}

const (
	minPollIntervalMs = 10
	maxPollIntervalMs = 60000
	minBufferSize     = 16 * 1024
	maxBufferSize     = 16 * 1024 * 1024
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			LogLevel:       "info",
			PollIntervalMs: 1000,
			MetricsAddr:    "", // Disabled
		},
		Protocol: ProtocolConfig{
			Format:     "json",
			BufferSize: 64 * 1024,
		},
		Index: IndexConfig{
			Enabled: true,
		},
	}
}

// Load loads configuration from the default path.
func Load() (*Config, error) {
	paths := DefaultPaths()
	return LoadFromFile(paths.ConfigFile())
}

// LoadFromFile loads configuration from the specified file.
// If the file doesn't exist, returns default configuration.
// Environment variable overrides are applied after file loading.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path) //nolint:gosec // G304: config path is chosen by the user
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnvOverrides()
			return cfg, nil // Return defaults if file doesn't exist
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SaveToFile saves the configuration to the specified file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // G306: config is not secret
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Get retrieves a configuration value by key (e.g. "daemon.log_level").
func (c *Config) Get(key string) (string, error) {
	section, field, err := splitKey(key)
	if err != nil {
		return "", err
	}

	switch section {
	case "daemon":
		return c.getDaemonField(field)
	case "protocol":
		return c.getProtocolField(field)
	case "index":
		return c.getIndexField(field)
	default:
		return "", fmt.Errorf("unknown section: %s", section)
	}
}

// Set sets a configuration value by key. The value is validated.
func (c *Config) Set(key, value string) error {
	section, field, err := splitKey(key)
	if err != nil {
		return err
	}

	switch section {
	case "daemon":
		return c.setDaemonField(field, value)
	case "protocol":
		return c.setProtocolField(field, value)
	case "index":
		return c.setIndexField(field, value)
	default:
		return fmt.Errorf("unknown section: %s", section)
	}
}

func splitKey(key string) (string, string, error) {
	parts := strings.Split(key, ".")
	if len(parts) != 2 {
		return "", "", errors.New("key must be in format 'section.key'")
	}
	return parts[0], parts[1], nil
}

func (c *Config) getDaemonField(field string) (string, error) {
	switch field {
	case "log_level":
		return c.Daemon.LogLevel, nil
	case "poll_interval_ms":
		return strconv.Itoa(c.Daemon.PollIntervalMs), nil
	case "metrics_addr":
		return c.Daemon.MetricsAddr, nil
	default:
		return "", fmt.Errorf("unknown field: daemon.%s", field)
	}
}

func (c *Config) setDaemonField(field, value string) error {
	switch field {
	case "log_level":
		if !isValidLogLevel(value) {
			return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", value)
		}
		c.Daemon.LogLevel = value
	case "poll_interval_ms":
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for poll_interval_ms: %w", err)
		}
		if v < minPollIntervalMs || v > maxPollIntervalMs {
			return fmt.Errorf("invalid poll_interval_ms: must be between %d and %d", minPollIntervalMs, maxPollIntervalMs)
		}
		c.Daemon.PollIntervalMs = v
	case "metrics_addr":
		c.Daemon.MetricsAddr = value
	default:
		return fmt.Errorf("unknown field: daemon.%s", field)
	}
	return nil
}

func (c *Config) getProtocolField(field string) (string, error) {
	switch field {
	case "format":
		return c.Protocol.Format, nil
	case "buffer_size":
		return strconv.Itoa(c.Protocol.BufferSize), nil
	default:
		return "", fmt.Errorf("unknown field: protocol.%s", field)
	}
}

func (c *Config) setProtocolField(field, value string) error {
	switch field {
	case "format":
		if !isValidFormat(value) {
			return fmt.Errorf("invalid format: %s (must be json or legacy)", value)
		}
		c.Protocol.Format = value
	case "buffer_size":
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for buffer_size: %w", err)
		}
		if v < minBufferSize || v > maxBufferSize {
			return fmt.Errorf("invalid buffer_size: must be between %d and %d", minBufferSize, maxBufferSize)
		}
		c.Protocol.BufferSize = v
	default:
		return fmt.Errorf("unknown field: protocol.%s", field)
	}
	return nil
}

func (c *Config) getIndexField(field string) (string, error) {
	switch field {
	case "enabled":
		return strconv.FormatBool(c.Index.Enabled), nil
	default:
		return "", fmt.Errorf("unknown field: index.%s", field)
	}
}

func (c *Config) setIndexField(field, value string) error {
	switch field {
	case "enabled":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid value for enabled: %w", err)
		}
		c.Index.Enabled = b
	default:
		return fmt.Errorf("unknown field: index.%s", field)
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if !isValidLogLevel(c.Daemon.LogLevel) {
		return fmt.Errorf("daemon.log_level must be debug, info, warn, or error (got: %s)", c.Daemon.LogLevel)
	}

	if c.Daemon.PollIntervalMs < minPollIntervalMs || c.Daemon.PollIntervalMs > maxPollIntervalMs {
		return fmt.Errorf("daemon.poll_interval_ms must be between %d and %d (got: %d)",
			minPollIntervalMs, maxPollIntervalMs, c.Daemon.PollIntervalMs)
	}

	if !isValidFormat(c.Protocol.Format) {
		return fmt.Errorf("protocol.format must be json or legacy (got: %s)", c.Protocol.Format)
	}

	if c.Protocol.BufferSize < minBufferSize || c.Protocol.BufferSize > maxBufferSize {
		return fmt.Errorf("protocol.buffer_size must be between %d and %d (got: %d)",
			minBufferSize, maxBufferSize, c.Protocol.BufferSize)
	}

	return nil
}

// PollInterval returns the poll bound as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Daemon.PollIntervalMs) * time.Millisecond
}

// SlogLevel maps daemon.log_level to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.Daemon.LogLevel {
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

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

func isValidFormat(format string) bool {
	return format == "json" || format == "legacy"
}

// ApplyEnvOverrides applies environment variable overrides.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("MALACHI_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil && b {
			c.Daemon.LogLevel = "debug"
		}
	}
	if v := os.Getenv("MALACHI_LOG_LEVEL"); v != "" {
		if isValidLogLevel(v) {
			c.Daemon.LogLevel = v
		}
	}
	if v := os.Getenv("MALACHI_PROTOCOL"); v != "" {
		if isValidFormat(v) {
			c.Protocol.Format = v
		}
	}
}

// ListKeys returns all available configuration keys.
func ListKeys() []string {
	return []string{
		"daemon.log_level",
		"daemon.poll_interval_ms",
		"daemon.metrics_addr",
		"protocol.format",
		"protocol.buffer_size",
		"index.enabled",
	}
}
