// Package config handles configuration loading, validation, and management for keyvault.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// Version is the current configuration schema version.
const Version = 2

// Config holds the complete keyvault configuration.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Storage configures the local key store.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// DeviceKey configures where the device key comes from.
	DeviceKey DeviceKeyConfig `toml:"device_key" json:"device_key" yaml:"device_key"`

	// API configures the key server client.
	API APIConfig `toml:"api" json:"api" yaml:"api"`

	// Events configures key change notifications.
	Events EventsConfig `toml:"events" json:"events" yaml:"events"`

	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
	Audit   AuditConfig   `toml:"audit" json:"audit" yaml:"audit"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Type is the storage backend type: "sqlite" or "memory".
	Type string `toml:"type" json:"type" yaml:"type"`

	// Path is the path to the database file (for sqlite).
	Path string `toml:"path" json:"path" yaml:"path"`

	// MaxConnections is the maximum number of database connections.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// DeviceKeyConfig locates the device key. The key itself never appears in
// the configuration file.
type DeviceKeyConfig struct {
	// Source is "file" or "env".
	Source string `toml:"source" json:"source" yaml:"source"`

	// Path is the device key file, used when Source is "file".
	Path string `toml:"path" json:"path" yaml:"path"`

	// EnvVar names the variable holding the base64 device key, used when
	// Source is "env".
	EnvVar string `toml:"env_var" json:"env_var" yaml:"env_var"`
}

// APIConfig holds key server configuration.
type APIConfig struct {
	BaseURL   string `toml:"base_url" json:"base_url" yaml:"base_url"`
	SessionID string `toml:"session_id" json:"session_id" yaml:"session_id"`

	// Token is normally supplied through KEYVAULT_API_TOKEN.
	Token string `toml:"token" json:"token,omitempty" yaml:"token,omitempty"`

	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`

	// RetryAttempts applies to idempotent requests only.
	RetryAttempts   int     `toml:"retry_attempts" json:"retry_attempts" yaml:"retry_attempts"`
	RetryBackoffMs  int     `toml:"retry_backoff_ms" json:"retry_backoff_ms" yaml:"retry_backoff_ms"`
	RateLimitPerSec float64 `toml:"rate_limit_per_sec" json:"rate_limit_per_sec" yaml:"rate_limit_per_sec"`
}

// EventsConfig holds key change notification configuration.
type EventsConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Backend is "redis" or "none".
	Backend string `toml:"backend" json:"backend" yaml:"backend"`

	RedisAddr     string `toml:"redis_addr" json:"redis_addr" yaml:"redis_addr"`
	RedisUsername string `toml:"redis_username" json:"redis_username" yaml:"redis_username"`
	RedisPassword string `toml:"redis_password" json:"redis_password,omitempty" yaml:"redis_password,omitempty"`
	RedisDB       int    `toml:"redis_db" json:"redis_db" yaml:"redis_db"`
	RedisTLS      bool   `toml:"redis_tls" json:"redis_tls" yaml:"redis_tls"`
	Channel       string `toml:"channel" json:"channel" yaml:"channel"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// AuditConfig holds the audit trail configuration.
type AuditConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := KeyvaultDir()

	return &Config{
		Version: Version,
		Storage: StorageConfig{
			Type:           "sqlite",
			Path:           filepath.Join(dir, "keys.db"),
			MaxConnections: 1,
			BusyTimeoutMs:  5000,
		},
		DeviceKey: DeviceKeyConfig{
			Source: "file",
			Path:   filepath.Join(dir, "device.key"),
			EnvVar: "KEYVAULT_DEVICE_KEY",
		},
		API: APIConfig{
			TimeoutSec:      30,
			RetryAttempts:   3,
			RetryBackoffMs:  200,
			RateLimitPerSec: 5,
		},
		Events: EventsConfig{
			Enabled: false,
			Backend: "none",
			Channel: "keyvault-keys-updated",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "keyvault.log"),
			MaxSizeMB:  20,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Audit: AuditConfig{
			Enabled:    true,
			FilePath:   filepath.Join(PlatformLogDir(), "audit.log"),
			MaxSizeMB:  10,
			MaxBackups: 10,
			MaxAgeDays: 365,
			Compress:   true,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	if envPath := os.Getenv("KEYVAULT_CONFIG"); envPath != "" {
		return envPath
	}
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads configuration from the specified path, migrates it to the
// current version and applies environment overrides. A missing file yields
// the defaults. The result is not validated; see Loader.Load.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	if cfg.Version < Version {
		if _, err := MigrateConfig(cfg, ""); err != nil {
			return nil, fmt.Errorf("migrate config: %w", err)
		}
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories keyvault writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Logging.FilePath),
		filepath.Dir(c.Audit.FilePath),
	}
	if c.Storage.Type == "sqlite" {
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	}
	if c.DeviceKey.Source == "file" {
		dirs = append(dirs, filepath.Dir(c.DeviceKey.Path))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// KeyvaultDir returns the base keyvault data directory.
// Uses platform-specific paths or the KEYVAULT_DATA_DIR override.
func KeyvaultDir() string {
	if envDir := os.Getenv("KEYVAULT_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with KEYVAULT_ and use underscores.
// Secrets such as the API token and Redis password are best supplied this way.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Storage overrides
	if v := os.Getenv("KEYVAULT_STORAGE_TYPE"); v != "" {
		c.Storage.Type = v
	}
	if v := os.Getenv("KEYVAULT_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}

	if v := os.Getenv("KEYVAULT_DEVICE_KEY_PATH"); v != "" {
		c.DeviceKey.Path = v
	}

	// API overrides
	if v := os.Getenv("KEYVAULT_API_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("KEYVAULT_API_TOKEN"); v != "" {
		c.API.Token = v
	}
	if v := os.Getenv("KEYVAULT_SESSION_ID"); v != "" {
		c.API.SessionID = v
	}

	// Events overrides
	if v := os.Getenv("KEYVAULT_REDIS_ADDR"); v != "" {
		c.Events.RedisAddr = v
		c.Events.Backend = "redis"
		c.Events.Enabled = true
	}
	if v := os.Getenv("KEYVAULT_REDIS_PASSWORD"); v != "" {
		c.Events.RedisPassword = v
	}
	if v := os.Getenv("KEYVAULT_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Events.RedisDB = db
		}
	}

	// Logging overrides
	if v := os.Getenv("KEYVAULT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("KEYVAULT_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("KEYVAULT_AUDIT_PATH"); v != "" {
		c.Audit.FilePath = v
	}
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &Config{
		Version:   c.Version,
		Storage:   c.Storage,
		DeviceKey: c.DeviceKey,
		API:       c.API,
		Events:    c.Events,
		Logging:   c.Logging,
		Audit:     c.Audit,
	}
}

// APITimeout returns the request timeout as a duration.
func (c *Config) APITimeout() time.Duration {
	return time.Duration(c.API.TimeoutSec) * time.Second
}

// BusyTimeout returns the SQLite busy timeout as a duration.
func (c *Config) BusyTimeout() time.Duration {
	return time.Duration(c.Storage.BusyTimeoutMs) * time.Millisecond
}

func decodeTOML(data []byte, cfg *Config) error {
	_, err := toml.Decode(string(data), cfg)
	return err
}
