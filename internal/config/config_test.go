package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"keyvault/internal/logging"
)

// isolate points every default path into a temp dir and clears overrides.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("KEYVAULT_DATA_DIR", dir)
	t.Setenv("XDG_STATE_HOME", filepath.Join(dir, "state"))
	for _, name := range []string{
		"KEYVAULT_CONFIG", "KEYVAULT_STORAGE_TYPE", "KEYVAULT_STORAGE_PATH", "KEYVAULT_DEVICE_KEY_PATH",
		"KEYVAULT_API_URL", "KEYVAULT_API_TOKEN", "KEYVAULT_SESSION_ID",
		"KEYVAULT_REDIS_ADDR", "KEYVAULT_REDIS_PASSWORD", "KEYVAULT_REDIS_DB",
		"KEYVAULT_LOG_LEVEL", "KEYVAULT_LOG_PATH", "KEYVAULT_AUDIT_PATH",
	} {
		t.Setenv(name, "")
	}
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestDefaultConfig(t *testing.T) {
	dir := isolate(t)
	cfg := DefaultConfig()

	if cfg.Version != Version {
		t.Errorf("expected version %d, got %d", Version, cfg.Version)
	}
	if cfg.Storage.Path != filepath.Join(dir, "keys.db") {
		t.Errorf("unexpected storage path %s", cfg.Storage.Path)
	}
	if cfg.DeviceKey.Path != filepath.Join(dir, "device.key") {
		t.Errorf("unexpected device key path %s", cfg.DeviceKey.Path)
	}
	if cfg.Events.Channel != "keyvault-keys-updated" {
		t.Errorf("unexpected channel %s", cfg.Events.Channel)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestLoadNonexistent(t *testing.T) {
	isolate(t)
	cfg, err := Load("/nonexistent/path/config.toml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.Type != "sqlite" {
		t.Errorf("expected default storage type, got %s", cfg.Storage.Type)
	}
}

func TestLoadFormats(t *testing.T) {
	isolate(t)
	tmpDir := t.TempDir()

	files := map[string]string{
		"config.toml": `
version = 2
[storage]
path = "/custom/keys.db"
[api]
base_url = "https://keys.example.com/api/v2"
session_id = "6f1c5c5e-3b7e-4d55-9a39-6a0b4a1d9b11"
`,
		"config.json": `{"version": 2, "storage": {"path": "/custom/keys.db"},
"api": {"base_url": "https://keys.example.com/api/v2", "session_id": "6f1c5c5e-3b7e-4d55-9a39-6a0b4a1d9b11"}}`,
		"config.yaml": `
version: 2
storage:
  path: /custom/keys.db
api:
  base_url: https://keys.example.com/api/v2
  session_id: 6f1c5c5e-3b7e-4d55-9a39-6a0b4a1d9b11
`,
	}

	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(tmpDir, name)
			writeFile(t, path, content)

			cfg, err := NewLoader(path).Load()
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if cfg.Storage.Path != "/custom/keys.db" {
				t.Errorf("expected storage path /custom/keys.db, got %s", cfg.Storage.Path)
			}
			if cfg.API.BaseURL != "https://keys.example.com/api/v2" {
				t.Errorf("unexpected base url %s", cfg.API.BaseURL)
			}
			// Unset values keep their defaults.
			if cfg.API.RetryAttempts != 3 {
				t.Errorf("expected default retry attempts, got %d", cfg.API.RetryAttempts)
			}
		})
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "this is not valid toml {{{")

	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("KEYVAULT_API_URL", "https://env.example.com")
	t.Setenv("KEYVAULT_API_TOKEN", "tok")
	t.Setenv("KEYVAULT_REDIS_ADDR", "localhost:6379")
	t.Setenv("KEYVAULT_REDIS_DB", "3")
	t.Setenv("KEYVAULT_LOG_LEVEL", "debug")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.API.BaseURL != "https://env.example.com" || cfg.API.Token != "tok" {
		t.Errorf("api overrides not applied: %+v", cfg.API)
	}
	if !cfg.Events.Enabled || cfg.Events.Backend != "redis" || cfg.Events.RedisDB != 3 {
		t.Errorf("events overrides not applied: %+v", cfg.Events)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug level, got %s", cfg.Logging.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("overridden config should be valid: %v", err)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.Storage.Type = "postgres"
	cfg.DeviceKey.Source = "env"
	cfg.DeviceKey.EnvVar = ""
	cfg.API.BaseURL = "ftp://nope"
	cfg.Events.Enabled = true
	cfg.Logging.Level = "verbose"

	err := cfg.Validate()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}

	want := []string{"storage.type", "device_key.env_var", "api.base_url", "events.backend", "logging.level"}
	got := strings.Join(verrs.Fields(), ",")
	for _, field := range want {
		if !strings.Contains(got, field) {
			t.Errorf("missing error for %s in %s", field, got)
		}
	}
}

func TestValidateRejectsUnknownVersion(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.Version = Version + 1
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for future version")
	}
}

func TestMigrateV1(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	writeFile(t, path, `
version = 1
[storage]
max_connections = 4
[audit]
enabled = false
[events]
backend = ""
`)

	cfg, err := NewLoader(path).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Version != Version {
		t.Errorf("expected version %d after migration, got %d", Version, cfg.Version)
	}
	if !cfg.Audit.Enabled {
		t.Error("migration should enable the audit trail")
	}
	if cfg.Storage.MaxConnections != 1 {
		t.Errorf("expected max_connections 1, got %d", cfg.Storage.MaxConnections)
	}
	if cfg.Events.Backend != "none" {
		t.Errorf("expected events backend none, got %q", cfg.Events.Backend)
	}

	history, err := GetMigrationHistory(dir)
	if err != nil {
		t.Fatalf("GetMigrationHistory failed: %v", err)
	}
	if len(history) != 1 || history[0].FromVersion != 1 || history[0].ToVersion != Version {
		t.Fatalf("unexpected history %+v", history)
	}
	if history[0].Backup == "" {
		t.Error("expected a backup of the v1 file")
	} else if _, err := os.Stat(history[0].Backup); err != nil {
		t.Errorf("backup missing: %v", err)
	}
	if len(history[0].Warnings) == 0 {
		t.Error("expected a warning about max_connections")
	}
}

func TestMigrateUnknownVersion(t *testing.T) {
	cfg := &Config{Version: 0}
	if _, err := MigrateConfig(cfg, ""); err == nil {
		t.Error("expected error for version 0")
	}
}

func TestSaveConfigRoundTripOmitsSecrets(t *testing.T) {
	isolate(t)
	for _, name := range []string{"out.toml", "out.json", "out.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			cfg := DefaultConfig()
			cfg.API.BaseURL = "https://keys.example.com"
			cfg.API.Token = "super-secret-token"
			cfg.Events.RedisPassword = "redis-secret"

			if err := SaveConfig(cfg, path); err != nil {
				t.Fatalf("SaveConfig failed: %v", err)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			if bytes.Contains(data, []byte("super-secret-token")) || bytes.Contains(data, []byte("redis-secret")) {
				t.Error("secrets must not be written to disk")
			}
			if cfg.API.Token != "super-secret-token" {
				t.Error("SaveConfig must not modify its argument")
			}

			info, err := os.Stat(path)
			if err != nil {
				t.Fatal(err)
			}
			if info.Mode().Perm() != 0600 {
				t.Errorf("expected 0600, got %o", info.Mode().Perm())
			}

			loaded, err := NewLoader(path).Load()
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if loaded.API.BaseURL != cfg.API.BaseURL {
				t.Errorf("expected base url %s, got %s", cfg.API.BaseURL, loaded.API.BaseURL)
			}
		})
	}
}

func TestLoadOrCreate(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "sub", "config.toml")

	_, created, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if !created {
		t.Error("expected file to be created")
	}

	_, created, err = LoadOrCreate(path)
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if created {
		t.Error("expected existing file to be loaded")
	}
}

func TestDiffRedactsSecrets(t *testing.T) {
	isolate(t)
	a := DefaultConfig()
	b := a.Clone()
	b.Logging.Level = "debug"
	b.API.Token = "new-token"

	changes := Diff(a, b)
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %+v", changes)
	}
	for _, c := range changes {
		if c.Setting == "api.token" && (c.New == "new-token" || c.New != "[REDACTED]") {
			t.Errorf("token change leaked: %+v", c)
		}
	}
}

func TestLoaderWatchReloads(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	writeFile(t, path, "version = 2\n[logging]\nlevel = \"info\"\n")

	loader := NewLoader(path)
	var audit bytes.Buffer
	loader.SetAuditLogger(logging.NewAuditWriter(&audit, "test"))
	if _, err := loader.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	changed := make(chan *Config, 1)
	loader.OnChange(func(old, new *Config) {
		select {
		case changed <- new:
		default:
		}
	})
	if err := loader.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer loader.Close()

	writeFile(t, path, "version = 2\n[logging]\nlevel = \"debug\"\n")

	select {
	case cfg := <-changed:
		if cfg.Logging.Level != "debug" {
			t.Errorf("expected reloaded level debug, got %s", cfg.Logging.Level)
		}
	case err := <-loader.Errors():
		t.Fatalf("watch error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	if loader.Config().Logging.Level != "debug" {
		t.Error("loader should hold the new config")
	}
	if !strings.Contains(audit.String(), `"logging.level"`) {
		t.Errorf("expected audited config change, got %s", audit.String())
	}
}

func TestLoaderKeepsConfigOnInvalidEdit(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "version = 2\n")

	loader := NewLoader(path)
	if _, err := loader.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := loader.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer loader.Close()

	writeFile(t, path, "version = 2\n[logging]\nlevel = \"loud\"\n")

	select {
	case err := <-loader.Errors():
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected validation error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for validation error")
	}
	if loader.Config().Logging.Level != "info" {
		t.Error("invalid edit must not replace the active config")
	}
}
