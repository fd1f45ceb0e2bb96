package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// MigrationResult contains the result of a configuration migration.
type MigrationResult struct {
	FromVersion int       `json:"from_version"`
	ToVersion   int       `json:"to_version"`
	Backup      string    `json:"backup,omitempty"`
	Changes     []string  `json:"changes,omitempty"`
	Warnings    []string  `json:"warnings,omitempty"`
	MigratedAt  time.Time `json:"migrated_at"`
}

// MigrateConfig migrates a configuration from an older version to the current version.
// It creates a backup of configPath first when configPath is non-empty.
func MigrateConfig(cfg *Config, configPath string) (*MigrationResult, error) {
	if cfg.Version >= Version {
		return nil, nil // No migration needed
	}
	if cfg.Version < 1 {
		return nil, fmt.Errorf("unknown config version %d", cfg.Version)
	}

	result := &MigrationResult{
		FromVersion: cfg.Version,
		ToVersion:   Version,
		MigratedAt:  time.Now().UTC(),
	}

	if configPath != "" {
		backup, err := backupConfig(configPath)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("could not create backup: %v", err))
		} else {
			result.Backup = backup
		}
	}

	for cfg.Version < Version {
		changes, warnings, err := applyMigration(cfg)
		if err != nil {
			return result, fmt.Errorf("migration from v%d to v%d failed: %w", cfg.Version, cfg.Version+1, err)
		}
		result.Changes = append(result.Changes, changes...)
		result.Warnings = append(result.Warnings, warnings...)
	}

	return result, nil
}

// applyMigration applies a single version upgrade.
func applyMigration(cfg *Config) (changes []string, warnings []string, err error) {
	switch cfg.Version {
	case 1:
		changes, warnings = migrateV1ToV2(cfg)
	default:
		return nil, nil, fmt.Errorf("unknown version %d", cfg.Version)
	}

	cfg.Version++
	return changes, warnings, nil
}

// migrateV1ToV2 migrates from version 1 to version 2.
// V2 made the audit trail mandatory by default, serialized SQLite access
// through a single connection and added the events section.
func migrateV1ToV2(cfg *Config) (changes []string, warnings []string) {
	if !cfg.Audit.Enabled {
		cfg.Audit.Enabled = true
		changes = append(changes, "enabled audit trail")
	}
	if cfg.Audit.FilePath == "" {
		cfg.Audit.FilePath = filepath.Join(PlatformLogDir(), "audit.log")
		changes = append(changes, "set default audit.file_path")
	}

	if cfg.Storage.Type == "sqlite" && cfg.Storage.MaxConnections != 1 {
		warnings = append(warnings, fmt.Sprintf("storage.max_connections %d replaced by 1", cfg.Storage.MaxConnections))
		cfg.Storage.MaxConnections = 1
		changes = append(changes, "set storage.max_connections to 1")
	}

	if cfg.DeviceKey.Source == "" {
		cfg.DeviceKey.Source = "file"
		changes = append(changes, "set default device_key.source")
	}

	if cfg.Events.Backend == "" {
		cfg.Events.Backend = "none"
		changes = append(changes, "added events configuration")
	}
	if cfg.Events.Channel == "" {
		cfg.Events.Channel = "keyvault-keys-updated"
	}

	return changes, warnings
}

// backupConfig creates a backup of the config file.
func backupConfig(configPath string) (string, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil // No file to backup
		}
		return "", fmt.Errorf("read config: %w", err)
	}

	timestamp := time.Now().Format("20060102-150405")
	backupPath := configPath + ".backup-" + timestamp

	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}

	return backupPath, nil
}

// SaveConfig writes cfg to path in the format implied by its extension.
// Secrets are never written; they come from the environment.
func SaveConfig(cfg *Config, path string) error {
	out := cfg.Clone()
	out.API.Token = ""
	out.Events.RedisPassword = ""

	var data []byte
	var err error

	switch filepath.Ext(path) {
	case ".json":
		data, err = json.MarshalIndent(out, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(out)
	default:
		data, err = encodeToTOML(out)
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

func encodeToTOML(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("# keyvault configuration\n")
	buf.WriteString("# Secrets (api.token, events.redis_password) belong in KEYVAULT_* environment variables.\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

const migrationHistoryFile = "migration_history.json"

// GetMigrationHistory returns the migration history stored in dir.
func GetMigrationHistory(dir string) ([]MigrationResult, error) {
	data, err := os.ReadFile(filepath.Join(dir, migrationHistoryFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read migration history: %w", err)
	}

	var history []MigrationResult
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("parse migration history: %w", err)
	}

	return history, nil
}

// SaveMigrationHistory appends a migration result to the history in dir.
func SaveMigrationHistory(dir string, result *MigrationResult) error {
	history, err := GetMigrationHistory(dir)
	if err != nil {
		history = nil // Start fresh if error
	}
	history = append(history, *result)

	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("encode migration history: %w", err)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, migrationHistoryFile), data, 0600); err != nil {
		return fmt.Errorf("write migration history: %w", err)
	}

	return nil
}
