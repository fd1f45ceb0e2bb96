package keystore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migration is one step of the key store schema.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Wrapped key records and peer trust records",
		Up:          migrationV1Up,
		Down:        migrationV1Down,
	},
	{
		Version:     2,
		Description: "Room key lookup index and single latest trust record per user",
		Up:          migrationV2Up,
		Down:        migrationV2Down,
	},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS wrapped_keys (
    tier            TEXT NOT NULL,
    hash            TEXT NOT NULL,
    ciphertext      TEXT NOT NULL,
    timestamp       INTEGER NOT NULL,
    room_id         TEXT,
    meta_data       TEXT,
    schema_version  INTEGER NOT NULL,
    PRIMARY KEY (tier, hash)
);

CREATE INDEX IF NOT EXISTS idx_wrapped_keys_latest ON wrapped_keys(tier, timestamp);

CREATE TABLE IF NOT EXISTS peer_trust (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id         TEXT NOT NULL,
    key_hash        TEXT NOT NULL,
    timestamp       INTEGER NOT NULL,
    latest          INTEGER NOT NULL DEFAULT 0,
    schema_version  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_peer_trust_user ON peer_trust(user_id, timestamp);
`

const migrationV1Down = `
DROP INDEX IF EXISTS idx_peer_trust_user;
DROP TABLE IF EXISTS peer_trust;
DROP INDEX IF EXISTS idx_wrapped_keys_latest;
DROP TABLE IF EXISTS wrapped_keys;
`

const migrationV2Up = `
CREATE INDEX IF NOT EXISTS idx_wrapped_keys_room ON wrapped_keys(room_id, timestamp) WHERE room_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_peer_trust_latest ON peer_trust(user_id) WHERE latest = 1;
`

const migrationV2Down = `
DROP INDEX IF EXISTS idx_peer_trust_latest;
DROP INDEX IF EXISTS idx_wrapped_keys_room;
`

// MigrateDB applies all pending migrations, each in its own transaction.
func MigrateDB(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	current, err := currentVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// RollbackMigration reverts the most recently applied migration.
func RollbackMigration(ctx context.Context, db *sql.DB) error {
	current, err := currentVersion(ctx, db)
	if err != nil {
		return err
	}
	if current == 0 {
		return fmt.Errorf("no migrations to rollback")
	}

	var m *Migration
	for i := range migrations {
		if migrations[i].Version == current {
			m = &migrations[i]
			break
		}
	}
	if m == nil {
		return fmt.Errorf("migration %d not found", current)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, m.Down); err != nil {
		tx.Rollback()
		return fmt.Errorf("rollback migration %d: %w", current, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", current); err != nil {
		tx.Rollback()
		return fmt.Errorf("remove migration record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rollback: %w", err)
	}
	return nil
}

// MigrationStatus describes applied and pending migrations.
type MigrationStatus struct {
	CurrentVersion int
	LatestVersion  int
	Pending        []Migration
}

// GetMigrationStatus reports where db stands relative to the known migrations.
func GetMigrationStatus(ctx context.Context, db *sql.DB) (*MigrationStatus, error) {
	current, err := currentVersion(ctx, db)
	if err != nil {
		return nil, err
	}
	status := &MigrationStatus{
		CurrentVersion: current,
		LatestVersion:  migrations[len(migrations)-1].Version,
	}
	for _, m := range migrations {
		if m.Version > current {
			status.Pending = append(status.Pending, m)
		}
	}
	return status, nil
}

// ValidateSchema checks that every table the store relies on exists.
func ValidateSchema(ctx context.Context, db *sql.DB) error {
	for _, table := range []string{"wrapped_keys", "peer_trust", "schema_migrations"} {
		var count int
		err := db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if count == 0 {
			return fmt.Errorf("missing required table: %s", table)
		}
	}
	return nil
}

func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("get current version: %w", err)
	}
	return v, nil
}
