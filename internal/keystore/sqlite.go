package keystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"keyvault/internal/security"
)

// SQLiteStore is the durable Store backed by a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// Options tunes the SQLite connection.
type Options struct {
	BusyTimeoutMs  int
	MaxConnections int
}

// Open opens or creates the key store at path and applies migrations.
func Open(ctx context.Context, path string, opts Options) (*SQLiteStore, error) {
	if err := security.EnsureSecureDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	busy := opts.BusyTimeoutMs
	if busy <= 0 {
		busy = 5000
	}
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", path, busy)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if opts.MaxConnections > 0 {
		db.SetMaxOpenConns(opts.MaxConnections)
	}

	if err := MigrateDB(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the handle for migration tooling.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Put upserts rec under tier, keyed by its hash.
func (s *SQLiteStore) Put(ctx context.Context, tier Tier, rec Record) error {
	if err := normalize(tier, &rec); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wrapped_keys (tier, hash, ciphertext, timestamp, room_id, meta_data, schema_version)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tier, hash) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			timestamp = excluded.timestamp,
			room_id = excluded.room_id,
			meta_data = excluded.meta_data,
			schema_version = excluded.schema_version`,
		string(rec.Tier), rec.Hash, rec.Ciphertext, rec.Timestamp,
		nullString(rec.RoomID), nullString(rec.MetaData), rec.SchemaVersion,
	)
	if err != nil {
		return fmt.Errorf("put %s key: %w", tier, err)
	}
	return nil
}

// GetAll returns every record of tier, oldest first.
func (s *SQLiteStore) GetAll(ctx context.Context, tier Tier) ([]Record, error) {
	if !tier.Valid() {
		return nil, ErrUnknownTier
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT tier, hash, ciphertext, timestamp, room_id, meta_data, schema_version
		FROM wrapped_keys
		WHERE tier = ?
		ORDER BY timestamp ASC, hash ASC`, string(tier),
	)
	if err != nil {
		return nil, fmt.Errorf("query %s keys: %w", tier, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// GetLatest returns the newest record of tier, or nil when there is none.
func (s *SQLiteStore) GetLatest(ctx context.Context, tier Tier) (*Record, error) {
	if !tier.Valid() {
		return nil, ErrUnknownTier
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT tier, hash, ciphertext, timestamp, room_id, meta_data, schema_version
		FROM wrapped_keys
		WHERE tier = ?
		ORDER BY timestamp DESC, hash DESC
		LIMIT 1`, string(tier),
	)
	return scanLatest(row, tier)
}

// Delete removes one record. Deleting a missing hash is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, tier Tier, hash string) error {
	if !tier.Valid() {
		return ErrUnknownTier
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM wrapped_keys WHERE tier = ? AND hash = ?", string(tier), hash,
	); err != nil {
		return fmt.Errorf("delete %s key: %w", tier, err)
	}
	return nil
}

// Clear removes every record of tier.
func (s *SQLiteStore) Clear(ctx context.Context, tier Tier) error {
	if !tier.Valid() {
		return ErrUnknownTier
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM wrapped_keys WHERE tier = ?", string(tier)); err != nil {
		return fmt.Errorf("clear %s keys: %w", tier, err)
	}
	return nil
}

// GetAllRoom returns every key of one room, oldest first.
func (s *SQLiteStore) GetAllRoom(ctx context.Context, roomID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tier, hash, ciphertext, timestamp, room_id, meta_data, schema_version
		FROM wrapped_keys
		WHERE tier = ? AND room_id = ?
		ORDER BY timestamp ASC, hash ASC`, string(TierRoom), roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("query room keys: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// GetLatestRoom returns the newest key of one room, or nil.
func (s *SQLiteStore) GetLatestRoom(ctx context.Context, roomID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tier, hash, ciphertext, timestamp, room_id, meta_data, schema_version
		FROM wrapped_keys
		WHERE tier = ? AND room_id = ?
		ORDER BY timestamp DESC, hash DESC
		LIMIT 1`, string(TierRoom), roomID,
	)
	return scanLatest(row, TierRoom)
}

// PutTrust records rec as the latest trust decision for its user,
// superseding the previous one in the same transaction.
func (s *SQLiteStore) PutTrust(ctx context.Context, rec TrustRecord) error {
	if err := normalizeTrust(&rec); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE peer_trust SET latest = 0 WHERE user_id = ? AND latest = 1", rec.UserID,
	); err != nil {
		return fmt.Errorf("supersede trust: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO peer_trust (user_id, key_hash, timestamp, latest, schema_version)
		VALUES (?, ?, ?, 1, ?)`,
		rec.UserID, rec.KeyHash, rec.Timestamp, rec.SchemaVersion,
	); err != nil {
		return fmt.Errorf("insert trust: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// LatestTrust returns the active trust record for userID, or nil.
func (s *SQLiteStore) LatestTrust(ctx context.Context, userID string) (*TrustRecord, error) {
	var rec TrustRecord
	var latest int
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, key_hash, timestamp, latest, schema_version
		FROM peer_trust
		WHERE user_id = ? AND latest = 1`, userID,
	).Scan(&rec.UserID, &rec.KeyHash, &rec.Timestamp, &latest, &rec.SchemaVersion)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get trust: %w", err)
	}
	rec.Latest = latest == 1

	if err := validateTrust(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// TrustHistory returns every trust record for userID, oldest first.
func (s *SQLiteStore) TrustHistory(ctx context.Context, userID string) ([]TrustRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, key_hash, timestamp, latest, schema_version
		FROM peer_trust
		WHERE user_id = ?
		ORDER BY id ASC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query trust history: %w", err)
	}
	defer rows.Close()

	return scanTrust(rows)
}

// TrustedUsers returns the latest trust record of every trusted user.
func (s *SQLiteStore) TrustedUsers(ctx context.Context) ([]TrustRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, key_hash, timestamp, latest, schema_version
		FROM peer_trust
		WHERE latest = 1
		ORDER BY user_id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query trusted users: %w", err)
	}
	defer rows.Close()

	return scanTrust(rows)
}

// ClearAll removes every key and trust record.
func (s *SQLiteStore) ClearAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM wrapped_keys"); err != nil {
		return fmt.Errorf("clear keys: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM peer_trust"); err != nil {
		return fmt.Errorf("clear trust: %w", err)
	}
	return tx.Commit()
}

func scanLatest(row *sql.Row, tier Tier) (*Record, error) {
	var rec Record
	var roomID, metaData sql.NullString
	var rowTier string
	err := row.Scan(&rowTier, &rec.Hash, &rec.Ciphertext, &rec.Timestamp, &roomID, &metaData, &rec.SchemaVersion)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest %s key: %w", tier, err)
	}
	rec.Tier = Tier(rowTier)
	rec.RoomID = roomID.String
	rec.MetaData = metaData.String

	if err := validateRecord(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var rec Record
		var roomID, metaData sql.NullString
		var tier string
		if err := rows.Scan(&tier, &rec.Hash, &rec.Ciphertext, &rec.Timestamp, &roomID, &metaData, &rec.SchemaVersion); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		rec.Tier = Tier(tier)
		rec.RoomID = roomID.String
		rec.MetaData = metaData.String

		if err := validateRecord(&rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return records, nil
}

func scanTrust(rows *sql.Rows) ([]TrustRecord, error) {
	var records []TrustRecord
	for rows.Next() {
		var rec TrustRecord
		var latest int
		if err := rows.Scan(&rec.UserID, &rec.KeyHash, &rec.Timestamp, &latest, &rec.SchemaVersion); err != nil {
			return nil, fmt.Errorf("scan trust: %w", err)
		}
		rec.Latest = latest == 1

		if err := validateTrust(&rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trust: %w", err)
	}
	return records, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
