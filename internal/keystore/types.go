// Package keystore persists wrapped key records and peer trust records.
//
// The store only ever sees opaque ciphertext produced by the codec package;
// it never decrypts. Every record crossing the store boundary is validated
// against an embedded JSON Schema so a malformed row fails fast instead of
// propagating half-populated values.
package keystore

import (
	"context"
	"errors"
)

// SchemaVersion is the record shape version written by this package.
const SchemaVersion = 1

// Tier names a level of the key hierarchy.
type Tier string

const (
	TierMaster    Tier = "master"
	TierIdentity  Tier = "identity"
	TierAccount   Tier = "account"
	TierShareSign Tier = "shareSign"
	TierShare     Tier = "share"
	TierRoom      Tier = "room"
)

// Tiers lists every tier in hierarchy order.
func Tiers() []Tier {
	return []Tier{TierMaster, TierIdentity, TierShareSign, TierShare, TierAccount, TierRoom}
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	for _, known := range Tiers() {
		if t == known {
			return true
		}
	}
	return false
}

// Errors
var (
	ErrUnknownTier   = errors.New("keystore: unknown tier")
	ErrTierMismatch  = errors.New("keystore: record tier does not match")
	ErrInvalidRecord = errors.New("keystore: invalid record")
	ErrClosed        = errors.New("keystore: store is closed")
)

// Record is a key of some tier wrapped under the device key.
//
// Hash is the content hash of the plaintext public key material, so it stays
// stable across re-wrapping. Timestamp is in Unix milliseconds; the record
// with the greatest timestamp in a tier is the latest one.
type Record struct {
	SchemaVersion int    `json:"schemaVersion"`
	Tier          Tier   `json:"tier"`
	Hash          string `json:"hash"`
	Ciphertext    string `json:"ciphertext"`
	Timestamp     int64  `json:"timestamp"`
	RoomID        string `json:"roomId,omitempty"`
	MetaData      string `json:"metaData,omitempty"`
}

// TrustRecord is this device's decision to trust a remote user's master key.
type TrustRecord struct {
	SchemaVersion int    `json:"schemaVersion"`
	UserID        string `json:"userId"`
	KeyHash       string `json:"keyHash"`
	Timestamp     int64  `json:"timestamp"`
	Latest        bool   `json:"latest"`
}

// KeyStore stores wrapped key records per tier.
//
// GetLatest and GetLatestRoom return nil, nil when nothing is stored; absence
// is not an error. Equal timestamps are broken by the greater hash.
type KeyStore interface {
	Put(ctx context.Context, tier Tier, rec Record) error
	GetAll(ctx context.Context, tier Tier) ([]Record, error)
	GetLatest(ctx context.Context, tier Tier) (*Record, error)
	Delete(ctx context.Context, tier Tier, hash string) error
	Clear(ctx context.Context, tier Tier) error

	GetAllRoom(ctx context.Context, roomID string) ([]Record, error)
	GetLatestRoom(ctx context.Context, roomID string) (*Record, error)
}

// TrustStore stores peer trust records.
//
// PutTrust always writes rec as the latest record for its user and clears
// the latest flag of every earlier record for that user atomically.
type TrustStore interface {
	PutTrust(ctx context.Context, rec TrustRecord) error
	LatestTrust(ctx context.Context, userID string) (*TrustRecord, error)
	TrustHistory(ctx context.Context, userID string) ([]TrustRecord, error)
	TrustedUsers(ctx context.Context) ([]TrustRecord, error)
}

// Store is the full local persistence surface.
type Store interface {
	KeyStore
	TrustStore

	// ClearAll removes every key and trust record, as on logout.
	ClearAll(ctx context.Context) error
	Close() error
}

// normalize fills defaults and checks rec belongs to tier.
func normalize(tier Tier, rec *Record) error {
	if !tier.Valid() {
		return ErrUnknownTier
	}
	if rec.Tier == "" {
		rec.Tier = tier
	}
	if rec.Tier != tier {
		return ErrTierMismatch
	}
	if rec.SchemaVersion == 0 {
		rec.SchemaVersion = SchemaVersion
	}
	return validateRecord(rec)
}

func normalizeTrust(rec *TrustRecord) error {
	if rec.SchemaVersion == 0 {
		rec.SchemaVersion = SchemaVersion
	}
	rec.Latest = true
	return validateTrust(rec)
}

// latestOf picks the latest record, breaking timestamp ties by hash.
func latestOf(records []Record) *Record {
	var best *Record
	for i := range records {
		r := &records[i]
		if best == nil || r.Timestamp > best.Timestamp ||
			(r.Timestamp == best.Timestamp && r.Hash > best.Hash) {
			best = r
		}
	}
	if best == nil {
		return nil
	}
	out := *best
	return &out
}
