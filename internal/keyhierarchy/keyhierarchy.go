// Package keyhierarchy manages the tiers of a user's end-to-end encryption
// keys on one device:
//   - Master: long-lived Ed25519 identity that peers verify out of band
//   - Identity, share-sign and share keys: signed by the master key
//   - Account: X25519 key signed by the master key, rotated and fanned out
//     to every other session of the user
//   - Room: symmetric per-room keys signed by the identity key
//
// Keys are stored wrapped under the device key. The latest record of a tier
// (greatest timestamp) is the only one used for new operations; older ones
// are kept to read history.
package keyhierarchy

import (
	"errors"
	"fmt"

	"keyvault/internal/keymaterial"
	"keyvault/internal/keystore"
)

// KeyPair is an unwrapped key. It only ever lives in memory.
type KeyPair = keymaterial.KeyPair

// Errors
var (
	ErrAbsent           = errors.New("keyhierarchy: key not set up")
	ErrMasterKeyExists  = errors.New("keyhierarchy: master key already exists")
	ErrCorruptRecord    = errors.New("keyhierarchy: stored key does not match its hash")
	ErrRotationConflict = errors.New("keyhierarchy: account key was rotated concurrently")
	ErrNotAccepted      = errors.New("keyhierarchy: account key accepted by server but not stored locally")
	ErrUnsupportedKey   = errors.New("keyhierarchy: unsupported private key type")
	ErrInvalidMasterKey = errors.New("keyhierarchy: invalid master key")
)

// AbsentError signals that a tier has no key yet. It is the first-run
// branch, not a failure: the caller should run the matching setup step.
type AbsentError struct {
	Tier keystore.Tier
	Hint string
}

func (e *AbsentError) Error() string {
	return fmt.Sprintf("keyhierarchy: no %s key: %s", e.Tier, e.Hint)
}

// Is makes every AbsentError match ErrAbsent.
func (e *AbsentError) Is(target error) bool { return target == ErrAbsent }

// Absence signals, one per tier.
var (
	ErrNoMasterKey    = &AbsentError{Tier: keystore.TierMaster, Hint: "create or import a master key"}
	ErrNoIdentityKey  = &AbsentError{Tier: keystore.TierIdentity, Hint: "create an identity key"}
	ErrNoShareSignKey = &AbsentError{Tier: keystore.TierShareSign, Hint: "set up a share-sign key"}
	ErrNoShareKey     = &AbsentError{Tier: keystore.TierShare, Hint: "set up a share key"}
	ErrNoAccountKey   = &AbsentError{Tier: keystore.TierAccount, Hint: "rotate the account key"}
	ErrNoRoomKey      = &AbsentError{Tier: keystore.TierRoom, Hint: "create a room key"}
)

// IsAbsent reports whether err is an absence signal rather than a failure.
func IsAbsent(err error) bool {
	return errors.Is(err, ErrAbsent)
}

func absentFor(tier keystore.Tier) error {
	switch tier {
	case keystore.TierMaster:
		return ErrNoMasterKey
	case keystore.TierIdentity:
		return ErrNoIdentityKey
	case keystore.TierShareSign:
		return ErrNoShareSignKey
	case keystore.TierShare:
		return ErrNoShareKey
	case keystore.TierAccount:
		return ErrNoAccountKey
	case keystore.TierRoom:
		return ErrNoRoomKey
	default:
		return keystore.ErrUnknownTier
	}
}

var tierTypes = map[keystore.Tier]keymaterial.KeyType{
	keystore.TierMaster:    keymaterial.TypeMaster,
	keystore.TierIdentity:  keymaterial.TypeIdentity,
	keystore.TierShareSign: keymaterial.TypeShareSign,
	keystore.TierShare:     keymaterial.TypeShare,
	keystore.TierAccount:   keymaterial.TypeAccount,
	keystore.TierRoom:      keymaterial.TypeRoom,
}

// KeyTypeOf returns the key document type stored under tier.
func KeyTypeOf(tier keystore.Tier) (keymaterial.KeyType, error) {
	kt, ok := tierTypes[tier]
	if !ok {
		return "", keystore.ErrUnknownTier
	}
	return kt, nil
}

// KeySummary describes a stored key without exposing it.
type KeySummary struct {
	Hash      string `json:"hash"`
	Timestamp int64  `json:"timestamp"`
	Latest    bool   `json:"latest"`
	RoomID    string `json:"roomId,omitempty"`
}
