package keyhierarchy

import (
	"context"
	"errors"
	"fmt"

	"keyvault/internal/apiclient"
	"keyvault/internal/codec"
	"keyvault/internal/distribution"
	"keyvault/internal/events"
	"keyvault/internal/keymaterial"
	"keyvault/internal/keystore"
)

// RotationResult describes an account key the server accepted and this
// device stored.
type RotationResult struct {
	Hash         string `json:"hash"`
	PreviousHash string `json:"previousHash,omitempty"`
	Timestamp    int64  `json:"timestamp"`
	Sessions     int    `json:"sessions"`
}

// RotateAccountKey creates a new account key and distributes it to every
// encrypted session of the user.
//
// Nothing is stored until the server accepts the batch. Any failure before
// that point leaves the local store exactly as it was.
func (m *Manager) RotateAccountKey(ctx context.Context, master *KeyPair, dk *codec.DeviceKey, sessions []apiclient.Session) (*RotationResult, error) {
	if m.api == nil {
		return nil, errors.New("keyhierarchy: no key server configured")
	}
	if master == nil {
		return nil, ErrNoMasterKey
	}
	if _, err := keymaterial.ParseTyped(master.PublicKey, keymaterial.TypeMaster); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMasterKey, err)
	}

	log := m.log.WithContext(ctx)
	fail := func(stage string, err error) (*RotationResult, error) {
		log.Warn("account key rotation failed", "stage", stage, "error", err)
		m.audit.LogRotationFailed(ctx, stage, err)
		return nil, err
	}

	prev, err := m.store.GetLatest(ctx, keystore.TierAccount)
	if err != nil {
		return fail("read", fmt.Errorf("read latest account key: %w", err))
	}
	var prevHash string
	ts := m.now().UnixMilli()
	if prev != nil {
		prevHash = prev.Hash
		if prev.Timestamp >= ts {
			ts = prev.Timestamp + 1
		}
	}

	account, err := keymaterial.Generate(keymaterial.TypeAccount, master, ts)
	if err != nil {
		return fail("generate", err)
	}

	// Read fresh on every rotation; the share-sign key may have been
	// replaced since the last call.
	shareSign, _, err := m.LatestKey(ctx, keystore.TierShareSign, dk)
	if err != nil {
		return fail("share_sign", err)
	}
	if err := keymaterial.VerifyPair(shareSign, master.PublicKey); err != nil {
		return fail("share_sign", fmt.Errorf("share-sign key not signed by master key: %w", err))
	}

	if err := distribution.VerifySessions(master.PublicKey, sessions); err != nil {
		var ve *distribution.VerificationError
		if errors.As(err, &ve) {
			m.audit.LogVerificationFailed(ctx, "session:"+ve.SessionID, ve.Err)
		}
		return fail("verify", err)
	}

	batch, err := distribution.BuildBatch(distribution.BatchInput{
		AccountKey: account,
		Sessions:   sessions,
		ShareSign:  shareSign,
	})
	if err != nil {
		return fail("build", err)
	}

	if err := m.api.SubmitAccountKey(ctx, batch.Upload(prevHash)); err != nil {
		if errors.Is(err, apiclient.ErrConflict) {
			err = fmt.Errorf("%w: %w", ErrRotationConflict, err)
		}
		return fail("submit", err)
	}

	rec, err := m.persist(ctx, keystore.TierAccount, account, dk, "", "")
	if err != nil {
		return fail("persist", fmt.Errorf("%w: %w", ErrNotAccepted, err))
	}

	result := &RotationResult{
		Hash:         rec.Hash,
		PreviousHash: prevHash,
		Timestamp:    rec.Timestamp,
		Sessions:     len(batch.EncryptedAccountKeys),
	}
	log.Info("account key rotated",
		"key_hash", result.Hash,
		"previous_hash", result.PreviousHash,
		"sessions", result.Sessions,
	)
	m.audit.LogAccountKeyRotated(ctx, result.Hash, result.PreviousHash, result.Sessions)
	m.announce(ctx, events.Event{
		Type:         events.TypeAccountKeyRotated,
		Tier:         string(keystore.TierAccount),
		KeyHash:      result.Hash,
		PreviousHash: result.PreviousHash,
		Sessions:     result.Sessions,
	})
	return result, nil
}

// Rotate loads the master key, lists the user's sessions and rotates.
func (m *Manager) Rotate(ctx context.Context, dk *codec.DeviceKey) (*RotationResult, error) {
	master, _, err := m.LatestKey(ctx, keystore.TierMaster, dk)
	if err != nil {
		return nil, err
	}
	if m.api == nil {
		return nil, errors.New("keyhierarchy: no key server configured")
	}
	sessions, err := m.api.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return m.RotateAccountKey(ctx, master, dk, sessions)
}
