// Package distribution turns a freshly rotated account key into the batch
// that ships it to every other encrypted session of the user.
//
// Everything here is pure: no storage, no network. The caller verifies the
// sessions, builds the batch, and submits it.
package distribution

import (
	"errors"
	"fmt"

	"keyvault/internal/apiclient"
	"keyvault/internal/keymaterial"
)

// Errors
var (
	ErrVerification = errors.New("distribution: session verification failed")
	ErrNoEntry      = errors.New("distribution: batch has no entry for session")
	ErrInvalidInput = errors.New("distribution: invalid batch input")
)

// VerificationError names the session whose share key is not signed by the
// user's master key.
type VerificationError struct {
	SessionID string
	Err       error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("distribution: trust chain broken for session %s: %v", e.SessionID, e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// Is makes every VerificationError match ErrVerification.
func (e *VerificationError) Is(target error) bool { return target == ErrVerification }

// Eligible returns the sessions that take part in key distribution.
func Eligible(sessions []apiclient.Session) []apiclient.Session {
	var out []apiclient.Session
	for _, s := range sessions {
		if s.Encrypted {
			out = append(out, s)
		}
	}
	return out
}

// VerifySessions checks every eligible session's share key against the
// master public key. The first failure is returned; nothing is partially
// accepted.
func VerifySessions(masterPublic string, sessions []apiclient.Session) error {
	for _, s := range Eligible(sessions) {
		if err := verifySession(masterPublic, s); err != nil {
			return &VerificationError{SessionID: s.UUID, Err: err}
		}
	}
	return nil
}

func verifySession(masterPublic string, s apiclient.Session) error {
	if s.ShareKey == "" || s.ShareKeySign == "" {
		return errors.New("missing share key")
	}
	if _, err := keymaterial.ParseTyped(s.ShareKey, keymaterial.TypeShare); err != nil {
		return err
	}
	return keymaterial.Verify(masterPublic, []byte(s.ShareKey), s.ShareKeySign)
}

// BatchInput is everything BuildBatch needs.
type BatchInput struct {
	AccountKey *keymaterial.KeyPair
	Sessions   []apiclient.Session
	ShareSign  *keymaterial.KeyPair
}

// Batch is the signed fan-out of one account key.
type Batch struct {
	AccountKey           string
	AccountKeySign       string
	EncryptedAccountKeys []apiclient.SessionCiphertext
	ShareDataSign        string
}

// BuildBatch signs the account key plaintext once with the share-sign key
// and seals that same plaintext to each eligible session's share key.
// Sessions are expected to have passed VerifySessions.
func BuildBatch(in BatchInput) (*Batch, error) {
	if in.AccountKey == nil || in.AccountKey.PrivateKey == "" || in.AccountKey.PublicKey == "" {
		return nil, fmt.Errorf("%w: missing account key", ErrInvalidInput)
	}
	if in.ShareSign == nil {
		return nil, fmt.Errorf("%w: missing share-sign key", ErrInvalidInput)
	}
	if _, err := keymaterial.ParseTyped(in.AccountKey.PublicKey, keymaterial.TypeAccount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if _, err := keymaterial.ParseTyped(in.ShareSign.PrivateKey, keymaterial.TypeShareSign); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	plaintext := []byte(in.AccountKey.PrivateKey)
	sig, err := keymaterial.SignWith(in.ShareSign, plaintext)
	if err != nil {
		return nil, fmt.Errorf("sign share data: %w", err)
	}

	eligible := Eligible(in.Sessions)
	encrypted := make([]apiclient.SessionCiphertext, 0, len(eligible))
	for _, s := range eligible {
		ct, err := keymaterial.SealTo(s.ShareKey, plaintext)
		if err != nil {
			return nil, fmt.Errorf("seal for session %s: %w", s.UUID, err)
		}
		encrypted = append(encrypted, apiclient.SessionCiphertext{SessionID: s.UUID, Ciphertext: ct})
	}

	return &Batch{
		AccountKey:           in.AccountKey.PublicKey,
		AccountKeySign:       in.AccountKey.Sign,
		EncryptedAccountKeys: encrypted,
		ShareDataSign:        sig,
	}, nil
}

// Upload converts b into the request body, carrying the hash of the account
// key it replaces for the server's concurrency check.
func (b *Batch) Upload(previousAccountKeyHash string) apiclient.AccountKeyUpload {
	return apiclient.AccountKeyUpload{
		AccountKey:             b.AccountKey,
		AccountKeySign:         b.AccountKeySign,
		EncryptedAccountKeys:   b.EncryptedAccountKeys,
		ShareDataSign:          b.ShareDataSign,
		PreviousAccountKeyHash: previousAccountKeyHash,
	}
}

// Ciphertext returns the entry for sessionID.
func (b *Batch) Ciphertext(sessionID string) (string, bool) {
	for _, e := range b.EncryptedAccountKeys {
		if e.SessionID == sessionID {
			return e.Ciphertext, true
		}
	}
	return "", false
}

// OpenForSession is the receiving side: it opens this session's entry with
// the session's share key pair and returns the account key private document.
func OpenForSession(share *keymaterial.KeyPair, ciphertext string) ([]byte, error) {
	return keymaterial.OpenWith(share, ciphertext)
}

// VerifyShareData checks the batch signature over the opened plaintext.
func VerifyShareData(shareSignPublic string, plaintext []byte, sig string) error {
	return keymaterial.Verify(shareSignPublic, plaintext, sig)
}

// ReceiveInput is what a receiving session needs to accept a batch.
type ReceiveInput struct {
	// Share is this session's own share key pair.
	Share *keymaterial.KeyPair

	MasterPublic string

	// ShareSign carries the sending device's share-sign public key and the
	// master signature over it. PrivateKey is ignored.
	ShareSign keymaterial.KeyPair

	Batch     *Batch
	SessionID string
}

// Receive opens this session's copy of a distributed account key and checks
// the whole chain: the share-sign key is signed by the master key, the batch
// is signed by the share-sign key, the account key is signed by the master
// key, and the private key matches the published public key.
func Receive(in ReceiveInput) (*keymaterial.KeyPair, error) {
	if in.Share == nil || in.Batch == nil {
		return nil, fmt.Errorf("%w: missing share key or batch", ErrInvalidInput)
	}
	ct, ok := in.Batch.Ciphertext(in.SessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %w %s", ErrInvalidInput, ErrNoEntry, in.SessionID)
	}

	fail := func(err error) error {
		return &VerificationError{SessionID: in.SessionID, Err: err}
	}

	if _, err := keymaterial.ParseTyped(in.ShareSign.PublicKey, keymaterial.TypeShareSign); err != nil {
		return nil, fail(err)
	}
	if err := keymaterial.VerifyPair(&in.ShareSign, in.MasterPublic); err != nil {
		return nil, fail(err)
	}

	plaintext, err := OpenForSession(in.Share, ct)
	if err != nil {
		return nil, err
	}
	if err := VerifyShareData(in.ShareSign.PublicKey, plaintext, in.Batch.ShareDataSign); err != nil {
		return nil, fail(err)
	}

	kp := &keymaterial.KeyPair{
		PrivateKey: string(plaintext),
		PublicKey:  in.Batch.AccountKey,
		Sign:       in.Batch.AccountKeySign,
	}
	if err := keymaterial.VerifyPair(kp, in.MasterPublic); err != nil {
		return nil, fail(err)
	}
	if err := keymaterial.CheckPair(kp); err != nil {
		return nil, fail(err)
	}
	return kp, nil
}
