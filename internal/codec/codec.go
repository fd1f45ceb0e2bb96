// Package codec wraps key material under the device key for storage at rest.
//
// Wrapped values are versioned envelopes of the form "v1.<base64>", where the
// payload is an XChaCha20-Poly1305 nonce followed by the sealed JSON
// plaintext. The codec does not interpret the plaintext.
package codec

import (
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"keyvault/internal/security"
)

const (
	envelopeVersion = "v1"
	wrapLabel       = "codec:wrap-v1"
)

// ErrDecryption matches every *DecryptionError.
var ErrDecryption = errors.New("codec: decryption failed")

// DecryptionError reports that a ciphertext could not be opened with the
// given device key. It is never returned for an empty store.
type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("codec: decryption failed: %s: %v", e.Reason, e.Err)
	}
	return "codec: decryption failed: " + e.Reason
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrDecryption) hold for any DecryptionError.
func (e *DecryptionError) Is(target error) bool { return target == ErrDecryption }

// Wrap JSON-encodes v and seals it under dk.
func Wrap(dk *DeviceKey, v any) (string, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("codec: encode plaintext: %w", err)
	}
	defer security.Wipe(plaintext)
	return WrapJSON(dk, plaintext)
}

// WrapJSON seals an already encoded JSON document under dk.
func WrapJSON(dk *DeviceKey, plaintext []byte) (string, error) {
	if !json.Valid(plaintext) {
		return "", errors.New("codec: plaintext is not valid JSON")
	}

	aead, err := newAEAD(dk)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if err := security.GenerateSecureRandom(nonce); err != nil {
		return "", fmt.Errorf("codec: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, []byte(envelopeVersion))

	return envelopeVersion + "." + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Unwrap opens ciphertext with dk and decodes the JSON plaintext into v.
func Unwrap(dk *DeviceKey, ciphertext string, v any) error {
	plaintext, err := UnwrapJSON(dk, ciphertext)
	if err != nil {
		return err
	}
	defer security.Wipe(plaintext)

	if err := json.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("codec: decode plaintext: %w", err)
	}
	return nil
}

// UnwrapJSON opens ciphertext with dk and returns the raw JSON plaintext.
// The caller should wipe the result once done.
func UnwrapJSON(dk *DeviceKey, ciphertext string) ([]byte, error) {
	version, payload, ok := strings.Cut(ciphertext, ".")
	if !ok {
		return nil, &DecryptionError{Reason: "malformed envelope"}
	}
	if version != envelopeVersion {
		return nil, &DecryptionError{Reason: fmt.Sprintf("unsupported envelope version %q", version)}
	}

	sealed, err := base64.RawStdEncoding.DecodeString(payload)
	if err != nil {
		return nil, &DecryptionError{Reason: "malformed payload", Err: err}
	}

	aead, err := newAEAD(dk)
	if err != nil {
		return nil, &DecryptionError{Reason: "unusable device key", Err: err}
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, &DecryptionError{Reason: "ciphertext too short"}
	}

	nonce, body := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, body, []byte(envelopeVersion))
	if err != nil {
		return nil, &DecryptionError{Reason: "wrong device key or corrupt ciphertext", Err: err}
	}
	return plaintext, nil
}

func newAEAD(dk *DeviceKey) (cipher.AEAD, error) {
	secret := dk.bytes()
	if len(secret) == 0 {
		return nil, errors.New("codec: device key is not available")
	}

	key, err := security.DeriveKeyWithLabel(secret, wrapLabel, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("codec: derive wrap key: %w", err)
	}
	defer security.Wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("codec: init cipher: %w", err)
	}
	return aead, nil
}
