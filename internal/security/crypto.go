package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Cryptographic errors
var (
	ErrInsufficientEntropy = errors.New("security: insufficient entropy")
	ErrWeakKey             = errors.New("security: key is too weak")
	ErrInvalidKeySize      = errors.New("security: invalid key size")
)

// MinKeySize is the minimum accepted symmetric key size in bytes.
const MinKeySize = 16

// KeySize is the size of every symmetric key keyvault generates.
const KeySize = 32

// labelPrefix separates keyvault derivations from any other use of the same secret.
const labelPrefix = "keyvault:"

// GenerateSecureRandom fills data with bytes from crypto/rand.
func GenerateSecureRandom(data []byte) error {
	n, err := rand.Read(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}
	if n != len(data) {
		return fmt.Errorf("%w: only got %d of %d bytes", ErrInsufficientEntropy, n, len(data))
	}
	return nil
}

// GenerateKey returns a fresh random key of the given size.
func GenerateKey(size int) ([]byte, error) {
	if size < MinKeySize {
		return nil, fmt.Errorf("%w: minimum %d bytes required", ErrInvalidKeySize, MinKeySize)
	}

	key := make([]byte, size)
	if err := GenerateSecureRandom(key); err != nil {
		return nil, err
	}
	return key, nil
}

// DeriveKey expands secret into a key of keySize bytes using HKDF-SHA256.
func DeriveKey(secret, salt, info []byte, keySize int) ([]byte, error) {
	if len(secret) < MinKeySize {
		return nil, fmt.Errorf("%w: secret is %d bytes, minimum %d required",
			ErrWeakKey, len(secret), MinKeySize)
	}
	if keySize < MinKeySize {
		return nil, fmt.Errorf("%w: minimum %d bytes required", ErrInvalidKeySize, MinKeySize)
	}

	reader := hkdf.New(sha256.New, secret, salt, info)
	derived := make([]byte, keySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return derived, nil
}

// DeriveKeyWithLabel derives a key bound to label, so the same secret can
// feed several independent keys.
func DeriveKeyWithLabel(secret []byte, label string, keySize int) ([]byte, error) {
	return DeriveKey(secret, nil, []byte(labelPrefix+label), keySize)
}

// SecureCompare reports whether a and b are equal in constant time.
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// ValidateKeyStrength rejects keys that are short, all zero or a single
// repeated byte.
func ValidateKeyStrength(key []byte) error {
	if len(key) < MinKeySize {
		return fmt.Errorf("%w: key is %d bytes, minimum %d required",
			ErrWeakKey, len(key), MinKeySize)
	}

	same := true
	for _, b := range key[1:] {
		if b != key[0] {
			same = false
			break
		}
	}
	if same {
		if key[0] == 0 {
			return fmt.Errorf("%w: key is all zeros", ErrWeakKey)
		}
		return fmt.Errorf("%w: key has repeating pattern", ErrWeakKey)
	}
	return nil
}
