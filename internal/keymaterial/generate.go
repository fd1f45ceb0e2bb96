package keymaterial

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"keyvault/internal/security"
)

// ParentType returns the key type that must sign keys of type t.
// The master key has no parent.
func ParentType(t KeyType) (KeyType, bool) {
	switch t {
	case TypeIdentity, TypeShareSign, TypeAccount, TypeShare:
		return TypeMaster, true
	case TypeRoom:
		return TypeIdentity, true
	default:
		return "", false
	}
}

// GenerateMaster creates a fresh, unsigned Ed25519 master key.
func GenerateMaster(ts int64) (*KeyPair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	defer security.Wipe(priv)
	return FromEd25519(TypeMaster, priv, ts)
}

// FromEd25519 serializes an existing Ed25519 private key as an unsigned
// pair of type t. The caller keeps ownership of priv.
func FromEd25519(t KeyType, priv ed25519.PrivateKey, ts int64) (*KeyPair, error) {
	if alg, err := AlgorithmFor(t); err != nil || alg != AlgEd25519 {
		return nil, fmt.Errorf("%w: %s is not an Ed25519 key type", ErrWrongKeyType, t)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: ed25519 private key size %d", ErrMalformedKey, len(priv))
	}

	seed := priv.Seed()
	defer security.Wipe(seed)

	privDoc, err := encodeDocument(t, seed, ts)
	if err != nil {
		return nil, err
	}
	pubDoc, err := encodeDocument(t, priv.Public().(ed25519.PublicKey), ts)
	if err != nil {
		return nil, err
	}
	return &KeyPair{PrivateKey: privDoc, PublicKey: pubDoc}, nil
}

// Generate creates a key of type t and signs it with signer, which must be
// of the parent type.
func Generate(t KeyType, signer *KeyPair, ts int64) (*KeyPair, error) {
	parent, ok := ParentType(t)
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot be generated under a parent", ErrWrongKeyType, t)
	}
	if signer == nil {
		return nil, fmt.Errorf("generate %s: missing %s signer", t, parent)
	}
	if _, err := ParseTyped(signer.PrivateKey, parent); err != nil {
		return nil, fmt.Errorf("generate %s: %w", t, err)
	}

	var kp *KeyPair
	var err error
	switch t {
	case TypeIdentity, TypeShareSign:
		kp, err = generateEd25519(t, ts)
	case TypeAccount, TypeShare:
		kp, err = generateX25519(t, ts)
	case TypeRoom:
		kp, err = generateSymmetric(t, ts)
	}
	if err != nil {
		return nil, err
	}

	kp.Sign, err = SignWith(signer, []byte(kp.Signed()))
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", t, err)
	}
	return kp, nil
}

func generateEd25519(t KeyType, ts int64) (*KeyPair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate %s: %w", t, err)
	}
	defer security.Wipe(priv)
	return FromEd25519(t, priv, ts)
}

func generateX25519(t KeyType, ts int64) (*KeyPair, error) {
	priv, err := security.GenerateKey(curve25519.ScalarSize)
	if err != nil {
		return nil, fmt.Errorf("generate %s: %w", t, err)
	}
	defer security.Wipe(priv)

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive %s public key: %w", t, err)
	}

	privDoc, err := encodeDocument(t, priv, ts)
	if err != nil {
		return nil, err
	}
	pubDoc, err := encodeDocument(t, pub, ts)
	if err != nil {
		return nil, err
	}
	return &KeyPair{PrivateKey: privDoc, PublicKey: pubDoc}, nil
}

func generateSymmetric(t KeyType, ts int64) (*KeyPair, error) {
	key, err := security.GenerateKey(security.KeySize)
	if err != nil {
		return nil, fmt.Errorf("generate %s: %w", t, err)
	}
	defer security.Wipe(key)

	doc, err := encodeDocument(t, key, ts)
	if err != nil {
		return nil, err
	}
	return &KeyPair{PrivateKey: doc}, nil
}

// CheckPair reports whether kp's private half derives its public half.
func CheckPair(kp *KeyPair) error {
	priv, err := ParseDocument(kp.PrivateKey)
	if err != nil {
		return err
	}
	pub, err := ParseDocument(kp.PublicKey)
	if err != nil {
		return err
	}
	if priv.KeyType != pub.KeyType {
		return fmt.Errorf("%w: halves of different types", ErrWrongKeyType)
	}

	secret, err := priv.Bytes()
	if err != nil {
		return err
	}
	defer security.Wipe(secret)
	want, err := pub.Bytes()
	if err != nil {
		return err
	}

	var derived []byte
	switch priv.Algorithm {
	case AlgEd25519:
		if len(secret) != ed25519.SeedSize {
			return fmt.Errorf("%w: ed25519 seed size %d", ErrMalformedKey, len(secret))
		}
		key := ed25519.NewKeyFromSeed(secret)
		defer security.Wipe(key)
		derived = key.Public().(ed25519.PublicKey)
	case AlgX25519:
		derived, err = curve25519.X25519(secret, curve25519.Basepoint)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedKey, err)
		}
	default:
		return fmt.Errorf("%w: %s has no public half", ErrWrongKeyType, priv.KeyType)
	}

	if !security.SecureCompare(derived, want) {
		return fmt.Errorf("%w: public key does not match private key", ErrMalformedKey)
	}
	return nil
}
