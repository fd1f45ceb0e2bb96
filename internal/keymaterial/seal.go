package keymaterial

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"

	"keyvault/internal/security"
)

// ErrOpen is returned when a sealed box cannot be opened with the given key.
var ErrOpen = errors.New("keymaterial: cannot open sealed box")

// SealTo encrypts msg to the X25519 public document recipientPublic using
// an anonymous NaCl box. Only the holder of the matching private key can open it.
func SealTo(recipientPublic string, msg []byte) (string, error) {
	pub, err := x25519Bytes(recipientPublic)
	if err != nil {
		return "", err
	}

	var recipient [32]byte
	copy(recipient[:], pub)

	sealed, err := box.SealAnonymous(nil, msg, &recipient, rand.Reader)
	if err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenWith decrypts a box produced by SealTo with recipient's key pair.
func OpenWith(recipient *KeyPair, sealed string) ([]byte, error) {
	pub, err := x25519Bytes(recipient.PublicKey)
	if err != nil {
		return nil, err
	}
	priv, err := x25519Bytes(recipient.PrivateKey)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(priv)

	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}

	var pubArr, privArr [32]byte
	copy(pubArr[:], pub)
	copy(privArr[:], priv)
	defer security.Wipe(privArr[:])

	out, ok := box.OpenAnonymous(nil, raw, &pubArr, &privArr)
	if !ok {
		return nil, ErrOpen
	}
	return out, nil
}

func x25519Bytes(material string) ([]byte, error) {
	doc, err := ParseDocument(material)
	if err != nil {
		return nil, err
	}
	if doc.Algorithm != AlgX25519 {
		return nil, fmt.Errorf("%w: %s is not an X25519 key", ErrWrongKeyType, doc.KeyType)
	}
	raw, err := doc.Bytes()
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: x25519 key size %d", ErrMalformedKey, len(raw))
	}
	return raw, nil
}
