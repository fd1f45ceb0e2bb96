package keymaterial

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"keyvault/internal/security"
)

// SignWith signs msg with signer's Ed25519 private key and returns the
// JSON signature envelope.
func SignWith(signer *KeyPair, msg []byte) (string, error) {
	doc, err := ParseDocument(signer.PrivateKey)
	if err != nil {
		return "", err
	}
	if doc.Algorithm != AlgEd25519 {
		return "", fmt.Errorf("%w: %s cannot sign", ErrWrongKeyType, doc.KeyType)
	}

	seed, err := doc.Bytes()
	if err != nil {
		return "", err
	}
	defer security.Wipe(seed)
	if len(seed) != ed25519.SeedSize {
		return "", fmt.Errorf("%w: ed25519 seed size %d", ErrMalformedKey, len(seed))
	}

	priv := ed25519.NewKeyFromSeed(seed)
	defer security.Wipe(priv)

	data, err := json.Marshal(Signature{
		KeyHash:   Hash(signer.PublicKey),
		Algorithm: AlgEd25519,
		Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(priv, msg)),
	})
	if err != nil {
		return "", fmt.Errorf("encode signature: %w", err)
	}
	return string(data), nil
}

// Verify checks that sig is a valid signature over msg made by the key
// whose public document is signerPublic.
func Verify(signerPublic string, msg []byte, sig string) error {
	env, err := ParseSignature(sig)
	if err != nil {
		return err
	}
	if env.KeyHash != Hash(signerPublic) {
		return ErrSignerMismatch
	}

	doc, err := ParseDocument(signerPublic)
	if err != nil {
		return err
	}
	if doc.Algorithm != AlgEd25519 {
		return fmt.Errorf("%w: %s cannot verify", ErrWrongKeyType, doc.KeyType)
	}
	pub, err := doc.Bytes()
	if err != nil {
		return err
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: ed25519 public key size %d", ErrMalformedKey, len(pub))
	}

	raw, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature encoding: %v", ErrMalformedSig, err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), msg, raw) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyPair checks kp's parent signature against signerPublic.
func VerifyPair(kp *KeyPair, signerPublic string) error {
	return Verify(signerPublic, []byte(kp.Signed()), kp.Sign)
}
