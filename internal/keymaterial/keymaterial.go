// Package keymaterial defines the serialized form of every key in the
// hierarchy and the signing primitives that chain one tier to the next.
//
// Key material travels as JSON documents:
//
//	{"keyType":"accountKey","algorithm":"X25519","key":"<base64>","timestamp":1700000000000}
//
// and a tier is bound to its parent by a signature envelope:
//
//	{"keyHash":"<hash of signer public doc>","algorithm":"Ed25519","signature":"<base64>"}
//
// The envelope names the signer by content hash so a verifier can reject a
// signature produced by any key other than the one it expects.
package keymaterial

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// KeyType identifies which tier a document belongs to.
type KeyType string

const (
	TypeMaster    KeyType = "masterKey"
	TypeIdentity  KeyType = "identityKey"
	TypeShareSign KeyType = "shareSignKey"
	TypeAccount   KeyType = "accountKey"
	TypeShare     KeyType = "shareKey"
	TypeRoom      KeyType = "roomKey"
)

// Algorithm names the primitive a document's key is used with.
type Algorithm string

const (
	AlgEd25519   Algorithm = "Ed25519"
	AlgX25519    Algorithm = "X25519"
	AlgSymmetric Algorithm = "XChaCha20-Poly1305"
)

// AlgorithmFor returns the algorithm every key of type t uses.
func AlgorithmFor(t KeyType) (Algorithm, error) {
	switch t {
	case TypeMaster, TypeIdentity, TypeShareSign:
		return AlgEd25519, nil
	case TypeAccount, TypeShare:
		return AlgX25519, nil
	case TypeRoom:
		return AlgSymmetric, nil
	default:
		return "", fmt.Errorf("%w: unknown key type %q", ErrMalformedKey, t)
	}
}

// Errors
var (
	ErrMalformedKey     = errors.New("keymaterial: malformed key document")
	ErrWrongKeyType     = errors.New("keymaterial: unexpected key type")
	ErrMalformedSig     = errors.New("keymaterial: malformed signature envelope")
	ErrSignerMismatch   = errors.New("keymaterial: signature made by a different key")
	ErrInvalidSignature = errors.New("keymaterial: signature verification failed")
)

// Document is the JSON form of one half of a key.
type Document struct {
	KeyType   KeyType   `json:"keyType"`
	Algorithm Algorithm `json:"algorithm"`
	Key       string    `json:"key"`
	Timestamp int64     `json:"timestamp"`
}

// Signature binds a signed message to the signer's public document.
type Signature struct {
	KeyHash   string    `json:"keyHash"`
	Algorithm Algorithm `json:"algorithm"`
	Signature string    `json:"signature"`
}

// KeyPair holds the serialized halves of a key plus the parent's signature
// over PublicKey. Room keys are symmetric: PublicKey is empty and Sign
// covers PrivateKey instead.
type KeyPair struct {
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey"`
	Sign       string `json:"sign"`
}

// Hash is the content hash used to identify key material in the store and
// in signature envelopes: SHA-256 over the exact serialized bytes.
func Hash(material string) string {
	sum := sha256.Sum256([]byte(material))
	return base64.RawStdEncoding.EncodeToString(sum[:])
}

// Hash identifies the pair by its public half, or by the key itself for
// symmetric keys.
func (kp *KeyPair) Hash() string {
	if kp.PublicKey == "" {
		return Hash(kp.PrivateKey)
	}
	return Hash(kp.PublicKey)
}

// Signed returns the string the parent signature covers.
func (kp *KeyPair) Signed() string {
	if kp.PublicKey == "" {
		return kp.PrivateKey
	}
	return kp.PublicKey
}

// Public parses the public half.
func (kp *KeyPair) Public() (*Document, error) {
	return ParseDocument(kp.PublicKey)
}

// Private parses the private half.
func (kp *KeyPair) Private() (*Document, error) {
	return ParseDocument(kp.PrivateKey)
}

// Timestamp returns the creation time recorded in the key document.
func (kp *KeyPair) Timestamp() (int64, error) {
	doc, err := ParseDocument(kp.Signed())
	if err != nil {
		return 0, err
	}
	return doc.Timestamp, nil
}

// ParseDocument decodes and sanity checks a key document.
func ParseDocument(material string) (*Document, error) {
	var doc Document
	if err := json.Unmarshal([]byte(material), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	alg, err := AlgorithmFor(doc.KeyType)
	if err != nil {
		return nil, err
	}
	if doc.Algorithm != alg {
		return nil, fmt.Errorf("%w: %s key with algorithm %q", ErrMalformedKey, doc.KeyType, doc.Algorithm)
	}
	if doc.Timestamp < 0 {
		return nil, fmt.Errorf("%w: negative timestamp", ErrMalformedKey)
	}
	if _, err := doc.Bytes(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ParseTyped parses material and checks it is of type want.
func ParseTyped(material string, want KeyType) (*Document, error) {
	doc, err := ParseDocument(material)
	if err != nil {
		return nil, err
	}
	if doc.KeyType != want {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrWrongKeyType, doc.KeyType, want)
	}
	return doc, nil
}

// Bytes decodes the raw key.
func (d *Document) Bytes() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(d.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: key encoding: %v", ErrMalformedKey, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty key", ErrMalformedKey)
	}
	return raw, nil
}

func encodeDocument(t KeyType, raw []byte, ts int64) (string, error) {
	alg, err := AlgorithmFor(t)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(Document{
		KeyType:   t,
		Algorithm: alg,
		Key:       base64.StdEncoding.EncodeToString(raw),
		Timestamp: ts,
	})
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", t, err)
	}
	return string(data), nil
}

// ParseSignature decodes a signature envelope.
func ParseSignature(sig string) (*Signature, error) {
	var env Signature
	if err := json.Unmarshal([]byte(sig), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSig, err)
	}
	if env.KeyHash == "" || env.Signature == "" {
		return nil, fmt.Errorf("%w: missing fields", ErrMalformedSig)
	}
	if env.Algorithm != AlgEd25519 {
		return nil, fmt.Errorf("%w: algorithm %q", ErrMalformedSig, env.Algorithm)
	}
	return &env, nil
}
