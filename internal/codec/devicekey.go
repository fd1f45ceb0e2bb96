package codec

import (
	"encoding/base64"
	"fmt"
	"strings"

	"keyvault/internal/security"
)

// maxDeviceKeyFile bounds the size of a device key file read from disk.
const maxDeviceKeyFile = 4096

// DeviceKey is the local secret that wraps every stored key. It never leaves
// the device and is never written to the key store.
type DeviceKey struct {
	secret *security.SecureBytes
}

// NewDeviceKey takes ownership of raw and zeroes the caller's copy.
func NewDeviceKey(raw []byte) (*DeviceKey, error) {
	if err := security.ValidateKeyStrength(raw); err != nil {
		return nil, fmt.Errorf("codec: device key: %w", err)
	}
	sb, err := security.FromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("codec: device key: %w", err)
	}
	return &DeviceKey{secret: sb}, nil
}

// GenerateDeviceKey returns a new random device key.
func GenerateDeviceKey() (*DeviceKey, error) {
	raw, err := security.GenerateKey(security.KeySize)
	if err != nil {
		return nil, fmt.Errorf("codec: generate device key: %w", err)
	}
	return NewDeviceKey(raw)
}

// ParseDeviceKey decodes a base64 device key as handed over by the login flow.
func ParseDeviceKey(encoded string) (*DeviceKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("codec: decode device key: %w", err)
	}
	return NewDeviceKey(raw)
}

// LoadDeviceKeyFile reads a base64 device key from an owner-only file.
func LoadDeviceKeyFile(path string) (*DeviceKey, error) {
	data, err := security.ReadSecretFile(path, maxDeviceKeyFile)
	if err != nil {
		return nil, fmt.Errorf("codec: read device key: %w", err)
	}
	defer security.Wipe(data)
	return ParseDeviceKey(string(data))
}

// SaveDeviceKeyFile writes dk as base64 to an owner-only file.
func SaveDeviceKeyFile(path string, dk *DeviceKey) error {
	encoded := []byte(base64.StdEncoding.EncodeToString(dk.bytes()))
	defer security.Wipe(encoded)
	if err := security.WriteSecretFile(path, encoded); err != nil {
		return fmt.Errorf("codec: write device key: %w", err)
	}
	return nil
}

// Destroy wipes the key from memory.
func (dk *DeviceKey) Destroy() {
	if dk != nil && dk.secret != nil {
		dk.secret.Destroy()
	}
}

// String never reveals the key.
func (dk *DeviceKey) String() string {
	return "DeviceKey([REDACTED])"
}

func (dk *DeviceKey) bytes() []byte {
	if dk == nil || dk.secret == nil {
		return nil
	}
	return dk.secret.Bytes()
}
