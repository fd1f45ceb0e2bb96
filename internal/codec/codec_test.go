package codec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type samplePayload struct {
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey"`
	Sign       string `json:"sign"`
}

func newTestDeviceKey(t *testing.T) *DeviceKey {
	t.Helper()
	dk, err := GenerateDeviceKey()
	require.NoError(t, err)
	t.Cleanup(dk.Destroy)
	return dk
}

func TestWrapUnwrap_RoundTrip(t *testing.T) {
	dk := newTestDeviceKey(t)
	in := samplePayload{PrivateKey: "priv", PublicKey: "pub", Sign: "sig"}

	ciphertext, err := Wrap(dk, in)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ciphertext, "v1."))
	assert.NotContains(t, ciphertext, "priv")

	var out samplePayload
	require.NoError(t, Unwrap(dk, ciphertext, &out))
	assert.Equal(t, in, out)
}

func TestWrapUnwrap_ArbitraryJSON(t *testing.T) {
	dk := newTestDeviceKey(t)
	values := []any{
		"plain string",
		float64(42),
		[]any{"a", float64(1), true},
		map[string]any{"nested": map[string]any{"k": "v"}},
	}

	for _, v := range values {
		ciphertext, err := Wrap(dk, v)
		require.NoError(t, err)

		var out any
		require.NoError(t, Unwrap(dk, ciphertext, &out))
		assert.Equal(t, v, out)
	}
}

func TestWrap_FreshNonce(t *testing.T) {
	dk := newTestDeviceKey(t)
	a, err := Wrap(dk, "same")
	require.NoError(t, err)
	b, err := Wrap(dk, "same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestUnwrap_WrongDeviceKey(t *testing.T) {
	dk := newTestDeviceKey(t)
	other := newTestDeviceKey(t)

	ciphertext, err := Wrap(dk, samplePayload{PrivateKey: "priv"})
	require.NoError(t, err)

	var out samplePayload
	err = Unwrap(other, ciphertext, &out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecryption))

	var decErr *DecryptionError
	require.True(t, errors.As(err, &decErr))
	assert.Empty(t, out.PrivateKey)
}

func TestUnwrap_Corrupt(t *testing.T) {
	dk := newTestDeviceKey(t)
	ciphertext, err := Wrap(dk, "payload")
	require.NoError(t, err)

	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(ciphertext, "v1."))
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	tampered := "v1." + base64.RawStdEncoding.EncodeToString(raw)

	cases := map[string]string{
		"tampered":        tampered,
		"no version":      "garbage",
		"unknown version": "v9." + strings.TrimPrefix(ciphertext, "v1."),
		"bad base64":      "v1.@@@",
		"too short":       "v1." + base64.RawStdEncoding.EncodeToString([]byte("x")),
	}
	for name, ct := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := UnwrapJSON(dk, ct)
			assert.ErrorIs(t, err, ErrDecryption)
		})
	}
}

func TestWrapJSON_RejectsInvalidJSON(t *testing.T) {
	dk := newTestDeviceKey(t)
	_, err := WrapJSON(dk, []byte("{not json"))
	assert.Error(t, err)
}

func TestDeviceKey_DestroyedKeyCannotUnwrap(t *testing.T) {
	dk, err := GenerateDeviceKey()
	require.NoError(t, err)
	ciphertext, err := Wrap(dk, "x")
	require.NoError(t, err)

	dk.Destroy()
	_, err = UnwrapJSON(dk, ciphertext)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestParseDeviceKey(t *testing.T) {
	raw := bytes.Repeat([]byte{1, 2, 3, 4}, 8)
	encoded := base64.StdEncoding.EncodeToString(raw)

	dk, err := ParseDeviceKey(encoded + "\n")
	require.NoError(t, err)
	defer dk.Destroy()
	assert.Equal(t, raw, dk.bytes())
	assert.NotContains(t, dk.String(), encoded)

	_, err = ParseDeviceKey("!!!")
	assert.Error(t, err)

	_, err = ParseDeviceKey(base64.StdEncoding.EncodeToString(make([]byte, 32)))
	assert.Error(t, err, "all-zero key must be rejected")
}

func TestDeviceKeyFile_RoundTrip(t *testing.T) {
	dk := newTestDeviceKey(t)
	path := filepath.Join(t.TempDir(), "device.key")

	require.NoError(t, SaveDeviceKeyFile(path, dk))
	loaded, err := LoadDeviceKeyFile(path)
	require.NoError(t, err)
	defer loaded.Destroy()

	ciphertext, err := Wrap(dk, "shared")
	require.NoError(t, err)
	var out string
	require.NoError(t, Unwrap(loaded, ciphertext, &out))
	assert.Equal(t, "shared", out)
}
