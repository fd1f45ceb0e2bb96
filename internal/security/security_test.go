package security

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestWipe(t *testing.T) {
	data := []byte("device key material")
	Wipe(data)
	for i, b := range data {
		if b != 0 {
			t.Fatalf("byte %d not wiped: %x", i, b)
		}
	}
	Wipe(nil)
}

func TestSecureBytesLifecycle(t *testing.T) {
	src := []byte("0123456789abcdef0123456789abcdef")
	sb, err := FromBytes(src)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if !bytes.Equal(src, make([]byte, len(src))) {
		t.Error("source slice should be zeroed after FromBytes")
	}
	if sb.Len() != 32 {
		t.Errorf("expected length 32, got %d", sb.Len())
	}
	if sb.Bytes()[0] != '0' {
		t.Errorf("unexpected first byte %q", sb.Bytes()[0])
	}

	sb.Destroy()
	if sb.Len() != 0 {
		t.Errorf("expected length 0 after Destroy, got %d", sb.Len())
	}
	sb.Destroy()
}

func TestGenerateKey(t *testing.T) {
	k1, err := GenerateKey(KeySize)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	k2, err := GenerateKey(KeySize)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if len(k1) != KeySize {
		t.Errorf("expected %d bytes, got %d", KeySize, len(k1))
	}
	if bytes.Equal(k1, k2) {
		t.Error("two generated keys should differ")
	}

	if _, err := GenerateKey(8); !errors.Is(err, ErrInvalidKeySize) {
		t.Errorf("expected ErrInvalidKeySize, got %v", err)
	}
}

func TestDeriveKeyWithLabel(t *testing.T) {
	secret := bytes.Repeat([]byte{0x42, 0x17}, 16)

	a, err := DeriveKeyWithLabel(secret, "codec:wrap-v1", 32)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	again, err := DeriveKeyWithLabel(secret, "codec:wrap-v1", 32)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	other, err := DeriveKeyWithLabel(secret, "other", 32)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	if !bytes.Equal(a, again) {
		t.Error("derivation should be deterministic")
	}
	if bytes.Equal(a, other) {
		t.Error("different labels should yield different keys")
	}

	if _, err := DeriveKeyWithLabel([]byte("short"), "x", 32); !errors.Is(err, ErrWeakKey) {
		t.Errorf("expected ErrWeakKey, got %v", err)
	}
}

func TestValidateKeyStrength(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{"random", []byte("a-reasonably-random-device-key!!"), false},
		{"short", []byte("short"), true},
		{"zeros", make([]byte, 32), true},
		{"repeated", bytes.Repeat([]byte{0xAA}, 32), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateKeyStrength(tc.key)
			if (err != nil) != tc.wantErr {
				t.Errorf("ValidateKeyStrength() err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestSecureCompare(t *testing.T) {
	if !SecureCompare([]byte("abc"), []byte("abc")) {
		t.Error("equal slices should compare equal")
	}
	if SecureCompare([]byte("abc"), []byte("abd")) {
		t.Error("different slices should not compare equal")
	}
}

func TestWriteAndReadSecretFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	path := filepath.Join(dir, "device.key")

	if err := WriteSecretFile(path, []byte("secret")); err != nil {
		t.Fatalf("WriteSecretFile: %v", err)
	}

	data, err := ReadSecretFile(path, 1024)
	if err != nil {
		t.Fatalf("ReadSecretFile: %v", err)
	}
	if string(data) != "secret" {
		t.Errorf("expected %q, got %q", "secret", data)
	}

	if _, err := ReadSecretFile(path, 2); !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge, got %v", err)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != PermSecretFile {
			t.Errorf("expected mode 0600, got %04o", info.Mode().Perm())
		}
	}
}

func TestReadSecretFileInsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions only")
	}
	path := filepath.Join(t.TempDir(), "loose.key")
	if err := os.WriteFile(path, []byte("secret"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadSecretFile(path, 0); !errors.Is(err, ErrInsecurePermissions) {
		t.Errorf("expected ErrInsecurePermissions, got %v", err)
	}
}

func TestEnsureSecureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	if err := EnsureSecureDir(dir); err != nil {
		t.Fatalf("EnsureSecureDir: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !info.IsDir() {
		t.Fatal("expected a directory")
	}

	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0600); err != nil {
		t.Fatal(err)
	}
	if err := EnsureSecureDir(file); !errors.Is(err, ErrNotDirectory) {
		t.Errorf("expected ErrNotDirectory, got %v", err)
	}
}
