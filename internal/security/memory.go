//go:build unix

// Package security holds the low-level helpers keyvault uses around secret
// material: HKDF derivation, constant-time comparison, wiping, mlock'd
// buffers and owner-only secret files.
package security

import (
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SecureBytes is a buffer for secrets. It is mlock'd when the process is
// allowed to and zeroed on Destroy.
type SecureBytes struct {
	data   []byte
	locked bool
	mu     sync.Mutex
}

// NewSecureBytes allocates size bytes of secret storage.
func NewSecureBytes(size int) (*SecureBytes, error) {
	sb := &SecureBytes{data: make([]byte, size)}

	// mlock needs RLIMIT_MEMLOCK headroom; running without it is acceptable.
	_ = sb.lock()

	runtime.SetFinalizer(sb, func(s *SecureBytes) {
		s.Destroy()
	})
	return sb, nil
}

// FromBytes moves data into a SecureBytes and zeroes the source slice.
func FromBytes(data []byte) (*SecureBytes, error) {
	sb, err := NewSecureBytes(len(data))
	if err != nil {
		return nil, err
	}
	copy(sb.data, data)
	Wipe(data)
	return sb, nil
}

// Bytes returns the underlying buffer. Callers must not retain it past Destroy.
func (s *SecureBytes) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Len returns the buffer length, zero after Destroy.
func (s *SecureBytes) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Destroy zeroes and unlocks the buffer. It is safe to call more than once.
func (s *SecureBytes) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return
	}
	Wipe(s.data)
	if s.locked {
		s.unlock()
	}
	s.data = nil
}

func (s *SecureBytes) lock() error {
	if len(s.data) == 0 {
		return nil
	}
	if err := unix.Mlock(s.region()); err != nil {
		return err
	}
	s.locked = true
	return nil
}

func (s *SecureBytes) unlock() {
	if len(s.data) == 0 {
		return
	}
	_ = unix.Munlock(s.region())
	s.locked = false
}

func (s *SecureBytes) region() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&s.data[0])), len(s.data))
}

// Wipe overwrites data with zeros.
func Wipe(data []byte) {
	if len(data) == 0 {
		return
	}
	for i := range data {
		data[i] = 0
	}
	runtime.KeepAlive(data)
}
