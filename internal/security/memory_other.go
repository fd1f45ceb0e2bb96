//go:build !unix

package security

import (
	"runtime"
	"sync"
)

// SecureBytes is a buffer for secrets, zeroed on Destroy. Memory locking is
// not available on this platform.
type SecureBytes struct {
	data []byte
	mu   sync.Mutex
}

// NewSecureBytes allocates size bytes of secret storage.
func NewSecureBytes(size int) (*SecureBytes, error) {
	sb := &SecureBytes{data: make([]byte, size)}
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

// Bytes returns the underlying buffer.
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

// Destroy zeroes the buffer.
func (s *SecureBytes) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return
	}
	Wipe(s.data)
	s.data = nil
}

// Wipe overwrites data with zeros.
func Wipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
	runtime.KeepAlive(data)
}
