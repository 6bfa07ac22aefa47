// Package secmem handles key material that must not linger in process memory.
package secmem

import (
	"crypto/subtle"
	"errors"

	"github.com/awnumar/memguard"
)

var ErrEmptyKey = errors.New("master key cannot be empty")

// Zero overwrites b in place. Callers zero plaintext buffers as soon as the
// value has been copied out or is no longer needed.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Equal is a constant-time comparison for MACs and binding hashes.
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// MasterKey keeps the store's root key inside a locked memguard enclave.
// The key only exists in addressable memory between Open and the returned
// release func.
type MasterKey struct {
	enclave *memguard.Enclave
}

// NewMasterKey seals key into an enclave and wipes the caller's copy.
func NewMasterKey(key []byte) (*MasterKey, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	return &MasterKey{enclave: memguard.NewEnclave(key)}, nil
}

// Open decrypts the enclave and returns the key bytes together with a
// release func that destroys the unlocked buffer. The returned slice is
// invalid after release.
func (m *MasterKey) Open() ([]byte, func(), error) {
	buf, err := m.enclave.Open()
	if err != nil {
		return nil, nil, err
	}
	return buf.Bytes(), buf.Destroy, nil
}
