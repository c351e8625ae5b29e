// Package kmsprovider implements the pluggable key-encryption-key
// sources the keyring and envelope codec draw from: a local keyfile, a
// passphrase-derived key, and a cloud KMS over HTTP.
package kmsprovider

import (
	"fmt"
	"sync"

	"github.com/sqlsec/sqlsec/pkg/keymaterial"
)

// Provider resolves key-encryption-key material. Implementations cache
// the KEK after first load; GetKEKByID is used during rotation and
// restore, when a backup's wrapped DEK names a KEK that may not be the
// provider's current one.
type Provider interface {
	// GetKEK returns the provider's current KEK and its id.
	GetKEK() (keymaterial.KekID, []byte, error)
	// GetKEKByID returns the KEK bytes for a specific id, erroring if
	// the provider cannot produce key material under that id.
	GetKEKByID(id keymaterial.KekID) ([]byte, error)
}

// ErrKekIDMismatch is returned by GetKEKByID when the provider only
// ever serves one fixed KEK id (local providers) and is asked for a
// different one.
var ErrKekIDMismatch = fmt.Errorf("kmsprovider: requested KEK id does not match provider's KEK")

type cachedKEK struct {
	mu  sync.Mutex
	kek []byte
}

func (c *cachedKEK) getOrLoad(load func() ([]byte, error)) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.kek != nil {
		return c.kek, nil
	}
	kek, err := load()
	if err != nil {
		return nil, err
	}
	c.kek = kek
	return c.kek, nil
}
