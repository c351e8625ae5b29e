// Package keyring manages the per-scope DEKs for an encrypted
// database: an in-memory cache backed by a persisted sidecar of
// wrapped keys, minting new DEKs on first use and rewrapping all of
// them under a new KEK during rotation.
package keyring

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sqlsec/sqlsec/pkg/envelope"
	"github.com/sqlsec/sqlsec/pkg/keymaterial"
	"github.com/sqlsec/sqlsec/pkg/kmsprovider"
)

// SidecarStore persists wrapped DEKs keyed by their scope string. A
// flush failure is logged, never propagated as a fatal error: the
// in-memory cache remains authoritative for the life of the process
// and persistence is write-through best effort.
type SidecarStore interface {
	Load() (map[string]keymaterial.WrappedDEK, error)
	Save(map[string]keymaterial.WrappedDEK) error
}

// Keyring resolves a DEK for a given scope, minting and persisting new
// ones on demand.
type Keyring struct {
	provider kmsprovider.Provider
	sidecar  SidecarStore
	logger   *slog.Logger

	mu        sync.RWMutex
	cache     map[string]keymaterial.DEK
	persisted map[string]keymaterial.WrappedDEK
}

// New constructs a Keyring. If sidecar already has persisted entries
// they are loaded eagerly so the first DEKFor call for an existing
// scope never needs to mint a new key.
func New(provider kmsprovider.Provider, sidecar SidecarStore, logger *slog.Logger) (*Keyring, error) {
	if logger == nil {
		logger = slog.Default()
	}
	persisted, err := sidecar.Load()
	if err != nil {
		return nil, fmt.Errorf("keyring: loading sidecar: %w", err)
	}
	if persisted == nil {
		persisted = make(map[string]keymaterial.WrappedDEK)
	}
	return &Keyring{
		provider:  provider,
		sidecar:   sidecar,
		logger:    logger,
		cache:     make(map[string]keymaterial.DEK),
		persisted: persisted,
	}, nil
}

// DEKFor returns the DEK for scope, minting and persisting a new one
// under the keyring's current KEK if none exists yet. It follows a
// double-checked-lock pattern: a cache hit under a read lock avoids
// contention on the common path, and the write lock re-checks the
// cache before minting to avoid a duplicate DEK under a race.
func (k *Keyring) DEKFor(ctx context.Context, scope keymaterial.Scope) (keymaterial.DEK, error) {
	key := scope.String()

	k.mu.RLock()
	if dek, ok := k.cache[key]; ok {
		k.mu.RUnlock()
		return dek, nil
	}
	k.mu.RUnlock()

	k.mu.Lock()
	defer k.mu.Unlock()

	if dek, ok := k.cache[key]; ok {
		return dek, nil
	}

	if wrapped, ok := k.persisted[key]; ok {
		dek, err := envelope.Unwrap(ctx, wrapped, k.provider)
		if err != nil {
			return keymaterial.DEK{}, fmt.Errorf("keyring: unwrapping DEK for scope %s: %w", key, err)
		}
		k.cache[key] = dek
		return dek, nil
	}

	raw := make([]byte, keymaterial.DEKLen)
	if _, err := rand.Read(raw); err != nil {
		return keymaterial.DEK{}, fmt.Errorf("keyring: generating DEK for scope %s: %w", key, err)
	}
	dek, err := keymaterial.NewDEK(raw)
	if err != nil {
		return keymaterial.DEK{}, err
	}
	wrapped, err := envelope.Wrap(ctx, dek, k.provider)
	if err != nil {
		return keymaterial.DEK{}, fmt.Errorf("keyring: wrapping new DEK for scope %s: %w", key, err)
	}

	k.persisted[key] = wrapped
	k.cache[key] = dek
	k.flush()

	return dek, nil
}

// RewrapAll unwraps every cached/persisted DEK under the keyring's
// current provider and rewraps it under newProvider, replacing the
// persisted map atomically and flushing once. Used for O(1) KEK
// rotation: the DEKs themselves never change, only their wrapping.
func (k *Keyring) RewrapAll(ctx context.Context, newProvider kmsprovider.Provider) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	replacement := make(map[string]keymaterial.WrappedDEK, len(k.persisted))
	for key, wrapped := range k.persisted {
		dek, ok := k.cache[key]
		if !ok {
			unwrapped, err := envelope.Unwrap(ctx, wrapped, k.provider)
			if err != nil {
				return fmt.Errorf("keyring: unwrapping %s during rewrap: %w", key, err)
			}
			dek = unwrapped
			k.cache[key] = dek
		}
		rewrapped, err := envelope.Wrap(ctx, dek, newProvider)
		if err != nil {
			return fmt.Errorf("keyring: rewrapping %s: %w", key, err)
		}
		replacement[key] = rewrapped
	}

	k.persisted = replacement
	k.provider = newProvider
	k.flush()
	return nil
}

// flush persists the current wrapped-key map. Failures are logged, not
// returned: losing the sidecar write does not invalidate the
// in-memory keyring, and the next successful mint/rewrap will retry
// the write with the now-larger map.
func (k *Keyring) flush() {
	if err := k.sidecar.Save(k.persisted); err != nil {
		k.logger.Warn("keyring sidecar flush failed", "error", err)
	}
}
