package keyring

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	pebble "github.com/cockroachdb/pebble"

	"github.com/sqlsec/sqlsec/pkg/keymaterial"
)

// dekPrefix namespaces wrapped-DEK entries within the pebble
// keyspace.
const dekPrefix = "dek:"

// PebbleSidecar persists the wrapped-key map in a cockroachdb/pebble
// LSM store instead of a flat file, for deployments with large
// keyrings (many table/column-scoped DEKs) where re-serializing one
// YAML file on every mint becomes wasteful.
type PebbleSidecar struct {
	db *pebble.DB
}

// OpenPebbleSidecar opens (creating if necessary) a pebble store at
// path to back a keyring sidecar.
func OpenPebbleSidecar(path string) (*PebbleSidecar, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("keyring: creating pebble sidecar dir: %w", err)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("keyring: opening pebble sidecar: %w", err)
	}
	return &PebbleSidecar{db: db}, nil
}

// Close closes the underlying pebble store.
func (s *PebbleSidecar) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type pebbleEntry struct {
	Ciphertext []byte
	Nonce      [12]byte
	KekID      string
}

func formatKey(scope string) []byte { return []byte(dekPrefix + scope) }

func (s *PebbleSidecar) Load() (map[string]keymaterial.WrappedDEK, error) {
	out := make(map[string]keymaterial.WrappedDEK)
	it, err := s.db.NewIter(nil)
	if err != nil {
		return nil, fmt.Errorf("keyring: iterating pebble sidecar: %w", err)
	}
	defer it.Close()

	prefix := []byte(dekPrefix)
	for ok := it.First(); ok; ok = it.Next() {
		key := it.Key()
		if !bytes.HasPrefix(key, prefix) {
			continue
		}
		var entry pebbleEntry
		if err := gob.NewDecoder(bytes.NewReader(it.Value())).Decode(&entry); err != nil {
			return nil, fmt.Errorf("keyring: decoding sidecar entry %s: %w", key, err)
		}
		scope := string(key[len(prefix):])
		out[scope] = keymaterial.WrappedDEK{Ciphertext: entry.Ciphertext, Nonce: entry.Nonce, KekID: keymaterial.KekID(entry.KekID)}
	}
	return out, nil
}

func (s *PebbleSidecar) Save(entries map[string]keymaterial.WrappedDEK) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for scope, wrapped := range entries {
		var buf bytes.Buffer
		entry := pebbleEntry{Ciphertext: wrapped.Ciphertext, Nonce: wrapped.Nonce, KekID: string(wrapped.KekID)}
		if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
			return fmt.Errorf("keyring: encoding sidecar entry for %s: %w", scope, err)
		}
		if err := batch.Set(formatKey(scope), buf.Bytes(), nil); err != nil {
			return fmt.Errorf("keyring: staging sidecar entry for %s: %w", scope, err)
		}
	}
	return batch.Commit(pebble.Sync)
}
