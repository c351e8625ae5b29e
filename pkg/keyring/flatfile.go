package keyring

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sqlsec/sqlsec/pkg/keymaterial"
)

// FlatFileSidecar persists the wrapped-key map as a single YAML file
// alongside the database file — YAML to match this codebase's
// config-file convention and because the file is meant to be
// human-inspectable.
type FlatFileSidecar struct {
	Path string
}

type flatFileEntry struct {
	Ciphertext []byte `yaml:"ciphertext"`
	Nonce      []byte `yaml:"nonce"`
	KekID      string `yaml:"kek_id"`
}

func (s *FlatFileSidecar) Load() (map[string]keymaterial.WrappedDEK, error) {
	data, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return map[string]keymaterial.WrappedDEK{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keyring: reading sidecar %s: %w", s.Path, err)
	}

	var raw map[string]flatFileEntry
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("keyring: parsing sidecar %s: %w", s.Path, err)
	}

	out := make(map[string]keymaterial.WrappedDEK, len(raw))
	for scope, entry := range raw {
		wrapped := keymaterial.WrappedDEK{Ciphertext: entry.Ciphertext, KekID: keymaterial.KekID(entry.KekID)}
		copy(wrapped.Nonce[:], entry.Nonce)
		out[scope] = wrapped
	}
	return out, nil
}

func (s *FlatFileSidecar) Save(entries map[string]keymaterial.WrappedDEK) error {
	raw := make(map[string]flatFileEntry, len(entries))
	for scope, wrapped := range entries {
		raw[scope] = flatFileEntry{
			Ciphertext: wrapped.Ciphertext,
			Nonce:      wrapped.Nonce[:],
			KekID:      string(wrapped.KekID),
		}
	}

	data, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("keyring: encoding sidecar: %w", err)
	}
	return os.WriteFile(s.Path, data, 0o600)
}

// SidecarPath derives the conventional sidecar path for a database
// file: the database path with its extension replaced by ".keyring".
func SidecarPath(dbPath string) string {
	for i := len(dbPath) - 1; i >= 0; i-- {
		if dbPath[i] == '.' {
			return dbPath[:i] + ".keyring"
		}
		if dbPath[i] == '/' {
			break
		}
	}
	return dbPath + ".keyring"
}
