package kmsprovider

import (
	"fmt"
	"os"

	"github.com/sqlsec/sqlsec/pkg/keymaterial"
)

// KeyfileProvider reads a fixed 32-byte KEK from a file path, loaded
// once and cached for the process lifetime.
type KeyfileProvider struct {
	id   keymaterial.KekID
	path string
	cache cachedKEK
}

// NewKeyfileProvider returns a provider that reads its KEK from path,
// identified by id for wrapped-DEK bookkeeping.
func NewKeyfileProvider(id keymaterial.KekID, path string) *KeyfileProvider {
	return &KeyfileProvider{id: id, path: path}
}

func (p *KeyfileProvider) GetKEK() (keymaterial.KekID, []byte, error) {
	kek, err := p.cache.getOrLoad(p.load)
	if err != nil {
		return "", nil, err
	}
	return p.id, kek, nil
}

func (p *KeyfileProvider) GetKEKByID(id keymaterial.KekID) ([]byte, error) {
	if id != p.id {
		return nil, ErrKekIDMismatch
	}
	return p.cache.getOrLoad(p.load)
}

func (p *KeyfileProvider) load() ([]byte, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("kmsprovider: reading keyfile %s: %w", p.path, err)
	}
	if len(data) != keymaterial.DEKLen {
		return nil, fmt.Errorf("kmsprovider: keyfile %s must contain exactly %d bytes, got %d", p.path, keymaterial.DEKLen, len(data))
	}
	return data, nil
}
