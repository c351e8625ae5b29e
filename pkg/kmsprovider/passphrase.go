package kmsprovider

import (
	"github.com/sqlsec/sqlsec/pkg/keymaterial"
	"golang.org/x/crypto/argon2"
)

// defaultSalt is the fixed salt used when no per-deployment salt is
// configured. A fixed salt means two deployments using the same
// passphrase derive the same KEK; production deployments should
// configure a per-deployment salt via NewPassphraseProviderWithSalt.
var defaultSalt = []byte("evfs-default-slt")

const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// PassphraseProvider derives a fixed KEK from a passphrase via
// Argon2id, cached after first derivation.
type PassphraseProvider struct {
	id         keymaterial.KekID
	passphrase string
	salt       []byte
	cache      cachedKEK
}

// NewPassphraseProvider derives its KEK using the fixed default salt.
func NewPassphraseProvider(id keymaterial.KekID, passphrase string) *PassphraseProvider {
	return NewPassphraseProviderWithSalt(id, passphrase, defaultSalt)
}

// NewPassphraseProviderWithSalt derives its KEK using an
// explicit, deployment-chosen salt.
func NewPassphraseProviderWithSalt(id keymaterial.KekID, passphrase string, salt []byte) *PassphraseProvider {
	return &PassphraseProvider{id: id, passphrase: passphrase, salt: salt}
}

func (p *PassphraseProvider) GetKEK() (keymaterial.KekID, []byte, error) {
	kek, err := p.cache.getOrLoad(p.derive)
	if err != nil {
		return "", nil, err
	}
	return p.id, kek, nil
}

func (p *PassphraseProvider) GetKEKByID(id keymaterial.KekID) ([]byte, error) {
	if id != p.id {
		return nil, ErrKekIDMismatch
	}
	return p.cache.getOrLoad(p.derive)
}

func (p *PassphraseProvider) derive() ([]byte, error) {
	return argon2.IDKey([]byte(p.passphrase), p.salt, argonTime, argonMemory, argonThreads, keymaterial.DEKLen), nil
}
