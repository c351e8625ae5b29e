package evfs

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/sqlsec/sqlsec/pkg/keymaterial"
	"github.com/sqlsec/sqlsec/pkg/keyring"
	"github.com/sqlsec/sqlsec/pkg/kmsprovider"
	"github.com/sqlsec/sqlsec/pkg/pagecrypto"
)

// FileRole is the host engine's categorization of an opened file,
// derived from its open-flag set. Only the main-database role
// encrypts; every other role passes through unmodified, since journal,
// WAL and temp content flows through the same VFS but belongs to the
// host engine's transactional machinery, not the page store.
type FileRole int

const (
	RoleMainDB FileRole = iota
	RoleJournal
	RoleWAL
	RoleTemp
)

// VFS binds a KMS provider and page geometry under a name. One VFS
// serves many files; each main-database file gets its own Keyring
// bound to a sidecar next to the database file, while journal/WAL/temp
// opens share the VFS but carry no key material at all.
type VFS struct {
	Name        string
	Provider    kmsprovider.Provider
	PageSize    int
	ReserveSize int
	Logger      *slog.Logger
}

// OpenFile opens path under the given role. For the main-database
// role: the keyring's sidecar is bound next to the database file, and
// a freshly created (zero-length) file gets a validly formed page 1
// pre-written — the plaintext file-type header carrying the configured
// reserve size, followed by an empty table root page. Non-main roles
// get a pass-through handle with no keyring bound.
func (v *VFS) OpenFile(path string, role FileRole) (*EvfsFile, error) {
	inner, err := OpenOSMethods(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("evfs: opening %s: %w", path, err)
	}

	fctx := FileContext{
		PageSize:    v.PageSize,
		ReserveSize: v.ReserveSize,
	}
	if role != RoleMainDB {
		return NewFile(inner, fctx), nil
	}

	sidecar := &keyring.FlatFileSidecar{Path: keyring.SidecarPath(path)}
	kr, err := keyring.New(v.Provider, sidecar, v.Logger)
	if err != nil {
		inner.Close()
		return nil, fmt.Errorf("evfs: binding keyring for %s: %w", path, err)
	}
	fctx.Keyring = kr
	fctx.Scope = keymaterial.DatabaseScope()
	fctx.EncryptEnabled = true

	size, err := inner.FileSize()
	if err != nil {
		inner.Close()
		return nil, fmt.Errorf("evfs: sizing %s: %w", path, err)
	}
	if size == 0 {
		page1 := pagecrypto.NewHeaderPage(v.PageSize, v.ReserveSize)
		if _, err := inner.WriteAt(page1, 0); err != nil {
			inner.Close()
			return nil, fmt.Errorf("evfs: pre-writing page 1 of %s: %w", path, err)
		}
	}
	return NewFile(inner, fctx), nil
}

// RegisterVFS installs v under its name in the process-wide registry;
// Open(v.Name, path) then opens main-database files through it.
func (v *VFS) RegisterVFS() error {
	return Register(v.Name, func(path string) (*EvfsFile, error) {
		return v.OpenFile(path, RoleMainDB)
	})
}
