package evfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sqlsec/sqlsec/pkg/keymaterial"
	"github.com/sqlsec/sqlsec/pkg/keyring"
	"github.com/sqlsec/sqlsec/pkg/pagecrypto"
)

// ErrShortRead signals a read that extended past the end of the file.
// The host engine's transactional layer distinguishes this from a hard
// I/O failure: the bytes that exist are returned, the missing tail is
// not.
var ErrShortRead = errors.New("evfs: short read")

// FileContext carries everything a file handle needs to decide which
// DEK protects a given page and where its keyring sidecar lives.
// EncryptEnabled is true only for the main-database file role — the
// host engine's open-flags decide the role, an external contract this
// package does not itself parse. VFS.OpenFile sets it from the
// FileRole its caller passes; callers of NewFile set it themselves.
type FileContext struct {
	Keyring *keyring.Keyring
	// Scope is used for any page with no entry in PageScopeMap (or
	// when PageScopeMap itself is nil). The default is the
	// database-wide scope.
	Scope keymaterial.Scope
	// PageScopeMap optionally assigns specific pages (e.g. a table's
	// root page and its overflow pages) to a table/column scope, so
	// that table- or column-scoped DEKs protect only the pages that
	// belong to them.
	PageScopeMap   map[uint32]keymaterial.Scope
	PageSize       int
	ReserveSize    int
	EncryptEnabled bool
}

// EvfsFile composes an inner IOMethods with a FileContext and itself
// implements IOMethods by intercepting page-aligned I/O. Composition
// stands in for the C convention of an extended file struct that
// begins with the engine's base file struct; Go has no struct-layout
// casting.
type EvfsFile struct {
	inner IOMethods
	ctx   FileContext
}

// NewFile wraps inner with encryption governed by ctx.
func NewFile(inner IOMethods, ctx FileContext) *EvfsFile {
	return &EvfsFile{inner: inner, ctx: ctx}
}

// ReadAt decrypts page-aligned, full-page reads in place. Any other
// read — a sub-page or page-crossing range the host engine issues for
// partial-page inspection — is served page by page: each touched page
// is read in full, decrypted if needed, and the requested slice copied
// into p. Page 1 is never decrypted: its on-disk bytes are always
// plaintext (see WriteAt).
func (f *EvfsFile) ReadAt(p []byte, off int64) (int, error) {
	if !f.ctx.EncryptEnabled {
		return f.inner.ReadAt(p, off)
	}
	if f.isFullPage(len(p), off) {
		return f.readFullPage(p, off)
	}
	return f.readPartial(p, off)
}

func (f *EvfsFile) readFullPage(p []byte, off int64) (int, error) {
	n, err := f.inner.ReadAt(p, off)
	if err != nil && !isEOF(err) {
		return n, err
	}
	if n < len(p) {
		return n, ErrShortRead
	}

	pageNo := pageNumber(off, f.ctx.PageSize)
	if pageNo == 1 {
		return n, nil
	}
	if !pagecrypto.IsEncryptedPage(p, f.ctx.ReserveSize) {
		// Bootstrap: a page the host engine has extended the file to
		// but never actually written through this VFS.
		return n, nil
	}

	dek, err := f.dek(context.Background(), pageNo)
	if err != nil {
		return n, fmt.Errorf("evfs: resolving DEK for read: %w", err)
	}
	if err := pagecrypto.DecryptPage(p, pageNo, dek.Bytes(), f.ctx.ReserveSize); err != nil {
		return n, fmt.Errorf("evfs: decrypting page %d: %w", pageNo, err)
	}
	return n, nil
}

// readPartial serves a sub-page or page-crossing read. A short read at
// end of file is tolerated: the bytes that exist are returned raw
// (without decryption, since a torn tail cannot authenticate) along
// with ErrShortRead.
func (f *EvfsFile) readPartial(p []byte, off int64) (int, error) {
	pageSize := int64(f.ctx.PageSize)
	total := 0
	for total < len(p) {
		cur := off + int64(total)
		pageNo := pageNumber(cur, f.ctx.PageSize)
		pageStart := (int64(pageNo) - 1) * pageSize
		relOff := int(cur - pageStart)
		want := len(p) - total
		if avail := f.ctx.PageSize - relOff; want > avail {
			want = avail
		}

		page := make([]byte, pageSize)
		n, err := f.inner.ReadAt(page, pageStart)
		if err != nil && !isEOF(err) {
			return total, err
		}
		if n < f.ctx.PageSize {
			if relOff < n {
				total += copy(p[total:total+want], page[relOff:n])
			}
			if relOff+want > n {
				return total, ErrShortRead
			}
			continue
		}

		if pageNo != 1 && pagecrypto.IsEncryptedPage(page, f.ctx.ReserveSize) {
			dek, err := f.dek(context.Background(), pageNo)
			if err != nil {
				return total, fmt.Errorf("evfs: resolving DEK for read: %w", err)
			}
			if err := pagecrypto.DecryptPage(page, pageNo, dek.Bytes(), f.ctx.ReserveSize); err != nil {
				return total, fmt.Errorf("evfs: decrypting page %d: %w", pageNo, err)
			}
		}
		copy(p[total:total+want], page[relOff:relOff+want])
		total += want
	}
	return total, nil
}

// WriteAt encrypts page-aligned, full-page writes for every page but
// page 1. Page 1 is always written back plaintext with only byte 20
// patched to the configured reserve size, preserving the host
// engine's file-type header for offline inspection. Sub-page and
// page-crossing writes are served page by page: a segment covering a
// whole page is encrypted and written directly; a partial segment goes
// through read-modify-write so the on-disk page stays a single
// authenticated unit.
func (f *EvfsFile) WriteAt(p []byte, off int64) (int, error) {
	if !f.ctx.EncryptEnabled {
		return f.inner.WriteAt(p, off)
	}
	if f.isFullPage(len(p), off) {
		if err := f.writePage(p, pageNumber(off, f.ctx.PageSize)); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	return f.writePartial(p, off)
}

func (f *EvfsFile) writePartial(p []byte, off int64) (int, error) {
	pageSize := int64(f.ctx.PageSize)
	total := 0
	for total < len(p) {
		cur := off + int64(total)
		pageNo := pageNumber(cur, f.ctx.PageSize)
		pageStart := (int64(pageNo) - 1) * pageSize
		relOff := int(cur - pageStart)
		want := len(p) - total
		if avail := f.ctx.PageSize - relOff; want > avail {
			want = avail
		}

		var page []byte
		if want == f.ctx.PageSize {
			// The segment covers the whole page: no prior read needed.
			page = p[total : total+want]
		} else {
			page = make([]byte, pageSize)
			if err := f.readPageForUpdate(page, pageStart, pageNo); err != nil {
				return total, err
			}
			copy(page[relOff:relOff+want], p[total:total+want])
		}

		if err := f.writePage(page, pageNo); err != nil {
			return total, err
		}
		total += want
	}
	return total, nil
}

// readPageForUpdate loads an existing page's plaintext ahead of a
// read-modify-write. A page at or past the current end of file is
// treated as zero-filled: the host engine extends the file by writing
// into it.
func (f *EvfsFile) readPageForUpdate(page []byte, pageStart int64, pageNo uint32) error {
	n, err := f.inner.ReadAt(page, pageStart)
	if err != nil && !isEOF(err) {
		return fmt.Errorf("evfs: reading page %d for partial write: %w", pageNo, err)
	}
	if n < len(page) {
		for i := n; i < len(page); i++ {
			page[i] = 0
		}
		return nil
	}
	if pageNo != 1 && pagecrypto.IsEncryptedPage(page, f.ctx.ReserveSize) {
		dek, err := f.dek(context.Background(), pageNo)
		if err != nil {
			return fmt.Errorf("evfs: resolving DEK for partial write: %w", err)
		}
		if err := pagecrypto.DecryptPage(page, pageNo, dek.Bytes(), f.ctx.ReserveSize); err != nil {
			return fmt.Errorf("evfs: decrypting page %d for partial write: %w", pageNo, err)
		}
	}
	return nil
}

// writePage encrypts (or, for page 1, reserve-patches) a full
// plaintext page and writes it at its home offset. The supplied buffer
// is never modified: encryption happens on a copy.
func (f *EvfsFile) writePage(plain []byte, pageNo uint32) error {
	off := (int64(pageNo) - 1) * int64(f.ctx.PageSize)
	page := append([]byte(nil), plain...)

	if pageNo == 1 {
		pagecrypto.PatchReserveByte(page, f.ctx.ReserveSize)
	} else {
		dek, err := f.dek(context.Background(), pageNo)
		if err != nil {
			return fmt.Errorf("evfs: resolving DEK for write: %w", err)
		}
		if err := pagecrypto.EncryptPage(page, pageNo, dek.Bytes(), f.ctx.ReserveSize); err != nil {
			return fmt.Errorf("evfs: encrypting page %d: %w", pageNo, err)
		}
	}
	if _, err := f.inner.WriteAt(page, off); err != nil {
		return fmt.Errorf("evfs: writing page %d: %w", pageNo, err)
	}
	return nil
}

func (f *EvfsFile) isFullPage(n int, off int64) bool {
	return n == f.ctx.PageSize && off%int64(f.ctx.PageSize) == 0
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// scopeForPage resolves which key scope protects a page: pages named
// in PageScopeMap resolve to their mapped scope; everything else falls
// back to the file's default scope (the database scope, for a database
// with no per-table/column key separation configured).
func (f *EvfsFile) scopeForPage(pageNo uint32) keymaterial.Scope {
	if f.ctx.PageScopeMap != nil {
		if scope, ok := f.ctx.PageScopeMap[pageNo]; ok {
			return scope
		}
	}
	return f.ctx.Scope
}

func (f *EvfsFile) dek(ctx context.Context, pageNo uint32) (keymaterial.DEK, error) {
	return f.ctx.Keyring.DEKFor(ctx, f.scopeForPage(pageNo))
}

func pageNumber(off int64, pageSize int) uint32 {
	return uint32(off/int64(pageSize)) + 1
}

// FileControlReserveBytes is the file-control opcode the VFS answers
// with the configured reserve size, without consulting the inner file.
const FileControlReserveBytes = "reserve-bytes"

// FileControl answers "reserve-bytes" directly; every other opcode is
// forwarded unchanged to the inner file.
func (f *EvfsFile) FileControl(op string, arg []byte) ([]byte, error) {
	if op == FileControlReserveBytes {
		return []byte{byte(f.ctx.ReserveSize)}, nil
	}
	return f.inner.FileControl(op, arg)
}

func (f *EvfsFile) Truncate(size int64) error        { return f.inner.Truncate(size) }
func (f *EvfsFile) Sync() error                      { return f.inner.Sync() }
func (f *EvfsFile) FileSize() (int64, error)         { return f.inner.FileSize() }
func (f *EvfsFile) Lock(level int) error             { return f.inner.Lock(level) }
func (f *EvfsFile) Unlock(level int) error           { return f.inner.Unlock(level) }
func (f *EvfsFile) CheckReservedLock() (bool, error) { return f.inner.CheckReservedLock() }
func (f *EvfsFile) SectorSize() int                  { return f.inner.SectorSize() }
func (f *EvfsFile) DeviceCharacteristics() int       { return f.inner.DeviceCharacteristics() }
func (f *EvfsFile) Close() error                     { return f.inner.Close() }

// registry is the process-wide VFS name → factory map: one
// registration per VFS name, immutable after registration — a
// sync.Map enforces that with LoadOrStore.
var registry sync.Map

// Factory opens the inner file for path and wraps it in encryption.
type Factory func(path string) (*EvfsFile, error)

// Register installs factory under name. It returns an error if name is
// already registered, matching the immutable-after-registration
// invariant.
func Register(name string, factory Factory) error {
	if _, loaded := registry.LoadOrStore(name, factory); loaded {
		return fmt.Errorf("evfs: VFS %q already registered", name)
	}
	return nil
}

// Open resolves name's factory and opens path through it.
func Open(name, path string) (*EvfsFile, error) {
	v, ok := registry.Load(name)
	if !ok {
		return nil, fmt.Errorf("evfs: VFS %q not registered", name)
	}
	return v.(Factory)(path)
}
