package evfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sqlsec/sqlsec/pkg/keymaterial"
	"github.com/sqlsec/sqlsec/pkg/keyring"
	"github.com/sqlsec/sqlsec/pkg/kmsprovider"
	"github.com/sqlsec/sqlsec/pkg/pagecrypto"
)

// memMethods is an in-memory IOMethods used only by tests, standing in
// for whatever inner file handle the host engine supplies.
type memMethods struct {
	data []byte
}

func (m *memMethods) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memMethods) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	copy(m.data[off:], p)
	return len(p), nil
}

func (m *memMethods) Truncate(size int64) error                { m.data = m.data[:size]; return nil }
func (m *memMethods) Sync() error                              { return nil }
func (m *memMethods) FileSize() (int64, error)                 { return int64(len(m.data)), nil }
func (m *memMethods) Lock(int) error                           { return nil }
func (m *memMethods) Unlock(int) error                         { return nil }
func (m *memMethods) CheckReservedLock() (bool, error)         { return false, nil }
func (m *memMethods) SectorSize() int                          { return 4096 }
func (m *memMethods) DeviceCharacteristics() int               { return 0 }
func (m *memMethods) Close() error                             { return nil }
func (m *memMethods) FileControl(op string, arg []byte) ([]byte, error) {
	return nil, fmt.Errorf("memMethods: file control %q not supported", op)
}

const testReserve = 32

func newTestFile(t *testing.T, pageSize int) *EvfsFile {
	t.Helper()
	provider := kmsprovider.NewPassphraseProvider("kek-1", "test passphrase")
	sidecar := &keyring.FlatFileSidecar{Path: filepath.Join(t.TempDir(), "db.evfs-keyring")}
	kr, err := keyring.New(provider, sidecar, nil)
	if err != nil {
		t.Fatalf("keyring.New: %v", err)
	}
	inner := &memMethods{data: make([]byte, pageSize*4)}
	return NewFile(inner, FileContext{
		Keyring:        kr,
		Scope:          keymaterial.DatabaseScope(),
		PageSize:       pageSize,
		ReserveSize:    testReserve,
		EncryptEnabled: true,
	})
}

func TestFullPageRoundTrip(t *testing.T) {
	const pageSize = 4096
	f := newTestFile(t, pageSize)

	page := bytes.Repeat([]byte("x"), pageSize)
	if _, err := f.WriteAt(page, pageSize); err != nil { // page 2
		t.Fatalf("WriteAt: %v", err)
	}

	got := make([]byte, pageSize)
	if _, err := f.ReadAt(got, pageSize); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	// The reserve tail is not payload: its first TagLen bytes hold the
	// auth tag and read back zeroed, while the padding after it is kept.
	want := append([]byte(nil), page...)
	tagStart := pageSize - testReserve
	copy(want[tagStart:tagStart+pagecrypto.TagLen], make([]byte, pagecrypto.TagLen))
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch")
	}

	// The underlying bytes on "disk" must not be the plaintext.
	raw := make([]byte, pageSize)
	if _, err := f.inner.ReadAt(raw, pageSize); err != nil {
		t.Fatalf("inner ReadAt: %v", err)
	}
	if bytes.Equal(raw, page) {
		t.Fatalf("expected page 2 to be encrypted on disk")
	}
}

// TestPage1HeaderPreserved verifies page 1 is never bulk-encrypted:
// the whole page stays plaintext on disk for the life of the
// database, with only the reserve byte at offset 20 patched to the
// configured reserve size.
func TestPage1HeaderPreserved(t *testing.T) {
	const pageSize = 4096
	f := newTestFile(t, pageSize)

	page := make([]byte, pageSize)
	copy(page, "SQLite format 3\x00")
	for i := 100; i < pageSize; i++ {
		page[i] = byte(i)
	}

	if _, err := f.WriteAt(page, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	raw := make([]byte, pageSize)
	if _, err := f.inner.ReadAt(raw, 0); err != nil {
		t.Fatalf("inner ReadAt: %v", err)
	}
	if string(raw[:16]) != "SQLite format 3\x00" {
		t.Fatalf("expected page-1 header to remain plaintext on disk")
	}
	if raw[pagecrypto.ReserveOffset] != byte(testReserve) {
		t.Fatalf("expected reserve byte to be patched to %d, got %d", testReserve, raw[pagecrypto.ReserveOffset])
	}
	want := append([]byte(nil), page...)
	want[pagecrypto.ReserveOffset] = byte(testReserve)
	if !bytes.Equal(raw, want) {
		t.Fatalf("expected the whole of page 1 to remain plaintext on disk except the reserve byte")
	}

	got := make([]byte, pageSize)
	if _, err := f.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip through page 1 mismatch")
	}
}

func TestFileControlReserveBytes(t *testing.T) {
	f := newTestFile(t, 4096)
	got, err := f.FileControl(FileControlReserveBytes, nil)
	if err != nil {
		t.Fatalf("FileControl: %v", err)
	}
	if len(got) != 1 || got[0] != byte(testReserve) {
		t.Fatalf("expected reserve-bytes reply %d, got %v", testReserve, got)
	}
}

func TestEncryptDisabledPassthrough(t *testing.T) {
	const pageSize = 4096
	provider := kmsprovider.NewPassphraseProvider("kek-1", "test passphrase")
	sidecar := &keyring.FlatFileSidecar{Path: filepath.Join(t.TempDir(), "db.evfs-keyring")}
	kr, err := keyring.New(provider, sidecar, nil)
	if err != nil {
		t.Fatalf("keyring.New: %v", err)
	}
	inner := &memMethods{data: make([]byte, pageSize*4)}
	f := NewFile(inner, FileContext{Keyring: kr, Scope: keymaterial.DatabaseScope(), PageSize: pageSize})

	page := bytes.Repeat([]byte("j"), pageSize)
	if _, err := f.WriteAt(page, pageSize); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	raw := make([]byte, pageSize)
	if _, err := f.inner.ReadAt(raw, pageSize); err != nil {
		t.Fatalf("inner ReadAt: %v", err)
	}
	if !bytes.Equal(raw, page) {
		t.Fatalf("expected journal/WAL-role file to pass through unencrypted")
	}
}

func TestSubPageWriteReadModifyWrite(t *testing.T) {
	const pageSize = 4096
	f := newTestFile(t, pageSize)

	full := bytes.Repeat([]byte("a"), pageSize)
	if _, err := f.WriteAt(full, pageSize); err != nil {
		t.Fatalf("WriteAt full page: %v", err)
	}

	patch := []byte("PATCHED")
	if _, err := f.WriteAt(patch, pageSize+10); err != nil {
		t.Fatalf("WriteAt sub-page: %v", err)
	}

	got := make([]byte, pageSize)
	if _, err := f.ReadAt(got, pageSize); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got[10:10+len(patch)], patch) {
		t.Fatalf("expected sub-page patch to be visible after read-modify-write")
	}
	if !bytes.Equal(got[:10], full[:10]) {
		t.Fatalf("expected bytes outside the patch to be unchanged")
	}
}

func TestSubPageReadDecrypts(t *testing.T) {
	const pageSize = 4096
	f := newTestFile(t, pageSize)

	page := bytes.Repeat([]byte("q"), pageSize)
	if _, err := f.WriteAt(page, pageSize); err != nil { // page 2
		t.Fatalf("WriteAt: %v", err)
	}

	got := make([]byte, 100)
	if _, err := f.ReadAt(got, pageSize+500); err != nil {
		t.Fatalf("ReadAt sub-page: %v", err)
	}
	if !bytes.Equal(got, page[500:600]) {
		t.Fatalf("expected sub-page read to return decrypted plaintext")
	}
}

func TestCrossPageReadAndWrite(t *testing.T) {
	const pageSize = 4096
	f := newTestFile(t, pageSize)

	for pageNo := 2; pageNo <= 3; pageNo++ {
		page := bytes.Repeat([]byte{byte('0' + pageNo)}, pageSize)
		if _, err := f.WriteAt(page, int64(pageNo-1)*pageSize); err != nil {
			t.Fatalf("WriteAt page %d: %v", pageNo, err)
		}
	}

	// A write straddling the page 2/3 boundary must patch both pages.
	patch := bytes.Repeat([]byte("Z"), 200)
	straddle := int64(2*pageSize) - 100
	if _, err := f.WriteAt(patch, straddle); err != nil {
		t.Fatalf("WriteAt cross-page: %v", err)
	}

	got := make([]byte, 200)
	if _, err := f.ReadAt(got, straddle); err != nil {
		t.Fatalf("ReadAt cross-page: %v", err)
	}
	// The first 100 bytes of the patch land in page 2's last 100 bytes,
	// which include its reserve tail: the auth tag there reads back
	// zeroed, the padding after it reads back as written.
	want := append([]byte(nil), patch...)
	tagStart := 100 - testReserve
	copy(want[tagStart:tagStart+pagecrypto.TagLen], make([]byte, pagecrypto.TagLen))
	if !bytes.Equal(got, want) {
		t.Fatalf("cross-page round trip mismatch")
	}

	// Bytes on either side of the straddled range must be unchanged.
	page2 := make([]byte, pageSize)
	if _, err := f.ReadAt(page2, pageSize); err != nil {
		t.Fatalf("ReadAt page 2: %v", err)
	}
	if page2[pageSize-101] != '2' {
		t.Fatalf("expected page 2 bytes before the patch to be unchanged")
	}
	page3 := make([]byte, pageSize)
	if _, err := f.ReadAt(page3, 2*pageSize); err != nil {
		t.Fatalf("ReadAt page 3: %v", err)
	}
	if page3[100] != '3' {
		t.Fatalf("expected page 3 bytes after the patch to be unchanged")
	}
}

func TestShortReadAtEndOfFile(t *testing.T) {
	const pageSize = 4096
	f := newTestFile(t, pageSize)

	got := make([]byte, 100)
	n, err := f.ReadAt(got, int64(4*pageSize)-50)
	if !errors.Is(err, ErrShortRead) {
		t.Fatalf("expected ErrShortRead past end of file, got n=%d err=%v", n, err)
	}
	if n != 50 {
		t.Fatalf("expected the 50 existing bytes to be returned, got %d", n)
	}

	full := make([]byte, pageSize)
	if _, err := f.ReadAt(full, 4*pageSize); !errors.Is(err, ErrShortRead) {
		t.Fatalf("expected ErrShortRead for a full-page read past EOF, got %v", err)
	}
}

func TestOpenFileCreatesHeaderPage(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "app.db")

	v := &VFS{
		Name:        "evfs-test",
		Provider:    kmsprovider.NewPassphraseProvider("kek-1", "test passphrase"),
		PageSize:    4096,
		ReserveSize: testReserve,
	}
	f, err := v.OpenFile(dbPath, RoleMainDB)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer f.Close()

	raw, err := os.ReadFile(dbPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(raw) != 4096 {
		t.Fatalf("expected a freshly created database to hold exactly page 1, got %d bytes", len(raw))
	}
	if !pagecrypto.IsPlaintextHeader(raw) {
		t.Fatalf("expected page 1 to carry the plaintext file-type header")
	}
	if raw[pagecrypto.ReserveOffset] != byte(testReserve) {
		t.Fatalf("expected reserve byte %d at offset %d, got %d", testReserve, pagecrypto.ReserveOffset, raw[pagecrypto.ReserveOffset])
	}
	if raw[pagecrypto.HeaderLen] != 0x0D {
		t.Fatalf("expected an empty leaf table root page after the header")
	}

	// The sidecar must be bound next to the database file for the
	// main-database role only.
	if _, err := f.dek(context.Background(), 2); err != nil {
		t.Fatalf("dek: %v", err)
	}
	if _, err := os.Stat(keyring.SidecarPath(dbPath)); err != nil {
		t.Fatalf("expected keyring sidecar next to the database: %v", err)
	}

	j, err := v.OpenFile(filepath.Join(dir, "app.db-journal"), RoleJournal)
	if err != nil {
		t.Fatalf("OpenFile journal: %v", err)
	}
	defer j.Close()
	if j.ctx.EncryptEnabled || j.ctx.Keyring != nil {
		t.Fatalf("expected journal-role file to carry no encryption state")
	}
}
