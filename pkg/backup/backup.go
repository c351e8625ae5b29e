// Package backup implements self-contained encrypted backup, restore,
// and verification for an encrypted page store file, plus a
// supplemental ledger of backups taken.
package backup

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"os"

	"github.com/sqlsec/sqlsec/pkg/keymaterial"
	"github.com/sqlsec/sqlsec/pkg/keyring"
	"github.com/sqlsec/sqlsec/pkg/kmsprovider"
	"github.com/sqlsec/sqlsec/pkg/pagecrypto"
)

// Magic identifies a backup file produced by this package.
var Magic = [8]byte{'E', 'V', 'F', 'S', 'B', 'K', 'U', 'P'}

// Version is the current backup format version.
const Version = 1

// maxHeaderLen bounds how large a serialized header we will read
// before giving up, guarding against a truncated or corrupt file
// claiming an implausible header length.
const maxHeaderLen = 1 << 20

// Header is the self-describing prefix of a backup file: enough to
// decrypt every page that follows without consulting the source
// database's own keyring.
type Header struct {
	Version     int
	PageSize    int
	PageCount   int64
	ReserveSize int
	WrappedDEK  keymaterial.WrappedDEK
}

// CreateBackup reads sourcePath (assumed to be page-size aligned),
// re-encrypts every page but page 1 under a freshly minted backup DEK
// wrapped by backupProvider, and writes a self-contained backup file
// to destPath. Page 1 is always plaintext on disk (pkg/evfs never
// encrypts it), so it is copied through untouched except for its
// reserve byte, which is patched to the backup's own reserve size.
func CreateBackup(ctx context.Context, sourcePath, destPath string, sourceKeyring *keyring.Keyring, backupProvider kmsprovider.Provider, pageSize, reserveSize int) error {
	raw, err := os.ReadFile(sourcePath)
	if err != nil {
		return fmt.Errorf("backup: reading source: %w", err)
	}
	if len(raw)%pageSize != 0 {
		return fmt.Errorf("backup: source size %d is not a multiple of page size %d", len(raw), pageSize)
	}
	pageCount := int64(len(raw) / pageSize)

	dekBytes, err := randomDEKBytes()
	if err != nil {
		return err
	}
	backupDEK, err := keymaterial.NewDEK(dekBytes)
	if err != nil {
		return err
	}

	wrappedBackupDEK, err := wrapDEK(ctx, backupDEK, backupProvider)
	if err != nil {
		return fmt.Errorf("backup: wrapping backup DEK: %w", err)
	}

	header := Header{
		Version:     Version,
		PageSize:    pageSize,
		PageCount:   pageCount,
		ReserveSize: reserveSize,
		WrappedDEK:  wrappedBackupDEK,
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("backup: creating destination: %w", err)
	}
	defer out.Close()

	if err := writeHeader(out, header); err != nil {
		return err
	}

	sourceDEK, err := sourceKeyring.DEKFor(ctx, keymaterial.DatabaseScope())
	if err != nil {
		return fmt.Errorf("backup: resolving source DEK: %w", err)
	}

	for i := int64(0); i < pageCount; i++ {
		pageNo := uint32(i + 1)
		page := append([]byte(nil), raw[i*int64(pageSize):(i+1)*int64(pageSize)]...)

		if pageNo == 1 {
			pagecrypto.PatchReserveByte(page, reserveSize)
		} else {
			if err := pagecrypto.DecryptPage(page, pageNo, sourceDEK.Bytes(), reserveSize); err != nil {
				return fmt.Errorf("backup: decrypting source page %d: %w", pageNo, err)
			}
			if err := pagecrypto.EncryptPage(page, pageNo, backupDEK.Bytes(), reserveSize); err != nil {
				return fmt.Errorf("backup: encrypting backup page %d: %w", pageNo, err)
			}
		}

		if _, err := out.Write(page); err != nil {
			return fmt.Errorf("backup: writing page %d: %w", pageNo, err)
		}
	}

	return nil
}

// RestoreBackup reads a backup file produced by CreateBackup and
// writes a page store at targetPath re-encrypted under targetKeyring's
// DEK, so the restored file can be opened by a live database using its
// own (possibly different) keyring. Page 1 is restored plaintext, with
// only its reserve byte patched to the backup's recorded reserve size.
func RestoreBackup(ctx context.Context, sourcePath, targetPath string, backupProvider kmsprovider.Provider, targetKeyring *keyring.Keyring) error {
	in, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("backup: opening backup file: %w", err)
	}
	defer in.Close()

	header, err := readHeader(in)
	if err != nil {
		return err
	}

	backupDEK, err := unwrapDEK(ctx, header.WrappedDEK, backupProvider)
	if err != nil {
		return fmt.Errorf("backup: unwrapping backup DEK: %w", err)
	}

	targetDEK, err := targetKeyring.DEKFor(ctx, keymaterial.DatabaseScope())
	if err != nil {
		return fmt.Errorf("backup: resolving target DEK: %w", err)
	}

	out, err := os.Create(targetPath)
	if err != nil {
		return fmt.Errorf("backup: creating target: %w", err)
	}
	defer out.Close()

	for i := int64(0); i < header.PageCount; i++ {
		pageNo := uint32(i + 1)
		page := make([]byte, header.PageSize)
		if _, err := io.ReadFull(in, page); err != nil {
			return fmt.Errorf("backup: reading page %d: %w", pageNo, err)
		}

		if pageNo == 1 {
			pagecrypto.PatchReserveByte(page, header.ReserveSize)
		} else {
			if err := pagecrypto.DecryptPage(page, pageNo, backupDEK.Bytes(), header.ReserveSize); err != nil {
				return fmt.Errorf("backup: decrypting backup page %d: %w", pageNo, err)
			}
			if err := pagecrypto.EncryptPage(page, pageNo, targetDEK.Bytes(), header.ReserveSize); err != nil {
				return fmt.Errorf("backup: re-encrypting page %d: %w", pageNo, err)
			}
		}

		if _, err := out.Write(page); err != nil {
			return fmt.Errorf("backup: writing restored page %d: %w", pageNo, err)
		}
	}

	return nil
}

// VerifyResult summarizes a VerifyBackup run.
type VerifyResult struct {
	PageCount int64
	PagesOK   int64
	PagesBad  int64
}

func writeHeader(w io.Writer, h Header) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(h); err != nil {
		return fmt.Errorf("backup: encoding header: %w", err)
	}
	if _, err := w.Write(Magic[:]); err != nil {
		return err
	}
	var lenBuf [4]byte
	putUint32(lenBuf[:], uint32(buf.Len()))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func readHeader(r io.Reader) (Header, error) {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return Header{}, fmt.Errorf("backup: reading magic: %w", err)
	}
	if magic != Magic {
		return Header{}, fmt.Errorf("backup: not a backup file (bad magic)")
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Header{}, fmt.Errorf("backup: reading header length: %w", err)
	}
	headerLen := getUint32(lenBuf[:])
	if headerLen > maxHeaderLen {
		return Header{}, fmt.Errorf("backup: header length %d exceeds sanity limit", headerLen)
	}
	headerBuf := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return Header{}, fmt.Errorf("backup: reading header: %w", err)
	}
	var h Header
	if err := gob.NewDecoder(bytes.NewReader(headerBuf)).Decode(&h); err != nil {
		return Header{}, fmt.Errorf("backup: decoding header: %w", err)
	}
	return h, nil
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
