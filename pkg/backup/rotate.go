package backup

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sqlsec/sqlsec/pkg/kmsprovider"
)

// RotateBackupKEK re-wraps a backup file's DEK under newProvider's
// current KEK. Only the header changes; the encrypted page region is
// copied through byte for byte, with no page decrypted or
// re-encrypted. The rewrite goes through a
// temporary file renamed into place, so a crash mid-rotation leaves
// the original backup intact.
func RotateBackupKEK(ctx context.Context, path string, oldProvider, newProvider kmsprovider.Provider) error {
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("backup: opening backup file: %w", err)
	}
	defer in.Close()

	header, err := readHeader(in)
	if err != nil {
		return err
	}

	backupDEK, err := unwrapDEK(ctx, header.WrappedDEK, oldProvider)
	if err != nil {
		return fmt.Errorf("backup: unwrapping DEK under old KEK: %w", err)
	}
	rewrapped, err := wrapDEK(ctx, backupDEK, newProvider)
	backupDEK.Zero()
	if err != nil {
		return fmt.Errorf("backup: rewrapping DEK under new KEK: %w", err)
	}
	header.WrappedDEK = rewrapped

	tmpPath := path + ".rotate"
	out, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("backup: creating rotation temp file: %w", err)
	}
	defer os.Remove(tmpPath)
	defer out.Close()

	if err := writeHeader(out, header); err != nil {
		return err
	}
	// in is positioned at the start of the page region after readHeader.
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("backup: copying page region: %w", err)
	}
	if err := out.Sync(); err != nil {
		return fmt.Errorf("backup: syncing rotated backup: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("backup: closing rotated backup: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("backup: replacing backup file: %w", err)
	}
	return nil
}
