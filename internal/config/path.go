package config

import (
	"log/slog"
	"os"
)

// ValidatePath checks that a config file exists and warns (via slog,
// not a fatal error) if its permissions are world-readable — a
// bootstrap config can carry a passphrase or master-key-hex, so its
// permissions matter even though this package does not refuse to
// proceed.
func ValidatePath(path string) error {
	if path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode().Perm()&0o004 != 0 {
		slog.Warn("config file is world-readable, consider restricting permissions", "path", path)
	}
	return nil
}
