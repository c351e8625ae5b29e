// Package logging provides the structured logger and field-redaction
// helper shared across the encrypted page store: slog plus a
// sensitive-field redaction map covering the field names this module
// actually logs near (key material, passphrases).
package logging

import (
	"log/slog"
	"os"
	"strings"
)

var sensitive = map[string]struct{}{
	"passphrase":      {},
	"master_key":      {},
	"master_key_hex":  {},
	"key_hex":         {},
	"kek":             {},
	"dek":             {},
}

// Redact returns "<redacted>" for any field whose name (case
// insensitive) is known to carry key material or a secret, and the
// value unchanged otherwise.
func Redact(field, value string) string {
	if value == "" {
		return ""
	}
	if _, ok := sensitive[strings.ToLower(field)]; ok {
		return "<redacted>"
	}
	return value
}

// New returns a JSON slog.Logger writing to stderr at the given level,
// the module's default logger construction.
func New(level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
