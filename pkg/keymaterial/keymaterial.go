// Package keymaterial defines the key types shared across the
// encrypted page store: raw data encryption keys, their wrapped
// (KMS-protected) form, key-encryption-key identifiers, and the
// per-scope addressing scheme used to mint one DEK per database,
// table, or column.
package keymaterial

import (
	"crypto/subtle"
	"fmt"
)

// DEKLen is the length in bytes of a data encryption key.
const DEKLen = 32

// DEK is a raw 32-byte data encryption key. Its String/GoString always
// print a fixed redacted literal so a DEK never leaks into a log line
// or test failure message by accident.
type DEK struct {
	bytes [DEKLen]byte
}

// NewDEK wraps raw key bytes as a DEK. raw must be exactly DEKLen bytes.
func NewDEK(raw []byte) (DEK, error) {
	var d DEK
	if len(raw) != DEKLen {
		return d, fmt.Errorf("keymaterial: DEK must be %d bytes, got %d", DEKLen, len(raw))
	}
	copy(d.bytes[:], raw)
	return d, nil
}

// Bytes returns a copy of the raw key material.
func (d DEK) Bytes() []byte {
	out := make([]byte, DEKLen)
	copy(out, d.bytes[:])
	return out
}

// Equal performs a constant-time comparison of two DEKs.
func (d DEK) Equal(other DEK) bool {
	return subtle.ConstantTimeCompare(d.bytes[:], other.bytes[:]) == 1
}

// Zero overwrites the key material in place. Go has no destructors, so
// callers that mint a short-lived DEK (e.g. during rewrap) must call
// Zero explicitly when done with it.
func (d *DEK) Zero() {
	for i := range d.bytes {
		d.bytes[i] = 0
	}
}

func (d DEK) String() string   { return "DEK(***)" }
func (d DEK) GoString() string { return "DEK(***)" }

// KekID identifies a key-encryption-key, as returned by a KMS
// provider. For cloud providers this is frequently the provider's own
// ciphertext blob, not a short name.
type KekID string

// WrappedDEK is a DEK encrypted ("wrapped") under a KEK, ready to
// persist in a keyring sidecar.
type WrappedDEK struct {
	Ciphertext []byte
	Nonce      [12]byte
	KekID      KekID
}

// Scope identifies which object a DEK protects: the whole database, a
// single table, or a single column within a table.
type Scope struct {
	kind   scopeKind
	table  string
	column string
}

type scopeKind int

const (
	scopeDatabase scopeKind = iota
	scopeTable
	scopeColumn
)

// DatabaseScope returns the scope covering the whole database.
func DatabaseScope() Scope { return Scope{kind: scopeDatabase} }

// TableScope returns the scope covering one table.
func TableScope(table string) Scope { return Scope{kind: scopeTable, table: table} }

// ColumnScope returns the scope covering one column of one table.
func ColumnScope(table, column string) Scope {
	return Scope{kind: scopeColumn, table: table, column: column}
}

// String renders the scope the way it is persisted as a keyring map
// key: "database", "table:<name>", or "column:<table>.<column>".
func (s Scope) String() string {
	switch s.kind {
	case scopeTable:
		return fmt.Sprintf("table:%s", s.table)
	case scopeColumn:
		return fmt.Sprintf("column:%s.%s", s.table, s.column)
	default:
		return "database"
	}
}
