// Package evfs implements the encrypted page store: a Go-idiomatic
// stand-in for the host database engine's VFS interposition point,
// transparently encrypting and decrypting main-database pages. Reads
// and writes that cover only part of a page, or span pages, are served
// page by page (writes by read-modify-write); page 1 stays plaintext
// on disk, and files of other roles pass through untouched.
package evfs

import "io"

// IOMethods is the Go-idiomatic substitute for the host engine's
// per-file I/O vtable (the C ABI's sqlite3_io_methods struct,
// populated function-pointer by function-pointer). The host engine
// has no clean way to register a Go-level VFS into a C-ABI SQL
// engine, so this interface models the file-handle contract as an
// external, given collaborator: whatever the real host engine's file
// handle exposes, adapted to this shape.
type IOMethods interface {
	io.ReaderAt
	io.WriterAt
	Truncate(size int64) error
	Sync() error
	FileSize() (int64, error)
	Lock(level int) error
	Unlock(level int) error
	CheckReservedLock() (bool, error)
	SectorSize() int
	DeviceCharacteristics() int
	FileControl(op string, arg []byte) ([]byte, error)
	Close() error
}
