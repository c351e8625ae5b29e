// Package pagecrypto implements the AEAD page codec: per-page
// authenticated encryption keyed by a deterministic, page-number
// derived nonce, operating in place on a fixed-size page buffer whose
// trailing "reserve" bytes hold the auth tag and context-defined
// padding.
package pagecrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
)

// TagLen is the AES-GCM authentication tag length appended to every
// ciphertext page.
const TagLen = 16

// NonceLen is the AES-GCM standard nonce length.
const NonceLen = 12

// MinReserve and MaxReserve bound the per-page reserve: at least
// enough room for the tag plus a few bytes of padding, and small
// enough to fit in the single reserve byte recorded at page-1
// offset 20.
const (
	MinReserve = 22
	MaxReserve = 255
)

var (
	// ErrShortPage is returned when a page buffer is too small to
	// hold both a payload and the configured reserve.
	ErrShortPage = errors.New("pagecrypto: page shorter than reserve")
	// ErrBadReserve is returned when reserve is too small to hold the
	// auth tag.
	ErrBadReserve = errors.New("pagecrypto: reserve must be at least TagLen")
	// ErrAuth is returned when decryption fails authentication —
	// wrong key, wrong page number, or corrupted ciphertext.
	ErrAuth = errors.New("pagecrypto: authentication failed")
)

// PageNonce derives the deterministic per-page nonce: the page number
// as a little-endian uint32 in the first four bytes, zero-padded to
// NonceLen. Reusing a nonce across two different plaintexts under the
// same key breaks AES-GCM, so the page number must never repeat for a
// given key — callers mint one DEK per (database, scope) and never
// reuse it across files, which is what makes this safe.
func PageNonce(pageNo uint32) []byte {
	nonce := make([]byte, NonceLen)
	binary.LittleEndian.PutUint32(nonce[:4], pageNo)
	return nonce
}

// EncryptPage encrypts page in place under dek. The payload is
// page[:len(page)-reserve]; on return page[:payloadLen] holds the
// ciphertext, page[payloadLen:payloadLen+TagLen] holds the auth tag,
// and the remaining reserve-TagLen bytes of padding are left
// untouched.
func EncryptPage(page []byte, pageNo uint32, dek []byte, reserve int) error {
	n, err := payloadLen(len(page), reserve)
	if err != nil {
		return err
	}
	aead, err := newAEAD(dek)
	if err != nil {
		return err
	}
	sealed := aead.Seal(nil, PageNonce(pageNo), page[:n], pageNoAAD(pageNo))
	copy(page[:n], sealed[:n])
	copy(page[n:n+TagLen], sealed[n:])
	return nil
}

// DecryptPage reverses EncryptPage in place. It returns ErrAuth on any
// tag or associated-data mismatch, including a ciphertext encrypted
// for a different page number or under a different key. On success
// the tag region (page[payloadLen:payloadLen+TagLen]) is zeroed.
func DecryptPage(page []byte, pageNo uint32, dek []byte, reserve int) error {
	n, err := payloadLen(len(page), reserve)
	if err != nil {
		return err
	}
	aead, err := newAEAD(dek)
	if err != nil {
		return err
	}

	sealed := make([]byte, n+TagLen)
	copy(sealed[:n], page[:n])
	copy(sealed[n:], page[n:n+TagLen])

	plaintext, err := aead.Open(sealed[:0], PageNonce(pageNo), sealed, pageNoAAD(pageNo))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	copy(page[:n], plaintext)
	for i := n; i < n+TagLen; i++ {
		page[i] = 0
	}
	return nil
}

func payloadLen(pageLen, reserve int) (int, error) {
	if reserve < TagLen {
		return 0, ErrBadReserve
	}
	if pageLen <= reserve {
		return 0, ErrShortPage
	}
	return pageLen - reserve, nil
}

func pageNoAAD(pageNo uint32) []byte {
	aad := make([]byte, 4)
	binary.LittleEndian.PutUint32(aad, pageNo)
	return aad
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("pagecrypto: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("pagecrypto: %w", err)
	}
	return cipher.NewGCM(block)
}

// plaintextHeaderMagic is the first bytes of an uninitialized or
// plaintext-header host-engine file; page 1 keeps these bytes in the
// clear so an external tool can still identify the file format without
// a key.
const plaintextHeaderMagic = "SQLite format 3\x00"

// HeaderLen is the length of the plaintext prefix preserved in page 1.
const HeaderLen = 100

// ReserveOffset is the byte offset within page 1's plaintext header
// where the configured reserve size is recorded.
const ReserveOffset = 20

// IsPlaintextHeader reports whether page carries the host engine's
// plaintext format header. Page 1 is always written back to disk
// plaintext (see pkg/evfs), so the first HeaderLen bytes stay in the
// clear for the life of the database and file(1)-style format
// sniffing keeps working.
func IsPlaintextHeader(page []byte) bool {
	if len(page) < len(plaintextHeaderMagic) {
		return false
	}
	return string(page[:len(plaintextHeaderMagic)]) == plaintextHeaderMagic
}

// PatchReserveByte writes the configured reserve size into page 1's
// plaintext header at ReserveOffset. It is a no-op if page is shorter
// than ReserveOffset+1, which should never happen for a real page-1
// buffer.
func PatchReserveByte(page []byte, reserve int) {
	if len(page) > ReserveOffset {
		page[ReserveOffset] = byte(reserve)
	}
}

// NewHeaderPage builds a validly formed page 1 for a freshly created
// database file: the plaintext file-type header recording the page
// size, the reserve size at ReserveOffset, and a page count of one,
// followed by an empty leaf table root page so the host engine
// recognizes the file on first open.
func NewHeaderPage(pageSize, reserve int) []byte {
	page := make([]byte, pageSize)
	copy(page, plaintextHeaderMagic)
	if pageSize == 65536 {
		// The header stores 65536 as 1; it does not fit in two bytes.
		binary.BigEndian.PutUint16(page[16:18], 1)
	} else {
		binary.BigEndian.PutUint16(page[16:18], uint16(pageSize))
	}
	page[18] = 1 // file format write version
	page[19] = 1 // file format read version
	page[ReserveOffset] = byte(reserve)
	page[21] = 64 // max embedded payload fraction
	page[22] = 32 // min embedded payload fraction
	page[23] = 32 // leaf payload fraction
	binary.BigEndian.PutUint32(page[28:32], 1) // page count
	// Empty leaf table b-tree root page: no cells, cell content area
	// starts at the end of the usable region.
	page[HeaderLen] = 0x0D
	binary.BigEndian.PutUint16(page[HeaderLen+5:HeaderLen+7], uint16(pageSize-reserve))
	return page
}

// IsEncryptedPage is the cheap heuristic the VFS uses to decide
// whether an on-disk page needs decryption at all: a page whose tag
// region is still all-zero is either a
// never-written page extended by a sparse file or part of a database
// still being bootstrapped, and is not the output of EncryptPage
// (whose tag bytes are vanishingly unlikely to all be zero).
func IsEncryptedPage(page []byte, reserve int) bool {
	n, err := payloadLen(len(page), reserve)
	if err != nil {
		return false
	}
	return !bytes.Equal(page[n:n+TagLen], make([]byte, TagLen))
}
