package pager

import (
	"encoding/binary"
	"fmt"

	errs "github.com/FocuswithJustin/pagecache/core/errors"
)

// File format constants. The on-disk layout is the SQLite 3 database file
// format, so files written here are readable by any SQLite build.
const (
	// HeaderSize is the size of the database file header occupying the
	// start of page 1.
	HeaderSize = 100

	// DefaultPageSize is the page size for new databases.
	DefaultPageSize = 4096

	// MinPageSize and MaxPageSize bound valid page sizes. Sizes are
	// powers of two; 65536 is stored in the header as the value 1.
	MinPageSize = 512
	MaxPageSize = 65536

	// headerMagic opens every database file, null terminator included.
	headerMagic = "SQLite format 3\x00"
)

// Header byte offsets within the 100-byte database header.
const (
	offPageSize      = 16
	offChangeCounter = 24
	offDatabaseSize  = 28
	offSchemaCookie  = 40
	offVersionValid  = 92
	offLibVersion    = 96
)

// Header is the database file header. Only the fields the pager and the
// backup engine act on are broken out; the remainder travels as opaque
// bytes so foreign headers round-trip unchanged.
type Header struct {
	// PageSize is the decoded page size in bytes.
	PageSize int

	// ChangeCounter increments on every transaction that modifies the
	// file. Backup sessions watch it to detect source mutations.
	ChangeCounter uint32

	// DatabaseSize is the file size in pages, valid when it matches
	// VersionValidFor against ChangeCounter.
	DatabaseSize uint32

	// SchemaCookie increments when the schema changes. Completing a
	// backup bumps the destination's cookie so stale schema readers
	// re-parse.
	SchemaCookie uint32

	// VersionValidFor is the change counter value DatabaseSize was
	// written under.
	VersionValidFor uint32

	// raw preserves the remaining header bytes verbatim.
	raw [HeaderSize]byte
}

// NewHeader builds a header for an empty database with the given page size.
func NewHeader(pageSize int) *Header {
	h := &Header{PageSize: pageSize}
	copy(h.raw[:16], headerMagic)
	// Write version 1 (legacy journal), read version 1.
	h.raw[18] = 1
	h.raw[19] = 1
	h.raw[21] = 64 // max embedded payload fraction
	h.raw[22] = 32 // min embedded payload fraction
	h.raw[23] = 32 // leaf payload fraction
	binary.BigEndian.PutUint32(h.raw[44:48], 4) // schema format
	binary.BigEndian.PutUint32(h.raw[56:60], 1) // UTF-8
	return h
}

// ParseHeader decodes the header from the first bytes of a database file.
func ParseHeader(path string, data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, errs.NewCorrupt(path, fmt.Sprintf("short header: %d bytes", len(data)))
	}
	if string(data[:16]) != headerMagic {
		return nil, errs.NewCorrupt(path, "bad magic string")
	}
	h := &Header{}
	copy(h.raw[:], data[:HeaderSize])

	enc := binary.BigEndian.Uint16(data[offPageSize : offPageSize+2])
	if enc == 1 {
		h.PageSize = MaxPageSize
	} else {
		h.PageSize = int(enc)
	}
	if !ValidPageSize(h.PageSize) {
		return nil, errs.NewCorrupt(path, fmt.Sprintf("bad page size %d", h.PageSize))
	}
	h.ChangeCounter = binary.BigEndian.Uint32(data[offChangeCounter:])
	h.DatabaseSize = binary.BigEndian.Uint32(data[offDatabaseSize:])
	h.SchemaCookie = binary.BigEndian.Uint32(data[offSchemaCookie:])
	h.VersionValidFor = binary.BigEndian.Uint32(data[offVersionValid:])
	return h, nil
}

// Serialize encodes the header into its 100-byte on-disk form.
func (h *Header) Serialize() []byte {
	out := make([]byte, HeaderSize)
	copy(out, h.raw[:])
	enc := uint16(h.PageSize)
	if h.PageSize == MaxPageSize {
		enc = 1
	}
	binary.BigEndian.PutUint16(out[offPageSize:], enc)
	binary.BigEndian.PutUint32(out[offChangeCounter:], h.ChangeCounter)
	binary.BigEndian.PutUint32(out[offDatabaseSize:], h.DatabaseSize)
	binary.BigEndian.PutUint32(out[offSchemaCookie:], h.SchemaCookie)
	binary.BigEndian.PutUint32(out[offVersionValid:], h.VersionValidFor)
	binary.BigEndian.PutUint32(out[offLibVersion:], 3051002)
	return out
}

// ValidPageSize reports whether size is a power of two in the supported
// range.
func ValidPageSize(size int) bool {
	return size >= MinPageSize && size <= MaxPageSize && size&(size-1) == 0
}
