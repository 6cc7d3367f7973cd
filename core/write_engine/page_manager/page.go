// Package pagemanager defines the fixed-size page that is the unit of storage
// and I/O for the rest of the write_engine, along with the core identifier
// types (PageID, LSN, TxnID, FrameID) shared across the storage kernel.
package pagemanager

import (
	"encoding/binary"
	"hash/crc32"
)

// PageID identifies a page within the data file. Assigned densely and
// monotonically by the disk manager; never reused within a process lifetime.
type PageID uint32

// InvalidPageID is the sentinel value meaning "no page".
const InvalidPageID PageID = 1<<32 - 1

// LSN is a log sequence number: a strictly monotonic identifier for a WAL
// record, used as a clock for durability ordering.
type LSN uint64

// InvalidLSN is the sentinel value meaning "no LSN".
const InvalidLSN LSN = 0

// TxnID identifies a transaction. The storage kernel only carries TxnIDs in
// log-record headers; it does not assign or interpret them.
type TxnID uint64

// InvalidTxnID is the sentinel value meaning "no transaction".
const InvalidTxnID TxnID = 0

// FrameID is a small index into the buffer pool's frame array. Private to
// the buffer pool; never persisted.
type FrameID int32

const (
	// Size is the fixed size, in bytes, of every page: header plus payload.
	Size = 4096

	headerSize = 24
	// PayloadSize is the number of bytes the upper layer owns within a page.
	PayloadSize = Size - headerSize

	offsetPageID    = 0
	offsetPageLSN   = 4
	offsetFreeSpace = 12
	offsetFlags     = 14
	offsetChecksum  = 16
	offsetReserved  = 20
	offsetPayload   = headerSize
)

// Flag is a bit in the on-disk flags word. Reserved for the upper layer's
// structural use (leaf/internal/root/...); pin/dirty state lives only in
// memory and is never mirrored into these bits.
type Flag uint16

const (
	FlagDirty    Flag = 1 << 0
	FlagPinned   Flag = 1 << 1
	FlagNew      Flag = 1 << 2
	FlagLeaf     Flag = 1 << 3
	FlagInternal Flag = 1 << 4
	FlagOverflow Flag = 1 << 5
	FlagRoot     Flag = 1 << 6
	FlagDeleted  Flag = 1 << 7
)

// Page is the in-memory representation of one on-disk block: a 24-byte
// header plus a 4072-byte payload the upper layer owns. pinCount and dirty
// are in-memory-only; they are never read from or written to the on-disk
// flags word.
type Page struct {
	id        PageID
	lsn       LSN
	freeSpace uint16
	flags     Flag
	payload   [PayloadSize]byte
	pinCount  uint32
	dirty     bool
}

// New returns a zero-initialized page with no assigned ID.
func New() *Page {
	return NewWithID(InvalidPageID)
}

// NewWithID returns a zero-initialized page carrying the given ID.
func NewWithID(id PageID) *Page {
	return &Page{
		id:        id,
		lsn:       InvalidLSN,
		freeSpace: PayloadSize,
	}
}

// Pin increments the pin count. A pinned page is never chosen as an
// eviction victim by the buffer pool.
func (p *Page) Pin() { p.pinCount++ }

// Unpin decrements the pin count. Unpinning a page already at zero pins is a
// no-op; the pin count never underflows.
func (p *Page) Unpin() {
	if p.pinCount > 0 {
		p.pinCount--
	}
}

// PinCount returns the current pin count.
func (p *Page) PinCount() uint32 { return p.pinCount }

// IsPinned reports whether the page has at least one outstanding pin.
func (p *Page) IsPinned() bool { return p.pinCount > 0 }

// MarkDirty sets the in-memory dirty flag.
func (p *Page) MarkDirty() { p.dirty = true }

// MarkClean clears the in-memory dirty flag.
func (p *Page) MarkClean() { p.dirty = false }

// IsDirty reports the in-memory dirty flag.
func (p *Page) IsDirty() bool { return p.dirty }

// ID returns the page's ID.
func (p *Page) ID() PageID { return p.id }

// SetID overwrites the page's ID. Used when a frame is repurposed for a
// different page.
func (p *Page) SetID(id PageID) { p.id = id }

// LSN returns the LSN of the most recent log record that modified this page.
func (p *Page) LSN() LSN { return p.lsn }

// SetLSN sets the page's LSN header field.
func (p *Page) SetLSN(lsn LSN) { p.lsn = lsn }

// FreeSpace returns the advisory free-byte count within the payload.
func (p *Page) FreeSpace() uint16 { return p.freeSpace }

// SetFreeSpace sets the advisory free-byte count.
func (p *Page) SetFreeSpace(n uint16) { p.freeSpace = n }

// Flags returns the on-disk flags word. Reserved for upper-layer structural
// use; the storage kernel never inspects it.
func (p *Page) Flags() Flag { return p.flags }

// SetFlags overwrites the on-disk flags word.
func (p *Page) SetFlags(f Flag) { p.flags = f }

// Payload returns the mutable payload slice the caller owns.
func (p *Page) Payload() []byte { return p.payload[:] }

// Reset zeroes the payload and resets the header and in-memory state,
// assigning a new page ID.
func (p *Page) Reset(id PageID) {
	p.id = id
	p.lsn = InvalidLSN
	p.freeSpace = PayloadSize
	p.flags = 0
	for i := range p.payload {
		p.payload[i] = 0
	}
	p.pinCount = 0
	p.dirty = false
}

// Serialize marshals the page into the fixed 4096-byte on-disk layout,
// computing and writing the checksum as the final step.
func (p *Page) Serialize() [Size]byte {
	var buf [Size]byte
	p.marshalHeader(&buf, 0)
	copy(buf[offsetPayload:], p.payload[:])
	binary.LittleEndian.PutUint32(buf[offsetChecksum:], checksum(buf[:]))
	return buf
}

// Deserialize populates the page from a 4096-byte on-disk block. It verifies
// the stored checksum and leaves the page untouched if verification fails;
// the caller must treat a false return as corruption.
func (p *Page) Deserialize(buf [Size]byte) bool {
	stored := binary.LittleEndian.Uint32(buf[offsetChecksum:])
	zeroed := buf
	binary.LittleEndian.PutUint32(zeroed[offsetChecksum:], 0)
	if checksum(zeroed[:]) != stored {
		return false
	}
	p.id = PageID(binary.LittleEndian.Uint32(buf[offsetPageID:]))
	p.lsn = LSN(binary.LittleEndian.Uint64(buf[offsetPageLSN:]))
	p.freeSpace = binary.LittleEndian.Uint16(buf[offsetFreeSpace:])
	p.flags = Flag(binary.LittleEndian.Uint16(buf[offsetFlags:]))
	copy(p.payload[:], buf[offsetPayload:])
	p.dirty = false
	return true
}

// marshalHeader writes every header field except the checksum, which the
// caller fills in afterward (it must be computed over the full buffer with
// this field held at zero).
func (p *Page) marshalHeader(buf *[Size]byte, checksumField uint32) {
	binary.LittleEndian.PutUint32(buf[offsetPageID:], uint32(p.id))
	binary.LittleEndian.PutUint64(buf[offsetPageLSN:], uint64(p.lsn))
	binary.LittleEndian.PutUint16(buf[offsetFreeSpace:], p.freeSpace)
	binary.LittleEndian.PutUint16(buf[offsetFlags:], uint16(p.flags))
	binary.LittleEndian.PutUint32(buf[offsetChecksum:], checksumField)
	binary.LittleEndian.PutUint32(buf[offsetReserved:], 0)
}

// checksum computes the reflected CRC32 (IEEE 802.3, polynomial 0xEDB88320,
// init/final XOR 0xFFFFFFFF) over buf. The caller is responsible for having
// zeroed the checksum field within buf first.
func checksum(buf []byte) uint32 {
	return crc32.ChecksumIEEE(buf)
}

// ComputeChecksum returns the CRC32 that Serialize would write, without
// mutating the page.
func (p *Page) ComputeChecksum() uint32 {
	var buf [Size]byte
	p.marshalHeader(&buf, 0)
	copy(buf[offsetPayload:], p.payload[:])
	return checksum(buf[:])
}

// VerifyChecksum reports whether buf's stored checksum matches its content.
func VerifyChecksum(buf [Size]byte) bool {
	stored := binary.LittleEndian.Uint32(buf[offsetChecksum:])
	zeroed := buf
	binary.LittleEndian.PutUint32(zeroed[offsetChecksum:], 0)
	return checksum(zeroed[:]) == stored
}
