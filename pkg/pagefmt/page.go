// Package pagefmt defines the on-disk/in-memory layout of a single fixed
// size page: a header, then a key-block directory (the ptr array on index
// pages, then the offset array), then the key/value area packed directly
// after the directory. Both the directory and the key/value area grow
// toward the end of the page; values are not placed from the back.
//
// The binary layout is grounded on the teacher's pkg/btree/node.go (offset
// table + key/value blob region), generalized from its 4-byte
// {type,keycount} header to the full header spec.md requires: page type,
// page id, right-sibling id, level, key-block count, timestamp, checksum.
package pagefmt

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// Type identifies what a page holds.
type Type uint8

const (
	TypeData Type = iota + 1
	TypeIndex
	TypeLongRecord
	TypeGarbage
	TypeHeader
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "data"
	case TypeIndex:
		return "index"
	case TypeLongRecord:
		return "long-record"
	case TypeGarbage:
		return "garbage"
	case TypeHeader:
		return "header"
	default:
		return "unknown"
	}
}

// Header field offsets. HeaderSize bytes precede the key-block directory.
const (
	offType         = 0 // 1 byte
	offLevel        = 1 // 1 byte (leaf = 0)
	offKeyCount     = 2 // 2 bytes, uint16
	offPageID       = 4  // 8 bytes, uint64
	offRightSibling = 12 // 8 bytes, uint64
	offTimestamp    = 20 // 8 bytes, uint64
	offChecksum     = 28 // 4 bytes, uint32 (crc32 over the rest of the page)

	// HeaderSize is the fixed header size in bytes.
	HeaderSize = 32

	// OffsetSlotSize is the width of one entry in the offset array.
	OffsetSlotSize = 2
	// PtrSlotSize is the width of one entry in the ptr array (index pages only).
	PtrSlotSize = 8
)

var (
	// ErrChecksumMismatch is returned by Verify when a page's stored
	// checksum does not match its contents. This maps to spec.md's
	// CorruptPage error surfaced by the buffer pool.
	ErrChecksumMismatch = errors.New("pagefmt: checksum mismatch")
	// ErrTooSmall is returned when a byte slice is smaller than HeaderSize.
	ErrTooSmall = errors.New("pagefmt: page smaller than header")
)

// Page is a fixed-size page image. Same representation whether it lives in
// the buffer pool, a journal PAGE_IMAGE record, or on the volume file.
type Page []byte

// New allocates a zeroed page of the given size and stamps its header.
func New(size int, typ Type, level uint8, pageID uint64) Page {
	p := make(Page, size)
	p.SetType(typ)
	p.SetLevel(level)
	p.SetKeyCount(0)
	p.SetPageID(pageID)
	p.SetRightSibling(0)
	p.SetTimestamp(0)
	return p
}

func (p Page) Type() Type            { return Type(p[offType]) }
func (p Page) SetType(t Type)        { p[offType] = byte(t) }
func (p Page) Level() uint8          { return p[offLevel] }
func (p Page) SetLevel(l uint8)      { p[offLevel] = l }
func (p Page) IsLeaf() bool          { return p.Level() == 0 }

func (p Page) KeyCount() uint16     { return binary.LittleEndian.Uint16(p[offKeyCount:]) }
func (p Page) SetKeyCount(n uint16) { binary.LittleEndian.PutUint16(p[offKeyCount:], n) }

func (p Page) PageID() uint64        { return binary.LittleEndian.Uint64(p[offPageID:]) }
func (p Page) SetPageID(id uint64)   { binary.LittleEndian.PutUint64(p[offPageID:], id) }

func (p Page) RightSibling() uint64      { return binary.LittleEndian.Uint64(p[offRightSibling:]) }
func (p Page) SetRightSibling(id uint64) { binary.LittleEndian.PutUint64(p[offRightSibling:], id) }

// Timestamp returns the commit timestamp of the most recent write to this
// page. spec.md invariant 2: never decreases across writes of the same
// (volume, page-id).
func (p Page) Timestamp() uint64     { return binary.LittleEndian.Uint64(p[offTimestamp:]) }
func (p Page) SetTimestamp(ts uint64) { binary.LittleEndian.PutUint64(p[offTimestamp:], ts) }

// BumpTimestamp stamps the page with max(ts, current) — the rule long-record
// allocation (spec.md §4.3) and ordinary page writes must both follow so a
// page recycled from the free chain never appears to regress in time.
func (p Page) BumpTimestamp(ts uint64) {
	if ts > p.Timestamp() {
		p.SetTimestamp(ts)
	}
}

func (p Page) checksum() uint32      { return binary.LittleEndian.Uint32(p[offChecksum:]) }
func (p Page) setChecksum(c uint32)  { binary.LittleEndian.PutUint32(p[offChecksum:], c) }

// Stamp computes and stores the page checksum. Call before handing a page
// to the journal or the volume writer.
func (p Page) Stamp() {
	p.setChecksum(0)
	p.setChecksum(crc32.ChecksumIEEE(p))
}

// Verify recomputes the checksum and compares it to the stored value.
func (p Page) Verify() error {
	if len(p) < HeaderSize {
		return ErrTooSmall
	}
	stored := p.checksum()
	cp := make(Page, len(p))
	copy(cp, p)
	cp.setChecksum(0)
	if crc32.ChecksumIEEE(cp) != stored {
		return ErrChecksumMismatch
	}
	return nil
}

// directory layout within the body (after HeaderSize):
//   [ptr array: keyCount * 8B, index pages only] [offset array: keyCount * 2B] [kv blob area]
// offset[i] is the byte offset (from the start of the kv blob area) where
// entry i begins; offset[0] is implicitly 0.

func (p Page) ptrArrayOffset() int { return HeaderSize }
func (p Page) ptrArrayLen() int {
	if p.Type() == TypeIndex {
		return int(p.KeyCount()) * 8
	}
	return 0
}
func (p Page) offsetArrayOffset() int { return p.ptrArrayOffset() + p.ptrArrayLen() }
func (p Page) offsetArrayLen() int    { return int(p.KeyCount()) * 2 }
func (p Page) kvAreaOffset() int      { return p.offsetArrayOffset() + p.offsetArrayLen() }

// Ptr returns the child page id at key-block idx. Only valid on index pages.
func (p Page) Ptr(idx uint16) uint64 {
	off := p.ptrArrayOffset() + int(idx)*8
	return binary.LittleEndian.Uint64(p[off:])
}

// SetPtr sets the child page id at key-block idx. Only valid on index pages.
func (p Page) SetPtr(idx uint16, ptr uint64) {
	off := p.ptrArrayOffset() + int(idx)*8
	binary.LittleEndian.PutUint64(p[off:], ptr)
}

func (p Page) offsetAt(idx uint16) uint16 {
	if idx == 0 {
		return 0
	}
	off := p.offsetArrayOffset() + int(idx-1)*2
	return binary.LittleEndian.Uint16(p[off:])
}

func (p Page) setOffsetAt(idx uint16, val uint16) {
	off := p.offsetArrayOffset() + int(idx-1)*2
	binary.LittleEndian.PutUint16(p[off:], val)
}

// kvPos returns the absolute byte position of key-block idx within the page.
func (p Page) kvPos(idx uint16) int {
	return p.kvAreaOffset() + int(p.offsetAt(idx))
}

// Key returns the key bytes of key-block idx.
func (p Page) Key(idx uint16) []byte {
	pos := p.kvPos(idx)
	klen := binary.LittleEndian.Uint16(p[pos:])
	return p[pos+4 : pos+4+int(klen)]
}

// Val returns the value bytes of key-block idx.
func (p Page) Val(idx uint16) []byte {
	pos := p.kvPos(idx)
	klen := binary.LittleEndian.Uint16(p[pos:])
	vlen := binary.LittleEndian.Uint16(p[pos+2:])
	return p[pos+4+int(klen) : pos+4+int(klen)+int(vlen)]
}

// NBytes returns the number of bytes of this page currently in use.
func (p Page) NBytes() int { return p.kvPos(p.KeyCount()) }

// SetHeader resets type, level and key count, used when building a fresh
// page image for an insert/split/merge result.
func (p Page) SetHeader(typ Type, level uint8, nkeys uint16) {
	p.SetType(typ)
	p.SetLevel(level)
	p.SetKeyCount(nkeys)
}

// AppendKV appends key/value (and, for index pages, ptr) at key-block idx.
// Entries must be appended left to right; idx must equal the number of
// entries already appended via this call (mirrors the teacher's
// nodeAppendKV, generalized to the larger header).
func (p Page) AppendKV(idx uint16, ptr uint64, key, val []byte) {
	if p.Type() == TypeIndex {
		p.SetPtr(idx, ptr)
	}
	pos := p.kvPos(idx)
	binary.LittleEndian.PutUint16(p[pos:], uint16(len(key)))
	binary.LittleEndian.PutUint16(p[pos+2:], uint16(len(val)))
	copy(p[pos+4:], key)
	copy(p[pos+4+len(key):], val)
	p.setOffsetAt(idx+1, p.offsetAt(idx)+4+uint16(len(key)+len(val)))
}

// AppendRange copies n entries from src[srcIdx:srcIdx+n] into dst starting
// at dstIdx, preserving ptr/key/val. dst must already have its key count set
// large enough to hold dstIdx+n entries.
func AppendRange(dst, src Page, dstIdx, srcIdx, n uint16) {
	if n == 0 {
		return
	}
	if src.Type() == TypeIndex {
		for i := uint16(0); i < n; i++ {
			dst.SetPtr(dstIdx+i, src.Ptr(srcIdx+i))
		}
	}
	dstBegin := dst.offsetAt(dstIdx)
	srcBegin := src.offsetAt(srcIdx)
	for i := uint16(1); i <= n; i++ {
		dst.setOffsetAt(dstIdx+i, dstBegin+src.offsetAt(srcIdx+i)-srcBegin)
	}
	begin := src.kvPos(srcIdx)
	end := src.kvPos(srcIdx + n)
	copy(dst[dst.kvPos(dstIdx):], src[begin:end])
}

// Capacity is the usable body size (total page size minus the fixed
// header); split/join policies score against this.
func Capacity(pageSize int) int { return pageSize - HeaderSize }
