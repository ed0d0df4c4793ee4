// Package volume implements spec.md §3 "Volume" and §6's volume file
// format: a file of fixed-size pages with a header page, a directory page
// mapping tree names to root page ids, a free-page chain, and data/index
// pages.
//
// Grounded on the teacher's pkg/storage/kv.go (mmap read, two-phase
// pwrite+fsync write, meta page save/load/revert) and pkg/storage/
// freelist.go (unrolled linked free list), extended with
// sharvitKashikar-FiloDB's filodb_memory.go version-stamped free list: a
// freed page is only handed back out once every reader that could still
// see it has closed, which is the mechanism behind spec.md §4.3's
// long-record/journal-monotonicity invariant.
package volume

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"sync"

	"github.com/nainya/ptreedb/internal/plog"
	"github.com/nainya/ptreedb/pkg/pagefmt"
)

const (
	magic        = "PTREEDB1"
	formatVersion = 1
	// headerPageID is always page 0.
	headerPageID = 0
	// HeaderPageSize is the fixed size of the volume header page, kept
	// small and separate from the data page size so it never depends on
	// the configured page-size class.
	HeaderPageSize = 128
)

// Errors surfaced at the boundary, spec.md §6.
var (
	ErrCorruptVolume = errors.New("volume: corrupt header")
	ErrVolumeFull    = errors.New("volume: full")
	ErrTreeNotFound  = errors.New("volume: tree not found")
)

// header is the decoded form of the volume's fixed header page.
type header struct {
	magic         [8]byte
	version       uint32
	pageSize      uint32
	directoryRoot uint64
	freeChainHead uint64
	nextUnused    uint64
	uuid          [16]byte
	checksum      uint32
}

const headerBodySize = 8 + 4 + 4 + 8 + 8 + 8 + 16 // everything but the trailing checksum

func (h header) encode() []byte {
	buf := make([]byte, HeaderPageSize)
	copy(buf[0:8], h.magic[:])
	binary.BigEndian.PutUint32(buf[8:12], h.version)
	binary.BigEndian.PutUint32(buf[12:16], h.pageSize)
	binary.BigEndian.PutUint64(buf[16:24], h.directoryRoot)
	binary.BigEndian.PutUint64(buf[24:32], h.freeChainHead)
	binary.BigEndian.PutUint64(buf[32:40], h.nextUnused)
	copy(buf[40:56], h.uuid[:])
	binary.BigEndian.PutUint32(buf[56:60], crc32.ChecksumIEEE(buf[:56]))
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < 60 {
		return header{}, ErrCorruptVolume
	}
	var h header
	copy(h.magic[:], buf[0:8])
	if string(h.magic[:]) != magic {
		return header{}, ErrCorruptVolume
	}
	h.version = binary.BigEndian.Uint32(buf[8:12])
	h.pageSize = binary.BigEndian.Uint32(buf[12:16])
	h.directoryRoot = binary.BigEndian.Uint64(buf[16:24])
	h.freeChainHead = binary.BigEndian.Uint64(buf[24:32])
	h.nextUnused = binary.BigEndian.Uint64(buf[32:40])
	copy(h.uuid[:], buf[40:56])
	h.checksum = binary.BigEndian.Uint32(buf[56:60])
	if crc32.ChecksumIEEE(buf[:56]) != h.checksum {
		return header{}, ErrCorruptVolume
	}
	return h, nil
}

// freeEntry is one page on the free chain: the page id plus the commit
// timestamp of the transaction that freed it. A pop only succeeds once
// minReader (the earliest live transaction's start-ts, tracked by
// pkg/mvcc) has passed freedAt — grounded on FiloDB's flPop1/versionBefore.
type freeEntry struct {
	pageID  uint64
	freedAt uint64
}

// Volume is one open volume file. It implements pkg/buffer.PageStore.
type Volume struct {
	path string
	fd   *os.File

	mu        sync.Mutex
	hdr       header
	freeChain []freeEntry
	dirNames  map[string]uint64 // tree name -> root page id, cached directory

	log *plog.Logger
}

// Create initializes a brand-new volume file at path with the given page
// size, writing a fresh header page.
func Create(path string, pageSize int, log *plog.Logger) (*Volume, error) {
	if log == nil {
		log = plog.Nop()
	}
	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("volume: create %s: %w", path, err)
	}
	v := &Volume{
		path:     path,
		fd:       fd,
		dirNames: make(map[string]uint64),
		log:      log.Component("volume"),
	}
	v.hdr = header{
		version:       formatVersion,
		pageSize:      uint32(pageSize),
		directoryRoot: 1,
		nextUnused:    2, // page 0 is the header, page 1 is the directory
	}
	copy(v.hdr.magic[:], magic)
	if err := v.writeHeader(); err != nil {
		fd.Close()
		return nil, err
	}
	if err := v.writeDirectory(); err != nil {
		fd.Close()
		return nil, err
	}
	return v, nil
}

// Open opens an existing volume file, validating its header.
func Open(path string, log *plog.Logger) (*Volume, error) {
	if log == nil {
		log = plog.Nop()
	}
	fd, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("volume: open %s: %w", path, err)
	}
	buf := make([]byte, HeaderPageSize)
	if _, err := fd.ReadAt(buf, 0); err != nil {
		fd.Close()
		return nil, fmt.Errorf("volume: read header: %w", err)
	}
	hdr, err := decodeHeader(buf)
	if err != nil {
		fd.Close()
		return nil, err
	}
	v := &Volume{
		path:     path,
		fd:       fd,
		hdr:      hdr,
		dirNames: make(map[string]uint64),
		log:      log.Component("volume"),
	}
	if err := v.readDirectory(); err != nil {
		fd.Close()
		return nil, err
	}
	return v, nil
}

// readDirectory loads the tree-name -> root-page-id directory from its
// fixed page (hdr.directoryRoot), the volume-level analogue of the
// teacher's pkg/metadata/store.go multi-index store collapsed to the one
// index a volume needs.
func (v *Volume) readDirectory() error {
	off := v.offsetOf(v.hdr.directoryRoot)
	buf := make([]byte, v.hdr.pageSize)
	if _, err := v.fd.ReadAt(buf, off); err != nil {
		return fmt.Errorf("volume: read directory: %w", err)
	}
	entries, err := decodeDirectory(buf)
	if err != nil {
		return err
	}
	v.dirNames = entries
	return nil
}

// writeDirectory persists the in-memory directory to its fixed page.
// Directory mutations are rare (tree create/drop) relative to ordinary
// page traffic, so they bypass the buffer pool and are written
// synchronously here.
func (v *Volume) writeDirectory() error {
	v.mu.Lock()
	buf := make([]byte, v.hdr.pageSize)
	encodeDirectory(buf, v.dirNames)
	off := v.offsetOf(v.hdr.directoryRoot)
	v.mu.Unlock()

	if _, err := v.fd.WriteAt(buf, off); err != nil {
		return fmt.Errorf("volume: write directory: %w", err)
	}
	return v.fd.Sync()
}

// encodeDirectory serializes entries into buf as:
// [count uint32][namelen uint16][name][rootPageID uint64]...
func encodeDirectory(buf []byte, entries map[string]uint64) {
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(entries)))
	pos := 4
	for name, root := range entries {
		binary.BigEndian.PutUint16(buf[pos:pos+2], uint16(len(name)))
		pos += 2
		copy(buf[pos:], name)
		pos += len(name)
		binary.BigEndian.PutUint64(buf[pos:pos+8], root)
		pos += 8
	}
}

func decodeDirectory(buf []byte) (map[string]uint64, error) {
	if len(buf) < 4 {
		return nil, ErrCorruptVolume
	}
	count := binary.BigEndian.Uint32(buf[0:4])
	entries := make(map[string]uint64, count)
	pos := 4
	for i := uint32(0); i < count; i++ {
		if pos+2 > len(buf) {
			return nil, ErrCorruptVolume
		}
		nameLen := int(binary.BigEndian.Uint16(buf[pos : pos+2]))
		pos += 2
		if pos+nameLen+8 > len(buf) {
			return nil, ErrCorruptVolume
		}
		name := string(buf[pos : pos+nameLen])
		pos += nameLen
		root := binary.BigEndian.Uint64(buf[pos : pos+8])
		pos += 8
		entries[name] = root
	}
	return entries, nil
}

func (v *Volume) writeHeader() error {
	buf := v.hdr.encode()
	if _, err := v.fd.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("volume: write header: %w", err)
	}
	return v.fd.Sync()
}

// Close flushes the header and closes the underlying file.
func (v *Volume) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.writeHeader(); err != nil {
		return err
	}
	return v.fd.Close()
}

// PageSize implements pkg/buffer.PageStore.
func (v *Volume) PageSize() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return int(v.hdr.pageSize)
}

func (v *Volume) offsetOf(id uint64) int64 {
	return int64(HeaderPageSize) + int64(id-1)*int64(v.hdr.pageSize)
}

// ReadPage implements pkg/buffer.PageStore: reads page id via pread. The
// teacher's kv.go uses a single mmap region; this uses pread/pwrite
// directly, which is the simpler of the two correct choices for a file
// that may grow across many volumes/processes and is what the buffer pool
// above it already treats as the unit of I/O.
func (v *Volume) ReadPage(id uint64) (pagefmt.Page, error) {
	v.mu.Lock()
	pageSize := int(v.hdr.pageSize)
	off := v.offsetOf(id)
	v.mu.Unlock()

	buf := make(pagefmt.Page, pageSize)
	if _, err := v.fd.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("volume: read page %d: %w", id, err)
	}
	return buf, nil
}

// WritePage implements pkg/buffer.PageStore: writes the page's bytes, then
// fsyncs. spec.md §4.1's invariant ("no clean volume-write before the
// corresponding journal sync") is the caller's responsibility — by the
// time a page reaches WritePage its journal image must already be synced.
func (v *Volume) WritePage(p pagefmt.Page) error {
	p.Stamp()
	v.mu.Lock()
	off := v.offsetOf(p.PageID())
	v.mu.Unlock()

	if _, err := v.fd.WriteAt(p, off); err != nil {
		return fmt.Errorf("volume: write page %d: %w", p.PageID(), err)
	}
	return v.fd.Sync()
}

// AllocatePage implements pkg/buffer.PageStore: always extends the volume
// by one page. It never consults the free chain; pkg/buffer.Pool prefers
// AllocateFromFreeChain (below) whenever a minReader source is wired, and
// falls back to this only when none is available.
func (v *Volume) AllocatePage() (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	id := v.hdr.nextUnused
	v.hdr.nextUnused++
	return id, nil
}

// AllocateFromFreeChain pops the oldest entry on the free chain whose
// freedAt timestamp is ≤ minReader — the earliest live transaction's
// start-ts — and returns it, with reused=true. If no such entry exists
// (either the chain is empty or every entry is still potentially visible
// to a live reader) it falls back to extending the volume, with
// reused=false. Grounded on FiloDB's flPop1: a reclaimed page cannot be
// handed to a new writer while some reader might still need to see the
// data that used to live there. The reused flag lets pkg/buffer.Pool tell
// a recycled page id (which may still carry a stale on-disk timestamp)
// from a freshly extended one (which never has a prior page at all).
func (v *Volume) AllocateFromFreeChain(minReader uint64) (id uint64, reused bool, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, e := range v.freeChain {
		if e.freedAt <= minReader {
			v.freeChain = append(v.freeChain[:i], v.freeChain[i+1:]...)
			return e.pageID, true, nil
		}
	}
	id = v.hdr.nextUnused
	v.hdr.nextUnused++
	return id, false, nil
}

// FreePage attaches pageID to the free chain, stamped with freedAt — the
// commit timestamp of the transaction whose cleanup action put it there.
func (v *Volume) FreePage(pageID, freedAt uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.freeChain = append(v.freeChain, freeEntry{pageID: pageID, freedAt: freedAt})
}

// FreeChainLength reports how many pages currently sit on the free chain.
func (v *Volume) FreeChainLength() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.freeChain)
}

// DirectoryRoot returns the root page id of the tree named name, with
// ok=false if no such tree is registered. The directory is a flat list of
// name -> root page id entries on one fixed page (see encodeDirectory),
// cached in memory; it is not a B+-tree and does not grow past that page.
func (v *Volume) DirectoryRoot(name string) (uint64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	id, ok := v.dirNames[name]
	return id, ok
}

// SetDirectoryRoot records name's root page id, creating or updating the
// tree directory entry. Mirrors the teacher's pkg/metadata/store.go
// multi-index pattern collapsed to the single index this volume needs:
// name -> root page id.
func (v *Volume) SetDirectoryRoot(name string, rootPageID uint64) error {
	v.mu.Lock()
	v.dirNames[name] = rootPageID
	v.mu.Unlock()
	return v.writeDirectory()
}

// DropDirectoryEntry removes name from the tree directory. The caller is
// responsible for freeing the tree's pages first.
func (v *Volume) DropDirectoryEntry(name string) error {
	v.mu.Lock()
	delete(v.dirNames, name)
	v.mu.Unlock()
	return v.writeDirectory()
}

// TreeNames returns the names of all trees currently registered.
func (v *Volume) TreeNames() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	names := make([]string, 0, len(v.dirNames))
	for n := range v.dirNames {
		names = append(names, n)
	}
	return names
}

// UUID returns the volume's 16-byte identity; it stays all-zero until
// EnsureUUID assigns one.
func (v *Volume) UUID() [16]byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hdr.uuid
}

var zeroUUID [16]byte

// EnsureUUID assigns uuid if the volume doesn't already have one. Callers
// supply the bytes (e.g. from crypto/rand) since this package avoids
// pulling in an RNG dependency the teacher's stack doesn't use for this
// purpose.
func (v *Volume) EnsureUUID(uuid [16]byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if bytes.Equal(v.hdr.uuid[:], zeroUUID[:]) {
		v.hdr.uuid = uuid
	}
}

// ID returns the numeric volume identity journal records tag pages with:
// the UUID's first 8 bytes, big-endian. Stable for the life of the volume
// file since EnsureUUID only ever sets the UUID once.
func (v *Volume) ID() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return binary.BigEndian.Uint64(v.hdr.uuid[0:8])
}

// ApplyPageImage implements pkg/recovery.PageApplier: writes a replayed
// PAGE_IMAGE record's bytes straight to the page's slot, bypassing the
// buffer pool (which has nothing cached yet during recovery). volumeID
// must match this volume's own id; recovery replays one volume's journal
// against that same volume, so a mismatch indicates the journal directory
// was pointed at the wrong volume file.
func (v *Volume) ApplyPageImage(volumeID, pageID uint64, page []byte) error {
	if volumeID != v.ID() {
		return fmt.Errorf("volume: page image for volume %d does not match open volume %d", volumeID, v.ID())
	}
	v.mu.Lock()
	off := v.offsetOf(pageID)
	v.mu.Unlock()
	if _, err := v.fd.WriteAt(page, off); err != nil {
		return fmt.Errorf("volume: apply page image %d: %w", pageID, err)
	}
	return v.fd.Sync()
}

// ReconcileFreeChain implements pkg/recovery.FreeChainReconciler, spec.md
// §4.5 step 5. The free chain itself is rebuilt at runtime by
// pkg/cleanup's pruning actions rather than persisted as an on-disk page
// chain, so there is nothing to replay here; this only persists the
// header so freeChainHead (kept for on-disk format compatibility with a
// volume written by an older build that did maintain one) does not carry
// a stale pointer forward.
func (v *Volume) ReconcileFreeChain() error {
	v.mu.Lock()
	v.hdr.freeChainHead = 0
	v.mu.Unlock()
	return v.writeHeader()
}
