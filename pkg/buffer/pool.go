// Package buffer implements spec.md §4.1: a bounded in-memory cache of
// pages keyed by (volume, page-id), with shared/exclusive pinning and
// clock-based eviction.
//
// Grounded structurally on the teacher's pkg/storage/kv.go (mmap-backed
// page cache, pageRead/pageAlloc/pageWrite) generalized from "one big mmap
// region" into a frame table with a real eviction policy, since spec.md
// requires bounded frames and pin-aware eviction that the teacher's
// single-process mmap approach doesn't need.
package buffer

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/nainya/ptreedb/internal/plog"
	"github.com/nainya/ptreedb/internal/pmetrics"
	"github.com/nainya/ptreedb/pkg/pagefmt"
)

// PinMode selects shared (reader) or exclusive (writer) access to a page.
type PinMode int

const (
	Shared PinMode = iota
	Exclusive
)

// PageStore is the backing store a Pool reads pages from and flushes pages
// to. pkg/volume.Volume implements it; keeping the dependency this
// direction (buffer depends on an interface, not a concrete volume type)
// mirrors how the journal and buffer pool are separate subsystems in
// spec.md §2 that both sit above the volume file.
type PageStore interface {
	PageSize() int
	ReadPage(id uint64) (pagefmt.Page, error)
	WritePage(p pagefmt.Page) error
	AllocatePage() (uint64, error)
	FreePage(pageID, freedAt uint64)
}

// FreeChainAllocator is an optional PageStore capability: a store that
// keeps a version-stamped free chain (pkg/volume.Volume) implements it so
// GetForNew can recycle a freed page instead of always extending the
// store. reused reports whether id came off the chain (a page that may
// still carry a stale on-disk timestamp) or was a fresh extension. A
// PageStore that doesn't implement it (e.g. a test fake) just always
// takes the AllocatePage path.
type FreeChainAllocator interface {
	AllocateFromFreeChain(minReader uint64) (id uint64, reused bool, err error)
}

// ErrBufferUnavailable is returned when no frame can be evicted to satisfy
// a Get within a bounded spin — every frame is pinned.
var ErrBufferUnavailable = errors.New("buffer: no frame available")

// ErrCorruptPage is returned when a page read from the store fails its
// checksum.
var ErrCorruptPage = errors.New("buffer: corrupt page")

type frame struct {
	page  pagefmt.Page
	lock  sync.RWMutex
	pins  int32 // atomic; 0 means evictable
	dirty atomic.Bool
	// clockRef is the clock algorithm's reference bit: set on every
	// access, cleared the first time the clock hand passes without
	// evicting it.
	clockRef atomic.Bool
}

// Pool is a bounded buffer pool over one PageStore.
type Pool struct {
	store    PageStore
	capacity int

	mu        sync.Mutex
	frames    map[uint64]*frame
	clockHand []uint64 // insertion-order ring the clock hand walks

	log     *plog.Logger
	metrics *pmetrics.Metrics

	// minReader, if set, reports the earliest start-ts any live reader of
	// this store could still have; GetForNew uses it to ask the store's
	// free chain for a page whose freedAt has already passed every live
	// reader, rather than always extending the store. Nil disables reuse.
	minReader func() uint64
}

// New creates a Pool with room for capacity frames.
func New(store PageStore, capacity int, log *plog.Logger, metrics *pmetrics.Metrics) *Pool {
	if log == nil {
		log = plog.Nop()
	}
	return &Pool{
		store:    store,
		capacity: capacity,
		frames:   make(map[uint64]*frame, capacity),
		log:      log.Component("buffer"),
		metrics:  metrics,
	}
}

// PageSize returns the backing store's fixed page size.
func (p *Pool) PageSize() int { return p.store.PageSize() }

// SetMinReaderFunc wires f as the source of "earliest live reader start-ts"
// GetForNew consults before allocating a fresh page. Called once by the
// owner that tracks live transactions against this store (pkg/engine, one
// per volume) after construction; left unset a Pool always extends the
// store instead of recycling freed pages.
func (p *Pool) SetMinReaderFunc(f func() uint64) {
	p.mu.Lock()
	p.minReader = f
	p.mu.Unlock()
}

// allocate picks a page id for GetForNew: AllocateFromFreeChain if the
// store supports it and a minReader source is wired, otherwise the store's
// plain AllocatePage. reused tells the caller whether id may still carry a
// prior page's on-disk timestamp.
func (p *Pool) allocate() (id uint64, reused bool, err error) {
	p.mu.Lock()
	minReader := p.minReader
	p.mu.Unlock()

	if minReader != nil {
		if fc, ok := p.store.(FreeChainAllocator); ok {
			return fc.AllocateFromFreeChain(minReader())
		}
	}
	id, err = p.store.AllocatePage()
	return id, false, err
}

// Handle is a scoped pin on one page. Callers must call Release exactly
// once. Handle is not safe for concurrent use by more than one goroutine.
type Handle struct {
	pool *Pool
	id   uint64
	f    *frame
	mode PinMode
}

// Page returns the pinned page image. Valid only between Get and Release.
func (h *Handle) Page() pagefmt.Page { return h.f.page }

// ID returns the page id this handle is pinned to.
func (h *Handle) ID() uint64 { return h.id }

// Get pins the page (vol-relative) id in mode, loading it from the store
// on a cache miss and evicting another frame first if the pool is full.
func (p *Pool) Get(id uint64, mode PinMode) (*Handle, error) {
	f, err := p.acquireFrame(id)
	if err != nil {
		return nil, err
	}
	f.clockRef.Store(true)
	if mode == Exclusive {
		f.lock.Lock()
	} else {
		f.lock.RLock()
	}
	atomic.AddInt32(&f.pins, 1)
	return &Handle{pool: p, id: id, f: f, mode: mode}, nil
}

// acquireFrame returns the frame for id, loading it from the store and
// installing it in the pool (evicting if necessary) if not already cached.
func (p *Pool) acquireFrame(id uint64) (*frame, error) {
	p.mu.Lock()
	if f, ok := p.frames[id]; ok {
		p.mu.Unlock()
		return f, nil
	}
	p.mu.Unlock()

	page, err := p.store.ReadPage(id)
	if err != nil {
		return nil, err
	}
	if verr := page.Verify(); verr != nil {
		p.log.Error().Uint64("page_id", id).Err(verr).Msg("checksum mismatch reading page")
		return nil, ErrCorruptPage
	}

	f := &frame{page: page}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.frames[id]; ok {
		// Lost the race with a concurrent loader; use theirs.
		return existing, nil
	}
	if len(p.frames) >= p.capacity {
		if err := p.evictLocked(); err != nil {
			return nil, err
		}
	}
	p.frames[id] = f
	p.clockHand = append(p.clockHand, id)
	if p.metrics != nil {
		p.metrics.BufferMisses.Inc()
	}
	return f, nil
}

// GetForNew allocates a fresh page from the store (free chain or volume
// extension) and returns it already exclusively pinned, dirty, and
// installed in the pool.
func (p *Pool) GetForNew(typ pagefmt.Type, level uint8) (*Handle, error) {
	id, reused, err := p.allocate()
	if err != nil {
		return nil, err
	}
	page := pagefmt.New(p.store.PageSize(), typ, level, id)
	if reused {
		// id was popped off the store's free chain and may still carry a
		// stale on-disk timestamp from its previous life; carry that
		// forward so the caller's first BumpTimestamp can't regress it.
		old, err := p.store.ReadPage(id)
		if err != nil {
			return nil, err
		}
		page.SetTimestamp(old.Timestamp())
	}

	f := &frame{page: page}
	f.lock.Lock()
	atomic.AddInt32(&f.pins, 1)
	f.dirty.Store(true)
	f.clockRef.Store(true)

	p.mu.Lock()
	if len(p.frames) >= p.capacity {
		if err := p.evictLocked(); err != nil {
			p.mu.Unlock()
			f.lock.Unlock()
			return nil, err
		}
	}
	p.frames[id] = f
	p.clockHand = append(p.clockHand, id)
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.DirtyPages.Inc()
	}
	return &Handle{pool: p, id: id, f: f, mode: Exclusive}, nil
}

// Release unpins h. If dirty is true the page is marked dirty and will be
// written back by a future FlushAll.
func (h *Handle) Release(dirty bool) {
	wasDirty := h.f.dirty.Load()
	if dirty && !wasDirty {
		h.f.dirty.Store(true)
		if h.pool.metrics != nil {
			h.pool.metrics.DirtyPages.Inc()
		}
	}
	if h.mode == Exclusive {
		h.f.lock.Unlock()
	} else {
		h.f.lock.RUnlock()
	}
	atomic.AddInt32(&h.f.pins, -1)
}

// evictLocked runs one clock sweep looking for an unpinned, clean frame to
// drop. Callers must hold p.mu. Dirty frames are skipped: spec.md §4.1's
// invariant is that a dirty page cannot be evicted until its image has
// been flushed to the journal and the journal synced past the page's
// timestamp; this pool only ever evicts clean frames, leaving the
// journal/flush ordering to the caller, whose FlushPage/FlushAll call
// clears the dirty bit once the page is written to the store.
func (p *Pool) evictLocked() error {
	n := len(p.clockHand)
	for sweep := 0; sweep < 2*n+1; sweep++ {
		if len(p.clockHand) == 0 {
			return ErrBufferUnavailable
		}
		id := p.clockHand[0]
		f, ok := p.frames[id]
		if !ok {
			p.clockHand = p.clockHand[1:]
			continue
		}
		if atomic.LoadInt32(&f.pins) > 0 || f.dirty.Load() {
			if f.clockRef.Load() {
				f.clockRef.Store(false)
			}
			p.clockHand = append(p.clockHand[1:], id)
			continue
		}
		if f.clockRef.Load() {
			f.clockRef.Store(false)
			p.clockHand = append(p.clockHand[1:], id)
			continue
		}
		delete(p.frames, id)
		p.clockHand = p.clockHand[1:]
		if p.metrics != nil {
			p.metrics.BufferEvictions.Inc()
		}
		return nil
	}
	return ErrBufferUnavailable
}

// Free discards id from the cache unconditionally (its contents are
// garbage once freed) and hands it to the store's free chain, stamped
// with the timestamp of the transaction that freed it. Callers must hold
// no pin on id when calling Free.
func (p *Pool) Free(id uint64, freedAt uint64) {
	p.mu.Lock()
	delete(p.frames, id)
	for i, hid := range p.clockHand {
		if hid == id {
			p.clockHand = append(p.clockHand[:i], p.clockHand[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	p.store.FreePage(id, freedAt)
}

// Evict forcibly drops page id from the pool if it is unpinned and clean.
func (p *Pool) Evict(id uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.frames[id]
	if !ok {
		return nil
	}
	if atomic.LoadInt32(&f.pins) > 0 || f.dirty.Load() {
		return ErrBufferUnavailable
	}
	delete(p.frames, id)
	for i, hid := range p.clockHand {
		if hid == id {
			p.clockHand = append(p.clockHand[:i], p.clockHand[i+1:]...)
			break
		}
	}
	return nil
}

// FlushAll writes every dirty frame's current image back to the store and
// clears its dirty bit. Callers are responsible for having already synced
// the journal past each page's timestamp (spec.md §4.1).
func (p *Pool) FlushAll() error {
	p.mu.Lock()
	ids := make([]uint64, 0, len(p.frames))
	for id := range p.frames {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.mu.Lock()
		f, ok := p.frames[id]
		p.mu.Unlock()
		if !ok || !f.dirty.Load() {
			continue
		}
		f.lock.RLock()
		page := f.page
		f.lock.RUnlock()
		if err := p.store.WritePage(page); err != nil {
			return err
		}
		f.dirty.Store(false)
		if p.metrics != nil {
			p.metrics.DirtyPages.Dec()
		}
	}
	return nil
}

// DirtyPage is one frame a checkpoint must journal before it can be
// flushed to the store.
type DirtyPage struct {
	ID   uint64
	Page pagefmt.Page
}

// DirtyPages snapshots every currently dirty frame's id and bytes,
// letting a caller (pkg/engine's checkpoint) journal each page's image
// before calling FlushPage on it, honoring spec.md §4.1's invariant that
// a page's PAGE_IMAGE record must reach the synced journal before the
// page itself is ever written to the volume.
func (p *Pool) DirtyPages() []DirtyPage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]DirtyPage, 0, len(p.frames))
	for id, f := range p.frames {
		if !f.dirty.Load() {
			continue
		}
		f.lock.RLock()
		page := append(pagefmt.Page(nil), f.page...)
		f.lock.RUnlock()
		out = append(out, DirtyPage{ID: id, Page: page})
	}
	return out
}

// FlushPage writes id's current image to the store and clears its dirty
// bit, if the frame is still cached and dirty. Callers must have already
// journaled the same bytes DirtyPages handed them before calling this.
func (p *Pool) FlushPage(id uint64) error {
	p.mu.Lock()
	f, ok := p.frames[id]
	p.mu.Unlock()
	if !ok || !f.dirty.Load() {
		return nil
	}
	f.lock.RLock()
	page := f.page
	f.lock.RUnlock()
	if err := p.store.WritePage(page); err != nil {
		return err
	}
	f.dirty.Store(false)
	if p.metrics != nil {
		p.metrics.DirtyPages.Dec()
	}
	return nil
}

// DirtyCount reports the number of currently dirty frames, used by
// cmd/ptreedb's stats output.
func (p *Pool) DirtyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, f := range p.frames {
		if f.dirty.Load() {
			n++
		}
	}
	return n
}

// Len reports the number of frames currently cached.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}
