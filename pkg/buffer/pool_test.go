package buffer

import (
	"sync"
	"testing"

	"github.com/nainya/ptreedb/pkg/pagefmt"
)

// fakeStore is an in-memory PageStore for tests, mirroring the teacher's
// btree_test.go TestContext approach of simulating pages with a plain map.
type fakeStore struct {
	mu       sync.Mutex
	pages    map[uint64]pagefmt.Page
	pageSize int
	nextID   uint64
}

func newFakeStore(pageSize int) *fakeStore {
	return &fakeStore{pages: make(map[uint64]pagefmt.Page), pageSize: pageSize, nextID: 1}
}

func (s *fakeStore) PageSize() int { return s.pageSize }

func (s *fakeStore) ReadPage(id uint64) (pagefmt.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[id]
	if !ok {
		p = pagefmt.New(s.pageSize, pagefmt.TypeData, 0, id)
		p.Stamp()
		s.pages[id] = p
	}
	cp := make(pagefmt.Page, len(p))
	copy(cp, p)
	return cp, nil
}

func (s *fakeStore) WritePage(p pagefmt.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(pagefmt.Page, len(p))
	copy(cp, p)
	s.pages[p.PageID()] = cp
	return nil
}

func (s *fakeStore) AllocatePage() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	return id, nil
}

func (s *fakeStore) FreePage(pageID, freedAt uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pages, pageID)
}

func TestGetMissLoadsFromStore(t *testing.T) {
	store := newFakeStore(4096)
	pool := New(store, 4, nil, nil)

	h, err := pool.Get(1, Shared)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if h.Page().PageID() != 1 {
		t.Fatalf("PageID() = %d, want 1", h.Page().PageID())
	}
	h.Release(false)
}

func TestGetForNewAllocatesAndPinsDirty(t *testing.T) {
	store := newFakeStore(4096)
	pool := New(store, 4, nil, nil)

	h, err := pool.GetForNew(pagefmt.TypeData, 0)
	if err != nil {
		t.Fatalf("GetForNew: %v", err)
	}
	id := h.ID()
	h.Release(true)

	if pool.DirtyCount() != 1 {
		t.Fatalf("DirtyCount() = %d, want 1", pool.DirtyCount())
	}
	if err := pool.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	if pool.DirtyCount() != 0 {
		t.Fatalf("DirtyCount() after flush = %d, want 0", pool.DirtyCount())
	}

	// Flushed page must be visible via a fresh ReadPage.
	p, err := store.ReadPage(id)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if p.PageID() != id {
		t.Fatalf("flushed page id = %d, want %d", p.PageID(), id)
	}
}

func TestEvictionSkipsDirtyAndPinnedFrames(t *testing.T) {
	store := newFakeStore(4096)
	pool := New(store, 2, nil, nil)

	h1, _ := pool.Get(1, Shared)
	h2, _ := pool.Get(2, Shared)
	h1.Release(true) // dirty, unpinned
	h2.Release(false) // clean, unpinned

	// Pool is full (capacity 2); requesting a third page must evict the
	// clean one (id 2), not the dirty one (id 1).
	h3, err := pool.Get(3, Shared)
	if err != nil {
		t.Fatalf("Get(3): %v", err)
	}
	h3.Release(false)

	if pool.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", pool.Len())
	}
	if err := pool.Evict(1); err != ErrBufferUnavailable {
		t.Fatalf("Evict(dirty page) = %v, want ErrBufferUnavailable", err)
	}
}

func TestReleaseSetsDirtyBitOnlyOnRequest(t *testing.T) {
	store := newFakeStore(4096)
	pool := New(store, 4, nil, nil)

	h, _ := pool.Get(1, Shared)
	h.Release(false)
	if pool.DirtyCount() != 0 {
		t.Fatalf("DirtyCount() = %d, want 0 after clean release", pool.DirtyCount())
	}

	h2, _ := pool.Get(1, Exclusive)
	h2.Release(true)
	if pool.DirtyCount() != 1 {
		t.Fatalf("DirtyCount() = %d, want 1 after dirty release", pool.DirtyCount())
	}
}

func TestCorruptPageSurfacesError(t *testing.T) {
	store := newFakeStore(4096)
	pool := New(store, 4, nil, nil)

	// Pre-seed a page with a bad checksum.
	bad := pagefmt.New(4096, pagefmt.TypeData, 0, 9)
	bad.Stamp()
	bad[pagefmt.HeaderSize] ^= 0xFF
	store.mu.Lock()
	store.pages[9] = bad
	store.mu.Unlock()

	if _, err := pool.Get(9, Shared); err != ErrCorruptPage {
		t.Fatalf("Get(corrupt page) = %v, want ErrCorruptPage", err)
	}
}

// freeChainStore is fakeStore plus a version-stamped free chain, mirroring
// pkg/volume.Volume's AllocateFromFreeChain/FreePage enough to exercise
// Pool's recycling path without a real volume file.
type freeChainStore struct {
	*fakeStore
	mu        sync.Mutex
	freeChain []struct {
		pageID  uint64
		freedAt uint64
	}
}

func newFreeChainStore(pageSize int) *freeChainStore {
	return &freeChainStore{fakeStore: newFakeStore(pageSize)}
}

func (s *freeChainStore) FreePage(pageID, freedAt uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freeChain = append(s.freeChain, struct {
		pageID  uint64
		freedAt uint64
	}{pageID, freedAt})
}

func (s *freeChainStore) AllocateFromFreeChain(minReader uint64) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.freeChain {
		if e.freedAt <= minReader {
			s.freeChain = append(s.freeChain[:i], s.freeChain[i+1:]...)
			return e.pageID, true, nil
		}
	}
	id, err := s.fakeStore.AllocatePage()
	return id, false, err
}

func TestGetForNewWithoutMinReaderAlwaysExtends(t *testing.T) {
	store := newFreeChainStore(4096)
	pool := New(store, 4, nil, nil)

	h, err := pool.GetForNew(pagefmt.TypeLongRecord, 0)
	if err != nil {
		t.Fatalf("GetForNew: %v", err)
	}
	first := h.ID()
	h.Page().SetTimestamp(77)
	h.Release(true)
	pool.Free(first, 5)

	// No minReader wired: GetForNew must not consult the free chain even
	// though store implements FreeChainAllocator.
	h2, err := pool.GetForNew(pagefmt.TypeLongRecord, 0)
	if err != nil {
		t.Fatalf("GetForNew: %v", err)
	}
	if h2.ID() == first {
		t.Fatalf("GetForNew reused page %d with no minReader source wired", first)
	}
	h2.Release(true)
}

func TestGetForNewRecyclesAndPreservesStaleTimestamp(t *testing.T) {
	store := newFreeChainStore(4096)
	pool := New(store, 4, nil, nil)

	h, err := pool.GetForNew(pagefmt.TypeLongRecord, 0)
	if err != nil {
		t.Fatalf("GetForNew: %v", err)
	}
	freed := h.ID()
	h.Page().SetTimestamp(500) // this page's last write happened at ts 500
	h.Release(true)
	if err := pool.FlushPage(freed); err != nil {
		t.Fatalf("FlushPage: %v", err)
	}
	pool.Free(freed, 500) // freed by the transaction that committed at ts 500

	minReader := uint64(1000) // every live reader started after the free
	pool.SetMinReaderFunc(func() uint64 { return minReader })

	h2, err := pool.GetForNew(pagefmt.TypeLongRecord, 0)
	if err != nil {
		t.Fatalf("GetForNew: %v", err)
	}
	if h2.ID() != freed {
		t.Fatalf("GetForNew did not recycle page %d, got %d", freed, h2.ID())
	}
	// The recycled frame must carry the old page's timestamp forward so a
	// writer's BumpTimestamp(now) can't silently regress it below 500.
	if ts := h2.Page().Timestamp(); ts != 500 {
		t.Fatalf("recycled page timestamp = %d, want 500 (carried over from prior life)", ts)
	}
	h2.Page().BumpTimestamp(100) // a stale/lower "now" must not regress it
	if ts := h2.Page().Timestamp(); ts != 500 {
		t.Fatalf("BumpTimestamp regressed recycled page timestamp to %d, want 500", ts)
	}
	h2.Release(true)
}
