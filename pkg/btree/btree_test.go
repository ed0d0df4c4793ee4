package btree

import (
	"fmt"
	"sync"
	"testing"

	"github.com/nainya/ptreedb/pkg/buffer"
	"github.com/nainya/ptreedb/pkg/keycodec"
	"github.com/nainya/ptreedb/pkg/pagefmt"
	"github.com/nainya/ptreedb/pkg/policy"
)

// memStore is an in-memory buffer.PageStore for tests, the same shape as
// pkg/buffer's own fakeStore.
type memStore struct {
	mu       sync.Mutex
	pages    map[uint64]pagefmt.Page
	pageSize int
	nextID   uint64
	freeList []uint64
}

func newMemStore(pageSize int) *memStore {
	return &memStore{pages: make(map[uint64]pagefmt.Page), pageSize: pageSize, nextID: 1}
}

func (s *memStore) PageSize() int { return s.pageSize }

func (s *memStore) ReadPage(id uint64) (pagefmt.Page, error) {
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

func (s *memStore) WritePage(p pagefmt.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(pagefmt.Page, len(p))
	copy(cp, p)
	cp.Stamp()
	s.pages[p.PageID()] = cp
	return nil
}

func (s *memStore) AllocatePage() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	return id, nil
}

func (s *memStore) FreePage(pageID, freedAt uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pages, pageID)
	s.freeList = append(s.freeList, pageID)
}

func newTestTree(t *testing.T, pageSize, poolCapacity int, split policy.SplitPolicy, join policy.JoinPolicy) *BTree {
	t.Helper()
	store := newMemStore(pageSize)
	pool := buffer.New(store, poolCapacity, nil, nil)
	var ts uint64
	var tsMu sync.Mutex
	now := func() uint64 {
		tsMu.Lock()
		defer tsMu.Unlock()
		ts++
		return ts
	}
	bt, err := Create(Config{
		Pool:  pool,
		Split: split,
		Join:  join,
		Now:   now,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return bt
}

func intKey(n int) []byte {
	return keycodec.Encode([]keycodec.Segment{keycodec.Int(int64(n))})
}

// memStore.WritePage stamps every page it stores, so pages read back
// through the pool pass Verify().
func TestInsertGetRoundTrip(t *testing.T) {
	bt := newTestTree(t, 4096, 64, mustSplit(t, "NICE"), mustJoin(t, "EVEN"))

	want := map[string]string{}
	for i := 0; i < 50; i++ {
		k := intKey(i)
		v := fmt.Sprintf("value-%d", i)
		if err := bt.Insert(k, []byte(v)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
		want[string(k)] = v
	}

	for i := 0; i < 50; i++ {
		k := intKey(i)
		got, found, err := bt.Get(k)
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if !found {
			t.Fatalf("Get(%d): not found", i)
		}
		if string(got) != want[string(k)] {
			t.Fatalf("Get(%d) = %q, want %q", i, got, want[string(k)])
		}
	}
}

func TestInsertReplaceOverwritesValue(t *testing.T) {
	bt := newTestTree(t, 4096, 64, mustSplit(t, "NICE"), mustJoin(t, "EVEN"))
	k := intKey(1)
	if err := bt.Insert(k, []byte("first")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := bt.Insert(k, []byte("second")); err != nil {
		t.Fatalf("Insert replace: %v", err)
	}
	got, found, err := bt.Get(k)
	if err != nil || !found {
		t.Fatalf("Get: %v found=%v", err, found)
	}
	if string(got) != "second" {
		t.Fatalf("Get after replace = %q, want second", got)
	}
}

func TestGetMissingKeyNotFound(t *testing.T) {
	bt := newTestTree(t, 4096, 64, mustSplit(t, "NICE"), mustJoin(t, "EVEN"))
	_, found, err := bt.Get(intKey(999))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatalf("Get(missing) = found, want not found")
	}
}

func TestDeleteThenGetMisses(t *testing.T) {
	bt := newTestTree(t, 4096, 64, mustSplit(t, "NICE"), mustJoin(t, "EVEN"))
	for i := 0; i < 30; i++ {
		if err := bt.Insert(intKey(i), []byte("v")); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	for i := 0; i < 30; i++ {
		if err := bt.Delete(intKey(i)); err != nil {
			t.Fatalf("Delete(%d): %v", i, err)
		}
	}
	for i := 0; i < 30; i++ {
		_, found, err := bt.Get(intKey(i))
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if found {
			t.Fatalf("Get(%d) found after delete all", i)
		}
	}
}

func TestDeleteMissingKeyErrors(t *testing.T) {
	bt := newTestTree(t, 4096, 64, mustSplit(t, "NICE"), mustJoin(t, "EVEN"))
	if err := bt.Delete(intKey(1)); err != ErrKeyNotFound {
		t.Fatalf("Delete(missing) = %v, want ErrKeyNotFound", err)
	}
}

// TestOrderedTraversalAfterManyInserts grounds spec.md §8 scenario 1:
// sequential insertion under PACK, followed by an ordered traversal
// starting from the leftmost leaf, must yield every key in ascending
// order with no gaps or duplicates.
func TestOrderedTraversalAfterManyInserts(t *testing.T) {
	const n = 2000
	bt := newTestTree(t, 8192, 128, mustSplit(t, "PACK"), mustJoin(t, "EVEN"))

	for i := 0; i < n; i++ {
		if err := bt.Insert(intKey(i), []byte("RED_FOX")); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	id, err := bt.FirstLeaf()
	if err != nil {
		t.Fatalf("FirstLeaf: %v", err)
	}
	count := 0
	for id != 0 {
		entries, next, err := bt.LoadLeaf(id)
		if err != nil {
			t.Fatalf("LoadLeaf: %v", err)
		}
		for _, e := range entries {
			segs, err := keycodec.Decode(e.Key)
			if err != nil {
				t.Fatalf("Decode key: %v", err)
			}
			if segs[0].I != int64(count) {
				t.Fatalf("traversal order broken: got key %d at position %d", segs[0].I, count)
			}
			if string(e.Value) != "RED_FOX" {
				t.Fatalf("unexpected value %q at key %d", e.Value, count)
			}
			count++
		}
		id = next
	}
	if count != n {
		t.Fatalf("traversal visited %d entries, want %d", count, n)
	}
}

// TestEvenSplitScenario4 grounds spec.md §8 scenario 4: inserting keys
// 0..99 into a small page under the EVEN policy produces a root split
// whose two leaves differ in size by at most one entry's worth of bytes.
func TestEvenSplitScenario4(t *testing.T) {
	// Sized so 99 one-byte-value entries (16 bytes each in the page's
	// directory+blob layout) fit in one leaf but the 100th does not,
	// forcing exactly one split with EVEN balancing 50/50.
	bt := newTestTree(t, 1622, 64, mustSplit(t, "EVEN"), mustJoin(t, "EVEN"))
	for i := 0; i < 100; i++ {
		if err := bt.Insert(intKey(i), []byte("x")); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	rootID := bt.RootID()
	h, err := bt.pool.Get(rootID, buffer.Shared)
	if err != nil {
		t.Fatalf("Get root: %v", err)
	}
	root := h.Page()
	if root.IsLeaf() {
		h.Release(false)
		t.Fatalf("expected root to have split into an index page")
	}
	leftID, rightID := root.Ptr(0), root.Ptr(1)
	h.Release(false)

	leftEntries, _, err := bt.LoadLeaf(leftID)
	if err != nil {
		t.Fatalf("LoadLeaf(left): %v", err)
	}
	rightEntries, _, err := bt.LoadLeaf(rightID)
	if err != nil {
		t.Fatalf("LoadLeaf(right): %v", err)
	}
	diff := len(leftEntries) - len(rightEntries)
	if diff < 0 {
		diff = -diff
	}
	if diff > 1 {
		t.Fatalf("EVEN split entry-count imbalance too large: left=%d right=%d", len(leftEntries), len(rightEntries))
	}
}

func mustSplit(t *testing.T, name string) policy.SplitPolicy {
	t.Helper()
	p, err := policy.LookupSplit(name)
	if err != nil {
		t.Fatalf("LookupSplit(%q): %v", name, err)
	}
	return p
}

func mustJoin(t *testing.T, name string) policy.JoinPolicy {
	t.Helper()
	p, err := policy.LookupJoin(name)
	if err != nil {
		t.Fatalf("LookupJoin(%q): %v", name, err)
	}
	return p
}
