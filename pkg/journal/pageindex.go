package journal

import "sync"

type pageKey struct {
	volumeID uint64
	pageID   uint64
}

// PageIndex is the journal's in-memory map from (volume, page-id) to the
// most recent journal offset and timestamp recording that page, spec.md
// §4.4. Update enforces the non-decreasing-timestamp invariant (P2); a
// violation is the fatal "Programming" error category of spec.md §7.
type PageIndex struct {
	mu      sync.Mutex
	entries map[pageKey]PageIndexEntry
}

func newPageIndex() *PageIndex {
	return &PageIndex{entries: make(map[pageKey]PageIndexEntry)}
}

// Update records a new PAGE_IMAGE sighting for (volumeID, pageID) at the
// given file offset and timestamp. Returns ErrTimestampRegression if ts is
// lower than the timestamp already on file for this page — the journal
// monotonicity invariant spec.md calls property P2.
func (pi *PageIndex) Update(volumeID, pageID uint64, offset int64, ts uint64) error {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	key := pageKey{volumeID, pageID}
	if existing, ok := pi.entries[key]; ok && ts < existing.Timestamp {
		return ErrTimestampRegression
	}
	pi.entries[key] = PageIndexEntry{VolumeID: volumeID, PageID: pageID, Offset: offset, Timestamp: ts}
	return nil
}

// Lookup returns the current index entry for (volumeID, pageID), if any.
func (pi *PageIndex) Lookup(volumeID, pageID uint64) (PageIndexEntry, bool) {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	e, ok := pi.entries[pageKey{volumeID, pageID}]
	return e, ok
}

// Snapshot returns every entry currently in the index, in no particular
// order, for embedding into a CHECKPOINT record.
func (pi *PageIndex) Snapshot() []PageIndexEntry {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	out := make([]PageIndexEntry, 0, len(pi.entries))
	for _, e := range pi.entries {
		out = append(out, e)
	}
	return out
}

// Restore replaces the index wholesale with entries — used by pkg/recovery
// to reconstruct the index from a checkpoint's snapshot before forward
// replay (spec.md §4.5 step 2).
func (pi *PageIndex) Restore(entries []PageIndexEntry) {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	pi.entries = make(map[pageKey]PageIndexEntry, len(entries))
	for _, e := range entries {
		pi.entries[pageKey{e.VolumeID, e.PageID}] = e
	}
}

// Len reports the number of pages currently tracked.
func (pi *PageIndex) Len() int {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	return len(pi.entries)
}
