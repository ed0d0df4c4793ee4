package btree

import "github.com/nainya/ptreedb/pkg/buffer"

// Get looks up key, descending from the root with a shared pin on one
// page at a time (lock-coupling: child is pinned before the parent is
// released), so concurrent readers never block behind one another and
// only contend with a mutation actively rewriting the exact page in
// their path.
func (bt *BTree) Get(key []byte) ([]byte, bool, error) {
	id := bt.RootID()
	var parent *buffer.Handle
	for {
		h, err := bt.pool.Get(id, buffer.Shared)
		if parent != nil {
			parent.Release(false)
			parent = nil
		}
		if err != nil {
			return nil, false, err
		}
		page := h.Page()
		if page.IsLeaf() {
			entries := decodeLeaf(page)
			idx := lookupLeaf(entries, key)
			if idx < 0 {
				h.Release(false)
				return nil, false, nil
			}
			stored := append([]byte(nil), entries[idx].val...)
			h.Release(false)
			val, err := bt.decodeValue(stored)
			if err != nil {
				return nil, false, err
			}
			return val, true, nil
		}
		entries := decodeIndex(page)
		next := entries[childIndex(entries, key)].ptr
		parent = h
		id = next
	}
}
