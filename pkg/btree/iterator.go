package btree

import "github.com/nainya/ptreedb/pkg/buffer"

// LeafEntry is a decoded, value-resolved leaf entry handed to pkg/exchange
// for traversal. Value is already dereferenced through the long-value
// store if the entry held a descriptor.
type LeafEntry struct {
	Key   []byte
	Value []byte
}

// SeekLeaf descends to the leaf page that would contain key (its own entry
// if present, otherwise the leaf where it would be inserted), returning
// that leaf's page id. Exchange's to/fetch operations use this as the
// entry point into the leaf right-sibling chain (spec.md invariant 3).
func (bt *BTree) SeekLeaf(key []byte) (uint64, error) {
	id := bt.RootID()
	for {
		h, err := bt.pool.Get(id, buffer.Shared)
		if err != nil {
			return 0, err
		}
		page := h.Page()
		if page.IsLeaf() {
			h.Release(false)
			return id, nil
		}
		entries := decodeIndex(page)
		next := entries[childIndex(entries, key)].ptr
		h.Release(false)
		id = next
	}
}

// FirstLeaf descends the leftmost spine of the tree, returning the leaf
// with the smallest keys. Exchange's to(BEFORE)/next() combination starts
// here.
func (bt *BTree) FirstLeaf() (uint64, error) {
	id := bt.RootID()
	for {
		h, err := bt.pool.Get(id, buffer.Shared)
		if err != nil {
			return 0, err
		}
		page := h.Page()
		if page.IsLeaf() {
			h.Release(false)
			return id, nil
		}
		first := page.Ptr(0)
		h.Release(false)
		id = first
	}
}

// LoadLeaf returns pageID's decoded entries (values resolved through the
// long-value store) and its right-sibling page id (0 if none).
func (bt *BTree) LoadLeaf(pageID uint64) ([]LeafEntry, uint64, error) {
	h, err := bt.pool.Get(pageID, buffer.Shared)
	if err != nil {
		return nil, 0, err
	}
	page := h.Page()
	raw := decodeLeaf(page)
	rightSibling := page.RightSibling()
	h.Release(false)

	out := make([]LeafEntry, len(raw))
	for i, e := range raw {
		val, err := bt.decodeValue(e.val)
		if err != nil {
			return nil, 0, err
		}
		out[i] = LeafEntry{Key: e.key, Value: val}
	}
	return out, rightSibling, nil
}
