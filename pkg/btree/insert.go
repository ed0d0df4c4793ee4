package btree

import (
	"bytes"

	"github.com/nainya/ptreedb/pkg/buffer"
	"github.com/nainya/ptreedb/pkg/pagefmt"
	"github.com/nainya/ptreedb/pkg/policy"
)

// splitResult is returned up the recursion when a page had to split; the
// caller (the page's parent, or Insert itself for a root split) must
// insert a new separator/child pointer for newRightID.
type splitResult struct {
	sepKey    []byte
	newRightID uint64
}

// Insert writes key/value, splitting pages bottom-up as needed. Structural
// mutations are serialized by bt.mu; see the package doc for why.
func (bt *BTree) Insert(key, value []byte) error {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	seq := bt.recordInsert(key)
	capacity := pagefmt.Capacity(bt.pool.PageSize())
	storedVal, err := bt.encodeValue(value, capacity)
	if err != nil {
		return err
	}

	root := bt.RootID()
	res, err := bt.insertInto(root, key, storedVal, seq)
	if err != nil {
		return err
	}
	if res == nil {
		return nil
	}

	// Root split: allocate a new root index page with two children.
	rootLevel, err := bt.pageLevel(root)
	if err != nil {
		return err
	}
	nh, err := bt.pool.GetForNew(pagefmt.TypeIndex, rootLevel+1)
	if err != nil {
		return err
	}
	encodeIndex(nh.Page(), nh.ID(), 0, rootLevel+1, []indexEntry{
		{key: nil, ptr: root},
		{key: res.sepKey, ptr: res.newRightID},
	})
	nh.Page().BumpTimestamp(bt.now())
	nh.Release(true)

	bt.rootMu.Lock()
	bt.rootID = nh.ID()
	bt.rootMu.Unlock()
	if bt.onRoot != nil {
		return bt.onRoot(nh.ID())
	}
	return nil
}

func (bt *BTree) pageLevel(id uint64) (uint8, error) {
	h, err := bt.pool.Get(id, buffer.Shared)
	if err != nil {
		return 0, err
	}
	defer h.Release(false)
	return h.Page().Level(), nil
}

// insertInto recursively descends to the leaf owning key, inserts/replaces
// it, and propagates any resulting split upward.
func (bt *BTree) insertInto(pageID uint64, key, storedVal []byte, seq policy.Sequence) (*splitResult, error) {
	h, err := bt.pool.Get(pageID, buffer.Exclusive)
	if err != nil {
		return nil, err
	}
	page := h.Page()

	if page.IsLeaf() {
		entries := decodeLeaf(page)
		idx := lookupLeaf(entries, key)
		replace := idx >= 0
		if replace {
			freeErr := bt.freeValueIfLong(entries[idx].val)
			entries[idx].val = storedVal
			if freeErr != nil {
				h.Release(false)
				return nil, freeErr
			}
		} else {
			entries = insertLeafSorted(entries, leafEntry{key: key, val: storedVal})
			idx = lookupLeaf(entries, key)
		}

		if leafTotalSize(entries) <= pagefmt.Capacity(len(page)) {
			encodeLeaf(page, pageID, page.RightSibling(), entries)
			page.BumpTimestamp(bt.now())
			h.Release(true)
			return nil, nil
		}

		left, right, err := bt.splitLeaf(entries, idx, replace, pagefmt.Capacity(len(page)), seq)
		if err != nil {
			h.Release(false)
			return nil, err
		}
		nh, err := bt.pool.GetForNew(pagefmt.TypeData, 0)
		if err != nil {
			h.Release(false)
			return nil, err
		}
		oldRight := page.RightSibling()
		encodeLeaf(nh.Page(), nh.ID(), oldRight, right)
		nh.Page().BumpTimestamp(bt.now())
		nh.Release(true)

		encodeLeaf(page, pageID, nh.ID(), left)
		page.BumpTimestamp(bt.now())
		h.Release(true)

		return &splitResult{sepKey: right[0].key, newRightID: nh.ID()}, nil
	}

	entries := decodeIndex(page)
	ci := childIndex(entries, key)
	childRes, err := bt.insertInto(entries[ci].ptr, key, storedVal, seq)
	if err != nil {
		h.Release(false)
		return nil, err
	}
	if childRes == nil {
		h.Release(false)
		return nil, nil
	}

	// Insert the new separator right after the entry we descended through.
	newEntry := indexEntry{key: childRes.sepKey, ptr: childRes.newRightID}
	entries = append(entries[:ci+1], append([]indexEntry{newEntry}, entries[ci+1:]...)...)

	if indexTotalSize(entries) <= pagefmt.Capacity(len(page)) {
		encodeIndex(page, pageID, page.RightSibling(), page.Level(), entries)
		page.BumpTimestamp(bt.now())
		h.Release(true)
		return nil, nil
	}

	insertAt := ci + 1
	left, right, err := bt.splitIndex(entries, insertAt, pagefmt.Capacity(len(page)), seq)
	if err != nil {
		h.Release(false)
		return nil, err
	}
	nh, err := bt.pool.GetForNew(pagefmt.TypeIndex, page.Level())
	if err != nil {
		h.Release(false)
		return nil, err
	}
	oldRight := page.RightSibling()
	sepKey := right[0].key
	right[0].key = nil // leftmost fence of the new right page
	encodeIndex(nh.Page(), nh.ID(), oldRight, page.Level(), right)
	nh.Page().BumpTimestamp(bt.now())
	nh.Release(true)

	encodeIndex(page, pageID, nh.ID(), page.Level(), left)
	page.BumpTimestamp(bt.now())
	h.Release(true)

	return &splitResult{sepKey: sepKey, newRightID: nh.ID()}, nil
}

func insertLeafSorted(entries []leafEntry, e leafEntry) []leafEntry {
	i := 0
	for i < len(entries) && lessKey(entries[i].key, e.key) {
		i++
	}
	out := make([]leafEntry, 0, len(entries)+1)
	out = append(out, entries[:i]...)
	out = append(out, e)
	out = append(out, entries[i:]...)
	return out
}

func lessKey(a, b []byte) bool {
	return bytes.Compare(a, b) < 0
}
