package btree

import (
	"bytes"

	"github.com/nainya/ptreedb/pkg/buffer"
)

// Cursor is a path-stack traversal handle over one BTree: the root-to-leaf
// chain of page ids visited to reach the current position, plus the
// current entry index within each page on that path. Grounded on the
// teacher's pkg/btree/iterator.go BIter (SeekLE/Next, path+pos stacks,
// backtrack-then-descend-leftmost), extended here with a symmetric Prev
// (backtrack-then-descend-rightmost) for spec.md §4.2's previous() and
// §4.8's Exchange.
//
// A Cursor holds no pin between calls: each step re-pins the page it
// needs under a shared pin and releases it before returning, so a live
// cursor never blocks a concurrent mutation the way a held pin would.
// Pages are identified by a stable id, so re-pinning by id after a
// structural change elsewhere in the tree is always safe, though the
// entries at a remembered position can shift if the tree mutates between
// calls — ordinary B+-tree cursor behavior, not a correctness issue here
// since every page access re-reads the page fresh.
type Cursor struct {
	bt   *BTree
	path []uint64
	pos  []int // -1 means "before the first entry" (leaf level only)
}

// NewCursor returns an unpositioned Cursor over bt. Call one of
// SeekLE/SeekBeforeFirst/SeekAfterLast before Next/Prev/Key/Value.
func (bt *BTree) NewCursor() *Cursor {
	return &Cursor{bt: bt}
}

func (c *Cursor) entryCountAt(level int) (int, error) {
	h, err := c.bt.pool.Get(c.path[level], buffer.Shared)
	if err != nil {
		return 0, err
	}
	n := int(h.Page().KeyCount())
	h.Release(false)
	return n, nil
}

// SeekLE positions the cursor at the last leaf entry with key <= target,
// or "before the first entry" if no entry qualifies.
func (c *Cursor) SeekLE(key []byte) (bool, error) {
	c.path = c.path[:0]
	c.pos = c.pos[:0]
	id := c.bt.RootID()
	for {
		h, err := c.bt.pool.Get(id, buffer.Shared)
		if err != nil {
			return false, err
		}
		page := h.Page()
		if page.IsLeaf() {
			entries := decodeLeaf(page)
			idx := lookupLE(entries, key)
			c.path = append(c.path, id)
			c.pos = append(c.pos, idx)
			h.Release(false)
			return true, nil
		}
		entries := decodeIndex(page)
		idx := childIndex(entries, key)
		c.path = append(c.path, id)
		c.pos = append(c.pos, idx)
		next := entries[idx].ptr
		h.Release(false)
		id = next
	}
}

// SeekBeforeFirst positions the cursor before the tree's first entry
// (Exchange's BEFORE sentinel): the next Next() call lands on the
// smallest key.
func (c *Cursor) SeekBeforeFirst() error {
	c.path = c.path[:0]
	c.pos = c.pos[:0]
	id := c.bt.RootID()
	for {
		h, err := c.bt.pool.Get(id, buffer.Shared)
		if err != nil {
			return err
		}
		page := h.Page()
		if page.IsLeaf() {
			c.path = append(c.path, id)
			c.pos = append(c.pos, -1)
			h.Release(false)
			return nil
		}
		entries := decodeIndex(page)
		ptr := entries[0].ptr
		c.path = append(c.path, id)
		c.pos = append(c.pos, 0)
		h.Release(false)
		id = ptr
	}
}

// SeekAfterLast positions the cursor one past the tree's last entry
// (Exchange's AFTER sentinel): the next Prev() call lands on the largest
// key.
func (c *Cursor) SeekAfterLast() error {
	c.path = c.path[:0]
	c.pos = c.pos[:0]
	id := c.bt.RootID()
	for {
		h, err := c.bt.pool.Get(id, buffer.Shared)
		if err != nil {
			return err
		}
		page := h.Page()
		if page.IsLeaf() {
			n := int(page.KeyCount())
			c.path = append(c.path, id)
			c.pos = append(c.pos, n)
			h.Release(false)
			return nil
		}
		entries := decodeIndex(page)
		n := len(entries)
		ptr := entries[n-1].ptr
		c.path = append(c.path, id)
		c.pos = append(c.pos, n-1)
		h.Release(false)
		id = ptr
	}
}

// Valid reports whether the cursor currently sits on a real leaf entry.
func (c *Cursor) Valid() (bool, error) {
	if len(c.pos) == 0 {
		return false, nil
	}
	n, err := c.entryCountAt(len(c.path) - 1)
	if err != nil {
		return false, err
	}
	p := c.pos[len(c.pos)-1]
	return p >= 0 && p < n, nil
}

func (c *Cursor) leafEntry() (leafEntry, bool, error) {
	ok, err := c.Valid()
	if err != nil || !ok {
		return leafEntry{}, false, err
	}
	h, err := c.bt.pool.Get(c.path[len(c.path)-1], buffer.Shared)
	if err != nil {
		return leafEntry{}, false, err
	}
	defer h.Release(false)
	entries := decodeLeaf(h.Page())
	return entries[c.pos[len(c.pos)-1]], true, nil
}

// Key returns the current entry's raw key.
func (c *Cursor) Key() ([]byte, bool, error) {
	e, ok, err := c.leafEntry()
	if err != nil || !ok {
		return nil, ok, err
	}
	return e.key, true, nil
}

// Value returns the current entry's raw stored value (marker byte plus
// payload, or the mvcc-encoded chain an owning pkg/mvcc.Engine wrote
// through this tree — Cursor itself is value-agnostic).
func (c *Cursor) Value() ([]byte, bool, error) {
	e, ok, err := c.leafEntry()
	if err != nil || !ok {
		return nil, ok, err
	}
	v, err := c.bt.decodeValue(e.val)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Next advances the cursor to the next leaf entry, backtracking up the
// path and descending the next subtree's leftmost spine when the current
// leaf is exhausted. Returns false once no entry remains.
func (c *Cursor) Next() (bool, error) {
	if len(c.path) == 0 {
		return false, nil
	}
	leafIdx := len(c.path) - 1
	c.pos[leafIdx]++
	n, err := c.entryCountAt(leafIdx)
	if err != nil {
		return false, err
	}
	if c.pos[leafIdx] < n {
		return true, nil
	}

	c.path = c.path[:leafIdx]
	c.pos = c.pos[:leafIdx]
	for len(c.pos) > 0 {
		pi := len(c.pos) - 1
		c.pos[pi]++
		n, err := c.entryCountAt(pi)
		if err != nil {
			return false, err
		}
		if c.pos[pi] < n {
			return c.descendLeftmost()
		}
		c.path = c.path[:pi]
		c.pos = c.pos[:pi]
	}
	return false, nil
}

// Prev is Next's mirror image: backtrack up the path and descend the
// previous subtree's rightmost spine.
func (c *Cursor) Prev() (bool, error) {
	if len(c.path) == 0 {
		return false, nil
	}
	leafIdx := len(c.path) - 1
	c.pos[leafIdx]--
	if c.pos[leafIdx] >= 0 {
		return true, nil
	}

	c.path = c.path[:leafIdx]
	c.pos = c.pos[:leafIdx]
	for len(c.pos) > 0 {
		pi := len(c.pos) - 1
		c.pos[pi]--
		if c.pos[pi] >= 0 {
			return c.descendRightmost()
		}
		c.path = c.path[:pi]
		c.pos = c.pos[:pi]
	}
	return false, nil
}

func (c *Cursor) descendLeftmost() (bool, error) {
	for {
		top := len(c.path) - 1
		h, err := c.bt.pool.Get(c.path[top], buffer.Shared)
		if err != nil {
			return false, err
		}
		entries := decodeIndex(h.Page())
		ptr := entries[c.pos[top]].ptr
		h.Release(false)

		ch, err := c.bt.pool.Get(ptr, buffer.Shared)
		if err != nil {
			return false, err
		}
		isLeaf := ch.Page().IsLeaf()
		n := int(ch.Page().KeyCount())
		ch.Release(false)

		c.path = append(c.path, ptr)
		c.pos = append(c.pos, 0)
		if isLeaf {
			return n > 0, nil
		}
	}
}

func (c *Cursor) descendRightmost() (bool, error) {
	for {
		top := len(c.path) - 1
		h, err := c.bt.pool.Get(c.path[top], buffer.Shared)
		if err != nil {
			return false, err
		}
		entries := decodeIndex(h.Page())
		ptr := entries[c.pos[top]].ptr
		h.Release(false)

		ch, err := c.bt.pool.Get(ptr, buffer.Shared)
		if err != nil {
			return false, err
		}
		isLeaf := ch.Page().IsLeaf()
		n := int(ch.Page().KeyCount())
		ch.Release(false)

		c.path = append(c.path, ptr)
		if isLeaf {
			c.pos = append(c.pos, n-1)
			return n > 0, nil
		}
		c.pos = append(c.pos, n-1)
	}
}

// lookupLE returns the index of the greatest leaf entry with key <=
// target, or -1 if target is less than every entry.
func lookupLE(entries []leafEntry, key []byte) int {
	best := -1
	for i, e := range entries {
		if bytes.Compare(e.key, key) <= 0 {
			best = i
		} else {
			break
		}
	}
	return best
}
