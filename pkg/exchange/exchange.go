// Package exchange implements spec.md §4.8: a per-thread cursor/mutator
// handle bound to one (volume, tree) pair, traversing MVCC-filtered
// version chains through pkg/btree.Cursor.
//
// Grounded on the teacher's pkg/btree/iterator.go path-stack SeekLE/Next
// (reused directly as pkg/btree.Cursor, which this package wraps rather
// than duplicates) plus pkg/mvcc's version-chain visibility rules:
// Next/Previous skip any entry VisibleValue rejects, so a traversal only
// ever surfaces keys visible to the bound transaction's snapshot — exactly
// spec.md scenario 2's "a third transaction's next() from BEFORE returns
// false (no visible keys)".
package exchange

import (
	"bytes"
	"errors"

	"github.com/nainya/ptreedb/pkg/btree"
	"github.com/nainya/ptreedb/pkg/mvcc"
)

// ErrNotPositioned is returned by Store/Remove/Fetch when the Exchange has
// not yet been positioned by To/ToBefore/ToAfter/Next/Previous.
var ErrNotPositioned = errors.New("exchange: cursor not positioned")

// Exchange is a single-threaded cursor/mutator over one tree within one
// transaction's snapshot. Not safe for concurrent use by more than one
// goroutine. NewFrom yields an independent handle over the same tree and
// transaction, mirroring the source's "new Exchange(other)" copy
// constructor.
type Exchange struct {
	tree   *btree.BTree
	engine *mvcc.Engine
	txn    *mvcc.Txn
	cur    *btree.Cursor

	positioned bool
	targetKey  []byte // key Store/Remove act on; nil after ToBefore/ToAfter
	key        []byte // key of the last entry Fetch/Next/Previous resolved
	value      []byte
}

// New binds an Exchange to tree under txn's snapshot. engine is the
// pkg/mvcc.Engine that owns tree's version chains (used by RemoveAll).
func New(tree *btree.BTree, engine *mvcc.Engine, txn *mvcc.Txn) *Exchange {
	return &Exchange{tree: tree, engine: engine, txn: txn, cur: tree.NewCursor()}
}

// NewFrom returns an independent handle over the same tree and
// transaction as other, with its own unpositioned cursor.
func NewFrom(other *Exchange) *Exchange {
	return New(other.tree, other.engine, other.txn)
}

// To positions the Exchange at key: Store/Remove will act on key itself;
// Fetch succeeds only if a visible entry exists at exactly key.
func (x *Exchange) To(key []byte) error {
	if _, err := x.cur.SeekLE(key); err != nil {
		return err
	}
	x.targetKey = append([]byte(nil), key...)
	x.positioned = true
	x.key, x.value = nil, nil
	return nil
}

// ToBefore positions the Exchange before the tree's smallest key: the
// next Next() call lands on the smallest visible key.
func (x *Exchange) ToBefore() error {
	if err := x.cur.SeekBeforeFirst(); err != nil {
		return err
	}
	x.targetKey = nil
	x.positioned = true
	x.key, x.value = nil, nil
	return nil
}

// ToAfter positions the Exchange after the tree's largest key: the next
// Previous() call lands on the largest visible key.
func (x *Exchange) ToAfter() error {
	if err := x.cur.SeekAfterLast(); err != nil {
		return err
	}
	x.targetKey = nil
	x.positioned = true
	x.key, x.value = nil, nil
	return nil
}

// Clear resets the Exchange to its unpositioned state.
func (x *Exchange) Clear() {
	x.positioned = false
	x.targetKey, x.key, x.value = nil, nil, nil
}

// Next advances to the next key visible to this Exchange's transaction,
// skipping any key whose version chain resolves to invisible (a
// provisional write by another transaction, or a tombstone). Returns
// false once the tree is exhausted.
func (x *Exchange) Next() (bool, error) {
	if !x.positioned {
		return false, ErrNotPositioned
	}
	for {
		ok, err := x.cur.Next()
		if err != nil {
			return false, err
		}
		if !ok {
			x.targetKey, x.key, x.value = nil, nil, nil
			return false, nil
		}
		vis, err := x.resolveCurrent()
		if err != nil {
			return false, err
		}
		if vis {
			return true, nil
		}
	}
}

// Previous is Next's mirror image.
func (x *Exchange) Previous() (bool, error) {
	if !x.positioned {
		return false, ErrNotPositioned
	}
	for {
		ok, err := x.cur.Prev()
		if err != nil {
			return false, err
		}
		if !ok {
			x.targetKey, x.key, x.value = nil, nil, nil
			return false, nil
		}
		vis, err := x.resolveCurrent()
		if err != nil {
			return false, err
		}
		if vis {
			return true, nil
		}
	}
}

// resolveCurrent loads the cursor's current leaf entry, decodes its
// version chain, and tests visibility against the bound transaction,
// updating targetKey/key/value on success.
func (x *Exchange) resolveCurrent() (bool, error) {
	key, ok, err := x.cur.Key()
	if err != nil || !ok {
		return false, err
	}
	x.targetKey = append([]byte(nil), key...)

	raw, ok, err := x.cur.Value()
	if err != nil || !ok {
		return false, err
	}
	chain, err := mvcc.DecodeChain(raw)
	if err != nil {
		return false, err
	}
	val, vis := mvcc.VisibleValue(chain, x.txn.StartTS(), x.txn.ID())
	if !vis {
		x.value = nil
		return false, nil
	}
	x.key = append([]byte(nil), key...)
	x.value = val
	return true, nil
}

// Fetch loads the value at the Exchange's current target key (set by To)
// if a visible entry exists there, reporting found=false otherwise. It
// does not move the cursor.
func (x *Exchange) Fetch() (found bool, err error) {
	if !x.positioned {
		return false, ErrNotPositioned
	}
	if x.targetKey == nil {
		return false, nil
	}
	curKey, ok, err := x.cur.Key()
	if err != nil {
		return false, err
	}
	if !ok || !bytes.Equal(curKey, x.targetKey) {
		x.value = nil
		return false, nil
	}
	return x.resolveCurrent()
}

// Store writes value at the Exchange's target key within the bound
// transaction, visible only to that transaction until it commits.
func (x *Exchange) Store(value []byte) error {
	if !x.positioned || x.targetKey == nil {
		return ErrNotPositioned
	}
	if err := x.txn.Put(x.targetKey, value); err != nil {
		return err
	}
	x.key = append([]byte(nil), x.targetKey...)
	x.value = append([]byte(nil), value...)
	_, err := x.cur.SeekLE(x.targetKey)
	return err
}

// Remove appends an AntiValue tombstone for the Exchange's target key
// within the bound transaction (spec.md §4.6: deletes never physically
// remove a value).
func (x *Exchange) Remove() error {
	if !x.positioned || x.targetKey == nil {
		return ErrNotPositioned
	}
	if err := x.txn.Delete(x.targetKey); err != nil {
		return err
	}
	x.value = nil
	_, err := x.cur.SeekLE(x.targetKey)
	return err
}

// RemoveAll deletes every key currently visible to the bound transaction,
// implementing spec.md §4.8's removeAll() by delegating to pkg/mvcc's
// whole-tree walk.
func (x *Exchange) RemoveAll() (int, error) {
	return x.engine.RemoveAll(x.txn)
}

// GetKey returns the key of the last entry Fetch/Next/Previous resolved,
// or nil if none is current.
func (x *Exchange) GetKey() []byte { return x.key }

// GetValue returns the value of the last entry Fetch/Next/Previous
// resolved, or nil if none is current.
func (x *Exchange) GetValue() []byte { return x.value }
