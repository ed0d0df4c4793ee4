package mvcc

import (
	"sync"
	"sync/atomic"

	"github.com/nainya/ptreedb/internal/plog"
	"github.com/nainya/ptreedb/internal/pmetrics"
	"github.com/nainya/ptreedb/pkg/btree"
	"github.com/nainya/ptreedb/pkg/journal"
)

// Tree is the subset of *btree.BTree the Engine needs: get/store/remove of
// a raw value blob (the encoded version chain) keyed by the tree's own
// encoded key bytes. Declared as an interface (rather than used as
// *btree.BTree directly) purely so tests can substitute an in-memory fake.
type Tree interface {
	Get(key []byte) ([]byte, bool, error)
	Insert(key, value []byte) error
	Delete(key []byte) error
}

// Leaves is the traversal subset of *btree.BTree the Engine exposes to
// pkg/exchange and to Engine's own whole-tree scans (rollback/reinstate
// during recovery, RemoveAll). Reuses btree.LeafEntry directly: this
// package and pkg/exchange sit above pkg/btree in the dependency graph
// (btree imports neither), so there is no cycle to avoid here the way
// pkg/btree's own LongValueStore interface avoids one with pkg/longrec.
type Leaves interface {
	SeekLeaf(key []byte) (uint64, error)
	FirstLeaf() (uint64, error)
	LoadLeaf(pageID uint64) (entries []btree.LeafEntry, rightSibling uint64, err error)
}

// Engine is the transaction manager for one tree: timestamp/txn-id
// allocation, the live-transaction set, and version-chain read/write
// through Tree. Grounded on the teacher's WAL-adjacent bookkeeping
// (recovery.go's Transaction type) generalized with an actual conflict
// check and snapshot-read filter the teacher's log-only WAL never needed.
type Engine struct {
	mu      sync.Mutex
	tree    Tree
	leaves  Leaves
	journal *journal.Journal
	counter uint64
	live    *liveSet

	log     *plog.Logger
	metrics *pmetrics.Metrics
}

// NewEngine builds an Engine over tree (and, if non-nil, leaves for
// whole-tree scans). j may be nil for tests that don't exercise journal
// integration.
func NewEngine(tree Tree, leaves Leaves, j *journal.Journal, log *plog.Logger, metrics *pmetrics.Metrics) *Engine {
	if log == nil {
		log = plog.Nop()
	}
	return &Engine{
		tree:    tree,
		leaves:  leaves,
		journal: j,
		live:    newLiveSet(),
		log:     log.Component("mvcc"),
		metrics: metrics,
	}
}

func (e *Engine) nextTS() uint64 { return atomic.AddUint64(&e.counter, 1) }

// Now allocates a timestamp from the same monotonic source Begin/Commit
// draw from, for a caller outside any transaction that still needs a
// properly ordered stamp: pkg/btree's page timestamps and pkg/longrec's
// page-reclaim timestamps, per spec.md §4.3's requirement that the
// cleanup manager and the long-record writer "assign timestamps from the
// same monotonic source."
func (e *Engine) Now() uint64 { return e.nextTS() }

// Bump advances the engine's counter past ts without allocating a
// transaction, used by recovery to resume the monotonic sequence after a
// restart at the highest ts observed in the journal.
func (e *Engine) Bump(ts uint64) {
	for {
		cur := atomic.LoadUint64(&e.counter)
		if ts <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(&e.counter, cur, ts) {
			return
		}
	}
}

// EarliestLiveStartTS reports the oldest open transaction's start-ts, for
// pkg/cleanup's PruneAntiValues horizon (P6) and for CHECKPOINT records'
// EarliestLiveTxn field.
func (e *Engine) EarliestLiveStartTS() (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.live.earliest()
}

func (e *Engine) loadChain(key []byte) ([]Version, error) {
	raw, ok, err := e.tree.Get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return DecodeChain(raw)
}

func (e *Engine) storeChain(key []byte, chain []Version) error {
	if len(chain) == 0 {
		return e.tree.Delete(key)
	}
	return e.tree.Insert(key, EncodeChain(chain))
}

// Begin starts a new transaction, capturing start-ts from the shared
// monotonic counter (spec.md §4.6: "A transaction captures start-ts at
// begin()"). The transaction's id is that same start-ts value, since
// spec.md only requires commit-order == timestamp-order, not that ids
// and commit timestamps occupy visibly distinct spaces.
func (e *Engine) Begin() *Txn {
	e.mu.Lock()
	startTS := e.nextTS()
	e.live.add(startTS)
	e.mu.Unlock()

	if e.journal != nil {
		e.journal.AppendTxnStart(startTS, startTS)
	}
	return &Txn{
		engine:  e,
		id:      startTS,
		startTS: startTS,
		writes:  make(map[string]struct{}),
		state:   txnActive,
	}
}

// RemoveAll deletes every key currently visible to txn, implementing
// Exchange.removeAll() (spec.md §4.8) by walking every leaf via Leaves.
func (e *Engine) RemoveAll(t *Txn) (int, error) {
	if e.leaves == nil {
		return 0, ErrNoLeafWalker
	}
	pageID, err := e.leaves.FirstLeaf()
	if err != nil {
		return 0, err
	}
	n := 0
	for pageID != 0 {
		entries, right, err := e.leaves.LoadLeaf(pageID)
		if err != nil {
			return n, err
		}
		for _, entry := range entries {
			chain, err := DecodeChain(entry.Value)
			if err != nil {
				return n, err
			}
			if _, ok := VisibleValue(chain, t.startTS, t.id); ok {
				if err := t.Delete(entry.Key); err != nil {
					return n, err
				}
				n++
			}
		}
		pageID = right
	}
	return n, nil
}
