package mvcc

import "sync/atomic"

// currentTS returns the engine's monotonic counter without allocating a
// new value, used as the pruning horizon when no transaction is live (in
// that case every committed version below the latest is unreachable).
func (e *Engine) currentTS() uint64 {
	return atomic.LoadUint64(&e.counter)
}

func (e *Engine) pruneHorizon() uint64 {
	if ts, ok := e.live.earliest(); ok {
		return ts
	}
	return e.currentTS()
}

// PruneVersionChain drops version entries on leafPageID's keys that no
// live transaction could ever see, per spec.md §4.7's PruneVersionChain
// cleanup action. Returns the number of version entries dropped.
func (e *Engine) PruneVersionChain(leafPageID uint64) (int, error) {
	if e.leaves == nil {
		return 0, ErrNoLeafWalker
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	entries, _, err := e.leaves.LoadLeaf(leafPageID)
	if err != nil {
		return 0, err
	}
	horizon := e.pruneHorizon()

	dropped := 0
	for _, entry := range entries {
		chain, err := DecodeChain(entry.Value)
		if err != nil {
			return dropped, err
		}
		pruned := PruneVisible(chain, horizon)
		if len(pruned) == len(chain) {
			continue
		}
		dropped += len(chain) - len(pruned)
		if err := e.storeChain(entry.Key, pruned); err != nil {
			return dropped, err
		}
	}
	return dropped, nil
}

// PruneAntiValues removes committed tombstones on pageID's keys whose
// commit-ts is below the earliest live start-ts (property P6), deleting
// the key entirely from the tree when nothing remains of its chain — this
// shrinks the leaf's key count, letting pkg/btree's own delete-path join
// logic fold siblings together exactly as spec.md §4.7 requires ("if the
// page becomes empty and siblings allow, enqueue a join").
func (e *Engine) PruneAntiValues(pageID uint64) (int, error) {
	if e.leaves == nil {
		return 0, ErrNoLeafWalker
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	entries, _, err := e.leaves.LoadLeaf(pageID)
	if err != nil {
		return 0, err
	}
	horizon := e.pruneHorizon()

	touched := 0
	for _, entry := range entries {
		chain, err := DecodeChain(entry.Value)
		if err != nil {
			return touched, err
		}
		pruned, empty := PruneAntiValues(chain, horizon)
		if empty {
			if err := e.tree.Delete(entry.Key); err != nil {
				return touched, err
			}
			touched++
			continue
		}
		if len(pruned) != len(chain) {
			if err := e.storeChain(entry.Key, pruned); err != nil {
				return touched, err
			}
			touched++
		}
	}
	return touched, nil
}
