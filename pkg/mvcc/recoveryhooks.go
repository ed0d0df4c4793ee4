package mvcc

// Rollback and Reinstate implement pkg/recovery.TxnHooks: after a crash,
// recovery has no live *Txn (it died with the process), so both methods
// resolve the transaction by scanning every leaf for entries still tagged
// with txnID and rewriting them in place. This is the recovery-time
// analogue of Txn.abortLocked/Commit's write-set walk.

// Rollback drops every provisional entry txnID left behind, implementing
// spec.md §4.5 step 4's "any START without COMMIT/ABORT at journal end is
// rolled back by marking its versions as aborted."
func (e *Engine) Rollback(txnID uint64) error {
	return e.rewriteChains(txnID, func(chain []Version) []Version {
		return dropProvisional(chain, txnID)
	})
}

// Reinstate converts txnID's provisional entries to committed ones at
// commitTS, implementing spec.md §4.5 step 4's "commits past the
// checkpoint are re-applied by reinstating their commit-ts." The counter
// is only bumped past commitTS if txnID actually belongs to this engine's
// tree: a multi-tree engine's recovery broadcasts Reinstate to every open
// tree for a shared journal (see pkg/engine), and an engine that never
// saw txnID must not have its counter dragged into another tree's
// timestamp range.
func (e *Engine) Reinstate(txnID, commitTS uint64) error {
	touchedAny := false
	err := e.rewriteChains(txnID, func(chain []Version) []Version {
		touchedAny = true
		return finalizeProvisional(chain, txnID, commitTS)
	})
	if touchedAny {
		e.Bump(commitTS)
	}
	return err
}

func (e *Engine) rewriteChains(txnID uint64, rewrite func([]Version) []Version) error {
	if e.leaves == nil {
		return ErrNoLeafWalker
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	pageID, err := e.leaves.FirstLeaf()
	if err != nil {
		return err
	}
	for pageID != 0 {
		entries, right, err := e.leaves.LoadLeaf(pageID)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			chain, err := DecodeChain(entry.Value)
			if err != nil {
				return err
			}
			touched := false
			for _, v := range chain {
				if v.Kind.isProvisional() && v.Ts == txnID {
					touched = true
					break
				}
			}
			if !touched {
				continue
			}
			if err := e.storeChain(entry.Key, rewrite(chain)); err != nil {
				return err
			}
		}
		pageID = right
	}
	return nil
}
