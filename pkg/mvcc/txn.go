package mvcc

type txnStatus int

const (
	txnActive txnStatus = iota
	txnCommitted
	txnAborted
)

// Txn is one snapshot-isolated transaction (spec.md §4.6). Not safe for
// concurrent use by multiple goroutines, matching pkg/exchange's
// single-threaded-handle contract.
type Txn struct {
	engine  *Engine
	id      uint64
	startTS uint64
	writes  map[string]struct{}
	state   txnStatus
}

// ID returns the transaction's id (equal to its start-ts in this engine).
func (t *Txn) ID() uint64 { return t.id }

// StartTS returns the timestamp captured at Begin.
func (t *Txn) StartTS() uint64 { return t.startTS }

// Get returns the value visible to this transaction for key: its own
// uncommitted write if any, else the most recent committed version with
// commit-ts <= StartTS. ok is false if the key is absent or tombstoned.
func (t *Txn) Get(key []byte) (value []byte, ok bool, err error) {
	if t.state != txnActive {
		return nil, false, ErrTxnFinished
	}
	t.engine.mu.Lock()
	chain, err := t.engine.loadChain(key)
	t.engine.mu.Unlock()
	if err != nil {
		return nil, false, err
	}
	v, ok := VisibleValue(chain, t.startTS, t.id)
	return v, ok, nil
}

// Put writes value for key, visible only to this transaction until Commit.
func (t *Txn) Put(key, value []byte) error {
	return t.write(key, Provisional, value)
}

// Delete appends an AntiValue tombstone for key rather than removing it
// physically (spec.md §4.6), visible only to this transaction until Commit.
func (t *Txn) Delete(key []byte) error {
	return t.write(key, AntiProvisional, nil)
}

func (t *Txn) write(key []byte, kind Kind, value []byte) error {
	if t.state != txnActive {
		return ErrTxnFinished
	}
	t.engine.mu.Lock()
	defer t.engine.mu.Unlock()
	chain, err := t.engine.loadChain(key)
	if err != nil {
		return err
	}
	chain = upsertProvisional(chain, t.id, kind, value)
	if err := t.engine.storeChain(key, chain); err != nil {
		return err
	}
	t.writes[string(key)] = struct{}{}
	return nil
}

// Commit finalizes every key this transaction wrote at a freshly allocated
// commit-ts, after checking each for a write-write conflict: if any key's
// chain now shows a committed version newer than this transaction's
// start-ts, the whole transaction is rolled back and ErrWriteConflict is
// returned (spec.md §4.6, scenario 6).
func (t *Txn) Commit() error {
	if t.state != txnActive {
		return ErrTxnFinished
	}
	t.engine.mu.Lock()
	defer t.engine.mu.Unlock()

	for keyStr := range t.writes {
		chain, err := t.engine.loadChain([]byte(keyStr))
		if err != nil {
			return err
		}
		if latestCommittedTS(chain) > t.startTS {
			t.abortLocked()
			if t.engine.metrics != nil {
				t.engine.metrics.TxnAborts.Inc()
			}
			return ErrWriteConflict
		}
	}

	commitTS := t.engine.nextTS()
	for keyStr := range t.writes {
		key := []byte(keyStr)
		chain, err := t.engine.loadChain(key)
		if err != nil {
			return err
		}
		chain = finalizeProvisional(chain, t.id, commitTS)
		if err := t.engine.storeChain(key, chain); err != nil {
			return err
		}
	}
	t.state = txnCommitted
	t.engine.live.remove(t.startTS)
	if t.engine.journal != nil {
		t.engine.journal.AppendTxnCommit(t.id, commitTS)
	}
	if t.engine.metrics != nil {
		t.engine.metrics.TxnCommits.Inc()
	}
	return nil
}

// Rollback discards every write this transaction made.
func (t *Txn) Rollback() error {
	if t.state != txnActive {
		return ErrTxnFinished
	}
	t.engine.mu.Lock()
	defer t.engine.mu.Unlock()
	err := t.abortLocked()
	if err == nil && t.engine.metrics != nil {
		t.engine.metrics.TxnRollbacks.Inc()
	}
	return err
}

func (t *Txn) abortLocked() error {
	for keyStr := range t.writes {
		key := []byte(keyStr)
		chain, err := t.engine.loadChain(key)
		if err != nil {
			return err
		}
		chain = dropProvisional(chain, t.id)
		if err := t.engine.storeChain(key, chain); err != nil {
			return err
		}
	}
	t.state = txnAborted
	t.engine.live.remove(t.startTS)
	if t.engine.journal != nil {
		t.engine.journal.AppendTxnAbort(t.id)
	}
	return nil
}
