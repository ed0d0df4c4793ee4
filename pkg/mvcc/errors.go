// Package mvcc implements spec.md §4.6: snapshot-isolated transactions
// layered on top of pkg/btree. A key's value is never stored directly;
// instead the btree holds an encoded version chain (see chain.go) as its
// opaque value blob, so btree's existing long-value promotion transparently
// handles large chains with no change to btree itself.
//
// Grounded on the teacher's transaction bookkeeping in
// pkg/wal/recovery.go's Transaction{TxnID,StartLSN,Entries,Committed}
// (generalized here into a live Txn with an explicit write-set and
// conflict check, since the teacher's WAL has no MVCC of its own) and on
// the container/heap "earliest outstanding reader" pattern used elsewhere
// in the retrieved example pack for tracking the oldest in-flight
// consumer, adapted here to track the oldest live transaction's start-ts
// for pkg/cleanup's tombstone-pruning horizon (P6).
package mvcc

import "errors"

var (
	// ErrWriteConflict is returned by Txn.Commit when another transaction
	// committed a newer version of a key this transaction wrote, after
	// this transaction's start-ts (spec.md §4.6, scenario 6). The
	// transaction is rolled back automatically before this is returned,
	// mirroring the source's RollbackException.
	ErrWriteConflict = errors.New("mvcc: write-write conflict, transaction rolled back")
	// ErrTxnFinished is returned by any operation on a Txn that has
	// already committed or rolled back.
	ErrTxnFinished = errors.New("mvcc: transaction already committed or rolled back")
	// ErrKeyNotFound reports a key with no visible version. Txn.Get does
	// not return it: Get reports absence through its ok result.
	ErrKeyNotFound = errors.New("mvcc: key not found")
	// ErrCorruptChain is returned when a stored version chain's bytes do
	// not parse, a Durable-category error per spec.md §7.
	ErrCorruptChain = errors.New("mvcc: corrupt version chain")
	// ErrNoLeafWalker is returned by operations that need whole-tree
	// traversal (RemoveAll) when the Engine was built without a Leaves
	// implementation.
	ErrNoLeafWalker = errors.New("mvcc: engine has no leaf walker configured")
)
