// Package cleanup implements spec.md §4.7: a single background worker
// draining a priority queue of PruneVersionChain/PruneAntiValues/FreePage
// actions, polling at a configurable interval (or suspended entirely for
// deterministic tests).
//
// Grounded on the teacher's pkg/wal/checkpoint.go Checkpointer: the same
// ticker-goroutine-with-stop-channel shape, generalized from one fixed
// action (flush+checkpoint) to a container/heap priority queue of
// heterogeneous actions, the same heap-based pattern pkg/mvcc uses for its
// live-transaction set.
package cleanup

import "errors"

// ErrStopped is returned by Enqueue after the manager has been stopped.
var ErrStopped = errors.New("cleanup: manager stopped")
