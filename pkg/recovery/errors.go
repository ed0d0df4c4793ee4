// Package recovery implements spec.md §4.5: startup recovery from the
// journal — locate the last valid CHECKPOINT, reconstruct the page-index
// from its snapshot, replay PAGE_IMAGE records forward, and resolve the
// live-transaction table left behind by a crash (property P5).
//
// Grounded on the teacher's pkg/wal/recovery.go: the same
// group-by-transaction / find-last-checkpoint / skip-uncommitted shape,
// adapted from the teacher's single linear key/value replay to
// journal.Record's PAGE_IMAGE-per-page model plus an explicit
// live-transaction table (the teacher's WAL has no MVCC, so it only needed
// committed-vs-uncommitted; this package also reinstates commit
// timestamps for transactions that committed after the checkpoint).
package recovery

import "errors"

// ErrNoJournalFiles is returned when Recover is asked to run over a
// directory containing no journal segments at all — a fresh, empty
// engine, not an error condition callers need to treat specially, but
// surfaced so Recover need not be called on a brand-new store.
var ErrNoJournalFiles = errors.New("recovery: no journal files found")
