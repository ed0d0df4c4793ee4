// Package journal implements spec.md §4.4: an append-only, segmented
// write-ahead log of PAGE_IMAGE/TRANSACTION_START/COMMIT/ABORT/CHECKPOINT/
// TREE_METADATA records, with an in-memory page-index enforcing the
// journal-monotonicity invariant (P2) and a configurable fsync policy.
//
// Grounded on the teacher's pkg/wal package: wal.go's file-rotation and
// Open/Write/Fsync/Close shape, entry.go's header+payload+crc32 framing
// (generalized from one OpType to six RecordKinds), checkpoint.go's
// ticker-driven background checkpointer, and reader.go's sequential
// multi-file reader. File naming follows spec.md §6 ("jrn.<generation>")
// rather than the teacher's "<dbname>.<N>" scheme.
package journal

import "errors"

var (
	// ErrCorrupted is returned when a record's CRC32 does not match its
	// contents.
	ErrCorrupted = errors.New("journal: corrupted record")
	// ErrTruncated is returned when a record's payload runs past the end
	// of readable input — a torn write at a crash.
	ErrTruncated = errors.New("journal: truncated record")
	// ErrUnknownRecordKind is returned by ReadRecord on an unrecognized
	// leading kind byte.
	ErrUnknownRecordKind = errors.New("journal: unknown record kind")
	// ErrClosed is returned by operations on a closed Journal.
	ErrClosed = errors.New("journal: closed")
	// ErrNotFound indicates no journal files exist at the configured path.
	ErrNotFound = errors.New("journal: no log files found")

	// ErrTimestampRegression is the hard, fatal error spec.md §4.4 and §7
	// (category "Programming") describe: a PAGE_IMAGE record was appended
	// for a (volume, page-id) pair with a timestamp lower than the
	// existing page-index entry. This is the invariant the long-record
	// free-chain bug (§9) violates when it is present.
	ErrTimestampRegression = errors.New("journal: page-index timestamp regression (P2 violation)")
)
