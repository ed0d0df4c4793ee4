package journal

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestRecordRoundTrip(t *testing.T) {
	cases := []*Record{
		{LSN: 1, Kind: RecordPageImage, VolumeID: 7, PageID: 42, Timestamp: 100, PageBytes: []byte("hello page")},
		{LSN: 2, Kind: RecordTxnStart, TxnID: 9, StartTS: 100},
		{LSN: 3, Kind: RecordTxnCommit, TxnID: 9, CommitTS: 101},
		{LSN: 4, Kind: RecordTxnAbort, TxnID: 10},
		{LSN: 5, Kind: RecordCheckpoint, Timestamp: 101, EarliestLiveTxn: 9,
			PageIndexSnapshot: []PageIndexEntry{{VolumeID: 7, PageID: 42, Offset: 0, Timestamp: 100}}},
		{LSN: 6, Kind: RecordTreeMetadata, TreeName: "orders", RootPageID: 3, Dropped: false},
		{LSN: 7, Kind: RecordTreeMetadata, TreeName: "orders", Dropped: true},
	}
	for _, want := range cases {
		data := want.Encode()
		got, err := ReadRecord(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("ReadRecord(%s): %v", want.Kind, err)
		}
		if got.LSN != want.LSN || got.Kind != want.Kind {
			t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
		}
		switch want.Kind {
		case RecordPageImage:
			if got.VolumeID != want.VolumeID || got.PageID != want.PageID ||
				got.Timestamp != want.Timestamp || !bytes.Equal(got.PageBytes, want.PageBytes) {
				t.Fatalf("PAGE_IMAGE mismatch: got %+v want %+v", got, want)
			}
		case RecordCheckpoint:
			if len(got.PageIndexSnapshot) != 1 || got.PageIndexSnapshot[0] != want.PageIndexSnapshot[0] {
				t.Fatalf("CHECKPOINT snapshot mismatch: got %+v want %+v", got, want)
			}
		case RecordTreeMetadata:
			if got.TreeName != want.TreeName || got.RootPageID != want.RootPageID || got.Dropped != want.Dropped {
				t.Fatalf("TREE_METADATA mismatch: got %+v want %+v", got, want)
			}
		}
	}
}

func TestReadRecordDetectsCorruption(t *testing.T) {
	rec := &Record{LSN: 1, Kind: RecordTxnAbort, TxnID: 5}
	data := rec.Encode()
	data[len(data)-1] ^= 0xFF // flip a byte inside the trailing CRC
	if _, err := ReadRecord(bytes.NewReader(data)); err != ErrCorrupted {
		t.Fatalf("expected ErrCorrupted, got %v", err)
	}
}

func TestReadRecordTruncated(t *testing.T) {
	rec := &Record{LSN: 1, Kind: RecordPageImage, VolumeID: 1, PageID: 1, Timestamp: 1, PageBytes: []byte("xyz")}
	data := rec.Encode()
	if _, err := ReadRecord(bytes.NewReader(data[:len(data)-6])); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestPageIndexRejectsTimestampRegression(t *testing.T) {
	pi := newPageIndex()
	if err := pi.Update(1, 10, 0, 100); err != nil {
		t.Fatalf("first Update: %v", err)
	}
	if err := pi.Update(1, 10, 200, 150); err != nil {
		t.Fatalf("monotonic Update: %v", err)
	}
	if err := pi.Update(1, 10, 400, 120); err != ErrTimestampRegression {
		t.Fatalf("expected ErrTimestampRegression, got %v", err)
	}
	entry, ok := pi.Lookup(1, 10)
	if !ok || entry.Timestamp != 150 {
		t.Fatalf("regression must not overwrite index entry, got %+v", entry)
	}
}

func TestPageIndexSnapshotRestore(t *testing.T) {
	pi := newPageIndex()
	pi.Update(1, 1, 0, 10)
	pi.Update(1, 2, 64, 20)
	snap := pi.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap))
	}

	pi2 := newPageIndex()
	pi2.Restore(snap)
	if pi2.Len() != 2 {
		t.Fatalf("restored index has %d entries, want 2", pi2.Len())
	}
	e, ok := pi2.Lookup(1, 2)
	if !ok || e.Timestamp != 20 {
		t.Fatalf("restored entry mismatch: %+v", e)
	}
}

func TestJournalAppendAndReopen(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(Config{Dir: dir, Sync: EveryCommit})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := j.AppendPageImage(1, 100, 10, []byte("page-v1")); err != nil {
		t.Fatalf("AppendPageImage: %v", err)
	}
	if err := j.AppendTxnStart(5, 10); err != nil {
		t.Fatalf("AppendTxnStart: %v", err)
	}
	if err := j.AppendTxnCommit(5, 11); err != nil {
		t.Fatalf("AppendTxnCommit: %v", err)
	}
	if err := j.AppendPageImage(1, 100, 11, []byte("page-v2")); err != nil {
		t.Fatalf("AppendPageImage (monotonic bump): %v", err)
	}
	// A regression must be rejected and never reach the file.
	if err := j.AppendPageImage(1, 100, 5, []byte("stale")); err != ErrTimestampRegression {
		t.Fatalf("expected ErrTimestampRegression, got %v", err)
	}

	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "jrn.*"))
	if err != nil || len(files) == 0 {
		t.Fatalf("expected journal files in %s, err=%v files=%v", dir, err, files)
	}

	recs, err := ReadAll(files)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	// The rejected regression must not have been written.
	want := 4
	if len(recs) != want {
		t.Fatalf("got %d records, want %d", len(recs), want)
	}

	j2, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()
	if got := j2.NextLSN(); got <= uint64(want) {
		t.Fatalf("NextLSN after reopen = %d, want > %d (LSN must continue monotonically)", got, want)
	}
}

func TestJournalRotation(t *testing.T) {
	dir := t.TempDir()
	// Each 74-byte record exceeds MaxFileSize and lands in its own file;
	// MaxFiles leaves room for all of them (plus the empty jrn.0).
	j, err := Open(Config{Dir: dir, Sync: EveryCommit, MaxFileSize: 64, MaxFiles: 32})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	for i := uint64(0); i < 20; i++ {
		if err := j.AppendPageImage(1, i, i+1, []byte("some page bytes to force rotation")); err != nil {
			t.Fatalf("AppendPageImage #%d: %v", i, err)
		}
	}

	files, err := j.FindLogFiles()
	if err != nil {
		t.Fatalf("FindLogFiles: %v", err)
	}
	if len(files) < 2 {
		t.Fatalf("expected rotation to produce multiple files, got %d", len(files))
	}

	recs, err := ReadAll(files)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(recs) != 20 {
		t.Fatalf("got %d records across rotated files, want 20", len(recs))
	}
}

func TestJournalPruneOldGenerations(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(Config{Dir: dir, Sync: EveryCommit, MaxFileSize: 48, MaxFiles: 2})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	for i := uint64(0); i < 30; i++ {
		if err := j.AppendPageImage(1, i, i+1, []byte("page bytes padding out the record")); err != nil {
			t.Fatalf("AppendPageImage #%d: %v", i, err)
		}
	}

	files, err := j.FindLogFiles()
	if err != nil {
		t.Fatalf("FindLogFiles: %v", err)
	}
	if len(files) > 2 {
		t.Fatalf("expected pruning to retain at most 2 files, got %d: %v", len(files), files)
	}
}

func TestJournalCheckpointRecordContainsSnapshot(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(Config{Dir: dir, Sync: EveryCommit})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	j.AppendPageImage(1, 1, 10, []byte("a"))
	j.AppendPageImage(1, 2, 20, []byte("b"))
	if err := j.AppendCheckpoint(20, 0); err != nil {
		t.Fatalf("AppendCheckpoint: %v", err)
	}

	files, err := j.FindLogFiles()
	if err != nil {
		t.Fatalf("FindLogFiles: %v", err)
	}
	recs, err := ReadAll(files)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	var cp *Record
	for _, r := range recs {
		if r.Kind == RecordCheckpoint {
			cp = r
		}
	}
	if cp == nil {
		t.Fatalf("no CHECKPOINT record found among %d records", len(recs))
	}
	if len(cp.PageIndexSnapshot) != 2 {
		t.Fatalf("checkpoint snapshot has %d entries, want 2", len(cp.PageIndexSnapshot))
	}
}

func TestJournalClosedRejectsAppend(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := j.AppendTxnStart(1, 1); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestOpenEmptyDirCreatesFileZero(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()
	if _, err := os.Stat(filepath.Join(dir, "jrn.0")); err != nil {
		t.Fatalf("expected jrn.0 to exist: %v", err)
	}
}
