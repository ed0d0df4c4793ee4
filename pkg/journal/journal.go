package journal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nainya/ptreedb/internal/plog"
	"github.com/nainya/ptreedb/internal/pmetrics"
)

const (
	// DefaultMaxFileSize bounds one journal file before rotation, mirroring
	// the teacher's MaxLogFileSize.
	DefaultMaxFileSize = 100 << 20
	// DefaultMaxFiles is how many rotated generations are retained.
	DefaultMaxFiles = 3

	filePrefix = "jrn"
)

// SyncPolicy selects when Append forces an fsync, spec.md §4.4/§6.
type SyncPolicy int

const (
	// EveryCommit fsyncs on every TRANSACTION_COMMIT, TRANSACTION_ABORT and
	// CHECKPOINT record.
	EveryCommit SyncPolicy = iota
	// GroupCommit coalesces commit fsyncs within GroupCommitWindow.
	GroupCommit
	// Periodic leaves commit and abort records to a fixed background tick;
	// CHECKPOINT records and file rotation still fsync immediately.
	Periodic
)

// Config configures a Journal.
type Config struct {
	Dir               string
	MaxFileSize       int64
	MaxFiles          int
	Sync              SyncPolicy
	GroupCommitWindow time.Duration
	PeriodicInterval  time.Duration
	Log               *plog.Logger
	Metrics           *pmetrics.Metrics
}

// Journal is an append-only, segmented write-ahead log. Grounded on the
// teacher's pkg/wal.WAL: same Open/Write/Fsync/Close/rotate shape,
// generalized from one fixed entry type to journal.Record's six kinds, and
// from the teacher's unconditional per-write fsync to a selectable
// SyncPolicy.
type Journal struct {
	dir         string
	maxFileSize int64
	maxFiles    int
	syncPolicy  SyncPolicy
	groupWindow time.Duration

	mu         sync.Mutex
	fd         *os.File
	generation int
	fileSize   int64
	lsn        uint64
	closed     bool

	index *PageIndex

	pendingMu   sync.Mutex
	pendingSync []chan error
	groupTimer  *time.Timer

	periodicInterval time.Duration
	stopCh           chan struct{}
	doneCh           chan struct{}

	log     *plog.Logger
	metrics *pmetrics.Metrics
}

// Open opens or creates the journal at cfg.Dir, scanning existing files for
// the highest LSN so NextLSN continues monotonically across restarts.
func Open(cfg Config) (*Journal, error) {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = DefaultMaxFiles
	}
	log := cfg.Log
	if log == nil {
		log = plog.Nop()
	}
	j := &Journal{
		dir:              cfg.Dir,
		maxFileSize:      cfg.MaxFileSize,
		maxFiles:         cfg.MaxFiles,
		syncPolicy:       cfg.Sync,
		groupWindow:      cfg.GroupCommitWindow,
		periodicInterval: cfg.PeriodicInterval,
		index:            newPageIndex(),
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
		log:              log.Component("journal"),
		metrics:          cfg.Metrics,
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: mkdir %s: %w", cfg.Dir, err)
	}

	files, err := j.findLogFiles()
	if err != nil {
		return nil, err
	}
	if len(files) > 0 {
		latest := files[len(files)-1]
		fd, err := os.OpenFile(latest, os.O_RDWR|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("journal: open %s: %w", latest, err)
		}
		j.fd = fd
		stat, err := fd.Stat()
		if err != nil {
			return nil, err
		}
		j.fileSize = stat.Size()
		fmt.Sscanf(filepath.Base(latest), filePrefix+".%d", &j.generation)
		maxLSN, err := j.scanForHighestLSN(files)
		if err != nil {
			return nil, err
		}
		j.lsn = maxLSN
	} else {
		fd, err := os.OpenFile(j.filePath(0), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("journal: create: %w", err)
		}
		j.fd = fd
	}

	if j.syncPolicy == Periodic && j.periodicInterval > 0 {
		go j.periodicFlusher()
	} else {
		close(j.doneCh)
	}
	return j, nil
}

func (j *Journal) filePath(generation int) string {
	return filepath.Join(j.dir, fmt.Sprintf("%s.%d", filePrefix, generation))
}

// findLogFiles lists this journal's files sorted by generation.
func (j *Journal) findLogFiles() ([]string, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var gen int
		if _, err := fmt.Sscanf(e.Name(), filePrefix+".%d", &gen); err == nil {
			files = append(files, filepath.Join(j.dir, e.Name()))
		}
	}
	sort.Slice(files, func(i, k int) bool {
		var gi, gk int
		fmt.Sscanf(filepath.Base(files[i]), filePrefix+".%d", &gi)
		fmt.Sscanf(filepath.Base(files[k]), filePrefix+".%d", &gk)
		return gi < gk
	})
	return files, nil
}

func (j *Journal) scanForHighestLSN(files []string) (uint64, error) {
	var max uint64
	for _, path := range files {
		fd, err := os.Open(path)
		if err != nil {
			return 0, err
		}
		for {
			rec, err := ReadRecord(fd)
			if err == io.EOF {
				break
			}
			if err != nil {
				// Torn tail: stop scanning this file, as a clean-shutdown
				// journal never leaves trailing garbage (spec.md §6).
				break
			}
			if rec.LSN > max {
				max = rec.LSN
			}
		}
		fd.Close()
	}
	return max, nil
}

// NextLSN allocates the next Log Sequence Number.
func (j *Journal) NextLSN() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lsn++
	return j.lsn
}

// PageIndex returns the journal's in-memory page-index.
func (j *Journal) PageIndex() *PageIndex { return j.index }

// append writes rec's frame to the current file, rotating first if it
// would exceed maxFileSize, and fsyncs according to forceSync and the
// configured SyncPolicy.
func (j *Journal) append(rec *Record, forceSync bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}

	data := rec.Encode()
	if j.fileSize+int64(len(data)) > j.maxFileSize {
		if err := j.rotateLocked(); err != nil {
			return err
		}
	}
	n, err := j.fd.Write(data)
	if err != nil {
		return err
	}
	j.fileSize += int64(n)
	if j.metrics != nil {
		j.metrics.JournalBytesWritten.Add(float64(n))
	}

	switch j.syncPolicy {
	case EveryCommit:
		if forceSync {
			return j.fsyncLocked()
		}
	case GroupCommit:
		if forceSync {
			return j.scheduleGroupSyncLocked()
		}
	case Periodic:
		// background ticker handles durability; nothing to do here.
	}
	return nil
}

func (j *Journal) fsyncLocked() error {
	if err := j.fd.Sync(); err != nil {
		return err
	}
	if j.metrics != nil {
		j.metrics.JournalFsyncs.Inc()
	}
	return nil
}

// scheduleGroupSyncLocked coalesces concurrent commit-sync requests within
// groupWindow into a single fsync, grounded on the teacher's checkpoint.go
// ticker pattern generalized to a one-shot coalescing timer.
func (j *Journal) scheduleGroupSyncLocked() error {
	if j.groupWindow <= 0 {
		return j.fsyncLocked()
	}
	done := make(chan error, 1)
	j.pendingMu.Lock()
	j.pendingSync = append(j.pendingSync, done)
	if j.groupTimer == nil {
		j.groupTimer = time.AfterFunc(j.groupWindow, j.flushGroup)
	}
	j.pendingMu.Unlock()

	j.mu.Unlock()
	err := <-done
	j.mu.Lock()
	return err
}

func (j *Journal) flushGroup() {
	j.mu.Lock()
	err := j.fsyncLocked()
	j.mu.Unlock()

	j.pendingMu.Lock()
	waiters := j.pendingSync
	j.pendingSync = nil
	j.groupTimer = nil
	j.pendingMu.Unlock()

	for _, w := range waiters {
		w <- err
	}
}

func (j *Journal) periodicFlusher() {
	defer close(j.doneCh)
	ticker := time.NewTicker(j.periodicInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			j.mu.Lock()
			if !j.closed {
				j.fsyncLocked()
			}
			j.mu.Unlock()
		case <-j.stopCh:
			return
		}
	}
}

func (j *Journal) rotateLocked() error {
	if err := j.fd.Sync(); err != nil {
		return err
	}
	if err := j.fd.Close(); err != nil {
		return err
	}
	j.generation++
	fd, err := os.OpenFile(j.filePath(j.generation), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	j.fd = fd
	j.fileSize = 0
	if j.metrics != nil {
		j.metrics.JournalRotations.Inc()
	}
	return j.pruneOldLocked()
}

func (j *Journal) pruneOldLocked() error {
	files, err := j.findLogFiles()
	if err != nil {
		return err
	}
	if len(files) <= j.maxFiles {
		return nil
	}
	for _, f := range files[:len(files)-j.maxFiles] {
		os.Remove(f)
	}
	return nil
}

// AppendPageImage records a PAGE_IMAGE for (volumeID, pageID), enforcing
// the page-index monotonicity invariant (P2) before the bytes ever reach
// the file — a regression is fatal and the record is not written.
func (j *Journal) AppendPageImage(volumeID, pageID, ts uint64, page []byte) error {
	lsn := j.NextLSN()

	j.mu.Lock()
	offset := j.fileSize
	j.mu.Unlock()

	if err := j.index.Update(volumeID, pageID, offset, ts); err != nil {
		j.log.Error().Uint64("volume_id", volumeID).Uint64("page_id", pageID).
			Uint64("ts", ts).Err(err).Msg("page-index timestamp regression")
		return err
	}
	rec := &Record{LSN: lsn, Kind: RecordPageImage, VolumeID: volumeID, PageID: pageID, Timestamp: ts, PageBytes: page}
	return j.append(rec, false)
}

// AppendTxnStart records a TRANSACTION_START.
func (j *Journal) AppendTxnStart(txnID, startTS uint64) error {
	return j.append(&Record{LSN: j.NextLSN(), Kind: RecordTxnStart, TxnID: txnID, StartTS: startTS}, false)
}

// AppendTxnCommit records a TRANSACTION_COMMIT, fsynced per SyncPolicy.
func (j *Journal) AppendTxnCommit(txnID, commitTS uint64) error {
	return j.append(&Record{LSN: j.NextLSN(), Kind: RecordTxnCommit, TxnID: txnID, CommitTS: commitTS}, true)
}

// AppendTxnAbort records a TRANSACTION_ABORT.
func (j *Journal) AppendTxnAbort(txnID uint64) error {
	return j.append(&Record{LSN: j.NextLSN(), Kind: RecordTxnAbort, TxnID: txnID}, true)
}

// AppendCheckpoint records a CHECKPOINT carrying the current page-index
// snapshot, always fsynced regardless of SyncPolicy (a checkpoint is only
// useful if it is durable).
func (j *Journal) AppendCheckpoint(ts, earliestLiveTxn uint64) error {
	rec := &Record{
		LSN:               j.NextLSN(),
		Kind:              RecordCheckpoint,
		Timestamp:         ts,
		EarliestLiveTxn:   earliestLiveTxn,
		PageIndexSnapshot: j.index.Snapshot(),
	}
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return ErrClosed
	}
	data := rec.Encode()
	if j.fileSize+int64(len(data)) > j.maxFileSize {
		if err := j.rotateLocked(); err != nil {
			j.mu.Unlock()
			return err
		}
	}
	n, err := j.fd.Write(data)
	if err != nil {
		j.mu.Unlock()
		return err
	}
	j.fileSize += int64(n)
	err = j.fsyncLocked()
	j.mu.Unlock()
	return err
}

// AppendTreeMetadata records a TREE_METADATA create/drop.
func (j *Journal) AppendTreeMetadata(name string, rootPageID uint64, dropped bool) error {
	return j.append(&Record{LSN: j.NextLSN(), Kind: RecordTreeMetadata, TreeName: name, RootPageID: rootPageID, Dropped: dropped}, false)
}

// Close flushes and closes the current journal file and stops any
// background flusher.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	err := j.fd.Sync()
	closeErr := j.fd.Close()
	j.mu.Unlock()

	close(j.stopCh)
	<-j.doneCh
	if err != nil {
		return err
	}
	return closeErr
}

// Dir returns the journal's directory, for pkg/recovery to locate files.
func (j *Journal) Dir() string { return j.dir }

// FindLogFiles is exported for pkg/recovery's startup scan.
func (j *Journal) FindLogFiles() ([]string, error) { return j.findLogFiles() }
