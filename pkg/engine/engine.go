package engine

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nainya/ptreedb/internal/plog"
	"github.com/nainya/ptreedb/internal/pmetrics"
	"github.com/nainya/ptreedb/pkg/btree"
	"github.com/nainya/ptreedb/pkg/buffer"
	"github.com/nainya/ptreedb/pkg/cleanup"
	"github.com/nainya/ptreedb/pkg/exchange"
	"github.com/nainya/ptreedb/pkg/journal"
	"github.com/nainya/ptreedb/pkg/longrec"
	"github.com/nainya/ptreedb/pkg/mvcc"
	"github.com/nainya/ptreedb/pkg/policy"
	"github.com/nainya/ptreedb/pkg/recovery"
	"github.com/nainya/ptreedb/pkg/volume"
)

// VolumeConfig describes one volume file an engine instance manages.
type VolumeConfig struct {
	Name               string
	Path               string
	PageSize           int
	BufferPoolCapacity int
}

// Config configures a Persistit instance, enumerating exactly spec.md
// §6's external configuration surface.
type Config struct {
	// JournalDir holds the shared journal's segment files.
	JournalDir        string
	JournalMaxFileSize int64
	JournalMaxFiles    int
	Sync               journal.SyncPolicy
	GroupCommitWindow  time.Duration
	PeriodicInterval   time.Duration

	Volumes []VolumeConfig

	CheckpointInterval time.Duration
	CleanupPollMS      int
	CleanupBatchSize   int

	DefaultSplitPolicy string
	DefaultJoinPolicy  string

	Log     *plog.Logger
	Metrics *pmetrics.Metrics
}

// openVolume bundles one volume with its buffer pool and the trees
// currently opened against it.
type openVolume struct {
	vol  *volume.Volume
	pool *buffer.Pool

	mu    sync.Mutex
	trees map[string]*managedTree
}

// managedTree bundles one named tree's B+-tree, MVCC engine, long-record
// engine, and its own cleanup worker. A Manager is scoped per tree (not
// shared across a volume or the whole engine) because cleanup actions
// carry only a page id, and page ids are only unique within the one tree
// whose btree.Cursor/LoadLeaf produced them.
type managedTree struct {
	name    string
	owner   *openVolume
	bt      *btree.BTree
	mvcc    *mvcc.Engine
	long    *longrec.Engine
	cleanup *cleanup.Manager
}

// Persistit is the engine-wide handle spec.md §6 describes: initialize/
// close, getVolume, getExchange, beginTransaction, checkpoint.
type Persistit struct {
	mu     sync.Mutex
	closed bool

	dir string

	journal *journal.Journal
	volumes map[string]*openVolume

	split policy.SplitPolicy
	join  policy.JoinPolicy

	cleanupPollMS    int
	cleanupBatchSize int

	checkpointInterval time.Duration
	checkpointStop     chan struct{}
	checkpointDone     chan struct{}

	shardSeq uint64

	log     *plog.Logger
	metrics *pmetrics.Metrics
}

// Open initializes a Persistit instance: opens the shared journal, opens
// every configured volume (creating it if absent), eagerly re-opens every
// tree already registered in each volume's directory (so recovery's
// live-transaction replay has somewhere to apply itself), runs startup
// recovery, then starts the cleanup manager and the periodic checkpoint
// loop.
func Open(cfg Config) (*Persistit, error) {
	log := cfg.Log
	if log == nil {
		log = plog.Nop()
	}
	log = log.Component("engine")

	split, err := policy.LookupSplit(orDefault(cfg.DefaultSplitPolicy, "NICE"))
	if err != nil {
		return nil, err
	}
	join, err := policy.LookupJoin(orDefault(cfg.DefaultJoinPolicy, "EVEN"))
	if err != nil {
		return nil, err
	}

	j, err := journal.Open(journal.Config{
		Dir:               cfg.JournalDir,
		MaxFileSize:       cfg.JournalMaxFileSize,
		MaxFiles:          cfg.JournalMaxFiles,
		Sync:              cfg.Sync,
		GroupCommitWindow: cfg.GroupCommitWindow,
		PeriodicInterval:  cfg.PeriodicInterval,
		Log:               log,
		Metrics:           cfg.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: open journal: %w", err)
	}

	p := &Persistit{
		dir:                cfg.JournalDir,
		journal:            j,
		volumes:            make(map[string]*openVolume),
		split:              split,
		join:               join,
		cleanupPollMS:      cfg.CleanupPollMS,
		cleanupBatchSize:   cfg.CleanupBatchSize,
		checkpointInterval: cfg.CheckpointInterval,
		checkpointStop:     make(chan struct{}),
		checkpointDone:     make(chan struct{}),
		log:                log,
		metrics:            cfg.Metrics,
	}

	for _, vc := range cfg.Volumes {
		ov, err := p.openOrCreateVolume(vc, log)
		if err != nil {
			return nil, err
		}
		p.volumes[vc.Name] = ov
		for _, name := range ov.vol.TreeNames() {
			if _, err := p.openTreeLocked(ov, name); err != nil {
				return nil, fmt.Errorf("engine: reopen tree %s/%s: %w", vc.Name, name, err)
			}
		}
	}

	report, err := recovery.Recover(j, p.pageApplier(), p.txnHooks(), p.freeChainReconciler())
	if err != nil && err != recovery.ErrNoJournalFiles {
		return nil, fmt.Errorf("engine: recovery: %w", err)
	}
	if report != nil && report.FoundCheckpoint {
		log.Info().
			Int("page_images_replayed", report.PageImagesReplayed).
			Int("txns_rolled_back", len(report.TxnsRolledBack)).
			Int("txns_reinstated", len(report.TxnsReinstated)).
			Msg("recovery complete")
	}

	if p.checkpointInterval > 0 {
		go p.runCheckpointLoop()
	} else {
		close(p.checkpointDone)
	}

	return p, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func (p *Persistit) openOrCreateVolume(vc VolumeConfig, log *plog.Logger) (*openVolume, error) {
	var vol *volume.Volume
	var err error
	if _, statErr := os.Stat(vc.Path); statErr == nil {
		vol, err = volume.Open(vc.Path, log)
	} else {
		if err := os.MkdirAll(filepath.Dir(vc.Path), 0o755); err != nil {
			return nil, fmt.Errorf("engine: mkdir volume dir: %w", err)
		}
		vol, err = volume.Create(vc.Path, vc.PageSize, log)
	}
	if err != nil {
		return nil, fmt.Errorf("engine: open volume %s: %w", vc.Name, err)
	}

	var uuid [16]byte
	if _, err := rand.Read(uuid[:]); err != nil {
		return nil, fmt.Errorf("engine: generate volume uuid: %w", err)
	}
	vol.EnsureUUID(uuid)

	pool := buffer.New(vol, vc.BufferPoolCapacity, log, p.metrics)
	ov := &openVolume{vol: vol, pool: pool, trees: make(map[string]*managedTree)}
	pool.SetMinReaderFunc(func() uint64 {
		ts, ok := p.earliestLiveStartTSForVolume(ov)
		if !ok {
			return 0
		}
		return ts
	})
	return ov, nil
}

// openTreeLocked wraps an existing tree (found in ov's directory) as a
// managedTree; it returns ErrTreeNotFound for a name the directory does
// not hold (brand-new trees go through createTreeLocked instead). Each
// tree's MVCC engine is seeded with a shard offset (via Bump) so that
// transaction ids issued by different trees' engines never collide in
// the one journal they share — required for recovery's per-txn-id replay
// to group records correctly across more than one tree.
func (p *Persistit) openTreeLocked(ov *openVolume, name string) (*managedTree, error) {
	rootID, ok := ov.vol.DirectoryRoot(name)
	if !ok {
		return nil, ErrTreeNotFound
	}

	shard := p.shardSeq
	p.shardSeq++

	var mv *mvcc.Engine
	now := func() uint64 {
		if mv == nil {
			return 0
		}
		return mv.Now()
	}

	long := longrec.New(ov.pool, now)

	onRoot := func(newRoot uint64) error {
		return ov.vol.SetDirectoryRoot(name, newRoot)
	}
	bt := btree.Open(btree.Config{
		Pool: ov.pool, Split: p.split, Join: p.join, Long: long,
		Now: now, OnRootChange: onRoot, Log: p.log, Metrics: p.metrics,
	}, rootID)

	mv = mvcc.NewEngine(bt, bt, p.journal, p.log, p.metrics)
	mv.Bump(shard << 48)

	mt := &managedTree{name: name, owner: ov, bt: bt, mvcc: mv, long: long}
	mt.cleanup = p.newTreeCleanup(mt)
	mt.cleanup.Start()

	ov.mu.Lock()
	ov.trees[name] = mt
	ov.mu.Unlock()
	return mt, nil
}

// newTreeCleanup builds mt's background pruning worker, spec.md §4.7.
// *mvcc.Engine satisfies cleanup.VersionPruner directly and the owning
// volume's *buffer.Pool satisfies cleanup.PageFreer directly; no adapter
// is needed for either.
func (p *Persistit) newTreeCleanup(mt *managedTree) *cleanup.Manager {
	return cleanup.NewManager(cleanup.Config{
		Pruner:       mt.mvcc,
		Freer:        mt.owner.pool,
		PollInterval: p.cleanupPollMS,
		BatchSize:    p.cleanupBatchSize,
		Log:          p.log,
		Metrics:      p.metrics,
	})
}

// Volume returns the opened volume named name, spec.md §6's getVolume.
func (p *Persistit) Volume(name string) (*volume.Volume, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ov, ok := p.volumes[name]
	if !ok {
		return nil, ErrVolumeNotConfigured
	}
	return ov.vol, nil
}

// Tree returns the named tree within volumeName, creating it (a fresh
// empty root leaf, registered in the volume's directory and journaled as
// TREE_METADATA) if create is true and it does not yet exist.
func (p *Persistit) Tree(volumeName, treeName string, create bool) (*managedTree, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	ov, ok := p.volumes[volumeName]
	if !ok {
		return nil, ErrVolumeNotConfigured
	}

	ov.mu.Lock()
	mt, ok := ov.trees[treeName]
	ov.mu.Unlock()
	if ok {
		return mt, nil
	}

	if _, ok := ov.vol.DirectoryRoot(treeName); ok {
		return p.openTreeLocked(ov, treeName)
	}
	if !create {
		return nil, ErrTreeNotFound
	}
	return p.createTreeLocked(ov, treeName)
}

func (p *Persistit) createTreeLocked(ov *openVolume, name string) (*managedTree, error) {
	shard := p.shardSeq
	p.shardSeq++

	var mv *mvcc.Engine
	now := func() uint64 {
		if mv == nil {
			return 0
		}
		return mv.Now()
	}
	long := longrec.New(ov.pool, now)

	var mt *managedTree
	onRoot := func(newRoot uint64) error {
		if err := ov.vol.SetDirectoryRoot(name, newRoot); err != nil {
			return err
		}
		return p.journal.AppendTreeMetadata(name, newRoot, false)
	}
	bt, err := btree.Create(btree.Config{
		Pool: ov.pool, Split: p.split, Join: p.join, Long: long,
		Now: now, OnRootChange: onRoot, Log: p.log, Metrics: p.metrics,
	})
	if err != nil {
		return nil, err
	}
	mv = mvcc.NewEngine(bt, bt, p.journal, p.log, p.metrics)
	mv.Bump(shard << 48)

	mt = &managedTree{name: name, owner: ov, bt: bt, mvcc: mv, long: long}
	mt.cleanup = p.newTreeCleanup(mt)
	mt.cleanup.Start()

	ov.mu.Lock()
	ov.trees[name] = mt
	ov.mu.Unlock()
	return mt, nil
}

// BeginTransaction starts a transaction against the named tree, spec.md
// §6's beginTransaction. Creating the tree is the caller's responsibility
// via Tree(..., create=true) first, matching getExchange's explicit
// create flag below.
func (p *Persistit) BeginTransaction(volumeName, treeName string) (*mvcc.Txn, error) {
	mt, err := p.Tree(volumeName, treeName, false)
	if err != nil {
		return nil, err
	}
	return mt.mvcc.Begin(), nil
}

// GetExchange returns a cursor/mutator bound to (volumeName, treeName)
// under txn's snapshot, spec.md §4.8/§6's getExchange(vol, tree, create?).
func (p *Persistit) GetExchange(volumeName, treeName string, txn *mvcc.Txn, create bool) (*exchange.Exchange, error) {
	mt, err := p.Tree(volumeName, treeName, create)
	if err != nil {
		return nil, err
	}
	return exchange.New(mt.bt, mt.mvcc, txn), nil
}

// allTrees snapshots every currently open tree across every volume, for
// recovery's TxnHooks fan-out and the earliest-live-ts scan.
func (p *Persistit) allTrees() []*managedTree {
	var out []*managedTree
	for _, ov := range p.volumes {
		ov.mu.Lock()
		for _, mt := range ov.trees {
			out = append(out, mt)
		}
		ov.mu.Unlock()
	}
	return out
}

// Checkpoint flushes every volume's dirty pages through the journal (each
// image journaled before the page itself reaches the volume, per spec.md
// §4.1) and records a CHECKPOINT with the earliest still-live start-ts
// across every open tree, spec.md §6's checkpoint.
func (p *Persistit) Checkpoint() error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return p.checkpoint()
}

func (p *Persistit) checkpoint() error {
	p.mu.Lock()
	volumes := make([]*openVolume, 0, len(p.volumes))
	for _, ov := range p.volumes {
		volumes = append(volumes, ov)
	}
	p.mu.Unlock()

	now := p.earliestTreeNow()
	for _, ov := range volumes {
		volID := ov.vol.ID()
		for _, dp := range ov.pool.DirtyPages() {
			ts := dp.Page.Timestamp()
			if err := p.journal.AppendPageImage(volID, dp.ID, ts, dp.Page); err != nil {
				return err
			}
			if err := ov.pool.FlushPage(dp.ID); err != nil {
				return err
			}
		}
	}

	earliest, ok := p.earliestLiveStartTS()
	if !ok {
		earliest = now
	}
	return p.journal.AppendCheckpoint(now, earliest)
}

// earliestTreeNow allocates a fresh timestamp from the first tree engine
// available, used to stamp the CHECKPOINT record itself; it returns 0 when
// no tree is open yet (a brand-new, empty engine).
func (p *Persistit) earliestTreeNow() uint64 {
	p.mu.Lock()
	trees := p.allTrees()
	p.mu.Unlock()
	if len(trees) == 0 {
		return 0
	}
	return trees[0].mvcc.Now()
}

func (p *Persistit) earliestLiveStartTS() (uint64, bool) {
	p.mu.Lock()
	trees := p.allTrees()
	p.mu.Unlock()

	var earliest uint64
	found := false
	for _, mt := range trees {
		ts, ok := mt.mvcc.EarliestLiveStartTS()
		if !ok {
			continue
		}
		if !found || ts < earliest {
			earliest = ts
			found = true
		}
	}
	return earliest, found
}

// earliestLiveStartTSForVolume is earliestLiveStartTS narrowed to the
// trees open against one volume, the minReader a volume's buffer pool
// threads into Volume.AllocateFromFreeChain: a page freed by one tree in
// this volume must not be recycled while any reader of any tree sharing
// the same volume file could still need to see it.
func (p *Persistit) earliestLiveStartTSForVolume(ov *openVolume) (uint64, bool) {
	ov.mu.Lock()
	trees := make([]*managedTree, 0, len(ov.trees))
	for _, mt := range ov.trees {
		trees = append(trees, mt)
	}
	ov.mu.Unlock()

	var earliest uint64
	found := false
	for _, mt := range trees {
		ts, ok := mt.mvcc.EarliestLiveStartTS()
		if !ok {
			continue
		}
		if !found || ts < earliest {
			earliest = ts
			found = true
		}
	}
	return earliest, found
}

func (p *Persistit) runCheckpointLoop() {
	defer close(p.checkpointDone)
	ticker := time.NewTicker(p.checkpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := p.Checkpoint(); err != nil {
				p.log.Error().Err(err).Msg("checkpoint failed")
			}
		case <-p.checkpointStop:
			return
		}
	}
}

// Close stops the checkpoint loop and every tree's cleanup worker, runs
// one final checkpoint, and closes every volume and the journal.
func (p *Persistit) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	interval := p.checkpointInterval
	trees := p.allTrees()
	p.mu.Unlock()

	if interval > 0 {
		close(p.checkpointStop)
		<-p.checkpointDone
	}
	for _, mt := range trees {
		mt.cleanup.Stop()
	}

	if err := p.checkpoint(); err != nil {
		p.log.Error().Err(err).Msg("final checkpoint failed")
	}

	var firstErr error
	for _, ov := range p.volumes {
		if err := ov.pool.FlushAll(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := ov.vol.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := p.journal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
