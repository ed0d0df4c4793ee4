package cleanup

import (
	"sync"
	"time"

	"github.com/nainya/ptreedb/internal/plog"
	"github.com/nainya/ptreedb/internal/pmetrics"
)

// VersionPruner is satisfied by *mvcc.Engine: the two chain-pruning
// actions a cleanup worker knows how to run.
type VersionPruner interface {
	PruneVersionChain(leafPageID uint64) (int, error)
	PruneAntiValues(pageID uint64) (int, error)
}

// PageFreer is satisfied directly by *buffer.Pool's Free method.
type PageFreer interface {
	Free(pageID uint64, freedAt uint64)
}

// Config configures a Manager.
type Config struct {
	Pruner VersionPruner
	Freer  PageFreer
	// PollInterval is the wake-up period in milliseconds. A value of -1
	// suspends the background worker entirely, spec.md §4.7's hook for
	// deterministic tests that drive cleanup only via explicit Poll calls.
	PollInterval int
	// BatchSize bounds how many actions one wake-up (or Poll call)
	// processes. Zero means unbounded.
	BatchSize int
	Log       *plog.Logger
	Metrics   *pmetrics.Metrics
}

// Manager is the single background cleanup worker of spec.md §4.7.
type Manager struct {
	pruner    VersionPruner
	freer     PageFreer
	batchSize int

	mu      sync.Mutex
	queue   *actionQueue
	stopped bool

	pollInterval time.Duration
	suspended    bool
	stopCh       chan struct{}
	doneCh       chan struct{}

	log     *plog.Logger
	metrics *pmetrics.Metrics
}

// NewManager builds a Manager from cfg. Callers must call Start to launch
// the background worker (a no-op when PollInterval is -1).
func NewManager(cfg Config) *Manager {
	log := cfg.Log
	if log == nil {
		log = plog.Nop()
	}
	m := &Manager{
		pruner:       cfg.Pruner,
		freer:        cfg.Freer,
		batchSize:    cfg.BatchSize,
		queue:        newActionQueue(),
		suspended:    cfg.PollInterval < 0,
		pollInterval: time.Duration(cfg.PollInterval) * time.Millisecond,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		log:          log.Component("cleanup"),
		metrics:      cfg.Metrics,
	}
	return m
}

// Start launches the background worker goroutine. No-op if the manager
// was configured with PollInterval -1 (suspended).
func (m *Manager) Start() {
	if m.suspended {
		close(m.doneCh)
		return
	}
	go m.run()
}

func (m *Manager) run() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Poll()
		case <-m.stopCh:
			return
		}
	}
}

// Stop signals the background worker to exit and waits for it.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

// Enqueue adds an action to the priority queue. Safe to call from any
// goroutine, including while the manager is suspended (PollInterval -1) —
// tests enqueue actions directly and drain them deterministically with
// Poll.
func (m *Manager) Enqueue(a Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	m.queue.push(a)
	return nil
}

// Pending reports how many actions are currently queued.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.len()
}

// Poll processes one batch of queued actions, highest priority first
// (FreePage, then PruneAntiValues, then PruneVersionChain), up to
// BatchSize actions (or the whole queue if BatchSize is 0). This is the
// exported hook spec.md's scenarios 2 and 3 drive directly
// ("cleanupManager.poll()") to make cleanup progress deterministic in
// tests regardless of PollInterval.
func (m *Manager) Poll() int {
	processed := 0
	for {
		if m.batchSize > 0 && processed >= m.batchSize {
			break
		}
		action, ok := m.dequeue()
		if !ok {
			break
		}
		m.run1(action)
		processed++
	}
	return processed
}

func (m *Manager) dequeue() (Action, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.pop()
}

func (m *Manager) run1(a Action) {
	var err error
	switch a.Kind {
	case PruneVersionChain:
		if m.pruner != nil {
			_, err = m.pruner.PruneVersionChain(a.PageID)
		}
	case PruneAntiValues:
		if m.pruner != nil {
			_, err = m.pruner.PruneAntiValues(a.PageID)
		}
	case FreePage:
		if m.freer != nil {
			m.freer.Free(a.PageID, a.FreedAt)
		}
	}
	if err != nil {
		m.log.Error().Str("kind", a.Kind.String()).Uint64("page_id", a.PageID).Err(err).Msg("cleanup action failed")
	}
	if m.metrics != nil {
		m.metrics.CleanupActionsProcessed.WithLabelValues(a.Kind.String()).Inc()
	}
}
