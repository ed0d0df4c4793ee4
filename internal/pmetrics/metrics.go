// Package pmetrics provides Prometheus metrics for the storage engine.
//
// Unlike the teacher's internal/metrics, which registers on the global
// prometheus registry via promauto's default registerer, Metrics here takes
// its own prometheus.Registerer so more than one engine instance can run in
// a process (e.g. in tests) without a "duplicate metrics collector
// registration" panic.
package pmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for one engine instance.
type Metrics struct {
	BufferHits     prometheus.Counter
	BufferMisses   prometheus.Counter
	BufferEvictions prometheus.Counter
	DirtyPages     prometheus.Gauge

	JournalBytesWritten prometheus.Counter
	JournalFsyncs       prometheus.Counter
	JournalRotations    prometheus.Counter

	SplitsTotal  *prometheus.CounterVec
	JoinsTotal   *prometheus.CounterVec

	TxnCommits   prometheus.Counter
	TxnAborts    prometheus.Counter
	TxnRollbacks prometheus.Counter

	CleanupActionsProcessed *prometheus.CounterVec
	FreeChainLength         prometheus.Gauge
	OldestLiveTxnAgeSeconds prometheus.Gauge
}

// New creates and registers metrics on reg. Pass prometheus.NewRegistry()
// in tests; pass prometheus.DefaultRegisterer in a long-lived process.
func New(reg prometheus.Registerer) *Metrics {
	factory := prometheus.WrapRegistererWith(nil, reg)

	m := &Metrics{
		BufferHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ptreedb_buffer_hits_total",
			Help: "Buffer pool pin requests satisfied without reading from the volume.",
		}),
		BufferMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ptreedb_buffer_misses_total",
			Help: "Buffer pool pin requests that required a page read.",
		}),
		BufferEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ptreedb_buffer_evictions_total",
			Help: "Pages evicted from the buffer pool.",
		}),
		DirtyPages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ptreedb_buffer_dirty_pages",
			Help: "Pages currently marked dirty in the buffer pool.",
		}),
		JournalBytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ptreedb_journal_bytes_written_total",
			Help: "Bytes appended to the journal.",
		}),
		JournalFsyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ptreedb_journal_fsyncs_total",
			Help: "fsync calls issued against the journal.",
		}),
		JournalRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ptreedb_journal_rotations_total",
			Help: "Journal file rotations.",
		}),
		SplitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ptreedb_btree_splits_total",
			Help: "B+-tree page splits by policy name.",
		}, []string{"policy"}),
		JoinsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ptreedb_btree_joins_total",
			Help: "B+-tree page joins by policy name.",
		}, []string{"policy"}),
		TxnCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ptreedb_txn_commits_total",
			Help: "Committed transactions.",
		}),
		TxnAborts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ptreedb_txn_aborts_total",
			Help: "Explicitly aborted transactions.",
		}),
		TxnRollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ptreedb_txn_rollbacks_total",
			Help: "Transactions that failed to commit due to a write-write conflict.",
		}),
		CleanupActionsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ptreedb_cleanup_actions_total",
			Help: "Cleanup actions processed by kind.",
		}, []string{"kind"}),
		FreeChainLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ptreedb_free_chain_length",
			Help: "Pages currently on the volume free chain.",
		}),
		OldestLiveTxnAgeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ptreedb_oldest_live_txn_age_seconds",
			Help: "Age in seconds of the oldest still-open transaction.",
		}),
	}

	factory.MustRegister(
		m.BufferHits, m.BufferMisses, m.BufferEvictions, m.DirtyPages,
		m.JournalBytesWritten, m.JournalFsyncs, m.JournalRotations,
		m.SplitsTotal, m.JoinsTotal,
		m.TxnCommits, m.TxnAborts, m.TxnRollbacks,
		m.CleanupActionsProcessed, m.FreeChainLength, m.OldestLiveTxnAgeSeconds,
	)

	return m
}
