package mvcc

import "container/heap"

// liveHeap is a min-heap of active transactions' start timestamps,
// grounded on the retrieved pack's container/heap "oldest outstanding
// reader" pattern: the cleanup manager and checkpointer only ever need
// the minimum, so a heap amortizes add/remove against a sorted slice.
type liveHeap []uint64

func (h liveHeap) Len() int            { return len(h) }
func (h liveHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h liveHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *liveHeap) Push(x interface{}) { *h = append(*h, x.(uint64)) }
func (h *liveHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// liveSet tracks every currently-open transaction's start-ts.
type liveSet struct {
	h liveHeap
}

func newLiveSet() *liveSet {
	return &liveSet{}
}

func (s *liveSet) add(ts uint64) {
	heap.Push(&s.h, ts)
}

// remove drops one occurrence of ts. Duplicate start timestamps cannot
// occur in this engine (start-ts and txn id share the same monotonic
// counter), but remove only deletes a single matching entry regardless.
func (s *liveSet) remove(ts uint64) {
	for i, v := range s.h {
		if v == ts {
			heap.Remove(&s.h, i)
			return
		}
	}
}

// earliest returns the smallest live start-ts, or ok=false if no
// transaction is currently open.
func (s *liveSet) earliest() (ts uint64, ok bool) {
	if len(s.h) == 0 {
		return 0, false
	}
	return s.h[0], true
}

func (s *liveSet) count() int { return len(s.h) }
