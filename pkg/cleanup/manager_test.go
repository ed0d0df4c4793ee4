package cleanup

import (
	"testing"
	"time"
)

type fakePruner struct {
	versionChainCalls []uint64
	antiValueCalls    []uint64
}

func (f *fakePruner) PruneVersionChain(leafPageID uint64) (int, error) {
	f.versionChainCalls = append(f.versionChainCalls, leafPageID)
	return 1, nil
}

func (f *fakePruner) PruneAntiValues(pageID uint64) (int, error) {
	f.antiValueCalls = append(f.antiValueCalls, pageID)
	return 1, nil
}

type fakeFreer struct {
	freed []uint64
}

func (f *fakeFreer) Free(pageID, freedAt uint64) {
	f.freed = append(f.freed, pageID)
}

func TestPollIsNoOpUntilInvokedWhenSuspended(t *testing.T) {
	pruner := &fakePruner{}
	m := NewManager(Config{Pruner: pruner, PollInterval: -1})
	m.Start()
	defer m.Stop()

	if err := m.Enqueue(Action{Kind: PruneVersionChain, PageID: 7}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if m.Pending() != 1 {
		t.Fatalf("expected 1 pending action before Poll, got %d", m.Pending())
	}
	if len(pruner.versionChainCalls) != 0 {
		t.Fatalf("suspended manager must not process actions without an explicit Poll")
	}

	n := m.Poll()
	if n != 1 {
		t.Fatalf("Poll processed %d actions, want 1", n)
	}
	if len(pruner.versionChainCalls) != 1 || pruner.versionChainCalls[0] != 7 {
		t.Fatalf("expected PruneVersionChain(7), got %v", pruner.versionChainCalls)
	}
	if m.Pending() != 0 {
		t.Fatalf("expected queue drained after Poll, got %d pending", m.Pending())
	}
}

func TestPollDrainsHighestPriorityFirst(t *testing.T) {
	pruner := &fakePruner{}
	freer := &fakeFreer{}
	m := NewManager(Config{Pruner: pruner, Freer: freer, PollInterval: -1, BatchSize: 1})
	m.Start()
	defer m.Stop()

	m.Enqueue(Action{Kind: PruneVersionChain, PageID: 1})
	m.Enqueue(Action{Kind: PruneAntiValues, PageID: 2})
	m.Enqueue(Action{Kind: FreePage, PageID: 3})

	// First poll processes FreePage (highest priority), regardless of
	// enqueue order.
	m.Poll()
	if len(freer.freed) != 1 || freer.freed[0] != 3 {
		t.Fatalf("expected FreePage(3) to run first, got freed=%v", freer.freed)
	}
	if len(pruner.antiValueCalls) != 0 || len(pruner.versionChainCalls) != 0 {
		t.Fatalf("lower-priority actions must not have run yet")
	}

	m.Poll()
	if len(pruner.antiValueCalls) != 1 || pruner.antiValueCalls[0] != 2 {
		t.Fatalf("expected PruneAntiValues(2) second, got %v", pruner.antiValueCalls)
	}

	m.Poll()
	if len(pruner.versionChainCalls) != 1 || pruner.versionChainCalls[0] != 1 {
		t.Fatalf("expected PruneVersionChain(1) last, got %v", pruner.versionChainCalls)
	}
}

func TestPollRespectsBatchSize(t *testing.T) {
	pruner := &fakePruner{}
	m := NewManager(Config{Pruner: pruner, PollInterval: -1, BatchSize: 2})
	m.Start()
	defer m.Stop()

	for i := uint64(0); i < 5; i++ {
		m.Enqueue(Action{Kind: PruneVersionChain, PageID: i})
	}

	n := m.Poll()
	if n != 2 {
		t.Fatalf("expected batch of 2, got %d", n)
	}
	if m.Pending() != 3 {
		t.Fatalf("expected 3 remaining, got %d", m.Pending())
	}
}

func TestEnqueueAfterStopFails(t *testing.T) {
	m := NewManager(Config{PollInterval: -1})
	m.Start()
	m.Stop()

	if err := m.Enqueue(Action{Kind: FreePage, PageID: 1}); err != ErrStopped {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestActiveManagerPollsOnTimer(t *testing.T) {
	pruner := &fakePruner{}
	m := NewManager(Config{Pruner: pruner, PollInterval: 5})
	m.Enqueue(Action{Kind: PruneVersionChain, PageID: 42})
	m.Start()
	defer m.Stop()

	deadline := time.After(2 * time.Second)
	for {
		if m.Pending() == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for background ticker to drain the queue")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if len(pruner.versionChainCalls) == 0 {
		t.Fatalf("expected the background ticker to have drained the queue")
	}
}
