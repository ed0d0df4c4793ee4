package engine

import "fmt"

// volumeApplier fans a replayed PAGE_IMAGE out to whichever open volume
// its VolumeID names, implementing pkg/recovery.PageApplier over a
// journal shared by more than one volume.
type volumeApplier struct{ p *Persistit }

func (p *Persistit) pageApplier() *volumeApplier { return &volumeApplier{p: p} }

func (a *volumeApplier) ApplyPageImage(volumeID, pageID uint64, page []byte) error {
	a.p.mu.Lock()
	defer a.p.mu.Unlock()
	for _, ov := range a.p.volumes {
		if ov.vol.ID() == volumeID {
			return ov.vol.ApplyPageImage(volumeID, pageID, page)
		}
	}
	return fmt.Errorf("engine: no open volume matches id %d for replayed page %d", volumeID, pageID)
}

// treeHooksFanout broadcasts recovery's per-transaction Rollback/Reinstate
// calls to every open tree's *mvcc.Engine. Each engine only touches its
// own tree's leaves when resolving a txnID (mvcc.Engine.rewriteChains
// scans that engine's own Leaves), and tree-creation seeds each engine's
// counter with a disjoint shard offset (Persistit.openTreeLocked), so a
// broadcast call is a safe no-op on every engine except the one that
// actually owned txnID.
type treeHooksFanout struct{ p *Persistit }

func (p *Persistit) txnHooks() *treeHooksFanout { return &treeHooksFanout{p: p} }

func (h *treeHooksFanout) Rollback(txnID uint64) error {
	h.p.mu.Lock()
	trees := h.p.allTrees()
	h.p.mu.Unlock()
	for _, mt := range trees {
		if err := mt.mvcc.Rollback(txnID); err != nil {
			return err
		}
	}
	return nil
}

func (h *treeHooksFanout) Reinstate(txnID, commitTS uint64) error {
	h.p.mu.Lock()
	trees := h.p.allTrees()
	h.p.mu.Unlock()
	for _, mt := range trees {
		if err := mt.mvcc.Reinstate(txnID, commitTS); err != nil {
			return err
		}
	}
	return nil
}

// volumeReconciler runs ReconcileFreeChain on every open volume, spec.md
// §4.5 step 5.
type volumeReconciler struct{ p *Persistit }

func (p *Persistit) freeChainReconciler() *volumeReconciler { return &volumeReconciler{p: p} }

func (r *volumeReconciler) ReconcileFreeChain() error {
	r.p.mu.Lock()
	volumes := make([]*openVolume, 0, len(r.p.volumes))
	for _, ov := range r.p.volumes {
		volumes = append(volumes, ov)
	}
	r.p.mu.Unlock()

	for _, ov := range volumes {
		if err := ov.vol.ReconcileFreeChain(); err != nil {
			return err
		}
	}
	return nil
}
