package engine

// TreeStats reports one tree's pending cleanup work, for cmd/ptreedb.
type TreeStats struct {
	Name           string
	CleanupPending int
}

// VolumeStats reports one volume's buffer pool and free-chain occupancy.
type VolumeStats struct {
	Name         string
	PageSize     int
	FreeChainLen int
	BufferFrames int
	DirtyFrames  int
	Trees        []TreeStats
}

// Stats reports a snapshot of engine-wide state, the numbers cmd/ptreedb
// prints after a checkpoint.
type Stats struct {
	JournalDir string
	NextLSN    uint64
	Volumes    []VolumeStats
}

// Stats snapshots the engine's current buffer pool, free-chain, journal,
// and per-tree cleanup-queue occupancy.
func (p *Persistit) Stats() Stats {
	p.mu.Lock()
	names := make([]string, 0, len(p.volumes))
	for name := range p.volumes {
		names = append(names, name)
	}
	j := p.journal
	p.mu.Unlock()

	s := Stats{JournalDir: j.Dir(), NextLSN: j.NextLSN()}
	for _, name := range names {
		p.mu.Lock()
		ov := p.volumes[name]
		p.mu.Unlock()

		vs := VolumeStats{
			Name:         name,
			PageSize:     ov.vol.PageSize(),
			FreeChainLen: ov.vol.FreeChainLength(),
			BufferFrames: ov.pool.Len(),
			DirtyFrames:  ov.pool.DirtyCount(),
		}
		ov.mu.Lock()
		for treeName, mt := range ov.trees {
			vs.Trees = append(vs.Trees, TreeStats{Name: treeName, CleanupPending: mt.cleanup.Pending()})
		}
		ov.mu.Unlock()
		s.Volumes = append(s.Volumes, vs)
	}
	return s
}
