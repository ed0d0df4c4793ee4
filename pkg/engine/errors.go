// Package engine implements spec.md §6's "public API surface": a single
// Persistit-equivalent handle wiring a buffer pool, volumes, a shared
// journal, per-tree MVCC engines, and the cleanup manager together, plus
// startup recovery and periodic checkpointing.
//
// Grounded on the teacher's pkg/storage/kv.go (the KV type's Open/Close/
// Set/Get/Scan as the top-level handle a program embeds) and pkg/wal/
// checkpoint.go's Checkpointer (the periodic background checkpoint loop),
// generalized from the teacher's single mmap-backed file to multiple named
// volumes sharing one journal, matching spec.md §6's "getVolume" entry
// point.
package engine

import "errors"

// ErrClosed is returned by any operation attempted after Close.
var ErrClosed = errors.New("engine: closed")

// ErrVolumeNotConfigured is returned by Volume/Tree/BeginTransaction when
// asked for a volume name not present in the engine's Config.
var ErrVolumeNotConfigured = errors.New("engine: volume not configured")

// ErrTreeNotFound is returned by Tree/BeginTransaction/GetExchange when
// create is false and the named tree does not yet exist in the volume's
// directory.
var ErrTreeNotFound = errors.New("engine: tree not found")
