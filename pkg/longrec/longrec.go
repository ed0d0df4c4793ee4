// Package longrec implements spec.md §4.3: storing a value too large for
// one page as a chain of long-record pages, each holding one chunk plus a
// pointer to the next, referenced from a leaf entry by a
// pkg/valuecodec.Descriptor{Size, FirstPage}.
//
// Grounded on the teacher's pkg/storage/kv.go "overflow" handling for
// values that don't fit a node (the teacher caps value size instead of
// chaining; this package generalizes that into the real chained-pages
// design spec.md §4.3 requires) and on pkg/btree/node.go's chunk-and-link
// shape more generally. Each long-record page reuses pagefmt's
// right-sibling field as its "next chunk" pointer — pkg/btree's leaves are
// the only other page kind that needs a right-sibling chain, and a
// long-record page is never a leaf, so there is no overloading conflict.
package longrec

import (
	"errors"

	"github.com/nainya/ptreedb/pkg/buffer"
	"github.com/nainya/ptreedb/pkg/pagefmt"
	"github.com/nainya/ptreedb/pkg/valuecodec"
)

// ErrChainTruncated is returned by Read when the chain ends before Size
// bytes have been collected — a corrupt or partially-written long record.
var ErrChainTruncated = errors.New("longrec: chain truncated before declared size")

// Engine allocates, reads, and frees long-record chains against a buffer
// pool. It satisfies pkg/btree.LongValueStore.
type Engine struct {
	pool *buffer.Pool
	now  func() uint64
}

// New creates an Engine. now supplies the timestamp stamped on pages this
// Engine writes or frees (spec.md invariant 2's max(T_write, existing)
// rule, via pagefmt.Page.BumpTimestamp).
func New(pool *buffer.Pool, now func() uint64) *Engine {
	if now == nil {
		now = func() uint64 { return 0 }
	}
	return &Engine{pool: pool, now: now}
}

func (e *Engine) chunkSize() int {
	return pagefmt.Capacity(e.pool.PageSize()) - 4 - pagefmt.OffsetSlotSize // AppendKV's klen+vlen header plus the entry's offset slot
}

// WriteLongValue splits value into page-sized chunks and chains them,
// returning a descriptor pointing at the first page.
func (e *Engine) WriteLongValue(value []byte) (valuecodec.Descriptor, error) {
	chunk := e.chunkSize()
	if chunk <= 0 {
		return valuecodec.Descriptor{}, errors.New("longrec: page too small to hold any chunk")
	}

	var pageIDs []uint64
	var handles []*buffer.Handle
	for off := 0; off < len(value) || len(value) == 0; off += chunk {
		end := off + chunk
		if end > len(value) {
			end = len(value)
		}
		h, err := e.pool.GetForNew(pagefmt.TypeLongRecord, 0)
		if err != nil {
			for _, prev := range handles {
				prev.Release(false)
			}
			return valuecodec.Descriptor{}, err
		}
		h.Page().SetKeyCount(1)
		h.Page().AppendKV(0, 0, nil, value[off:end])
		handles = append(handles, h)
		pageIDs = append(pageIDs, h.ID())
		if len(value) == 0 {
			break
		}
	}

	for i, h := range handles {
		next := uint64(0)
		if i+1 < len(handles) {
			next = pageIDs[i+1]
		}
		h.Page().SetRightSibling(next)
		h.Page().BumpTimestamp(e.now())
		h.Release(true)
	}

	return valuecodec.Descriptor{Size: uint64(len(value)), FirstPage: pageIDs[0]}, nil
}

// ReadLongValue reconstructs the original value by walking d's chain.
func (e *Engine) ReadLongValue(d valuecodec.Descriptor) ([]byte, error) {
	out := make([]byte, 0, d.Size)
	id := d.FirstPage
	for uint64(len(out)) < d.Size {
		if id == 0 {
			return nil, ErrChainTruncated
		}
		h, err := e.pool.Get(id, buffer.Shared)
		if err != nil {
			return nil, err
		}
		page := h.Page()
		out = append(out, page.Val(0)...)
		next := page.RightSibling()
		h.Release(false)
		id = next
	}
	return out[:d.Size], nil
}

// FreeLongValue walks d's chain, returning every page to the volume's free
// chain stamped with the current timestamp.
func (e *Engine) FreeLongValue(d valuecodec.Descriptor) error {
	id := d.FirstPage
	freedAt := e.now()
	for id != 0 {
		h, err := e.pool.Get(id, buffer.Shared)
		if err != nil {
			return err
		}
		next := h.Page().RightSibling()
		h.Release(false)
		e.pool.Free(id, freedAt)
		id = next
	}
	return nil
}
