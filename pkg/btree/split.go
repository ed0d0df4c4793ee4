package btree

import "github.com/nainya/ptreedb/pkg/policy"

func leafTotalSize(entries []leafEntry) int {
	total := 0
	for _, e := range entries {
		total += leafEntrySize(e)
	}
	return total
}

func indexTotalSize(entries []indexEntry) int {
	total := 0
	for _, e := range entries {
		total += indexEntrySize(e)
	}
	return total
}

// chooseSplit evaluates one SplitCandidate per possible key-block boundary
// (every cut that leaves both sides non-empty) and returns the index of the
// highest-scoring boundary, per pkg/policy's ChooseSplit.
func chooseSplit(split policy.SplitPolicy, sizes []int, insertAt int, replace bool, capacity int, seq policy.Sequence) int {
	n := len(sizes)
	prefix := make([]int, n+1)
	for i, s := range sizes {
		prefix[i+1] = prefix[i] + s
	}
	total := prefix[n]

	candidates := make([]policy.SplitCandidate, n-1)
	for k := 1; k < n; k++ {
		left := prefix[k]
		candidates[k-1] = policy.SplitCandidate{
			LeftSize:       left,
			RightSize:      total - left,
			KeyBlockOffset: left,
			InsertAt:       insertAt,
			Replace:        replace,
			Capacity:       capacity,
			Sequence:       seq,
		}
	}
	return policy.ChooseSplit(split, candidates) + 1
}

func (bt *BTree) splitLeaf(entries []leafEntry, insertedIdx int, replace bool, capacity int, seq policy.Sequence) (left, right []leafEntry, err error) {
	sizes := make([]int, len(entries))
	insertAt := 0
	for i, e := range entries {
		sz := leafEntrySize(e)
		sizes[i] = sz
		if i < insertedIdx {
			insertAt += sz
		}
	}
	k := chooseSplit(bt.split, sizes, insertAt, replace, capacity, seq)
	return entries[:k], entries[k:], nil
}

func (bt *BTree) splitIndex(entries []indexEntry, insertedIdx int, capacity int, seq policy.Sequence) (left, right []indexEntry, err error) {
	sizes := make([]int, len(entries))
	insertAt := 0
	for i, e := range entries {
		sz := indexEntrySize(e)
		sizes[i] = sz
		if i < insertedIdx {
			insertAt += sz
		}
	}
	k := chooseSplit(bt.split, sizes, insertAt, false, capacity, seq)
	return entries[:k], entries[k:], nil
}
