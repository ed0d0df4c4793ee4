package mvcc

import "encoding/binary"

// Kind tags one entry of a version chain.
type Kind byte

const (
	// Committed holds a live value visible once Ts (a commit-ts) is <=
	// a reader's start-ts.
	Committed Kind = 1
	// Provisional holds a value written by a still-open transaction; Ts
	// is that transaction's id. Visible only to that same transaction
	// (read-your-writes), never to any other reader.
	Provisional Kind = 2
	// AntiCommitted is a committed tombstone (spec.md's AntiValue): the
	// key is logically absent from Ts onward.
	AntiCommitted Kind = 3
	// AntiProvisional is a tombstone written by a still-open transaction.
	AntiProvisional Kind = 4
)

// Version is one entry of a key's version chain.
type Version struct {
	Kind  Kind
	Ts    uint64 // commit-ts for *Committed kinds, txn id for *Provisional kinds
	Value []byte // nil for AntiCommitted/AntiProvisional
}

func (k Kind) isProvisional() bool { return k == Provisional || k == AntiProvisional }
func (k Kind) isCommitted() bool   { return k == Committed || k == AntiCommitted }
func (k Kind) isAnti() bool        { return k == AntiCommitted || k == AntiProvisional }

// EncodeChain serializes a key's full version chain: [count u32]
// {[kind u8][ts u64][valueLen u32][value]}*.
func EncodeChain(chain []Version) []byte {
	size := 4
	for _, v := range chain {
		size += 1 + 8 + 4 + len(v.Value)
	}
	out := make([]byte, size)
	binary.BigEndian.PutUint32(out[0:4], uint32(len(chain)))
	off := 4
	for _, v := range chain {
		out[off] = byte(v.Kind)
		off++
		binary.BigEndian.PutUint64(out[off:off+8], v.Ts)
		off += 8
		binary.BigEndian.PutUint32(out[off:off+4], uint32(len(v.Value)))
		off += 4
		off += copy(out[off:], v.Value)
	}
	return out
}

// DecodeChain parses EncodeChain's output.
func DecodeChain(data []byte) ([]Version, error) {
	if len(data) < 4 {
		return nil, ErrCorruptChain
	}
	count := binary.BigEndian.Uint32(data[0:4])
	out := make([]Version, 0, count)
	off := 4
	for i := uint32(0); i < count; i++ {
		if off+1+8+4 > len(data) {
			return nil, ErrCorruptChain
		}
		kind := Kind(data[off])
		off++
		ts := binary.BigEndian.Uint64(data[off : off+8])
		off += 8
		vlen := binary.BigEndian.Uint32(data[off : off+4])
		off += 4
		if off+int(vlen) > len(data) {
			return nil, ErrCorruptChain
		}
		var value []byte
		if vlen > 0 {
			value = make([]byte, vlen)
			copy(value, data[off:off+int(vlen)])
		}
		off += int(vlen)
		out = append(out, Version{Kind: kind, Ts: ts, Value: value})
	}
	return out, nil
}

// VisibleValue implements spec.md §4.6's read filter plus read-your-writes:
// a reading transaction always sees its own uncommitted write first; failing
// that, it sees the committed version with the greatest commit-ts that is
// still <= startTS (the version whose supersession point, the next newer
// commit-ts, is necessarily > startTS).
func VisibleValue(chain []Version, startTS, txnID uint64) ([]byte, bool) {
	for _, v := range chain {
		if v.Kind.isProvisional() && v.Ts == txnID {
			if v.Kind.isAnti() {
				return nil, false
			}
			return v.Value, true
		}
	}
	var best *Version
	for i := range chain {
		v := &chain[i]
		if v.Kind.isCommitted() && v.Ts <= startTS {
			if best == nil || v.Ts > best.Ts {
				best = v
			}
		}
	}
	if best == nil || best.Kind.isAnti() {
		return nil, false
	}
	return best.Value, true
}

// latestCommittedTS returns the greatest Ts among committed/anti-committed
// entries, or 0 if none exist. Used by Txn.Commit's write-write conflict
// check.
func latestCommittedTS(chain []Version) uint64 {
	var max uint64
	for _, v := range chain {
		if v.Kind.isCommitted() && v.Ts > max {
			max = v.Ts
		}
	}
	return max
}

// upsertProvisional replaces txnID's existing provisional/anti-provisional
// entry in chain (if any) with a fresh one of the given kind and value, or
// prepends one if the transaction has not yet written this key.
func upsertProvisional(chain []Version, txnID uint64, kind Kind, value []byte) []Version {
	out := make([]Version, 0, len(chain)+1)
	out = append(out, Version{Kind: kind, Ts: txnID, Value: value})
	for _, v := range chain {
		if v.Kind.isProvisional() && v.Ts == txnID {
			continue
		}
		out = append(out, v)
	}
	return out
}

// finalizeProvisional converts txnID's provisional entry to its committed
// counterpart at commitTS, in place.
func finalizeProvisional(chain []Version, txnID, commitTS uint64) []Version {
	for i := range chain {
		if chain[i].Kind.isProvisional() && chain[i].Ts == txnID {
			if chain[i].Kind == Provisional {
				chain[i].Kind = Committed
			} else {
				chain[i].Kind = AntiCommitted
			}
			chain[i].Ts = commitTS
		}
	}
	return chain
}

// dropProvisional removes txnID's provisional entry entirely, used on
// rollback.
func dropProvisional(chain []Version, txnID uint64) []Version {
	out := chain[:0]
	for _, v := range chain {
		if v.Kind.isProvisional() && v.Ts == txnID {
			continue
		}
		out = append(out, v)
	}
	return out
}

// PruneVisible drops every entry that no transaction with start-ts >=
// horizon could ever see again: a committed/anti-committed entry is safe
// to drop once a strictly newer committed entry's ts is also <= horizon
// (so it could never be the "best" match for any reader at or after
// horizon). Used by pkg/cleanup's PruneVersionChain action.
func PruneVisible(chain []Version, horizon uint64) []Version {
	// The entry with the greatest commit-ts <= horizon is the one every
	// reader at or after horizon would resolve to; anything committed
	// strictly below it is unreachable. Entries above horizon, and any
	// open provisional entries, are always kept.
	var floor *Version
	for i := range chain {
		v := &chain[i]
		if v.Kind.isCommitted() && v.Ts <= horizon {
			if floor == nil || v.Ts > floor.Ts {
				floor = v
			}
		}
	}
	if floor == nil {
		return chain
	}
	out := make([]Version, 0, len(chain))
	for _, v := range chain {
		if v.Kind.isCommitted() && v.Ts <= horizon && v.Ts != floor.Ts {
			continue
		}
		out = append(out, v)
	}
	return out
}

// PruneAntiValues removes a committed tombstone once its commit-ts is
// below the earliest live start-ts, per spec.md §4.7's PruneAntiValues
// action and property P6. Returns the pruned chain and whether the key
// has no entries left at all (caller should then remove the key
// entirely rather than store an empty chain).
func PruneAntiValues(chain []Version, earliestLiveStartTS uint64) (out []Version, empty bool) {
	out = make([]Version, 0, len(chain))
	for _, v := range chain {
		if v.Kind == AntiCommitted && v.Ts <= earliestLiveStartTS {
			continue
		}
		out = append(out, v)
	}
	return out, len(out) == 0
}
