package journal

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
)

// RecordKind identifies one of spec.md §4.4's six record shapes.
type RecordKind byte

const (
	RecordPageImage    RecordKind = 1
	RecordTxnStart     RecordKind = 2
	RecordTxnCommit    RecordKind = 3
	RecordTxnAbort     RecordKind = 4
	RecordCheckpoint   RecordKind = 5
	RecordTreeMetadata RecordKind = 6
)

func (k RecordKind) String() string {
	switch k {
	case RecordPageImage:
		return "PAGE_IMAGE"
	case RecordTxnStart:
		return "TRANSACTION_START"
	case RecordTxnCommit:
		return "TRANSACTION_COMMIT"
	case RecordTxnAbort:
		return "TRANSACTION_ABORT"
	case RecordCheckpoint:
		return "CHECKPOINT"
	case RecordTreeMetadata:
		return "TREE_METADATA"
	default:
		return "UNKNOWN"
	}
}

// PageIndexEntry is one row of a CHECKPOINT record's page-index snapshot:
// the most recent journal knowledge of one (volume, page) pair at the
// moment the checkpoint was taken.
type PageIndexEntry struct {
	VolumeID  uint64
	PageID    uint64
	Offset    int64
	Timestamp uint64
}

// Record is the decoded form of one journal entry. Only the fields
// relevant to Kind are populated.
type Record struct {
	LSN  uint64
	Kind RecordKind

	// PAGE_IMAGE
	VolumeID  uint64
	PageID    uint64
	Timestamp uint64
	PageBytes []byte

	// TRANSACTION_START/COMMIT/ABORT
	TxnID    uint64
	StartTS  uint64
	CommitTS uint64

	// CHECKPOINT
	EarliestLiveTxn   uint64
	PageIndexSnapshot []PageIndexEntry

	// TREE_METADATA
	TreeName   string
	RootPageID uint64
	Dropped    bool
}

// Encode serializes the record to its on-disk frame: [kind(1)][lsn(8)]
// [kind-specific payload][crc32(4)], mirroring the teacher's entry.go
// Encode but with a payload shape selected by Kind.
func (r *Record) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(r.Kind))
	writeU64(&buf, r.LSN)

	switch r.Kind {
	case RecordPageImage:
		writeU64(&buf, r.VolumeID)
		writeU64(&buf, r.PageID)
		writeU64(&buf, r.Timestamp)
		writeU32(&buf, uint32(len(r.PageBytes)))
		buf.Write(r.PageBytes)
	case RecordTxnStart:
		writeU64(&buf, r.TxnID)
		writeU64(&buf, r.StartTS)
	case RecordTxnCommit:
		writeU64(&buf, r.TxnID)
		writeU64(&buf, r.CommitTS)
	case RecordTxnAbort:
		writeU64(&buf, r.TxnID)
	case RecordCheckpoint:
		writeU64(&buf, r.Timestamp)
		writeU64(&buf, r.EarliestLiveTxn)
		writeU32(&buf, uint32(len(r.PageIndexSnapshot)))
		for _, e := range r.PageIndexSnapshot {
			writeU64(&buf, e.VolumeID)
			writeU64(&buf, e.PageID)
			writeU64(&buf, uint64(e.Offset))
			writeU64(&buf, e.Timestamp)
		}
	case RecordTreeMetadata:
		writeU16(&buf, uint16(len(r.TreeName)))
		buf.WriteString(r.TreeName)
		writeU64(&buf, r.RootPageID)
		if r.Dropped {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	}

	crc := crc32.ChecksumIEEE(buf.Bytes())
	writeU32(&buf, crc)
	return buf.Bytes()
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

// ReadRecord reads and decodes one record from r, verifying its CRC32.
// It returns io.EOF (unwrapped) only when zero bytes could be read for a
// new record's leading kind byte; any other short read is ErrTruncated,
// the torn-tail case a crash leaves behind.
func ReadRecord(r io.Reader) (*Record, error) {
	var mirror bytes.Buffer
	tee := io.TeeReader(r, &mirror)

	var kindBuf [1]byte
	if _, err := io.ReadFull(r, kindBuf[:]); err != nil {
		return nil, err
	}
	mirror.Write(kindBuf[:])
	kind := RecordKind(kindBuf[0])

	var lsnBuf [8]byte
	if _, err := io.ReadFull(tee, lsnBuf[:]); err != nil {
		return nil, ErrTruncated
	}
	rec := &Record{Kind: kind, LSN: binary.BigEndian.Uint64(lsnBuf[:])}

	if err := decodePayload(tee, rec); err != nil {
		return nil, err
	}

	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return nil, ErrTruncated
	}
	stored := binary.BigEndian.Uint32(crcBuf[:])
	if crc32.ChecksumIEEE(mirror.Bytes()) != stored {
		return nil, ErrCorrupted
	}
	return rec, nil
}

func decodePayload(tee io.Reader, rec *Record) error {
	switch rec.Kind {
	case RecordPageImage:
		var fixed [8 + 8 + 8 + 4]byte
		if _, err := io.ReadFull(tee, fixed[:]); err != nil {
			return ErrTruncated
		}
		rec.VolumeID = binary.BigEndian.Uint64(fixed[0:8])
		rec.PageID = binary.BigEndian.Uint64(fixed[8:16])
		rec.Timestamp = binary.BigEndian.Uint64(fixed[16:24])
		plen := binary.BigEndian.Uint32(fixed[24:28])
		rec.PageBytes = make([]byte, plen)
		if _, err := io.ReadFull(tee, rec.PageBytes); err != nil {
			return ErrTruncated
		}
	case RecordTxnStart:
		var fixed [16]byte
		if _, err := io.ReadFull(tee, fixed[:]); err != nil {
			return ErrTruncated
		}
		rec.TxnID = binary.BigEndian.Uint64(fixed[0:8])
		rec.StartTS = binary.BigEndian.Uint64(fixed[8:16])
	case RecordTxnCommit:
		var fixed [16]byte
		if _, err := io.ReadFull(tee, fixed[:]); err != nil {
			return ErrTruncated
		}
		rec.TxnID = binary.BigEndian.Uint64(fixed[0:8])
		rec.CommitTS = binary.BigEndian.Uint64(fixed[8:16])
	case RecordTxnAbort:
		var fixed [8]byte
		if _, err := io.ReadFull(tee, fixed[:]); err != nil {
			return ErrTruncated
		}
		rec.TxnID = binary.BigEndian.Uint64(fixed[:])
	case RecordCheckpoint:
		var fixed [8 + 8 + 4]byte
		if _, err := io.ReadFull(tee, fixed[:]); err != nil {
			return ErrTruncated
		}
		rec.Timestamp = binary.BigEndian.Uint64(fixed[0:8])
		rec.EarliestLiveTxn = binary.BigEndian.Uint64(fixed[8:16])
		count := binary.BigEndian.Uint32(fixed[16:20])
		rec.PageIndexSnapshot = make([]PageIndexEntry, count)
		for i := range rec.PageIndexSnapshot {
			var e [32]byte
			if _, err := io.ReadFull(tee, e[:]); err != nil {
				return ErrTruncated
			}
			rec.PageIndexSnapshot[i] = PageIndexEntry{
				VolumeID:  binary.BigEndian.Uint64(e[0:8]),
				PageID:    binary.BigEndian.Uint64(e[8:16]),
				Offset:    int64(binary.BigEndian.Uint64(e[16:24])),
				Timestamp: binary.BigEndian.Uint64(e[24:32]),
			}
		}
	case RecordTreeMetadata:
		var nlen [2]byte
		if _, err := io.ReadFull(tee, nlen[:]); err != nil {
			return ErrTruncated
		}
		name := make([]byte, binary.BigEndian.Uint16(nlen[:]))
		if _, err := io.ReadFull(tee, name); err != nil {
			return ErrTruncated
		}
		rec.TreeName = string(name)
		var rest [9]byte
		if _, err := io.ReadFull(tee, rest[:]); err != nil {
			return ErrTruncated
		}
		rec.RootPageID = binary.BigEndian.Uint64(rest[0:8])
		rec.Dropped = rest[8] != 0
	default:
		return ErrUnknownRecordKind
	}
	return nil
}
