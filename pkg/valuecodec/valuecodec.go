// Package valuecodec implements spec.md §3 "Value": a typed payload that is
// either stored inline ("short") or, past a size threshold, as a
// descriptor pointing at a chain of long-record pages ("long") managed by
// pkg/longrec.
//
// Grounded on the teacher's pkg/storage/encoding.go Value sum type and
// encode/decode pair, simplified relative to pkg/keycodec: values need not
// be byte-comparable, so the wire form is a plain tag+payload encoding
// rather than an order-preserving one.
package valuecodec

import (
	"encoding/binary"
	"errors"
	"math"
)

// Kind tags a Value's type.
type Kind byte

const (
	KindNull Kind = iota
	KindInt
	KindUint
	KindFloat
	KindString
	KindBytes
)

// ErrTruncated is returned by Decode when the payload is shorter than its
// tag promises.
var ErrTruncated = errors.New("valuecodec: truncated value")

// ErrUnknownKind is returned by Decode on an unrecognized tag byte.
var ErrUnknownKind = errors.New("valuecodec: unknown value kind")

// Value is a typed payload, the unit pkg/mvcc version chains store.
type Value struct {
	Kind Kind
	I    int64
	U    uint64
	F    float64
	S    string
	B    []byte
}

func Int(v int64) Value     { return Value{Kind: KindInt, I: v} }
func Uint(v uint64) Value   { return Value{Kind: KindUint, U: v} }
func Float(v float64) Value { return Value{Kind: KindFloat, F: v} }
func Str(s string) Value    { return Value{Kind: KindString, S: s} }
func Bytes(b []byte) Value  { return Value{Kind: KindBytes, B: b} }
func Null() Value           { return Value{Kind: KindNull} }

// Encode serializes v to its wire form: one tag byte followed by a
// type-specific payload.
func Encode(v Value) []byte {
	switch v.Kind {
	case KindNull:
		return []byte{byte(KindNull)}
	case KindInt:
		buf := make([]byte, 9)
		buf[0] = byte(KindInt)
		binary.BigEndian.PutUint64(buf[1:], uint64(v.I))
		return buf
	case KindUint:
		buf := make([]byte, 9)
		buf[0] = byte(KindUint)
		binary.BigEndian.PutUint64(buf[1:], v.U)
		return buf
	case KindFloat:
		buf := make([]byte, 9)
		buf[0] = byte(KindFloat)
		binary.BigEndian.PutUint64(buf[1:], math.Float64bits(v.F))
		return buf
	case KindString:
		return encodeBlob(byte(KindString), []byte(v.S))
	case KindBytes:
		return encodeBlob(byte(KindBytes), v.B)
	default:
		return []byte{byte(KindNull)}
	}
}

func encodeBlob(tag byte, payload []byte) []byte {
	buf := make([]byte, 1+4+len(payload))
	buf[0] = tag
	binary.BigEndian.PutUint32(buf[1:], uint32(len(payload)))
	copy(buf[5:], payload)
	return buf
}

// Decode parses the wire form produced by Encode.
func Decode(b []byte) (Value, error) {
	if len(b) < 1 {
		return Value{}, ErrTruncated
	}
	kind := Kind(b[0])
	rest := b[1:]
	switch kind {
	case KindNull:
		return Null(), nil
	case KindInt:
		if len(rest) < 8 {
			return Value{}, ErrTruncated
		}
		return Int(int64(binary.BigEndian.Uint64(rest[:8]))), nil
	case KindUint:
		if len(rest) < 8 {
			return Value{}, ErrTruncated
		}
		return Uint(binary.BigEndian.Uint64(rest[:8])), nil
	case KindFloat:
		if len(rest) < 8 {
			return Value{}, ErrTruncated
		}
		return Float(math.Float64frombits(binary.BigEndian.Uint64(rest[:8]))), nil
	case KindString, KindBytes:
		if len(rest) < 4 {
			return Value{}, ErrTruncated
		}
		n := binary.BigEndian.Uint32(rest[:4])
		if uint32(len(rest)-4) < n {
			return Value{}, ErrTruncated
		}
		payload := append([]byte(nil), rest[4:4+n]...)
		if kind == KindString {
			return Str(string(payload)), nil
		}
		return Bytes(payload), nil
	default:
		return Value{}, ErrUnknownKind
	}
}

// Descriptor is the inline pointer a long value leaves behind in place of
// its payload: total size plus the page id of the first page in its chain.
type Descriptor struct {
	Size      uint64
	FirstPage uint64
}

// DescriptorSize is the fixed wire size of an encoded Descriptor.
const DescriptorSize = 16

// EncodeDescriptor serializes d to its fixed 16-byte wire form.
func EncodeDescriptor(d Descriptor) []byte {
	buf := make([]byte, DescriptorSize)
	binary.BigEndian.PutUint64(buf[0:8], d.Size)
	binary.BigEndian.PutUint64(buf[8:16], d.FirstPage)
	return buf
}

// DecodeDescriptor parses the wire form produced by EncodeDescriptor.
func DecodeDescriptor(b []byte) (Descriptor, error) {
	if len(b) < DescriptorSize {
		return Descriptor{}, ErrTruncated
	}
	return Descriptor{
		Size:      binary.BigEndian.Uint64(b[0:8]),
		FirstPage: binary.BigEndian.Uint64(b[8:16]),
	}, nil
}

// Threshold returns the short/long cutoff for a page of the given usable
// capacity: a value is "long" once its encoded size would not leave room
// for at least three more average-sized entries at capacity. See
// DESIGN.md's Open Question decision for the rationale behind the
// quarter-capacity rule of thumb.
func Threshold(capacity int) int {
	return capacity / 4
}

// IsLong reports whether a value of encodedLen bytes must be stored as a
// long record on a page of the given usable capacity.
func IsLong(encodedLen, capacity int) bool {
	return encodedLen > Threshold(capacity)
}
