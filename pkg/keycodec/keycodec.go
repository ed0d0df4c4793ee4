// Package keycodec implements the order-preserving composite key encoding
// spec.md §3 "Key" requires: a key is a sequence of typed segments whose
// concatenated byte encoding sorts in the same order as the segment tuple
// sorts lexicographically, segment by segment.
//
// Grounded on the teacher's pkg/storage/encoding.go (Value sum type +
// EncodeValues/DecodeValues/escapeString), generalized from the teacher's
// four segment kinds (bytes/int64/uint64/time) to the set spec.md names:
// signed integers of any width, unsigned integers, floats, strings, raw
// bytes, null, and the BEFORE/AFTER sentinels used to build half-open scan
// bounds without needing a full trailing segment.
package keycodec

import (
	"encoding/binary"
	"errors"
	"math"
)

// Kind tags a Segment's type. Values double as the first byte of a
// segment's wire encoding, chosen so that byte-wise comparison of encoded
// segments matches the intended type ordering: Before < Null < Int < Uint <
// Float < String < Bytes < After.
type Kind byte

const (
	tagBefore Kind = 0x00
	tagNull   Kind = 0x01
	tagInt    Kind = 0x10
	tagUint   Kind = 0x11
	tagFloat  Kind = 0x12
	tagString Kind = 0x20
	tagBytes  Kind = 0x21
	tagAfter  Kind = 0xFF
)

// ErrTruncated is returned by Decode when a segment's payload runs past the
// end of the input.
var ErrTruncated = errors.New("keycodec: truncated segment")

// ErrUnknownTag is returned by Decode on an unrecognized leading tag byte.
var ErrUnknownTag = errors.New("keycodec: unknown segment tag")

// Segment is one typed component of a composite Key. It is a tagged union,
// the same shape the teacher's Value struct uses, extended with the extra
// kinds spec.md's Key requires.
type Segment struct {
	Kind Kind
	I    int64
	U    uint64
	F    float64
	S    string
	B    []byte
}

// Int builds a signed-integer segment. The same canonical 8-byte encoding
// is used regardless of the caller's original width (int8/int16/int32/int64
// all collapse to this one wire form), which is what "multiple widths" in
// spec.md §3 means in practice: width is a constructor convenience, not a
// distinct wire type.
func Int(v int64) Segment { return Segment{Kind: tagInt, I: v} }

// Uint builds an unsigned-integer segment.
func Uint(v uint64) Segment { return Segment{Kind: tagUint, U: v} }

// Float builds a float64 segment.
func Float(v float64) Segment { return Segment{Kind: tagFloat, F: v} }

// Str builds a string segment.
func Str(s string) Segment { return Segment{Kind: tagString, S: s} }

// Bytes builds a raw-bytes segment.
func Bytes(b []byte) Segment { return Segment{Kind: tagBytes, B: b} }

// Null builds a segment representing SQL-style NULL / absent value.
func Null() Segment { return Segment{Kind: tagNull} }

// escapeString escapes 0x00 as 0x01 0x01 and 0x01 as 0x01 0x02, so a
// single 0x00 byte can terminate the segment unambiguously and escaped
// payloads still compare byte-wise in the same order as the raw bytes.
func escapeString(s []byte) []byte {
	out := make([]byte, 0, len(s)+2)
	for _, b := range s {
		switch b {
		case 0x00:
			out = append(out, 0x01, 0x01)
		case 0x01:
			out = append(out, 0x01, 0x02)
		default:
			out = append(out, b)
		}
	}
	return out
}

func unescapeString(s []byte) []byte {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == 0x01 && i+1 < len(s) {
			out = append(out, s[i+1]-1)
			i++
			continue
		}
		out = append(out, s[i])
	}
	return out
}

// flipInt64 maps an int64 into a uint64 space that preserves ordering,
// by flipping the sign bit (so negative numbers sort before non-negative
// ones when compared as unsigned big-endian bytes).
func flipInt64(v int64) uint64 {
	return uint64(v) ^ (1 << 63)
}

func unflipInt64(v uint64) int64 {
	return int64(v ^ (1 << 63))
}

// flipFloat64 maps a float64's bit pattern into an order-preserving uint64:
// for non-negative floats, flip only the sign bit; for negative floats,
// flip every bit. This is the standard order-preserving float encoding.
func flipFloat64(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits ^ (1 << 63)
}

func unflipFloat64(v uint64) float64 {
	if v&(1<<63) != 0 {
		return math.Float64frombits(v ^ (1 << 63))
	}
	return math.Float64frombits(^v)
}

// appendSegment writes one segment's wire form onto dst.
func appendSegment(dst []byte, seg Segment) []byte {
	dst = append(dst, byte(seg.Kind))
	switch seg.Kind {
	case tagNull, tagBefore, tagAfter:
		// no payload
	case tagInt:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], flipInt64(seg.I))
		dst = append(dst, buf[:]...)
	case tagUint:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], seg.U)
		dst = append(dst, buf[:]...)
	case tagFloat:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], flipFloat64(seg.F))
		dst = append(dst, buf[:]...)
	case tagString:
		dst = append(dst, escapeString([]byte(seg.S))...)
		dst = append(dst, 0x00)
	case tagBytes:
		dst = append(dst, escapeString(seg.B)...)
		dst = append(dst, 0x00)
	}
	return dst
}

// Encode concatenates the wire form of each segment into one composite key.
func Encode(segs []Segment) []byte {
	var out []byte
	for _, seg := range segs {
		out = appendSegment(out, seg)
	}
	return out
}

// Decode parses a composite key back into its segments.
func Decode(key []byte) ([]Segment, error) {
	var segs []Segment
	for len(key) > 0 {
		tag := Kind(key[0])
		rest := key[1:]
		switch tag {
		case tagNull, tagBefore, tagAfter:
			segs = append(segs, Segment{Kind: tag})
			key = rest
		case tagInt:
			if len(rest) < 8 {
				return nil, ErrTruncated
			}
			v := unflipInt64(binary.BigEndian.Uint64(rest[:8]))
			segs = append(segs, Segment{Kind: tagInt, I: v})
			key = rest[8:]
		case tagUint:
			if len(rest) < 8 {
				return nil, ErrTruncated
			}
			v := binary.BigEndian.Uint64(rest[:8])
			segs = append(segs, Segment{Kind: tagUint, U: v})
			key = rest[8:]
		case tagFloat:
			if len(rest) < 8 {
				return nil, ErrTruncated
			}
			v := unflipFloat64(binary.BigEndian.Uint64(rest[:8]))
			segs = append(segs, Segment{Kind: tagFloat, F: v})
			key = rest[8:]
		case tagString, tagBytes:
			end := findTerminator(rest)
			if end < 0 {
				return nil, ErrTruncated
			}
			payload := unescapeString(rest[:end])
			if tag == tagString {
				segs = append(segs, Segment{Kind: tagString, S: string(payload)})
			} else {
				segs = append(segs, Segment{Kind: tagBytes, B: payload})
			}
			key = rest[end+1:]
		default:
			return nil, ErrUnknownTag
		}
	}
	return segs, nil
}

// findTerminator returns the index of the first unescaped 0x00 byte.
func findTerminator(b []byte) int {
	for i := 0; i < len(b); i++ {
		if b[i] == 0x01 {
			i++
			continue
		}
		if b[i] == 0x00 {
			return i
		}
	}
	return -1
}

// AppendBefore returns key with a BEFORE sentinel appended: the smallest
// possible key sharing key as a prefix. Used to build the inclusive start
// of a half-open scan range without fully specifying a trailing segment.
func AppendBefore(key []byte) []byte {
	out := make([]byte, len(key), len(key)+1)
	copy(out, key)
	return append(out, byte(tagBefore))
}

// AppendAfter returns key with an AFTER sentinel appended: the largest
// possible key sharing key as a prefix. Used to build the exclusive end of
// a half-open scan range.
func AppendAfter(key []byte) []byte {
	out := make([]byte, len(key), len(key)+1)
	copy(out, key)
	return append(out, byte(tagAfter))
}

// Compare returns -1, 0, or 1 following normal byte-slice ordering; encoded
// keys are designed so this is equivalent to comparing the decoded
// segments tuple-wise.
func Compare(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
