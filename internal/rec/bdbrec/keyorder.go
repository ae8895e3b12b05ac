package bdbrec

import (
	"fmt"
	"math"

	"github.com/duro-db/duro/internal/field"
	"github.com/duro-db/duro/internal/rdberr"
	"github.com/duro-db/duro/internal/rec"
)

// bbolt has no custom key comparator: a bucket always orders its keys by
// raw byte comparison. A recmap or index whose key fields are signed
// integers, floats, or declared descending needs those fields rewritten
// into a byte image that sorts the same way under memcmp as the field's
// native comparison. The functions below perform that rewrite on the
// fixed-length key fields of an encoded key half; variable-length (Char)
// fields are left as-is except for the descending bit-inversion, since
// their byte representation already orders the way a raw comparison
// expects.

func fieldBytesToInt64(b []byte) int64 {
	var v int64
	for _, c := range b {
		v = (v << 8) | int64(c)
	}
	if len(b) > 0 && len(b) < 8 && b[0]&0x80 != 0 {
		v -= 1 << (8 * uint(len(b)))
	}
	return v
}

func int64ToFieldBytes(v int64, width int) []byte {
	out := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}

func fieldBytesToFloat64(b []byte) float64 {
	var bits uint64
	for _, c := range b {
		bits = (bits << 8) | uint64(c)
	}
	return math.Float64frombits(bits)
}

func float64ToFieldBytes(v float64) []byte {
	bits := math.Float64bits(v)
	out := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		out[i] = byte(bits)
		bits >>= 8
	}
	return out
}

func invertBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = ^c
	}
	return out
}

// orderedKeyFieldBytes converts one key field's logical encoded bytes
// into the byte image bbolt will compare, applying field.TransformKeyInt
// / TransformKeyFloat to numeric fields and inverting the result when
// the field sorts descending.
func orderedKeyFieldBytes(data []byte, flags field.Flag, ascending bool) []byte {
	var b []byte
	switch {
	case flags&field.Integer != 0:
		b = field.TransformKeyInt(fieldBytesToInt64(data), len(data))
	case flags&field.Float != 0:
		b = field.TransformKeyFloat(fieldBytesToFloat64(data))
	default:
		b = append([]byte(nil), data...)
	}
	if !ascending {
		b = invertBytes(b)
	}
	return b
}

// unorderedKeyFieldBytes reverses orderedKeyFieldBytes, recovering the
// logical encoded bytes field.BytesToFields expects.
func unorderedKeyFieldBytes(data []byte, flags field.Flag, width int, ascending bool) []byte {
	b := data
	if !ascending {
		b = invertBytes(b)
	}
	switch {
	case flags&field.Integer != 0:
		return int64ToFieldBytes(field.UntransformKeyInt(b), width)
	case flags&field.Float != 0:
		return float64ToFieldBytes(field.UntransformKeyFloat(b))
	default:
		return append([]byte(nil), b...)
	}
}

// keyFieldAscending reports the declared sort direction for key field
// no, defaulting to ascending when no CompareFields were recorded (a
// recmap/index reopened without its create-time ordering metadata).
func keyFieldAscending(compareFields []rec.CompareField, no int) bool {
	for _, cf := range compareFields {
		if cf.FieldNo == no {
			return cf.Ascending
		}
	}
	return true
}

// transformKeyHalf rewrites every key field within buf (the
// key-half layout produced by field.FieldsToBytes/encodeHalf) between
// its logical form and the byte image used as the bbolt bucket key.
// reverse=false encodes for storage; reverse=true recovers the logical
// bytes from a stored key.
func (r *Recmap) transformKeyHalf(buf []byte, reverse bool) ([]byte, error) {
	out := append([]byte(nil), buf...)
	for no := 0; no < r.keyFieldCount; no++ {
		fi := r.infos[no]
		off, length, err := field.GetField(buf, r.infos, 0, r.keyFieldCount, no)
		if err != nil {
			return nil, err
		}
		ascending := keyFieldAscending(r.compareFields, no)
		var transformed []byte
		if reverse {
			transformed = unorderedKeyFieldBytes(out[off:off+length], fi.Flags, length, ascending)
		} else {
			transformed = orderedKeyFieldBytes(out[off:off+length], fi.Flags, ascending)
		}
		if len(transformed) != length {
			return nil, rdberr.Wrap(rdberr.Internal, "key_transform",
				fmt.Errorf("transform changed length for field %d", no))
		}
		copy(out[off:off+length], transformed)
	}
	return out, nil
}
