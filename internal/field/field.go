// Package field implements the self-describing byte encoding that every
// attribute value passes through before it reaches a backend driver.
package field

import (
	"encoding/binary"
	"fmt"

	"github.com/duro-db/duro/internal/rdberr"
)

// Flag is a bit-set of the primitive encodings a field may carry. The
// absence of any primitive flag means the field holds opaque binary
// (a serialized tuple, relation, or other compound value). Bit positions
// mirror the on-disk contract recorded for this project's field types.
type Flag int

const (
	Char    Flag = 1
	Boolean Flag = 2
	Integer Flag = 4
	Float   Flag = 8
	Serial  Flag = 256
)

// VarLen is the sentinel FieldInfo.Len value meaning "variable length".
const VarLen = -1

// Info is the static per-field metadata carried by a recmap: declared
// width, attribute name and primitive encoding. Len is a positive fixed
// size in bytes, or VarLen.
type Info struct {
	Len      int
	AttrName string
	Flags    Flag
}

// Variable reports whether the field has no fixed width.
func (fi Info) Variable() bool { return fi.Len == VarLen }

// Field is a runtime descriptor for a single attribute value in its
// encoded form. No is the field's position in the recmap's field table;
// Data holds the encoded bytes. Field does not own Data's backing array.
type Field struct {
	No   int
	Data []byte
}

// Descriptor names a field by attribute instead of number, used by
// callers building a Field slice from attribute values.
type Descriptor struct {
	No       int
	AttrName string
}

const lenSlotSize = 4 // bytes per framing length slot

// FieldsToBytes serializes the given fields into key-half and value-half
// byte ranges according to infos and keyFieldCount. fields need not be in
// field-number order but must cover every field in infos; a missing field
// in either half is an InvalidArgument error. Each half gets its own framing header
// (one 4-byte big-endian length slot per variable-length field in that
// half, in field-number order) followed by fixed-length fields
// contiguously, followed by variable-length payloads in field-number
// order.
func FieldsToBytes(fields []Field, infos []Info, keyFieldCount int) (key, value []byte, err error) {
	byNo := make(map[int]Field, len(fields))
	for _, f := range fields {
		byNo[f.No] = f
	}
	key, err = encodeHalf(byNo, infos, 0, keyFieldCount)
	if err != nil {
		return nil, nil, err
	}
	value, err = encodeHalf(byNo, infos, keyFieldCount, len(infos))
	if err != nil {
		return nil, nil, err
	}
	return key, value, nil
}

func encodeHalf(byNo map[int]Field, infos []Info, lo, hi int) ([]byte, error) {
	var varLens []int
	var fixed [][]byte
	var varPayloads [][]byte
	for no := lo; no < hi; no++ {
		fi := infos[no]
		f, ok := byNo[no]
		if !ok {
			return nil, rdberr.New(rdberr.InvalidArgument, "fields_to_bytes", fi.AttrName,
				fmt.Errorf("missing field %d", no))
		}
		if fi.Variable() {
			varLens = append(varLens, len(f.Data))
			varPayloads = append(varPayloads, f.Data)
		} else {
			if len(f.Data) != fi.Len {
				return nil, rdberr.New(rdberr.TypeMismatch, "fields_to_bytes", fi.AttrName,
					fmt.Errorf("field %d: want %d bytes, got %d", no, fi.Len, len(f.Data)))
			}
			fixed = append(fixed, f.Data)
		}
	}

	size := len(varLens)*lenSlotSize
	for _, b := range fixed {
		size += len(b)
	}
	for _, b := range varPayloads {
		size += len(b)
	}

	buf := make([]byte, 0, size)
	for _, l := range varLens {
		var lb [lenSlotSize]byte
		binary.BigEndian.PutUint32(lb[:], uint32(l))
		buf = append(buf, lb[:]...)
	}
	for _, b := range fixed {
		buf = append(buf, b...)
	}
	for _, b := range varPayloads {
		buf = append(buf, b...)
	}
	return buf, nil
}

// BytesToFields decodes the fields in [lo, hi) of a half encoded by
// encodeHalf back into a Field slice, in field-number order.
func BytesToFields(buf []byte, infos []Info, lo, hi int) ([]Field, error) {
	var varCount int
	for no := lo; no < hi; no++ {
		if infos[no].Variable() {
			varCount++
		}
	}

	headerSize := varCount * lenSlotSize
	if len(buf) < headerSize {
		return nil, rdberr.Wrap(rdberr.Internal, "bytes_to_fields", fmt.Errorf("short framing header"))
	}
	varLens := make([]int, varCount)
	for i := 0; i < varCount; i++ {
		varLens[i] = int(binary.BigEndian.Uint32(buf[i*lenSlotSize:]))
	}

	fixedOff := headerSize
	out := make([]Field, 0, hi-lo)
	varFieldNos := make([]int, 0, varCount)
	for no := lo; no < hi; no++ {
		fi := infos[no]
		if fi.Variable() {
			varFieldNos = append(varFieldNos, no)
			continue
		}
		if fixedOff+fi.Len > len(buf) {
			return nil, rdberr.Wrap(rdberr.Internal, "bytes_to_fields", fmt.Errorf("short fixed region for field %d", no))
		}
		out = append(out, Field{No: no, Data: buf[fixedOff : fixedOff+fi.Len]})
		fixedOff += fi.Len
	}

	payloadOff := fixedOff
	for i, no := range varFieldNos {
		l := varLens[i]
		if payloadOff+l > len(buf) {
			return nil, rdberr.Wrap(rdberr.Internal, "bytes_to_fields", fmt.Errorf("short variable payload for field %d", no))
		}
		out = append(out, Field{No: no, Data: buf[payloadOff : payloadOff+l]})
		payloadOff += l
	}

	if payloadOff != len(buf) {
		return nil, rdberr.Wrap(rdberr.Internal, "bytes_to_fields", fmt.Errorf("trailing bytes after last field"))
	}
	return sortByNo(out), nil
}

func sortByNo(fs []Field) []Field {
	for i := 1; i < len(fs); i++ {
		for j := i; j > 0 && fs[j].No < fs[j-1].No; j-- {
			fs[j], fs[j-1] = fs[j-1], fs[j]
		}
	}
	return fs
}

// GetField locates the nth field's byte range within an encoded half,
// returning its offset and length without decoding the other fields.
func GetField(buf []byte, infos []Info, lo, hi, no int) (offset, length int, err error) {
	if no < lo || no >= hi {
		return 0, 0, rdberr.New(rdberr.InvalidArgument, "get_field", infos[no].AttrName,
			fmt.Errorf("field %d out of range [%d,%d)", no, lo, hi))
	}
	var varCount int
	for n := lo; n < hi; n++ {
		if infos[n].Variable() {
			varCount++
		}
	}
	headerSize := varCount * lenSlotSize
	if len(buf) < headerSize {
		return 0, 0, rdberr.Wrap(rdberr.Internal, "get_field", fmt.Errorf("short framing header"))
	}

	varLens := make([]int, varCount)
	for i := 0; i < varCount; i++ {
		varLens[i] = int(binary.BigEndian.Uint32(buf[i*lenSlotSize:]))
	}

	fixedOff := headerSize
	varIdx := 0
	for n := lo; n < hi; n++ {
		fi := infos[n]
		if fi.Variable() {
			if n == no {
				payloadOff := headerSize
				for m := lo; m < hi; m++ {
					if !infos[m].Variable() {
						payloadOff += infos[m].Len
					}
				}
				for i := 0; i < varIdx; i++ {
					payloadOff += varLens[i]
				}
				return payloadOff, varLens[varIdx], nil
			}
			varIdx++
			continue
		}
		if n == no {
			return fixedOff, fi.Len, nil
		}
		fixedOff += fi.Len
	}
	return 0, 0, rdberr.New(rdberr.Internal, "get_field", infos[no].AttrName, fmt.Errorf("field %d not located", no))
}

// SetField overwrites the bytes for a fixed-length field no within buf,
// an already-encoded half. It is an error to call SetField on a
// variable-length field, since that would require re-framing; callers
// must re-encode the half via FieldsToBytes instead.
func SetField(buf []byte, infos []Info, lo, hi, no int, data []byte) error {
	if infos[no].Variable() {
		return rdberr.New(rdberr.InvalidArgument, "set_field", infos[no].AttrName,
			fmt.Errorf("field %d is variable-length", no))
	}
	off, length, err := GetField(buf, infos, lo, hi, no)
	if err != nil {
		return err
	}
	if len(data) != length {
		return rdberr.New(rdberr.TypeMismatch, "set_field", infos[no].AttrName,
			fmt.Errorf("field %d: want %d bytes, got %d", no, length, len(data)))
	}
	copy(buf[off:off+length], data)
	return nil
}
