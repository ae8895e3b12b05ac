package field

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFieldsToBytesRoundTrip(t *testing.T) {
	infos := []Info{
		{Len: 4, AttrName: "id", Flags: Integer},
		{Len: VarLen, AttrName: "name", Flags: Char},
		{Len: VarLen, AttrName: "note", Flags: Char},
	}
	fields := []Field{
		{No: 0, Data: []byte{0, 0, 0, 7}},
		{No: 1, Data: []byte("alice")},
		{No: 2, Data: []byte("hello world")},
	}

	key, value, err := FieldsToBytes(fields, infos, 1)
	require.NoError(t, err)
	require.NotEmpty(t, key)
	require.NotEmpty(t, value)

	gotKey, err := BytesToFields(key, infos, 0, 1)
	require.NoError(t, err)
	require.Len(t, gotKey, 1)
	require.Equal(t, fields[0].Data, gotKey[0].Data)

	gotValue, err := BytesToFields(value, infos, 1, 3)
	require.NoError(t, err)
	require.Len(t, gotValue, 2)
	require.Equal(t, fields[1].Data, gotValue[0].Data)
	require.Equal(t, fields[2].Data, gotValue[1].Data)
}

func TestFieldsToBytesMissingField(t *testing.T) {
	infos := []Info{{Len: 4, AttrName: "id", Flags: Integer}}
	_, _, err := FieldsToBytes(nil, infos, 1)
	require.Error(t, err)
}

func TestFieldsToBytesTypeMismatch(t *testing.T) {
	infos := []Info{{Len: 4, AttrName: "id", Flags: Integer}}
	fields := []Field{{No: 0, Data: []byte{1, 2}}}
	_, _, err := FieldsToBytes(fields, infos, 1)
	require.Error(t, err)
}

func TestGetFieldAndSetField(t *testing.T) {
	infos := []Info{
		{Len: 4, AttrName: "a", Flags: Integer},
		{Len: 4, AttrName: "b", Flags: Integer},
		{Len: VarLen, AttrName: "c", Flags: Char},
	}
	fields := []Field{
		{No: 0, Data: []byte{0, 0, 0, 1}},
		{No: 1, Data: []byte{0, 0, 0, 2}},
		{No: 2, Data: []byte("xyz")},
	}
	buf, _, err := FieldsToBytes(fields, infos, 3)
	require.NoError(t, err)

	off, length, err := GetField(buf, infos, 0, 3, 1)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 2}, buf[off:off+length])

	require.NoError(t, SetField(buf, infos, 0, 3, 1, []byte{0, 0, 0, 9}))
	off, length, err = GetField(buf, infos, 0, 3, 1)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 9}, buf[off:off+length])

	require.Error(t, SetField(buf, infos, 0, 3, 2, []byte("abc")))
}

func TestTransformKeyIntOrderPreserving(t *testing.T) {
	a := TransformKeyInt(-5, 8)
	b := TransformKeyInt(3, 8)
	require.Less(t, string(a), string(b))
	require.Equal(t, int64(-5), UntransformKeyInt(a))
	require.Equal(t, int64(3), UntransformKeyInt(b))
}

func TestTransformKeyFloatOrderPreserving(t *testing.T) {
	neg := TransformKeyFloat(-1.5)
	zero := TransformKeyFloat(0)
	pos := TransformKeyFloat(2.5)
	require.Less(t, string(neg), string(zero))
	require.Less(t, string(zero), string(pos))
	require.InDelta(t, -1.5, UntransformKeyFloat(neg), 0)
	require.InDelta(t, 2.5, UntransformKeyFloat(pos), 0)
}
