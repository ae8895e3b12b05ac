package catalog

import (
	"testing"

	"github.com/duro-db/duro/internal/field"
	"github.com/stretchr/testify/require"
)

func sampleDef() TableDef {
	return TableDef{
		Name: "accounts",
		Heading: []Attribute{
			{Name: "balance", Info: field.Info{Len: 8, AttrName: "balance", Flags: field.Float}},
			{Name: "id", Info: field.Info{Len: 4, AttrName: "id", Flags: field.Integer}},
			{Name: "name", Info: field.Info{Len: field.VarLen, AttrName: "name", Flags: field.Char}},
			{Name: "region", Info: field.Info{Len: 4, AttrName: "region", Flags: field.Integer}},
		},
		PrimaryKey: []string{"id", "region"},
	}
}

func TestAssignFieldNumbersBijection(t *testing.T) {
	def := sampleDef()
	attrMap, infos, keyFieldCount, err := assignFieldNumbers(def)
	require.NoError(t, err)
	require.Equal(t, 2, keyFieldCount)
	require.Len(t, infos, len(def.Heading))

	// Key attributes take 0..keyFieldCount-1 in PrimaryKey order.
	require.Equal(t, 0, attrMap["id"])
	require.Equal(t, 1, attrMap["region"])

	// It's a bijection: every field number 0..len(heading)-1 is used exactly once.
	seen := map[int]bool{}
	for _, no := range attrMap {
		require.False(t, seen[no], "field number %d assigned twice", no)
		seen[no] = true
	}
	require.Len(t, seen, len(def.Heading))

	// Non-key attributes receive the remaining numbers in heading order:
	// heading is balance, id, name, region; id and region are keys, so
	// balance then name get the next numbers in that declared order.
	require.Equal(t, 2, attrMap["balance"])
	require.Equal(t, 3, attrMap["name"])
}

func TestAssignFieldNumbersSortOrderOverridesPrimaryKey(t *testing.T) {
	def := sampleDef()
	def.SortOrder = []IndexAttr{{AttrName: "region", Ascending: true}, {AttrName: "id", Ascending: false}}

	attrMap, _, keyFieldCount, err := assignFieldNumbers(def)
	require.NoError(t, err)
	require.Equal(t, 2, keyFieldCount)
	require.Equal(t, 0, attrMap["region"])
	require.Equal(t, 1, attrMap["id"])
}

func TestAssignFieldNumbersUnknownKeyAttribute(t *testing.T) {
	def := sampleDef()
	def.PrimaryKey = []string{"nonexistent"}
	_, _, _, err := assignFieldNumbers(def)
	require.Error(t, err)
}
