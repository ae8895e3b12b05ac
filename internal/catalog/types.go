// Package catalog implements the stored-table/catalog glue: binding a
// logical table (heading, declared keys, optional secondary indexes) to
// a record-layer Recmap and a set of Indexes, and keeping the system
// catalog tables (sys_vtables, sys_indexes, sys_table_recmap) that
// remember the physical mapping across environment reopens.
package catalog

import (
	"github.com/duro-db/duro/internal/field"
	"github.com/duro-db/duro/internal/rec"
)

// Attribute is one column of a logical table's heading.
type Attribute struct {
	Name  string
	Info  field.Info
}

// IndexAttr names one attribute participating in a key or index, with
// its sort direction.
type IndexAttr struct {
	AttrName  string
	Ascending bool
}

// IndexSpec describes a secondary index to build for a table, as
// declared by the caller (for transient tables) or read back from
// sys_indexes (for persistent ones).
type IndexSpec struct {
	Name    string
	Attrs   []IndexAttr
	Unique  bool
	Ordered bool
}

// TableIndex is the catalog projection of a built index: the same
// fields as IndexSpec; it does not record which table it belongs to. The
// primary index's Name always ends in "$0", mirroring keyv[0].
type TableIndex struct {
	Name    string
	Attrs   []IndexAttr
	Unique  bool
	Ordered bool
}

// TableDef is the input to CreateStoredTable / OpenStoredTable /
// ProvideStoredTable: everything the glue needs to know about a
// logical table independent of its physical representation.
type TableDef struct {
	Name             string
	Heading          []Attribute
	PrimaryKey       []string // keyv[0], attribute names in declared order
	SecondaryIndexes []IndexSpec
	// Persistent tables look up secondary indexes from sys_indexes
	// instead of using SecondaryIndexes directly, and receive a
	// sys_table_recmap entry on collision.
	Persistent bool
	// SortOrder, when non-empty, requests an ordered primary index over
	// these attributes instead of the default hash/unordered one — used
	// when the table is itself a materialized sort result.
	SortOrder []IndexAttr
}

// StoredTable is the physical-representation record of a logical table:
// the backing Recmap, the attribute-to-field-number bijection, and the
// set of indexes (including the primary, named "<table>$0").
type StoredTable struct {
	Name           string
	Recmap         rec.Recmap
	AttrMap        map[string]int // attribute name -> field number
	Indexes        map[string]rec.Index
	TableIndexes   []TableIndex
	EstCardinality uint64

	env       rec.Environment
	recmapName string
}

// FieldNo returns the field number assigned to attr, or false if attr
// is not part of this table's heading.
func (st *StoredTable) FieldNo(attr string) (int, bool) {
	no, ok := st.AttrMap[attr]
	return no, ok
}
