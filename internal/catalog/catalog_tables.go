package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/duro-db/duro/internal/field"
	"github.com/duro-db/duro/internal/rdberr"
	"github.com/duro-db/duro/internal/rec"
)

const (
	sysVTables     = "sys_vtables"
	sysIndexes     = "sys_indexes"
	sysTableRecmap = "sys_table_recmap"
)

// Catalog holds the three bootstrapped system tables. All catalog
// access goes through the record layer; the catalog tables are
// themselves ordinary stored tables.
type Catalog struct {
	env        rec.Environment
	vtables    *StoredTable
	indexes    *StoredTable
	tableRecmap *StoredTable
}

func sysVTablesDef() TableDef {
	return TableDef{
		Name: sysVTables,
		Heading: []Attribute{
			{Name: "tablename", Info: field.Info{Len: field.VarLen, AttrName: "tablename", Flags: field.Char}},
			{Name: "heading", Info: field.Info{Len: field.VarLen, AttrName: "heading", Flags: field.Char}},
			{Name: "keys", Info: field.Info{Len: field.VarLen, AttrName: "keys", Flags: field.Char}},
			{Name: "flags", Info: field.Info{Len: 4, AttrName: "flags", Flags: field.Integer}},
		},
		PrimaryKey: []string{"tablename"},
		Persistent: true,
	}
}

func sysIndexesDef() TableDef {
	return TableDef{
		Name: sysIndexes,
		Heading: []Attribute{
			{Name: "idxname", Info: field.Info{Len: field.VarLen, AttrName: "idxname", Flags: field.Char}},
			{Name: "tablename", Info: field.Info{Len: field.VarLen, AttrName: "tablename", Flags: field.Char}},
			{Name: "attrs", Info: field.Info{Len: field.VarLen, AttrName: "attrs", Flags: field.Char}},
			{Name: "unique", Info: field.Info{Len: 1, AttrName: "unique", Flags: field.Boolean}},
			{Name: "ordered", Info: field.Info{Len: 1, AttrName: "ordered", Flags: field.Boolean}},
		},
		PrimaryKey: []string{"idxname"},
		Persistent: true,
	}
}

func sysTableRecmapDef() TableDef {
	return TableDef{
		Name: sysTableRecmap,
		Heading: []Attribute{
			{Name: "tablename", Info: field.Info{Len: field.VarLen, AttrName: "tablename", Flags: field.Char}},
			{Name: "recmap", Info: field.Info{Len: field.VarLen, AttrName: "recmap", Flags: field.Char}},
		},
		PrimaryKey: []string{"tablename"},
		Persistent: true,
	}
}

// Bootstrap opens (creating on first use) the three system catalog
// tables. It must be called once per environment before any other
// catalog or stored-table operation.
func Bootstrap(ctx context.Context, env rec.Environment, tx rec.Transaction) (*Catalog, error) {
	vt, err := ProvideStoredTable(ctx, env, sysVTablesDef(), tx)
	if err != nil {
		return nil, err
	}
	ix, err := ProvideStoredTable(ctx, env, sysIndexesDef(), tx)
	if err != nil {
		return nil, err
	}
	tr, err := ProvideStoredTable(ctx, env, sysTableRecmapDef(), tx)
	if err != nil {
		return nil, err
	}
	return &Catalog{env: env, vtables: vt, indexes: ix, tableRecmap: tr}, nil
}

func charField(no int, s string) field.Field { return field.Field{No: no, Data: []byte(s)} }

func boolField(no int, b bool) field.Field {
	v := byte(0)
	if b {
		v = 1
	}
	return field.Field{No: no, Data: []byte{v}}
}

func int32Field(no int, v int32) field.Field {
	b := make([]byte, 4)
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
	return field.Field{No: no, Data: b}
}

// InsertVTable writes a row to sys_vtables, the minimal heading/key
// bookkeeping the glue itself consults; the rest of the row's payload
// (full typed heading, constraint expressions) belongs to layers above
// the record/catalog core and is out of scope here.
func (c *Catalog) InsertVTable(ctx context.Context, tableName string, heading []Attribute, keys []string, flags int32, tx rec.Transaction) error {
	headingJSON, err := json.Marshal(heading)
	if err != nil {
		return rdberr.Wrap(rdberr.Internal, "insert_vtable", err)
	}
	keysJSON, err := json.Marshal(keys)
	if err != nil {
		return rdberr.Wrap(rdberr.Internal, "insert_vtable", err)
	}
	return c.vtables.Recmap.Insert(ctx, []field.Field{
		charField(0, tableName),
		charField(1, string(headingJSON)),
		charField(2, string(keysJSON)),
		int32Field(3, flags),
	}, tx)
}

// InsertIndex writes a row to sys_indexes with attrs as a nested array
// of {attrname, asc} tuples.
func (c *Catalog) InsertIndex(ctx context.Context, name string, attrs []IndexAttr, unique, ordered bool, tableName string, tx rec.Transaction) error {
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return rdberr.Wrap(rdberr.Internal, "insert_index", err)
	}
	return c.indexes.Recmap.Insert(ctx, []field.Field{
		charField(0, name),
		charField(1, tableName),
		charField(2, string(attrsJSON)),
		boolField(3, unique),
		boolField(4, ordered),
	}, tx)
}

// GetIndexes selects every sys_indexes row whose tablename column
// equals tableName, by scanning the table via cursor (sys_indexes has
// no secondary index on tablename in this implementation — see
// DESIGN.md).
func (c *Catalog) GetIndexes(ctx context.Context, tableName string, tx rec.Transaction) ([]TableIndex, error) {
	cur, err := c.indexes.Recmap.Cursor(ctx, false, tx)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	var out []TableIndex
	for err := cur.First(ctx); ; err = cur.Next(ctx, false) {
		if err != nil {
			return nil, err
		}
		if cur.State() != rec.Positioned {
			break
		}
		tnBytes, err := cur.Get(ctx, 1)
		if err != nil {
			return nil, err
		}
		if string(tnBytes) != tableName {
			continue
		}
		nameBytes, err := cur.Get(ctx, 0)
		if err != nil {
			return nil, err
		}
		attrsBytes, err := cur.Get(ctx, 2)
		if err != nil {
			return nil, err
		}
		uniqueBytes, err := cur.Get(ctx, 3)
		if err != nil {
			return nil, err
		}
		orderedBytes, err := cur.Get(ctx, 4)
		if err != nil {
			return nil, err
		}
		var attrs []IndexAttr
		if err := json.Unmarshal(attrsBytes, &attrs); err != nil {
			return nil, rdberr.Wrap(rdberr.Internal, "get_indexes", err)
		}
		out = append(out, TableIndex{
			Name:    string(nameBytes),
			Attrs:   attrs,
			Unique:  len(uniqueBytes) > 0 && uniqueBytes[0] != 0,
			Ordered: len(orderedBytes) > 0 && orderedBytes[0] != 0,
		})
	}
	return out, nil
}

// InsertTableRecmap writes the table-name-to-recmap-name mapping to
// sys_table_recmap.
func (c *Catalog) InsertTableRecmap(ctx context.Context, tableName, recmapName string, tx rec.Transaction) error {
	return c.tableRecmap.Recmap.Insert(ctx, []field.Field{
		charField(0, tableName),
		charField(1, recmapName),
	}, tx)
}

// RecmapName reads the recmap name that sys_table_recmap maps tableName
// to.
func (c *Catalog) RecmapName(ctx context.Context, tableName string, tx rec.Transaction) (string, error) {
	fields, err := c.tableRecmap.Recmap.GetFields(ctx,
		[]field.Field{charField(0, tableName)}, []int{1}, tx)
	if err != nil {
		return "", err
	}
	return string(fields[0].Data), nil
}

// GetVTable reads back a sys_vtables row, decoding its heading and keys
// JSON payloads. Used by inspection tools that only know a table's name
// and need to reconstruct enough of its TableDef to open it.
func (c *Catalog) GetVTable(ctx context.Context, tableName string, tx rec.Transaction) (heading []Attribute, keys []string, flags int32, err error) {
	fields, err := c.vtables.Recmap.GetFields(ctx,
		[]field.Field{charField(0, tableName)}, []int{1, 2, 3}, tx)
	if err != nil {
		return nil, nil, 0, err
	}
	if err := json.Unmarshal(fields[0].Data, &heading); err != nil {
		return nil, nil, 0, rdberr.Wrap(rdberr.Internal, "get_vtable", err)
	}
	if err := json.Unmarshal(fields[1].Data, &keys); err != nil {
		return nil, nil, 0, rdberr.Wrap(rdberr.Internal, "get_vtable", err)
	}
	v := fields[2].Data
	flags = int32(v[0])<<24 | int32(v[1])<<16 | int32(v[2])<<8 | int32(v[3])
	return heading, keys, flags, nil
}

// ListTableNames scans sys_vtables and returns every registered table
// name.
func (c *Catalog) ListTableNames(ctx context.Context, tx rec.Transaction) ([]string, error) {
	cur, err := c.vtables.Recmap.Cursor(ctx, false, tx)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	var out []string
	for err := cur.First(ctx); ; err = cur.Next(ctx, false) {
		if err != nil {
			return nil, err
		}
		if cur.State() != rec.Positioned {
			break
		}
		nameBytes, err := cur.Get(ctx, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, string(nameBytes))
	}
	return out, nil
}

// DeleteTableRecmap removes the mapping row, used by delete_stored_table.
func (c *Catalog) DeleteTableRecmap(ctx context.Context, tableName string, tx rec.Transaction) error {
	return c.tableRecmap.Recmap.Delete(ctx, []field.Field{charField(0, tableName)}, tx)
}

func fmtCollisionName(base string, n int) string {
	return fmt.Sprintf("%s%d", base, n)
}
