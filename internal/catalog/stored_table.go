package catalog

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/duro-db/duro/internal/rdberr"
	"github.com/duro-db/duro/internal/rec"
)

const maxRecmapNameCollisions = 999

// CreateStoredTable builds the physical representation of a logical
// table: a primary index over def.PrimaryKey (or def.SortOrder, for a
// table that is itself a materialized sort result), every declared
// secondary index, and the attribute/field-number bijection, per
// spec.md §4.6 steps 1-5. cat may be nil for non-persistent tables
// (those never touch sys_indexes/sys_table_recmap).
func CreateStoredTable(ctx context.Context, env rec.Environment, cat *Catalog, def TableDef, tx rec.Transaction) (st *StoredTable, err error) {
	attrMap, infos, keyFieldCount, err := assignFieldNumbers(def)
	if err != nil {
		return nil, err
	}

	secondary := def.SecondaryIndexes
	if def.Persistent && cat != nil {
		existing, err := cat.GetIndexes(ctx, def.Name, tx)
		if err != nil {
			return nil, err
		}
		secondary = nil
		for _, ti := range existing {
			secondary = append(secondary, IndexSpec{
				Name: ti.Name, Attrs: ti.Attrs, Unique: ti.Unique, Ordered: ti.Ordered,
			})
		}
	}

	recmapName, err := chooseRecmapName(ctx, cat, def, tx)
	if err != nil {
		return nil, rdberr.New(rdberr.Internal, "create_stored_table", def.Name, err)
	}

	primaryFlags := rec.Unique
	primaryCompare := make([]rec.CompareField, len(def.SortOrder))
	if len(def.SortOrder) > 0 {
		primaryFlags |= rec.Ordered
		for i, sa := range def.SortOrder {
			no, ok := attrMap[sa.AttrName]
			if !ok {
				return nil, rdberr.New(rdberr.InvalidArgument, "create_stored_table", def.Name,
					fmt.Errorf("sort order attribute %q not in heading", sa.AttrName))
			}
			primaryCompare[i] = rec.CompareField{FieldNo: no, Ascending: sa.Ascending}
		}
	} else {
		primaryCompare = make([]rec.CompareField, keyFieldCount)
		for i := 0; i < keyFieldCount; i++ {
			primaryCompare[i] = rec.CompareField{FieldNo: i, Ascending: true}
		}
	}

	rm, err := env.CreateRecmap(ctx, recmapName, infos, keyFieldCount, primaryCompare, primaryFlags, tx)
	if err != nil {
		return nil, rdberr.New(rdberr.Internal, "create_stored_table", def.Name, err)
	}

	st = &StoredTable{
		Name:       def.Name,
		Recmap:     rm,
		AttrMap:    attrMap,
		Indexes:    map[string]rec.Index{},
		env:        env,
		recmapName: recmapName,
	}
	st.TableIndexes = append(st.TableIndexes, TableIndex{
		Name:    def.Name + "$0",
		Attrs:   sortOrderAttrs(def),
		Unique:  true,
		Ordered: primaryFlags.Has(rec.Ordered),
	})

	defer func() {
		if err != nil {
			rollbackPartialCreate(ctx, st, tx)
			st = nil
		}
	}()

	for _, spec := range secondary {
		fields := make([]int, len(spec.Attrs))
		compare := make([]rec.CompareField, len(spec.Attrs))
		for i, a := range spec.Attrs {
			no, ok := attrMap[a.AttrName]
			if !ok {
				err = rdberr.New(rdberr.InvalidArgument, "create_stored_table", def.Name,
					fmt.Errorf("index attribute %q not in heading", a.AttrName))
				return
			}
			fields[i] = no
			compare[i] = rec.CompareField{FieldNo: no, Ascending: a.Ascending}
		}
		flags := rec.Flag(0)
		if spec.Unique {
			flags |= rec.Unique
		}
		if spec.Ordered {
			flags |= rec.Ordered
		}
		ix, ierr := env.CreateIndex(ctx, rm, spec.Name, fields, compare, flags, tx)
		if ierr != nil {
			err = rdberr.New(rdberr.Internal, "create_stored_table", def.Name, ierr)
			return
		}
		st.Indexes[spec.Name] = ix
		st.TableIndexes = append(st.TableIndexes, TableIndex{
			Name: spec.Name, Attrs: spec.Attrs, Unique: spec.Unique, Ordered: spec.Ordered,
		})
	}

	if size, serr := rm.EstimatedSize(ctx, tx); serr == nil {
		st.EstCardinality = size
	}

	return st, nil
}

func sortOrderAttrs(def TableDef) []IndexAttr {
	if len(def.SortOrder) > 0 {
		return def.SortOrder
	}
	out := make([]IndexAttr, 0, len(def.PrimaryKey))
	for _, k := range def.PrimaryKey {
		out = append(out, IndexAttr{AttrName: k, Ascending: true})
	}
	return out
}

// rollbackPartialCreate undoes a failed create_stored_table: the
// recmap (and any indexes already built over it) are deleted directly
// if there is no transaction, or scheduled for deletion on the
// transaction otherwise — step 5's failure path.
func rollbackPartialCreate(ctx context.Context, st *StoredTable, tx rec.Transaction) {
	if st == nil || st.Recmap == nil {
		return
	}
	for _, ix := range st.Indexes {
		if tx != nil {
			tx.ScheduleIndexDeletion(ix)
		} else {
			_ = ix.DeleteIndex(ctx, nil)
		}
	}
	if tx != nil {
		tx.ScheduleRecmapDeletion(st.Recmap)
	} else {
		_ = st.Recmap.DeleteRecmap(ctx, nil)
	}
}

// chooseRecmapName implements step 4: for non-persistent tables the
// table name is used directly (no catalog bookkeeping), unless the
// table is anonymous (def.Name == ""), in which case a fresh uuid names
// its recmap so concurrently materialized intermediate relations (sort
// results, query temporaries) never collide in the backend's recmap
// namespace. For persistent tables the table name is tried first; when
// sys_table_recmap already maps another table to it, "<name>1".."<name>999"
// are tried in turn and the winning name is persisted to sys_table_recmap.
func chooseRecmapName(ctx context.Context, cat *Catalog, def TableDef, tx rec.Transaction) (string, error) {
	if !def.Persistent || cat == nil {
		if def.Name == "" {
			return "anon_" + uuid.NewString(), nil
		}
		return def.Name, nil
	}

	if _, err := cat.RecmapName(ctx, def.Name, tx); err == nil {
		return "", rdberr.New(rdberr.Exists, "create_stored_table", def.Name, fmt.Errorf("table already has a recmap mapping"))
	} else if !isNotFound(err) {
		return "", err
	}

	candidate := def.Name
	for n := 0; n <= maxRecmapNameCollisions; n++ {
		if n > 0 {
			candidate = fmtCollisionName(def.Name, n)
		}
		if !recmapNameTaken(ctx, cat, candidate, tx) {
			if err := cat.InsertTableRecmap(ctx, def.Name, candidate, tx); err != nil {
				return "", err
			}
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free recmap name for %q after %d attempts", def.Name, maxRecmapNameCollisions)
}

// recmapNameTaken reports whether some other table has already claimed
// candidate as its physical recmap name, by scanning sys_table_recmap.
func recmapNameTaken(ctx context.Context, cat *Catalog, candidate string, tx rec.Transaction) bool {
	cur, err := cat.tableRecmap.Recmap.Cursor(ctx, false, tx)
	if err != nil {
		return false
	}
	defer cur.Close()
	for err := cur.First(ctx); ; err = cur.Next(ctx, false) {
		if err != nil {
			return false
		}
		if cur.State() != rec.Positioned {
			return false
		}
		rmBytes, err := cur.Get(ctx, 1)
		if err != nil {
			return false
		}
		if string(rmBytes) == candidate {
			return true
		}
	}
}

func isNotFound(err error) bool {
	return err != nil && rdberr.Of(err) == rdberr.NotFound
}

// OpenStoredTable mirrors CreateStoredTable: it looks up the physical
// recmap name for a persistent table, opens the recmap, reloads
// secondary indexes, and rebuilds the attribute/field-number map.
func OpenStoredTable(ctx context.Context, env rec.Environment, cat *Catalog, def TableDef, tx rec.Transaction) (*StoredTable, error) {
	attrMap, infos, keyFieldCount, err := assignFieldNumbers(def)
	if err != nil {
		return nil, err
	}

	recmapName := def.Name
	if def.Persistent && cat != nil {
		recmapName, err = cat.RecmapName(ctx, def.Name, tx)
		if err != nil {
			return nil, err
		}
	}

	rm, err := env.OpenRecmap(ctx, recmapName, infos, keyFieldCount, tx)
	if err != nil {
		return nil, rdberr.New(rdberr.Internal, "open_stored_table", def.Name, err)
	}

	st := &StoredTable{
		Name:       def.Name,
		Recmap:     rm,
		AttrMap:    attrMap,
		Indexes:    map[string]rec.Index{},
		env:        env,
		recmapName: recmapName,
	}

	tableIndexes := def.SecondaryIndexes
	if def.Persistent && cat != nil {
		existing, err := cat.GetIndexes(ctx, def.Name, tx)
		if err != nil {
			return nil, err
		}
		tableIndexes = nil
		for _, ti := range existing {
			tableIndexes = append(tableIndexes, IndexSpec{
				Name: ti.Name, Attrs: ti.Attrs, Unique: ti.Unique, Ordered: ti.Ordered,
			})
		}
	}

	st.TableIndexes = append(st.TableIndexes, TableIndex{
		Name:    def.Name + "$0",
		Attrs:   sortOrderAttrs(def),
		Unique:  true,
		Ordered: len(def.SortOrder) > 0,
	})

	for _, spec := range tableIndexes {
		fields := make([]int, len(spec.Attrs))
		for i, a := range spec.Attrs {
			no, ok := attrMap[a.AttrName]
			if !ok {
				return nil, rdberr.New(rdberr.InvalidArgument, "open_stored_table", def.Name,
					fmt.Errorf("index attribute %q not in heading", a.AttrName))
			}
			fields[i] = no
		}
		ix, err := env.OpenIndex(ctx, rm, spec.Name, fields, spec.Unique, spec.Ordered, tx)
		if err != nil {
			return nil, rdberr.New(rdberr.Internal, "open_stored_table", def.Name, err)
		}
		st.Indexes[spec.Name] = ix
		st.TableIndexes = append(st.TableIndexes, TableIndex{
			Name: spec.Name, Attrs: spec.Attrs, Unique: spec.Unique, Ordered: spec.Ordered,
		})
	}

	if size, err := rm.EstimatedSize(ctx, tx); err == nil {
		st.EstCardinality = size
	}

	return st, nil
}

// ProvideStoredTable opens def if it already has physical storage,
// creating it otherwise. Non-persistent defs are always created fresh.
func ProvideStoredTable(ctx context.Context, env rec.Environment, def TableDef, tx rec.Transaction) (*StoredTable, error) {
	return provideStoredTable(ctx, env, nil, def, tx)
}

// provideStoredTable is the catalog-aware form, used once
// Bootstrap itself has produced a Catalog handle for recursive use by
// higher layers creating further persistent tables.
func provideStoredTable(ctx context.Context, env rec.Environment, cat *Catalog, def TableDef, tx rec.Transaction) (*StoredTable, error) {
	if !def.Persistent {
		return CreateStoredTable(ctx, env, cat, def, tx)
	}
	if cat != nil {
		if _, err := cat.RecmapName(ctx, def.Name, tx); err == nil {
			return OpenStoredTable(ctx, env, cat, def, tx)
		} else if !isNotFound(err) {
			return nil, err
		}
		return CreateStoredTable(ctx, env, cat, def, tx)
	}
	// Bootstrapping the catalog tables themselves: no Catalog handle
	// exists yet, so fall back to recmap-existence as the open/create
	// signal.
	attrMap, infos, keyFieldCount, err := assignFieldNumbers(def)
	if err != nil {
		return nil, err
	}
	if rm, err := env.OpenRecmap(ctx, def.Name, infos, keyFieldCount, tx); err == nil {
		return &StoredTable{
			Name:       def.Name,
			Recmap:     rm,
			AttrMap:    attrMap,
			Indexes:    map[string]rec.Index{},
			env:        env,
			recmapName: def.Name,
		}, nil
	} else if !isNotFound(err) {
		return nil, err
	}
	return CreateStoredTable(ctx, env, nil, def, tx)
}

// CloseStoredTable releases the backend handles held by st, including
// every secondary index.
func CloseStoredTable(st *StoredTable) error {
	var firstErr error
	for _, ix := range st.Indexes {
		if err := ix.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := st.Recmap.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// DeleteStoredTable schedules deletion of every owned secondary index
// and of the recmap itself on tx, plus the sys_table_recmap mapping
// row for persistent tables.
func DeleteStoredTable(ctx context.Context, cat *Catalog, st *StoredTable, tx rec.Transaction) error {
	for _, ix := range st.Indexes {
		tx.ScheduleIndexDeletion(ix)
	}
	tx.ScheduleRecmapDeletion(st.Recmap)
	if cat != nil {
		if err := cat.DeleteTableRecmap(ctx, st.Name, tx); err != nil && !isNotFound(err) {
			return err
		}
	}
	return nil
}
