package sqlrec

import (
	"context"
	"fmt"
	"strings"

	"github.com/duro-db/duro/internal/field"
	"github.com/duro-db/duro/internal/rdberr"
	"github.com/duro-db/duro/internal/rec"
)

// Index is an ordinary SQL index over a recmap's table. Unlike the
// bbolt-backed driver, the primary record stays the only storage; the
// index lives entirely in the database engine, so GetFields and
// DeleteRec are expressed as SELECT/DELETE against the index's column
// list rather than a separate side-structure.
type Index struct {
	env           *Env
	recmap        *Recmap
	name          string
	fields        []int
	compareFields []rec.CompareField
	unique        bool
	ordered       bool
}

// fieldAscending reports the declared sort direction for field no
// within this index's own CompareFields, defaulting to ascending.
func (i *Index) fieldAscending(no int) bool {
	for _, cf := range i.compareFields {
		if cf.FieldNo == no {
			return cf.Ascending
		}
	}
	return true
}

func (i *Index) Name() string       { return i.name }
func (i *Index) Recmap() rec.Recmap { return i.recmap }
func (i *Index) Fields() []int      { return i.fields }
func (i *Index) Unique() bool       { return i.unique }
func (i *Index) Ordered() bool      { return i.ordered }

func indexName(recmapName, name string) string {
	return fmt.Sprintf("ix_%s_%s", recmapName, name)
}

func (e *Env) CreateIndex(ctx context.Context, primaryR rec.Recmap, name string, fields []int,
	compareFields []rec.CompareField, flags rec.Flag, tx rec.Transaction) (rec.Index, error) {
	primary, ok := primaryR.(*Recmap)
	if !ok {
		return nil, rdberr.New(rdberr.InvalidArgument, "create_index", name, fmt.Errorf("recmap from a different backend"))
	}
	t, err := asTx(tx)
	if err != nil {
		return nil, err
	}
	cols := make([]string, len(fields))
	for i, no := range fields {
		cols[i] = fmt.Sprintf("`%s`", columnName(no))
	}
	unique := ""
	if flags.Has(rec.Unique) {
		unique = "UNIQUE "
	}
	idxName := indexName(primary.name, name)
	stmt := fmt.Sprintf("CREATE %sINDEX `%s` ON `%s` (%s)", unique, idxName, primary.name, strings.Join(cols, ", "))
	if _, err := t.sqlTx.ExecContext(ctx, stmt); err != nil {
		return nil, rdberr.Wrap(rdberr.System, "create_index", err)
	}
	t.recordUndo(fmt.Sprintf("DROP INDEX `%s` ON `%s`", idxName, primary.name))
	idx := &Index{env: e, recmap: primary, name: name, fields: fields, compareFields: compareFields,
		unique: flags.Has(rec.Unique), ordered: flags.Has(rec.Ordered)}
	primary.indexes[name] = idx
	e.trf("Creating physical storage for index %s\n", name)
	return idx, nil
}

func (e *Env) OpenIndex(ctx context.Context, primaryR rec.Recmap, name string, fields []int,
	unique, ordered bool, tx rec.Transaction) (rec.Index, error) {
	primary, ok := primaryR.(*Recmap)
	if !ok {
		return nil, rdberr.New(rdberr.InvalidArgument, "open_index", name, fmt.Errorf("recmap from a different backend"))
	}
	idx := &Index{env: e, recmap: primary, name: name, fields: fields, unique: unique, ordered: ordered}
	primary.indexes[name] = idx
	return idx, nil
}

func (i *Index) whereClause(keyFields []field.Field) (string, []any, error) {
	byNo := map[int]field.Field{}
	for _, f := range keyFields {
		byNo[f.No] = f
	}
	var parts []string
	var args []any
	for _, no := range i.fields {
		f, ok := byNo[no]
		if !ok {
			return "", nil, rdberr.New(rdberr.InvalidArgument, "record_op", i.name, fmt.Errorf("missing index field %d", no))
		}
		v, err := encodeColumnValue(i.recmap.infos[no], f)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, fmt.Sprintf("`%s` = ?", columnName(no)))
		args = append(args, v)
	}
	return strings.Join(parts, " AND "), args, nil
}

func (i *Index) GetFields(ctx context.Context, keyFields []field.Field, requested []int, tx rec.Transaction) ([]field.Field, error) {
	t, err := asTx(tx)
	if err != nil {
		return nil, err
	}
	where, args, err := i.whereClause(keyFields)
	if err != nil {
		return nil, err
	}
	cols := make([]string, len(requested))
	for j, no := range requested {
		cols[j] = columnName(no)
	}
	stmt := fmt.Sprintf("SELECT `%s` FROM `%s` WHERE %s LIMIT 1", strings.Join(cols, "`, `"), i.recmap.name, where)
	row := t.sqlTx.QueryRowContext(ctx, stmt, args...)
	dest := make([]any, len(requested))
	for j := range dest {
		dest[j] = new(any)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, rdberr.New(rdberr.NotFound, "get_fields", i.name, err)
	}
	out := make([]field.Field, len(requested))
	for j, no := range requested {
		f, err := decodeColumnValue(i.recmap.infos[no], no, *(dest[j].(*any)))
		if err != nil {
			return nil, err
		}
		out[j] = f
	}
	return out, nil
}

func (i *Index) DeleteRec(ctx context.Context, keyFields []field.Field, tx rec.Transaction) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	where, args, err := i.whereClause(keyFields)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf("DELETE FROM `%s` WHERE %s", i.recmap.name, where)
	res, err := t.sqlTx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return rdberr.Wrap(rdberr.System, "delete_rec", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return rdberr.New(rdberr.NotFound, "delete_rec", i.name, nil)
	}
	return nil
}

func (i *Index) Cursor(ctx context.Context, writable bool, tx rec.Transaction) (rec.Cursor, error) {
	t, err := asTx(tx)
	if err != nil {
		return nil, err
	}
	return &Cursor{tx: t, recmap: i.recmap, index: i}, nil
}

func (i *Index) Close() error { return nil }

func (i *Index) DeleteIndex(ctx context.Context, tx rec.Transaction) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	i.recmap.env.trf("Deleting physical storage for index %s\n", i.name)
	delete(i.recmap.indexes, i.name)
	idxName := indexName(i.recmap.name, i.name)
	if _, err := t.sqlTx.ExecContext(ctx, fmt.Sprintf("DROP INDEX `%s` ON `%s`", idxName, i.recmap.name)); err != nil {
		return rdberr.Wrap(rdberr.System, "delete_index", err)
	}
	return nil
}
