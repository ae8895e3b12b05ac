package sqlrec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/duro-db/duro/internal/field"
	"github.com/duro-db/duro/internal/rdberr"
	"github.com/duro-db/duro/internal/rec"
)

// Recmap is a SQL-table-backed recmap. Each field becomes a column
// f<no>; the column type is chosen from the field's Flags so that
// ordering on key columns is handled by MySQL's own native comparison
// instead of the byte-transform step the bbolt-backed driver needs.
type Recmap struct {
	env           *Env
	name          string
	infos         []field.Info
	keyFieldCount int
	compareFields []rec.CompareField
	flags         rec.Flag
	indexes       map[string]*Index
}

// keyFieldAscending reports the declared sort direction for key field
// no, defaulting to ascending when the recmap carries no CompareFields
// (e.g. reopened without create-time ordering metadata).
func (r *Recmap) keyFieldAscending(no int) bool {
	for _, cf := range r.compareFields {
		if cf.FieldNo == no {
			return cf.Ascending
		}
	}
	return true
}

func (r *Recmap) Name() string                { return r.name }
func (r *Recmap) FieldCount() int             { return len(r.infos) }
func (r *Recmap) KeyFieldCount() int          { return r.keyFieldCount }
func (r *Recmap) FieldInfo(no int) field.Info { return r.infos[no] }

func columnName(no int) string { return fmt.Sprintf("f%d", no) }

func sqlColumnType(fi field.Info) string {
	switch {
	case fi.Flags&field.Integer != 0:
		return "BIGINT"
	case fi.Flags&field.Float != 0:
		return "DOUBLE"
	case fi.Flags&field.Boolean != 0:
		return "TINYINT"
	case fi.Variable():
		return "BLOB"
	default:
		return fmt.Sprintf("BINARY(%d)", fi.Len)
	}
}

func buildCreateTableSQL(name string, infos []field.Info, keyFieldCount int) string {
	var cols []string
	var keyCols []string
	for no, fi := range infos {
		cols = append(cols, fmt.Sprintf("`%s` %s NOT NULL", columnName(no), sqlColumnType(fi)))
		if no < keyFieldCount {
			keyCols = append(keyCols, fmt.Sprintf("`%s`", columnName(no)))
		}
	}
	pk := ""
	if len(keyCols) > 0 {
		pk = fmt.Sprintf(", PRIMARY KEY (%s)", strings.Join(keyCols, ", "))
	}
	return fmt.Sprintf("CREATE TABLE `%s` (%s%s)", name, strings.Join(cols, ", "), pk)
}

func isDuplicateTableError(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1050 // ER_TABLE_EXISTS_ERROR
	}
	return false
}

func isDuplicateKeyError(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062 // ER_DUP_ENTRY
	}
	return false
}

// encodeColumnValue converts a Field's raw encoded bytes into the Go
// value to bind for its SQL column, per sqlColumnType's type choice.
func encodeColumnValue(fi field.Info, f field.Field) (any, error) {
	switch {
	case fi.Flags&field.Integer != 0:
		return fieldBytesToInt64(f.Data), nil
	case fi.Flags&field.Float != 0:
		return fieldBytesToFloat64(f.Data), nil
	case fi.Flags&field.Boolean != 0:
		if len(f.Data) == 0 {
			return false, nil
		}
		return f.Data[0] != 0, nil
	default:
		return f.Data, nil
	}
}

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

// decodeColumnValue converts a scanned SQL column value back into a
// Field's raw encoded bytes for field number no.
func decodeColumnValue(fi field.Info, no int, v any) (field.Field, error) {
	switch {
	case fi.Flags&field.Integer != 0:
		iv, ok := v.(int64)
		if !ok {
			return field.Field{}, rdberr.Wrap(rdberr.Internal, "decode_column", fmt.Errorf("unexpected type %T", v))
		}
		width := fi.Len
		if width <= 0 {
			width = 8
		}
		return field.Field{No: no, Data: int64ToFieldBytes(iv, width)}, nil
	case fi.Flags&field.Float != 0:
		fv, ok := v.(float64)
		if !ok {
			return field.Field{}, rdberr.Wrap(rdberr.Internal, "decode_column", fmt.Errorf("unexpected type %T", v))
		}
		bits := math.Float64bits(fv)
		b := make([]byte, 8)
		for i := 7; i >= 0; i-- {
			b[i] = byte(bits)
			bits >>= 8
		}
		return field.Field{No: no, Data: b}, nil
	case fi.Flags&field.Boolean != 0:
		bv, ok := v.(bool)
		if !ok {
			if iv, ok2 := v.(int64); ok2 {
				bv = iv != 0
			}
		}
		b := byte(0)
		if bv {
			b = 1
		}
		return field.Field{No: no, Data: []byte{b}}, nil
	default:
		bv, ok := v.([]byte)
		if !ok {
			return field.Field{}, rdberr.Wrap(rdberr.Internal, "decode_column", fmt.Errorf("unexpected type %T", v))
		}
		return field.Field{No: no, Data: append([]byte(nil), bv...)}, nil
	}
}

func (r *Recmap) allColumnNames() []string {
	cols := make([]string, len(r.infos))
	for no := range r.infos {
		cols[no] = columnName(no)
	}
	return cols
}

func (r *Recmap) keyWhereClause() (string, func([]field.Field) ([]any, error)) {
	var parts []string
	for no := 0; no < r.keyFieldCount; no++ {
		parts = append(parts, fmt.Sprintf("`%s` = ?", columnName(no)))
	}
	return strings.Join(parts, " AND "), func(keyFields []field.Field) ([]any, error) {
		byNo := map[int]field.Field{}
		for _, f := range keyFields {
			byNo[f.No] = f
		}
		args := make([]any, r.keyFieldCount)
		for no := 0; no < r.keyFieldCount; no++ {
			f, ok := byNo[no]
			if !ok {
				return nil, rdberr.New(rdberr.InvalidArgument, "record_op", r.name, fmt.Errorf("missing key field %d", no))
			}
			v, err := encodeColumnValue(r.infos[no], f)
			if err != nil {
				return nil, err
			}
			args[no] = v
		}
		return args, nil
	}
}

func (r *Recmap) Insert(ctx context.Context, fields []field.Field, tx rec.Transaction) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	byNo := map[int]field.Field{}
	for _, f := range fields {
		byNo[f.No] = f
	}
	cols := r.allColumnNames()
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for no := range cols {
		f, ok := byNo[no]
		if !ok {
			return rdberr.New(rdberr.InvalidArgument, "insert", r.name, fmt.Errorf("missing field %d", no))
		}
		v, err := encodeColumnValue(r.infos[no], f)
		if err != nil {
			return err
		}
		args[no] = v
		placeholders[no] = "?"
	}
	stmt := fmt.Sprintf("INSERT INTO `%s` (`%s`) VALUES (%s)", r.name, strings.Join(cols, "`, `"), strings.Join(placeholders, ", "))
	if _, err := t.sqlTx.ExecContext(ctx, stmt, args...); err != nil {
		if isDuplicateKeyError(err) {
			return rdberr.New(rdberr.KeyViolation, "insert", r.name, err)
		}
		return rdberr.Wrap(rdberr.System, "insert", err)
	}
	return nil
}

func (r *Recmap) Update(ctx context.Context, keyFields []field.Field, newFields []field.Field, tx rec.Transaction) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	keyChanges := false
	for _, f := range newFields {
		if f.No < r.keyFieldCount {
			keyChanges = true
			break
		}
	}
	if keyChanges {
		old, err := r.GetFields(ctx, keyFields, allFieldNos(len(r.infos)), tx)
		if err != nil {
			return err
		}
		merged := mergeFields(old, newFields)
		if err := r.Delete(ctx, keyFields, tx); err != nil {
			return err
		}
		return r.Insert(ctx, merged, tx)
	}

	var sets []string
	var args []any
	for _, f := range newFields {
		v, err := encodeColumnValue(r.infos[f.No], f)
		if err != nil {
			return err
		}
		sets = append(sets, fmt.Sprintf("`%s` = ?", columnName(f.No)))
		args = append(args, v)
	}
	where, keyArgsFn := r.keyWhereClause()
	keyArgs, err := keyArgsFn(keyFields)
	if err != nil {
		return err
	}
	args = append(args, keyArgs...)
	stmt := fmt.Sprintf("UPDATE `%s` SET %s WHERE %s", r.name, strings.Join(sets, ", "), where)
	res, err := t.sqlTx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return rdberr.Wrap(rdberr.System, "update", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return rdberr.New(rdberr.NotFound, "update", r.name, nil)
	}
	return nil
}

func mergeFields(base, overrides []field.Field) []field.Field {
	byNo := map[int]field.Field{}
	for _, f := range base {
		byNo[f.No] = f
	}
	for _, f := range overrides {
		byNo[f.No] = f
	}
	out := make([]field.Field, 0, len(byNo))
	for _, f := range byNo {
		out = append(out, f)
	}
	return out
}

func allFieldNos(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func (r *Recmap) Delete(ctx context.Context, keyFields []field.Field, tx rec.Transaction) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	where, keyArgsFn := r.keyWhereClause()
	args, err := keyArgsFn(keyFields)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf("DELETE FROM `%s` WHERE %s", r.name, where)
	res, err := t.sqlTx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return rdberr.Wrap(rdberr.System, "delete", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return rdberr.New(rdberr.NotFound, "delete", r.name, nil)
	}
	return nil
}

func (r *Recmap) GetFields(ctx context.Context, keyFields []field.Field, requested []int, tx rec.Transaction) ([]field.Field, error) {
	t, err := asTx(tx)
	if err != nil {
		return nil, err
	}
	cols := make([]string, len(requested))
	for i, no := range requested {
		cols[i] = columnName(no)
	}
	where, keyArgsFn := r.keyWhereClause()
	args, err := keyArgsFn(keyFields)
	if err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf("SELECT `%s` FROM `%s` WHERE %s", strings.Join(cols, "`, `"), r.name, where)
	row := t.sqlTx.QueryRowContext(ctx, stmt, args...)
	scanDest := make([]any, len(requested))
	for i := range scanDest {
		scanDest[i] = new(any)
	}
	if err := row.Scan(scanDest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, rdberr.New(rdberr.NotFound, "get_fields", r.name, nil)
		}
		return nil, rdberr.Wrap(rdberr.System, "get_fields", err)
	}
	out := make([]field.Field, len(requested))
	for i, no := range requested {
		f, err := decodeColumnValue(r.infos[no], no, *(scanDest[i].(*any)))
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}

func (r *Recmap) Contains(ctx context.Context, fields []field.Field, tx rec.Transaction) (bool, error) {
	keyFields := make([]field.Field, 0, r.keyFieldCount)
	for _, f := range fields {
		if f.No < r.keyFieldCount {
			keyFields = append(keyFields, f)
		}
	}
	got, err := r.GetFields(ctx, keyFields, allFieldNos(len(r.infos)), tx)
	if err != nil {
		if rdberr.Of(err) == rdberr.NotFound {
			return false, nil
		}
		return false, err
	}
	byNo := map[int]field.Field{}
	for _, f := range got {
		byNo[f.No] = f
	}
	for _, f := range fields {
		if string(byNo[f.No].Data) != string(f.Data) {
			return false, nil
		}
	}
	return true, nil
}

func (r *Recmap) EstimatedSize(ctx context.Context, tx rec.Transaction) (uint64, error) {
	t, err := asTx(tx)
	if err != nil {
		return 0, err
	}
	var n uint64
	row := t.sqlTx.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM `%s`", r.name))
	if err := row.Scan(&n); err != nil {
		return 0, rdberr.Wrap(rdberr.System, "estimated_size", err)
	}
	return n, nil
}

func (r *Recmap) Cursor(ctx context.Context, writable bool, tx rec.Transaction) (rec.Cursor, error) {
	t, err := asTx(tx)
	if err != nil {
		return nil, err
	}
	return &Cursor{tx: t, recmap: r}, nil
}

func (r *Recmap) Close() error { return nil }

func (r *Recmap) DeleteRecmap(ctx context.Context, tx rec.Transaction) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	r.env.trf("Deleting physical storage for recmap %s\n", r.name)
	if _, err := t.sqlTx.ExecContext(ctx, fmt.Sprintf("DROP TABLE `%s`", r.name)); err != nil {
		return rdberr.Wrap(rdberr.System, "delete_recmap", err)
	}
	return nil
}
