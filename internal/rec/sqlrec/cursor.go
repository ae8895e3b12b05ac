package sqlrec

import (
	"context"
	"fmt"
	"strings"

	"github.com/duro-db/duro/internal/field"
	"github.com/duro-db/duro/internal/rdberr"
	"github.com/duro-db/duro/internal/rec"
)

// Cursor emulates the original driver's DECLARE CURSOR/FETCH pair:
// First (or the first Next, Prev or Seek on a fresh cursor) issues one
// ORDER BY query and buffers every row client-side, after which
// Next/Prev/Seek walk the buffer; each First reloads it. This
// keeps the FETCH-by-FETCH protocol's observable semantics (stable
// ordering, forward/backward movement) without depending on a
// server-side cursor feature MySQL's wire protocol does not expose the
// way PostgreSQL's does.
type Cursor struct {
	tx     *Tx
	recmap *Recmap
	index  *Index

	rows []cursorRow
	pos  int // -1 = unpositioned, len(rows) = past end
}

type cursorRow struct {
	fields []field.Field // full record, by field number
}

// orderCols builds the ORDER BY column list, each suffixed with its
// declared direction, so a descending CompareField reverses that
// column's contribution to the sort instead of always sorting ASC.
func (c *Cursor) orderCols() []string {
	var nos []int
	ascending := c.recmap.keyFieldAscending
	if c.index != nil {
		nos = c.index.fields
		ascending = c.index.fieldAscending
	} else {
		for no := 0; no < c.recmap.keyFieldCount; no++ {
			nos = append(nos, no)
		}
	}
	cols := make([]string, len(nos))
	for i, no := range nos {
		dir := "ASC"
		if !ascending(no) {
			dir = "DESC"
		}
		cols[i] = fmt.Sprintf("`%s` %s", columnName(no), dir)
	}
	return cols
}

func (c *Cursor) load(ctx context.Context) error {
	cols := c.recmap.allColumnNames()
	order := c.orderCols()
	stmt := fmt.Sprintf("SELECT `%s` FROM `%s` ORDER BY %s",
		strings.Join(cols, "`, `"), c.recmap.name, strings.Join(order, ", "))
	rows, err := c.tx.sqlTx.QueryContext(ctx, stmt)
	if err != nil {
		return rdberr.Wrap(rdberr.System, "cursor", err)
	}
	defer rows.Close()

	c.rows = nil
	for rows.Next() {
		dest := make([]any, len(cols))
		for i := range dest {
			dest[i] = new(any)
		}
		if err := rows.Scan(dest...); err != nil {
			return rdberr.Wrap(rdberr.System, "cursor", err)
		}
		fs := make([]field.Field, len(cols))
		for no := range cols {
			f, err := decodeColumnValue(c.recmap.infos[no], no, *(dest[no].(*any)))
			if err != nil {
				return err
			}
			fs[no] = f
		}
		c.rows = append(c.rows, cursorRow{fields: fs})
	}
	return rows.Err()
}

func (c *Cursor) State() rec.CursorState {
	switch {
	case c.rows == nil:
		return rec.Unpositioned
	case c.pos < 0:
		return rec.Unpositioned
	case c.pos >= len(c.rows):
		return rec.PastEnd
	default:
		return rec.Positioned
	}
}

func (c *Cursor) checkOpen() error {
	if c.tx.Ended() {
		return rdberr.New(rdberr.InvalidTransaction, "cursor_op", "", fmt.Errorf("owning transaction has ended"))
	}
	return nil
}

func (c *Cursor) First(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := c.load(ctx); err != nil {
		return err
	}
	if len(c.rows) == 0 {
		c.pos = len(c.rows)
		return nil
	}
	c.pos = 0
	return nil
}

func (c *Cursor) Next(ctx context.Context, dup bool) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.rows == nil {
		return c.First(ctx)
	}
	c.pos++
	if c.pos > len(c.rows) {
		c.pos = len(c.rows)
	}
	return nil
}

func (c *Cursor) Prev(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.rows == nil {
		if err := c.load(ctx); err != nil {
			return err
		}
		c.pos = len(c.rows)
	}
	if c.pos <= 0 {
		c.pos = -1
		return nil
	}
	c.pos--
	return nil
}

func (c *Cursor) fieldsMatchPrefix(row cursorRow, keyFields []field.Field, nos []int) bool {
	byNo := map[int]field.Field{}
	for _, f := range row.fields {
		byNo[f.No] = f
	}
	byWant := map[int]field.Field{}
	for _, f := range keyFields {
		byWant[f.No] = f
	}
	for _, no := range nos {
		w, ok := byWant[no]
		if !ok {
			continue
		}
		if string(byNo[no].Data) != string(w.Data) {
			return false
		}
	}
	return true
}

func (c *Cursor) Seek(ctx context.Context, keyFields []field.Field, mode rec.SeekMode) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.rows == nil {
		if err := c.load(ctx); err != nil {
			return err
		}
	}
	var nos []int
	if c.index != nil {
		nos = c.index.fields
	} else {
		for no := 0; no < c.recmap.keyFieldCount; no++ {
			nos = append(nos, no)
		}
	}
	for i, row := range c.rows {
		matches := c.fieldsMatchPrefix(row, keyFields, nos)
		if mode == rec.SeekExact {
			if matches {
				c.pos = i
				return nil
			}
			continue
		}
		if matches {
			c.pos = i
			return nil
		}
	}
	c.pos = len(c.rows)
	return nil
}

func (c *Cursor) primaryKeyFields(row cursorRow) []field.Field {
	out := make([]field.Field, 0, c.recmap.keyFieldCount)
	for _, f := range row.fields {
		if f.No < c.recmap.keyFieldCount {
			out = append(out, f)
		}
	}
	return out
}

func (c *Cursor) Get(ctx context.Context, fieldNo int) ([]byte, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if c.State() != rec.Positioned {
		return nil, rdberr.New(rdberr.InvalidArgument, "cursor_get", "", fmt.Errorf("cursor not positioned"))
	}
	for _, f := range c.rows[c.pos].fields {
		if f.No == fieldNo {
			return f.Data, nil
		}
	}
	return nil, rdberr.New(rdberr.InvalidArgument, "cursor_get", "", fmt.Errorf("field %d not present", fieldNo))
}

func (c *Cursor) Set(ctx context.Context, fields []field.Field) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.State() != rec.Positioned {
		return rdberr.New(rdberr.InvalidArgument, "cursor_set", "", fmt.Errorf("cursor not positioned"))
	}
	for _, f := range fields {
		if f.No < c.recmap.keyFieldCount {
			return rdberr.New(rdberr.InvalidArgument, "cursor_set", c.recmap.name, fmt.Errorf("field %d is a key field", f.No))
		}
	}
	row := c.rows[c.pos]
	keyFields := c.primaryKeyFields(row)
	if err := c.recmap.Update(ctx, keyFields, fields, c.tx); err != nil {
		return err
	}
	byNo := map[int]field.Field{}
	for _, f := range row.fields {
		byNo[f.No] = f
	}
	for _, f := range fields {
		byNo[f.No] = f
	}
	merged := make([]field.Field, len(row.fields))
	for i, f := range row.fields {
		merged[i] = byNo[f.No]
	}
	c.rows[c.pos] = cursorRow{fields: merged}
	return nil
}

func (c *Cursor) Delete(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.State() != rec.Positioned {
		return rdberr.New(rdberr.InvalidArgument, "cursor_delete", "", fmt.Errorf("cursor not positioned"))
	}
	row := c.rows[c.pos]
	keyFields := c.primaryKeyFields(row)
	if err := c.recmap.Delete(ctx, keyFields, c.tx); err != nil {
		return err
	}
	c.rows = append(c.rows[:c.pos], c.rows[c.pos+1:]...)
	c.pos = -1
	return nil
}

func (c *Cursor) Close() error {
	c.rows = nil
	c.pos = -1
	return nil
}
