package bdbrec

import (
	"bytes"
	"context"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/duro-db/duro/internal/field"
	"github.com/duro-db/duro/internal/rdberr"
	"github.com/duro-db/duro/internal/rec"
)

// Cursor is a finite-state-machine iterator over a bbolt bucket
// (primary recmap bucket, or a secondary index's composite-key bucket).
type Cursor struct {
	tx     *Tx
	recmap *Recmap
	index  *Index // nil when iterating the primary recmap directly
	bcur   *bbolt.Cursor

	state        rec.CursorState
	curKey       []byte
	curValue     []byte
	curPrimaryKey []byte // set when index != nil: the primary key the current index entry points to
	keyLo, keyHi int
}

func (c *Cursor) State() rec.CursorState { return c.state }

func (c *Cursor) checkOpen() error {
	if c.tx.Ended() {
		return rdberr.New(rdberr.InvalidTransaction, "cursor_op", "", fmt.Errorf("owning transaction has ended"))
	}
	return nil
}

func (c *Cursor) setFromPrimary(k, v []byte) {
	if k == nil {
		c.state = rec.PastEnd
		c.curKey, c.curValue = nil, nil
		return
	}
	c.state = rec.Positioned
	c.curKey = append([]byte(nil), k...)
	c.curValue = append([]byte(nil), v...)
}

func (c *Cursor) setFromIndex(k, v []byte) error {
	if k == nil {
		c.state = rec.PastEnd
		c.curKey, c.curValue, c.curPrimaryKey = nil, nil, nil
		return nil
	}
	c.curPrimaryKey = append([]byte(nil), v...)
	pb := c.tx.btx.Bucket(bucketName(c.recmap.name))
	pv := pb.Get(c.curPrimaryKey)
	if pv == nil {
		return rdberr.Wrap(rdberr.Internal, "cursor", fmt.Errorf("dangling index entry"))
	}
	c.state = rec.Positioned
	c.curKey = append([]byte(nil), c.curPrimaryKey...)
	c.curValue = append([]byte(nil), pv...)
	return nil
}

func (c *Cursor) First(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	k, v := c.bcur.First()
	if c.index != nil {
		return c.setFromIndex(k, v)
	}
	c.setFromPrimary(k, v)
	return nil
}

func (c *Cursor) Next(ctx context.Context, dup bool) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	k, v := c.bcur.Next()
	if c.index != nil {
		return c.setFromIndex(k, v)
	}
	c.setFromPrimary(k, v)
	return nil
}

func (c *Cursor) Prev(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	k, v := c.bcur.Prev()
	if c.index != nil {
		return c.setFromIndex(k, v)
	}
	c.setFromPrimary(k, v)
	return nil
}

func (c *Cursor) Seek(ctx context.Context, keyFields []field.Field, mode rec.SeekMode) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.index != nil {
		ik, err := c.index.indexKeyBytes(keyFields)
		if err != nil {
			return err
		}
		k, v := c.bcur.Seek(ik)
		if mode == rec.SeekExact && (k == nil || !bytes.HasPrefix(k, ik)) {
			k, v = nil, nil
		}
		return c.setFromIndex(k, v)
	}
	key, err := c.recmap.encodeKeyFromKeyFields(keyFields)
	if err != nil {
		return err
	}
	k, v := c.bcur.Seek(key)
	if mode == rec.SeekExact && (k == nil || !bytes.Equal(k, key)) {
		k, v = nil, nil
	}
	c.setFromPrimary(k, v)
	return nil
}

func (c *Cursor) Get(ctx context.Context, fieldNo int) ([]byte, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if c.state != rec.Positioned {
		return nil, rdberr.New(rdberr.InvalidArgument, "cursor_get", "", fmt.Errorf("cursor not positioned"))
	}
	if fieldNo < c.recmap.keyFieldCount {
		logicalKey, err := c.recmap.transformKeyHalf(c.curKey, true)
		if err != nil {
			return nil, err
		}
		off, length, err := field.GetField(logicalKey, c.recmap.infos, 0, c.recmap.keyFieldCount, fieldNo)
		if err != nil {
			return nil, err
		}
		return logicalKey[off : off+length], nil
	}
	off, length, err := field.GetField(c.curValue, c.recmap.infos, c.recmap.keyFieldCount, len(c.recmap.infos), fieldNo)
	if err != nil {
		return nil, err
	}
	return c.curValue[off : off+length], nil
}

func (c *Cursor) Set(ctx context.Context, fields []field.Field) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.state != rec.Positioned {
		return rdberr.New(rdberr.InvalidArgument, "cursor_set", "", fmt.Errorf("cursor not positioned"))
	}
	for _, f := range fields {
		if f.No < c.recmap.keyFieldCount {
			return rdberr.New(rdberr.InvalidArgument, "cursor_set", c.recmap.name,
				fmt.Errorf("field %d is a key field", f.No))
		}
	}
	primaryKey := c.curKey
	if c.index != nil {
		primaryKey = c.curPrimaryKey
	}
	logicalKey, err := c.recmap.transformKeyHalf(primaryKey, true)
	if err != nil {
		return err
	}
	keyFields, err := field.BytesToFields(logicalKey, c.recmap.infos, 0, c.recmap.keyFieldCount)
	if err != nil {
		return err
	}
	if err := c.recmap.Update(ctx, keyFields, fields, c.tx); err != nil {
		return err
	}
	value := c.tx.btx.Bucket(bucketName(c.recmap.name)).Get(primaryKey)
	c.curValue = append([]byte(nil), value...)
	return nil
}

func (c *Cursor) Delete(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.state != rec.Positioned {
		return rdberr.New(rdberr.InvalidArgument, "cursor_delete", "", fmt.Errorf("cursor not positioned"))
	}
	primaryKey := c.curKey
	if c.index != nil {
		primaryKey = c.curPrimaryKey
	}
	logicalKey, err := c.recmap.transformKeyHalf(primaryKey, true)
	if err != nil {
		return err
	}
	keyFields, err := field.BytesToFields(logicalKey, c.recmap.infos, 0, c.recmap.keyFieldCount)
	if err != nil {
		return err
	}
	if err := c.recmap.Delete(ctx, keyFields, c.tx); err != nil {
		return err
	}
	c.state = rec.Unpositioned
	c.curKey, c.curValue, c.curPrimaryKey = nil, nil, nil
	return nil
}

func (c *Cursor) Close() error {
	c.state = rec.Unpositioned
	return nil
}
