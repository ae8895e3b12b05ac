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

// Index is a secondary access path associated with a Recmap via a
// key-extraction callback: every primary insert/update/delete also
// writes/removes an entry in the index's own bucket, keyed by
// indexKeyBytes + primaryKeyBytes so non-unique indexes naturally group
// duplicates of the same index key together in bbolt's lexicographic
// order.
type Index struct {
	env           *Env
	recmap        *Recmap
	name          string
	fields        []int
	compareFields []rec.CompareField
	unique        bool
	ordered       bool
}

func indexBucketName(recmapName, indexName string) []byte {
	return []byte("ix:" + recmapName + ":" + indexName)
}

func (i *Index) Name() string      { return i.name }
func (i *Index) Recmap() rec.Recmap { return i.recmap }
func (i *Index) Fields() []int     { return i.fields }
func (i *Index) Unique() bool      { return i.unique }
func (i *Index) Ordered() bool     { return i.ordered }

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
	bn := indexBucketName(primary.name, name)
	if t.btx.Bucket(bn) != nil {
		return nil, rdberr.New(rdberr.Exists, "create_index", name, nil)
	}
	if _, err := t.btx.CreateBucket(bn); err != nil {
		return nil, rdberr.Wrap(rdberr.System, "create_index", err)
	}
	t.recordUndo(func(btx *bbolt.Tx) error {
		return btx.DeleteBucket(bn)
	})

	idx := &Index{
		env: e, recmap: primary, name: name, fields: fields, compareFields: compareFields,
		unique: flags.Has(rec.Unique), ordered: flags.Has(rec.Ordered),
	}
	primary.indexes[name] = idx

	ib := t.btx.Bucket(bn)
	c := t.btx.Bucket(bucketName(primary.name)).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		all, err := primary.fullRecordFields(k, v)
		if err != nil {
			return nil, err
		}
		if err := idx.writeEntry(ib, all, k); err != nil {
			return nil, err
		}
	}
	e.trf("Creating physical storage for index %s\n", name)
	return idx, nil
}

func (e *Env) OpenIndex(ctx context.Context, primaryR rec.Recmap, name string, fields []int,
	unique, ordered bool, tx rec.Transaction) (rec.Index, error) {
	primary, ok := primaryR.(*Recmap)
	if !ok {
		return nil, rdberr.New(rdberr.InvalidArgument, "open_index", name, fmt.Errorf("recmap from a different backend"))
	}
	t, err := asTx(tx)
	if err != nil {
		return nil, err
	}
	if t.btx.Bucket(indexBucketName(primary.name, name)) == nil {
		return nil, rdberr.New(rdberr.NotFound, "open_index", name, nil)
	}
	idx := &Index{env: e, recmap: primary, name: name, fields: fields, unique: unique, ordered: ordered}
	primary.indexes[name] = idx
	return idx, nil
}

func (i *Index) indexKeyBytes(all []field.Field) ([]byte, error) {
	byNo := map[int]field.Field{}
	for _, f := range all {
		byNo[f.No] = f
	}
	var buf bytes.Buffer
	for _, no := range i.fields {
		f, ok := byNo[no]
		if !ok {
			return nil, rdberr.New(rdberr.InvalidArgument, "index_key", i.name, fmt.Errorf("field %d missing", no))
		}
		data := orderedKeyFieldBytes(f.Data, i.recmap.infos[no].Flags, keyFieldAscending(i.compareFields, no))
		var lenPrefix [4]byte
		lenPrefix[0] = byte(len(data) >> 24)
		lenPrefix[1] = byte(len(data) >> 16)
		lenPrefix[2] = byte(len(data) >> 8)
		lenPrefix[3] = byte(len(data))
		buf.Write(lenPrefix[:])
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

func (i *Index) writeEntry(ib *bbolt.Bucket, all []field.Field, primaryKey []byte) error {
	ik, err := i.indexKeyBytes(all)
	if err != nil {
		return err
	}
	if i.unique {
		c := ib.Cursor()
		for k, _ := c.Seek(ik); k != nil && bytes.HasPrefix(k, ik); k, _ = c.Next() {
			return rdberr.New(rdberr.PredicateViolation, "insert", i.name, fmt.Errorf("unique index violation"))
		}
	}
	composite := append(append([]byte(nil), ik...), primaryKey...)
	return ib.Put(composite, primaryKey)
}

func (i *Index) checkUniqueForInsert(t *Tx, all []field.Field) error {
	if !i.unique {
		return nil
	}
	ib := t.btx.Bucket(indexBucketName(i.recmap.name, i.name))
	if ib == nil {
		return nil
	}
	ik, err := i.indexKeyBytes(all)
	if err != nil {
		return err
	}
	c := ib.Cursor()
	k, _ := c.Seek(ik)
	if k != nil && bytes.HasPrefix(k, ik) {
		return rdberr.New(rdberr.PredicateViolation, "insert", i.name, fmt.Errorf("unique index violation"))
	}
	return nil
}

func (i *Index) onInsert(t *Tx, all []field.Field, primaryKey []byte) error {
	ib := t.btx.Bucket(indexBucketName(i.recmap.name, i.name))
	if ib == nil {
		return nil
	}
	ik, err := i.indexKeyBytes(all)
	if err != nil {
		return err
	}
	composite := append(append([]byte(nil), ik...), primaryKey...)
	if err := ib.Put(composite, primaryKey); err != nil {
		return rdberr.Wrap(rdberr.System, "insert", err)
	}
	t.recordUndo(func(btx *bbolt.Tx) error {
		bb := btx.Bucket(indexBucketName(i.recmap.name, i.name))
		if bb == nil {
			return nil
		}
		return bb.Delete(composite)
	})
	return nil
}

func (i *Index) onDelete(t *Tx, all []field.Field, primaryKey []byte) error {
	ib := t.btx.Bucket(indexBucketName(i.recmap.name, i.name))
	if ib == nil {
		return nil
	}
	ik, err := i.indexKeyBytes(all)
	if err != nil {
		return err
	}
	composite := append(append([]byte(nil), ik...), primaryKey...)
	if err := ib.Delete(composite); err != nil {
		return rdberr.Wrap(rdberr.System, "delete", err)
	}
	t.recordUndo(func(btx *bbolt.Tx) error {
		bb := btx.Bucket(indexBucketName(i.recmap.name, i.name))
		if bb == nil {
			return nil
		}
		return bb.Put(composite, primaryKey)
	})
	return nil
}

func (i *Index) onUpdate(t *Tx, oldAll, newAll []field.Field, primaryKey []byte) error {
	if err := i.onDelete(t, oldAll, primaryKey); err != nil {
		return err
	}
	if i.unique {
		if err := i.checkUniqueForInsert(t, newAll); err != nil {
			return err
		}
	}
	return i.onInsert(t, newAll, primaryKey)
}

func (i *Index) GetFields(ctx context.Context, keyFields []field.Field, requested []int, tx rec.Transaction) ([]field.Field, error) {
	t, err := asTx(tx)
	if err != nil {
		return nil, err
	}
	ib := t.btx.Bucket(indexBucketName(i.recmap.name, i.name))
	if ib == nil {
		return nil, rdberr.New(rdberr.ResourceNotFound, "get_fields", i.name, nil)
	}
	ik, err := i.indexKeyBytes(keyFields)
	if err != nil {
		return nil, err
	}
	c := ib.Cursor()
	k, v := c.Seek(ik)
	if k == nil || !bytes.HasPrefix(k, ik) {
		return nil, rdberr.New(rdberr.NotFound, "get_fields", i.name, nil)
	}
	primaryKey := append([]byte(nil), v...)
	pb := t.btx.Bucket(bucketName(i.recmap.name))
	value := pb.Get(primaryKey)
	if value == nil {
		return nil, rdberr.New(rdberr.NotFound, "get_fields", i.name, nil)
	}
	all, err := i.recmap.fullRecordFields(primaryKey, value)
	if err != nil {
		return nil, err
	}
	byNo := map[int]field.Field{}
	for _, f := range all {
		byNo[f.No] = f
	}
	out := make([]field.Field, 0, len(requested))
	for _, no := range requested {
		f, ok := byNo[no]
		if !ok {
			return nil, rdberr.New(rdberr.InvalidArgument, "get_fields", i.name, fmt.Errorf("field %d not present", no))
		}
		out = append(out, f)
	}
	return out, nil
}

func (i *Index) DeleteRec(ctx context.Context, keyFields []field.Field, tx rec.Transaction) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	ib := t.btx.Bucket(indexBucketName(i.recmap.name, i.name))
	if ib == nil {
		return rdberr.New(rdberr.ResourceNotFound, "delete_rec", i.name, nil)
	}
	ik, err := i.indexKeyBytes(keyFields)
	if err != nil {
		return err
	}
	c := ib.Cursor()
	k, v := c.Seek(ik)
	if k == nil || !bytes.HasPrefix(k, ik) {
		return rdberr.New(rdberr.NotFound, "delete_rec", i.name, nil)
	}
	primaryKey := append([]byte(nil), v...)
	pb := t.btx.Bucket(bucketName(i.recmap.name))
	value := pb.Get(primaryKey)
	if value == nil {
		return rdberr.New(rdberr.NotFound, "delete_rec", i.name, nil)
	}
	all, err := i.recmap.fullRecordFields(primaryKey, value)
	if err != nil {
		return err
	}
	return i.recmap.deleteByKey(t, pb, primaryKey, all)
}

func (i *Index) Cursor(ctx context.Context, writable bool, tx rec.Transaction) (rec.Cursor, error) {
	t, err := asTx(tx)
	if err != nil {
		return nil, err
	}
	ib := t.btx.Bucket(indexBucketName(i.recmap.name, i.name))
	if ib == nil {
		return nil, rdberr.New(rdberr.ResourceNotFound, "cursor", i.name, nil)
	}
	return &Cursor{tx: t, recmap: i.recmap, index: i, bcur: ib.Cursor()}, nil
}

func (i *Index) Close() error { return nil }

func (i *Index) DeleteIndex(ctx context.Context, tx rec.Transaction) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	i.recmap.env.trf("Deleting physical storage for index %s\n", i.name)
	delete(i.recmap.indexes, i.name)
	if err := t.btx.DeleteBucket(indexBucketName(i.recmap.name, i.name)); err != nil {
		return rdberr.Wrap(rdberr.System, "delete_index", err)
	}
	return nil
}
