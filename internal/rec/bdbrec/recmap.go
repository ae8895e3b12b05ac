package bdbrec

import (
	"context"
	"fmt"
	"os"

	"go.etcd.io/bbolt"

	"github.com/duro-db/duro/internal/field"
	"github.com/duro-db/duro/internal/rdberr"
	"github.com/duro-db/duro/internal/rec"
)

// Recmap is a bbolt-bucket-backed recmap: one top-level bucket "rm:<name>"
// holding key-half bytes -> value-half bytes for every primary record, plus
// a separate top-level bucket "ix:<recmap>:<index>" per associated
// secondary index.
type Recmap struct {
	env           *Env
	name          string
	infos         []field.Info
	keyFieldCount int
	compareFields []rec.CompareField
	flags         rec.Flag

	indexes map[string]*Index
}

func bucketName(name string) []byte { return []byte("rm:" + name) }

func (r *Recmap) Name() string        { return r.name }
func (r *Recmap) FieldCount() int     { return len(r.infos) }
func (r *Recmap) KeyFieldCount() int  { return r.keyFieldCount }
func (r *Recmap) FieldInfo(no int) field.Info { return r.infos[no] }

func (e *Env) CreateRecmap(ctx context.Context, name string, infos []field.Info, keyFieldCount int,
	compareFields []rec.CompareField, flags rec.Flag, tx rec.Transaction) (rec.Recmap, error) {
	t, err := asTx(tx)
	if err != nil {
		return nil, err
	}
	bn := bucketName(name)
	if t.btx.Bucket(bn) != nil {
		if !e.allowReplace {
			return nil, rdberr.New(rdberr.Exists, "create_recmap", name, nil)
		}
		if err := t.btx.DeleteBucket(bn); err != nil {
			return nil, rdberr.Wrap(rdberr.System, "create_recmap", err)
		}
	}
	if _, err := t.btx.CreateBucket(bn); err != nil {
		return nil, rdberr.Wrap(rdberr.System, "create_recmap", err)
	}
	t.recordUndo(func(btx *bbolt.Tx) error {
		return btx.DeleteBucket(bn)
	})
	e.trf("Creating physical storage for recmap %s\n", name)

	return &Recmap{
		env: e, name: name, infos: infos, keyFieldCount: keyFieldCount,
		compareFields: compareFields, flags: flags, indexes: map[string]*Index{},
	}, nil
}

func (e *Env) OpenRecmap(ctx context.Context, name string, infos []field.Info, keyFieldCount int,
	tx rec.Transaction) (rec.Recmap, error) {
	t, err := asTx(tx)
	if err != nil {
		return nil, err
	}
	if t.btx.Bucket(bucketName(name)) == nil {
		return nil, rdberr.New(rdberr.NotFound, "open_recmap", name, nil)
	}
	return &Recmap{
		env: e, name: name, infos: infos, keyFieldCount: keyFieldCount,
		indexes: map[string]*Index{},
	}, nil
}

func (r *Recmap) bucket(t *Tx) (*bbolt.Bucket, error) {
	b := t.btx.Bucket(bucketName(r.name))
	if b == nil {
		return nil, rdberr.New(rdberr.ResourceNotFound, "record_op", r.name, nil)
	}
	return b, nil
}

func (r *Recmap) encodeKeyFromKeyFields(keyFields []field.Field) ([]byte, error) {
	key, _, err := field.FieldsToBytes(keyFields, r.infos, r.keyFieldCount)
	if err != nil {
		return nil, err
	}
	return r.transformKeyHalf(key, false)
}

func (r *Recmap) Insert(ctx context.Context, fields []field.Field, tx rec.Transaction) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	b, err := r.bucket(t)
	if err != nil {
		return err
	}
	key, value, err := field.FieldsToBytes(fields, r.infos, r.keyFieldCount)
	if err != nil {
		return err
	}
	key, err = r.transformKeyHalf(key, false)
	if err != nil {
		return err
	}
	if r.flags.Has(rec.Unique) && b.Get(key) != nil {
		return rdberr.New(rdberr.KeyViolation, "insert", r.name, fmt.Errorf("duplicate primary key"))
	}
	for _, idx := range r.indexes {
		if err := idx.checkUniqueForInsert(t, fields); err != nil {
			return err
		}
	}
	if err := b.Put(key, value); err != nil {
		return rdberr.Wrap(rdberr.System, "insert", err)
	}
	t.recordUndo(func(btx *bbolt.Tx) error {
		bb := btx.Bucket(bucketName(r.name))
		if bb == nil {
			return nil
		}
		return bb.Delete(key)
	})
	for _, idx := range r.indexes {
		if err := idx.onInsert(t, fields, key); err != nil {
			return err
		}
	}
	return nil
}

func (r *Recmap) Update(ctx context.Context, keyFields []field.Field, newFields []field.Field, tx rec.Transaction) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	b, err := r.bucket(t)
	if err != nil {
		return err
	}
	key, err := r.encodeKeyFromKeyFields(keyFields)
	if err != nil {
		return err
	}
	oldValue := b.Get(key)
	if oldValue == nil {
		return rdberr.New(rdberr.NotFound, "update", r.name, nil)
	}

	keyChanges := false
	for _, f := range newFields {
		if f.No < r.keyFieldCount {
			keyChanges = true
			break
		}
	}

	oldFields, err := r.fullRecordFields(key, oldValue)
	if err != nil {
		return err
	}

	if keyChanges {
		merged := mergeFields(oldFields, newFields)
		if err := r.deleteByKey(t, b, key, oldFields); err != nil {
			return err
		}
		return r.Insert(ctx, merged, tx)
	}

	merged := mergeFields(oldFields, newFields)
	_, newValue, err := field.FieldsToBytes(merged, r.infos, r.keyFieldCount)
	if err != nil {
		return err
	}
	for _, idx := range r.indexes {
		if err := idx.onUpdate(t, oldFields, merged, key); err != nil {
			return err
		}
	}
	if err := b.Put(key, newValue); err != nil {
		return rdberr.Wrap(rdberr.System, "update", err)
	}
	t.recordUndo(func(btx *bbolt.Tx) error {
		bb := btx.Bucket(bucketName(r.name))
		if bb == nil {
			return nil
		}
		return bb.Put(key, oldValue)
	})
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

func (r *Recmap) fullRecordFields(key, value []byte) ([]field.Field, error) {
	logicalKey, err := r.transformKeyHalf(key, true)
	if err != nil {
		return nil, err
	}
	kf, err := field.BytesToFields(logicalKey, r.infos, 0, r.keyFieldCount)
	if err != nil {
		return nil, err
	}
	vf, err := field.BytesToFields(value, r.infos, r.keyFieldCount, len(r.infos))
	if err != nil {
		return nil, err
	}
	return append(kf, vf...), nil
}

func (r *Recmap) deleteByKey(t *Tx, b *bbolt.Bucket, key []byte, oldFields []field.Field) error {
	oldValue := append([]byte(nil), b.Get(key)...)
	for _, idx := range r.indexes {
		if err := idx.onDelete(t, oldFields, key); err != nil {
			return err
		}
	}
	if err := b.Delete(key); err != nil {
		return rdberr.Wrap(rdberr.System, "delete", err)
	}
	t.recordUndo(func(btx *bbolt.Tx) error {
		bb := btx.Bucket(bucketName(r.name))
		if bb == nil {
			return nil
		}
		return bb.Put(key, oldValue)
	})
	return nil
}

func (r *Recmap) Delete(ctx context.Context, keyFields []field.Field, tx rec.Transaction) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	b, err := r.bucket(t)
	if err != nil {
		return err
	}
	key, err := r.encodeKeyFromKeyFields(keyFields)
	if err != nil {
		return err
	}
	value := b.Get(key)
	if value == nil {
		return rdberr.New(rdberr.NotFound, "delete", r.name, nil)
	}
	oldFields, err := r.fullRecordFields(key, value)
	if err != nil {
		return err
	}
	return r.deleteByKey(t, b, key, oldFields)
}

func (r *Recmap) GetFields(ctx context.Context, keyFields []field.Field, requested []int, tx rec.Transaction) ([]field.Field, error) {
	t, err := asTx(tx)
	if err != nil {
		return nil, err
	}
	b, err := r.bucket(t)
	if err != nil {
		return nil, err
	}
	key, err := r.encodeKeyFromKeyFields(keyFields)
	if err != nil {
		return nil, err
	}
	value := b.Get(key)
	if value == nil {
		return nil, rdberr.New(rdberr.NotFound, "get_fields", r.name, nil)
	}
	all, err := r.fullRecordFields(key, value)
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
			return nil, rdberr.New(rdberr.InvalidArgument, "get_fields", r.name, fmt.Errorf("field %d not present", no))
		}
		out = append(out, f)
	}
	return out, nil
}

func (r *Recmap) Contains(ctx context.Context, fields []field.Field, tx rec.Transaction) (bool, error) {
	t, err := asTx(tx)
	if err != nil {
		return false, err
	}
	b, err := r.bucket(t)
	if err != nil {
		return false, err
	}
	key, value, err := field.FieldsToBytes(fields, r.infos, r.keyFieldCount)
	if err != nil {
		return false, err
	}
	key, err = r.transformKeyHalf(key, false)
	if err != nil {
		return false, err
	}
	got := b.Get(key)
	if got == nil {
		return false, nil
	}
	return string(got) == string(value), nil
}

func (r *Recmap) EstimatedSize(ctx context.Context, tx rec.Transaction) (uint64, error) {
	t, err := asTx(tx)
	if err != nil {
		return 0, err
	}
	b, err := r.bucket(t)
	if err != nil {
		return 0, err
	}
	stats := b.Stats()
	return uint64(stats.KeyN), nil
}

func (r *Recmap) Cursor(ctx context.Context, writable bool, tx rec.Transaction) (rec.Cursor, error) {
	t, err := asTx(tx)
	if err != nil {
		return nil, err
	}
	b, err := r.bucket(t)
	if err != nil {
		return nil, err
	}
	return &Cursor{tx: t, recmap: r, bcur: b.Cursor(), keyLo: 0, keyHi: r.keyFieldCount}, nil
}

func (r *Recmap) Close() error { return nil }

func (r *Recmap) DeleteRecmap(ctx context.Context, tx rec.Transaction) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	if r.env.trace >= 1 {
		fmt.Fprintf(os.Stderr, "Deleting physical storage for recmap %s\n", r.name)
	}
	if err := t.btx.DeleteBucket(bucketName(r.name)); err != nil {
		return rdberr.Wrap(rdberr.System, "delete_recmap", err)
	}
	return nil
}
