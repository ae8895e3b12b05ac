package bdbrec

import (
	"context"
	"encoding/binary"

	"go.etcd.io/bbolt"

	"github.com/duro-db/duro/internal/rdberr"
	"github.com/duro-db/duro/internal/rec"
)

const sequenceBucketPrefix = "__seq__"

var counterKey = []byte("value")

func encodeInt64(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func decodeInt64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

// Sequence is a named, transactional monotone counter backed by a
// single-key bbolt bucket.
type Sequence struct {
	env  *Env
	name string
}

func (s *Sequence) Name() string { return s.name }

func (s *Sequence) Next(ctx context.Context, tx rec.Transaction) (int64, error) {
	t, err := asTx(tx)
	if err != nil {
		return 0, err
	}
	b := t.btx.Bucket([]byte(sequenceBucketPrefix + s.name))
	if b == nil {
		return 0, rdberr.New(rdberr.ResourceNotFound, "sequence_next", s.name, nil)
	}
	cur := decodeInt64(b.Get(counterKey))
	next := cur + 1
	if err := b.Put(counterKey, encodeInt64(next)); err != nil {
		return 0, rdberr.Wrap(rdberr.System, "sequence_next", err)
	}
	prev := cur
	t.recordUndo(func(btx *bbolt.Tx) error {
		bb := btx.Bucket([]byte(sequenceBucketPrefix + s.name))
		if bb == nil {
			return nil
		}
		return bb.Put(counterKey, encodeInt64(prev))
	})
	return next, nil
}

func (s *Sequence) Close() error { return nil }

func (s *Sequence) DeleteSequence(ctx context.Context, tx rec.Transaction) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	name := []byte(sequenceBucketPrefix + s.name)
	if err := t.btx.DeleteBucket(name); err != nil {
		return rdberr.Wrap(rdberr.System, "sequence_delete", err)
	}
	return nil
}
