package bdbrec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/duro-db/duro/internal/field"
	"github.com/duro-db/duro/internal/rdberr"
	"github.com/duro-db/duro/internal/rec"
)

func openEnvForTest(t *testing.T) rec.Environment {
	t.Helper()
	env, err := rec.Open(context.Background(), "bdb", t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	return env
}

func keyOnlyInfos() []field.Info {
	return []field.Info{{Len: 4, AttrName: "k", Flags: field.Integer}}
}

func TestSequenceNextIsMonotoneAndRollsBackOnAbort(t *testing.T) {
	ctx := context.Background()
	env := openEnvForTest(t)

	tx, err := env.Begin(ctx, nil)
	require.NoError(t, err)
	seq, err := env.Sequence(ctx, "order_ids", tx)
	require.NoError(t, err)

	v1, err := seq.Next(ctx, tx)
	require.NoError(t, err)
	require.EqualValues(t, 1, v1)
	v2, err := seq.Next(ctx, tx)
	require.NoError(t, err)
	require.EqualValues(t, 2, v2)
	require.NoError(t, tx.Commit(ctx))

	tx2, err := env.Begin(ctx, nil)
	require.NoError(t, err)
	seq2, err := env.Sequence(ctx, "order_ids", tx2)
	require.NoError(t, err)
	v3, err := seq2.Next(ctx, tx2)
	require.NoError(t, err)
	require.EqualValues(t, 3, v3)
	require.NoError(t, tx2.Abort(ctx))

	tx3, err := env.Begin(ctx, nil)
	require.NoError(t, err)
	seq3, err := env.Sequence(ctx, "order_ids", tx3)
	require.NoError(t, err)
	v4, err := seq3.Next(ctx, tx3)
	require.NoError(t, err)
	require.EqualValues(t, 3, v4, "aborted Next must not be observable, so the counter resumes from 2")
	require.NoError(t, tx3.Commit(ctx))
}

func TestOpenRecmapNotFound(t *testing.T) {
	ctx := context.Background()
	env := openEnvForTest(t)

	tx, err := env.Begin(ctx, nil)
	require.NoError(t, err)
	_, err = env.OpenRecmap(ctx, "missing", keyOnlyInfos(), 1, tx)
	require.Error(t, err)
	require.True(t, rdberr.Of(err) == rdberr.NotFound)
	require.NoError(t, tx.Abort(ctx))
}

func TestCreateRecmapAlreadyExists(t *testing.T) {
	ctx := context.Background()
	env := openEnvForTest(t)

	tx, err := env.Begin(ctx, nil)
	require.NoError(t, err)
	_, err = env.CreateRecmap(ctx, "widgets", keyOnlyInfos(), 1, nil, rec.Unique, tx)
	require.NoError(t, err)
	_, err = env.CreateRecmap(ctx, "widgets", keyOnlyInfos(), 1, nil, rec.Unique, tx)
	require.Error(t, err)
	require.True(t, rdberr.Of(err) == rdberr.Exists)
	require.NoError(t, tx.Abort(ctx))
}

func TestSecondaryIndexFollowsUpdate(t *testing.T) {
	ctx := context.Background()
	env := openEnvForTest(t)

	tx, err := env.Begin(ctx, nil)
	require.NoError(t, err)
	infos := []field.Info{
		{Len: 4, AttrName: "id", Flags: field.Integer},
		{Len: field.VarLen, AttrName: "tag", Flags: field.Char},
	}
	rm, err := env.CreateRecmap(ctx, "items", infos, 1, nil, rec.Unique, tx)
	require.NoError(t, err)
	ix, err := env.CreateIndex(ctx, rm, "items_by_tag", []int{1}, nil, rec.Ordered, tx)
	require.NoError(t, err)

	require.NoError(t, rm.Insert(ctx, []field.Field{
		{No: 0, Data: intBytes(1)}, {No: 1, Data: []byte("old")},
	}, tx))

	cur, err := ix.Cursor(ctx, false, tx)
	require.NoError(t, err)
	require.NoError(t, cur.Seek(ctx, []field.Field{{No: 1, Data: []byte("old")}}, rec.SeekExact))
	require.Equal(t, rec.Positioned, cur.State())
	require.NoError(t, cur.Close())

	require.NoError(t, rm.Update(ctx, []field.Field{{No: 0, Data: intBytes(1)}},
		[]field.Field{{No: 1, Data: []byte("new")}}, tx))

	cur2, err := ix.Cursor(ctx, false, tx)
	require.NoError(t, err)
	defer cur2.Close()
	require.NoError(t, cur2.Seek(ctx, []field.Field{{No: 1, Data: []byte("old")}}, rec.SeekExact))
	require.NotEqual(t, rec.Positioned, cur2.State(), "stale index entry must not survive an update")

	cur3, err := rm.Cursor(ctx, false, tx)
	require.NoError(t, err)
	defer cur3.Close()
	require.NoError(t, cur3.Seek(ctx, []field.Field{{No: 0, Data: intBytes(1)}}, rec.SeekExact))
	require.Equal(t, rec.Positioned, cur3.State())

	require.NoError(t, tx.Commit(ctx))
}

func TestDeleteRemovesRecord(t *testing.T) {
	ctx := context.Background()
	env := openEnvForTest(t)

	tx, err := env.Begin(ctx, nil)
	require.NoError(t, err)
	rm, err := env.CreateRecmap(ctx, "widgets", keyOnlyInfos(), 1, nil, rec.Unique, tx)
	require.NoError(t, err)
	require.NoError(t, rm.Insert(ctx, []field.Field{{No: 0, Data: intBytes(7)}}, tx))

	require.NoError(t, rm.Delete(ctx, []field.Field{{No: 0, Data: intBytes(7)}}, tx))
	err = rm.Delete(ctx, []field.Field{{No: 0, Data: intBytes(7)}}, tx)
	require.Error(t, err)
	require.True(t, rdberr.Of(err) == rdberr.NotFound)

	require.NoError(t, tx.Commit(ctx))
}

func TestSecondOpenWithActiveTxFails(t *testing.T) {
	ctx := context.Background()
	env := openEnvForTest(t)

	tx, err := env.Begin(ctx, nil)
	require.NoError(t, err)
	_, err = env.Begin(ctx, nil)
	require.Error(t, err)
	require.True(t, rdberr.Of(err) == rdberr.InvalidTransaction)

	require.NoError(t, tx.Abort(ctx))
}
