package sqlrec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mysql"

	"github.com/duro-db/duro/internal/field"
	"github.com/duro-db/duro/internal/rdberr"
	"github.com/duro-db/duro/internal/rec"
)

func setupMySQLEnv(t *testing.T) rec.Environment {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := mysql.Run(ctx, "mysql:8.0",
		mysql.WithDatabase("duro"),
		mysql.WithUsername("root"),
		mysql.WithPassword("testpass"),
	)
	require.NoError(t, err, "failed to start MySQL container")
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	env, err := rec.Open(ctx, "sql", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	return env
}

func empInfos() []field.Info {
	return []field.Info{
		{Len: 8, AttrName: "id", Flags: field.Integer},
		{Len: field.VarLen, AttrName: "name", Flags: field.Char},
	}
}

func idBytes(v int64) []byte {
	return []byte{byte(v >> 56), byte(v >> 48), byte(v >> 40), byte(v >> 32),
		byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func TestCreateRecmapAndRoundTrip(t *testing.T) {
	env := setupMySQLEnv(t)
	ctx := context.Background()

	tx, err := env.Begin(ctx, nil)
	require.NoError(t, err)

	rm, err := env.CreateRecmap(ctx, "emp", empInfos(), 1, nil, rec.Unique, tx)
	require.NoError(t, err)

	require.NoError(t, rm.Insert(ctx, []field.Field{
		{No: 0, Data: idBytes(1)}, {No: 1, Data: []byte("alice")},
	}, tx))

	got, err := rm.GetFields(ctx, []field.Field{{No: 0, Data: idBytes(1)}}, []int{1}, tx)
	require.NoError(t, err)
	require.Equal(t, "alice", string(got[0].Data))

	require.NoError(t, tx.Commit(ctx))
}

func TestInsertDuplicateKeyViolation(t *testing.T) {
	env := setupMySQLEnv(t)
	ctx := context.Background()

	tx, err := env.Begin(ctx, nil)
	require.NoError(t, err)
	rm, err := env.CreateRecmap(ctx, "emp", empInfos(), 1, nil, rec.Unique, tx)
	require.NoError(t, err)

	require.NoError(t, rm.Insert(ctx, []field.Field{{No: 0, Data: idBytes(1)}, {No: 1, Data: []byte("a")}}, tx))
	err = rm.Insert(ctx, []field.Field{{No: 0, Data: idBytes(1)}, {No: 1, Data: []byte("b")}}, tx)
	require.Error(t, err)
	require.True(t, rdberr.Of(err) == rdberr.KeyViolation)

	require.NoError(t, tx.Commit(ctx))
}

func TestNestedSavepointRollback(t *testing.T) {
	env := setupMySQLEnv(t)
	ctx := context.Background()

	t1, err := env.Begin(ctx, nil)
	require.NoError(t, err)
	rm, err := env.CreateRecmap(ctx, "emp", empInfos(), 1, nil, rec.Unique, t1)
	require.NoError(t, err)
	require.NoError(t, rm.Insert(ctx, []field.Field{{No: 0, Data: idBytes(10)}, {No: 1, Data: []byte("ten")}}, t1))

	t2, err := env.Begin(ctx, t1)
	require.NoError(t, err)
	require.NoError(t, rm.Insert(ctx, []field.Field{{No: 0, Data: idBytes(11)}, {No: 1, Data: []byte("eleven")}}, t2))
	require.NoError(t, t2.Abort(ctx))

	_, err = rm.GetFields(ctx, []field.Field{{No: 0, Data: idBytes(11)}}, []int{1}, t1)
	require.True(t, rdberr.Of(err) == rdberr.NotFound)

	got, err := rm.GetFields(ctx, []field.Field{{No: 0, Data: idBytes(10)}}, []int{1}, t1)
	require.NoError(t, err)
	require.Equal(t, "ten", string(got[0].Data))

	require.NoError(t, t1.Commit(ctx))
}

func TestSecondaryIndexLookup(t *testing.T) {
	env := setupMySQLEnv(t)
	ctx := context.Background()

	tx, err := env.Begin(ctx, nil)
	require.NoError(t, err)
	rm, err := env.CreateRecmap(ctx, "emp", empInfos(), 1, nil, rec.Unique, tx)
	require.NoError(t, err)
	ix, err := env.CreateIndex(ctx, rm, "emp_by_name", []int{1}, nil, 0, tx)
	require.NoError(t, err)

	require.NoError(t, rm.Insert(ctx, []field.Field{{No: 0, Data: idBytes(1)}, {No: 1, Data: []byte("bob")}}, tx))

	fields, err := ix.GetFields(ctx, []field.Field{{No: 1, Data: []byte("bob")}}, []int{0}, tx)
	require.NoError(t, err)
	require.Equal(t, idBytes(1), fields[0].Data)

	require.NoError(t, tx.Commit(ctx))
}

func TestCursorOrderedScan(t *testing.T) {
	env := setupMySQLEnv(t)
	ctx := context.Background()

	tx, err := env.Begin(ctx, nil)
	require.NoError(t, err)
	rm, err := env.CreateRecmap(ctx, "emp", empInfos(), 1, nil, rec.Unique, tx)
	require.NoError(t, err)

	for _, v := range []int64{5, 1, 4, 2, 3} {
		require.NoError(t, rm.Insert(ctx, []field.Field{{No: 0, Data: idBytes(v)}, {No: 1, Data: []byte("x")}}, tx))
	}

	cur, err := rm.Cursor(ctx, false, tx)
	require.NoError(t, err)
	defer cur.Close()

	var got []int64
	for err := cur.First(ctx); ; err = cur.Next(ctx, false) {
		require.NoError(t, err)
		if cur.State() != rec.Positioned {
			break
		}
		b, err := cur.Get(ctx, 0)
		require.NoError(t, err)
		var v int64
		for _, c := range b {
			v = (v << 8) | int64(c)
		}
		got = append(got, v)
	}
	require.Equal(t, []int64{1, 2, 3, 4, 5}, got)

	require.NoError(t, tx.Commit(ctx))
}

// TestCursorDescendingScan confirms a recmap created with a descending
// CompareField is iterated in descending order by MySQL's own ORDER BY,
// not the ascending order the cursor used to hard-code.
func TestCursorDescendingScan(t *testing.T) {
	env := setupMySQLEnv(t)
	ctx := context.Background()

	tx, err := env.Begin(ctx, nil)
	require.NoError(t, err)
	rm, err := env.CreateRecmap(ctx, "emp", empInfos(), 1,
		[]rec.CompareField{{FieldNo: 0, Ascending: false}}, rec.Unique|rec.Ordered, tx)
	require.NoError(t, err)

	for _, v := range []int64{5, 1, 4, 2, 3} {
		require.NoError(t, rm.Insert(ctx, []field.Field{{No: 0, Data: idBytes(v)}, {No: 1, Data: []byte("x")}}, tx))
	}

	cur, err := rm.Cursor(ctx, false, tx)
	require.NoError(t, err)
	defer cur.Close()

	var got []int64
	for err := cur.First(ctx); ; err = cur.Next(ctx, false) {
		require.NoError(t, err)
		if cur.State() != rec.Positioned {
			break
		}
		b, err := cur.Get(ctx, 0)
		require.NoError(t, err)
		var v int64
		for _, c := range b {
			v = (v << 8) | int64(c)
		}
		got = append(got, v)
	}
	require.Equal(t, []int64{5, 4, 3, 2, 1}, got)

	require.NoError(t, tx.Commit(ctx))
}
