package catalog

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/duro-db/duro/internal/field"
	"github.com/duro-db/duro/internal/rdberr"
	"github.com/duro-db/duro/internal/rec"
	_ "github.com/duro-db/duro/internal/rec/bdbrec"
	"github.com/stretchr/testify/require"
)

func openTestEnv(t *testing.T) rec.Environment {
	t.Helper()
	env, err := rec.Open(context.Background(), "bdb", t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	return env
}

func empDef() TableDef {
	return TableDef{
		Name: "emp",
		Heading: []Attribute{
			{Name: "id", Info: field.Info{Len: 4, AttrName: "id", Flags: field.Integer}},
			{Name: "name", Info: field.Info{Len: field.VarLen, AttrName: "name", Flags: field.Char}},
		},
		PrimaryKey: []string{"id"},
		Persistent: true,
	}
}

func intBytes(v int32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func floatBytes(v float64) []byte {
	bits := math.Float64bits(v)
	out := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		out[i] = byte(bits)
		bits >>= 8
	}
	return out
}

// Scenario 1: create and round-trip.
func TestCreateAndRoundTrip(t *testing.T) {
	ctx := context.Background()
	env := openTestEnv(t)

	tx, err := env.Begin(ctx, nil)
	require.NoError(t, err)
	cat, err := Bootstrap(ctx, env, tx)
	require.NoError(t, err)

	st, err := CreateStoredTable(ctx, env, cat, empDef(), tx)
	require.NoError(t, err)
	require.Equal(t, 0, st.AttrMap["id"])
	require.Equal(t, 1, st.AttrMap["name"])

	require.NoError(t, st.Recmap.Insert(ctx, []field.Field{
		{No: 0, Data: intBytes(1)}, {No: 1, Data: []byte("a")},
	}, tx))
	require.NoError(t, st.Recmap.Insert(ctx, []field.Field{
		{No: 0, Data: intBytes(2)}, {No: 1, Data: []byte("bb")},
	}, tx))

	got, err := st.Recmap.GetFields(ctx, []field.Field{{No: 0, Data: intBytes(2)}}, []int{1}, tx)
	require.NoError(t, err)
	require.Equal(t, "bb", string(got[0].Data))

	count := scanCount(t, ctx, st.Recmap, tx)
	require.Equal(t, 2, count)

	require.NoError(t, tx.Commit(ctx))
}

// Scenario 2: key violation.
func TestKeyViolation(t *testing.T) {
	ctx := context.Background()
	env := openTestEnv(t)

	tx, err := env.Begin(ctx, nil)
	require.NoError(t, err)
	cat, err := Bootstrap(ctx, env, tx)
	require.NoError(t, err)
	st, err := CreateStoredTable(ctx, env, cat, empDef(), tx)
	require.NoError(t, err)

	require.NoError(t, st.Recmap.Insert(ctx, []field.Field{
		{No: 0, Data: intBytes(1)}, {No: 1, Data: []byte("a")},
	}, tx))
	require.NoError(t, st.Recmap.Insert(ctx, []field.Field{
		{No: 0, Data: intBytes(2)}, {No: 1, Data: []byte("bb")},
	}, tx))

	err = st.Recmap.Insert(ctx, []field.Field{
		{No: 0, Data: intBytes(1)}, {No: 1, Data: []byte("x")},
	}, tx)
	require.Error(t, err)
	require.True(t, errors.Is(err, rdberr.KeyViolation))

	require.Equal(t, 2, scanCount(t, ctx, st.Recmap, tx))
	require.NoError(t, tx.Commit(ctx))
}

// Scenario 3: secondary index seek.
func TestSecondaryIndexSeek(t *testing.T) {
	ctx := context.Background()
	env := openTestEnv(t)

	tx, err := env.Begin(ctx, nil)
	require.NoError(t, err)
	cat, err := Bootstrap(ctx, env, tx)
	require.NoError(t, err)

	def := empDef()
	def.SecondaryIndexes = []IndexSpec{
		{Name: "emp_by_name", Attrs: []IndexAttr{{AttrName: "name", Ascending: true}}, Unique: false, Ordered: true},
	}
	require.NoError(t, cat.InsertIndex(ctx, "emp_by_name", def.SecondaryIndexes[0].Attrs, false, true, "emp", tx))
	st, err := CreateStoredTable(ctx, env, cat, def, tx)
	require.NoError(t, err)

	require.NoError(t, st.Recmap.Insert(ctx, []field.Field{{No: 0, Data: intBytes(1)}, {No: 1, Data: []byte("a")}}, tx))
	require.NoError(t, st.Recmap.Insert(ctx, []field.Field{{No: 0, Data: intBytes(2)}, {No: 1, Data: []byte("bb")}}, tx))
	require.NoError(t, st.Recmap.Insert(ctx, []field.Field{{No: 0, Data: intBytes(3)}, {No: 1, Data: []byte("a")}}, tx))

	ix := st.Indexes["emp_by_name"]
	require.NotNil(t, ix)
	cur, err := ix.Cursor(ctx, false, tx)
	require.NoError(t, err)
	defer cur.Close()

	require.NoError(t, cur.Seek(ctx, []field.Field{{No: 1, Data: []byte("a")}}, rec.SeekExact))
	seen := map[int32]bool{}
	for cur.State() == rec.Positioned {
		idBytes, err := cur.Get(ctx, 0)
		require.NoError(t, err)
		var id int32
		id = int32(idBytes[0])<<24 | int32(idBytes[1])<<16 | int32(idBytes[2])<<8 | int32(idBytes[3])
		nameBytes, err := cur.Get(ctx, 1)
		require.NoError(t, err)
		if string(nameBytes) != "a" {
			break
		}
		seen[id] = true
		if err := cur.Next(ctx, false); err != nil {
			require.NoError(t, err)
		}
	}
	require.True(t, seen[1] || seen[3])
	require.False(t, seen[2])

	require.NoError(t, tx.Commit(ctx))
}

// Scenario 4: ordered cursor.
func TestOrderedCursor(t *testing.T) {
	ctx := context.Background()
	env := openTestEnv(t)

	tx, err := env.Begin(ctx, nil)
	require.NoError(t, err)

	infos := []field.Info{{Len: 4, AttrName: "k", Flags: field.Integer}}
	rm, err := env.CreateRecmap(ctx, "ordered_keys", infos, 1,
		[]rec.CompareField{{FieldNo: 0, Ascending: true}}, rec.Unique|rec.Ordered, tx)
	require.NoError(t, err)

	for _, v := range []int32{5, 1, 4, 2, 3} {
		require.NoError(t, rm.Insert(ctx, []field.Field{{No: 0, Data: intBytes(v)}}, tx))
	}

	cur, err := rm.Cursor(ctx, false, tx)
	require.NoError(t, err)
	defer cur.Close()

	var got []int32
	for err := cur.First(ctx); ; err = cur.Next(ctx, false) {
		require.NoError(t, err)
		if cur.State() != rec.Positioned {
			break
		}
		b, err := cur.Get(ctx, 0)
		require.NoError(t, err)
		got = append(got, int32(b[0])<<24|int32(b[1])<<16|int32(b[2])<<8|int32(b[3]))
	}
	require.Equal(t, []int32{1, 2, 3, 4, 5}, got)

	require.NoError(t, tx.Commit(ctx))
}

// TestOrderedCursorNegativeInts confirms that an ordered recmap whose key
// is a signed integer sorts negative values before positive ones, not by
// raw two's-complement byte order (which would put them last).
func TestOrderedCursorNegativeInts(t *testing.T) {
	ctx := context.Background()
	env := openTestEnv(t)

	tx, err := env.Begin(ctx, nil)
	require.NoError(t, err)

	infos := []field.Info{{Len: 4, AttrName: "k", Flags: field.Integer}}
	rm, err := env.CreateRecmap(ctx, "ordered_signed", infos, 1,
		[]rec.CompareField{{FieldNo: 0, Ascending: true}}, rec.Unique|rec.Ordered, tx)
	require.NoError(t, err)

	for _, v := range []int32{5, -3, 0, -10, 2} {
		require.NoError(t, rm.Insert(ctx, []field.Field{{No: 0, Data: intBytes(v)}}, tx))
	}

	cur, err := rm.Cursor(ctx, false, tx)
	require.NoError(t, err)
	defer cur.Close()

	var got []int32
	for err := cur.First(ctx); ; err = cur.Next(ctx, false) {
		require.NoError(t, err)
		if cur.State() != rec.Positioned {
			break
		}
		b, err := cur.Get(ctx, 0)
		require.NoError(t, err)
		got = append(got, int32(uint32(b[0])<<24|uint32(b[1])<<16|uint32(b[2])<<8|uint32(b[3])))
	}
	require.Equal(t, []int32{-10, -3, 0, 2, 5}, got)

	require.NoError(t, tx.Commit(ctx))
}

// TestOrderedCursorFloatAndDescending confirms float ordering (including
// negative values) and that a descending CompareField reverses iteration
// order instead of sorting by raw byte image.
func TestOrderedCursorFloatAndDescending(t *testing.T) {
	ctx := context.Background()
	env := openTestEnv(t)

	tx, err := env.Begin(ctx, nil)
	require.NoError(t, err)

	infos := []field.Info{{Len: 8, AttrName: "k", Flags: field.Float}}
	rm, err := env.CreateRecmap(ctx, "ordered_float_desc", infos, 1,
		[]rec.CompareField{{FieldNo: 0, Ascending: false}}, rec.Unique|rec.Ordered, tx)
	require.NoError(t, err)

	for _, v := range []float64{1.5, -2.25, 0, 10.0, -0.5} {
		require.NoError(t, rm.Insert(ctx, []field.Field{{No: 0, Data: floatBytes(v)}}, tx))
	}

	cur, err := rm.Cursor(ctx, false, tx)
	require.NoError(t, err)
	defer cur.Close()

	var got []float64
	for err := cur.First(ctx); ; err = cur.Next(ctx, false) {
		require.NoError(t, err)
		if cur.State() != rec.Positioned {
			break
		}
		b, err := cur.Get(ctx, 0)
		require.NoError(t, err)
		var bits uint64
		for _, c := range b {
			bits = (bits << 8) | uint64(c)
		}
		got = append(got, math.Float64frombits(bits))
	}
	require.Equal(t, []float64{10.0, 1.5, 0, -0.5, -2.25}, got)

	require.NoError(t, tx.Commit(ctx))
}

// Scenario 5: nested transactions / rollback.
func TestNestedTransactionRollback(t *testing.T) {
	ctx := context.Background()
	env := openTestEnv(t)

	t1, err := env.Begin(ctx, nil)
	require.NoError(t, err)
	cat, err := Bootstrap(ctx, env, t1)
	require.NoError(t, err)
	st, err := CreateStoredTable(ctx, env, cat, empDef(), t1)
	require.NoError(t, err)

	require.NoError(t, st.Recmap.Insert(ctx, []field.Field{{No: 0, Data: intBytes(10)}, {No: 1, Data: []byte("ten")}}, t1))

	t2, err := env.Begin(ctx, t1)
	require.NoError(t, err)
	require.NoError(t, st.Recmap.Insert(ctx, []field.Field{{No: 0, Data: intBytes(11)}, {No: 1, Data: []byte("eleven")}}, t2))
	require.NoError(t, t2.Abort(ctx))

	require.Equal(t, 1, scanCount(t, ctx, st.Recmap, t1))
	require.NoError(t, t1.Commit(ctx))
}

// Scenario 6: deferred deletion.
func TestDeferredDeletion(t *testing.T) {
	ctx := context.Background()
	env := openTestEnv(t)

	setupTx, err := env.Begin(ctx, nil)
	require.NoError(t, err)
	cat, err := Bootstrap(ctx, env, setupTx)
	require.NoError(t, err)
	_, err = CreateStoredTable(ctx, env, cat, empDef(), setupTx)
	require.NoError(t, err)
	require.NoError(t, setupTx.Commit(ctx))

	tx, err := env.Begin(ctx, nil)
	require.NoError(t, err)
	st, err := OpenStoredTable(ctx, env, cat, empDef(), tx)
	require.NoError(t, err)
	require.NoError(t, DeleteStoredTable(ctx, cat, st, tx))
	require.NoError(t, tx.Abort(ctx))

	reopenTx, err := env.Begin(ctx, nil)
	require.NoError(t, err)
	_, err = OpenStoredTable(ctx, env, cat, empDef(), reopenTx)
	require.NoError(t, err)
	require.NoError(t, reopenTx.Commit(ctx))
}

// A deletion that actually commits must drain: neither the recmap nor
// its sys_table_recmap entry survives the commit.
func TestDeletedTableNotOpenableAfterCommit(t *testing.T) {
	ctx := context.Background()
	env := openTestEnv(t)

	setupTx, err := env.Begin(ctx, nil)
	require.NoError(t, err)
	cat, err := Bootstrap(ctx, env, setupTx)
	require.NoError(t, err)

	def := empDef()
	def.SecondaryIndexes = []IndexSpec{
		{Name: "emp_by_name", Attrs: []IndexAttr{{AttrName: "name", Ascending: true}}, Unique: false, Ordered: true},
	}
	st, err := CreateStoredTable(ctx, env, cat, def, setupTx)
	require.NoError(t, err)
	recmapName := st.Recmap.Name()
	require.NoError(t, setupTx.Commit(ctx))

	tx, err := env.Begin(ctx, nil)
	require.NoError(t, err)
	st, err = OpenStoredTable(ctx, env, cat, def, tx)
	require.NoError(t, err)
	require.NoError(t, DeleteStoredTable(ctx, cat, st, tx))
	require.NoError(t, tx.Commit(ctx))

	checkTx, err := env.Begin(ctx, nil)
	require.NoError(t, err)
	_, err = env.OpenRecmap(ctx, recmapName, []field.Info{
		{Len: 4, AttrName: "id", Flags: field.Integer},
		{Len: field.VarLen, AttrName: "name", Flags: field.Char},
	}, 1, checkTx)
	require.Error(t, err)
	require.True(t, rdberr.Of(err) == rdberr.NotFound)

	_, err = cat.RecmapName(ctx, "emp", checkTx)
	require.Error(t, err)
	require.True(t, rdberr.Of(err) == rdberr.NotFound)

	require.NoError(t, checkTx.Commit(ctx))
}

// Catalog fidelity + recmap name mapping.
func TestCatalogFidelityAndRecmapMapping(t *testing.T) {
	ctx := context.Background()
	env := openTestEnv(t)

	tx, err := env.Begin(ctx, nil)
	require.NoError(t, err)
	cat, err := Bootstrap(ctx, env, tx)
	require.NoError(t, err)

	def := empDef()
	def.SecondaryIndexes = []IndexSpec{
		{Name: "emp_by_name", Attrs: []IndexAttr{{AttrName: "name", Ascending: true}}, Unique: false, Ordered: true},
	}
	_, err = CreateStoredTable(ctx, env, cat, def, tx)
	require.NoError(t, err)
	require.NoError(t, cat.InsertIndex(ctx, "emp_by_name", def.SecondaryIndexes[0].Attrs, false, true, "emp", tx))

	rows, err := cat.GetIndexes(ctx, "emp", tx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "emp_by_name", rows[0].Name)
	require.Equal(t, def.SecondaryIndexes[0].Attrs, rows[0].Attrs)
	require.False(t, rows[0].Unique)
	require.True(t, rows[0].Ordered)

	other := def
	other.Name = "emp2"
	other.SecondaryIndexes = nil
	st2, err := CreateStoredTable(ctx, env, cat, other, tx)
	require.NoError(t, err)
	recmapName, err := cat.RecmapName(ctx, "emp2", tx)
	require.NoError(t, err)
	require.Equal(t, "emp2", recmapName)
	require.Equal(t, recmapName, st2.Recmap.Name())

	require.NoError(t, tx.Commit(ctx))
}

// Anonymous (non-persistent, unnamed) tables get distinct generated
// recmap names so two materialized temporaries never collide.
func TestAnonymousTablesGetDistinctRecmapNames(t *testing.T) {
	ctx := context.Background()
	env := openTestEnv(t)

	tx, err := env.Begin(ctx, nil)
	require.NoError(t, err)

	def := empDef()
	def.Name = ""
	def.Persistent = false

	st1, err := CreateStoredTable(ctx, env, nil, def, tx)
	require.NoError(t, err)
	st2, err := CreateStoredTable(ctx, env, nil, def, tx)
	require.NoError(t, err)

	require.NotEmpty(t, st1.Recmap.Name())
	require.NotEmpty(t, st2.Recmap.Name())
	require.NotEqual(t, st1.Recmap.Name(), st2.Recmap.Name())

	require.NoError(t, tx.Commit(ctx))
}

func scanCount(t *testing.T, ctx context.Context, rm rec.Recmap, tx rec.Transaction) int {
	t.Helper()
	cur, err := rm.Cursor(ctx, false, tx)
	require.NoError(t, err)
	defer cur.Close()
	count := 0
	for err := cur.First(ctx); ; err = cur.Next(ctx, false) {
		require.NoError(t, err)
		if cur.State() != rec.Positioned {
			break
		}
		count++
	}
	return count
}
