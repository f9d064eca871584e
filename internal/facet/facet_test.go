package facet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillsearch/quill/internal/storage"
)

func openTestEnv(t *testing.T) *storage.Environment {
	t.Helper()
	env, err := storage.Open(t.TempDir(), "test", storage.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	return env
}

func TestStringBuffer_FlushAndRead(t *testing.T) {
	env := openTestEnv(t)
	b := NewStringBuffer()
	b.Apply(StringOp{FieldID: 1, Value: "red", DocID: 10, Add: true})
	b.Apply(StringOp{FieldID: 1, Value: "red", DocID: 11, Add: true})
	b.Apply(StringOp{FieldID: 1, Value: "blue", DocID: 12, Add: true})

	require.NoError(t, env.Update(func(w *storage.WriteTxn) error { return b.Flush(w) }))

	err := env.View(func(r *storage.ReadTxn) error {
		red := StringDocids(r, 1, "red")
		assert.True(t, red.Contains(10))
		assert.True(t, red.Contains(11))

		dist, derr := Distribution(r, 1)
		require.NoError(t, derr)
		assert.Equal(t, uint64(2), dist["red"])
		assert.Equal(t, uint64(1), dist["blue"])
		return nil
	})
	require.NoError(t, err)
}

func TestStringBuffer_DeleteAllPrunesKey(t *testing.T) {
	env := openTestEnv(t)
	b := NewStringBuffer()
	b.Apply(StringOp{FieldID: 1, Value: "red", DocID: 10, Add: true})
	require.NoError(t, env.Update(func(w *storage.WriteTxn) error { return b.Flush(w) }))

	b2 := NewStringBuffer()
	b2.Apply(StringOp{FieldID: 1, Value: "red", DocID: 10, Add: false})
	require.NoError(t, env.Update(func(w *storage.WriteTxn) error { return b2.Flush(w) }))

	err := env.View(func(r *storage.ReadTxn) error {
		assert.True(t, StringDocids(r, 1, "red").IsEmpty())
		return nil
	})
	require.NoError(t, err)
}

func TestSearchValues_ReturnsPrefixMatchesFromFST(t *testing.T) {
	env := openTestEnv(t)
	b := NewStringBuffer()
	b.Apply(StringOp{FieldID: 2, Value: "paris", DocID: 1, Add: true})
	b.Apply(StringOp{FieldID: 2, Value: "parma", DocID: 2, Add: true})
	b.Apply(StringOp{FieldID: 2, Value: "london", DocID: 3, Add: true})
	require.NoError(t, env.Update(func(w *storage.WriteTxn) error { return b.Flush(w) }))

	err := env.View(func(r *storage.ReadTxn) error {
		values, serr := SearchValues(r, 2, "par")
		require.NoError(t, serr)
		assert.ElementsMatch(t, []string{"paris", "parma"}, values)
		return nil
	})
	require.NoError(t, err)
}

func TestNumericBuffer_RangeDocids(t *testing.T) {
	env := openTestEnv(t)
	b := NewNumericBuffer()
	b.Apply(NumericOp{FieldID: 3, Value: 10, DocID: 1, Add: true})
	b.Apply(NumericOp{FieldID: 3, Value: 20, DocID: 2, Add: true})
	b.Apply(NumericOp{FieldID: 3, Value: 30, DocID: 3, Add: true})
	require.NoError(t, env.Update(func(w *storage.WriteTxn) error { return b.Flush(w) }))

	err := env.View(func(r *storage.ReadTxn) error {
		bm, rerr := RangeDocids(r, 3, 15, 25)
		require.NoError(t, rerr)
		assert.False(t, bm.Contains(1))
		assert.True(t, bm.Contains(2))
		assert.False(t, bm.Contains(3))
		return nil
	})
	require.NoError(t, err)
}

func TestNumericBuffer_HandlesNegativeValues(t *testing.T) {
	env := openTestEnv(t)
	b := NewNumericBuffer()
	b.Apply(NumericOp{FieldID: 4, Value: -5, DocID: 1, Add: true})
	b.Apply(NumericOp{FieldID: 4, Value: 5, DocID: 2, Add: true})
	require.NoError(t, env.Update(func(w *storage.WriteTxn) error { return b.Flush(w) }))

	err := env.View(func(r *storage.ReadTxn) error {
		bm, rerr := RangeDocids(r, 4, -10, 0)
		require.NoError(t, rerr)
		assert.True(t, bm.Contains(1))
		assert.False(t, bm.Contains(2))
		return nil
	})
	require.NoError(t, err)
}

func TestGeoBuffer_WithinRadius(t *testing.T) {
	env := openTestEnv(t)
	g := NewGeoBuffer()
	g.Set(GeoPoint{FieldID: 1, DocID: 1, Lat: 48.8566, Lng: 2.3522})  // Paris
	g.Set(GeoPoint{FieldID: 1, DocID: 2, Lat: 51.5074, Lng: -0.1278}) // London
	require.NoError(t, env.Update(func(w *storage.WriteTxn) error { return g.Flush(w) }))

	err := env.View(func(r *storage.ReadTxn) error {
		bm, rerr := WithinRadius(r, 1, 48.8566, 2.3522, 50000)
		require.NoError(t, rerr)
		assert.True(t, bm.Contains(1))
		assert.False(t, bm.Contains(2))
		return nil
	})
	require.NoError(t, err)
}

func TestGeoBuffer_RemoveDropsPoint(t *testing.T) {
	env := openTestEnv(t)
	g := NewGeoBuffer()
	g.Set(GeoPoint{FieldID: 1, DocID: 1, Lat: 0, Lng: 0})
	require.NoError(t, env.Update(func(w *storage.WriteTxn) error { return g.Flush(w) }))

	g2 := NewGeoBuffer()
	g2.Remove(1, 1)
	require.NoError(t, env.Update(func(w *storage.WriteTxn) error { return g2.Flush(w) }))

	err := env.View(func(r *storage.ReadTxn) error {
		assert.Nil(t, r.Get(storage.BucketGeoFacetedDocids, []byte{0, 1}))
		return nil
	})
	require.NoError(t, err)
}
