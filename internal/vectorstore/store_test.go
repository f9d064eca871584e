package vectorstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillsearch/quill/internal/storage"
)

func TestAdd_RejectsDimensionMismatch(t *testing.T) {
	s := New(DefaultConfig("default", 3))
	err := s.Add(1, []float32{1, 2})
	require.Error(t, err)
	assert.IsType(t, ErrDimensionMismatch{}, err)
}

func TestSearch_ReturnsNearestByDocID(t *testing.T) {
	s := New(DefaultConfig("default", 2))
	require.NoError(t, s.Add(1, []float32{1, 0}))
	require.NoError(t, s.Add(2, []float32{0, 1}))
	require.NoError(t, s.Add(3, []float32{0.9, 0.1}))

	results, err := s.Search([]float32{1, 0}, 2)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, uint32(1), results[0].DocID, "closest vector should rank first")
}

func TestRemove_ExcludesDocFromSearch(t *testing.T) {
	s := New(DefaultConfig("default", 2))
	require.NoError(t, s.Add(1, []float32{1, 0}))
	require.NoError(t, s.Add(2, []float32{0.99, 0.01}))

	s.Remove(1)
	assert.Equal(t, 1, s.Len())

	results, err := s.Search([]float32{1, 0}, 5)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, uint32(1), r.DocID)
	}
}

func TestSaveToLoad_RoundTripsGraphAndLiveSet(t *testing.T) {
	dir := t.TempDir()
	env, err := storage.Open(dir, "products", storage.DefaultOptions())
	require.NoError(t, err)
	defer env.Close()

	s := New(DefaultConfig("default", 2))
	require.NoError(t, s.Add(1, []float32{1, 0}))
	require.NoError(t, s.Add(2, []float32{0, 1}))

	require.NoError(t, env.Update(func(w *storage.WriteTxn) error { return s.SaveTo(w) }))

	var restored *Store
	err = env.View(func(r *storage.ReadTxn) error {
		var loadErr error
		restored, loadErr = Load(r, "default", DefaultConfig("default", 2))
		return loadErr
	})
	require.NoError(t, err)
	assert.Equal(t, 2, restored.Len())

	results, err := restored.Search([]float32{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint32(1), results[0].DocID)
}

func TestLoad_ReturnsEmptyStoreWhenNothingPersisted(t *testing.T) {
	dir := t.TempDir()
	env, err := storage.Open(dir, "products", storage.DefaultOptions())
	require.NoError(t, err)
	defer env.Close()

	var restored *Store
	err = env.View(func(r *storage.ReadTxn) error {
		var loadErr error
		restored, loadErr = Load(r, "default", DefaultConfig("default", 2))
		return loadErr
	})
	require.NoError(t, err)
	assert.Equal(t, 0, restored.Len())
}
