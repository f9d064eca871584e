package invindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillsearch/quill/internal/analysis"
	"github.com/quillsearch/quill/internal/storage"
)

func openTestEnv(t *testing.T) *storage.Environment {
	t.Helper()
	env, err := storage.Open(t.TempDir(), "test", storage.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	return env
}

func TestBuffer_FlushWritesWordPostings(t *testing.T) {
	env := openTestEnv(t)
	buf := NewBuffer()
	buf.ApplyWord(Op{Word: "hello", DocID: 1, Add: true})
	buf.ApplyWord(Op{Word: "hello", DocID: 2, Add: true})

	err := env.Update(func(w *storage.WriteTxn) error { return buf.Flush(w) })
	require.NoError(t, err)

	err = env.View(func(r *storage.ReadTxn) error {
		bm := WordDocids(r, "hello")
		assert.True(t, bm.Contains(1))
		assert.True(t, bm.Contains(2))
		assert.Equal(t, uint64(2), bm.GetCardinality())
		return nil
	})
	require.NoError(t, err)
}

func TestBuffer_DeleteRemovesPersistedDoc(t *testing.T) {
	env := openTestEnv(t)

	buf := NewBuffer()
	buf.ApplyWord(Op{Word: "hello", DocID: 1, Add: true})
	buf.ApplyWord(Op{Word: "hello", DocID: 2, Add: true})
	require.NoError(t, env.Update(func(w *storage.WriteTxn) error { return buf.Flush(w) }))

	buf2 := NewBuffer()
	buf2.ApplyWord(Op{Word: "hello", DocID: 1, Add: false})
	require.NoError(t, env.Update(func(w *storage.WriteTxn) error { return buf2.Flush(w) }))

	err := env.View(func(r *storage.ReadTxn) error {
		bm := WordDocids(r, "hello")
		assert.False(t, bm.Contains(1), "deleted docID must not reappear")
		assert.True(t, bm.Contains(2))
		return nil
	})
	require.NoError(t, err)
}

func TestBuffer_DeleteAllDocsPrunesKey(t *testing.T) {
	env := openTestEnv(t)

	buf := NewBuffer()
	buf.ApplyWord(Op{Word: "hello", DocID: 1, Add: true})
	require.NoError(t, env.Update(func(w *storage.WriteTxn) error { return buf.Flush(w) }))

	buf2 := NewBuffer()
	buf2.ApplyWord(Op{Word: "hello", DocID: 1, Add: false})
	require.NoError(t, env.Update(func(w *storage.WriteTxn) error { return buf2.Flush(w) }))

	err := env.View(func(r *storage.ReadTxn) error {
		assert.Nil(t, r.Get(storage.BucketWordDocids, []byte("hello")))
		return nil
	})
	require.NoError(t, err)
}

func TestBuffer_DelThenAddInSameBatchNetsToNoChange(t *testing.T) {
	env := openTestEnv(t)

	seed := NewBuffer()
	seed.ApplyWord(Op{Word: "hello", DocID: 1, Add: true})
	require.NoError(t, env.Update(func(w *storage.WriteTxn) error { return seed.Flush(w) }))

	reindex := NewBuffer()
	reindex.ApplyWord(Op{Word: "hello", DocID: 1, Add: false})
	reindex.ApplyWord(Op{Word: "hello", DocID: 1, Add: true})
	require.NoError(t, env.Update(func(w *storage.WriteTxn) error { return reindex.Flush(w) }))

	err := env.View(func(r *storage.ReadTxn) error {
		assert.True(t, WordDocids(r, "hello").Contains(1))
		return nil
	})
	require.NoError(t, err)
}

func TestIndexDocumentWords_ProducesPrefixAndProximityPostings(t *testing.T) {
	env := openTestEnv(t)
	tok := analysis.New(analysis.NormalizeOptions{})
	tokens := tok.Tokenize("quick brown fox")

	buf := NewBuffer()
	buf.IndexDocumentWords(7, 0, tokens, 8, 4)
	require.NoError(t, env.Update(func(w *storage.WriteTxn) error { return buf.Flush(w) }))

	err := env.View(func(r *storage.ReadTxn) error {
		assert.True(t, WordDocids(r, "quick").Contains(7))
		assert.True(t, PrefixDocids(r, "qui").Contains(7))
		assert.True(t, ProximityDocids(r, "quick", "brown", 1).Contains(7))
		assert.True(t, FieldWordCountDocids(r, 0, 3).Contains(7))
		return nil
	})
	require.NoError(t, err)
}
