package cmd

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillsearch/quill/internal/storage"
)

func TestSearch_EmptyIndex_ReturnsZeroHits(t *testing.T) {
	// Given: an isolated data directory with a freshly created, empty index
	dataDir := isolatedDataDir(t)
	indexDir := filepath.Join(dataDir, "indexes", "products")
	env, err := storage.Open(indexDir, "products", storage.DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, env.Update(func(w *storage.WriteTxn) error {
		return w.Put(storage.BucketSettings, []byte("settings"), []byte(`{}`))
	}))
	require.NoError(t, env.Close())

	// When: searching the index
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"search", "products", "hello"})
	err = cmd.Execute()

	// Then: it succeeds and reports zero hits
	require.NoError(t, err)
	var result map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &result))
	hits, ok := result["Hits"].([]any)
	require.True(t, ok)
	assert.Empty(t, hits)
}

func TestSearch_NonExistentIndex_Errors(t *testing.T) {
	isolatedDataDir(t)

	_, err := runCmd(t, "search", "ghost", "hello")
	assert.Error(t, err)
}
