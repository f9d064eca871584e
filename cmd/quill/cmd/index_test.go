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

func TestIndexCreate_EnqueuesCreationTask(t *testing.T) {
	isolatedDataDir(t)

	out, err := runCmd(t, "index", "create", "--primary-key", "sku", "products")
	require.NoError(t, err)
	assert.Contains(t, out, "enqueued task 1")

	listOut, err := runCmd(t, "task", "list")
	require.NoError(t, err)
	var tasks []map[string]any
	require.NoError(t, json.Unmarshal([]byte(listOut), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "indexCreation", tasks[0]["Kind"])
}

func TestIndexDelete_EnqueuesDeletionTask(t *testing.T) {
	isolatedDataDir(t)
	_, err := runCmd(t, "index", "delete", "products")
	require.NoError(t, err)

	listOut, err := runCmd(t, "task", "list")
	require.NoError(t, err)
	var tasks []map[string]any
	require.NoError(t, json.Unmarshal([]byte(listOut), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "indexDeletion", tasks[0]["Kind"])
}

func TestIndexSwap_EnqueuesSwapTaskWithDetail(t *testing.T) {
	isolatedDataDir(t)
	_, err := runCmd(t, "index", "swap", "a", "b")
	require.NoError(t, err)

	listOut, err := runCmd(t, "task", "list")
	require.NoError(t, err)
	var tasks []map[string]any
	require.NoError(t, json.Unmarshal([]byte(listOut), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "indexSwap", tasks[0]["Kind"])
	details := tasks[0]["Details"].(map[string]any)
	assert.Equal(t, "b", details["swap_with"])
}

func TestIndexSettings_PrintsResolvedSettings(t *testing.T) {
	dataDir := isolatedDataDir(t)

	indexDir := filepath.Join(dataDir, "indexes", "products")
	env, err := storage.Open(indexDir, "products", storage.DefaultOptions())
	require.NoError(t, err)

	require.NoError(t, env.Update(func(w *storage.WriteTxn) error {
		return w.Put(storage.BucketSettings, []byte("settings"), []byte(`{}`))
	}))
	require.NoError(t, env.Close())

	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"index", "settings", "products"})
	require.NoError(t, cmd.Execute())

	var settings map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &settings))
	assert.Contains(t, settings, "SearchableAttributes")
}
