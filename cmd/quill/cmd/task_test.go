package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolatedDataDir(t *testing.T) string {
	t.Helper()
	dataDir := t.TempDir()
	t.Setenv("QUILL_DATA_DIR", dataDir)
	t.Setenv("QUILL_CONFIG", filepath.Join(dataDir, "no-such-config.yaml"))
	return dataDir
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestTaskEnqueueDocuments_ThenList_RoundTrips(t *testing.T) {
	// Given: an isolated data directory and a JSON documents file
	isolatedDataDir(t)
	docsPath := filepath.Join(t.TempDir(), "docs.json")
	require.NoError(t, os.WriteFile(docsPath, []byte(`[{"id": "1", "title": "hello"}]`), 0o644))

	// When: enqueuing a document addition
	out, err := runCmd(t, "task", "enqueue", "documents", "--primary-key", "id", "products", docsPath)
	require.NoError(t, err)
	assert.Contains(t, out, "enqueued task 1")

	// Then: the task shows up in the list
	listOut, err := runCmd(t, "task", "list")
	require.NoError(t, err)
	var tasks []map[string]any
	require.NoError(t, json.Unmarshal([]byte(listOut), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "products", tasks[0]["IndexUID"])
}

func TestTaskEnqueueDelete_CreatesTask(t *testing.T) {
	isolatedDataDir(t)

	out, err := runCmd(t, "task", "enqueue", "delete", "products", "doc-1", "doc-2")
	require.NoError(t, err)
	assert.Contains(t, out, "2 deletions")
}

func TestTaskEnqueueSettings_CreatesTask(t *testing.T) {
	isolatedDataDir(t)
	settingsPath := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(settingsPath, []byte(`{"searchable_attributes": ["title"]}`), 0o644))

	out, err := runCmd(t, "task", "enqueue", "settings", "products", settingsPath)
	require.NoError(t, err)
	assert.Contains(t, out, "enqueued task")
}

func TestTaskCancel_TransitionsEnqueuedTask(t *testing.T) {
	isolatedDataDir(t)
	_, err := runCmd(t, "task", "enqueue", "delete", "products", "doc-1")
	require.NoError(t, err)

	_, err = runCmd(t, "task", "cancel", "1")
	require.NoError(t, err)

	listOut, err := runCmd(t, "task", "list")
	require.NoError(t, err)
	var tasks []map[string]any
	require.NoError(t, json.Unmarshal([]byte(listOut), &tasks))
	require.Len(t, tasks, 2) // the original task plus the cancelation task itself
	assert.Equal(t, "canceled", tasks[0]["Status"])
}

func TestTaskDelete_RejectsEnqueuedTask(t *testing.T) {
	isolatedDataDir(t)
	_, err := runCmd(t, "task", "enqueue", "delete", "products", "doc-1")
	require.NoError(t, err)

	_, err = runCmd(t, "task", "delete", "1")
	assert.Error(t, err)
}

func TestTaskList_FiltersByIndex(t *testing.T) {
	isolatedDataDir(t)
	_, err := runCmd(t, "task", "enqueue", "delete", "products", "doc-1")
	require.NoError(t, err)
	_, err = runCmd(t, "task", "enqueue", "delete", "reviews", "doc-2")
	require.NoError(t, err)

	out, err := runCmd(t, "task", "list", "--index", "reviews")
	require.NoError(t, err)
	var tasks []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "reviews", tasks[0]["IndexUID"])
}
