package indexrouter

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillsearch/quill/internal/autobatch"
	"github.com/quillsearch/quill/internal/pipeline"
	"github.com/quillsearch/quill/internal/scheduler"
	"github.com/quillsearch/quill/internal/storage"
	"github.com/quillsearch/quill/internal/taskstore"
)

func newTestRouter(t *testing.T) (*Router, *scheduler.Queue) {
	t.Helper()
	queueDir := t.TempDir()
	queue, err := scheduler.Open(queueDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = queue.Close() })

	payloads, err := taskstore.Open(queueDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = payloads.Close() })

	dataDir := t.TempDir()
	r := New(dataDir, storage.DefaultOptions(), queue, payloads, nil)
	t.Cleanup(func() { _ = r.Close() })
	return r, queue
}

func TestExecute_CreateIndex_WritesIndexDirectory(t *testing.T) {
	r, _ := newTestRouter(t)

	err := r.Execute(context.Background(), 1, &autobatch.Plan{
		TaskUIDs: []uint64{1},
		IndexUID: "products",
		Kind:     autobatch.OpIndexCreate,
	})
	require.NoError(t, err)

	assert.True(t, r.indexExists("products"))
}

func TestExecute_CreateIndex_RejectsDuplicate(t *testing.T) {
	r, _ := newTestRouter(t)
	plan := &autobatch.Plan{TaskUIDs: []uint64{1}, IndexUID: "products", Kind: autobatch.OpIndexCreate}
	require.NoError(t, r.Execute(context.Background(), 1, plan))

	err := r.Execute(context.Background(), 2, plan)
	assert.Error(t, err)
}

func TestExecute_DeleteIndex_IsIdempotent(t *testing.T) {
	r, _ := newTestRouter(t)

	err := r.Execute(context.Background(), 1, &autobatch.Plan{
		TaskUIDs: []uint64{1},
		IndexUID: "ghost",
		Kind:     autobatch.OpIndexDelete,
	})
	assert.NoError(t, err)
}

func TestExecute_DeleteIndex_RemovesDirectoryAndEvictsCache(t *testing.T) {
	r, _ := newTestRouter(t)
	createPlan := &autobatch.Plan{TaskUIDs: []uint64{1}, IndexUID: "products", Kind: autobatch.OpIndexCreate}
	require.NoError(t, r.Execute(context.Background(), 1, createPlan))

	_, err := r.pipelineFor("products")
	require.NoError(t, err)

	deletePlan := &autobatch.Plan{TaskUIDs: []uint64{2}, IndexUID: "products", Kind: autobatch.OpIndexDelete}
	require.NoError(t, r.Execute(context.Background(), 2, deletePlan))

	assert.False(t, r.indexExists("products"))
	_, stillCached := r.open["products"]
	assert.False(t, stillCached)
}

func TestExecute_SwapIndexes_ExchangesDirectories(t *testing.T) {
	r, queue := newTestRouter(t)

	require.NoError(t, r.Execute(context.Background(), 1, &autobatch.Plan{
		TaskUIDs: []uint64{1}, IndexUID: "a", Kind: autobatch.OpIndexCreate,
	}))
	require.NoError(t, r.Execute(context.Background(), 2, &autobatch.Plan{
		TaskUIDs: []uint64{2}, IndexUID: "b", Kind: autobatch.OpIndexCreate,
	}))

	// Mark each index's directory with a sentinel file so the swap's effect
	// is directly observable.
	require.NoError(t, os.WriteFile(filepath.Join(r.indexDir("a"), "sentinel"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(r.indexDir("b"), "sentinel"), []byte("b"), 0o644))

	swapTask, err := queue.Enqueue(scheduler.Task{
		IndexUID: "a",
		Kind:     scheduler.KindIndexSwap,
		Details:  map[string]string{"swap_with": "b"},
	})
	require.NoError(t, err)

	err = r.Execute(context.Background(), 3, &autobatch.Plan{
		TaskUIDs: []uint64{swapTask.UID}, IndexUID: "a", Kind: autobatch.OpIndexSwap,
	})
	require.NoError(t, err)

	gotA, err := os.ReadFile(filepath.Join(r.indexDir("a"), "sentinel"))
	require.NoError(t, err)
	assert.Equal(t, "b", string(gotA))

	gotB, err := os.ReadFile(filepath.Join(r.indexDir("b"), "sentinel"))
	require.NoError(t, err)
	assert.Equal(t, "a", string(gotB))
}

func TestExecute_SwapIndexes_ErrorsWithoutSwapWithDetail(t *testing.T) {
	r, queue := newTestRouter(t)
	require.NoError(t, r.Execute(context.Background(), 1, &autobatch.Plan{
		TaskUIDs: []uint64{1}, IndexUID: "a", Kind: autobatch.OpIndexCreate,
	}))

	swapTask, err := queue.Enqueue(scheduler.Task{IndexUID: "a", Kind: scheduler.KindIndexSwap})
	require.NoError(t, err)

	err = r.Execute(context.Background(), 2, &autobatch.Plan{
		TaskUIDs: []uint64{swapTask.UID}, IndexUID: "a", Kind: autobatch.OpIndexSwap,
	})
	assert.Error(t, err)
}

func TestPipelineFor_ReturnsNotFoundForMissingIndex(t *testing.T) {
	r, _ := newTestRouter(t)
	_, err := r.pipelineFor("missing")
	assert.Error(t, err)
}

func TestPipelineFor_CachesOpenPipeline(t *testing.T) {
	r, _ := newTestRouter(t)
	require.NoError(t, r.Execute(context.Background(), 1, &autobatch.Plan{
		TaskUIDs: []uint64{1}, IndexUID: "products", Kind: autobatch.OpIndexCreate,
	}))

	p1, err := r.pipelineFor("products")
	require.NoError(t, err)
	p2, err := r.pipelineFor("products")
	require.NoError(t, err)
	assert.Same(t, p1, p2)
}

func TestSnapshot_CopiesTaskQueueAndEveryIndexEnvironment(t *testing.T) {
	r, _ := newTestRouter(t)
	require.NoError(t, r.Execute(context.Background(), 1, &autobatch.Plan{
		TaskUIDs: []uint64{1}, IndexUID: "cached", Kind: autobatch.OpIndexCreate,
	}))
	require.NoError(t, r.Execute(context.Background(), 2, &autobatch.Plan{
		TaskUIDs: []uint64{2}, IndexUID: "uncached", Kind: autobatch.OpIndexCreate,
	}))
	// Open "cached" into the router's cache, but leave "uncached" untouched
	// on disk so Snapshot has to exercise both its cached and cold paths.
	_, err := r.pipelineFor("cached")
	require.NoError(t, err)

	dest := t.TempDir()
	require.NoError(t, r.Snapshot(context.Background(), dest))

	assert.FileExists(t, filepath.Join(dest, "tasks.bolt"))
	assert.FileExists(t, filepath.Join(dest, "indexes", "cached", "data.bolt"))
	assert.FileExists(t, filepath.Join(dest, "indexes", "uncached", "data.bolt"))
}

func TestDump_WritesArchiveContainingTasksAndIndexState(t *testing.T) {
	r, queue := newTestRouter(t)
	require.NoError(t, r.Execute(context.Background(), 1, &autobatch.Plan{
		TaskUIDs: []uint64{1}, IndexUID: "products", Kind: autobatch.OpIndexCreate,
	}))
	_, err := queue.Enqueue(scheduler.Task{IndexUID: "products", Kind: scheduler.KindDocumentAdd})
	require.NoError(t, err)

	dest := t.TempDir()
	require.NoError(t, r.Dump(context.Background(), dest))

	f, err := os.Open(filepath.Join(dest, "dump.tar.gz"))
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()

	names := make(map[string]bool)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names[hdr.Name] = true
	}

	assert.True(t, names["tasks.json"])
	assert.True(t, names[filepath.Join("indexes", "products", "settings.json")])
	assert.True(t, names[filepath.Join("indexes", "products", "documents.jsonl")])
}

func TestPruneTask_DeletesStoredPayload(t *testing.T) {
	queueDir := t.TempDir()
	queue, err := scheduler.Open(queueDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = queue.Close() })

	payloads, err := taskstore.Open(queueDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = payloads.Close() })

	r := New(t.TempDir(), storage.DefaultOptions(), queue, payloads, nil)
	t.Cleanup(func() { _ = r.Close() })

	require.NoError(t, payloads.PutDocumentChanges(7, []pipeline.DocumentChange{{ExternalID: "doc-1"}}))

	require.NoError(t, r.PruneTask(7))

	_, err = payloads.DocumentChanges(7)
	assert.Error(t, err)
}
