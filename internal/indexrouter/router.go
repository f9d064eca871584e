// Package indexrouter is the scheduler.BatchExecutor quill's server command
// installs: it owns every index's on-disk state and routes one autobatch
// Plan at a time to the right place, either a per-index pipeline.Pipeline or
// its own index-lifecycle handling for create/delete/swap. A single index's
// Pipeline has no notion of any other index, so this is where "many indexes,
// one scheduler" actually lives, grounded on the teacher's Coordinator
// pattern of a mutex-guarded struct dispatching work by key.
package indexrouter

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/quillsearch/quill/internal/autobatch"
	qerrors "github.com/quillsearch/quill/internal/errors"
	"github.com/quillsearch/quill/internal/fields"
	"github.com/quillsearch/quill/internal/pipeline"
	"github.com/quillsearch/quill/internal/scheduler"
	"github.com/quillsearch/quill/internal/settingsdiff"
	"github.com/quillsearch/quill/internal/storage"
	"github.com/quillsearch/quill/internal/taskstore"
	"github.com/quillsearch/quill/internal/vectorstore"
)

// Router lazily opens and caches one pipeline.Pipeline per index, and
// implements scheduler.BatchExecutor over all of them.
type Router struct {
	mu       sync.Mutex
	dataDir  string
	storage  storage.Options
	queue    *scheduler.Queue
	payloads *taskstore.Store
	log      *slog.Logger

	open map[string]*openIndex
}

type openIndex struct {
	env      *storage.Environment
	fieldMap *fields.Map
	pipeline *pipeline.Pipeline
}

// New constructs a Router. dataDir is the root directory under which every
// index gets its own "<dataDir>/indexes/<uid>" storage directory.
func New(dataDir string, opts storage.Options, queue *scheduler.Queue, payloads *taskstore.Store, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		dataDir:  dataDir,
		storage:  opts,
		queue:    queue,
		payloads: payloads,
		log:      log,
		open:     make(map[string]*openIndex),
	}
}

func (r *Router) indexDir(indexUID string) string {
	return filepath.Join(r.dataDir, "indexes", indexUID)
}

func (r *Router) indexExists(indexUID string) bool {
	_, err := os.Stat(r.indexDir(indexUID))
	return err == nil
}

// Execute implements scheduler.BatchExecutor, dispatching index-lifecycle
// batches to the router itself and everything else to the target index's
// Pipeline.
func (r *Router) Execute(ctx context.Context, batchUID uint64, plan *autobatch.Plan) error {
	switch plan.Kind {
	case autobatch.OpIndexCreate:
		return r.createIndex(plan)
	case autobatch.OpIndexDelete:
		return r.deleteIndex(plan)
	case autobatch.OpIndexSwap:
		return r.swapIndexes(plan)
	default:
		p, err := r.pipelineFor(plan.IndexUID)
		if err != nil {
			return err
		}
		return p.Execute(ctx, batchUID, plan)
	}
}

// pipelineFor returns the cached Pipeline for indexUID, opening and
// restoring it from disk on first use.
func (r *Router) pipelineFor(indexUID string) (*pipeline.Pipeline, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if oi, ok := r.open[indexUID]; ok {
		return oi.pipeline, nil
	}

	if !r.indexExists(indexUID) {
		return nil, qerrors.StateError(qerrors.ErrCodeIndexNotFound,
			fmt.Sprintf("index %q does not exist", indexUID), nil)
	}

	oi, err := r.openIndex(indexUID)
	if err != nil {
		return nil, err
	}
	r.open[indexUID] = oi
	return oi.pipeline, nil
}

func (r *Router) openIndex(indexUID string) (*openIndex, error) {
	env, err := storage.Open(r.indexDir(indexUID), indexUID, r.storage)
	if err != nil {
		return nil, err
	}

	fieldMap, settings, vectors, err := RestoreState(env)
	if err != nil {
		_ = env.Close()
		return nil, err
	}

	p := pipeline.New(env, fieldMap, settings, vectors, r.payloads, r.log.With("index", indexUID))
	return &openIndex{env: env, fieldMap: fieldMap, pipeline: p}, nil
}

// RestoreState reads back an index's persisted field map and settings and
// resolves its runtime pipeline.Settings and vector stores, for any caller
// that opens a storage.Environment directly: the router on batch dispatch,
// and read-only CLI commands (search, index settings) that never go
// through a Pipeline at all.
func RestoreState(env *storage.Environment) (*fields.Map, pipeline.Settings, map[string]*vectorstore.Store, error) {
	fieldMap := fields.New()
	var diffSettings *settingsdiff.Settings
	if err := env.View(func(rd *storage.ReadTxn) error {
		if raw := rd.Get(storage.BucketFieldsIDsMap, []byte("map")); raw != nil {
			if err := json.Unmarshal(raw, fieldMap); err != nil {
				return qerrors.InternalError("failed to decode field map", err)
			}
		}
		s, err := pipeline.LoadSettings(rd)
		if err != nil {
			return err
		}
		diffSettings = s
		return nil
	}); err != nil {
		return nil, pipeline.Settings{}, nil, err
	}

	settings := pipeline.DefaultSettings()
	var err error
	if diffSettings != nil {
		settings, err = pipeline.ResolveSettings(settings, *diffSettings)
		if err != nil {
			return nil, pipeline.Settings{}, nil, err
		}
	}

	vectors := make(map[string]*vectorstore.Store)
	if err := env.View(func(rd *storage.ReadTxn) error {
		for name, binding := range settings.Embedders {
			cfg := vectorstore.DefaultConfig(name, binding.Embedder.Dimensions())
			store, err := vectorstore.Load(rd, name, cfg)
			if err != nil {
				return err
			}
			vectors[name] = store
		}
		return nil
	}); err != nil {
		return nil, pipeline.Settings{}, nil, err
	}

	return fieldMap, settings, vectors, nil
}

// close evicts and closes a cached index, forcing the next pipelineFor call
// to reopen and restore it from disk.
func (r *Router) close(indexUID string) {
	if oi, ok := r.open[indexUID]; ok {
		_ = oi.env.Close()
		delete(r.open, indexUID)
	}
}

// Close closes every cached index environment, for a clean server shutdown.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for uid, oi := range r.open {
		if err := oi.env.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.open, uid)
	}
	return firstErr
}

func (r *Router) createIndex(plan *autobatch.Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexExists(plan.IndexUID) {
		return qerrors.StateError(qerrors.ErrCodeIndexAlreadyExists,
			fmt.Sprintf("index %q already exists", plan.IndexUID), nil)
	}

	env, err := storage.Open(r.indexDir(plan.IndexUID), plan.IndexUID, r.storage)
	if err != nil {
		return err
	}

	settings := pipeline.DefaultSettings()
	if plan.PrimaryKey != nil {
		settings.PrimaryKey = *plan.PrimaryKey
	}
	diff := settingsdiff.Settings{}
	if plan.PrimaryKey != nil {
		diff.PrimaryKey = plan.PrimaryKey
	}
	if err := env.Update(func(w *storage.WriteTxn) error {
		data, err := json.Marshal(diff)
		if err != nil {
			return qerrors.InternalError("failed to encode settings", err)
		}
		return w.Put(storage.BucketSettings, []byte("settings"), data)
	}); err != nil {
		_ = env.Close()
		return err
	}

	r.log.Info("created index", "index", plan.IndexUID)
	return env.Close()
}

// deleteIndex removes an index's entire on-disk storage directory. Per
// spec, deletion is idempotent on a non-existent target when the delete
// task is the one that observed creation never happened, so a missing
// directory is not itself an error here.
func (r *Router) deleteIndex(plan *autobatch.Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.close(plan.IndexUID)

	if !r.indexExists(plan.IndexUID) {
		return nil
	}
	if err := os.RemoveAll(r.indexDir(plan.IndexUID)); err != nil {
		return qerrors.IOError(fmt.Sprintf("failed to remove index %q", plan.IndexUID), err)
	}
	r.log.Info("deleted index", "index", plan.IndexUID)
	return nil
}

// swapIndexes exchanges the on-disk contents of two indexes by renaming
// their storage directories past one another, so callers that search by
// name see the other index's documents with zero downtime. plan.IndexUID
// names one side of the swap; the other is recovered from the task's
// details, since autobatch.Plan itself only ever carries a single IndexUID.
func (r *Router) swapIndexes(plan *autobatch.Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	other, err := r.swapTarget(plan.TaskUIDs)
	if err != nil {
		return err
	}

	if !r.indexExists(plan.IndexUID) {
		return qerrors.StateError(qerrors.ErrCodeSwapIndexNotFound,
			fmt.Sprintf("index %q does not exist", plan.IndexUID), nil)
	}
	if !r.indexExists(other) {
		return qerrors.StateError(qerrors.ErrCodeSwapIndexNotFound,
			fmt.Sprintf("index %q does not exist", other), nil)
	}

	r.close(plan.IndexUID)
	r.close(other)

	tmp := r.indexDir(plan.IndexUID) + ".swap-tmp"
	if err := os.Rename(r.indexDir(plan.IndexUID), tmp); err != nil {
		return qerrors.IOError("failed to stage index swap", err)
	}
	if err := os.Rename(r.indexDir(other), r.indexDir(plan.IndexUID)); err != nil {
		return qerrors.IOError("failed to complete index swap", err)
	}
	if err := os.Rename(tmp, r.indexDir(other)); err != nil {
		return qerrors.IOError("failed to complete index swap", err)
	}

	r.log.Info("swapped indexes", "index", plan.IndexUID, "with", other)
	return nil
}

// swapTarget reads the swap's counterpart index uid from the first task in
// the plan's Details, where the caller that enqueued the swap recorded it.
func (r *Router) swapTarget(taskUIDs []uint64) (string, error) {
	if len(taskUIDs) == 0 {
		return "", qerrors.InternalError("index swap batch carries no task", nil)
	}
	t, err := r.queue.Get(taskUIDs[0])
	if err != nil {
		return "", err
	}
	other, ok := t.Details["swap_with"]
	if !ok || other == "" {
		return "", qerrors.InternalError("index swap task is missing its swap_with detail", nil)
	}
	return other, nil
}

// PruneTask implements scheduler.PayloadPruner, so a task-deletion batch
// also drops the deleted task's staged payload rather than leaking it
// forever in the payload store.
func (r *Router) PruneTask(uid uint64) error {
	return r.payloads.Delete(uid)
}

// Snapshot implements scheduler.Snapshotter: a consistent point-in-time copy
// of the task queue and every index's storage environment under destDir,
// one bbolt CopyFile per environment (spec §4.10 step 2.3 — "snapshot all
// environments under a single consistent read snapshot"; each environment
// snapshots under its own transaction since bbolt has no cross-database
// transaction, which is as consistent as quill's storage model gets without
// a global write lock across every index).
func (r *Router) Snapshot(ctx context.Context, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return qerrors.IOError("failed to create snapshot directory", err)
	}
	if err := r.queue.Snapshot(filepath.Join(destDir, "tasks.bolt")); err != nil {
		return err
	}

	indexesRoot := filepath.Join(r.dataDir, "indexes")
	entries, err := os.ReadDir(indexesRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return qerrors.IOError("failed to list indexes", err)
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.IsDir() {
			continue
		}
		uid := e.Name()
		dest := filepath.Join(destDir, "indexes", uid, "data.bolt")
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return qerrors.IOError("failed to create snapshot directory", err)
		}
		if err := r.snapshotIndex(uid, dest); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) snapshotIndex(uid, dest string) error {
	r.mu.Lock()
	oi, cached := r.open[uid]
	r.mu.Unlock()
	if cached {
		return oi.env.SnapshotTo(dest)
	}

	env, err := storage.Open(r.indexDir(uid), uid, r.storage)
	if err != nil {
		return err
	}
	defer env.Close()
	return env.SnapshotTo(dest)
}

// Dump implements scheduler.Dumper: every task, every index's documents and
// settings (which, for an index with embedders configured, already carries
// their connection keys), streamed into a single tar.gz archive under
// destDir. The exact archive layout is quill's own — only that one exists,
// not its byte format, is load-bearing.
func (r *Router) Dump(ctx context.Context, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return qerrors.IOError("failed to create dump directory", err)
	}
	f, err := os.Create(filepath.Join(destDir, "dump.tar.gz"))
	if err != nil {
		return qerrors.IOError("failed to create dump archive", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	tasks, err := r.queue.List(scheduler.Filter{})
	if err != nil {
		return err
	}
	if err := writeJSONTarEntry(tw, "tasks.json", tasks); err != nil {
		return err
	}

	indexesRoot := filepath.Join(r.dataDir, "indexes")
	entries, err := os.ReadDir(indexesRoot)
	if err != nil && !os.IsNotExist(err) {
		return qerrors.IOError("failed to list indexes", err)
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.IsDir() {
			continue
		}
		if err := r.dumpIndex(tw, e.Name()); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return qerrors.IOError("failed to finalize dump archive", err)
	}
	if err := gz.Close(); err != nil {
		return qerrors.IOError("failed to finalize dump archive", err)
	}
	return nil
}

func (r *Router) dumpIndex(tw *tar.Writer, uid string) error {
	r.mu.Lock()
	oi, cached := r.open[uid]
	r.mu.Unlock()

	var env *storage.Environment
	if cached {
		env = oi.env
	} else {
		var err error
		env, err = storage.Open(r.indexDir(uid), uid, r.storage)
		if err != nil {
			return err
		}
		defer env.Close()
	}

	return env.View(func(rd *storage.ReadTxn) error {
		if raw := rd.Get(storage.BucketSettings, []byte("settings")); raw != nil {
			if err := writeTarEntry(tw, filepath.Join("indexes", uid, "settings.json"), raw); err != nil {
				return err
			}
		}
		var buf bytes.Buffer
		if err := rd.ForEach(storage.BucketDocuments, func(_, v []byte) error {
			buf.Write(v)
			buf.WriteByte('\n')
			return nil
		}); err != nil {
			return err
		}
		return writeTarEntry(tw, filepath.Join("indexes", uid, "documents.jsonl"), buf.Bytes())
	})
}

func writeJSONTarEntry(tw *tar.Writer, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return qerrors.InternalError("failed to encode dump entry", err)
	}
	return writeTarEntry(tw, name, data)
}

func writeTarEntry(tw *tar.Writer, name string, data []byte) error {
	if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o600, Size: int64(len(data))}); err != nil {
		return qerrors.IOError("failed to write dump entry header", err)
	}
	_, err := tw.Write(data)
	return err
}
