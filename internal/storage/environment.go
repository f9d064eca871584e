package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	bolt "go.etcd.io/bbolt"

	qerrors "github.com/quillsearch/quill/internal/errors"
)


// Environment is a single bbolt-backed storage environment for one index.
// It enforces the single-writer guarantee two ways: bbolt's own mutex for
// in-process writers, and a gofrs/flock advisory lock for cross-process
// writers opening the same data directory.
type Environment struct {
	mu       sync.RWMutex
	db       *bolt.DB
	lock     *flock.Flock
	path     string
	indexUID string
}

// Options configures an Environment.
type Options struct {
	// MapSizeBytes holds the configured map size. Open does not pass it to
	// bbolt and no write checks it, so the file grows without a cap and
	// ErrCodeMapSizeExceeded is never raised.
	MapSizeBytes int64

	// Timeout bounds how long Open waits for the cross-process write lock.
	Timeout time.Duration
}

// DefaultOptions returns sane defaults: 4 GiB map size, 5s lock timeout.
func DefaultOptions() Options {
	return Options{
		MapSizeBytes: 4 << 30,
		Timeout:      5 * time.Second,
	}
}

// Open opens (creating if absent) the storage environment for indexUID under
// dir. dir typically is "<dataDir>/indexes/<indexUID>".
func Open(dir, indexUID string, opts Options) (*Environment, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, qerrors.IOError(fmt.Sprintf("cannot create index directory %s", dir), err)
	}

	lockTimeout := opts.Timeout
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	lockCtx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	lockPath := filepath.Join(dir, ".lock")
	fl := flock.New(lockPath)
	ok, err := fl.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return nil, qerrors.IOError("failed to acquire storage write lock", err)
	}
	if !ok {
		return nil, qerrors.IOError(
			fmt.Sprintf("index %s is locked by another quill process", indexUID), nil)
	}

	dbPath := filepath.Join(dir, "data.bolt")
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: opts.Timeout})
	if err != nil {
		_ = fl.Unlock()
		return nil, qerrors.Wrap(qerrors.ErrCodeCorruptedStore, err)
	}

	env := &Environment{db: db, lock: fl, path: dbPath, indexUID: indexUID}
	if err := env.ensureBuckets(); err != nil {
		_ = db.Close()
		_ = fl.Unlock()
		return nil, err
	}
	return env, nil
}

func (e *Environment) ensureBuckets() error {
	return e.db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets() {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return qerrors.Wrap(qerrors.ErrCodeCorruptedStore, err)
			}
		}
		return nil
	})
}

// Close releases the bolt database and the cross-process write lock.
func (e *Environment) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.db.Close()
	if unlockErr := e.lock.Unlock(); unlockErr != nil && err == nil {
		err = unlockErr
	}
	return err
}

// IndexUID returns the index identifier this environment serves.
func (e *Environment) IndexUID() string { return e.indexUID }

// SnapshotTo writes a consistent point-in-time copy of this environment's
// database to path, using bbolt's own read-transaction-scoped CopyFile so a
// concurrent writer never corrupts the snapshot.
func (e *Environment) SnapshotTo(path string) error {
	return e.db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(path, 0o600)
	})
}

// ReadTxn is a read-only snapshot. It is safe to use from multiple
// goroutines concurrently and sees a consistent point-in-time view even
// while writers continue.
type ReadTxn struct {
	tx *bolt.Tx
}

// View runs fn against a read-only snapshot. The snapshot is released when
// fn returns; fn must not retain the ReadTxn past its call.
func (e *Environment) View(fn func(*ReadTxn) error) error {
	return e.db.View(func(tx *bolt.Tx) error {
		return fn(&ReadTxn{tx: tx})
	})
}

func (r *ReadTxn) bucket(name []byte) *bolt.Bucket { return r.tx.Bucket(name) }

// Get reads a single value from the named bucket. Returns nil, nil if absent.
func (r *ReadTxn) Get(bucket, key []byte) []byte {
	b := r.bucket(bucket)
	if b == nil {
		return nil
	}
	v := b.Get(key)
	if v == nil {
		return nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

// ForEach iterates every key/value pair in bucket in lexicographic key order.
func (r *ReadTxn) ForEach(bucket []byte, fn func(k, v []byte) error) error {
	b := r.bucket(bucket)
	if b == nil {
		return nil
	}
	return b.ForEach(fn)
}

// WriteTxn is the single mutating transaction for an Environment. quill
// holds at most one WriteTxn open per index at a time; commit is atomic
// across every bucket touched within it, matching the "C1 commits
// atomically" guarantee every other component relies on.
type WriteTxn struct {
	tx *bolt.Tx
}

// Update runs fn inside a single atomic write transaction. If fn returns an
// error the whole transaction rolls back; nothing partially touched by fn
// becomes visible to readers.
func (e *Environment) Update(fn func(*WriteTxn) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.db.Update(func(tx *bolt.Tx) error {
		return fn(&WriteTxn{tx: tx})
	})
}

func (w *WriteTxn) bucket(name []byte) (*bolt.Bucket, error) {
	b := w.tx.Bucket(name)
	if b == nil {
		return nil, qerrors.Wrap(qerrors.ErrCodeCorruptedStore, fmt.Errorf("missing bucket %q", name))
	}
	return b, nil
}

// Put writes key -> value into bucket.
func (w *WriteTxn) Put(bucket, key, value []byte) error {
	b, err := w.bucket(bucket)
	if err != nil {
		return err
	}
	return b.Put(key, value)
}

// Delete removes key from bucket. Deleting an absent key is a no-op.
func (w *WriteTxn) Delete(bucket, key []byte) error {
	b, err := w.bucket(bucket)
	if err != nil {
		return err
	}
	return b.Delete(key)
}

// Get reads a single value from bucket within the write transaction, so
// writers can read-modify-write consistently without a separate read txn.
func (w *WriteTxn) Get(bucket, key []byte) []byte {
	b := w.tx.Bucket(bucket)
	if b == nil {
		return nil
	}
	return b.Get(key)
}

// ForEach iterates bucket within the write transaction.
func (w *WriteTxn) ForEach(bucket []byte, fn func(k, v []byte) error) error {
	b := w.tx.Bucket(bucket)
	if b == nil {
		return nil
	}
	return b.ForEach(fn)
}

// ClearBucket deletes and recreates bucket, discarding every key it holds.
// Used by a full reindex (settings change invalidating a whole sub-database)
// to start from an empty bucket rather than retracting each stale key
// individually.
func (w *WriteTxn) ClearBucket(bucket []byte) error {
	if err := w.tx.DeleteBucket(bucket); err != nil && err != bolt.ErrBucketNotFound {
		return err
	}
	_, err := w.tx.CreateBucket(bucket)
	return err
}

// VectorBucketName exposes the per-embedder vector bucket naming scheme so
// internal/vectorstore can address its own sub-database without importing
// unexported storage internals.
func VectorBucketName(embedder string) []byte { return vectorBucket(embedder) }

// EnsureVectorBucket creates the named embedder's vector bucket if absent.
func (w *WriteTxn) EnsureVectorBucket(embedder string) error {
	_, err := w.tx.CreateBucketIfNotExists(vectorBucket(embedder))
	return err
}
