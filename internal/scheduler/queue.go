package scheduler

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	qerrors "github.com/quillsearch/quill/internal/errors"
)

var (
	bucketTasks     = []byte("tasks")
	bucketByStatus  = []byte("by_status")
	bucketByKind    = []byte("by_kind")
	bucketByIndex   = []byte("by_index")
	bucketMeta      = []byte("meta")
	keyNextTaskUID  = []byte("next_task_uid")
	keyNextBatchUID = []byte("next_batch_uid")
)

// Queue is the persistent task queue, one per quill instance (spanning every
// index it manages).
type Queue struct {
	mu sync.Mutex
	db *bolt.DB
}

// Open opens (creating if absent) the task queue database under dir.
func Open(dir string) (*Queue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, qerrors.IOError(fmt.Sprintf("cannot create task queue directory %s", dir), err)
	}
	db, err := bolt.Open(filepath.Join(dir, "tasks.bolt"), 0o600, nil)
	if err != nil {
		return nil, qerrors.Wrap(qerrors.ErrCodeCorruptedTaskQueue, err)
	}
	q := &Queue{db: db}
	if err := q.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) init() error {
	return q.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketTasks, bucketByStatus, bucketByKind, bucketByIndex, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the underlying database.
func (q *Queue) Close() error { return q.db.Close() }

// Enqueue persists a new task, allocating its UID, and returns the stored Task.
func (q *Queue) Enqueue(t Task) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	err := q.db.Update(func(tx *bolt.Tx) error {
		uid, err := nextSeq(tx, keyNextTaskUID)
		if err != nil {
			return err
		}
		t.UID = uid
		t.Status = StatusEnqueued

		if err := putTask(tx, t); err != nil {
			return err
		}
		return indexTask(tx, t)
	})
	return t, err
}

// nextSeq atomically increments and returns the counter stored at key in
// bucketMeta, starting from 1.
func nextSeq(tx *bolt.Tx, key []byte) (uint64, error) {
	b := tx.Bucket(bucketMeta)
	var next uint64 = 1
	if raw := b.Get(key); raw != nil {
		next = binary.BigEndian.Uint64(raw) + 1
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	return next, b.Put(key, buf)
}

func uidKey(uid uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uid)
	return buf
}

func putTask(tx *bolt.Tx, t Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketTasks).Put(uidKey(t.UID), data)
}

func indexTask(tx *bolt.Tx, t Task) error {
	if err := addToSet(tx.Bucket(bucketByStatus), []byte(t.Status), t.UID); err != nil {
		return err
	}
	if err := addToSet(tx.Bucket(bucketByKind), []byte(t.Kind), t.UID); err != nil {
		return err
	}
	return addToSet(tx.Bucket(bucketByIndex), []byte(t.IndexUID), t.UID)
}

func deindexTask(tx *bolt.Tx, t Task) error {
	if err := removeFromSet(tx.Bucket(bucketByStatus), []byte(t.Status), t.UID); err != nil {
		return err
	}
	if err := removeFromSet(tx.Bucket(bucketByKind), []byte(t.Kind), t.UID); err != nil {
		return err
	}
	return removeFromSet(tx.Bucket(bucketByIndex), []byte(t.IndexUID), t.UID)
}

// addToSet/removeFromSet store a reverse index as a JSON array of task UIDs
// per key. A bitmap would scale further, but task counts are orders of
// magnitude smaller than document counts, so the simpler encoding is fine.
func addToSet(b *bolt.Bucket, key []byte, uid uint64) error {
	set, err := readSet(b, key)
	if err != nil {
		return err
	}
	set[uid] = true
	return writeSet(b, key, set)
}

func removeFromSet(b *bolt.Bucket, key []byte, uid uint64) error {
	set, err := readSet(b, key)
	if err != nil {
		return err
	}
	delete(set, uid)
	return writeSet(b, key, set)
}

func readSet(b *bolt.Bucket, key []byte) (map[uint64]bool, error) {
	set := make(map[uint64]bool)
	raw := b.Get(key)
	if raw == nil {
		return set, nil
	}
	var uids []uint64
	if err := json.Unmarshal(raw, &uids); err != nil {
		return nil, err
	}
	for _, u := range uids {
		set[u] = true
	}
	return set, nil
}

func writeSet(b *bolt.Bucket, key []byte, set map[uint64]bool) error {
	if len(set) == 0 {
		return b.Delete(key)
	}
	uids := make([]uint64, 0, len(set))
	for u := range set {
		uids = append(uids, u)
	}
	data, err := json.Marshal(uids)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// Get returns the task with the given UID.
func (q *Queue) Get(uid uint64) (Task, error) {
	var t Task
	err := q.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketTasks).Get(uidKey(uid))
		if raw == nil {
			return qerrors.StateError(qerrors.ErrCodeTaskNotFound, fmt.Sprintf("task %d not found", uid), nil)
		}
		return json.Unmarshal(raw, &t)
	})
	return t, err
}

// Filter selects tasks by optional status/kind/indexUid; any nil/empty
// filter field matches everything for that dimension.
type Filter struct {
	Status   *Status
	Kind     *Kind
	IndexUID *string
}

// List returns every task matching filter, ordered by UID ascending.
func (q *Queue) List(f Filter) ([]Task, error) {
	var out []Task
	err := q.db.View(func(tx *bolt.Tx) error {
		var candidates map[uint64]bool
		if f.Status != nil {
			candidates = intersect(candidates, mustSet(tx.Bucket(bucketByStatus), []byte(*f.Status)))
		}
		if f.Kind != nil {
			candidates = intersect(candidates, mustSet(tx.Bucket(bucketByKind), []byte(*f.Kind)))
		}
		if f.IndexUID != nil {
			candidates = intersect(candidates, mustSet(tx.Bucket(bucketByIndex), []byte(*f.IndexUID)))
		}

		b := tx.Bucket(bucketTasks)
		appendTask := func(raw []byte) error {
			var t Task
			if err := json.Unmarshal(raw, &t); err != nil {
				return err
			}
			out = append(out, t)
			return nil
		}

		if candidates == nil {
			return b.ForEach(func(_, v []byte) error { return appendTask(v) })
		}
		uids := make([]uint64, 0, len(candidates))
		for u := range candidates {
			uids = append(uids, u)
		}
		sortUint64s(uids)
		for _, uid := range uids {
			if raw := b.Get(uidKey(uid)); raw != nil {
				if err := appendTask(raw); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return out, err
}

func mustSet(b *bolt.Bucket, key []byte) map[uint64]bool {
	set, _ := readSet(b, key)
	return set
}

func intersect(a, b map[uint64]bool) map[uint64]bool {
	if a == nil {
		return b
	}
	out := make(map[uint64]bool)
	for u := range a {
		if b[u] {
			out[u] = true
		}
	}
	return out
}

func sortUint64s(s []uint64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Update applies mutate to the persisted task and re-indexes it if its
// status/kind/indexUid changed.
func (q *Queue) Update(uid uint64, mutate func(*Task)) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var updated Task
	err := q.db.Update(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketTasks).Get(uidKey(uid))
		if raw == nil {
			return qerrors.StateError(qerrors.ErrCodeTaskNotFound, fmt.Sprintf("task %d not found", uid), nil)
		}
		var before Task
		if err := json.Unmarshal(raw, &before); err != nil {
			return err
		}
		updated = before
		mutate(&updated)

		if err := deindexTask(tx, before); err != nil {
			return err
		}
		if err := putTask(tx, updated); err != nil {
			return err
		}
		return indexTask(tx, updated)
	})
	return updated, err
}

// Delete permanently removes a finished task's record, used by task
// deletion requests (spec §4.10) to prune history. Deleting an
// enqueued/processing task is rejected: a caller must cancel it first.
func (q *Queue) Delete(uid uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.db.Update(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketTasks).Get(uidKey(uid))
		if raw == nil {
			return qerrors.StateError(qerrors.ErrCodeTaskNotFound, fmt.Sprintf("task %d not found", uid), nil)
		}
		var t Task
		if err := json.Unmarshal(raw, &t); err != nil {
			return err
		}
		if t.Status == StatusEnqueued || t.Status == StatusProcessing {
			return qerrors.ClientInputError(qerrors.ErrCodeInternal,
				fmt.Sprintf("task %d must be canceled before it can be deleted", uid), nil)
		}
		if err := deindexTask(tx, t); err != nil {
			return err
		}
		return tx.Bucket(bucketTasks).Delete(uidKey(uid))
	})
}

// Snapshot writes a consistent point-in-time copy of the task queue database
// to path, using bbolt's own read-transaction-scoped CopyFile so a
// concurrent writer never corrupts the snapshot.
func (q *Queue) Snapshot(path string) error {
	return q.db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(path, 0o600)
	})
}

// NextBatchUID allocates the next batch identifier.
func (q *Queue) NextBatchUID() (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var uid uint64
	err := q.db.Update(func(tx *bolt.Tx) error {
		var err error
		uid, err = nextSeq(tx, keyNextBatchUID)
		return err
	})
	return uid, err
}

// NewCorrelationID returns a random id suitable for correlating a batch's
// log lines (distinct from the monotonic batch UID, which callers see).
func NewCorrelationID() string { return uuid.NewString() }
