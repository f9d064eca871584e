// Package taskstore is the task payload store, keyed by task UID: the
// scheduler queue persists only task metadata and UIDs, so
// the document bytes or settings object a task carries must live somewhere
// the pipeline can ask back for by task UID at execution time
// (pipeline.PayloadSource). Store is that seam's on-disk implementation,
// grounded on scheduler.Queue's own one-bucket-per-concern bbolt layout.
package taskstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	qerrors "github.com/quillsearch/quill/internal/errors"
	"github.com/quillsearch/quill/internal/pipeline"
	"github.com/quillsearch/quill/internal/settingsdiff"
)

var (
	bucketDocumentChanges = []byte("document_changes")
	bucketSettingsUpdates = []byte("settings_updates")
)

// Store persists one task's payload, keyed by the task UID the scheduler
// queue allocated for it. It implements pipeline.PayloadSource.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the payload store database under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, qerrors.IOError(fmt.Sprintf("cannot create task payload directory %s", dir), err)
	}
	db, err := bolt.Open(filepath.Join(dir, "payloads.bolt"), 0o600, nil)
	if err != nil {
		return nil, qerrors.Wrap(qerrors.ErrCodeCorruptedTaskQueue, err)
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDocumentChanges, bucketSettingsUpdates} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func uidKey(uid uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uid)
	return buf
}

// PutDocumentChanges stages the document changes a document-mutation task
// carries.
func (s *Store) PutDocumentChanges(taskUID uint64, changes []pipeline.DocumentChange) error {
	data, err := json.Marshal(changes)
	if err != nil {
		return qerrors.InternalError("failed to encode document changes", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocumentChanges).Put(uidKey(taskUID), data)
	})
}

// PutSettingsUpdate stages the settings object a settings-update task
// carries.
func (s *Store) PutSettingsUpdate(taskUID uint64, settings *settingsdiff.Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return qerrors.InternalError("failed to encode settings update", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettingsUpdates).Put(uidKey(taskUID), data)
	})
}

// DocumentChanges implements pipeline.PayloadSource.
func (s *Store) DocumentChanges(taskUID uint64) ([]pipeline.DocumentChange, error) {
	var changes []pipeline.DocumentChange
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketDocumentChanges).Get(uidKey(taskUID))
		if raw == nil {
			return qerrors.StateError(qerrors.ErrCodeTaskNotFound,
				fmt.Sprintf("no staged document changes for task %d", taskUID), nil)
		}
		return json.Unmarshal(raw, &changes)
	})
	return changes, err
}

// SettingsUpdate implements pipeline.PayloadSource.
func (s *Store) SettingsUpdate(taskUID uint64) (*settingsdiff.Settings, error) {
	var settings settingsdiff.Settings
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSettingsUpdates).Get(uidKey(taskUID))
		if raw == nil {
			return qerrors.StateError(qerrors.ErrCodeTaskNotFound,
				fmt.Sprintf("no staged settings update for task %d", taskUID), nil)
		}
		return json.Unmarshal(raw, &settings)
	})
	return &settings, err
}

// Delete removes a task's staged payload (either kind, whichever is
// present), called once its task has reached a terminal status so the
// store does not grow unbounded with a full history of every task ever run.
func (s *Store) Delete(taskUID uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketDocumentChanges).Delete(uidKey(taskUID)); err != nil {
			return err
		}
		return tx.Bucket(bucketSettingsUpdates).Delete(uidKey(taskUID))
	})
}
