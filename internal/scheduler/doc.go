// Package scheduler implements C10: the persistent task queue and its main
// loop. Every mutating operation against quill (document writes, settings
// updates, index lifecycle changes) is first enqueued as a Task, then
// picked up in batches by the scheduler loop, which hands the batch to the
// autobatcher (C9) and then to the indexing pipeline (C7).
//
// Tasks are persisted in their own bbolt environment (separate from any
// single index's storage, since tasks span indexes) with reverse indexes by
// status, kind and index uid so that task list queries with those filters do
// not require a full table scan. There is no reverse index by enqueue time.
package scheduler
