package scheduler

import "time"

// Status is a task's lifecycle state.
type Status string

const (
	StatusEnqueued   Status = "enqueued"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Kind mirrors autobatch.OpKind but at the task-persistence layer, which
// also needs kinds with no autobatching counterpart (task cancel/delete
// requests are themselves tasks, per spec §4.10).
type Kind string

const (
	KindDocumentAdd            Kind = "documentAddition"
	KindDocumentUpdate         Kind = "documentUpdate"
	KindDocumentDeleteByID     Kind = "documentDeletion"
	KindDocumentDeleteByFilter Kind = "documentDeletionByFilter"
	KindDocumentClear          Kind = "documentClear"
	KindSettingsUpdate         Kind = "settingsUpdate"
	KindIndexCreate            Kind = "indexCreation"
	KindIndexDelete            Kind = "indexDeletion"
	KindIndexSwap              Kind = "indexSwap"
	KindTaskCancelation        Kind = "taskCancelation"
	KindTaskDeletion           Kind = "taskDeletion"
	// KindSnapshotCreation and KindDumpCreation are prioritized singletons:
	// the loop handles them directly rather than ever passing them to the
	// autobatcher (spec §4.9/§4.10).
	KindSnapshotCreation Kind = "snapshotCreation"
	KindDumpCreation     Kind = "dumpCreation"
)

// StopReason names why a batch stopped growing (grounded on the original's
// BatchStopReason). No Task field holds one and the loop records none;
// autobatch.Plan carries its own StopReason.
type StopReason string

// Task is one persisted unit of work in the queue.
type Task struct {
	UID        uint64
	IndexUID   string
	Kind       Kind
	Status     Status
	BatchUID   *uint64
	EnqueuedAt time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	Error      *TaskError
	Details    map[string]string
	CanceledBy *uint64
}

// TaskError is the error surfaced to a caller polling a failed task,
// carrying the same code taxonomy as internal/errors so API responses are
// consistent whether the error came from validation or from deep inside the
// pipeline.
type TaskError struct {
	Code    string
	Message string
}
