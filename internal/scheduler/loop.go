package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/quillsearch/quill/internal/autobatch"
	qerrors "github.com/quillsearch/quill/internal/errors"
)

// BatchExecutor runs one fused batch of tasks to completion. The scheduler
// loop calls it once per autobatch Plan; a non-nil error fails every task in
// the batch with that error, a nil error marks them all succeeded.
type BatchExecutor interface {
	Execute(ctx context.Context, batchUID uint64, plan *autobatch.Plan) error
}

// Snapshotter is an optional BatchExecutor capability for the SnapshotCreation
// singleton: a consistent point-in-time copy of every managed environment
// under destDir. Executors that manage no on-disk state can leave it
// unimplemented; the loop fails the task with a clear error instead of
// silently dropping it.
type Snapshotter interface {
	Snapshot(ctx context.Context, destDir string) error
}

// Dumper is an optional BatchExecutor capability for the DumpCreation
// singleton: streaming every task, document, setting, and embedder key to a
// portable archive under destDir.
type Dumper interface {
	Dump(ctx context.Context, destDir string) error
}

// PayloadPruner is an optional BatchExecutor capability letting the loop
// garbage-collect a deleted task's stored payload (document changes or a
// settings body) alongside its queue record.
type PayloadPruner interface {
	PruneTask(uid uint64) error
}

// Loop drives the scheduler's main loop: pop enqueued tasks, select the next
// batch in priority order, execute it, and update task status, mirroring the
// teacher's coordinator run-loop shape (poll, claim work, execute, record)
// generalized from a single indexing run to a persistent queue.
type Loop struct {
	queue            *Queue
	executor         BatchExecutor
	log              *slog.Logger
	poll             time.Duration
	snapshotInterval time.Duration
}

// NewLoop constructs a Loop. poll is how often the loop checks for new work
// when the queue is empty (spec default: 200ms).
func NewLoop(q *Queue, executor BatchExecutor, log *slog.Logger, poll time.Duration) *Loop {
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	return &Loop{queue: q, executor: executor, log: log, poll: poll}
}

// SetSnapshotInterval enables a periodic SnapshotCreation task, enqueued
// every d while Run is active. d <= 0 disables it (the default).
func (l *Loop) SetSnapshotInterval(d time.Duration) {
	l.snapshotInterval = d
}

// Run blocks, processing batches until ctx is canceled.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	var snapC <-chan time.Time
	if l.snapshotInterval > 0 {
		snapTicker := time.NewTicker(l.snapshotInterval)
		defer snapTicker.Stop()
		snapC = snapTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.tick(ctx); err != nil {
				l.log.Error("scheduler tick failed", "error", err)
			}
		case <-snapC:
			if _, err := l.queue.Enqueue(Task{Kind: KindSnapshotCreation}); err != nil {
				l.log.Error("failed to enqueue scheduled snapshot", "error", err)
			}
		}
	}
}

// tick selects and executes at most one batch, in the priority order spec
// §4.10 step 2 lays out: the most-recently enqueued task cancelation first,
// then any task deletion, then any snapshot, then the oldest dump, and only
// otherwise the oldest enqueued task's index, autobatched. Each of the first
// four are prioritized singletons and are never handed to the autobatcher.
func (l *Loop) tick(ctx context.Context) error {
	if t, ok, err := l.nextOf(KindTaskCancelation, true); err != nil {
		return err
	} else if ok {
		return l.runCancelation(t)
	}
	if t, ok, err := l.nextOf(KindTaskDeletion, false); err != nil {
		return err
	} else if ok {
		return l.runDeletion(t)
	}
	if t, ok, err := l.nextOf(KindSnapshotCreation, false); err != nil {
		return err
	} else if ok {
		return l.runSnapshot(ctx, t)
	}
	if t, ok, err := l.nextOf(KindDumpCreation, false); err != nil {
		return err
	} else if ok {
		return l.runDump(ctx, t)
	}

	enqueued := StatusEnqueued
	pendingTasks, err := l.queue.List(Filter{Status: &enqueued})
	if err != nil {
		return err
	}
	if len(pendingTasks) == 0 {
		return nil
	}

	oldest := pendingTasks[0]
	group := make([]Task, 0, len(pendingTasks))
	for _, t := range pendingTasks {
		if t.IndexUID == oldest.IndexUID {
			group = append(group, t)
		}
	}

	ops := toOps(group)
	if len(ops) == 0 {
		return nil
	}
	plan, err := autobatch.Autobatch(ops, true, nil)
	if err != nil {
		return err
	}
	return l.runBatch(ctx, plan)
}

// nextOf returns the oldest (or, if latest is true, the most-recently
// enqueued) task of kind still enqueued. ok is false if none is pending.
func (l *Loop) nextOf(kind Kind, latest bool) (Task, bool, error) {
	enqueued := StatusEnqueued
	k := kind
	tasks, err := l.queue.List(Filter{Status: &enqueued, Kind: &k})
	if err != nil {
		return Task{}, false, err
	}
	if len(tasks) == 0 {
		return Task{}, false, nil
	}
	if !latest {
		return tasks[0], true, nil
	}
	best := tasks[0]
	for _, t := range tasks[1:] {
		if t.UID > best.UID {
			best = t
		}
	}
	return best, true, nil
}

// runBatch executes plan as batch, watching the queue concurrently for a
// TaskCancelation that targets one of the batch's own tasks; if one arrives
// while the batch is still processing, the executor's context is canceled so
// it can observe cancellation between stages (spec §5's should_abort) and
// unwind its write transaction instead of committing it.
func (l *Loop) runBatch(ctx context.Context, plan *autobatch.Plan) error {
	batchUID, err := l.queue.NextBatchUID()
	if err != nil {
		return err
	}

	now := time.Now()
	taskSet := make(map[uint64]bool, len(plan.TaskUIDs))
	for _, uid := range plan.TaskUIDs {
		taskSet[uid] = true
		if _, err := l.queue.Update(uid, func(t *Task) {
			t.Status = StatusProcessing
			t.BatchUID = &batchUID
			t.StartedAt = &now
		}); err != nil {
			return err
		}
	}

	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- l.executor.Execute(batchCtx, batchUID, plan) }()

	watch := time.NewTicker(50 * time.Millisecond)
	defer watch.Stop()

	var execErr error
waitLoop:
	for {
		select {
		case execErr = <-done:
			break waitLoop
		case <-watch.C:
			if canceledBy, hit := l.cancelationTargeting(taskSet); hit {
				l.markProcessingCanceled(taskSet, canceledBy)
				cancel()
			}
		}
	}

	finishedAt := time.Now()
	for _, uid := range plan.TaskUIDs {
		if _, err := l.queue.Update(uid, func(t *Task) {
			if t.Status == StatusCanceled {
				return
			}
			t.FinishedAt = &finishedAt
			if execErr != nil {
				t.Status = StatusFailed
				t.Error = &TaskError{Code: "ERR_308_INTERNAL", Message: execErr.Error()}
			} else {
				t.Status = StatusSucceeded
			}
		}); err != nil {
			return err
		}
	}
	return execErr
}

// cancelationTargeting reports whether an enqueued TaskCancelation names a
// uid in targets, finishing the cancelation task itself as a side effect.
func (l *Loop) cancelationTargeting(targets map[uint64]bool) (uint64, bool) {
	enqueued := StatusEnqueued
	kind := KindTaskCancelation
	cancelTasks, err := l.queue.List(Filter{Status: &enqueued, Kind: &kind})
	if err != nil || len(cancelTasks) == 0 {
		return 0, false
	}
	for _, ct := range cancelTasks {
		for _, id := range parseUIDList(ct.Details["target_uids"]) {
			if targets[id] {
				_ = l.finishSingleton(ct.UID, nil)
				return ct.UID, true
			}
		}
	}
	return 0, false
}

func (l *Loop) markProcessingCanceled(targets map[uint64]bool, canceledBy uint64) {
	now := time.Now()
	for uid := range targets {
		_, _ = l.queue.Update(uid, func(t *Task) {
			if t.Status != StatusProcessing {
				return
			}
			t.Status = StatusCanceled
			t.CanceledBy = &canceledBy
			t.FinishedAt = &now
		})
	}
}

// runCancelation applies a TaskCancelation task's target_uids detail and
// finishes the cancelation task itself. This is step 2.1 of the priority
// cascade, for cancelations that arrive while nothing matching is currently
// processing (the concurrent path is runBatch's own watch loop).
func (l *Loop) runCancelation(t Task) error {
	err := cancelTasks(l.queue, parseUIDList(t.Details["target_uids"]), t.UID)
	return l.finishSingleton(t.UID, err)
}

// runDeletion applies a TaskDeletion task's target_uids detail, pruning
// every named task that has finished (enqueued/processing targets are left
// alone: a caller must cancel them first), then finishes the deletion task.
func (l *Loop) runDeletion(t Task) error {
	pruner, _ := l.executor.(PayloadPruner)
	for _, id := range parseUIDList(t.Details["target_uids"]) {
		target, err := l.queue.Get(id)
		if err != nil {
			continue
		}
		if target.Status == StatusEnqueued || target.Status == StatusProcessing {
			continue
		}
		if err := l.queue.Delete(id); err != nil {
			return l.finishSingleton(t.UID, err)
		}
		if pruner != nil {
			_ = pruner.PruneTask(id)
		}
	}
	return l.finishSingleton(t.UID, nil)
}

func (l *Loop) runSnapshot(ctx context.Context, t Task) error {
	snap, ok := l.executor.(Snapshotter)
	if !ok {
		return l.finishSingleton(t.UID, qerrors.InternalError("executor does not support snapshotting", nil))
	}
	dest := t.Details["dest_dir"]
	if dest == "" {
		dest = filepath.Join("snapshots", fmt.Sprintf("snapshot-%d", t.UID))
	}
	err := snap.Snapshot(ctx, dest)
	return l.finishSingleton(t.UID, err)
}

func (l *Loop) runDump(ctx context.Context, t Task) error {
	dumper, ok := l.executor.(Dumper)
	if !ok {
		return l.finishSingleton(t.UID, qerrors.InternalError("executor does not support dumping", nil))
	}
	dest := t.Details["dest_dir"]
	if dest == "" {
		dest = filepath.Join("dumps", fmt.Sprintf("dump-%d", t.UID))
	}
	err := dumper.Dump(ctx, dest)
	return l.finishSingleton(t.UID, err)
}

// finishSingleton finalizes a priority-singleton task (cancelation,
// deletion, snapshot, dump) that never goes through runBatch. It leaves an
// already-canceled task alone so a concurrent cancelation never gets
// clobbered back to succeeded/failed.
func (l *Loop) finishSingleton(uid uint64, err error) error {
	now := time.Now()
	_, uerr := l.queue.Update(uid, func(t *Task) {
		if t.Status == StatusCanceled {
			return
		}
		t.StartedAt = &now
		t.FinishedAt = &now
		if err != nil {
			t.Status = StatusFailed
			t.Error = &TaskError{Code: "ERR_308_INTERNAL", Message: err.Error()}
		} else {
			t.Status = StatusSucceeded
		}
	})
	if uerr != nil {
		return uerr
	}
	return err
}

func toOps(tasks []Task) []autobatch.Op {
	out := make([]autobatch.Op, 0, len(tasks))
	for _, t := range tasks {
		opKind, ok := kindToOpKind(t.Kind)
		if !ok {
			continue
		}
		out = append(out, autobatch.Op{
			TaskUID:    t.UID,
			IndexUID:   t.IndexUID,
			Kind:       opKind,
			PrimaryKey: primaryKeyDetail(t),
		})
	}
	return out
}

// primaryKeyDetail surfaces the primary key a document-add or index-create
// task declared, carried as a task detail since autobatch.Op has no other
// channel back to the task that produced it.
func primaryKeyDetail(t Task) *string {
	pk, ok := t.Details["primary_key"]
	if !ok || pk == "" {
		return nil
	}
	return &pk
}

// kindToOpKind maps a persisted task Kind onto its autobatch.OpKind
// counterpart. ok is false for kinds that have none: the priority-singleton
// kinds (task cancelation/deletion, snapshot, dump) are handled directly by
// tick's cascade and must never reach the autobatcher, so toOps drops them
// rather than guessing at a mapping.
func kindToOpKind(k Kind) (autobatch.OpKind, bool) {
	switch k {
	case KindDocumentAdd:
		return autobatch.OpDocumentAdd, true
	case KindDocumentUpdate:
		return autobatch.OpDocumentUpdate, true
	case KindDocumentDeleteByID:
		return autobatch.OpDocumentDeleteByID, true
	case KindDocumentDeleteByFilter:
		return autobatch.OpDocumentDeleteByFilter, true
	case KindDocumentClear:
		return autobatch.OpDocumentClear, true
	case KindSettingsUpdate:
		return autobatch.OpSettingsUpdate, true
	case KindIndexCreate:
		return autobatch.OpIndexCreate, true
	case KindIndexDelete:
		return autobatch.OpIndexDelete, true
	case KindIndexSwap:
		return autobatch.OpIndexSwap, true
	default:
		return 0, false
	}
}

// cancelTasks transitions every enqueued/processing task in ids to canceled,
// attributing the change to canceledBy. Already-finished tasks, and ids that
// no longer exist, are left untouched.
func cancelTasks(q *Queue, ids []uint64, canceledBy uint64) error {
	now := time.Now()
	for _, id := range ids {
		t, err := q.Get(id)
		if err != nil {
			continue
		}
		if t.Status != StatusEnqueued && t.Status != StatusProcessing {
			continue
		}
		if _, err := q.Update(id, func(t *Task) {
			t.Status = StatusCanceled
			t.CanceledBy = &canceledBy
			t.FinishedAt = &now
		}); err != nil {
			return err
		}
	}
	return nil
}

// Cancel is cancelTasks exposed on Loop, for a caller (the CLI) that wants
// synchronous cancellation without waiting for a scheduler tick.
func (l *Loop) Cancel(ids []uint64, canceledBy uint64) error {
	return cancelTasks(l.queue, ids, canceledBy)
}

// FormatUIDs renders ids as the comma-separated detail string a cancelation
// or deletion task's target_uids carries.
func FormatUIDs(ids []uint64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(id, 10)
	}
	return strings.Join(parts, ",")
}

func parseUIDList(raw string) []uint64 {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]uint64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}
