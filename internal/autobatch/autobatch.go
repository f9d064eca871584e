package autobatch

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
)

// OpKind classifies one pending task-queue entry for fusion purposes.
type OpKind int

const (
	OpDocumentAdd OpKind = iota
	OpDocumentUpdate
	OpDocumentDeleteByID
	OpDocumentDeleteByFilter
	OpDocumentClear
	OpSettingsUpdate
	// OpClearAndSettings never appears on a pending Op; it is the Plan.Kind
	// the autobatcher produces when an OpDocumentClear is immediately
	// followed by one or more settings updates.
	OpClearAndSettings
	OpIndexCreate
	OpIndexDelete
	OpIndexSwap
)

// Op is one pending operation considered for batching. TaskUID must be
// strictly increasing across the pending slice in enqueue order: the
// autobatcher only ever fuses a contiguous prefix, never reorders tasks.
type Op struct {
	TaskUID    uint64
	IndexUID   string
	Kind       OpKind
	DocIDs     *roaring.Bitmap // populated for OpDocumentAdd/Update/DeleteByID
	PrimaryKey *string         // non-nil if this op declares/changes the primary key
}

// StopReason explains why the batch plan stopped accepting more ops, mirroring
// the scheduler's own batch stop-reason reporting (spec §4.10/§3 supplement).
type StopReason string

const (
	StopReasonQueueExhausted    StopReason = "queue_exhausted"
	StopReasonIndexMismatch     StopReason = "index_mismatch"
	StopReasonIncompatibleKind  StopReason = "incompatible_kind"
	StopReasonPrimaryKeyChanged StopReason = "primary_key_changed"
	StopReasonSoloOperation     StopReason = "solo_operation"
)

// Plan is the outcome of Autobatch: the contiguous prefix of pending to
// execute as one batch, what kind of batch it is, and why it stopped there.
type Plan struct {
	TaskUIDs   []uint64
	IndexUID   string
	Kind       OpKind // the batch's effective kind, used for task status reporting
	PrimaryKey *string
	StopReason StopReason
}

// solo reports whether an op kind can never fuse with anything, including
// another op of the same kind (index lifecycle operations are always
// executed one at a time since they change what "IndexUID" even refers to).
func solo(k OpKind) bool {
	switch k {
	case OpIndexCreate, OpIndexDelete, OpIndexSwap:
		return true
	default:
		return false
	}
}

// compatible reports whether b can be fused into a batch already committed
// to kind a. Adds, updates, and id-based deletes against the same index
// freely interleave (the inverted index writer applies them in enqueue
// order regardless). A settings update only fuses with other settings
// updates, never with document mutations, since a settings change can
// require full reindexing that document ops must not race with in the same
// transaction. A document clear is the one exception: it may be followed by
// settings updates, turning the batch into a ClearAndSettings, since
// reindexing an already-empty index is free.
func compatible(a, b OpKind) bool {
	switch a {
	case OpSettingsUpdate:
		return b == OpSettingsUpdate
	case OpDocumentClear:
		return b == OpDocumentClear || b == OpSettingsUpdate
	case OpClearAndSettings:
		return b == OpSettingsUpdate
	default:
		return b != OpSettingsUpdate && b != OpDocumentClear
	}
}

// Autobatch inspects pending (already in task-enqueue order) and returns the
// longest prefix that can execute as one atomic batch, given whether the
// target index currently exists and its current primary key. Returns an
// error only if pending is empty.
func Autobatch(pending []Op, indexExists bool, primaryKey *string) (*Plan, error) {
	if len(pending) == 0 {
		return nil, fmt.Errorf("autobatch: no pending operations")
	}

	first := pending[0]
	plan := &Plan{
		TaskUIDs:   []uint64{first.TaskUID},
		IndexUID:   first.IndexUID,
		Kind:       first.Kind,
		PrimaryKey: primaryKey,
	}

	if first.Kind == OpDocumentAdd && first.PrimaryKey != nil && !indexExists {
		plan.PrimaryKey = first.PrimaryKey
	}

	if solo(first.Kind) {
		plan.StopReason = StopReasonSoloOperation
		return plan, nil
	}

	for _, op := range pending[1:] {
		if op.IndexUID != first.IndexUID {
			plan.StopReason = StopReasonIndexMismatch
			return plan, nil
		}
		if solo(op.Kind) {
			plan.StopReason = StopReasonIncompatibleKind
			return plan, nil
		}
		if !compatible(plan.Kind, op.Kind) {
			plan.StopReason = StopReasonIncompatibleKind
			return plan, nil
		}
		if op.PrimaryKey != nil && plan.PrimaryKey != nil && *op.PrimaryKey != *plan.PrimaryKey {
			plan.StopReason = StopReasonPrimaryKeyChanged
			return plan, nil
		}

		plan.TaskUIDs = append(plan.TaskUIDs, op.TaskUID)
		if plan.Kind == OpDocumentClear && op.Kind == OpSettingsUpdate {
			plan.Kind = OpClearAndSettings
		}
		if op.PrimaryKey != nil && plan.PrimaryKey == nil {
			plan.PrimaryKey = op.PrimaryKey
		}
	}

	plan.StopReason = StopReasonQueueExhausted
	return plan, nil
}
