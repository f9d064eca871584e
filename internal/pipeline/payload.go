package pipeline

import "github.com/quillsearch/quill/internal/settingsdiff"

// PayloadSource resolves a task's queued payload at execution time. The
// scheduler only ever persists the autobatch.Plan's TaskUIDs; the actual
// document bytes or settings object a task carries lives wherever the
// enqueuing caller staged it (the CLI uses internal/taskstore, keyed by task
// UID), so
// the pipeline asks back through this seam rather than owning storage for it.
type PayloadSource interface {
	// DocumentChanges returns the document changes a document-mutation task
	// carries, in request order.
	DocumentChanges(taskUID uint64) ([]DocumentChange, error)

	// SettingsUpdate returns the new settings object an OpSettingsUpdate task
	// carries.
	SettingsUpdate(taskUID uint64) (*settingsdiff.Settings, error)
}
