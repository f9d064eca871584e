package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/quillsearch/quill/internal/autobatch"
	"github.com/quillsearch/quill/internal/pipeline"
	"github.com/quillsearch/quill/internal/scheduler"
	"github.com/quillsearch/quill/internal/settingsdiff"
	"github.com/quillsearch/quill/internal/taskstore"
	"github.com/quillsearch/quill/pkg/ingest"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Enqueue and inspect scheduler tasks",
	}
	cmd.AddCommand(newTaskEnqueueCmd())
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskCancelCmd())
	cmd.AddCommand(newTaskDeleteCmd())
	return cmd
}

func openQueueAndPayloads() (*scheduler.Queue, *taskstore.Store, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	queueDir := filepath.Join(cfg.DataDir, "queue")

	queue, err := scheduler.Open(queueDir)
	if err != nil {
		return nil, nil, nil, err
	}
	payloads, err := taskstore.Open(queueDir)
	if err != nil {
		_ = queue.Close()
		return nil, nil, nil, err
	}
	return queue, payloads, func() { _ = queue.Close(); _ = payloads.Close() }, nil
}

func newTaskEnqueueCmd() *cobra.Command {
	var primaryKey string
	var policy string

	documentsCmd := &cobra.Command{
		Use:   "documents <index> <file>",
		Short: "Enqueue a document addition/update from a JSON, NDJSON, or CSV file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return enqueueDocuments(cmd, args[0], args[1], primaryKey, policy)
		},
	}
	documentsCmd.Flags().StringVar(&primaryKey, "primary-key", "", "Primary key field, required the first time an index receives documents")
	documentsCmd.Flags().StringVar(&policy, "policy", "update", "Merge policy for existing documents: update or replace")

	deleteCmd := &cobra.Command{
		Use:   "delete <index> <document-id>...",
		Short: "Enqueue document deletions by id",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return enqueueDeletes(cmd, args[0], args[1:])
		},
	}

	settingsCmd := &cobra.Command{
		Use:   "settings <index> <settings.json>",
		Short: "Enqueue a settings update",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return enqueueSettings(cmd, args[0], args[1])
		},
	}

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a task",
	}
	cmd.AddCommand(documentsCmd, deleteCmd, settingsCmd, newTaskEnqueueClearCmd(), newTaskEnqueueSnapshotCmd(), newTaskEnqueueDumpCmd())
	return cmd
}

func enqueueDocuments(cmd *cobra.Command, indexUID, path, primaryKey, policyFlag string) error {
	queue, payloads, closeAll, err := openQueueAndPayloads()
	if err != nil {
		return err
	}
	defer closeAll()

	docs, err := parseDocumentsFile(path)
	if err != nil {
		return err
	}

	policy := pipeline.PolicyUpdate
	if policyFlag == "replace" {
		policy = pipeline.PolicyReplace
	}

	changes := make([]pipeline.DocumentChange, len(docs))
	for i, d := range docs {
		changes[i] = pipeline.DocumentChange{Policy: policy, Fields: d}
	}

	details := map[string]string{}
	if primaryKey != "" {
		details["primary_key"] = primaryKey
	}

	task, err := queue.Enqueue(scheduler.Task{
		IndexUID: indexUID,
		Kind:     scheduler.KindDocumentAdd,
		Details:  details,
	})
	if err != nil {
		return err
	}

	if err := payloads.PutDocumentChanges(task.UID, changes); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "enqueued task %d (%d documents)\n", task.UID, len(changes))
	return nil
}

func enqueueDeletes(cmd *cobra.Command, indexUID string, ids []string) error {
	queue, payloads, closeAll, err := openQueueAndPayloads()
	if err != nil {
		return err
	}
	defer closeAll()

	changes := make([]pipeline.DocumentChange, len(ids))
	for i, id := range ids {
		changes[i] = pipeline.DocumentChange{Delete: true, ExternalID: id}
	}

	task, err := queue.Enqueue(scheduler.Task{
		IndexUID: indexUID,
		Kind:     scheduler.KindDocumentDeleteByID,
	})
	if err != nil {
		return err
	}
	if err := payloads.PutDocumentChanges(task.UID, changes); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "enqueued task %d (%d deletions)\n", task.UID, len(ids))
	return nil
}

func enqueueSettings(cmd *cobra.Command, indexUID, path string) error {
	queue, payloads, closeAll, err := openQueueAndPayloads()
	if err != nil {
		return err
	}
	defer closeAll()

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read settings file: %w", err)
	}
	var s settingsdiff.Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("malformed settings file: %w", err)
	}

	task, err := queue.Enqueue(scheduler.Task{
		IndexUID: indexUID,
		Kind:     scheduler.KindSettingsUpdate,
	})
	if err != nil {
		return err
	}
	if err := payloads.PutSettingsUpdate(task.UID, &s); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "enqueued task %d\n", task.UID)
	return nil
}

func parseDocumentsFile(path string) ([]ingest.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	format := ingest.FormatJSON
	switch filepath.Ext(path) {
	case ".ndjson", ".jsonl":
		format = ingest.FormatNDJSON
	case ".csv":
		format = ingest.FormatCSV
	}
	return ingest.Parse(format, f, ingest.Options{})
}

func newTaskListCmd() *cobra.Command {
	var indexUID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, _, closeAll, err := openQueueAndPayloads()
			if err != nil {
				return err
			}
			defer closeAll()

			filter := scheduler.Filter{}
			if indexUID != "" {
				filter.IndexUID = &indexUID
			}
			tasks, err := queue.List(filter)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(tasks)
		},
	}
	cmd.Flags().StringVar(&indexUID, "index", "", "Only list tasks for this index")
	return cmd
}

func newTaskCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <uid>...",
		Short: "Cancel enqueued or processing tasks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, _, closeAll, err := openQueueAndPayloads()
			if err != nil {
				return err
			}
			defer closeAll()

			ids, err := parseUintArgs(args)
			if err != nil {
				return err
			}
			cancelTask, err := queue.Enqueue(scheduler.Task{
				Kind:    scheduler.KindTaskCancelation,
				Details: map[string]string{"target_uids": scheduler.FormatUIDs(ids)},
			})
			if err != nil {
				return err
			}
			// Cancel synchronously rather than waiting for a scheduler tick:
			// a running quill serve process isn't required for this command
			// to take effect immediately.
			loop := scheduler.NewLoop(queue, noopExecutor{}, nil, 0)
			return loop.Cancel(ids, cancelTask.UID)
		},
	}
}

func newTaskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <uid>...",
		Short: "Delete finished task records",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, payloads, closeAll, err := openQueueAndPayloads()
			if err != nil {
				return err
			}
			defer closeAll()

			ids, err := parseUintArgs(args)
			if err != nil {
				return err
			}
			// Deletes synchronously like cancel does, rather than going
			// through a KindTaskDeletion task: a running quill serve process
			// isn't required for this command to take effect immediately.
			for _, id := range ids {
				if err := queue.Delete(id); err != nil {
					return err
				}
				_ = payloads.Delete(id)
			}
			return nil
		},
	}
}

func newTaskEnqueueClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <index>",
		Short: "Enqueue a document clear, wiping every document from the index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, _, closeAll, err := openQueueAndPayloads()
			if err != nil {
				return err
			}
			defer closeAll()

			task, err := queue.Enqueue(scheduler.Task{
				IndexUID: args[0],
				Kind:     scheduler.KindDocumentClear,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued task %d\n", task.UID)
			return nil
		},
	}
}

func newTaskEnqueueSnapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot [dest]",
		Short: "Enqueue a point-in-time snapshot of every managed index and the task queue",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, _, closeAll, err := openQueueAndPayloads()
			if err != nil {
				return err
			}
			defer closeAll()

			details := map[string]string{}
			if len(args) == 1 {
				details["dest_dir"] = args[0]
			}
			task, err := queue.Enqueue(scheduler.Task{
				Kind:    scheduler.KindSnapshotCreation,
				Details: details,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued task %d\n", task.UID)
			return nil
		},
	}
}

func newTaskEnqueueDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump [dest]",
		Short: "Enqueue a portable dump of every task, document, setting, and embedder key",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, _, closeAll, err := openQueueAndPayloads()
			if err != nil {
				return err
			}
			defer closeAll()

			details := map[string]string{}
			if len(args) == 1 {
				details["dest_dir"] = args[0]
			}
			task, err := queue.Enqueue(scheduler.Task{
				Kind:    scheduler.KindDumpCreation,
				Details: details,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued task %d\n", task.UID)
			return nil
		},
	}
}

func parseUintArgs(args []string) ([]uint64, error) {
	ids := make([]uint64, len(args))
	for i, a := range args {
		id, err := strconv.ParseUint(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid task uid %q: %w", a, err)
		}
		ids[i] = id
	}
	return ids, nil
}

// noopExecutor satisfies scheduler.BatchExecutor for a Loop constructed
// solely to call Cancel, which never dispatches a batch.
type noopExecutor struct{}

func (noopExecutor) Execute(ctx context.Context, batchUID uint64, plan *autobatch.Plan) error {
	return nil
}
