package cmd

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/quillsearch/quill/internal/indexrouter"
	"github.com/quillsearch/quill/internal/pipeline"
	"github.com/quillsearch/quill/internal/scheduler"
	"github.com/quillsearch/quill/internal/storage"
)

func newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Manage indexes",
	}
	cmd.AddCommand(newIndexCreateCmd())
	cmd.AddCommand(newIndexDeleteCmd())
	cmd.AddCommand(newIndexSwapCmd())
	cmd.AddCommand(newIndexSettingsCmd())
	return cmd
}

func newIndexCreateCmd() *cobra.Command {
	var primaryKey string

	cmd := &cobra.Command{
		Use:   "create <index>",
		Short: "Enqueue an index creation task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, _, closeAll, err := openQueueAndPayloads()
			if err != nil {
				return err
			}
			defer closeAll()

			details := map[string]string{}
			if primaryKey != "" {
				details["primary_key"] = primaryKey
			}
			task, err := queue.Enqueue(scheduler.Task{
				IndexUID: args[0],
				Kind:     scheduler.KindIndexCreate,
				Details:  details,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued task %d\n", task.UID)
			return nil
		},
	}
	cmd.Flags().StringVar(&primaryKey, "primary-key", "", "Primary key field for the new index")
	return cmd
}

func newIndexDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <index>",
		Short: "Enqueue an index deletion task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, _, closeAll, err := openQueueAndPayloads()
			if err != nil {
				return err
			}
			defer closeAll()

			task, err := queue.Enqueue(scheduler.Task{
				IndexUID: args[0],
				Kind:     scheduler.KindIndexDelete,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued task %d\n", task.UID)
			return nil
		},
	}
}

func newIndexSwapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "swap <index-a> <index-b>",
		Short: "Enqueue an index swap task, exchanging two indexes' documents",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, _, closeAll, err := openQueueAndPayloads()
			if err != nil {
				return err
			}
			defer closeAll()

			task, err := queue.Enqueue(scheduler.Task{
				IndexUID: args[0],
				Kind:     scheduler.KindIndexSwap,
				Details:  map[string]string{"swap_with": args[1]},
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued task %d\n", task.UID)
			return nil
		},
	}
}

func newIndexSettingsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "settings <index>",
		Short: "Print an index's currently resolved settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			env, err := storage.Open(filepath.Join(cfg.DataDir, "indexes", args[0]), args[0], storage.DefaultOptions())
			if err != nil {
				return err
			}
			defer env.Close()

			_, settings, _, err := indexrouter.RestoreState(env)
			if err != nil {
				return err
			}

			display := pipeline.New(nil, nil, settings, nil, nil, nil).CurrentSettings()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(display)
		},
	}
}
