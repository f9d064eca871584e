package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quillsearch/quill/internal/indexrouter"
	"github.com/quillsearch/quill/internal/scheduler"
	"github.com/quillsearch/quill/internal/storage"
	"github.com/quillsearch/quill/internal/taskstore"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler daemon, processing tasks for every index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	return cmd
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	queue, err := scheduler.Open(filepath.Join(cfg.DataDir, "queue"))
	if err != nil {
		return err
	}
	defer queue.Close()

	payloads, err := taskstore.Open(filepath.Join(cfg.DataDir, "queue"))
	if err != nil {
		return err
	}
	defer payloads.Close()

	storageOpts := storage.DefaultOptions()
	if cfg.Storage.MapSizeMB > 0 {
		storageOpts.MapSizeBytes = int64(cfg.Storage.MapSizeMB) << 20
	}
	if d, err := time.ParseDuration(cfg.Storage.LockTimeout); err == nil && d > 0 {
		storageOpts.Timeout = d
	}

	router := indexrouter.New(cfg.DataDir, storageOpts, queue, payloads, slog.Default())
	defer router.Close()

	poll, err := time.ParseDuration(cfg.Scheduler.PollInterval)
	if err != nil || poll <= 0 {
		poll = 200 * time.Millisecond
	}
	loop := scheduler.NewLoop(queue, router, slog.Default(), poll)
	if d, err := time.ParseDuration(cfg.Scheduler.SnapshotInterval); err == nil && d > 0 {
		loop.SetSnapshotInterval(d)
	}

	runCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("quill scheduler starting", "data_dir", cfg.DataDir, "poll_interval", poll)
	err = loop.Run(runCtx)
	if err == context.Canceled {
		slog.Info("quill scheduler stopped")
		return nil
	}
	return err
}
