// Package cmd provides the CLI commands for quill.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/quillsearch/quill/internal/config"
	"github.com/quillsearch/quill/internal/logging"
	"github.com/quillsearch/quill/pkg/version"
)

var (
	configPath string
	debugMode  bool

	loggingCleanup func()
)

// NewRootCmd creates the root command for the quill CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quill",
		Short: "Embedded full-text and hybrid search engine",
		Long: `quill indexes JSON documents into inverted, facet, geo, and vector
indexes, and serves keyword, semantic, and hybrid queries over them.

Run 'quill serve' to start the scheduler daemon, or use the 'task',
'search', and 'index' subcommands to drive it directly from the CLI.`,
		Version:       version.Version,
		SilenceUsage:  true,
	}
	cmd.SetVersionTemplate("quill version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the quill config file (default: "+config.ConfigPath()+")")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	cmd.PersistentPreRunE = setupLogging
	cmd.PersistentPostRunE = teardownLogging

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newTaskCmd())
	cmd.AddCommand(newIndexCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

func setupLogging(_ *cobra.Command, _ []string) error {
	logCfg := logging.DefaultConfig()
	if debugMode {
		logCfg = logging.DebugConfig()
	}
	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	loggingCleanup = cleanup
	slog.SetDefault(logger)
	return nil
}

func teardownLogging(_ *cobra.Command, _ []string) error {
	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
	return nil
}

// loadConfig loads the effective configuration for a command invocation,
// honoring --config when set.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}
