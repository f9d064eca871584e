package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config controls how quill's structured logs are written: level filtering,
// optional rotation to a file under DefaultLogDir, and whether stderr also
// gets a copy (the interactive CLI default; a long-running "quill serve"
// daemon typically keeps only the file).
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// FilePath is the path to the log file. Empty means no file logging.
	FilePath string
	// MaxSizeMB is the maximum size in MB before rotation (default: 10).
	MaxSizeMB int
	// MaxFiles is the maximum number of rotated files to keep (default: 5).
	MaxFiles int
	// WriteToStderr whether to also write to stderr (default: true).
	WriteToStderr bool
}

// DefaultConfig returns sensible defaults for file logging.
func DefaultConfig() Config {
	return Config{
		Level:         "info",
		FilePath:      DefaultLogPath(),
		MaxSizeMB:     10,
		MaxFiles:      5,
		WriteToStderr: true,
	}
}

// DebugConfig returns configuration for debug mode.
func DebugConfig() Config {
	cfg := DefaultConfig()
	cfg.Level = "debug"
	return cfg
}

// Setup opens (creating if needed) the rotating log file cfg describes and
// returns a logger writing JSON records to it, and to stderr if enabled.
// Every record carries "service": "quill" so a deployment that aggregates
// several quill instances' logs alongside other processes can tell them
// apart; the scheduler and pipeline layer further scope it with their own
// "index"/"batch_uid" attributes via Logger.With.
func Setup(cfg Config) (*slog.Logger, func(), error) {
	if err := EnsureLogDir(); err != nil {
		return nil, nil, err
	}

	var writer *RotatingWriter
	var output io.Writer = io.Discard
	if cfg.FilePath != "" {
		w, err := NewRotatingWriter(cfg.FilePath, cfg.MaxSizeMB, cfg.MaxFiles)
		if err != nil {
			return nil, nil, err
		}
		writer, output = w, w
	}
	if cfg.WriteToStderr {
		if writer != nil {
			output = io.MultiWriter(writer, os.Stderr)
		} else {
			output = os.Stderr
		}
	}

	handler := slog.NewJSONHandler(output, &slog.HandlerOptions{Level: parseLevel(cfg.Level)})
	logger := slog.New(handler).With("service", "quill")

	cleanup := func() {
		if writer != nil {
			_ = writer.Sync()
			_ = writer.Close()
		}
	}
	return logger, cleanup, nil
}

// SetupDefault wires Setup's debug configuration as the process-wide slog
// default, for a one-off CLI invocation that never calls setupLogging's full
// cobra PersistentPreRunE path (e.g. a test harness exercising a command
// directly). Returns the cleanup function.
func SetupDefault() (func(), error) {
	logger, cleanup, err := Setup(DebugConfig())
	if err != nil {
		return nil, err
	}

	slog.SetDefault(logger)
	return cleanup, nil
}

// levelByName maps a config/flag string onto its slog.Level.
var levelByName = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

func parseLevel(level string) slog.Level {
	if l, ok := levelByName[strings.ToLower(level)]; ok {
		return l
	}
	return slog.LevelInfo
}

// LevelFromString exposes parseLevel to callers outside the package.
func LevelFromString(level string) slog.Level {
	return parseLevel(level)
}
