package logging

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultLogDir returns the default log directory (~/.quill/logs/).
// Falls back to temp directory if home directory is unavailable.
func DefaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".quill", "logs")
	}
	return filepath.Join(home, ".quill", "logs")
}

// DefaultLogPath returns the default engine log path.
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), "quill.log")
}

// FindLogFile attempts to find the log file for viewing.
// Priority:
// 1. Explicit path (if provided)
// 2. ~/.quill/logs/quill.log (default)
//
// Returns an error if no log file is found.
func FindLogFile(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit, nil
		}
		return "", fmt.Errorf("log file not found: %s", explicit)
	}

	defaultPath := DefaultLogPath()
	if _, err := os.Stat(defaultPath); err == nil {
		return defaultPath, nil
	}

	return "", fmt.Errorf("no log file found. Engine may not have run with --debug yet.\nExpected at: %s", defaultPath)
}

// EnsureLogDir creates the log directory if it doesn't exist.
func EnsureLogDir() error {
	dir := DefaultLogDir()
	return os.MkdirAll(dir, 0o755)
}
