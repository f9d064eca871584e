package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func contains(s, substr string) bool {
	return strings.Contains(s, substr)
}

func TestDefaultLogDir(t *testing.T) {
	dir := DefaultLogDir()
	if dir == "" {
		t.Error("DefaultLogDir returned empty string")
	}
	if !contains(dir, ".quill") || !contains(dir, "logs") {
		t.Errorf("DefaultLogDir should contain .quill/logs, got: %s", dir)
	}
}

func TestDefaultLogPath(t *testing.T) {
	path := DefaultLogPath()
	if filepath.Base(path) != "quill.log" {
		t.Errorf("DefaultLogPath should end with quill.log, got: %s", path)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != "info" {
		t.Errorf("expected level 'info', got: %s", cfg.Level)
	}
	if cfg.MaxSizeMB != 10 {
		t.Errorf("expected MaxSizeMB 10, got: %d", cfg.MaxSizeMB)
	}
	if cfg.MaxFiles != 5 {
		t.Errorf("expected MaxFiles 5, got: %d", cfg.MaxFiles)
	}
	if !cfg.WriteToStderr {
		t.Error("expected WriteToStderr to be true")
	}
}

func TestDebugConfig(t *testing.T) {
	cfg := DebugConfig()

	if cfg.Level != "debug" {
		t.Errorf("expected level 'debug', got: %s", cfg.Level)
	}
}

func TestSetup(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "test.log")

	cfg := Config{
		Level:         "debug",
		FilePath:      logPath,
		MaxSizeMB:     1,
		MaxFiles:      3,
		WriteToStderr: false,
	}

	logger, cleanup, err := Setup(cfg)
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	defer cleanup()

	if logger == nil {
		t.Fatal("Setup returned nil logger")
	}

	logger.Info("scheduler started", "component", "scheduler")

	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		t.Error("log file was not created")
	}
}

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"debug", "DEBUG"},
		{"DEBUG", "DEBUG"},
		{"info", "INFO"},
		{"INFO", "INFO"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"unknown", "INFO"},
	}

	for _, tc := range tests {
		level := LevelFromString(tc.input)
		if level.String() != tc.expected {
			t.Errorf("LevelFromString(%q) = %s, want %s", tc.input, level.String(), tc.expected)
		}
	}
}

func TestFindLogFile_NotFound(t *testing.T) {
	_, err := FindLogFile("/nonexistent/path/to/log.log")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestFindLogFile_ExplicitPath(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "test.log")
	if err := os.WriteFile(logPath, []byte("test"), 0o644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	found, err := FindLogFile(logPath)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if found != logPath {
		t.Errorf("expected %s, got %s", logPath, found)
	}
}

func TestRotatingWriter_RotatesPastMaxSize(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "test.log")

	w, err := NewRotatingWriter(logPath, 0, 2) // maxSizeMB=0 -> rotates on first write
	if err != nil {
		t.Fatalf("NewRotatingWriter failed: %v", err)
	}
	defer w.Close()

	if _, err := w.Write([]byte("first line\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := w.Write([]byte("second line\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if _, err := os.Stat(logPath + ".1"); err != nil {
		t.Errorf("expected rotated file %s.1 to exist: %v", logPath, err)
	}
}

func TestRotatingWriter_Sync(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "test.log")

	w, err := NewRotatingWriter(logPath, 1, 3)
	if err != nil {
		t.Fatalf("NewRotatingWriter failed: %v", err)
	}
	defer w.Close()

	if _, err := w.Write([]byte("line\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Errorf("Sync failed: %v", err)
	}
}
