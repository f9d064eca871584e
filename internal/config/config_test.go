package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Default configuration tests
// =============================================================================

func TestNew_ReturnsDefaults(t *testing.T) {
	// Given: no configuration file exists
	cfg := New()

	// Then: every default matches the constants the rest of the tree falls
	// back to when unconfigured
	require.NotNil(t, cfg)
	assert.Equal(t, 1, cfg.Version)
	assert.Equal(t, 4096, cfg.Storage.MapSizeMB)
	assert.Equal(t, "5s", cfg.Storage.LockTimeout)
	assert.Equal(t, "200ms", cfg.Scheduler.PollInterval)
	assert.Equal(t, 100, cfg.Scheduler.MaxBatchedTasks)
	assert.Equal(t, 1000, cfg.IndexDefaults.PaginationMaxTotalHits)
	assert.Equal(t, 8, cfg.IndexDefaults.MaxProximity)
	assert.Equal(t, 4, cfg.IndexDefaults.MaxPrefixLen)
	assert.Equal(t, 1500, cfg.IndexDefaults.SearchCutoffMs)
	assert.Equal(t, 5, cfg.IndexDefaults.OneTypoMinWordLen)
	assert.Equal(t, 9, cfg.IndexDefaults.TwoTypoMinWordLen)
	assert.Equal(t, "http", cfg.Server.Transport)
	assert.Equal(t, 7700, cfg.Server.Port)
	assert.NotEmpty(t, cfg.DataDir)
}

func TestNew_PassesValidation(t *testing.T) {
	cfg := New()
	assert.NoError(t, cfg.Validate())
}

// =============================================================================
// File loading and layering tests
// =============================================================================

func TestLoad_NoConfigFile_ReturnsDefaults(t *testing.T) {
	// Given: a path with no file present
	path := filepath.Join(t.TempDir(), "quill.yaml")

	// When: loading configuration
	cfg, err := Load(path)

	// Then: defaults are returned with no error
	require.NoError(t, err)
	assert.Equal(t, New().Scheduler.PollInterval, cfg.Scheduler.PollInterval)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	// Given: a config file that narrows a few fields
	path := filepath.Join(t.TempDir(), "quill.yaml")
	yaml := "data_dir: /var/lib/quill\nscheduler:\n  max_batched_tasks: 50\nindex_defaults:\n  search_cutoff_ms: 3000\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	// When: loading configuration
	cfg, err := Load(path)
	require.NoError(t, err)

	// Then: the file's values win, everything else keeps its default
	assert.Equal(t, "/var/lib/quill", cfg.DataDir)
	assert.Equal(t, 50, cfg.Scheduler.MaxBatchedTasks)
	assert.Equal(t, 3000, cfg.IndexDefaults.SearchCutoffMs)
	assert.Equal(t, 1000, cfg.IndexDefaults.PaginationMaxTotalHits)
}

func TestLoad_MalformedFile_ReturnsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quill.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid yaml"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	// Given: a config file setting one poll interval
	path := filepath.Join(t.TempDir(), "quill.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  poll_interval: 500ms\n"), 0o644))
	t.Setenv("QUILL_SCHEDULER_POLL_INTERVAL", "50ms")

	// When: loading, with the env var set to something else
	cfg, err := Load(path)
	require.NoError(t, err)

	// Then: the environment variable wins, matching the teacher's
	// highest-precedence-last layering
	assert.Equal(t, "50ms", cfg.Scheduler.PollInterval)
}

func TestLoad_EmbedderAPIKeyOnlyFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quill.yaml")
	yaml := "embedders:\n  default:\n    source: openAi\n    model: text-embedding-3-small\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("QUILL_EMBEDDER_DEFAULT_API_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Contains(t, cfg.Embedders, "default")
	assert.Equal(t, "sk-test", cfg.Embedders["default"].APIKey)
}

// =============================================================================
// Validation tests
// =============================================================================

func TestValidate_RejectsNonPositiveMapSize(t *testing.T) {
	cfg := New()
	cfg.Storage.MapSizeMB = 0
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsInvertedTypoThresholds(t *testing.T) {
	cfg := New()
	cfg.IndexDefaults.OneTypoMinWordLen = 9
	cfg.IndexDefaults.TwoTypoMinWordLen = 5
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsUnknownTransport(t *testing.T) {
	cfg := New()
	cfg.Server.Transport = "carrier-pigeon"
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsUnknownEmbedderSource(t *testing.T) {
	cfg := New()
	cfg.Embedders["bad"] = EmbedderConfig{Source: "telepathy"}
	assert.Error(t, cfg.Validate())
}

// =============================================================================
// Round trip
// =============================================================================

func TestWriteYAML_ThenLoad_RoundTrips(t *testing.T) {
	cfg := New()
	cfg.Scheduler.MaxBatchedTasks = 77
	path := filepath.Join(t.TempDir(), "nested", "quill.yaml")

	require.NoError(t, cfg.WriteYAML(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 77, loaded.Scheduler.MaxBatchedTasks)
}
