// Package config loads quill's deployment configuration: where index data
// lives, how the scheduler and storage layer are tuned, and which embedders
// are available to index settings. It follows the teacher's own layering --
// hardcoded defaults, then an optional YAML file, then QUILL_* environment
// overrides, then validation -- generalized from a single-project code
// search tool to a multi-index search engine daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is quill's complete daemon configuration.
type Config struct {
	Version       int                       `yaml:"version" json:"version"`
	DataDir       string                    `yaml:"data_dir" json:"data_dir"`
	Storage       StorageConfig             `yaml:"storage" json:"storage"`
	Scheduler     SchedulerConfig           `yaml:"scheduler" json:"scheduler"`
	IndexDefaults IndexDefaultsConfig       `yaml:"index_defaults" json:"index_defaults"`
	Embedders     map[string]EmbedderConfig `yaml:"embedders" json:"embedders"`
	Server        ServerConfig              `yaml:"server" json:"server"`
}

// StorageConfig tunes C1's bbolt-backed environment.
type StorageConfig struct {
	// MapSizeMB is copied into storage.Options.MapSizeBytes, which
	// storage.Open does not enforce.
	MapSizeMB int `yaml:"map_size_mb" json:"map_size_mb"`
	// LockTimeout bounds how long Open waits for the cross-process write
	// lock, as a duration string (e.g. "5s").
	LockTimeout string `yaml:"lock_timeout" json:"lock_timeout"`
}

// SchedulerConfig tunes C10's task queue and run loop.
type SchedulerConfig struct {
	// PollInterval is how often the loop checks for new work when the queue
	// is empty, as a duration string (e.g. "200ms").
	PollInterval string `yaml:"poll_interval" json:"poll_interval"`
	// MaxBatchedTasks is loaded and validated with the rest of the config,
	// but nothing passes it to C9's autobatcher: autobatch.Autobatch puts no
	// limit on how many pending tasks it fuses into a single plan.
	MaxBatchedTasks int `yaml:"max_batched_tasks" json:"max_batched_tasks"`
	// SnapshotInterval is how often the loop self-enqueues a SnapshotCreation
	// task, as a duration string (e.g. "1h"); empty or zero disables it.
	SnapshotInterval string `yaml:"snapshot_interval" json:"snapshot_interval"`
	// IndexWorkers is loaded with the rest of the config, but C7 does not
	// read it: the pipeline's errgroup pool is bounded by its fixed
	// maxPlanWorkers constant (8).
	IndexWorkers int `yaml:"index_workers" json:"index_workers"`
}

// IndexDefaultsConfig holds global knobs rather than per-index
// settings-update state (spec's "no reindex" class). Nothing copies these
// values into pipeline.Settings or the query executor, which use their own
// built-in defaults.
type IndexDefaultsConfig struct {
	PaginationMaxTotalHits int `yaml:"pagination_max_total_hits" json:"pagination_max_total_hits"`
	MaxProximity           int `yaml:"max_proximity" json:"max_proximity"`
	MaxPrefixLen           int `yaml:"max_prefix_len" json:"max_prefix_len"`
	SearchCutoffMs         int `yaml:"search_cutoff_ms" json:"search_cutoff_ms"`
	OneTypoMinWordLen      int `yaml:"one_typo_min_word_len" json:"one_typo_min_word_len"`
	TwoTypoMinWordLen      int `yaml:"two_typo_min_word_len" json:"two_typo_min_word_len"`
}

// EmbedderConfig is the on-disk shape of one named embedder; APIKey is only
// ever sourced from an env override (QUILL_EMBEDDER_<NAME>_API_KEY), never
// written to or read from the YAML file.
type EmbedderConfig struct {
	Source           string `yaml:"source" json:"source"`
	Model            string `yaml:"model" json:"model"`
	Dimensions       int    `yaml:"dimensions" json:"dimensions"`
	BaseURL          string `yaml:"base_url" json:"base_url"`
	DocumentTemplate string `yaml:"document_template" json:"document_template"`
	APIKey           string `yaml:"-" json:"-"`
}

// ServerConfig holds a transport, port and log level for `quill serve`; no
// code outside this package reads it.
type ServerConfig struct {
	Transport string `yaml:"transport" json:"transport"`
	Port      int    `yaml:"port" json:"port"`
	LogLevel  string `yaml:"log_level" json:"log_level"`
}

// New returns a Config with sensible defaults, mirroring every hardcoded
// constant the rest of the tree already falls back to when no config file
// is present (internal/query's pagination cap, internal/query/termexpand's
// typo thresholds, internal/pipeline.DefaultSettings's proximity/prefix
// values, internal/scheduler's default poll interval).
func New() *Config {
	return &Config{
		Version: 1,
		DataDir: defaultDataDir(),
		Storage: StorageConfig{
			MapSizeMB:   4096,
			LockTimeout: "5s",
		},
		Scheduler: SchedulerConfig{
			PollInterval:     "200ms",
			MaxBatchedTasks:  100,
			SnapshotInterval: "1h",
			IndexWorkers:     4,
		},
		IndexDefaults: IndexDefaultsConfig{
			PaginationMaxTotalHits: 1000,
			MaxProximity:           8,
			MaxPrefixLen:           4,
			SearchCutoffMs:         1500,
			OneTypoMinWordLen:      5,
			TwoTypoMinWordLen:      9,
		},
		Embedders: make(map[string]EmbedderConfig),
		Server: ServerConfig{
			Transport: "http",
			Port:      7700,
			LogLevel:  "info",
		},
	}
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "quill")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "quill")
	}
	return filepath.Join(home, ".local", "share", "quill")
}

// ConfigPath returns the YAML file Load reads, honoring QUILL_CONFIG and
// otherwise XDG_CONFIG_HOME/~/.config, mirroring the teacher's
// GetUserConfigPath.
func ConfigPath() string {
	if p := os.Getenv("QUILL_CONFIG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "quill", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "quill", "config.yaml")
	}
	return filepath.Join(home, ".config", "quill", "config.yaml")
}

// Load builds a Config by layering defaults, an optional YAML file at path
// (ConfigPath() if path is empty), and QUILL_* environment overrides, then
// validates the result.
func Load(path string) (*Config, error) {
	cfg := New()

	if path == "" {
		path = ConfigPath()
	}
	if data, err := os.ReadFile(path); err == nil {
		var parsed Config
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
		cfg.mergeWith(&parsed)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// mergeWith overlays non-zero fields from other onto c, the teacher's own
// merge-by-non-zero-value strategy for layered config files.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}
	if other.DataDir != "" {
		c.DataDir = other.DataDir
	}

	if other.Storage.MapSizeMB != 0 {
		c.Storage.MapSizeMB = other.Storage.MapSizeMB
	}
	if other.Storage.LockTimeout != "" {
		c.Storage.LockTimeout = other.Storage.LockTimeout
	}

	if other.Scheduler.PollInterval != "" {
		c.Scheduler.PollInterval = other.Scheduler.PollInterval
	}
	if other.Scheduler.MaxBatchedTasks != 0 {
		c.Scheduler.MaxBatchedTasks = other.Scheduler.MaxBatchedTasks
	}
	if other.Scheduler.SnapshotInterval != "" {
		c.Scheduler.SnapshotInterval = other.Scheduler.SnapshotInterval
	}
	if other.Scheduler.IndexWorkers != 0 {
		c.Scheduler.IndexWorkers = other.Scheduler.IndexWorkers
	}

	if other.IndexDefaults.PaginationMaxTotalHits != 0 {
		c.IndexDefaults.PaginationMaxTotalHits = other.IndexDefaults.PaginationMaxTotalHits
	}
	if other.IndexDefaults.MaxProximity != 0 {
		c.IndexDefaults.MaxProximity = other.IndexDefaults.MaxProximity
	}
	if other.IndexDefaults.MaxPrefixLen != 0 {
		c.IndexDefaults.MaxPrefixLen = other.IndexDefaults.MaxPrefixLen
	}
	if other.IndexDefaults.SearchCutoffMs != 0 {
		c.IndexDefaults.SearchCutoffMs = other.IndexDefaults.SearchCutoffMs
	}
	if other.IndexDefaults.OneTypoMinWordLen != 0 {
		c.IndexDefaults.OneTypoMinWordLen = other.IndexDefaults.OneTypoMinWordLen
	}
	if other.IndexDefaults.TwoTypoMinWordLen != 0 {
		c.IndexDefaults.TwoTypoMinWordLen = other.IndexDefaults.TwoTypoMinWordLen
	}

	for name, ec := range other.Embedders {
		c.Embedders[name] = ec
	}

	if other.Server.Transport != "" {
		c.Server.Transport = other.Server.Transport
	}
	if other.Server.Port != 0 {
		c.Server.Port = other.Server.Port
	}
	if other.Server.LogLevel != "" {
		c.Server.LogLevel = other.Server.LogLevel
	}
}

// applyEnvOverrides applies QUILL_* environment variable overrides, highest
// precedence per the teacher's layering order.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("QUILL_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("QUILL_STORAGE_MAP_SIZE_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Storage.MapSizeMB = n
		}
	}
	if v := os.Getenv("QUILL_SCHEDULER_POLL_INTERVAL"); v != "" {
		c.Scheduler.PollInterval = v
	}
	if v := os.Getenv("QUILL_SCHEDULER_MAX_BATCHED_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Scheduler.MaxBatchedTasks = n
		}
	}
	if v := os.Getenv("QUILL_SEARCH_CUTOFF_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.IndexDefaults.SearchCutoffMs = n
		}
	}
	if v := os.Getenv("QUILL_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	if v := os.Getenv("QUILL_TRANSPORT"); v != "" {
		c.Server.Transport = v
	}

	for name := range c.Embedders {
		envName := "QUILL_EMBEDDER_" + strings.ToUpper(name) + "_API_KEY"
		if v := os.Getenv(envName); v != "" {
			ec := c.Embedders[name]
			ec.APIKey = v
			c.Embedders[name] = ec
		}
	}
}

// Validate rejects a configuration that would fail downstream at
// storage.Open/pipeline.New/scheduler.NewLoop construction time.
func (c *Config) Validate() error {
	if c.Storage.MapSizeMB <= 0 {
		return fmt.Errorf("storage.map_size_mb must be positive, got %d", c.Storage.MapSizeMB)
	}
	if c.Scheduler.IndexWorkers <= 0 {
		return fmt.Errorf("scheduler.index_workers must be positive, got %d", c.Scheduler.IndexWorkers)
	}
	if c.Scheduler.MaxBatchedTasks <= 0 {
		return fmt.Errorf("scheduler.max_batched_tasks must be positive, got %d", c.Scheduler.MaxBatchedTasks)
	}
	if c.IndexDefaults.SearchCutoffMs < 0 {
		return fmt.Errorf("index_defaults.search_cutoff_ms must be non-negative, got %d", c.IndexDefaults.SearchCutoffMs)
	}
	if c.IndexDefaults.OneTypoMinWordLen <= 0 || c.IndexDefaults.TwoTypoMinWordLen <= 0 {
		return fmt.Errorf("typo word-length thresholds must be positive")
	}
	if c.IndexDefaults.OneTypoMinWordLen >= c.IndexDefaults.TwoTypoMinWordLen {
		return fmt.Errorf("one_typo_min_word_len (%d) must be less than two_typo_min_word_len (%d)",
			c.IndexDefaults.OneTypoMinWordLen, c.IndexDefaults.TwoTypoMinWordLen)
	}

	validTransports := map[string]bool{"http": true, "stdio": true}
	if !validTransports[strings.ToLower(c.Server.Transport)] {
		return fmt.Errorf("server.transport must be 'http' or 'stdio', got %s", c.Server.Transport)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Server.LogLevel)] {
		return fmt.Errorf("server.log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.Server.LogLevel)
	}

	for name, ec := range c.Embedders {
		validSources := map[string]bool{"openAi": true, "ollama": true, "huggingFace": true, "userProvided": true, "rest": true, "composite": true}
		if !validSources[ec.Source] {
			return fmt.Errorf("embedders.%s.source %q is not a known embedder source", name, ec.Source)
		}
	}

	return nil
}

// WriteYAML persists c to path, creating parent directories as needed.
func (c *Config) WriteYAML(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file %s: %w", path, err)
	}
	return nil
}
