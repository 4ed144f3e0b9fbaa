// Package config loads and validates the context engine configuration.
// All configuration comes from YAML files, with environment variable
// expansion and a small set of env overrides for deployment-specific
// paths; Validate rejects the required settings it checks (service,
// timeouts, memory, storage paths, archive algorithm, S3 bucket) when
// they are unset or out of range, rather than silently defaulting them.
//
// FILES:
//   - config.go:     Root Config struct, Load(), Validate()
//   - monitoring.go: Logging settings
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the context storage engine.
// No defaults are applied here; Validate checks the fields it lists
// and leaves the others as loaded.
type Config struct {
	Engine     EngineConfig     `yaml:"engine"`     // routing, fallback, replication, timeouts
	Memory     MemoryConfig     `yaml:"memory"`      // hot cache backend
	Indexed    IndexedConfig    `yaml:"indexed"`     // SQLite-backed indexed backend
	Archive    ArchiveConfig    `yaml:"archive"`     // filesystem archive backend
	Queue      QueueConfig      `yaml:"queue"`       // handoff queue
	Monitoring MonitoringConfig `yaml:"monitoring"`  // logging
}

// EngineConfig controls routing, fallback, replication, and operation timeouts.
type EngineConfig struct {
	DefaultStorageService string        `yaml:"default_storage_service"` // memory, indexed, archive
	FallbackEnabled       bool          `yaml:"fallback_enabled"`
	ReplicationEnabled    bool          `yaml:"replication_enabled"`
	BatchSize             int           `yaml:"batch_size"`
	MaxConcurrency        int           `yaml:"max_concurrency"`
	Timeout               time.Duration `yaml:"timeout"`
	HealthCheckInterval   time.Duration `yaml:"health_check_interval"`
	HealthCheckEnabled    bool          `yaml:"health_check_enabled"`
}

// MemoryConfig tunes the in-memory hot cache backend.
type MemoryConfig struct {
	MaxSizeBytes       int64         `yaml:"max_size_bytes"`
	EvictionPolicy     string        `yaml:"eviction_policy"` // LRU, LFU, FIFO
	DefaultTTL         time.Duration `yaml:"default_ttl"`
	CompressionEnabled bool          `yaml:"compression_enabled"`
	MetricsEnabled     bool          `yaml:"metrics_enabled"`
}

// IndexedConfig tunes the SQLite-backed indexed backend.
type IndexedConfig struct {
	DatabasePath          string `yaml:"database_path"`
	JournalMode           string `yaml:"journal_mode"` // WAL recommended
	CacheSize             int    `yaml:"cache_size"`
	IndexingEnabled       bool   `yaml:"indexing_enabled"`
	FullTextSearchEnabled bool   `yaml:"full_text_search_enabled"`
}

// ArchiveConfig tunes the filesystem archive backend and its optional S3 backup.
type ArchiveConfig struct {
	BasePath           string `yaml:"base_path"`
	CompressionEnabled bool   `yaml:"compression_enabled"`
	DefaultAlgorithm   string `yaml:"default_algorithm"` // none, lz4, gzip, brotli, zstd
	MaxFileSize        int64  `yaml:"max_file_size"`
	ArchiveEnabled     bool   `yaml:"archive_enabled"`
	ArchiveAfterDays   int    `yaml:"archive_after_days"`
	S3BackupEnabled    bool   `yaml:"s3_backup_enabled"`
	S3BackupBucket     string `yaml:"s3_backup_bucket"`
	S3BackupPrefix     string `yaml:"s3_backup_prefix"`
}

// QueueConfig tunes the priority handoff queue feeding the engine.
type QueueConfig struct {
	MaxSize    int           `yaml:"max_size"` // 0 = unbounded
	MessageTTL time.Duration `yaml:"message_ttl"`
}

// expandEnvWithDefaults expands environment variables with support for default values.
// Supports both ${VAR} and ${VAR:-default} syntax.
func expandEnvWithDefaults(s string) string {
	// Pattern matches ${VAR:-default} or ${VAR}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name and default value
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultValue := ""
		if len(parts) > 2 {
			defaultValue = parts[2]
		}

		// Get environment variable value
		if value := os.Getenv(varName); value != "" {
			return value
		}

		// Return default if provided, otherwise empty string
		return defaultValue
	})
}

// Load reads configuration from a YAML file.
// Returns an error if the file doesn't exist or is invalid.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes.
// Supports ${VAR:-default} env var expansion, env overrides, and validation.
func LoadFromBytes(data []byte) (*Config, error) {
	// Expand environment variables (supports ${VAR:-default} syntax)
	expanded := expandEnvWithDefaults(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides for storage paths
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ExpandEnvWithDefaults expands environment variables with support for default values.
func ExpandEnvWithDefaults(s string) string {
	return expandEnvWithDefaults(s)
}

// applyEnvOverrides applies environment variable overrides to the config.
// This allows external orchestrators to redirect log/db paths without
// modifying the base config files.
func (c *Config) applyEnvOverrides() {
	// ENGINE_LOG_OUTPUT overrides the log output path
	if envPath := os.Getenv("ENGINE_LOG_OUTPUT"); envPath != "" {
		c.Monitoring.LogOutput = envPath
	}

	// ENGINE_INDEXED_DB_PATH overrides the SQLite database path
	if envPath := os.Getenv("ENGINE_INDEXED_DB_PATH"); envPath != "" {
		c.Indexed.DatabasePath = envPath
	}

	// ENGINE_ARCHIVE_BASE_PATH overrides the archive backend's base directory
	if envPath := os.Getenv("ENGINE_ARCHIVE_BASE_PATH"); envPath != "" {
		c.Archive.BasePath = envPath
	}
}

var validServices = map[string]bool{"memory": true, "indexed": true, "archive": true}
var validEvictionPolicies = map[string]bool{"LRU": true, "LFU": true, "FIFO": true}
var validAlgorithms = map[string]bool{"none": true, "lz4": true, "gzip": true, "brotli": true, "zstd": true}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	// Engine validation
	if c.Engine.DefaultStorageService == "" {
		return fmt.Errorf("engine.default_storage_service is required")
	}
	if !validServices[c.Engine.DefaultStorageService] {
		return fmt.Errorf("invalid engine.default_storage_service: %s", c.Engine.DefaultStorageService)
	}
	if c.Engine.Timeout == 0 {
		return fmt.Errorf("engine.timeout is required")
	}
	if c.Engine.HealthCheckEnabled && c.Engine.HealthCheckInterval == 0 {
		return fmt.Errorf("engine.health_check_interval is required when health checks are enabled")
	}

	// Memory backend validation
	if c.Memory.MaxSizeBytes <= 0 {
		return fmt.Errorf("memory.max_size_bytes must be > 0")
	}
	if c.Memory.EvictionPolicy == "" {
		return fmt.Errorf("memory.eviction_policy is required")
	}
	if !validEvictionPolicies[c.Memory.EvictionPolicy] {
		return fmt.Errorf("invalid memory.eviction_policy: %s", c.Memory.EvictionPolicy)
	}
	if c.Memory.DefaultTTL == 0 {
		return fmt.Errorf("memory.default_ttl is required")
	}

	// Indexed backend validation
	if c.Indexed.DatabasePath == "" {
		return fmt.Errorf("indexed.database_path is required")
	}

	// Archive backend validation
	if c.Archive.BasePath == "" {
		return fmt.Errorf("archive.base_path is required")
	}
	if c.Archive.DefaultAlgorithm == "" {
		return fmt.Errorf("archive.default_algorithm is required")
	}
	if !validAlgorithms[c.Archive.DefaultAlgorithm] {
		return fmt.Errorf("invalid archive.default_algorithm: %s", c.Archive.DefaultAlgorithm)
	}
	if c.Archive.S3BackupEnabled && c.Archive.S3BackupBucket == "" {
		return fmt.Errorf("archive.s3_backup_bucket is required when s3_backup_enabled is true")
	}

	return nil
}
