package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/dittobackup/pkg/setup"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Store-specific defaults are handled by store implementations
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyStoreDefaults(&cfg.Store)
	applyCatalogDefaults(&cfg.Catalog)
	applyServerDefaults(&cfg.Server)
	applyPipelineDefaults(&cfg.Pipeline)
	applyRestoreDefaults(&cfg.Restore)
	applyGCDefaults(&cfg.GC)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stderr"
	}
}

// applyStoreDefaults sets object store defaults.
func applyStoreDefaults(cfg *StoreConfig) {
	if cfg.Type == "" {
		cfg.Type = "filesystem"
	}

	if cfg.Filesystem == nil {
		cfg.Filesystem = make(map[string]any)
	}
	if cfg.S3 == nil {
		cfg.S3 = make(map[string]any)
	}

	// Defaults for every store type (for config file generation)
	if _, ok := cfg.Filesystem["path"]; !ok {
		cfg.Filesystem["path"] = filepath.Join(getDataDir(), "store")
	}
	if _, ok := cfg.S3["region"]; !ok {
		cfg.S3["region"] = "us-east-1"
	}
	if _, ok := cfg.S3["max_retries"]; !ok {
		cfg.S3["max_retries"] = 10
	}
}

// applyCatalogDefaults sets catalog defaults.
func applyCatalogDefaults(cfg *CatalogConfig) {
	if cfg.Type == "" {
		cfg.Type = "badger"
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
	if _, ok := cfg.Badger["db_path"]; !ok {
		cfg.Badger["db_path"] = filepath.Join(getDataDir(), "catalog")
	}
}

// applyServerDefaults sets datastore defaults.
func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Compression == "" {
		cfg.Compression = "zstd"
	}
	cfg.Compression = strings.ToLower(cfg.Compression)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	// Users defaults to empty (authentication disabled)
	if cfg.Users == nil {
		cfg.Users = map[string]string{}
	}
}

// applyPipelineDefaults sets upload pipeline defaults.
func applyPipelineDefaults(cfg *PipelineConfig) {
	if cfg.MaxInFlight == 0 {
		cfg.MaxInFlight = 16
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = setup.DefaultChunkSize
	}
	// UploadRate defaults to 0 (unlimited)
}

func applyRestoreDefaults(cfg *RestoreConfig) {
	if cfg.ReadAhead == 0 {
		cfg.ReadAhead = 8
	}
}

// applyGCDefaults sets garbage collection defaults.
func applyGCDefaults(cfg *GCConfig) {
	if cfg.Interval == 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 1000
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// getDataDir returns $XDG_DATA_HOME/dittobackup or ~/.local/share/dittobackup.
func getDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "dittobackup")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "dittobackup")
	}
	return filepath.Join(home, ".local", "share", "dittobackup")
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Store: StoreConfig{
			Filesystem: make(map[string]any),
			S3:         make(map[string]any),
		},
		Catalog: CatalogConfig{
			Badger: make(map[string]any),
		},
		Server: ServerConfig{
			Name:  "store",
			Users: map[string]string{},
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
