package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete dittobackup configuration.
//
// This structure captures:
//   - Logging configuration
//   - Object store selection and configuration (store-specific)
//   - Snapshot catalog selection and configuration
//   - Datastore server settings (users, fingerprint, compression)
//   - Upload pipeline and restore tuning
//   - Garbage collection and metrics
//   - Client defaults used by the CLI
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (DITTOBACKUP_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
//
// Store Configuration Pattern:
// Each store implementation defines its own configuration type. The Config
// struct contains type-specific maps (e.g., store.filesystem, store.s3) and
// only the map matching the selected type is decoded.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Store specifies the object store holding chunks and snapshot files
	Store StoreConfig `mapstructure:"store" yaml:"store"`

	// Catalog specifies where committed snapshots are recorded
	Catalog CatalogConfig `mapstructure:"catalog" yaml:"catalog"`

	// Server contains datastore settings
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Pipeline tunes backup uploads
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`

	// Restore tunes restore sessions
	Restore RestoreConfig `mapstructure:"restore" yaml:"restore"`

	// GC configures the orphan collector
	GC GCConfig `mapstructure:"gc" yaml:"gc"`

	// Metrics configures Prometheus collection
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Client holds defaults for CLI sessions
	Client ClientConfig `mapstructure:"client" yaml:"client"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// StoreConfig specifies object store configuration.
type StoreConfig struct {
	// Type specifies which store implementation to use
	// Valid values: memory, filesystem, s3
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=memory filesystem s3"`

	// Filesystem contains filesystem-specific configuration (path)
	Filesystem map[string]any `mapstructure:"filesystem" yaml:"filesystem"`

	// S3 contains S3-specific configuration
	// (bucket, region, endpoint, key_prefix, access_key_id, secret_access_key,
	// force_path_style, max_retries)
	S3 map[string]any `mapstructure:"s3" yaml:"s3"`
}

// CatalogConfig specifies snapshot catalog configuration.
type CatalogConfig struct {
	// Type specifies which catalog implementation to use
	// Valid values: memory, badger
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=memory badger"`

	// Badger contains BadgerDB-specific configuration
	// (db_path, in_memory, block_cache_size_mb)
	Badger map[string]any `mapstructure:"badger" yaml:"badger"`
}

// ServerConfig contains datastore settings.
type ServerConfig struct {
	// Name is the datastore name clients address ("user@host:<name>").
	// Empty accepts any name.
	Name string `mapstructure:"name" yaml:"name"`

	// Fingerprint identifies this server; clients may pin it
	Fingerprint string `mapstructure:"fingerprint" yaml:"fingerprint"`

	// Users maps user names to passwords. Empty disables authentication.
	Users map[string]string `mapstructure:"users" yaml:"users"`

	// Compression applied to chunks and blobs
	// Valid values: none, zstd, lz4
	Compression string `mapstructure:"compression" yaml:"compression" validate:"required,oneof=none zstd lz4"`

	// ShutdownTimeout bounds how long the CLI waits for sessions and the
	// metrics server to stop
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"required,gt=0"`
}

// PipelineConfig tunes the upload pipeline.
type PipelineConfig struct {
	// MaxInFlight bounds outstanding chunk uploads per session
	MaxInFlight int `mapstructure:"max_in_flight" yaml:"max_in_flight" validate:"gte=1,lte=1024"`

	// UploadRate limits upload throughput in bytes per second (0 = unlimited)
	UploadRate uint64 `mapstructure:"upload_rate" yaml:"upload_rate"`

	// UploadBurst is the token bucket size in bytes (0 = one second of upload_rate)
	UploadBurst uint64 `mapstructure:"upload_burst" yaml:"upload_burst"`

	// ChunkSize is the default chunk size for new backups
	ChunkSize uint64 `mapstructure:"chunk_size" yaml:"chunk_size"`
}

// RestoreConfig tunes restore sessions.
type RestoreConfig struct {
	// ReadAhead bounds chunks fetched ahead of delivery
	ReadAhead int `mapstructure:"read_ahead" yaml:"read_ahead" validate:"gte=1,lte=256"`
}

// GCConfig configures garbage collection.
type GCConfig struct {
	// Enabled runs collection periodically in long-running commands
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Interval between periodic runs
	Interval time.Duration `mapstructure:"interval" yaml:"interval" validate:"gt=0"`

	// BatchSize is the number of objects deleted per batch
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size" validate:"gte=1,lte=1000"`

	// DryRun logs deletions without performing them
	DryRun bool `mapstructure:"dry_run" yaml:"dry_run"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	// Enabled initializes the registry and the HTTP endpoint
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port for the metrics HTTP server
	Port int `mapstructure:"port" yaml:"port" validate:"omitempty,min=1,max=65535"`
}

// ClientConfig holds session defaults for the CLI. Flags override them.
type ClientConfig struct {
	// Repository is "[[user@]host:]store"
	Repository string `mapstructure:"repository" yaml:"repository"`

	// Password authenticates the user
	Password string `mapstructure:"password" yaml:"password"`

	// Keyfile enables encryption
	Keyfile string `mapstructure:"keyfile" yaml:"keyfile"`

	// KeyPassword unlocks a protected keyfile
	KeyPassword string `mapstructure:"key_password" yaml:"key_password"`

	// Fingerprint pins the server fingerprint
	Fingerprint string `mapstructure:"fingerprint" yaml:"fingerprint"`
}

// envKeys are bound explicitly so environment variables apply even when the
// config file does not mention them.
var envKeys = []string{
	"logging.level",
	"logging.format",
	"logging.output",
	"store.type",
	"catalog.type",
	"server.name",
	"server.fingerprint",
	"server.compression",
	"pipeline.max_in_flight",
	"pipeline.upload_rate",
	"metrics.enabled",
	"metrics.port",
	"client.repository",
	"client.password",
	"client.keyfile",
	"client.key_password",
	"client.fingerprint",
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (DITTOBACKUP_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	// Example: DITTOBACKUP_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("DITTOBACKUP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	// Default location: $XDG_CONFIG_HOME/dittobackup/config.yaml
	v.AddConfigPath(getConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

// readConfigFile reads the configuration file if it exists. A missing file
// is not an error.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns $XDG_CONFIG_HOME/dittobackup, ~/.config/dittobackup,
// or "." when no home directory is available.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dittobackup")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "dittobackup")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
