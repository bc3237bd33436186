package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/mitchellh/mapstructure"

	"github.com/marmos91/dittobackup/internal/logger"
	"github.com/marmos91/dittobackup/internal/ratelimiter"
	"github.com/marmos91/dittobackup/pkg/api"
	"github.com/marmos91/dittobackup/pkg/catalog"
	badgercatalog "github.com/marmos91/dittobackup/pkg/catalog/badger"
	memcatalog "github.com/marmos91/dittobackup/pkg/catalog/memory"
	"github.com/marmos91/dittobackup/pkg/chunkstore"
	fsstore "github.com/marmos91/dittobackup/pkg/chunkstore/fs"
	memstore "github.com/marmos91/dittobackup/pkg/chunkstore/memory"
	s3store "github.com/marmos91/dittobackup/pkg/chunkstore/s3"
	"github.com/marmos91/dittobackup/pkg/datastore"
	"github.com/marmos91/dittobackup/pkg/gc"
	"github.com/marmos91/dittobackup/pkg/pipeline"
)

// decodeOptions decodes a type-specific option map. Values coming from
// environment variables are strings, so weak typing is enabled.
func decodeOptions(options map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	return decoder.Decode(options)
}

// CreateStore creates an object store based on configuration.
//
// This factory function uses the Type field to determine which store implementation
// to create, then decodes the type-specific configuration from the corresponding
// map and passes it to the store's constructor.
//
// Supported types:
//   - "memory": Uses pkg/chunkstore/memory (ephemeral, for tests and demos)
//   - "filesystem": Uses pkg/chunkstore/fs (local filesystem storage)
//   - "s3": Uses pkg/chunkstore/s3 (Amazon S3 or compatible storage)
//
// Parameters:
//   - ctx: Context for initialization operations
//   - cfg: Store configuration
//   - s3Metrics: Metrics for the S3 store (nil disables collection)
//
// Returns:
//   - chunkstore.Store: Initialized store
//   - error: Configuration or initialization error
func CreateStore(ctx context.Context, cfg *StoreConfig, s3Metrics s3store.Metrics) (chunkstore.Store, error) {
	switch cfg.Type {
	case "memory":
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return memstore.New(), nil
	case "filesystem":
		return createFilesystemStore(ctx, cfg.Filesystem)
	case "s3":
		return createS3Store(ctx, cfg.S3, s3Metrics)
	default:
		return nil, fmt.Errorf("unknown store type: %q (supported: memory, filesystem, s3)", cfg.Type)
	}
}

// createFilesystemStore creates a filesystem-based object store.
func createFilesystemStore(ctx context.Context, options map[string]any) (chunkstore.Store, error) {
	type FilesystemStoreConfig struct {
		Path string `mapstructure:"path"`
	}

	var storeCfg FilesystemStoreConfig
	if err := decodeOptions(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode filesystem store config: %w", err)
	}

	if storeCfg.Path == "" {
		return nil, fmt.Errorf("filesystem store: path is required")
	}

	store, err := fsstore.New(ctx, storeCfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem store: %w", err)
	}

	return store, nil
}

// S3StoreConfig holds the decoded store.s3 options.
type S3StoreConfig struct {
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	KeyPrefix       string `mapstructure:"key_prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	MaxRetries      int    `mapstructure:"max_retries"`
}

// NewS3Client builds an S3 client from decoded options.
//
// A custom endpoint (MinIO, Localstack) switches the client to path-style
// addressing. Without static credentials the default AWS credential chain
// is used.
func NewS3Client(ctx context.Context, storeCfg S3StoreConfig) (*s3.Client, error) {
	if storeCfg.Region == "" {
		return nil, fmt.Errorf("S3 store: region is required")
	}

	// ========================================================================
	// Step 1: Build AWS Config
	// ========================================================================

	configOptions := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithRegion(storeCfg.Region),
	}

	if storeCfg.AccessKeyID != "" && storeCfg.SecretAccessKey != "" {
		credProvider := credentials.NewStaticCredentialsProvider(
			storeCfg.AccessKeyID,
			storeCfg.SecretAccessKey,
			"", // session token (empty for static credentials)
		)
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(credProvider))
	}

	// Default to 10 attempts (AWS default is 3)
	maxRetries := storeCfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// ========================================================================
	// Step 2: Create S3 Client
	// ========================================================================

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if storeCfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(storeCfg.Endpoint)
			o.UsePathStyle = true
		}
		if storeCfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	}), nil
}

// createS3Store creates an S3-based object store.
func createS3Store(ctx context.Context, options map[string]any, s3Metrics s3store.Metrics) (chunkstore.Store, error) {
	var storeCfg S3StoreConfig
	if err := decodeOptions(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode S3 store config: %w", err)
	}

	if storeCfg.Bucket == "" {
		return nil, fmt.Errorf("S3 store: bucket is required")
	}

	client, err := NewS3Client(ctx, storeCfg)
	if err != nil {
		return nil, err
	}

	store, err := s3store.New(ctx, s3store.Config{
		Client:    client,
		Bucket:    storeCfg.Bucket,
		KeyPrefix: storeCfg.KeyPrefix,
		Metrics:   s3Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 store: %w", err)
	}

	logger.Info("S3 store initialized: bucket=%s, region=%s, prefix=%s",
		storeCfg.Bucket, storeCfg.Region, storeCfg.KeyPrefix)

	return store, nil
}

// CreateCatalog creates a snapshot catalog based on configuration.
//
// Supported types:
//   - "memory": Uses pkg/catalog/memory (ephemeral)
//   - "badger": Uses pkg/catalog/badger (BadgerDB storage, persistent)
func CreateCatalog(ctx context.Context, cfg *CatalogConfig) (catalog.Catalog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case "memory":
		return memcatalog.New(), nil
	case "badger":
		var catCfg badgercatalog.Config
		if err := decodeOptions(cfg.Badger, &catCfg); err != nil {
			return nil, fmt.Errorf("failed to decode badger catalog options: %w", err)
		}
		if catCfg.DBPath == "" && !catCfg.InMemory {
			return nil, fmt.Errorf("badger catalog: db_path is required")
		}
		cat, err := badgercatalog.New(ctx, catCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create badger catalog: %w", err)
		}
		return cat, nil
	default:
		return nil, fmt.Errorf("unknown catalog type: %q (supported: memory, badger)", cfg.Type)
	}
}

// CreateServer creates the datastore server over an existing store and catalog.
func CreateServer(cfg *ServerConfig, store chunkstore.Store, cat catalog.Catalog) (*datastore.Server, error) {
	compression, err := datastore.ParseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}

	return datastore.New(datastore.Config{
		Name:        cfg.Name,
		Store:       store,
		Catalog:     cat,
		Fingerprint: cfg.Fingerprint,
		Users:       cfg.Users,
		Compression: compression,
	})
}

// CreatePipelineOptions converts the pipeline section. The limiter is nil
// when no upload rate is configured.
func CreatePipelineOptions(cfg *PipelineConfig, m pipeline.Metrics) pipeline.Options {
	limiter := ratelimiter.New(cfg.UploadRate, cfg.UploadBurst)
	if limiter != nil {
		logger.Debug("Upload rate limited to %d B/s (burst %d B)", cfg.UploadRate, limiter.Burst())
	}

	return pipeline.Options{
		MaxInFlight: cfg.MaxInFlight,
		Limiter:     limiter,
		Metrics:     m,
	}
}

// CreateCollector creates the garbage collector for server.
func CreateCollector(cfg *GCConfig, server *datastore.Server) (*gc.Collector, error) {
	return gc.NewCollector(server, gc.Config{
		Enabled:   cfg.Enabled,
		Interval:  cfg.Interval,
		BatchSize: cfg.BatchSize,
		DryRun:    cfg.DryRun,
	})
}

// Runtime holds every component built from one configuration.
type Runtime struct {
	Config    *Config
	Metrics   *MetricsResult
	Store     chunkstore.Store
	Catalog   catalog.Catalog
	Server    *datastore.Server
	Library   *api.Library
	Collector *gc.Collector
}

// NewRuntime builds the store, catalog, datastore server, library and
// collector described by cfg. On error, components already created are
// closed.
func NewRuntime(ctx context.Context, cfg *Config) (*Runtime, error) {
	rt := &Runtime{
		Config:  cfg,
		Metrics: InitializeMetrics(cfg),
	}

	var err error
	if rt.Store, err = CreateStore(ctx, &cfg.Store, rt.Metrics.S3); err != nil {
		return nil, err
	}
	if rt.Catalog, err = CreateCatalog(ctx, &cfg.Catalog); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	if rt.Server, err = CreateServer(&cfg.Server, rt.Store, rt.Catalog); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	if rt.Collector, err = CreateCollector(&cfg.GC, rt.Server); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}

	rt.Library, err = api.New(api.Options{
		Backend:   rt.Server,
		Pipeline:  CreatePipelineOptions(&cfg.Pipeline, rt.Metrics.Pipeline),
		ReadAhead: cfg.Restore.ReadAhead,
	})
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}

	logger.Debug("Runtime ready: store=%s catalog=%s compression=%s",
		cfg.Store.Type, cfg.Catalog.Type, cfg.Server.Compression)
	return rt, nil
}

// Close releases the runtime in reverse construction order.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error

	if rt.Library != nil {
		rt.Library.Close()
	}
	if rt.Collector != nil {
		if err := rt.Collector.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping collector: %w", err))
		}
	}
	if rt.Catalog != nil {
		if err := rt.Catalog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing catalog: %w", err))
		}
	}
	if rt.Store != nil {
		if err := rt.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing store: %w", err))
		}
	}
	if rt.Metrics != nil && rt.Metrics.Server != nil {
		if err := rt.Metrics.Server.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
