package config

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/marmos91/dittobackup/pkg/api"
	"github.com/marmos91/dittobackup/pkg/setup"
)

func TestCreateStore_Filesystem(t *testing.T) {
	ctx := context.Background()
	cfg := &StoreConfig{
		Type:       "filesystem",
		Filesystem: map[string]any{"path": t.TempDir()},
	}

	store, err := CreateStore(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("Failed to create filesystem store: %v", err)
	}
	defer func() { _ = store.Close() }()

	if err := store.Put(ctx, "probe", []byte("x")); err != nil {
		t.Fatalf("Put on filesystem store failed: %v", err)
	}
}

func TestCreateStore_FilesystemMissingPath(t *testing.T) {
	cfg := &StoreConfig{
		Type:       "filesystem",
		Filesystem: map[string]any{},
	}

	_, err := CreateStore(context.Background(), cfg, nil)
	if err == nil {
		t.Fatal("Expected error for missing path")
	}
	if !strings.Contains(err.Error(), "path is required") {
		t.Errorf("Expected 'path is required' error, got: %v", err)
	}
}

func TestCreateStore_Memory(t *testing.T) {
	store, err := CreateStore(context.Background(), &StoreConfig{Type: "memory"}, nil)
	if err != nil {
		t.Fatalf("Failed to create memory store: %v", err)
	}
	if store == nil {
		t.Fatal("Expected non-nil store")
	}
}

func TestCreateStore_S3MissingBucket(t *testing.T) {
	cfg := &StoreConfig{
		Type: "s3",
		S3:   map[string]any{"region": "us-east-1"},
	}

	_, err := CreateStore(context.Background(), cfg, nil)
	if err == nil {
		t.Fatal("Expected error for missing bucket")
	}
	if !strings.Contains(err.Error(), "bucket is required") {
		t.Errorf("Expected 'bucket is required' error, got: %v", err)
	}
}

func TestCreateStore_UnknownType(t *testing.T) {
	_, err := CreateStore(context.Background(), &StoreConfig{Type: "tape"}, nil)
	if err == nil {
		t.Fatal("Expected error for unknown store type")
	}
}

func TestNewS3Client(t *testing.T) {
	client, err := NewS3Client(context.Background(), S3StoreConfig{
		Region:          "us-east-1",
		Endpoint:        "http://localhost:4566",
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	})
	if err != nil {
		t.Fatalf("Failed to build S3 client: %v", err)
	}

	opts := client.Options()
	if !opts.UsePathStyle {
		t.Error("Expected path-style addressing with a custom endpoint")
	}
	if opts.BaseEndpoint == nil || *opts.BaseEndpoint != "http://localhost:4566" {
		t.Errorf("Expected custom endpoint, got %v", opts.BaseEndpoint)
	}
	if opts.Retryer.MaxAttempts() != 10 {
		t.Errorf("Expected 10 retry attempts, got %d", opts.Retryer.MaxAttempts())
	}

	if _, err := NewS3Client(context.Background(), S3StoreConfig{}); err == nil {
		t.Error("Expected error for missing region")
	}
}

func TestCreateCatalog(t *testing.T) {
	ctx := context.Background()

	mem, err := CreateCatalog(ctx, &CatalogConfig{Type: "memory"})
	if err != nil {
		t.Fatalf("Failed to create memory catalog: %v", err)
	}
	_ = mem.Close()

	cat, err := CreateCatalog(ctx, &CatalogConfig{
		Type:   "badger",
		Badger: map[string]any{"db_path": t.TempDir(), "block_cache_size_mb": "16"},
	})
	if err != nil {
		t.Fatalf("Failed to create badger catalog: %v", err)
	}
	defer func() { _ = cat.Close() }()

	if _, err := cat.Latest(ctx, "vm/100"); err == nil {
		t.Error("Expected empty catalog")
	}

	if _, err := CreateCatalog(ctx, &CatalogConfig{Type: "badger", Badger: map[string]any{}}); err == nil {
		t.Error("Expected error for badger catalog without db_path")
	}
	if _, err := CreateCatalog(ctx, &CatalogConfig{Type: "postgres"}); err == nil {
		t.Error("Expected error for unknown catalog type")
	}
}

func TestCreateServer_InvalidCompression(t *testing.T) {
	_, err := CreateServer(&ServerConfig{Compression: "gzip"}, nil, nil)
	if err == nil {
		t.Fatal("Expected error for unknown compression")
	}
}

func TestCreatePipelineOptions(t *testing.T) {
	opts := CreatePipelineOptions(&PipelineConfig{MaxInFlight: 4}, nil)
	if opts.MaxInFlight != 4 {
		t.Errorf("Expected max in flight 4, got %d", opts.MaxInFlight)
	}
	if opts.Limiter != nil {
		t.Error("Expected no limiter without an upload rate")
	}

	opts = CreatePipelineOptions(&PipelineConfig{MaxInFlight: 4, UploadRate: 1 << 20}, nil)
	if opts.Limiter == nil {
		t.Fatal("Expected a limiter with an upload rate")
	}
	if got := opts.Limiter.Burst(); got != 1<<20 {
		t.Errorf("Expected burst of one second (%d), got %d", 1<<20, got)
	}
}

func memoryConfig(t *testing.T) *Config {
	t.Helper()
	cfg := GetDefaultConfig()
	cfg.Store.Type = "memory"
	cfg.Catalog.Type = "memory"
	cfg.Server.Name = "tank"
	cfg.Server.Users = map[string]string{"root@pam": "secret"}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Invalid test config: %v", err)
	}
	return cfg
}

func TestNewRuntime_BackupAndRestore(t *testing.T) {
	ctx := context.Background()
	rt, err := NewRuntime(ctx, memoryConfig(t))
	if err != nil {
		t.Fatalf("Failed to build runtime: %v", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	}()

	if rt.Metrics.Server != nil {
		t.Error("Expected no metrics server when metrics are disabled")
	}

	const chunkSize = 64 * 1024
	lib := rt.Library
	var errMsg *api.ErrorMessage

	h := lib.BackupNew("root@pam@localhost:tank", "100", 1700000000, chunkSize, "secret", "", "", "", &errMsg)
	if errMsg != nil {
		t.Fatalf("BackupNew failed: %v", errMsg)
	}
	if lib.Connect(h, &errMsg) < 0 {
		t.Fatalf("Connect failed: %v", errMsg)
	}
	dev := lib.RegisterImage(h, "disk0", chunkSize, false, &errMsg)
	if dev < 0 {
		t.Fatalf("RegisterImage failed: %v", errMsg)
	}
	data := []byte(strings.Repeat("d", chunkSize))
	if lib.WriteData(h, uint8(dev), data, 0, chunkSize, &errMsg) < 0 {
		t.Fatalf("WriteData failed: %v", errMsg)
	}
	if lib.CloseImage(h, uint8(dev), &errMsg) < 0 {
		t.Fatalf("CloseImage failed: %v", errMsg)
	}
	if lib.Finish(h, &errMsg) < 0 {
		t.Fatalf("Finish failed: %v", errMsg)
	}
	lib.Disconnect(h)

	records, err := rt.Server.Snapshots(ctx, "")
	if err != nil {
		t.Fatalf("Snapshots failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Expected one snapshot, got %d", len(records))
	}
	want := setup.Snapshot{Type: "vm", ID: "100", Time: time.Unix(1700000000, 0).UTC()}
	if got := records[0].Snapshot(); got.String() != want.String() {
		t.Errorf("Expected snapshot %s, got %s", want, got)
	}

	stats, err := rt.Collector.RunNow(ctx)
	if err != nil {
		t.Fatalf("GC failed: %v", err)
	}
	if stats.DeletedCount != 0 {
		t.Errorf("Expected nothing to collect, deleted %d", stats.DeletedCount)
	}
}

func TestNewRuntime_BadStore(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Store.Type = "filesystem"
	cfg.Store.Filesystem = map[string]any{}

	if _, err := NewRuntime(context.Background(), cfg); err == nil {
		t.Fatal("Expected error for filesystem store without path")
	}
}
