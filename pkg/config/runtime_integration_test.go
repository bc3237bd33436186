//go:build integration

package config

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/marmos91/dittobackup/pkg/api"
)

// TestRuntime_S3Integration builds a runtime on an S3 store through the
// factories and runs a backup and a restore against it.
//
// Prerequisites:
//   - Localstack running on localhost:4566 (or LOCALSTACK_ENDPOINT)
//   - Run with: go test -tags=integration ./pkg/config/...
func TestRuntime_S3Integration(t *testing.T) {
	ctx := context.Background()

	endpoint := os.Getenv("LOCALSTACK_ENDPOINT")
	if endpoint == "" {
		endpoint = "http://localhost:4566"
	}
	s3Cfg := S3StoreConfig{
		Region:          "us-east-1",
		Bucket:          fmt.Sprintf("dittobackup-runtime-%d", time.Now().UnixNano()),
		Endpoint:        endpoint,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		KeyPrefix:       "ds/",
	}

	client, err := NewS3Client(ctx, s3Cfg)
	if err != nil {
		t.Fatalf("Failed to build S3 client: %v", err)
	}
	if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s3Cfg.Bucket)}); err != nil {
		t.Fatalf("Failed to create bucket: %v", err)
	}

	cfg := GetDefaultConfig()
	cfg.Store.Type = "s3"
	cfg.Store.S3 = map[string]any{
		"region":            s3Cfg.Region,
		"bucket":            s3Cfg.Bucket,
		"endpoint":          s3Cfg.Endpoint,
		"access_key_id":     s3Cfg.AccessKeyID,
		"secret_access_key": s3Cfg.SecretAccessKey,
		"key_prefix":        s3Cfg.KeyPrefix,
	}
	cfg.Catalog.Type = "memory"
	cfg.Server.Name = "tank"
	if err := Validate(cfg); err != nil {
		t.Fatalf("Invalid config: %v", err)
	}

	rt, err := NewRuntime(ctx, cfg)
	if err != nil {
		t.Fatalf("Failed to build runtime: %v", err)
	}
	defer func() { _ = rt.Close(ctx) }()

	const chunkSize = 64 * 1024
	lib := rt.Library
	var msg *api.ErrorMessage

	h := lib.BackupNew("tank", "200", 1700000000, chunkSize, "", "", "", "", &msg)
	if msg != nil {
		t.Fatalf("BackupNew failed: %v", msg)
	}
	if lib.Connect(h, &msg) < 0 {
		t.Fatalf("Connect failed: %v", msg)
	}
	dev := lib.RegisterImage(h, "disk0", 2*chunkSize, false, &msg)
	if dev < 0 {
		t.Fatalf("RegisterImage failed: %v", msg)
	}
	data := make([]byte, chunkSize)
	for i := range data {
		data[i] = byte(i)
	}
	if lib.WriteData(h, uint8(dev), data, 0, chunkSize, &msg) < 0 {
		t.Fatalf("WriteData failed: %v", msg)
	}
	if lib.CloseImage(h, uint8(dev), &msg) < 0 || lib.Finish(h, &msg) < 0 {
		t.Fatalf("Commit failed: %v", msg)
	}
	lib.Disconnect(h)

	r := lib.RestoreConnect("tank", "vm/200/1700000000", "", "", "", "", &msg)
	if msg != nil {
		t.Fatalf("RestoreConnect failed: %v", msg)
	}
	defer lib.RestoreDisconnect(r)

	var restored, zeros uint64
	cb := func(_ any, offset uint64, d []byte, length uint64) int {
		if d == nil {
			zeros += length
		} else {
			restored += length
		}
		return 0
	}
	if lib.RestoreImage(r, "disk0", cb, nil, &msg, false) < 0 {
		t.Fatalf("RestoreImage failed: %v", msg)
	}
	if restored != chunkSize || zeros != chunkSize {
		t.Errorf("Expected %d data and %d sparse bytes, got %d and %d", chunkSize, chunkSize, restored, zeros)
	}
}
