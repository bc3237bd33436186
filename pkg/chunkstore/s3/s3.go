// Package s3 implements a chunkstore.Store on Amazon S3 or any
// S3-compatible object storage.
//
// Store keys map directly to object keys below an optional prefix:
//
//	Key:        "chunks/ab12/ab12ff..."
//	Key Prefix: "backups/"
//	S3 Key:     "backups/chunks/ab12/ab12ff..."
//
// Objects are written whole with PutObject; chunk blobs are bounded by the
// session chunk size (at most 16 MiB) so multipart uploads are never needed.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/marmos91/dittobackup/pkg/chunkstore"
)

// maxDeleteBatch is the DeleteObjects limit per request.
const maxDeleteBatch = 1000

// API is the subset of the S3 client used by the store. *s3.Client
// satisfies it.
type API interface {
	s3.ListObjectsV2APIClient
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// Store implements chunkstore.Store using S3.
//
// Thread Safety:
// Safe for concurrent use. Concurrent Puts to the same key are
// last-write-wins.
type Store struct {
	client    API
	bucket    string
	keyPrefix string
	metrics   Metrics
}

// Config contains configuration for the S3 store.
type Config struct {
	// Client is the configured S3 client
	Client API

	// Bucket is the S3 bucket name. It must already exist.
	Bucket string

	// KeyPrefix is an optional prefix for all object keys
	// Example: "dittobackup/" results in keys like "dittobackup/chunks/..."
	KeyPrefix string

	// Metrics receives per-operation observations. Nil disables collection.
	Metrics Metrics
}

// New creates an S3-backed store and verifies bucket access.
//
// Parameters:
//   - ctx: Context for cancellation and timeouts
//   - cfg: S3 configuration
//
// Returns:
//   - *Store: Initialized S3 store
//   - error: Returns error if bucket access fails or context is cancelled
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if cfg.KeyPrefix != "" && !strings.HasSuffix(cfg.KeyPrefix, "/") {
		cfg.KeyPrefix += "/"
	}

	if _, err := cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", cfg.Bucket, err)
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	return &Store{
		client:    cfg.Client,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
		metrics:   metrics,
	}, nil
}

func (s *Store) objectKey(key string) string {
	return s.keyPrefix + key
}

// isNotFound reports whether err is an S3 "no such key" style error.
// HeadObject reports a bare 404 as NotFound; GetObject uses NoSuchKey.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

// Put implements chunkstore.Store.
func (s *Store) Put(ctx context.Context, key string, data []byte) (err error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveOperation("PutObject", time.Since(start), err)
	}()

	if err = ctx.Err(); err != nil {
		return err
	}
	if err = chunkstore.ValidateKey(key); err != nil {
		return err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	s.metrics.RecordBytes("write", int64(len(data)))
	return nil
}

// Get implements chunkstore.Store.
func (s *Store) Get(ctx context.Context, key string) (data []byte, err error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveOperation("GetObject", time.Since(start), err)
	}()

	if err = ctx.Err(); err != nil {
		return nil, err
	}
	if err = chunkstore.ValidateKey(key); err != nil {
		return nil, err
	}

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("object %s: %w", key, chunkstore.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer result.Body.Close()

	data, err = io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	s.metrics.RecordBytes("read", int64(len(data)))
	return data, nil
}

func (s *Store) head(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := chunkstore.ValidateKey(key); err != nil {
		return nil, err
	}

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("object %s: %w", key, chunkstore.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to head object %s: %w", key, err)
	}
	return out, nil
}

// Exists implements chunkstore.Store.
func (s *Store) Exists(ctx context.Context, key string) (exists bool, err error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveOperation("HeadObject", time.Since(start), err)
	}()

	if _, err = s.head(ctx, key); err != nil {
		if errors.Is(err, chunkstore.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Size implements chunkstore.Store.
func (s *Store) Size(ctx context.Context, key string) (size uint64, err error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveOperation("HeadObject", time.Since(start), err)
	}()

	out, err := s.head(ctx, key)
	if err != nil {
		return 0, err
	}
	return uint64(aws.ToInt64(out.ContentLength)), nil
}

// Delete implements chunkstore.Store. S3 DeleteObject is idempotent.
func (s *Store) Delete(ctx context.Context, key string) (err error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveOperation("DeleteObject", time.Since(start), err)
	}()

	if err = ctx.Err(); err != nil {
		return err
	}
	if err = chunkstore.ValidateKey(key); err != nil {
		return err
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

// each pages through every object under the store prefix plus prefix.
func (s *Store) each(ctx context.Context, prefix string, fn func(key string, size int64)) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.keyPrefix + prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, obj := range page.Contents {
			key := strings.TrimPrefix(aws.ToString(obj.Key), s.keyPrefix)
			fn(key, aws.ToInt64(obj.Size))
		}
	}
	return nil
}

// List implements chunkstore.Store.
func (s *Store) List(ctx context.Context, prefix string) (keys []string, err error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveOperation("ListObjectsV2", time.Since(start), err)
	}()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	err = s.each(ctx, prefix, func(key string, _ int64) {
		keys = append(keys, key)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// DeleteBatch implements chunkstore.Store using DeleteObjects in batches of
// up to 1000 keys.
func (s *Store) DeleteBatch(ctx context.Context, keys []string) (failures map[string]error, err error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveOperation("DeleteObjects", time.Since(start), err)
	}()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	failures = make(map[string]error)
	valid := make([]string, 0, len(keys))
	for _, key := range keys {
		if verr := chunkstore.ValidateKey(key); verr != nil {
			failures[key] = verr
			continue
		}
		valid = append(valid, key)
	}

	for i := 0; i < len(valid); i += maxDeleteBatch {
		end := min(i+maxDeleteBatch, len(valid))
		batch := valid[i:end]

		objects := make([]types.ObjectIdentifier, len(batch))
		for j, key := range batch {
			objects[j] = types.ObjectIdentifier{Key: aws.String(s.objectKey(key))}
		}

		result, derr := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if derr != nil {
			for _, key := range valid[i:] {
				failures[key] = derr
			}
			return failures, fmt.Errorf("failed to delete objects: %w", derr)
		}
		for _, e := range result.Errors {
			key := strings.TrimPrefix(aws.ToString(e.Key), s.keyPrefix)
			failures[key] = fmt.Errorf("%s: %s", aws.ToString(e.Code), aws.ToString(e.Message))
		}
	}
	return failures, nil
}

// Stats implements chunkstore.Store by listing every object under the
// prefix. Cost grows with object count.
func (s *Store) Stats(ctx context.Context) (stats *chunkstore.StorageStats, err error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveOperation("Stats", time.Since(start), err)
	}()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	var used, count uint64
	err = s.each(ctx, "", func(_ string, size int64) {
		used += uint64(size)
		count++
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compute storage stats: %w", err)
	}
	return chunkstore.NewStorageStats(used, count), nil
}

// Close implements chunkstore.Store. The S3 client needs no teardown.
func (s *Store) Close() error {
	return nil
}
