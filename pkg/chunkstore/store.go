// Package chunkstore defines the object storage used by the reference
// datastore to persist chunk blobs, fixed indexes and snapshot manifests.
//
// Keys are slash-separated relative paths ("chunks/ab12/ab12...",
// "snapshots/vm/100/1714557600/disk0.img.fidx"). Values are opaque byte
// slices written and read whole; the datastore never needs range access.
//
// Implementations:
//   - memory: map-backed, for tests and ephemeral servers
//   - fs: one file per key under a base directory
//   - s3: Amazon S3 or any S3-compatible object storage
package chunkstore

import (
	"context"
	"fmt"
	"strings"
)

// Store persists immutable objects by key.
//
// All implementations must be safe for concurrent use by multiple
// goroutines. Put overwrites silently; the datastore relies on content
// addressing for chunks, so overwriting a chunk with identical bytes is a
// no-op from the reader's point of view.
type Store interface {
	// Put stores data under key, replacing any previous value.
	// The store must not retain data after Put returns.
	Put(ctx context.Context, key string, data []byte) error

	// Get returns the object stored under key.
	//
	// Returns ErrNotFound (wrapped) when the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Size returns the stored size of key in bytes.
	Size(ctx context.Context, key string) (uint64, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns every key starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// DeleteBatch removes many keys in one operation.
	//
	// Partial failures are reported per key in the returned map; the error
	// return is reserved for failures of the whole batch (context
	// cancellation, transport errors).
	DeleteBatch(ctx context.Context, keys []string) (map[string]error, error)

	// Stats returns usage statistics for the store.
	Stats(ctx context.Context) (*StorageStats, error)

	// Close releases resources held by the store.
	Close() error
}

// StorageStats contains statistics about object storage.
type StorageStats struct {
	// UsedSize is the sum of all object sizes in bytes.
	UsedSize uint64

	// ObjectCount is the number of stored objects.
	ObjectCount uint64

	// AverageSize is UsedSize / ObjectCount, 0 for an empty store.
	AverageSize uint64
}

// NewStorageStats computes derived fields from a size and count.
func NewStorageStats(used, count uint64) *StorageStats {
	stats := &StorageStats{UsedSize: used, ObjectCount: count}
	if count > 0 {
		stats.AverageSize = used / count
	}
	return stats
}

// ValidateKey rejects keys that could escape a store's namespace.
//
// A valid key is non-empty, relative, uses forward slashes only and has no
// empty, "." or ".." segments.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty key: %w", ErrInvalidKey)
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("key %q: %w", key, ErrInvalidKey)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("key %q: %w", key, ErrInvalidKey)
		}
	}
	return nil
}
