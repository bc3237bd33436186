// Package fs implements a chunkstore.Store on the local filesystem.
//
// Each key maps to one regular file below the base directory, with key
// segments becoming directories. Writes go to a temporary file in the
// target directory and are renamed into place, so readers never observe a
// partially written object.
package fs

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/marmos91/dittobackup/pkg/chunkstore"
)

// tempPrefix marks in-progress writes. Files carrying it are invisible to
// List and Stats.
const tempPrefix = ".put-"

// Store is a filesystem-backed object store.
//
// Thread Safety:
// Concurrent Puts to the same key are safe; the last rename wins.
type Store struct {
	basePath string
}

// New creates a filesystem store rooted at basePath, creating the directory
// with permissions 0755 if needed.
//
// Parameters:
//   - ctx: Context for cancellation
//   - basePath: Root directory for stored objects
//
// Returns:
//   - *Store: Initialized store
//   - error: Returns error if directory creation fails or context is cancelled
func New(ctx context.Context, basePath string) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if basePath == "" {
		return nil, fmt.Errorf("base path is required")
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &Store{basePath: basePath}, nil
}

// BasePath returns the root directory of the store.
func (s *Store) BasePath() string {
	return s.basePath
}

func (s *Store) path(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := chunkstore.ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, filepath.FromSlash(key)), nil
}

// stat returns the file info for key, mapping missing files and
// directories to ErrNotFound.
func (s *Store) stat(key, path string) (os.FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return nil, fmt.Errorf("object %s: %w", key, chunkstore.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to stat object %s: %w", key, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("object %s: %w", key, chunkstore.ErrNotFound)
	}
	return info, nil
}

// Put implements chunkstore.Store.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	path, err := s.path(ctx, key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", key, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write object %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close object %s: %w", key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to commit object %s: %w", key, err)
	}
	return nil
}

// Get implements chunkstore.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := s.path(ctx, key)
	if err != nil {
		return nil, err
	}
	if _, err := s.stat(key, path); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return nil, fmt.Errorf("object %s: %w", key, chunkstore.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

// Exists implements chunkstore.Store.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	path, err := s.path(ctx, key)
	if err != nil {
		return false, err
	}
	if _, err := s.stat(key, path); err != nil {
		if errors.Is(err, chunkstore.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Size implements chunkstore.Store.
func (s *Store) Size(ctx context.Context, key string) (uint64, error) {
	path, err := s.path(ctx, key)
	if err != nil {
		return 0, err
	}
	info, err := s.stat(key, path)
	if err != nil {
		return 0, err
	}
	return uint64(info.Size()), nil
}

// Delete implements chunkstore.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	path, err := s.path(ctx, key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, iofs.ErrNotExist) {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

// walk visits every committed object below the base directory.
func (s *Store) walk(ctx context.Context, fn func(key string, info iofs.FileInfo)) error {
	i := 0
	return filepath.WalkDir(s.basePath, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		// Check context periodically (every 100 entries)
		if i%100 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		i++

		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, iofs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(s.basePath, path)
		if err != nil {
			return err
		}
		fn(filepath.ToSlash(rel), info)
		return nil
	})
}

// List implements chunkstore.Store.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var keys []string
	err := s.walk(ctx, func(key string, _ iofs.FileInfo) {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// DeleteBatch implements chunkstore.Store.
func (s *Store) DeleteBatch(ctx context.Context, keys []string) (map[string]error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	failures := make(map[string]error)
	for i, key := range keys {
		if i%100 == 0 {
			if err := ctx.Err(); err != nil {
				for _, rest := range keys[i:] {
					failures[rest] = err
				}
				return failures, err
			}
		}
		if err := s.Delete(ctx, key); err != nil {
			failures[key] = err
		}
	}
	return failures, nil
}

// Stats implements chunkstore.Store.
func (s *Store) Stats(ctx context.Context) (*chunkstore.StorageStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var used, count uint64
	err := s.walk(ctx, func(_ string, info iofs.FileInfo) {
		used += uint64(info.Size())
		count++
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compute storage stats: %w", err)
	}
	return chunkstore.NewStorageStats(used, count), nil
}

// Close implements chunkstore.Store. The filesystem store holds no
// resources between calls.
func (s *Store) Close() error {
	return nil
}
