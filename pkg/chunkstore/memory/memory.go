// Package memory implements an in-memory chunkstore.Store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/marmos91/dittobackup/pkg/chunkstore"
)

// Store keeps objects in a map guarded by a RWMutex.
//
// Data is copied on Put and on Get so callers can reuse their buffers.
// All contents are lost when the process exits.
type Store struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

func (s *Store) check(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return chunkstore.ValidateKey(key)
}

// Put implements chunkstore.Store.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if err := s.check(ctx, key); err != nil {
		return err
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return chunkstore.ErrClosed
	}
	s.data[key] = buf
	return nil
}

// Get implements chunkstore.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.check(ctx, key); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, chunkstore.ErrClosed
	}
	data, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", key, chunkstore.ErrNotFound)
	}

	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Exists implements chunkstore.Store.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if err := s.check(ctx, key); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, chunkstore.ErrClosed
	}
	_, ok := s.data[key]
	return ok, nil
}

// Size implements chunkstore.Store.
func (s *Store) Size(ctx context.Context, key string) (uint64, error) {
	if err := s.check(ctx, key); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, chunkstore.ErrClosed
	}
	data, ok := s.data[key]
	if !ok {
		return 0, fmt.Errorf("object %s: %w", key, chunkstore.ErrNotFound)
	}
	return uint64(len(data)), nil
}

// Delete implements chunkstore.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.check(ctx, key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return chunkstore.ErrClosed
	}
	delete(s.data, key)
	return nil
}

// List implements chunkstore.Store.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, chunkstore.ErrClosed
	}

	keys := make([]string, 0, len(s.data))
	i := 0
	for key := range s.data {
		// Check context periodically (every 100 items)
		if i%100 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		i++
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// DeleteBatch implements chunkstore.Store.
//
// Deletions happen under a single write lock. Invalid keys are reported as
// per-key failures.
func (s *Store) DeleteBatch(ctx context.Context, keys []string) (map[string]error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, chunkstore.ErrClosed
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
		if err := chunkstore.ValidateKey(key); err != nil {
			failures[key] = err
			continue
		}
		delete(s.data, key)
	}
	return failures, nil
}

// Stats implements chunkstore.Store.
func (s *Store) Stats(ctx context.Context) (*chunkstore.StorageStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, chunkstore.ErrClosed
	}

	var used uint64
	for _, data := range s.data {
		used += uint64(len(data))
	}
	return chunkstore.NewStorageStats(used, uint64(len(s.data))), nil
}

// Close drops all objects. Further operations fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.data = nil
	return nil
}
