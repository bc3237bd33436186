// Package handle maps opaque handle values to exclusively owned objects.
//
// Insert and Remove are the only mutators. Handles are never reused, and
// the zero Handle is never issued, so it can stand for "no handle" at the
// boundary.
package handle

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Handle is an opaque reference handed to foreign callers.
type Handle uint64

// Invalid is the zero handle.
const Invalid Handle = 0

var (
	// ErrNotFound indicates a handle that was never issued or was removed.
	ErrNotFound = errors.New("invalid handle")

	// ErrNilValue indicates an attempt to register a nil object.
	ErrNilValue = errors.New("cannot register nil value")
)

// Registry owns the objects behind handles of one kind.
//
// Example usage:
//
//	reg := handle.NewRegistry[*session.BackupSession]("backup")
//	h, _ := reg.Insert(sess)
//	sess, _ = reg.Get(h)
//	sess, _ = reg.Remove(h) // h is invalid from now on
type Registry[T comparable] struct {
	kind string

	mu      sync.RWMutex
	next    Handle
	entries map[Handle]T
}

// NewRegistry creates an empty registry. kind names the objects in errors.
func NewRegistry[T comparable](kind string) *Registry[T] {
	return &Registry[T]{
		kind:    kind,
		entries: make(map[Handle]T),
	}
}

// Insert takes ownership of v and returns a fresh handle for it.
func (r *Registry[T]) Insert(v T) (Handle, error) {
	var zero T
	if v == zero {
		return Invalid, fmt.Errorf("%s: %w", r.kind, ErrNilValue)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	h := r.next
	r.entries[h] = v
	return h, nil
}

// Get returns the object behind h without transferring ownership.
func (r *Registry[T]) Get(h Handle) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.entries[h]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s handle %d: %w", r.kind, h, ErrNotFound)
	}
	return v, nil
}

// Remove invalidates h and hands ownership of its object back to the caller.
func (r *Registry[T]) Remove(h Handle) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.entries[h]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s handle %d: %w", r.kind, h, ErrNotFound)
	}
	delete(r.entries, h)
	return v, nil
}

// Len returns the number of live handles.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Handles returns the live handles in issue order.
func (r *Registry[T]) Handles() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Handle, 0, len(r.entries))
	for h := range r.entries {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
