package chunkstore

import "errors"

// Standard store errors. Implementations wrap them with the offending key:
//
//	return nil, fmt.Errorf("object %s: %w", key, chunkstore.ErrNotFound)
var (
	// ErrNotFound indicates the requested key does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrInvalidKey indicates a key that is empty, absolute or contains
	// path traversal segments.
	ErrInvalidKey = errors.New("invalid object key")

	// ErrClosed indicates an operation on a closed store.
	ErrClosed = errors.New("store closed")
)
