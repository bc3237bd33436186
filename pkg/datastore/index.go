package datastore

import (
	"fmt"

	"github.com/marmos91/dittobackup/internal/codec"
)

// FixedIndex maps each chunk slot of an image to the digest of its data.
// A zero digest marks a sparse slot that reads back as zeros.
type FixedIndex struct {
	Size      uint64   `cbor:"size"`
	ChunkSize uint64   `cbor:"chunk-size"`
	Digests   []Digest `cbor:"digests"`
}

// NewFixedIndex creates an all-sparse index for an image of size bytes.
func NewFixedIndex(size, chunkSize uint64) *FixedIndex {
	return &FixedIndex{
		Size:      size,
		ChunkSize: chunkSize,
		Digests:   make([]Digest, slotCount(size, chunkSize)),
	}
}

func slotCount(size, chunkSize uint64) int {
	return int((size + chunkSize - 1) / chunkSize)
}

// SlotLength is the byte length of slot i; only the last slot may be
// shorter than the chunk size.
func (x *FixedIndex) SlotLength(i int) uint64 {
	start := uint64(i) * x.ChunkSize
	return min(x.ChunkSize, x.Size-start)
}

// Validate checks the index is self-consistent.
func (x *FixedIndex) Validate() error {
	if x.ChunkSize == 0 {
		return fmt.Errorf("index has zero chunk size")
	}
	if want := slotCount(x.Size, x.ChunkSize); len(x.Digests) != want {
		return fmt.Errorf("index has %d slots, expected %d", len(x.Digests), want)
	}
	return nil
}

// Encode returns the deterministic CBOR form and its checksum.
func (x *FixedIndex) Encode() ([]byte, string, error) {
	data, err := codec.Marshal(x)
	if err != nil {
		return nil, "", fmt.Errorf("encoding index: %w", err)
	}
	return data, checksum(data), nil
}

// DecodeFixedIndex parses an index and verifies it against an expected
// checksum. An empty checksum skips verification.
func DecodeFixedIndex(data []byte, csum string) (*FixedIndex, error) {
	if csum != "" && checksum(data) != csum {
		return nil, fmt.Errorf("index checksum mismatch")
	}
	var x FixedIndex
	if err := codec.Unmarshal(data, &x); err != nil {
		return nil, fmt.Errorf("decoding index: %w", err)
	}
	if err := x.Validate(); err != nil {
		return nil, err
	}
	return &x, nil
}
