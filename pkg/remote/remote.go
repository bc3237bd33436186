// Package remote defines the capabilities a chunk-based storage service must
// offer to backup and restore sessions.
//
// Sessions depend only on these interfaces. The reference implementation
// lives in pkg/datastore; tests substitute in-memory doubles.
package remote

import (
	"context"

	"github.com/marmos91/dittobackup/pkg/setup"
)

// Backend opens backup and restore connections.
type Backend interface {
	BackupBackend
	RestoreBackend
}

// BackupBackend performs the handshake for a backup session.
type BackupBackend interface {
	// Connect authenticates against the service and prepares a writer for the
	// snapshot described by s. Authentication failures wrap ErrAuthFailed and
	// fingerprint mismatches wrap ErrFingerprintMismatch.
	Connect(ctx context.Context, s *setup.SessionSetup) (BackupConnection, error)
}

// BackupConnection is an authenticated writer for one snapshot.
//
// Implementations must allow concurrent UploadChunk calls on different
// ImageWriters as well as concurrent calls on the same one.
type BackupConnection interface {
	// PreviousBackup reports whether an earlier snapshot of the same target
	// exists and can serve as an incremental base.
	PreviousBackup() bool

	// OpenImage creates the archive "<name>.img.fidx" of the given size.
	OpenImage(ctx context.Context, name string, size uint64, incremental bool) (ImageWriter, error)

	// UploadBlob stores an opaque configuration object as "<name>.blob".
	UploadBlob(ctx context.Context, name string, data []byte) (BlobInfo, error)

	// Commit publishes the manifest. The snapshot becomes visible to readers
	// only after Commit succeeds.
	Commit(ctx context.Context, m *Manifest) error

	// Close releases the connection. Uncommitted work is discarded.
	Close() error
}

// ImageWriter receives the chunks of one image archive.
type ImageWriter interface {
	// UploadChunk stores data at offset. The implementation may report the
	// chunk as already known, in which case no bytes are transferred.
	UploadChunk(ctx context.Context, offset uint64, data []byte) (ChunkResult, error)

	// Close finalizes the archive index and returns its description.
	Close(ctx context.Context) (ArchiveInfo, error)
}

// ChunkResult describes the outcome of one chunk upload.
type ChunkResult struct {
	// Reused is true when the chunk was deduplicated.
	Reused bool

	// Transferred is the number of bytes actually sent, after compression
	// and encryption. Zero when Reused.
	Transferred uint64
}

// RestoreBackend performs the handshake for a restore session.
type RestoreBackend interface {
	// ConnectRestore opens the snapshot described by s read-only.
	ConnectRestore(ctx context.Context, s *setup.SessionSetup) (RestoreConnection, error)
}

// RestoreConnection is an authenticated reader for one snapshot.
type RestoreConnection interface {
	// Manifest returns the committed manifest of the snapshot.
	Manifest() *Manifest

	// OpenArchive opens an image archive by its full name ("disk0.img.fidx").
	OpenArchive(ctx context.Context, name string) (ArchiveReader, error)

	Close() error
}

// ArchiveReader pulls an image archive chunk by chunk.
type ArchiveReader interface {
	Size() uint64
	ChunkSize() uint64
	ChunkCount() int

	// ReadChunk returns the segment covering chunk index. Sparse chunks are
	// returned with Zero set and no Data. Safe for concurrent use.
	ReadChunk(ctx context.Context, index int) (Segment, error)

	Close() error
}

// Segment is one contiguous piece of an archive.
type Segment struct {
	Offset uint64
	Length uint64
	Zero   bool
	Data   []byte
}

// BlobReader is implemented by restore connections that can return the
// configuration blobs of a snapshot.
type BlobReader interface {
	// ReadBlob returns the plaintext of "<name>.blob". Missing blobs wrap
	// ErrArchiveNotFound.
	ReadBlob(ctx context.Context, name string) ([]byte, error)
}
