// Package remotetest provides an in-memory remote.Backend for tests of
// sessions and of the API boundary.
package remotetest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/marmos91/dittobackup/pkg/remote"
	"github.com/marmos91/dittobackup/pkg/setup"
)

// Backend records everything written to it. Zero value is not usable; use
// NewBackend.
type Backend struct {
	mu sync.Mutex

	// Previous is reported by BackupConnection.PreviousBackup.
	Previous bool

	// ConnectErr fails Connect and ConnectRestore when set.
	ConnectErr error

	// OpenErr fails OpenImage when set.
	OpenErr error

	// CommitErr fails Commit when set.
	CommitErr error

	// FailAt fails UploadChunk at the given offset (any image).
	FailAt map[uint64]error

	// Reuse reports chunks at the given offset as deduplicated.
	Reuse map[uint64]bool

	// Gate, when non-nil, blocks every UploadChunk until closed.
	Gate chan struct{}

	chunks    map[string]map[uint64][]byte
	blobs     map[string][]byte
	manifests []*remote.Manifest
	archives  map[string]*Archive
	uploads   int
	closed    int
}

// NewBackend creates an empty Backend.
func NewBackend() *Backend {
	return &Backend{
		FailAt:   map[uint64]error{},
		Reuse:    map[uint64]bool{},
		chunks:   map[string]map[uint64][]byte{},
		blobs:    map[string][]byte{},
		archives: map[string]*Archive{},
	}
}

// Chunk returns the payload uploaded at offset for image name.
func (b *Backend) Chunk(name string, offset uint64) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.chunks[name][offset]
	return data, ok
}

// Blob returns an uploaded blob by its bare name.
func (b *Backend) Blob(name string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blobs[remote.BlobName(name)]
	return data, ok
}

// Manifests returns every committed manifest.
func (b *Backend) Manifests() []*remote.Manifest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*remote.Manifest(nil), b.manifests...)
}

// Uploads returns the number of completed UploadChunk calls.
func (b *Backend) Uploads() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.uploads
}

// ClosedConnections returns how many connections were closed.
func (b *Backend) ClosedConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// AddArchive makes an archive available to restore connections.
func (b *Backend) AddArchive(a *Archive) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.archives[a.Name] = a
}

// Connect implements remote.BackupBackend.
func (b *Backend) Connect(ctx context.Context, s *setup.SessionSetup) (remote.BackupConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ConnectErr != nil {
		return nil, b.ConnectErr
	}
	return &conn{b: b, previous: b.Previous}, nil
}

// ConnectRestore implements remote.RestoreBackend.
func (b *Backend) ConnectRestore(ctx context.Context, s *setup.SessionSetup) (remote.RestoreConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ConnectErr != nil {
		return nil, b.ConnectErr
	}

	m := &remote.Manifest{BackupType: s.BackupType, BackupID: s.BackupID, BackupTime: s.BackupTime}
	for _, a := range b.archives {
		m.Archives = append(m.Archives, remote.ArchiveInfo{Name: a.Name, Size: a.Size(), ChunkSize: a.BlockSize})
	}
	sort.Slice(m.Archives, func(i, j int) bool { return m.Archives[i].Name < m.Archives[j].Name })

	return &restoreConn{b: b, manifest: m}, nil
}

type conn struct {
	b        *Backend
	previous bool
}

func (c *conn) PreviousBackup() bool { return c.previous }

func (c *conn) OpenImage(ctx context.Context, name string, size uint64, incremental bool) (remote.ImageWriter, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if c.b.OpenErr != nil {
		return nil, c.b.OpenErr
	}
	archive := remote.ImageArchiveName(name)
	c.b.chunks[archive] = map[uint64][]byte{}
	return &writer{b: c.b, name: archive, size: size}, nil
}

func (c *conn) UploadBlob(ctx context.Context, name string, data []byte) (remote.BlobInfo, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	blob := remote.BlobName(name)
	c.b.blobs[blob] = append([]byte(nil), data...)
	return remote.BlobInfo{Name: blob, Size: uint64(len(data)), Checksum: fmt.Sprintf("len-%d", len(data))}, nil
}

func (c *conn) Commit(ctx context.Context, m *remote.Manifest) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if c.b.CommitErr != nil {
		return c.b.CommitErr
	}
	c.b.manifests = append(c.b.manifests, m)
	return nil
}

func (c *conn) Close() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.b.closed++
	return nil
}

type writer struct {
	b    *Backend
	name string
	size uint64
}

func (w *writer) UploadChunk(ctx context.Context, offset uint64, data []byte) (remote.ChunkResult, error) {
	w.b.mu.Lock()
	gate := w.b.Gate
	w.b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return remote.ChunkResult{}, ctx.Err()
		}
	}

	w.b.mu.Lock()
	defer w.b.mu.Unlock()

	w.b.uploads++
	if err := w.b.FailAt[offset]; err != nil {
		return remote.ChunkResult{}, err
	}
	w.b.chunks[w.name][offset] = data
	if w.b.Reuse[offset] {
		return remote.ChunkResult{Reused: true}, nil
	}
	return remote.ChunkResult{Transferred: uint64(len(data))}, nil
}

func (w *writer) Close(ctx context.Context) (remote.ArchiveInfo, error) {
	return remote.ArchiveInfo{Name: w.name, Size: w.size, Checksum: "memory"}, nil
}

type restoreConn struct {
	b        *Backend
	manifest *remote.Manifest
}

func (c *restoreConn) Manifest() *remote.Manifest { return c.manifest }

func (c *restoreConn) OpenArchive(ctx context.Context, name string) (remote.ArchiveReader, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	a, ok := c.b.archives[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, remote.ErrArchiveNotFound)
	}
	return a, nil
}

func (c *restoreConn) Close() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.b.closed++
	return nil
}
