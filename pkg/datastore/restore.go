package datastore

import (
	"context"
	"fmt"
	"sync"

	"github.com/marmos91/dittobackup/pkg/remote"
)

var _ remote.BlobReader = (*restoreConn)(nil)

// restoreConn reads one committed snapshot.
type restoreConn struct {
	server   *Server
	manifest remote.Manifest
	prefix   string
	keys     *cryptKeys
	digester digester

	mu     sync.Mutex
	closed bool
}

func (c *restoreConn) Manifest() *remote.Manifest {
	m := c.manifest
	return &m
}

// OpenArchive implements remote.RestoreConnection.
func (c *restoreConn) OpenArchive(ctx context.Context, name string) (remote.ArchiveReader, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrConnectionClosed
	}

	archive := remote.ImageArchiveName(name)
	info, ok := c.manifest.Archive(archive)
	if !ok {
		return nil, fmt.Errorf("%w: %s", remote.ErrArchiveNotFound, archive)
	}

	idx, err := c.server.loadIndex(ctx, c.prefix+archive, info.Checksum)
	if err != nil {
		return nil, fmt.Errorf("loading index %s: %w", archive, err)
	}
	return &archiveReader{conn: c, name: archive, index: idx}, nil
}

// ReadBlob returns the plaintext of a configuration blob recorded in the
// manifest.
func (c *restoreConn) ReadBlob(ctx context.Context, name string) ([]byte, error) {
	blobName := remote.BlobName(name)
	var info *remote.BlobInfo
	for i := range c.manifest.Blobs {
		if c.manifest.Blobs[i].Name == blobName {
			info = &c.manifest.Blobs[i]
			break
		}
	}
	if info == nil {
		return nil, fmt.Errorf("%w: %s", remote.ErrArchiveNotFound, blobName)
	}

	raw, err := c.server.cfg.Store.Get(ctx, c.prefix+blobName)
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", blobName, err)
	}
	data, err := decodeBlob(c.keys, raw)
	if err != nil {
		return nil, fmt.Errorf("decoding blob %s: %w", blobName, err)
	}
	if checksum(data) != info.Checksum {
		return nil, fmt.Errorf("blob %s: checksum mismatch", blobName)
	}
	return data, nil
}

func (c *restoreConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// archiveReader serves chunks of one fixed index. The index is immutable
// once loaded, so reads need no locking.
type archiveReader struct {
	conn  *restoreConn
	name  string
	index *FixedIndex
}

func (r *archiveReader) Size() uint64      { return r.index.Size }
func (r *archiveReader) ChunkSize() uint64 { return r.index.ChunkSize }
func (r *archiveReader) ChunkCount() int   { return len(r.index.Digests) }

// ReadChunk implements remote.ArchiveReader. Every chunk is verified
// against its digest before it is returned.
func (r *archiveReader) ReadChunk(ctx context.Context, index int) (remote.Segment, error) {
	if index < 0 || index >= len(r.index.Digests) {
		return remote.Segment{}, fmt.Errorf("%s: chunk %d out of range [0, %d)", r.name, index, len(r.index.Digests))
	}
	if err := ctx.Err(); err != nil {
		return remote.Segment{}, err
	}

	seg := remote.Segment{
		Offset: uint64(index) * r.index.ChunkSize,
		Length: r.index.SlotLength(index),
	}

	d := r.index.Digests[index]
	if d.IsZero() {
		seg.Zero = true
		return seg, nil
	}

	raw, err := r.conn.server.cfg.Store.Get(ctx, chunkKey(d))
	if err != nil {
		return remote.Segment{}, fmt.Errorf("reading chunk %s: %w", d, err)
	}
	data, err := decodeBlob(r.conn.keys, raw)
	if err != nil {
		return remote.Segment{}, fmt.Errorf("decoding chunk %s: %w", d, err)
	}
	if uint64(len(data)) != seg.Length {
		return remote.Segment{}, fmt.Errorf("%w: chunk %s has %d bytes, expected %d",
			ErrCorruptChunk, d, len(data), seg.Length)
	}
	if r.conn.digester.sum(data) != d {
		return remote.Segment{}, fmt.Errorf("%w: %s", ErrCorruptChunk, d)
	}

	seg.Data = data
	return seg, nil
}

func (r *archiveReader) Close() error { return nil }
