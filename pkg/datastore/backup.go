package datastore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/marmos91/dittobackup/internal/logger"
	"github.com/marmos91/dittobackup/pkg/catalog"
	"github.com/marmos91/dittobackup/pkg/remote"
	"github.com/marmos91/dittobackup/pkg/setup"
)

var (
	// ErrMisaligned indicates a chunk upload that does not cover exactly
	// one chunk slot.
	ErrMisaligned = errors.New("write is not chunk aligned")

	// ErrConnectionClosed indicates use of a closed connection or writer.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrCorruptChunk indicates a chunk whose content does not match its
	// digest.
	ErrCorruptChunk = errors.New("chunk digest mismatch")
)

// backupConn writes one snapshot.
type backupConn struct {
	server    *Server
	setup     *setup.SessionSetup
	snap      setup.Snapshot
	prefix    string
	keys      *cryptKeys
	digester  digester
	chunkSize uint64
	previous  *catalog.Record

	mu        sync.Mutex
	closed    bool
	committed bool
}

func (c *backupConn) PreviousBackup() bool {
	return c.previous != nil
}

func (c *backupConn) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	if c.committed {
		return fmt.Errorf("%s already committed", c.snap)
	}
	return nil
}

// OpenImage implements remote.BackupConnection.
//
// An incremental image starts from the previous snapshot's index when that
// snapshot has an archive of the same name, size and chunk size; slots the
// session never writes keep the previous digests. Otherwise every slot
// starts sparse.
func (c *backupConn) OpenImage(ctx context.Context, name string, size uint64, incremental bool) (remote.ImageWriter, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, fmt.Errorf("image %s: size must be greater than zero", name)
	}

	archive := remote.ImageArchiveName(name)
	w := &imageWriter{
		conn:  c,
		name:  archive,
		index: NewFixedIndex(size, c.chunkSize),
		known: make(map[Digest]struct{}),
	}

	if incremental && c.previous != nil {
		if err := w.inherit(ctx, c.previous); err != nil {
			return nil, err
		}
	}

	logger.Debug("datastore: %s opened %s (%d bytes, %d slots, inherited %d chunks)",
		c.snap, archive, size, len(w.index.Digests), len(w.known))
	return w, nil
}

// UploadBlob implements remote.BackupConnection.
func (c *backupConn) UploadBlob(ctx context.Context, name string, data []byte) (remote.BlobInfo, error) {
	if err := c.checkOpen(); err != nil {
		return remote.BlobInfo{}, err
	}

	blobName := remote.BlobName(name)
	encoded, err := encodeBlob(c.server.cfg.Compression, c.keys, data)
	if err != nil {
		return remote.BlobInfo{}, fmt.Errorf("encoding blob %s: %w", blobName, err)
	}
	if err := c.server.cfg.Store.Put(ctx, c.prefix+blobName, encoded); err != nil {
		return remote.BlobInfo{}, fmt.Errorf("storing blob %s: %w", blobName, err)
	}

	return remote.BlobInfo{
		Name:     blobName,
		Size:     uint64(len(data)),
		Checksum: checksum(data),
	}, nil
}

// Commit implements remote.BackupConnection. It stamps the encryption
// fields of m, writes the manifest object and adds the catalog record.
func (c *backupConn) Commit(ctx context.Context, m *remote.Manifest) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	m.BackupType = c.snap.Type
	m.BackupID = c.snap.ID
	m.BackupTime = c.snap.Time
	m.Encrypted = c.keys != nil
	if c.keys != nil {
		m.KeyFingerprint = c.keys.fingerprint
	}

	data, err := encodeManifest(m)
	if err != nil {
		return err
	}
	if err := c.server.cfg.Store.Put(ctx, c.prefix+remote.ManifestName, data); err != nil {
		return fmt.Errorf("storing manifest: %w", err)
	}

	rec := &catalog.Record{
		Manifest:  *m,
		Owner:     c.setup.User,
		CreatedAt: c.server.cfg.Now().UTC(),
	}
	if err := c.server.cfg.Catalog.Add(ctx, rec); err != nil {
		if errors.Is(err, catalog.ErrExists) {
			return fmt.Errorf("%w: %s", remote.ErrSnapshotExists, c.snap)
		}
		return fmt.Errorf("recording snapshot: %w", err)
	}

	c.mu.Lock()
	c.committed = true
	c.mu.Unlock()

	logger.Info("datastore: committed %s (%d archives, %d blobs, %d bytes)",
		c.snap, len(m.Archives), len(m.Blobs), rec.Size())
	return nil
}

// Close implements remote.BackupConnection.
func (c *backupConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.server.activeBackups.Add(-1)
	if !c.committed {
		logger.Debug("datastore: %s closed without commit", c.snap)
	}
	return nil
}

// imageWriter fills the fixed index of one image archive.
type imageWriter struct {
	conn *backupConn
	name string

	mu     sync.Mutex
	index  *FixedIndex
	known  map[Digest]struct{}
	closed bool
}

func (w *imageWriter) inherit(ctx context.Context, prev *catalog.Record) error {
	info, ok := prev.Manifest.Archive(w.name)
	if !ok || info.Size != w.index.Size || info.ChunkSize != w.index.ChunkSize {
		return nil
	}

	key := snapshotPrefix(prev.Snapshot()) + w.name
	idx, err := w.conn.server.loadIndex(ctx, key, info.Checksum)
	if err != nil {
		return fmt.Errorf("loading previous index %s: %w", key, err)
	}

	copy(w.index.Digests, idx.Digests)
	for _, d := range idx.Digests {
		if !d.IsZero() {
			w.known[d] = struct{}{}
		}
	}
	return nil
}

func (w *imageWriter) slot(offset uint64, length int) (int, error) {
	cs := w.index.ChunkSize
	if offset%cs != 0 {
		return 0, fmt.Errorf("%w: offset %d, chunk size %d", ErrMisaligned, offset, cs)
	}
	slot := int(offset / cs)
	if slot >= len(w.index.Digests) {
		return 0, fmt.Errorf("%w: offset %d beyond image size %d", ErrMisaligned, offset, w.index.Size)
	}
	if want := w.index.SlotLength(slot); uint64(length) != want {
		return 0, fmt.Errorf("%w: %d bytes at offset %d, expected %d", ErrMisaligned, length, offset, want)
	}
	return slot, nil
}

// UploadChunk implements remote.ImageWriter.
//
// All-zero chunks are recorded as sparse and never stored. Chunks already
// present in the store or referenced by the inherited index are reported
// as reused.
func (w *imageWriter) UploadChunk(ctx context.Context, offset uint64, data []byte) (remote.ChunkResult, error) {
	if err := ctx.Err(); err != nil {
		return remote.ChunkResult{}, err
	}

	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return remote.ChunkResult{}, ErrConnectionClosed
	}

	slot, err := w.slot(offset, len(data))
	if err != nil {
		return remote.ChunkResult{}, err
	}

	if allZero(data) {
		w.record(slot, ZeroDigest)
		return remote.ChunkResult{Reused: true}, nil
	}

	d := w.conn.digester.sum(data)

	w.mu.Lock()
	_, known := w.known[d]
	w.mu.Unlock()
	if known {
		w.record(slot, d)
		return remote.ChunkResult{Reused: true}, nil
	}

	store := w.conn.server.cfg.Store
	key := chunkKey(d)
	exists, err := store.Exists(ctx, key)
	if err != nil {
		return remote.ChunkResult{}, fmt.Errorf("checking chunk %s: %w", d, err)
	}
	if exists {
		w.record(slot, d)
		return remote.ChunkResult{Reused: true}, nil
	}

	blob, err := encodeBlob(w.conn.server.cfg.Compression, w.conn.keys, data)
	if err != nil {
		return remote.ChunkResult{}, fmt.Errorf("encoding chunk %s: %w", d, err)
	}
	if err := store.Put(ctx, key, blob); err != nil {
		return remote.ChunkResult{}, fmt.Errorf("storing chunk %s: %w", d, err)
	}

	w.record(slot, d)
	return remote.ChunkResult{Transferred: uint64(len(blob))}, nil
}

func (w *imageWriter) record(slot int, d Digest) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.index.Digests[slot] = d
	if !d.IsZero() {
		w.known[d] = struct{}{}
	}
}

// Close implements remote.ImageWriter by storing the fixed index.
func (w *imageWriter) Close(ctx context.Context) (remote.ArchiveInfo, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return remote.ArchiveInfo{}, ErrConnectionClosed
	}
	w.closed = true
	data, csum, err := w.index.Encode()
	w.mu.Unlock()
	if err != nil {
		return remote.ArchiveInfo{}, err
	}

	if err := w.conn.server.cfg.Store.Put(ctx, w.conn.prefix+w.name, data); err != nil {
		return remote.ArchiveInfo{}, fmt.Errorf("storing index %s: %w", w.name, err)
	}

	return remote.ArchiveInfo{
		Name:      w.name,
		Size:      w.index.Size,
		ChunkSize: w.index.ChunkSize,
		Checksum:  csum,
	}, nil
}
