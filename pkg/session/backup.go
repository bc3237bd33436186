// Package session implements the backup and restore session state machines.
//
// A BackupSession moves through Created → Connected → Active → Finishing →
// Finished. A parallel abort flag may be raised from any state; once set,
// every pending and subsequent operation fails with ErrAborted.
//
// Sessions never run network work on behalf of themselves: methods are
// blocking and expect to be called from a scheduler task (see pkg/api), with
// the exception of the pipeline, which spawns one task per chunk upload on
// the session's scheduler.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/marmos91/dittobackup/internal/logger"
	"github.com/marmos91/dittobackup/pkg/pipeline"
	"github.com/marmos91/dittobackup/pkg/remote"
	"github.com/marmos91/dittobackup/pkg/scheduler"
	"github.com/marmos91/dittobackup/pkg/setup"
)

// MaxImages is the number of image streams one backup session can register.
// Stream ids fit in a byte.
const MaxImages = 256

// BackupOptions configures a BackupSession.
type BackupOptions struct {
	// Scheduler runs upload tasks. Required; may be shared across sessions.
	Scheduler *scheduler.Scheduler

	// Pipeline configures the upload pipeline.
	Pipeline pipeline.Options
}

// ImageStats are the totals reported when an image is closed.
type ImageStats = pipeline.Stats

// BackupSession drives one backup of one target.
//
// All methods are safe for concurrent use. Methods that talk to the storage
// service never hold the session lock while waiting.
type BackupSession struct {
	id      string
	setup   *setup.SessionSetup
	backend remote.BackupBackend
	sched   *scheduler.Scheduler

	// ctx is cancelled by Abort and Close.
	ctx    context.Context
	cancel context.CancelFunc

	pipeline *pipeline.Pipeline

	mu          sync.Mutex
	state       State
	aborted     bool
	abortReason string
	conn        remote.BackupConnection
	previous    bool
	images      []*image
	names       map[string]struct{}
	blobs       []remote.BlobInfo
	manifest    *remote.Manifest
}

type image struct {
	id          int
	name        string
	size        uint64
	incremental bool
	writer      remote.ImageWriter
	stream      *pipeline.Stream

	// writers counts Write calls that passed validation and have not yet
	// returned. Close waits for them before flushing.
	writers sync.WaitGroup
	closing bool
	closed  bool
	info    remote.ArchiveInfo
}

// NewBackupSession creates a session in state Created. No network I/O is
// performed until Connect.
func NewBackupSession(s *setup.SessionSetup, backend remote.BackupBackend, opts BackupOptions) (*BackupSession, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: setup is nil", ErrSetup)
	}
	if backend == nil {
		return nil, fmt.Errorf("%w: backend is nil", ErrSetup)
	}
	if opts.Scheduler == nil {
		return nil, fmt.Errorf("%w: scheduler is nil", ErrSetup)
	}

	ctx, cancel := context.WithCancel(opts.Scheduler.Context())

	b := &BackupSession{
		id:       uuid.NewString(),
		setup:    s,
		backend:  backend,
		sched:    opts.Scheduler,
		ctx:      ctx,
		cancel:   cancel,
		pipeline: pipeline.New(ctx, opts.Scheduler, opts.Pipeline),
		state:    StateCreated,
		names:    make(map[string]struct{}),
	}

	logger.Debug("backup %s: created for %s on %s", b.id, s.Snapshot(), s.Repository())
	return b, nil
}

// ID returns the session id used in log output.
func (b *BackupSession) ID() string { return b.id }

// Setup returns the immutable session setup.
func (b *BackupSession) Setup() *setup.SessionSetup { return b.setup }

// State returns the current lifecycle state.
func (b *BackupSession) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Connect performs the handshake with the storage service.
//
// Returns:
//   - true if a previous backup of the same target exists
//   - ErrConnection wrapping the cause if the handshake failed
//   - ErrInvalidState if called more than once
func (b *BackupSession) Connect(ctx context.Context) (bool, error) {
	b.mu.Lock()
	if err := b.checkAbortLocked(); err != nil {
		b.mu.Unlock()
		return false, err
	}
	if b.state != StateCreated {
		state := b.state
		b.mu.Unlock()
		return false, fmt.Errorf("%w: connect called in state %s", ErrInvalidState, state)
	}
	b.state = StateConnecting
	b.mu.Unlock()

	ctx, cancel := b.bind(ctx)
	defer cancel()

	conn, err := b.backend.Connect(ctx, b.setup)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.state = StateCreated
		if abortErr := b.checkAbortLocked(); abortErr != nil {
			return false, abortErr
		}
		return false, fmt.Errorf("%w: %w", ErrConnection, err)
	}

	if b.aborted {
		_ = conn.Close()
		b.state = StateCreated
		return false, b.checkAbortLocked()
	}

	b.conn = conn
	b.previous = conn.PreviousBackup()
	b.state = StateConnected

	logger.Info("backup %s: connected to %s (previous backup: %t)", b.id, b.setup.Repository(), b.previous)
	return b.previous, nil
}

// RegisterImage opens a new image archive and returns its stream id.
//
// Ids start at 0, increase strictly and are never reused. Registering a
// name twice, registering before Connect or after Finish, and registering
// more than MaxImages images fail with ErrInvalidState.
func (b *BackupSession) RegisterImage(ctx context.Context, name string, size uint64, incremental bool) (int, error) {
	if name == "" {
		return -1, fmt.Errorf("%w: image name must not be empty", ErrInvalidArgument)
	}
	if size == 0 {
		return -1, fmt.Errorf("%w: image %s has zero size", ErrInvalidArgument, name)
	}

	b.mu.Lock()
	if err := b.checkAbortLocked(); err != nil {
		b.mu.Unlock()
		return -1, err
	}
	if b.state != StateConnected && b.state != StateActive {
		state := b.state
		b.mu.Unlock()
		return -1, fmt.Errorf("%w: register image called in state %s", ErrInvalidState, state)
	}
	if _, dup := b.names[name]; dup {
		b.mu.Unlock()
		return -1, fmt.Errorf("%w: image %s already registered", ErrInvalidState, name)
	}
	if len(b.names) >= MaxImages {
		b.mu.Unlock()
		return -1, fmt.Errorf("%w: too many images (max %d)", ErrInvalidState, MaxImages)
	}
	// Reserve the name while the archive is opened.
	b.names[name] = struct{}{}
	conn := b.conn
	b.mu.Unlock()

	ctx, cancel := b.bind(ctx)
	defer cancel()

	writer, err := conn.OpenImage(ctx, name, size, incremental)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		delete(b.names, name)
		if abortErr := b.checkAbortLocked(); abortErr != nil {
			return -1, abortErr
		}
		return -1, fmt.Errorf("%w: open image %s: %w", ErrTransfer, name, err)
	}
	if abortErr := b.checkAbortLocked(); abortErr != nil {
		return -1, abortErr
	}

	id := len(b.images)
	b.images = append(b.images, &image{
		id:          id,
		name:        name,
		size:        size,
		incremental: incremental,
		writer:      writer,
		stream:      b.pipeline.NewStream(id, name, writer),
	})
	if b.state == StateConnected {
		b.state = StateActive
	}

	logger.Debug("backup %s: registered image %s as %d (size %d, incremental %t)", b.id, name, id, size, incremental)
	return id, nil
}

// Write submits data at offset to the image with the given id.
//
// The data is copied before Write returns; the caller may reuse the buffer
// immediately. Write returns once the upload is accepted, not when it
// completes, and suspends while the upload pipeline is saturated.
//
// Returns the number of bytes accepted, ErrInvalidState for unknown or
// closed images, ErrInvalidArgument if offset+len(data) exceeds the image
// size, ErrTransfer if an earlier upload to this image failed.
func (b *BackupSession) Write(ctx context.Context, id int, offset uint64, data []byte) (int, error) {
	img, err := b.beginWrite(id, offset, uint64(len(data)))
	if err != nil {
		return -1, err
	}
	defer img.writers.Done()

	return b.submit(ctx, img, offset, data)
}

// WriteZeros writes length zero bytes at offset. length may not exceed the
// chunk size; the zero payload is allocated only after the range was
// validated against the image.
func (b *BackupSession) WriteZeros(ctx context.Context, id int, offset, length uint64) (int, error) {
	img, err := b.beginWrite(id, offset, length)
	if err != nil {
		return -1, err
	}
	defer img.writers.Done()

	if length > b.setup.ChunkSize {
		return -1, fmt.Errorf("%w: zero write of %d bytes exceeds chunk size %d",
			ErrInvalidArgument, length, b.setup.ChunkSize)
	}
	return b.submit(ctx, img, offset, make([]byte, length))
}

// beginWrite validates a write of length bytes at offset and registers it
// with the image. The caller must call img.writers.Done.
func (b *BackupSession) beginWrite(id int, offset, length uint64) (*image, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkAbortLocked(); err != nil {
		return nil, err
	}
	img, err := b.openImageLocked(id)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, fmt.Errorf("%w: empty write to image %s", ErrInvalidArgument, img.name)
	}
	if length > img.size || offset > img.size-length {
		return nil, fmt.Errorf("%w: write [%d, %d) exceeds size %d of image %s",
			ErrInvalidArgument, offset, offset+length, img.size, img.name)
	}
	img.writers.Add(1)
	return img, nil
}

func (b *BackupSession) submit(ctx context.Context, img *image, offset uint64, data []byte) (int, error) {
	n, err := img.stream.Submit(ctx, offset, data)
	if err != nil {
		if abortErr := b.checkAbort(); abortErr != nil {
			return -1, abortErr
		}
		return -1, fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	return n, nil
}

// UploadBlob stores a configuration blob. It may be called any time
// between Connect and Finish. The data is copied before the upload starts.
func (b *BackupSession) UploadBlob(ctx context.Context, name string, data []byte) error {
	if name == "" {
		return fmt.Errorf("%w: blob name must not be empty", ErrInvalidArgument)
	}

	b.mu.Lock()
	if err := b.checkAbortLocked(); err != nil {
		b.mu.Unlock()
		return err
	}
	if b.state != StateConnected && b.state != StateActive {
		state := b.state
		b.mu.Unlock()
		return fmt.Errorf("%w: upload blob called in state %s", ErrInvalidState, state)
	}
	for _, blob := range b.blobs {
		if blob.Name == remote.BlobName(name) {
			b.mu.Unlock()
			return fmt.Errorf("%w: blob %s already uploaded", ErrInvalidState, name)
		}
	}
	conn := b.conn
	b.mu.Unlock()

	payload := make([]byte, len(data))
	copy(payload, data)

	ctx, cancel := b.bind(ctx)
	defer cancel()

	info, err := conn.UploadBlob(ctx, name, payload)
	if err != nil {
		if abortErr := b.checkAbort(); abortErr != nil {
			return abortErr
		}
		return fmt.Errorf("%w: upload blob %s: %w", ErrTransfer, name, err)
	}

	b.mu.Lock()
	b.blobs = append(b.blobs, info)
	b.mu.Unlock()

	logger.Debug("backup %s: uploaded blob %s (%d bytes)", b.id, info.Name, info.Size)
	return nil
}

// CloseImage waits for every write submitted to the image before the call,
// finalizes the archive and marks the image closed.
//
// Unwritten ranges are allowed; they are recorded as sparse (or inherited
// from the previous backup for incremental images). On failure the image
// stays open and the first upload error is returned, wrapped in ErrTransfer.
func (b *BackupSession) CloseImage(ctx context.Context, id int) (ImageStats, error) {
	b.mu.Lock()
	if err := b.checkAbortLocked(); err != nil {
		b.mu.Unlock()
		return ImageStats{}, err
	}
	img, err := b.openImageLocked(id)
	if err != nil {
		b.mu.Unlock()
		return ImageStats{}, err
	}
	img.closing = true
	b.mu.Unlock()

	ctx, cancel := b.bind(ctx)
	defer cancel()

	stats, info, err := b.closeImage(ctx, img)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		img.closing = false
		if abortErr := b.checkAbortLocked(); abortErr != nil {
			return stats, abortErr
		}
		return stats, fmt.Errorf("%w: %w", ErrTransfer, err)
	}

	info.BytesWritten = stats.BytesWritten
	info.BytesReused = stats.BytesReused
	info.BytesTransferred = stats.BytesTransferred
	img.info = info
	img.closed = true

	logger.Info("backup %s: closed image %s (%d bytes written, %d reused, %d transferred)",
		b.id, img.name, stats.BytesWritten, stats.BytesReused, stats.BytesTransferred)
	return stats, nil
}

func (b *BackupSession) closeImage(ctx context.Context, img *image) (ImageStats, remote.ArchiveInfo, error) {
	img.writers.Wait()

	stats, err := img.stream.Flush(ctx)
	if err != nil {
		return stats, remote.ArchiveInfo{}, err
	}

	info, err := img.writer.Close(ctx)
	if err != nil {
		return stats, remote.ArchiveInfo{}, fmt.Errorf("close image %s: %w", img.name, err)
	}
	return stats, info, nil
}

// Finish commits the manifest of the backup.
//
// Every registered image must be closed. Finish runs at most once: a second
// call fails with ErrInvalidState, whatever the outcome of the first.
func (b *BackupSession) Finish(ctx context.Context) (*remote.Manifest, error) {
	b.mu.Lock()
	if err := b.checkAbortLocked(); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	if b.state != StateConnected && b.state != StateActive {
		state := b.state
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: finish called in state %s", ErrInvalidState, state)
	}
	for _, img := range b.images {
		if !img.closed {
			b.mu.Unlock()
			return nil, fmt.Errorf("%w: image %s is still open", ErrInvalidState, img.name)
		}
	}
	b.state = StateFinishing

	m := &remote.Manifest{
		BackupType: b.setup.BackupType,
		BackupID:   b.setup.BackupID,
		BackupTime: b.setup.BackupTime,
		Archives:   make([]remote.ArchiveInfo, 0, len(b.images)),
		Blobs:      append([]remote.BlobInfo(nil), b.blobs...),
		Encrypted:  b.setup.Credentials.Encrypted(),
	}
	streams := make([]*pipeline.Stream, 0, len(b.images))
	for _, img := range b.images {
		m.Archives = append(m.Archives, img.info)
		streams = append(streams, img.stream)
	}
	conn := b.conn
	b.mu.Unlock()

	ctx, cancel := b.bind(ctx)
	defer cancel()

	err := flushAll(ctx, streams)
	if err == nil {
		err = conn.Commit(ctx, m)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		if abortErr := b.checkAbortLocked(); abortErr != nil {
			return nil, abortErr
		}
		return nil, fmt.Errorf("%w: commit manifest: %w", ErrTransfer, err)
	}

	b.state = StateFinished
	b.manifest = m

	logger.Info("backup %s: finished %s (%d images, %d blobs)", b.id, b.setup.Snapshot(), len(m.Archives), len(m.Blobs))
	return m, nil
}

func flushAll(ctx context.Context, streams []*pipeline.Stream) error {
	var errs []error
	for _, s := range streams {
		if _, err := s.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Abort raises the abort flag and cancels in-flight work. It is safe in any
// state and concurrently with other methods; the last reason wins. Abort does
// not release resources: Close is still required.
func (b *BackupSession) Abort(reason string) {
	b.mu.Lock()
	b.aborted = true
	b.abortReason = reason
	b.mu.Unlock()

	b.cancel()
	logger.Warn("backup %s: aborted: %s", b.id, reason)
}

// Aborted reports whether Abort was called.
func (b *BackupSession) Aborted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.aborted
}

// PreviousBackup reports what Connect found.
func (b *BackupSession) PreviousBackup() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.previous
}

// Manifest returns the committed manifest, or nil before Finish succeeded.
func (b *BackupSession) Manifest() *remote.Manifest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.manifest
}

// Close cancels outstanding work, waits for in-flight uploads to drain and
// releases the connection. The session must not be used afterwards.
func (b *BackupSession) Close() error {
	b.cancel()

	b.mu.Lock()
	if b.state == StateClosed {
		b.mu.Unlock()
		return nil
	}
	wasFinished := b.state == StateFinished
	b.state = StateClosed
	conn := b.conn
	images := b.images
	b.mu.Unlock()

	for _, img := range images {
		img.writers.Wait()
		_, _ = img.stream.Flush(context.Background())
	}

	if !wasFinished {
		logger.Debug("backup %s: closed before finish", b.id)
	}
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (b *BackupSession) openImageLocked(id int) (*image, error) {
	if id < 0 || id >= len(b.images) {
		return nil, fmt.Errorf("%w: unknown image id %d", ErrInvalidState, id)
	}
	img := b.images[id]
	if img.closed || img.closing {
		return nil, fmt.Errorf("%w: image %s (%d) is closed", ErrInvalidState, img.name, id)
	}
	return img, nil
}

func (b *BackupSession) checkAbort() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.checkAbortLocked()
}

func (b *BackupSession) checkAbortLocked() error {
	if !b.aborted {
		return nil
	}
	if b.abortReason == "" {
		return ErrAborted
	}
	return fmt.Errorf("%w: %s", ErrAborted, b.abortReason)
}

// bind derives a context that ends with either ctx or the session.
func (b *BackupSession) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	return bindContext(ctx, b.ctx)
}

func bindContext(ctx, session context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(session, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
