// Package api is the handle-based calling convention offered to foreign
// callers.
//
// Every long-running operation comes in two forms:
//
//   - a blocking form that schedules the work on the session scheduler and
//     waits for it, returning the status directly
//   - an ...Async form that returns immediately and later fills the caller's
//     result and error slots before invoking the caller's callback
//
// Both forms run the same operation through the same completion path, so
// they produce identical results for identical inputs.
//
// Status codes:
//
//	Connect:        0 no previous backup, 1 previous backup found, -1 error
//	RegisterImage:  image id (0..255), -1 error
//	WriteData:      accepted bytes, -1 error
//	others:         0 success, -1 error
//
// Error messages returned through errOut are owned by the caller and must be
// released with FreeError.
//
// Using a handle after Disconnect is a caller error. The library detects
// stale handles where it cheaply can and reports them as errors.
package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/marmos91/dittobackup/internal/logger"
	"github.com/marmos91/dittobackup/pkg/bridge"
	"github.com/marmos91/dittobackup/pkg/handle"
	"github.com/marmos91/dittobackup/pkg/pipeline"
	"github.com/marmos91/dittobackup/pkg/remote"
	"github.com/marmos91/dittobackup/pkg/scheduler"
	"github.com/marmos91/dittobackup/pkg/session"
	"github.com/marmos91/dittobackup/pkg/setup"
)

// Status codes shared by all operations.
const (
	StatusOK          = 0
	StatusNoPrevious  = 0
	StatusHasPrevious = 1
	StatusError       = bridge.StatusError
)

// shutdownTimeout bounds how long disconnect waits for a session's own
// scheduler to drain.
const shutdownTimeout = 30 * time.Second

// BackupHandle references a backup session.
type BackupHandle handle.Handle

// RestoreHandle references a restore session.
type RestoreHandle handle.Handle

// CompletionFunc is invoked once per ...Async call, after the result and
// error slots were filled. It runs on a scheduler goroutine and must not
// block.
type CompletionFunc = bridge.NotifyFunc

// RestoreCallback receives restored data. data is nil for sparse regions,
// in which case length bytes of zeros are implied. A non-zero return stops
// the restore.
type RestoreCallback func(callbackData any, offset uint64, data []byte, length uint64) int

// Options configures a Library.
type Options struct {
	// Backend is the storage service. Required.
	Backend remote.Backend

	// Scheduler, when set, is shared by all sessions. When nil every session
	// gets its own scheduler, shut down on disconnect.
	Scheduler *scheduler.Scheduler

	// Pipeline configures the upload pipeline of each backup session.
	Pipeline pipeline.Options

	// ReadAhead bounds chunk fetches ahead of restore delivery.
	ReadAhead int
}

// Library owns the handle tables and the scheduling policy.
type Library struct {
	opts Options

	backups  *handle.Registry[*backupEntry]
	restores *handle.Registry[*restoreEntry]

	closeOnce sync.Once
}

type backupEntry struct {
	session *session.BackupSession
	sched   *scheduler.Scheduler
	owned   bool

	// copies bounds payload copies held by pending WriteDataAsync calls.
	copies *semaphore.Weighted
}

type restoreEntry struct {
	session *session.RestoreSession
	sched   *scheduler.Scheduler
	owned   bool
}

// New creates a Library.
func New(opts Options) (*Library, error) {
	if opts.Backend == nil {
		return nil, errors.New("api: backend is required")
	}

	return &Library{
		opts:     opts,
		backups:  handle.NewRegistry[*backupEntry]("backup"),
		restores: handle.NewRegistry[*restoreEntry]("restore"),
	}, nil
}

// Close disconnects every live handle. Handles must not be used afterwards.
func (l *Library) Close() {
	l.closeOnce.Do(func() {
		for _, h := range l.backups.Handles() {
			l.Disconnect(BackupHandle(h))
		}
		for _, h := range l.restores.Handles() {
			l.RestoreDisconnect(RestoreHandle(h))
		}
	})
}

// OpenBackups returns the number of live backup handles.
func (l *Library) OpenBackups() int { return l.backups.Len() }

// OpenRestores returns the number of live restore handles.
func (l *Library) OpenRestores() int { return l.restores.Len() }

func (l *Library) schedulerFor(kind string) (*scheduler.Scheduler, bool) {
	if l.opts.Scheduler != nil {
		return l.opts.Scheduler, false
	}
	return scheduler.New(kind), true
}

func shutdownOwned(sched *scheduler.Scheduler, owned bool) {
	if !owned {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sched.Shutdown(ctx); err != nil {
		logger.Warn("session scheduler did not drain: %v", err)
	}
}

// BackupNew creates a backup session. No network I/O happens before
// Connect. A zero chunkSize selects the default (4 MiB); backupTime is Unix
// seconds. On failure Invalid is returned and errOut receives the reason.
func (l *Library) BackupNew(repo, backupID string, backupTime int64, chunkSize uint64,
	password, keyfile, keyPassword, fingerprint string, errOut **ErrorMessage) BackupHandle {

	s, err := setup.NewBackupSetup(repo, backupID, backupTime, chunkSize, setup.Credentials{
		Password:    password,
		Keyfile:     keyfile,
		KeyPassword: keyPassword,
	}, fingerprint)
	if err != nil {
		raise(errOut, fmt.Errorf("%w: %w", session.ErrSetup, err))
		return BackupHandle(handle.Invalid)
	}

	sched, owned := l.schedulerFor("backup-" + backupID)

	sess, err := session.NewBackupSession(s, l.opts.Backend, session.BackupOptions{
		Scheduler: sched,
		Pipeline:  l.opts.Pipeline,
	})
	if err != nil {
		shutdownOwned(sched, owned)
		raise(errOut, err)
		return BackupHandle(handle.Invalid)
	}

	maxCopies := l.opts.Pipeline.MaxInFlight
	if maxCopies <= 0 {
		maxCopies = pipeline.DefaultMaxInFlight
	}

	h, err := l.backups.Insert(&backupEntry{
		session: sess,
		sched:   sched,
		owned:   owned,
		copies:  semaphore.NewWeighted(int64(maxCopies)),
	})
	if err != nil {
		shutdownOwned(sched, owned)
		raise(errOut, err)
		return BackupHandle(handle.Invalid)
	}

	logger.Debug("api: backup handle %d -> session %s", h, sess.ID())
	return BackupHandle(h)
}

type backupOp func(ctx context.Context, s *session.BackupSession) (int, error)

// submit schedules op on the session scheduler and routes its outcome to c.
// It is the single path shared by blocking and async forms.
func (l *Library) submit(h BackupHandle, op backupOp, c bridge.Completer) {
	entry, err := l.backups.Get(handle.Handle(h))
	if err != nil {
		c.Complete(StatusError, err)
		return
	}

	err = entry.sched.Spawn(func(ctx context.Context) {
		status, err := op(ctx, entry.session)
		if err != nil {
			status = StatusError
		}
		c.Complete(status, err)
	})
	if err != nil {
		c.Complete(StatusError, err)
	}
}

func (l *Library) wait(h BackupHandle, op backupOp, errOut **ErrorMessage) int {
	w := bridge.NewWaiter()
	l.submit(h, op, w)

	status, err := w.Wait()
	raise(errOut, err)
	return status
}

func (l *Library) async(h BackupHandle, op backupOp, cb CompletionFunc, data any, result *int, errOut **ErrorMessage) {
	l.submit(h, op, completion(cb, data, result, errOut, nil))
}

// completion fills the caller's slots and then notifies. release, if set,
// runs before the slots are filled.
func completion(cb CompletionFunc, data any, result *int, errOut **ErrorMessage, release func()) *bridge.Callback {
	return bridge.NewCallback(func(status int, err error) {
		if release != nil {
			release()
		}
		if result != nil {
			*result = status
		}
		raise(errOut, err)
	}, cb, data)
}

func connectOp(ctx context.Context, s *session.BackupSession) (int, error) {
	previous, err := s.Connect(ctx)
	if err != nil {
		return StatusError, err
	}
	if previous {
		return StatusHasPrevious, nil
	}
	return StatusNoPrevious, nil
}

// Connect opens the connection to the storage service.
// Returns StatusNoPrevious, StatusHasPrevious or StatusError.
func (l *Library) Connect(h BackupHandle, errOut **ErrorMessage) int {
	return l.wait(h, connectOp, errOut)
}

// ConnectAsync is the non-blocking form of Connect.
func (l *Library) ConnectAsync(h BackupHandle, cb CompletionFunc, data any, result *int, errOut **ErrorMessage) {
	l.async(h, connectOp, cb, data, result, errOut)
}

// Abort stops the backup. Pending and later operations fail; Disconnect is
// still required.
func (l *Library) Abort(h BackupHandle, reason string) {
	entry, err := l.backups.Get(handle.Handle(h))
	if err != nil {
		logger.Warn("api: abort on %v", err)
		return
	}
	entry.session.Abort(reason)
}

func registerImageOp(name string, size uint64, incremental bool) backupOp {
	return func(ctx context.Context, s *session.BackupSession) (int, error) {
		return s.RegisterImage(ctx, name, size, incremental)
	}
}

// RegisterImage creates the archive "<name>.img.fidx" and returns its id,
// used as devID by WriteData and CloseImage.
func (l *Library) RegisterImage(h BackupHandle, name string, size uint64, incremental bool, errOut **ErrorMessage) int {
	return l.wait(h, registerImageOp(name, size, incremental), errOut)
}

// RegisterImageAsync is the non-blocking form of RegisterImage.
func (l *Library) RegisterImageAsync(h BackupHandle, name string, size uint64, incremental bool,
	cb CompletionFunc, data any, result *int, errOut **ErrorMessage) {
	l.async(h, registerImageOp(name, size, incremental), cb, data, result, errOut)
}

func addConfigOp(name string, payload []byte) backupOp {
	return func(ctx context.Context, s *session.BackupSession) (int, error) {
		if err := s.UploadBlob(ctx, name, payload); err != nil {
			return StatusError, err
		}
		return StatusOK, nil
	}
}

// AddConfig uploads a configuration blob "<name>.blob".
func (l *Library) AddConfig(h BackupHandle, name string, data []byte, errOut **ErrorMessage) int {
	return l.wait(h, addConfigOp(name, data), errOut)
}

// AddConfigAsync is the non-blocking form of AddConfig. data is copied
// before the call returns.
func (l *Library) AddConfigAsync(h BackupHandle, name string, data []byte,
	cb CompletionFunc, cbData any, result *int, errOut **ErrorMessage) {
	l.async(h, addConfigOp(name, clone(data)), cb, cbData, result, errOut)
}

func writeDataOp(devID uint8, payload []byte, offset uint64) backupOp {
	return func(ctx context.Context, s *session.BackupSession) (int, error) {
		return s.Write(ctx, int(devID), offset, payload)
	}
}

func writeZerosOp(devID uint8, offset, size uint64) backupOp {
	return func(ctx context.Context, s *session.BackupSession) (int, error) {
		return s.WriteZeros(ctx, int(devID), offset, size)
	}
}

// writeOp picks the operation for a WriteData call. A nil data writes zeros,
// sized and allocated by the session after validation.
func writeOp(devID uint8, data []byte, offset, size uint64) (backupOp, error) {
	if data == nil {
		return writeZerosOp(devID, offset, size), nil
	}
	if size > uint64(len(data)) {
		return nil, fmt.Errorf("%w: size %d exceeds buffer of %d bytes", session.ErrInvalidArgument, size, len(data))
	}
	return writeDataOp(devID, data[:size], offset), nil
}

// WriteData writes size bytes of data at offset into image devID. A nil
// data writes size zero bytes; size is then limited to the chunk size.
// Returns the number of bytes accepted.
func (l *Library) WriteData(h BackupHandle, devID uint8, data []byte, offset, size uint64, errOut **ErrorMessage) int {
	op, err := writeOp(devID, data, offset, size)
	if err != nil {
		raise(errOut, err)
		return StatusError
	}
	return l.wait(h, op, errOut)
}

// WriteDataAsync is the non-blocking form of WriteData. data is copied
// before the call returns, so the caller may reuse it immediately.
//
// At most Pipeline.MaxInFlight copies per session wait for the pipeline to
// accept them; past that, WriteDataAsync suspends until an earlier write
// was accepted, the same way WriteData suspends on a saturated pipeline.
func (l *Library) WriteDataAsync(h BackupHandle, devID uint8, data []byte, offset, size uint64,
	cb CompletionFunc, cbData any, result *int, errOut **ErrorMessage) {

	op, err := writeOp(devID, data, offset, size)
	if err != nil {
		completion(cb, cbData, result, errOut, nil).Complete(StatusError, err)
		return
	}
	if data == nil {
		l.async(h, op, cb, cbData, result, errOut)
		return
	}

	entry, err := l.backups.Get(handle.Handle(h))
	if err != nil {
		completion(cb, cbData, result, errOut, nil).Complete(StatusError, err)
		return
	}
	// Acquire only fails on context cancellation.
	_ = entry.copies.Acquire(context.Background(), 1)

	op = writeDataOp(devID, clone(data[:size]), offset)
	l.submit(h, op, completion(cb, cbData, result, errOut, func() { entry.copies.Release(1) }))
}

func closeImageOp(devID uint8) backupOp {
	return func(ctx context.Context, s *session.BackupSession) (int, error) {
		if _, err := s.CloseImage(ctx, int(devID)); err != nil {
			return StatusError, err
		}
		return StatusOK, nil
	}
}

// CloseImage waits for pending writes of image devID and closes it.
func (l *Library) CloseImage(h BackupHandle, devID uint8, errOut **ErrorMessage) int {
	return l.wait(h, closeImageOp(devID), errOut)
}

// CloseImageAsync is the non-blocking form of CloseImage.
func (l *Library) CloseImageAsync(h BackupHandle, devID uint8, cb CompletionFunc, data any, result *int, errOut **ErrorMessage) {
	l.async(h, closeImageOp(devID), cb, data, result, errOut)
}

func finishOp(ctx context.Context, s *session.BackupSession) (int, error) {
	if _, err := s.Finish(ctx); err != nil {
		return StatusError, err
	}
	return StatusOK, nil
}

// Finish uploads the manifest. All images must be closed.
func (l *Library) Finish(h BackupHandle, errOut **ErrorMessage) int {
	return l.wait(h, finishOp, errOut)
}

// FinishAsync is the non-blocking form of Finish.
func (l *Library) FinishAsync(h BackupHandle, cb CompletionFunc, data any, result *int, errOut **ErrorMessage) {
	l.async(h, finishOp, cb, data, result, errOut)
}

// Disconnect invalidates h, cancels outstanding work and releases the
// session. h must not be used afterwards.
func (l *Library) Disconnect(h BackupHandle) {
	entry, err := l.backups.Remove(handle.Handle(h))
	if err != nil {
		logger.Warn("api: disconnect on %v", err)
		return
	}

	if err := entry.session.Close(); err != nil {
		logger.Warn("api: backup %s: close: %v", entry.session.ID(), err)
	}
	shutdownOwned(entry.sched, entry.owned)
	logger.Debug("api: backup handle %d released", h)
}

// RestoreConnect creates a restore session for snapshot ("vm/<id>/<time>")
// and connects it. Restore is synchronous only.
func (l *Library) RestoreConnect(repo, snapshot, password, keyfile, keyPassword, fingerprint string, errOut **ErrorMessage) RestoreHandle {
	s, err := setup.NewRestoreSetup(repo, snapshot, setup.Credentials{
		Password:    password,
		Keyfile:     keyfile,
		KeyPassword: keyPassword,
	}, fingerprint)
	if err != nil {
		raise(errOut, fmt.Errorf("%w: %w", session.ErrSetup, err))
		return RestoreHandle(handle.Invalid)
	}

	sched, owned := l.schedulerFor("restore-" + s.BackupID)

	sess, err := session.NewRestoreSession(s, l.opts.Backend, session.RestoreOptions{
		Scheduler: sched,
		ReadAhead: l.opts.ReadAhead,
	})
	if err != nil {
		shutdownOwned(sched, owned)
		raise(errOut, err)
		return RestoreHandle(handle.Invalid)
	}

	w := bridge.NewWaiter()
	if err := sched.Spawn(func(ctx context.Context) {
		w.Complete(StatusOK, sess.Connect(ctx))
	}); err != nil {
		w.Complete(StatusError, err)
	}
	if _, err := w.Wait(); err != nil {
		_ = sess.Close()
		shutdownOwned(sched, owned)
		raise(errOut, err)
		return RestoreHandle(handle.Invalid)
	}

	h, err := l.restores.Insert(&restoreEntry{session: sess, sched: sched, owned: owned})
	if err != nil {
		_ = sess.Close()
		shutdownOwned(sched, owned)
		raise(errOut, err)
		return RestoreHandle(handle.Invalid)
	}
	return RestoreHandle(h)
}

// RestoreImage streams archiveName (for example "disk0.img.fidx") to cb
// in increasing offset order. Returns StatusOK or StatusError.
func (l *Library) RestoreImage(h RestoreHandle, archiveName string, cb RestoreCallback, cbData any, errOut **ErrorMessage, verbose bool) int {
	entry, err := l.restores.Get(handle.Handle(h))
	if err != nil {
		raise(errOut, err)
		return StatusError
	}
	if cb == nil {
		raise(errOut, fmt.Errorf("%w: callback must not be nil", session.ErrInvalidArgument))
		return StatusError
	}

	dataSink := func(offset uint64, data []byte) int {
		return cb(cbData, offset, data, uint64(len(data)))
	}
	zeroSink := func(offset, length uint64) int {
		return cb(cbData, offset, nil, length)
	}

	if _, err := entry.session.Restore(context.Background(), archiveName, dataSink, zeroSink, verbose); err != nil {
		raise(errOut, err)
		return StatusError
	}
	return StatusOK
}

// RestoreDisconnect invalidates h and releases the session.
func (l *Library) RestoreDisconnect(h RestoreHandle) {
	entry, err := l.restores.Remove(handle.Handle(h))
	if err != nil {
		logger.Warn("api: restore disconnect on %v", err)
		return
	}

	if err := entry.session.Close(); err != nil {
		logger.Warn("api: restore %s: close: %v", entry.session.ID(), err)
	}
	shutdownOwned(entry.sched, entry.owned)
}

func clone(data []byte) []byte {
	if data == nil {
		return nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out
}
