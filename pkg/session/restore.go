package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/marmos91/dittobackup/internal/logger"
	"github.com/marmos91/dittobackup/pkg/remote"
	"github.com/marmos91/dittobackup/pkg/scheduler"
	"github.com/marmos91/dittobackup/pkg/setup"
)

// DefaultReadAhead is the number of chunks fetched ahead of the sink.
const DefaultReadAhead = 8

// DataSink receives a run of archive data. A non-zero return stops the
// restore. data is only valid for the duration of the call.
type DataSink func(offset uint64, data []byte) int

// ZeroSink receives a run of sparse (all-zero) archive content. A non-zero
// return stops the restore.
type ZeroSink func(offset, length uint64) int

// RestoreOptions configures a RestoreSession.
type RestoreOptions struct {
	// Scheduler runs chunk fetches. Required; may be shared across sessions.
	Scheduler *scheduler.Scheduler

	// ReadAhead bounds the chunks fetched ahead of delivery.
	ReadAhead int
}

// RestoreStats summarizes one delivered archive.
type RestoreStats struct {
	DataBytes    uint64
	ZeroBytes    uint64
	DataSegments int
	ZeroSegments int
}

// RestoreSession reads image archives of one snapshot.
//
// States: Created → Connected → Open → Exhausted, and Closed after Close.
// Archives are restored one at a time; an exhausted session may restore
// another archive of the same snapshot.
type RestoreSession struct {
	id        string
	setup     *setup.SessionSetup
	backend   remote.RestoreBackend
	sched     *scheduler.Scheduler
	readAhead int

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state State
	conn  remote.RestoreConnection
}

// NewRestoreSession creates a session in state Created.
func NewRestoreSession(s *setup.SessionSetup, backend remote.RestoreBackend, opts RestoreOptions) (*RestoreSession, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: setup is nil", ErrSetup)
	}
	if backend == nil {
		return nil, fmt.Errorf("%w: backend is nil", ErrSetup)
	}
	if opts.Scheduler == nil {
		return nil, fmt.Errorf("%w: scheduler is nil", ErrSetup)
	}
	if opts.ReadAhead <= 0 {
		opts.ReadAhead = DefaultReadAhead
	}

	ctx, cancel := context.WithCancel(opts.Scheduler.Context())

	return &RestoreSession{
		id:        uuid.NewString(),
		setup:     s,
		backend:   backend,
		sched:     opts.Scheduler,
		readAhead: opts.ReadAhead,
		ctx:       ctx,
		cancel:    cancel,
		state:     StateCreated,
	}, nil
}

// ID returns the session id used in log output.
func (r *RestoreSession) ID() string { return r.id }

// State returns the current lifecycle state.
func (r *RestoreSession) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Connect validates the snapshot kind and opens the snapshot read-only.
func (r *RestoreSession) Connect(ctx context.Context) error {
	if err := r.setup.Snapshot().CheckVM(); err != nil {
		return fmt.Errorf("%w: %w", ErrSetup, err)
	}

	r.mu.Lock()
	if r.state != StateCreated {
		state := r.state
		r.mu.Unlock()
		return fmt.Errorf("%w: connect called in state %s", ErrInvalidState, state)
	}
	r.state = StateConnecting
	r.mu.Unlock()

	ctx, cancel := bindContext(ctx, r.ctx)
	defer cancel()

	conn, err := r.backend.ConnectRestore(ctx, r.setup)

	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		r.state = StateCreated
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}

	r.conn = conn
	r.state = StateConnected
	logger.Info("restore %s: connected to %s on %s", r.id, r.setup.Snapshot(), r.setup.Repository())
	return nil
}

// Manifest returns the manifest of the connected snapshot.
func (r *RestoreSession) Manifest() (*remote.Manifest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil {
		return nil, fmt.Errorf("%w: not connected", ErrInvalidState)
	}
	return r.conn.Manifest(), nil
}

// Restore delivers the named archive to the sinks in strictly increasing
// offset order and returns when the archive is exhausted.
//
// archive may be the full archive name ("disk0.img.fidx") or the image name.
// Data runs go to dataSink one chunk at a time; consecutive sparse chunks are
// coalesced into a single zeroSink call. A non-zero sink return stops the
// restore immediately with ErrSinkAborted and no further sink is invoked.
//
// Chunks are fetched concurrently on the session scheduler, at most
// ReadAhead ahead of the chunk being delivered. Sinks run on the calling
// goroutine.
func (r *RestoreSession) Restore(ctx context.Context, archive string, dataSink DataSink, zeroSink ZeroSink, verbose bool) (RestoreStats, error) {
	if archive == "" {
		return RestoreStats{}, fmt.Errorf("%w: archive name must not be empty", ErrInvalidArgument)
	}
	if dataSink == nil || zeroSink == nil {
		return RestoreStats{}, fmt.Errorf("%w: sinks must not be nil", ErrInvalidArgument)
	}

	r.mu.Lock()
	if r.state != StateConnected && r.state != StateExhausted {
		state := r.state
		r.mu.Unlock()
		return RestoreStats{}, fmt.Errorf("%w: restore called in state %s", ErrInvalidState, state)
	}
	r.state = StateOpen
	conn := r.conn
	r.mu.Unlock()

	name := remote.ImageArchiveName(archive)
	stats, err := r.restore(ctx, conn, name, dataSink, zeroSink, verbose)

	r.mu.Lock()
	if r.state == StateOpen {
		if err == nil {
			r.state = StateExhausted
		} else {
			r.state = StateConnected
		}
	}
	r.mu.Unlock()

	if err != nil {
		return stats, err
	}

	logger.Info("restore %s: %s done (%d data bytes, %d zero bytes)", r.id, name, stats.DataBytes, stats.ZeroBytes)
	return stats, nil
}

func (r *RestoreSession) restore(ctx context.Context, conn remote.RestoreConnection, name string, dataSink DataSink, zeroSink ZeroSink, verbose bool) (RestoreStats, error) {
	ctx, cancel := bindContext(ctx, r.ctx)
	defer cancel()

	reader, err := conn.OpenArchive(ctx, name)
	if err != nil {
		return RestoreStats{}, fmt.Errorf("%w: open archive %s: %w", ErrTransfer, name, err)
	}
	defer reader.Close()

	p := &puller{
		sched:     r.sched,
		reader:    reader,
		readAhead: r.readAhead,
	}
	d := &delivery{
		name:     name,
		size:     reader.Size(),
		dataSink: dataSink,
		zeroSink: zeroSink,
		verbose:  verbose,
		session:  r.id,
		lastPct:  -1,
	}

	err = p.run(ctx, d.deliver)
	if err == nil {
		err = d.flushZero()
	}
	if err == nil && d.offset != d.size {
		err = fmt.Errorf("%w: archive %s ended at %d of %d bytes", ErrTransfer, name, d.offset, d.size)
	}
	return d.stats, err
}

// Close releases the connection. The session must not be used afterwards.
func (r *RestoreSession) Close() error {
	r.cancel()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateClosed {
		return nil
	}
	r.state = StateClosed
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

// puller fetches chunks concurrently and hands them over strictly in order.
type puller struct {
	sched     *scheduler.Scheduler
	reader    remote.ArchiveReader
	readAhead int
}

type fetch struct {
	done chan struct{}
	seg  remote.Segment
	err  error
}

// run fetches every chunk of the archive, calling deliver for each in index
// order. It returns the first fetch or deliver error and waits for every
// spawned fetch before returning.
func (p *puller) run(ctx context.Context, deliver func(remote.Segment) error) error {
	ctx, cancel := context.WithCancel(ctx)

	var (
		wg     sync.WaitGroup
		queue  []*fetch
		next   int
		count  = p.reader.ChunkCount()
		result error
	)
	defer func() {
		cancel()
		wg.Wait()
	}()

	spawn := func(index int) error {
		f := &fetch{done: make(chan struct{})}
		queue = append(queue, f)

		wg.Add(1)
		err := p.sched.Spawn(func(context.Context) {
			defer wg.Done()
			defer close(f.done)
			f.seg, f.err = p.reader.ReadChunk(ctx, index)
		})
		if err != nil {
			wg.Done()
			return fmt.Errorf("%w: scheduling chunk %d: %w", ErrTransfer, index, err)
		}
		return nil
	}

	for i := 0; i < count; i++ {
		for next < count && next < i+p.readAhead {
			if err := spawn(next); err != nil {
				return err
			}
			next++
		}

		f := queue[0]
		queue = queue[1:]

		select {
		case <-f.done:
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrTransfer, ctx.Err())
		}

		if f.err != nil {
			result = fmt.Errorf("%w: read chunk %d: %w", ErrTransfer, i, f.err)
			break
		}
		if err := deliver(f.seg); err != nil {
			result = err
			break
		}
	}

	return result
}

// delivery turns ordered segments into sink calls.
type delivery struct {
	name     string
	size     uint64
	dataSink DataSink
	zeroSink ZeroSink
	verbose  bool
	session  string

	offset   uint64
	zeroFrom uint64
	zeroLen  uint64
	lastPct  int
	stats    RestoreStats
}

func (d *delivery) deliver(seg remote.Segment) error {
	if seg.Offset != d.offset {
		return fmt.Errorf("%w: archive %s: segment at %d, expected %d", ErrTransfer, d.name, seg.Offset, d.offset)
	}
	if seg.Length == 0 || seg.Offset+seg.Length > d.size {
		return fmt.Errorf("%w: archive %s: bad segment [%d, +%d)", ErrTransfer, d.name, seg.Offset, seg.Length)
	}

	if seg.Zero {
		if d.zeroLen == 0 {
			d.zeroFrom = seg.Offset
		}
		d.zeroLen += seg.Length
	} else {
		if uint64(len(seg.Data)) != seg.Length {
			return fmt.Errorf("%w: archive %s: segment at %d has %d bytes, expected %d",
				ErrTransfer, d.name, seg.Offset, len(seg.Data), seg.Length)
		}
		if err := d.flushZero(); err != nil {
			return err
		}
		if d.dataSink(seg.Offset, seg.Data) != 0 {
			return fmt.Errorf("%w: data sink at offset %d", ErrSinkAborted, seg.Offset)
		}
		d.stats.DataBytes += seg.Length
		d.stats.DataSegments++
	}

	d.offset += seg.Length
	d.progress()
	return nil
}

func (d *delivery) flushZero() error {
	if d.zeroLen == 0 {
		return nil
	}
	from, length := d.zeroFrom, d.zeroLen
	d.zeroLen = 0

	if d.zeroSink(from, length) != 0 {
		return fmt.Errorf("%w: zero sink at offset %d", ErrSinkAborted, from)
	}
	d.stats.ZeroBytes += length
	d.stats.ZeroSegments++
	return nil
}

func (d *delivery) progress() {
	if !d.verbose || d.size == 0 {
		return
	}
	pct := int(d.offset * 100 / d.size)
	if pct == d.lastPct {
		return
	}
	d.lastPct = pct
	logger.Info("restore %s: %s %d%% (%d of %d bytes)", d.session, d.name, pct, d.offset, d.size)
}

// IsSinkAbort reports whether err stopped a restore because a sink asked to.
func IsSinkAbort(err error) bool {
	return errors.Is(err, ErrSinkAborted)
}
