// Package pipeline implements the chunk upload pipeline shared by all image
// streams of one backup session.
//
// Every accepted write becomes one upload task on the session scheduler. A
// session-wide weighted semaphore caps the number of outstanding uploads;
// once it is saturated, Submit suspends until a slot frees or the context
// ends. Uploads of one stream may complete in any order. Flush waits for
// every upload submitted before it and reports the first failure.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/marmos91/dittobackup/internal/logger"
	"github.com/marmos91/dittobackup/internal/ratelimiter"
	"github.com/marmos91/dittobackup/pkg/remote"
	"github.com/marmos91/dittobackup/pkg/scheduler"
)

// DefaultMaxInFlight bounds outstanding uploads when Options leaves it zero.
const DefaultMaxInFlight = 16

// ErrEmptyWrite is returned by Submit for a zero-length payload.
var ErrEmptyWrite = errors.New("empty write")

// Options configures a Pipeline.
type Options struct {
	// MaxInFlight is the session-wide bound on outstanding uploads.
	MaxInFlight int

	// Limiter throttles upload bytes. nil means unlimited.
	Limiter *ratelimiter.RateLimiter

	// Metrics receives upload observations. nil disables collection.
	Metrics Metrics
}

// Pipeline owns the upload slots of one session.
//
// ctx is the session context: cancelling it (abort) stops slot waits,
// throttling and in-flight uploads, and makes the pipeline discard results
// of uploads that still drain afterwards.
type Pipeline struct {
	ctx     context.Context
	sched   *scheduler.Scheduler
	slots   *semaphore.Weighted
	limiter *ratelimiter.RateLimiter
	metrics Metrics

	inFlight atomic.Int64
}

// New creates a Pipeline whose uploads run on sched and live as long as ctx.
func New(ctx context.Context, sched *scheduler.Scheduler, opts Options) *Pipeline {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = DefaultMaxInFlight
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}

	return &Pipeline{
		ctx:     ctx,
		sched:   sched,
		slots:   semaphore.NewWeighted(int64(opts.MaxInFlight)),
		limiter: opts.Limiter,
		metrics: opts.Metrics,
	}
}

// InFlight returns the number of uploads currently holding a slot.
func (p *Pipeline) InFlight() int64 {
	return p.inFlight.Load()
}

// NewStream registers an image stream backed by w.
func (p *Pipeline) NewStream(id int, name string, w remote.ImageWriter) *Stream {
	return &Stream{
		p:      p,
		id:     id,
		name:   name,
		writer: w,
	}
}

// Stats are the running totals of one stream. Only successful uploads are
// counted. BytesWritten and BytesReused count distinct image bytes, so a
// range written twice is counted once and BytesWritten never exceeds the
// image size.
type Stats struct {
	Chunks           uint64
	BytesWritten     uint64
	BytesReused      uint64
	BytesTransferred uint64
}

// Stream tracks the pending uploads of one image archive.
type Stream struct {
	p      *Pipeline
	id     int
	name   string
	writer remote.ImageWriter

	mu      sync.Mutex
	pending int
	drained chan struct{} // closed when pending drops to zero
	err     error
	stats   Stats
	written coverage
}

// ID returns the stream id.
func (s *Stream) ID() int { return s.id }

// Name returns the stream name.
func (s *Stream) Name() string { return s.name }

// Submit copies data and schedules its upload at offset.
//
// Submit returns as soon as the upload is scheduled; the caller may reuse
// data immediately. It suspends while all upload slots are taken.
//
// Returns:
//   - the number of bytes accepted
//   - the stream's first upload error, if an earlier upload failed
//   - ctx or session cancellation while waiting for a slot
func (s *Stream) Submit(ctx context.Context, offset uint64, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, ErrEmptyWrite
	}
	if err := s.Err(); err != nil {
		return 0, err
	}

	payload := make([]byte, len(data))
	copy(payload, data)

	ctx, cancel := s.p.bind(ctx)
	defer cancel()

	start := time.Now()
	if err := s.p.slots.Acquire(ctx, 1); err != nil {
		return 0, fmt.Errorf("waiting for upload slot: %w", err)
	}
	if err := ctx.Err(); err != nil {
		// The semaphore may hand out a slot that raced with cancellation.
		s.p.slots.Release(1)
		return 0, fmt.Errorf("waiting for upload slot: %w", err)
	}
	s.p.metrics.ObserveSlotWait(time.Since(start))
	s.p.metrics.RecordInFlight(s.p.inFlight.Add(1))

	s.begin()

	err := s.p.sched.Spawn(func(context.Context) {
		s.upload(offset, payload)
	})
	if err != nil {
		s.p.release()
		s.end(offset, 0, remote.ChunkResult{}, nil)
		return 0, fmt.Errorf("scheduling upload: %w", err)
	}

	return len(data), nil
}

func (s *Stream) upload(offset uint64, payload []byte) {
	defer s.p.release()

	start := time.Now()

	var (
		res remote.ChunkResult
		err = s.p.limiter.WaitN(s.p.ctx, len(payload))
	)
	if err == nil {
		res, err = s.writer.UploadChunk(s.p.ctx, offset, payload)
	}
	if err != nil {
		err = fmt.Errorf("upload %s offset %d: %w", s.name, offset, err)
	}

	s.p.metrics.ObserveUpload(len(payload), res, time.Since(start), err)
	s.end(offset, uint64(len(payload)), res, err)
}

func (s *Stream) begin() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == 0 {
		s.drained = make(chan struct{})
	}
	s.pending++
}

func (s *Stream) end(offset, n uint64, res remote.ChunkResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.p.ctx.Err() != nil:
		// Session aborted: results of draining uploads are discarded.
	case err != nil:
		if s.err == nil {
			s.err = err
			logger.Debug("stream %d (%s): first upload failure: %v", s.id, s.name, err)
		}
	case n > 0:
		added := s.written.add(offset, offset+n)
		s.stats.Chunks++
		s.stats.BytesWritten += added
		if res.Reused {
			s.stats.BytesReused += added
		}
		s.stats.BytesTransferred += res.Transferred
	}

	s.pending--
	if s.pending == 0 {
		close(s.drained)
	}
}

// Flush waits until every upload submitted before the call has completed.
//
// Returns the stream totals and the first upload error. If the session was
// aborted the session context error is returned instead.
func (s *Stream) Flush(ctx context.Context) (Stats, error) {
	for {
		s.mu.Lock()
		if s.pending == 0 {
			stats, err := s.stats, s.err
			s.mu.Unlock()

			if perr := s.p.ctx.Err(); perr != nil {
				return stats, perr
			}
			return stats, err
		}
		drained := s.drained
		s.mu.Unlock()

		select {
		case <-drained:
		case <-ctx.Done():
			return s.Stats(), ctx.Err()
		}
	}
}

// Pending returns the number of uploads not yet completed.
func (s *Stream) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Stats returns a snapshot of the running totals.
func (s *Stream) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Err returns the first upload error recorded for the stream.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// bind derives a context that ends with either ctx or the session context.
func (p *Pipeline) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(p.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (p *Pipeline) release() {
	p.metrics.RecordInFlight(p.inFlight.Add(-1))
	p.slots.Release(1)
}
