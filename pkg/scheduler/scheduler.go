// Package scheduler runs session work on goroutines owned by an explicit
// Scheduler value instead of process-wide state.
//
// A Scheduler may be shared by many sessions or owned by one. Shutdown
// cancels the context handed to every task and waits for all of them.
package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/marmos91/dittobackup/internal/logger"
)

// ErrClosed is returned by Spawn after Shutdown was called.
var ErrClosed = errors.New("scheduler is shut down")

// Task is a unit of work. ctx is cancelled when the scheduler shuts down.
type Task func(ctx context.Context)

// Scheduler runs tasks concurrently and tracks them until completion.
type Scheduler struct {
	name string

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a running Scheduler. name is only used in log output.
func New(name string) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		name:   name,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Context returns the root context shared by all tasks of this scheduler.
func (s *Scheduler) Context() context.Context {
	return s.ctx
}

// Spawn starts task on its own goroutine. A panicking task is recovered and
// logged so that a single failure cannot take the embedding process down.
func (s *Scheduler) Spawn(task Task) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("scheduler %s: task panicked: %v", s.name, r)
			}
		}()
		task(s.ctx)
	}()
	return nil
}

// Shutdown stops accepting tasks, cancels the shared context and waits for
// running tasks or for ctx to end, whichever comes first.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Debug("scheduler %s: shut down", s.name)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
