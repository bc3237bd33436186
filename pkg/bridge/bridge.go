// Package bridge delivers the outcome of work running on a session scheduler
// to a foreign caller, either by blocking the caller until the outcome is
// available or by invoking a caller-supplied notification.
//
// Both forms implement Completer, so an operation is written once and the
// caller picks the delivery mode:
//
//	w := bridge.NewWaiter()
//	sched.Spawn(func(ctx context.Context) { w.Complete(op(ctx)) })
//	status, err := w.Wait()
//
// Exactly one Complete call per Completer takes effect. Later calls are
// ignored and report false.
package bridge

import (
	"sync"
	"sync/atomic"
)

// StatusError is the status reported for any failed operation.
const StatusError = -1

// Completer receives the outcome of one operation.
type Completer interface {
	// Complete records status and err and signals the waiting side.
	// Returns false if the Completer had already been completed.
	Complete(status int, err error) bool
}

// Waiter is a one-shot completion a goroutine can block on.
//
// The done flag guards against both spurious wakeups and a Complete that
// happens before Wait is entered.
type Waiter struct {
	mu     sync.Mutex
	cond   *sync.Cond
	done   bool
	status int
	err    error
}

// NewWaiter creates a Waiter whose status defaults to StatusError.
func NewWaiter() *Waiter {
	w := &Waiter{status: StatusError}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Complete implements Completer.
func (w *Waiter) Complete(status int, err error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done {
		return false
	}

	w.status = status
	w.err = err
	w.done = true
	w.cond.Broadcast()
	return true
}

// Wait blocks until Complete is called and returns its status and error.
// It may be called any number of times.
func (w *Waiter) Wait() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for !w.done {
		w.cond.Wait()
	}
	return w.status, w.err
}

// Done reports whether Complete has been called, without blocking.
func (w *Waiter) Done() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

// FillFunc writes an outcome into caller-owned result slots.
type FillFunc func(status int, err error)

// NotifyFunc is the caller's completion callback. It receives the opaque
// value supplied when the Callback was created, runs on whichever goroutine
// finished the work, and must not block.
type NotifyFunc func(data any)

// Callback is a one-shot completion that fills the caller's result slots
// and then notifies the caller.
type Callback struct {
	fill   FillFunc
	notify NotifyFunc
	data   any
	fired  atomic.Bool
}

// NewCallback creates a Callback. fill runs before notify; either may be nil.
func NewCallback(fill FillFunc, notify NotifyFunc, data any) *Callback {
	return &Callback{fill: fill, notify: notify, data: data}
}

// Complete implements Completer.
func (c *Callback) Complete(status int, err error) bool {
	if !c.fired.CompareAndSwap(false, true) {
		return false
	}

	if c.fill != nil {
		c.fill(status, err)
	}
	if c.notify != nil {
		c.notify(c.data)
	}
	return true
}

// Fired reports whether Complete has taken effect.
func (c *Callback) Fired() bool {
	return c.fired.Load()
}
