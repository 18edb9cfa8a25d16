// Package future implements the pending-result primitive behind
// asynchronous calls: fork/wait, exactly-once completion callbacks, and
// error replay at the wait point.
package future

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/refnet/refnet/value"
)

// Future represents a pending asynchronous result. It moves from pending to
// exactly one terminal state, fulfilled or failed, and never leaves it.
type Future struct {
	mu        sync.Mutex
	done      chan struct{}
	completed bool
	val       value.Value
	err       error
	callbacks []func(*Future)

	observed int32 // atomic, set once a waiter consumed the result
}

// New creates a pending future.
func New() *Future {
	return &Future{done: make(chan struct{})}
}

// SetResult fulfills the future. Terminal states are immutable: completing
// an already-terminal future is a no-op.
func (f *Future) SetResult(v value.Value) {
	f.complete(v, nil)
}

// SetError fails the future.
func (f *Future) SetError(err error) {
	f.complete(value.Unit(), err)
}

func (f *Future) complete(v value.Value, err error) {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return
	}
	f.completed = true
	f.val = v
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		go cb(f)
	}
}

// Wait suspends the calling goroutine until the future is terminal, then
// returns the value or replays the captured error. Waiting repeatedly on a
// terminal future replays the same cached result; nothing re-executes.
func (f *Future) Wait(ctx context.Context) (value.Value, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		return value.Unit(), ctx.Err()
	}

	atomic.StoreInt32(&f.observed, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.val, f.err
}

// Done reports whether the future reached a terminal state. Never blocks.
func (f *Future) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the terminal value and error without blocking. Only valid
// once Done reports true; callbacks may rely on it.
func (f *Future) Result() (value.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.val, f.err
}

// Failed reports whether the future terminated with an error.
func (f *Future) Failed() bool {
	if !f.Done() {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err != nil
}

// Observed reports whether any waiter consumed the result. A failed future
// that is never observed is a reportable leak.
func (f *Future) Observed() bool {
	return atomic.LoadInt32(&f.observed) == 1
}

// AddCallback registers fn to run exactly once after the future becomes
// terminal. Attaching to an already-terminal future runs fn promptly rather
// than losing it. Callbacks observe the final result and must not mutate it.
func (f *Future) AddCallback(fn func(*Future)) {
	f.mu.Lock()
	if !f.completed {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	go fn(f)
}

// Fork schedules fn on its own goroutine and returns a future for its
// result. Forked work runs independently of the caller's continuation, so
// nested fork/wait pairs compose without requiring the outer waiter to
// resolve the inner future.
func Fork(fn func() (value.Value, error)) *Future {
	f := New()
	go func() {
		v, err := fn()
		if err != nil {
			f.SetError(err)
			return
		}
		f.SetResult(v)
	}()
	return f
}
