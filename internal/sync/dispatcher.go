// Package sync implements the core synchronization engine: the upload and
// download state machines that reconcile the local commit graph with the
// cloud store under concurrent local mutation, network failure, and partial
// progress. All state lives on a single-threaded dispatcher; the machines
// never share mutable state across goroutines.
package sync

import (
	"context"
	stdsync "sync"
	"time"
)

// Dispatcher is a single-threaded cooperative task runner. Every state
// transition, guard check, and delegate notification in this package
// executes as a task on one dispatcher goroutine, so the state machines
// need no locks. Posting is unbounded and never blocks the caller (store
// watchers post from the mutation path).
type Dispatcher struct {
	mu    stdsync.Mutex
	queue []func()
	wake  chan struct{}

	// timerFn schedules fn to be posted after delay. Defaults to
	// time.AfterFunc; tests override it to fire delayed tasks manually.
	timerFn func(delay time.Duration, fn func())
}

// NewDispatcher creates a dispatcher. Run must be called for posted tasks
// to execute.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		wake: make(chan struct{}, 1),
	}

	d.timerFn = func(delay time.Duration, fn func()) {
		time.AfterFunc(delay, func() { d.Post(fn) })
	}

	return d
}

// Post enqueues fn for execution on the dispatcher goroutine.
func (d *Dispatcher) Post(fn func()) {
	d.mu.Lock()
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// PostDelayed schedules fn to run on the dispatcher after delay. The task
// fires even if the dispatcher is busy; it simply queues behind whatever is
// running. Stale timers are expected; delayed tasks must guard themselves
// against state that moved on while they waited.
func (d *Dispatcher) PostDelayed(delay time.Duration, fn func()) {
	d.timerFn(delay, fn)
}

// Run executes tasks until ctx is canceled. It returns ctx.Err() so it can
// sit directly in an errgroup.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.wake:
			d.drain()
		}
	}
}

// drain runs all currently queued tasks. Tasks posted by running tasks are
// picked up in the same pass.
func (d *Dispatcher) drain() {
	for {
		d.mu.Lock()

		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}

		fn := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		fn()
	}
}
