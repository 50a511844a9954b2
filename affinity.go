// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package synapse

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/creachadair/taskgroup"
)

// An Executor runs method handlers on behalf of a [Service].
type Executor interface {
	// Run executes f and blocks until it has finished or ctx ends. If ctx ends
	// before f finishes, Run returns the context error; f is not interrupted,
	// and still runs to completion.
	Run(ctx context.Context, f func()) error
}

// Inline is an Executor that runs each function directly on the calling
// goroutine. It is suitable for hosts that permit concurrent calls.
var Inline Executor = inline{}

type inline struct{}

func (inline) Run(ctx context.Context, f func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f()
	return nil
}

// ErrQueueClosed is reported by [Queue.Run] after the queue has been closed.
var ErrQueueClosed = errors.New("execution queue is closed")

// A Queue is an Executor that runs every function on a single goroutine,
// locked to a single OS thread, in the order they were submitted. It models
// the single-threaded execution context that many automation hosts require.
type Queue struct {
	work  chan func()
	stop  chan struct{}
	tasks *taskgroup.Group

	μ      sync.RWMutex
	closed bool
}

// NewQueue constructs and starts a new execution queue. The caller must call
// Close when the queue is no longer needed.
func NewQueue() *Queue {
	q := &Queue{
		work:  make(chan func(), 64),
		stop:  make(chan struct{}),
		tasks: taskgroup.New(nil),
	}
	q.tasks.Go(func() error {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		for {
			select {
			case f := <-q.work:
				f()
			case <-q.stop:
				// Work submitted before Close still runs.
				for {
					select {
					case f := <-q.work:
						f()
					default:
						return nil
					}
				}
			}
		}
	})
	return q
}

// Run implements the [Executor] interface. A panic in f is recovered and
// reported as an error.
func (q *Queue) Run(ctx context.Context, f func()) error {
	done := make(chan error, 1)
	job := func() {
		defer func() {
			if x := recover(); x != nil {
				done <- fmt.Errorf("queued function panicked (recovered): %v", x)
			}
			close(done)
		}()
		f()
	}

	q.μ.RLock()
	if q.closed {
		q.μ.RUnlock()
		return ErrQueueClosed
	}
	select {
	case q.work <- job:
		q.μ.RUnlock()
	case <-ctx.Done():
		q.μ.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting new work and blocks until all work already submitted
// has finished. Close is safe to call more than once.
func (q *Queue) Close() error {
	q.μ.Lock()
	wasClosed := q.closed
	q.closed = true
	q.μ.Unlock()
	if !wasClosed {
		close(q.stop)
	}
	return q.tasks.Wait()
}
