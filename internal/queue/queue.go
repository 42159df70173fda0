// Package queue runs tasks one at a time, in submission order.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrQueueClosed is returned when submitting to a closed queue.
var ErrQueueClosed = errors.New("queue is closed")

// Task is a unit of work run by the queue.
type Task func(ctx context.Context) error

type invocation struct {
	name string
	ctx  context.Context //nolint:containedctx
	task Task
	done chan error
}

// Queue is an unbounded FIFO of tasks with a single active slot.
//
// A task that never returns blocks every task queued after it; the queue has
// no timeout policy of its own.
type Queue struct {
	mu      sync.Mutex
	pending []*invocation
	running bool
	closed  bool

	idle *sync.Cond
}

// New returns an empty queue.
func New() *Queue {
	q := &Queue{}
	q.idle = sync.NewCond(&q.mu)

	return q
}

// Enqueue adds a task to the queue and returns a channel that receives its result.
//
// The task runs with a context detached from ctx's cancellation, so a caller
// giving up doesn't stop a task that was already accepted.
func (q *Queue) Enqueue(ctx context.Context, name string, task Task) <-chan error {
	done := make(chan error, 1)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		done <- ErrQueueClosed

		return done
	}

	q.pending = append(q.pending, &invocation{
		name: name,
		ctx:  context.WithoutCancel(ctx),
		task: task,
		done: done,
	})

	if !q.running {
		q.running = true

		go q.drain()
	}

	return done
}

// Submit enqueues a task and waits for its result or for ctx to be done, whichever comes first.
func (q *Queue) Submit(ctx context.Context, name string, task Task) error {
	done := q.Enqueue(ctx, name, task)

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of tasks waiting to run, excluding the active one.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending)
}

// Close stops accepting new tasks. Tasks already queued still run.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
}

// Wait blocks until the queue has no active or pending task.
func (q *Queue) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.running {
		q.idle.Wait()
	}
}

// drain runs queued tasks until none are left.
func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.idle.Broadcast()
			q.mu.Unlock()

			return
		}

		current := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		err := run(current)

		current.done <- err
	}
}

// run executes a single invocation, turning panics into errors so the queue keeps advancing.
func run(inv *invocation) (err error) {
	defer func() {
		r := recover()
		if r != nil {
			slog.ErrorContext(inv.ctx, "Queued task panicked", "task", inv.name, "panic", r)

			err = fmt.Errorf("task %q panicked: %v", inv.name, r)
		}
	}()

	slog.DebugContext(inv.ctx, "Running queued task", "task", inv.name)

	return inv.task(inv.ctx)
}
