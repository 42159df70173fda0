// Package procedures implements the serialized operations that drive the updates state machine.
package procedures

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/lxc/updates-client/api"
	"github.com/lxc/updates-client/internal/queue"
	"github.com/lxc/updates-client/internal/statemachine"
)

// ErrProcedureFinished is returned when a procedure submits state events after it returned.
var ErrProcedureFinished = errors.New("procedure has already finished")

// Context is the only way a running procedure interacts with the state machine.
type Context interface {
	// ProcessStateEvent submits an event to the state machine.
	ProcessStateEvent(ctx context.Context, event api.StateEvent) error

	// CurrentState returns the state machine's current state.
	//
	// Deprecated: encode decisions in the triggering event's payload instead.
	CurrentState() api.UpdatesStateValue

	// ResetState forces the state machine back to idle.
	ResetState(ctx context.Context)
}

// Procedure is a single logical operation run by the serial queue.
type Procedure interface {
	Name() string
	Run(ctx context.Context, pctx Context) error
}

// Observer is notified of every procedure that completes.
type Observer interface {
	ObserveProcedure(name string, duration time.Duration, err error)
}

// Runner submits procedures to the serial queue, handing each one exclusive access to the state machine.
type Runner struct {
	queue    *queue.Queue
	machine  *statemachine.Machine
	observer Observer
}

// NewRunner returns a runner. The observer may be nil.
func NewRunner(q *queue.Queue, machine *statemachine.Machine, observer Observer) *Runner {
	return &Runner{
		queue:    q,
		machine:  machine,
		observer: observer,
	}
}

// Submit runs the procedure once all previously submitted ones have completed and waits for its
// result or for ctx to be done. A procedure that was accepted keeps running after ctx is done.
func (r *Runner) Submit(ctx context.Context, p Procedure) error {
	return r.queue.Submit(ctx, p.Name(), r.task(p))
}

// Enqueue queues the procedure without waiting for it.
func (r *Runner) Enqueue(ctx context.Context, p Procedure) <-chan error {
	return r.queue.Enqueue(ctx, p.Name(), r.task(p))
}

func (r *Runner) task(p Procedure) queue.Task {
	return func(ctx context.Context) error {
		pctx := &boundContext{machine: r.machine}
		defer pctx.finish()

		start := time.Now()

		err := p.Run(ctx, pctx)
		if err != nil {
			slog.WarnContext(ctx, "Procedure failed", "procedure", p.Name(), "err", err)
		}

		if r.observer != nil {
			r.observer.ObserveProcedure(p.Name(), time.Since(start), err)
		}

		return err
	}
}

// boundContext forwards to the state machine until the procedure it was handed to returns.
type boundContext struct {
	mu      sync.Mutex
	machine *statemachine.Machine
	done    bool
}

func (c *boundContext) ProcessStateEvent(ctx context.Context, event api.StateEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done {
		slog.WarnContext(ctx, "Dropping state event from finished procedure", "event", event.Type)

		return ErrProcedureFinished
	}

	return c.machine.ProcessEvent(ctx, event)
}

func (c *boundContext) CurrentState() api.UpdatesStateValue {
	return c.machine.State()
}

func (c *boundContext) ResetState(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done {
		return
	}

	c.machine.Reset(ctx)
}

func (c *boundContext) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.done = true
}
