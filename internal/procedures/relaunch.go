package procedures

import (
	"context"

	"github.com/lxc/updates-client/api"
)

// Relaunch recomputes the launch result from stored updates and reloads the host on it.
type Relaunch struct {
	env    *Environment
	reason string
}

// NewRelaunch returns a Relaunch procedure.
func NewRelaunch(env *Environment, reason string) *Relaunch {
	return &Relaunch{env: env, reason: reason}
}

// Name returns the procedure name.
func (*Relaunch) Name() string {
	return "relaunch"
}

// Run performs the relaunch. The state machine is reset whatever the outcome.
func (p *Relaunch) Run(ctx context.Context, pctx Context) error {
	err := pctx.ProcessStateEvent(ctx, api.StateEvent{Type: api.StateEventRestart})
	if err != nil {
		return err
	}

	defer pctx.ResetState(ctx)

	result, err := p.env.Launcher.Launch(ctx)
	if err != nil {
		return err
	}

	p.env.Launch.Set(result)

	err = p.env.Host.Reload(ctx, p.reason)
	if err != nil {
		return err
	}

	p.env.reap(ctx)

	return nil
}

// RecreateHostContext reloads the host on its current bundle.
type RecreateHostContext struct {
	env    *Environment
	reason string
}

// NewRecreateHostContext returns a RecreateHostContext procedure.
func NewRecreateHostContext(env *Environment, reason string) *RecreateHostContext {
	return &RecreateHostContext{env: env, reason: reason}
}

// Name returns the procedure name.
func (*RecreateHostContext) Name() string {
	return "recreate-host-context"
}

// Run performs the reload. The state machine is reset whatever the outcome.
func (p *RecreateHostContext) Run(ctx context.Context, pctx Context) error {
	err := pctx.ProcessStateEvent(ctx, api.StateEvent{Type: api.StateEventRestart})
	if err != nil {
		return err
	}

	defer pctx.ResetState(ctx)

	return p.env.Host.Reload(ctx, p.reason)
}
