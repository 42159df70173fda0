package procedures

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lxc/updates-client/api"
	"github.com/lxc/updates-client/internal/loader"
)

// StartupResult is what the host gets once the local launch result is known.
type StartupResult struct {
	Launch *api.LaunchResult

	// Emergency is set when no usable local update was found. The host must then fall back
	// to a launcher that can only report Err.
	Emergency bool
	Err       error
}

// Startup computes the launch result from local updates, then optionally checks for and
// downloads a newer update in the same queue slot.
type Startup struct {
	env *Environment

	readyOnce sync.Once
	ready     chan struct{}
	result    StartupResult
}

// NewStartup returns a Startup procedure.
func NewStartup(env *Environment) *Startup {
	return &Startup{
		env:   env,
		ready: make(chan struct{}),
	}
}

// Name returns the procedure name.
func (*Startup) Name() string {
	return "startup"
}

// Ready is closed once the local launch result, or the emergency result, is available.
func (p *Startup) Ready() <-chan struct{} {
	return p.ready
}

// Result returns the startup result. It is only meaningful once Ready is closed.
func (p *Startup) Result() StartupResult {
	<-p.ready

	return p.result
}

// Run performs the startup.
func (p *Startup) Run(ctx context.Context, pctx Context) error {
	// Never leave the host waiting, even if an event is rejected.
	defer p.signal(StartupResult{Emergency: true, Err: ErrProcedureFinished})

	err := pctx.ProcessStateEvent(ctx, api.StateEvent{Type: api.StateEventStartStartup})
	if err != nil {
		return err
	}

	result, err := p.launchLocal(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "No usable local update", "err", err)

		p.env.Launch.SetError(err)
		p.signal(StartupResult{Emergency: true, Err: err})

		return pctx.ProcessStateEvent(ctx, api.StateEvent{Type: api.StateEventEndStartup})
	}

	p.env.Launch.Set(result)

	slog.InfoContext(ctx, "Launching update", "update", result.LaunchedUpdate.ID, "embedded", result.IsUsingEmbeddedAssets)

	err = pctx.ProcessStateEvent(ctx, api.StateEvent{Type: api.StateEventEndStartup})
	if err != nil {
		return err
	}

	p.signal(StartupResult{Launch: result})

	p.env.reap(ctx)

	if !p.shouldCheckOnLaunch(ctx) {
		return nil
	}

	check := NewCheckForUpdate(p.env)

	err = check.Run(ctx, pctx)
	if err != nil {
		return err
	}

	switch check.Result().Kind {
	case CheckResultUpdateAvailable, CheckResultRollBackToEmbedded:
		return NewFetchUpdate(p.env, nil).Run(ctx, pctx)
	default:
		return nil
	}
}

func (p *Startup) launchLocal(ctx context.Context) (*api.LaunchResult, error) {
	if p.env.Embedded != nil {
		_, err := loader.RegisterEmbedded(ctx, p.env.Holder, p.env.Embedded, p.env.scopeKey())
		if err != nil {
			return nil, fmt.Errorf("failed to register embedded update: %w", err)
		}
	}

	return p.env.Launcher.Launch(ctx)
}

func (p *Startup) shouldCheckOnLaunch(ctx context.Context) bool {
	if !p.env.Config.IsRemoteEnabled() {
		return false
	}

	switch p.env.Config.CheckOnLaunch {
	case api.CheckOnLaunchAlways:
		return true
	case api.CheckOnLaunchWifiOnly:
		return p.env.Unmetered != nil && p.env.Unmetered(ctx)
	default:
		return false
	}
}

func (p *Startup) signal(result StartupResult) {
	p.readyOnce.Do(func() {
		p.result = result
		close(p.ready)
	})
}
