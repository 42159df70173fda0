package procedures

import (
	"context"
	"log/slog"
	"sync"

	"github.com/lxc/updates-client/api"
	"github.com/lxc/updates-client/internal/database"
	"github.com/lxc/updates-client/internal/launcher"
	"github.com/lxc/updates-client/internal/loader"
	"github.com/lxc/updates-client/internal/selection"
)

// Host is the runtime running the application bundle.
type Host interface {
	// Reload points the host at the current launch result. It may be called from a background task.
	Reload(ctx context.Context, reason string) error
}

// ConnectivityProbe reports whether the device is on an unmetered network.
type ConnectivityProbe func(ctx context.Context) bool

// Environment holds the collaborators shared by all procedures.
type Environment struct {
	Config   *api.UpdatesConfig
	Holder   *database.Holder
	Loader   loader.Loader
	Launcher launcher.Launcher
	Policy   selection.Policy
	Host     Host

	// Unmetered is consulted when checking on launch is limited to unmetered networks. It may be nil.
	Unmetered ConnectivityProbe

	// Embedded is the manifest of the update shipped with the application. It may be nil.
	Embedded *api.Manifest

	Launch   *LaunchState
	Detached *Detached
}

// LaunchState holds the launch result of the current process.
type LaunchState struct {
	mu     sync.RWMutex
	result *api.LaunchResult
	err    error
}

// Set replaces the launch result.
func (s *LaunchState) Set(result *api.LaunchResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.result = result
	s.err = nil
}

// SetError records that no launch result could be computed.
func (s *LaunchState) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.result = nil
	s.err = err
}

// Get returns the launch result, or the error that prevented computing one.
func (s *LaunchState) Get() (*api.LaunchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.result, s.err
}

// LaunchedUpdate returns the update currently launched, if any.
func (s *LaunchState) LaunchedUpdate() *api.UpdateRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.result == nil || s.result.LaunchedUpdate == nil {
		return nil
	}

	launched := *s.result.LaunchedUpdate

	return &launched
}

// Detached runs fire-and-forget background tasks.
type Detached struct {
	wg sync.WaitGroup
}

// Go runs fn in the background with a context that isn't cancelled along with ctx.
func (d *Detached) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	ctx = context.WithoutCancel(ctx)

	d.wg.Go(func() {
		err := fn(ctx)
		if err != nil {
			slog.WarnContext(ctx, "Background task failed", "task", name, "err", err)
		}
	})
}

// Wait blocks until all background tasks have completed.
func (d *Detached) Wait() {
	d.wg.Wait()
}

func (e *Environment) scopeKey() string {
	return e.Config.GetScopeKey()
}

// reap removes the updates no longer needed by the launched one, in the background.
func (e *Environment) reap(ctx context.Context) {
	launched := e.Launch.LaunchedUpdate()
	if launched == nil {
		return
	}

	e.Detached.Go(ctx, "reaper", func(ctx context.Context) error {
		return database.Reap(ctx, e.Holder, e.Policy, launched, e.scopeKey(), e.Config.UpdatesDirectory)
	})
}
