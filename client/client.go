// Package client is the entry point for applications embedding the updates client.
//
// A Controller owns the serial procedure queue, the state machine and the error recovery
// state. Every operation that drives the state machine goes through the queue, in the
// order it was requested.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lxc/updates-client/api"
	"github.com/lxc/updates-client/internal/database"
	"github.com/lxc/updates-client/internal/launcher"
	"github.com/lxc/updates-client/internal/loader"
	"github.com/lxc/updates-client/internal/metrics"
	"github.com/lxc/updates-client/internal/procedures"
	"github.com/lxc/updates-client/internal/queue"
	"github.com/lxc/updates-client/internal/recovery"
	"github.com/lxc/updates-client/internal/scheduling"
	"github.com/lxc/updates-client/internal/selection"
	"github.com/lxc/updates-client/internal/statemachine"
)

// ErrRemoteDisabled is returned when contacting the server isn't configured.
var ErrRemoteDisabled = errors.New("no update URL configured")

// ErrNotStarted is returned by operations requiring Start to have been called.
var ErrNotStarted = errors.New("updates client isn't started")

// ErrAlreadyStarted is returned when calling Start twice.
var ErrAlreadyStarted = errors.New("updates client is already started")

// ErrNoSchedule is returned when running the periodic check while none is scheduled.
var ErrNoSchedule = errors.New("no periodic update check is scheduled")

// Host is the runtime running the application bundle.
type Host = procedures.Host

// Listener receives every state change event.
type Listener = statemachine.Listener

// StartupResult is what the host gets once the local launch result is known.
type StartupResult = procedures.StartupResult

// CheckResult is the outcome of a check for update.
type CheckResult = procedures.CheckResult

// FetchResult is the outcome of an update download.
type FetchResult = procedures.FetchResult

// Progress reports how many assets of an update are available.
type Progress = loader.Progress

// ProgressFunc is called after every asset that becomes available.
type ProgressFunc = loader.ProgressFunc

// ConnectivityProbe reports whether the device is on an unmetered network.
type ConnectivityProbe = procedures.ConnectivityProbe

// RemoteLoadStatus represents whether an update was loaded in the background since launch.
type RemoteLoadStatus = recovery.RemoteLoadStatus

// Check outcomes.
const (
	CheckResultUpdateAvailable    = procedures.CheckResultUpdateAvailable
	CheckResultNoUpdateAvailable  = procedures.CheckResultNoUpdateAvailable
	CheckResultRollBackToEmbedded = procedures.CheckResultRollBackToEmbedded
	CheckResultError              = procedures.CheckResultError
)

// Fetch outcomes.
const (
	FetchResultSuccess            = procedures.FetchResultSuccess
	FetchResultFailure            = procedures.FetchResultFailure
	FetchResultRollBackToEmbedded = procedures.FetchResultRollBackToEmbedded
	FetchResultError              = procedures.FetchResultError
)

// Remote load statuses.
const (
	RemoteLoadIdle             = recovery.RemoteLoadIdle
	RemoteLoadNewUpdateLoading = recovery.RemoteLoadNewUpdateLoading
	RemoteLoadNewUpdateLoaded  = recovery.RemoteLoadNewUpdateLoaded
)

// Options configures a Controller.
type Options struct {
	Config *api.UpdatesConfig
	Host   Host

	// DatabasePath defaults to "updates.db" inside the updates directory.
	DatabasePath string

	// Unmetered reports whether the device is on an unmetered network, for wifi-only checks.
	Unmetered ConnectivityProbe

	// OnFatalError is called when a fatal error is handed back to the host's own crash handling.
	OnFatalError func(ctx context.Context, err error)

	// Registerer receives the client metrics. Metrics are disabled when nil.
	Registerer prometheus.Registerer

	// loader replaces the HTTP loader in tests.
	loader loader.Loader
}

// Controller drives the updates client.
type Controller struct {
	env      *procedures.Environment
	db       *database.Database
	machine  *statemachine.Machine
	queue    *queue.Queue
	runner   *procedures.Runner
	recovery *recovery.Recovery
	metrics  *metrics.Metrics

	scheduler    *scheduling.Scheduler
	onFatalError func(ctx context.Context, err error)
	unsubscribe  []func()

	mu      sync.Mutex
	startup *procedures.Startup
	closed  bool
}

// New opens the update store and wires the client. Nothing runs until Start is called.
func New(ctx context.Context, opts Options) (*Controller, error) {
	if opts.Config == nil {
		return nil, errors.Join(api.ErrInvalidConfig, errors.New("missing configuration"))
	}

	if opts.Host == nil {
		return nil, errors.New("missing host")
	}

	cfg := opts.Config

	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	err = os.MkdirAll(cfg.UpdatesDirectory, 0o700)
	if err != nil {
		return nil, fmt.Errorf("failed to create updates directory: %w", err)
	}

	embedded, err := loader.ReadEmbeddedManifest(cfg.EmbeddedManifest)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded manifest: %w", err)
	}

	dbPath := opts.DatabasePath
	if dbPath == "" {
		dbPath = filepath.Join(cfg.UpdatesDirectory, "updates.db")
	}

	db, err := database.Open(ctx, dbPath)
	if err != nil {
		return nil, err
	}

	holder := database.NewHolder(db)
	policy := selection.NewFilterAware(cfg.RuntimeVersion)

	l := opts.loader
	if l == nil {
		l = loader.NewHTTP(cfg.UpdatesDirectory, cfg.GetRequestTimeout(), cfg.GetMaxParallelDownloads())
	}

	env := &procedures.Environment{
		Config:    cfg,
		Holder:    holder,
		Loader:    l,
		Launcher:  launcher.NewLocal(holder, policy, cfg.GetScopeKey(), cfg.UpdatesDirectory, cfg.EmbeddedDirectory),
		Policy:    policy,
		Host:      opts.Host,
		Unmetered: opts.Unmetered,
		Embedded:  embedded,
		Launch:    &procedures.LaunchState{},
		Detached:  &procedures.Detached{},
	}

	c := &Controller{
		env:          env,
		db:           db,
		machine:      statemachine.New(),
		queue:        queue.New(),
		onFatalError: opts.OnFatalError,
	}

	// Only pass a non-nil observer, a typed nil would still be called.
	var observer procedures.Observer
	if opts.Registerer != nil {
		c.metrics = metrics.New(opts.Registerer)
		observer = c.metrics
		c.unsubscribe = append(c.unsubscribe, c.machine.Broadcaster().Subscribe(c.metrics.Listen))
	}

	c.runner = procedures.NewRunner(c.queue, c.machine, observer)

	loadOnError := cfg.IsRemoteEnabled() && cfg.CheckOnLaunch != api.CheckOnLaunchNever
	c.recovery = recovery.New(holder, env.Launch, c, loadOnError)
	c.unsubscribe = append(c.unsubscribe, c.machine.Broadcaster().Subscribe(c.recovery.Listen))

	return c, nil
}

// Start enqueues the startup procedure and starts the periodic check, if configured.
// Use Ready or StartupResult to wait for the launch result.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return queue.ErrQueueClosed
	}

	if c.startup != nil {
		return ErrAlreadyStarted
	}

	c.startup = procedures.NewStartup(c.env)
	done := c.runner.Enqueue(ctx, c.startup)

	c.env.Detached.Go(ctx, "startup", func(_ context.Context) error {
		return <-done
	})

	cfg := c.env.Config
	if cfg.CheckSchedule == "" || !cfg.IsRemoteEnabled() {
		return nil
	}

	return c.setCheckSchedule(ctx, cfg.CheckSchedule)
}

// SetCheckSchedule replaces the crontab of the periodic check. An empty schedule stops periodic checks.
func (c *Controller) SetCheckSchedule(ctx context.Context, schedule string) error {
	err := c.requireRemote()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return queue.ErrQueueClosed
	}

	return c.setCheckSchedule(ctx, schedule)
}

// RunPeriodicCheck runs the periodic check now, outside of its schedule.
func (c *Controller) RunPeriodicCheck() error {
	c.mu.Lock()
	scheduler := c.scheduler
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return queue.ErrQueueClosed
	}

	if scheduler == nil {
		return ErrNoSchedule
	}

	err := scheduler.RunNow(scheduling.JobCheckForUpdate)
	if errors.Is(err, scheduling.ErrUnknownJob) {
		return ErrNoSchedule
	}

	return err
}

// setCheckSchedule must be called with c.mu held.
func (c *Controller) setCheckSchedule(ctx context.Context, schedule string) error {
	if schedule == "" {
		if c.scheduler == nil {
			return nil
		}

		err := c.scheduler.RemoveJob(scheduling.JobCheckForUpdate)
		if err != nil && !errors.Is(err, scheduling.ErrUnknownJob) {
			return err
		}

		slog.InfoContext(ctx, "Stopped periodic update checks")

		return nil
	}

	if c.scheduler == nil {
		scheduler, err := scheduling.NewScheduler()
		if err != nil {
			return err
		}

		scheduler.Start()
		c.scheduler = scheduler
	}

	err := c.scheduler.RegisterJob(scheduling.JobCheckForUpdate, schedule, func(ctx context.Context) error {
		_, err := c.CheckForUpdate(ctx)

		return err
	})
	if err != nil {
		return err
	}

	slog.InfoContext(ctx, "Scheduled periodic update checks", "schedule", schedule)

	return nil
}

// Ready is closed once the startup launch result is available.
func (c *Controller) Ready() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.startup == nil {
		ch := make(chan struct{})

		return ch
	}

	return c.startup.Ready()
}

// StartupResult waits for the startup launch result, or for ctx to be done.
func (c *Controller) StartupResult(ctx context.Context) (StartupResult, error) {
	c.mu.Lock()
	startup := c.startup
	c.mu.Unlock()

	if startup == nil {
		return StartupResult{}, ErrNotStarted
	}

	select {
	case <-startup.Ready():
		return startup.Result(), nil
	case <-ctx.Done():
		return StartupResult{}, ctx.Err()
	}
}

// LaunchResult returns the current launch result, or the error that prevented computing one.
func (c *Controller) LaunchResult() (*api.LaunchResult, error) {
	return c.env.Launch.Get()
}

// CheckForUpdate asks the server whether a newer update is available, without downloading it.
func (c *Controller) CheckForUpdate(ctx context.Context) (CheckResult, error) {
	err := c.requireRemote()
	if err != nil {
		return CheckResult{}, err
	}

	p := procedures.NewCheckForUpdate(c.env)

	err = c.runner.Submit(ctx, p)
	if err != nil {
		return CheckResult{}, err
	}

	return p.Result(), nil
}

// FetchUpdate downloads the newest update if the selection policy accepts it. It doesn't
// switch the host over, call Relaunch for that.
func (c *Controller) FetchUpdate(ctx context.Context, progress ProgressFunc) (FetchResult, error) {
	err := c.requireRemote()
	if err != nil {
		return FetchResult{}, err
	}

	p := procedures.NewFetchUpdate(c.env, progress)

	err = c.runner.Submit(ctx, p)
	if err != nil {
		return FetchResult{}, err
	}

	return p.Result(), nil
}

// Relaunch recomputes the launch result from the stored updates and reloads the host onto it.
func (c *Controller) Relaunch(ctx context.Context, reason string) error {
	err := c.requireStarted()
	if err != nil {
		return err
	}

	return c.runner.Submit(ctx, procedures.NewRelaunch(c.env, reason))
}

// RecreateHostContext asks the host to reload its current bundle.
func (c *Controller) RecreateHostContext(ctx context.Context, reason string) error {
	err := c.requireStarted()
	if err != nil {
		return err
	}

	return c.runner.Submit(ctx, procedures.NewRecreateHostContext(c.env, reason))
}

// Subscribe registers a listener for state change events. The listener immediately receives
// the latest event. The returned function unregisters it.
func (c *Controller) Subscribe(listener Listener) func() {
	return c.machine.Broadcaster().Subscribe(listener)
}

// State returns the latest state change event.
func (c *Controller) State() api.StateChangeEvent {
	return c.machine.Broadcaster().Latest()
}

// RemoteLoadStatus returns whether an update was loaded in the background since launch.
func (c *Controller) RemoteLoadStatus() RemoteLoadStatus {
	return c.recovery.Status()
}

// SetExtraParam stores a parameter sent along with every manifest request. An empty value removes it.
func (c *Controller) SetExtraParam(ctx context.Context, key string, value string) error {
	if key == "" {
		return errors.New("extra param key can't be empty")
	}

	return c.env.Holder.Do(ctx, func(ctx context.Context, db *database.Database) error {
		return db.SetExtraParam(ctx, c.env.Config.GetScopeKey(), key, value)
	})
}

// ExtraParams returns the stored extra parameters.
func (c *Controller) ExtraParams(ctx context.Context) (map[string]string, error) {
	return database.Query(ctx, c.env.Holder, func(ctx context.Context, db *database.Database) (map[string]string, error) {
		return db.GetExtraParams(ctx, c.env.Config.GetScopeKey())
	})
}

// HandleFatalError is called by the host when the application hit a fatal error.
func (c *Controller) HandleFatalError(ctx context.Context, err error) error {
	return c.recovery.HandleFatalError(ctx, err)
}

// NotifyContentAppeared is called by the host once the application rendered successfully.
func (c *Controller) NotifyContentAppeared(ctx context.Context) error {
	return c.recovery.NotifyContentAppeared(ctx)
}

// LoadRemoteUpdate queues a background download. It is called by error recovery.
func (c *Controller) LoadRemoteUpdate(ctx context.Context) {
	if !c.env.Config.IsRemoteEnabled() {
		return
	}

	done := c.runner.Enqueue(ctx, procedures.NewFetchUpdate(c.env, nil))

	c.env.Detached.Go(ctx, "error-recovery-fetch", func(_ context.Context) error {
		return <-done
	})
}

// DeferToHost hands a fatal error back to the host. It is called by error recovery.
func (c *Controller) DeferToHost(ctx context.Context, err error) {
	if c.onFatalError == nil {
		slog.ErrorContext(ctx, "Unrecoverable application error", "err", err)

		return
	}

	c.onFatalError(ctx, err)
}

// Close stops the periodic checks, waits for queued procedures and background tasks, then
// closes the update store.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()

		return nil
	}

	c.closed = true
	c.mu.Unlock()

	var errs []error

	if c.scheduler != nil {
		err := c.scheduler.Shutdown()
		if err != nil {
			errs = append(errs, err)
		}
	}

	c.queue.Close()
	c.queue.Wait()
	c.env.Detached.Wait()

	for _, unsubscribe := range c.unsubscribe {
		unsubscribe()
	}

	err := c.db.Close()
	if err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (c *Controller) requireStarted() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.startup == nil {
		return ErrNotStarted
	}

	return nil
}

func (c *Controller) requireRemote() error {
	err := c.requireStarted()
	if err != nil {
		return err
	}

	if !c.env.Config.IsRemoteEnabled() {
		return ErrRemoteDisabled
	}

	return nil
}
