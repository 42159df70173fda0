package client

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/lxc/updates-client/api"
	"github.com/lxc/updates-client/internal/loader"
	"github.com/lxc/updates-client/internal/queue"
)

type fakeLoader struct {
	mu sync.Mutex

	directory string
	response  *api.UpdateResponse

	manifestCalls int
	assetCalls    int
}

func (l *fakeLoader) DownloadManifest(_ context.Context, _ loader.ManifestRequest) (*api.UpdateResponse, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.manifestCalls++

	if l.response == nil {
		return nil, errors.New("server unreachable")
	}

	return l.response, nil
}

func (l *fakeLoader) DownloadAssets(_ context.Context, m *api.Manifest, progress loader.ProgressFunc) ([]api.AssetRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.assetCalls++

	name := m.ID + "-bundle"

	err := os.WriteFile(filepath.Join(l.directory, name), []byte(name), 0o600)
	if err != nil {
		return nil, err
	}

	if progress != nil {
		progress(loader.Progress{Key: m.LaunchAsset.Key, Loaded: 1, Total: 1})
	}

	return []api.AssetRecord{{Key: m.LaunchAsset.Key, URL: m.LaunchAsset.URL, RelativePath: name, IsLaunchAsset: true}}, nil
}

type fakeHost struct {
	mu      sync.Mutex
	reasons []string
}

func (h *fakeHost) Reload(_ context.Context, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.reasons = append(h.reasons, reason)

	return nil
}

func (h *fakeHost) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.reasons)
}

func remoteManifest(id string, commitTime int64) *api.Manifest {
	return &api.Manifest{
		ID:             id,
		CreatedAt:      time.Unix(commitTime, 0).UTC(),
		RuntimeVersion: "1.0",
		LaunchAsset:    api.ManifestAsset{Key: "bundle", URL: "https://updates.example.com/" + id},
	}
}

type setup struct {
	controller *Controller
	loader     *fakeLoader
	host       *fakeHost
	registry   *prometheus.Registry

	mu    sync.Mutex
	fatal []error
}

func newSetup(t *testing.T, updateURL string, checkOnLaunch api.CheckOnLaunch) *setup {
	t.Helper()

	dir := t.TempDir()

	embeddedManifest := filepath.Join(dir, "embedded.json")
	require.NoError(t, os.WriteFile(embeddedManifest, []byte(`{"id": "embedded", "created_at": "1970-01-01T00:01:40Z", "runtime_version": "1.0", "launch_asset": {"key": "bundle", "path": "app.bundle"}}`), 0o600))

	cfg := &api.UpdatesConfig{
		UpdateURL:         updateURL,
		RuntimeVersion:    "1.0",
		CheckOnLaunch:     checkOnLaunch,
		UpdatesDirectory:  filepath.Join(dir, "updates"),
		EmbeddedDirectory: filepath.Join(dir, "embedded"),
		EmbeddedManifest:  embeddedManifest,
	}

	s := &setup{
		loader:   &fakeLoader{directory: cfg.UpdatesDirectory},
		host:     &fakeHost{},
		registry: prometheus.NewRegistry(),
	}

	c, err := New(context.Background(), Options{
		Config:     cfg,
		Host:       s.host,
		Registerer: s.registry,
		OnFatalError: func(_ context.Context, err error) {
			s.mu.Lock()
			defer s.mu.Unlock()

			s.fatal = append(s.fatal, err)
		},
		loader: s.loader,
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = c.Close() })

	s.controller = c

	return s
}

func (s *setup) start(t *testing.T) StartupResult {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, s.controller.Start(ctx))

	result, err := s.controller.StartupResult(ctx)
	require.NoError(t, err)

	return result
}

func TestNewRequiresConfig(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Options{Host: &fakeHost{}})
	require.ErrorIs(t, err, api.ErrInvalidConfig)

	_, err = New(context.Background(), Options{Config: &api.UpdatesConfig{RuntimeVersion: "1.0"}, Host: &fakeHost{}})
	require.ErrorIs(t, err, api.ErrInvalidConfig)
}

func TestStartupWithoutRemote(t *testing.T) {
	t.Parallel()

	s := newSetup(t, "", api.CheckOnLaunchAlways)
	ctx := context.Background()

	_, err := s.controller.CheckForUpdate(ctx)
	require.ErrorIs(t, err, ErrNotStarted)

	result := s.start(t)
	require.False(t, result.Emergency)
	require.True(t, result.Launch.IsUsingEmbeddedAssets)
	require.Equal(t, "embedded", result.Launch.LaunchedUpdate.ID)

	require.ErrorIs(t, s.controller.Start(ctx), ErrAlreadyStarted)

	_, err = s.controller.CheckForUpdate(ctx)
	require.ErrorIs(t, err, ErrRemoteDisabled)

	_, err = s.controller.FetchUpdate(ctx, nil)
	require.ErrorIs(t, err, ErrRemoteDisabled)

	require.Equal(t, api.StateEventEndStartup, s.controller.State().Type)
	require.Equal(t, api.UpdatesStateIdle, s.controller.State().State)
	require.Equal(t, 0, s.loader.manifestCalls)

	launch, err := s.controller.LaunchResult()
	require.NoError(t, err)
	require.Equal(t, result.Launch, launch)
}

func TestCheckFetchRelaunch(t *testing.T) {
	t.Parallel()

	s := newSetup(t, "https://updates.example.com/manifest", api.CheckOnLaunchNever)
	s.start(t)

	ctx := context.Background()
	s.loader.response = &api.UpdateResponse{Manifest: remoteManifest("u200", 200)}

	var events []api.StateEventType

	unsubscribe := s.controller.Subscribe(func(event api.StateChangeEvent) {
		events = append(events, event.Type)
	})

	check, err := s.controller.CheckForUpdate(ctx)
	require.NoError(t, err)
	require.Equal(t, CheckResultUpdateAvailable, check.Kind)
	require.Equal(t, "u200", check.Manifest.ID)

	var progress []Progress

	fetch, err := s.controller.FetchUpdate(ctx, func(p Progress) {
		progress = append(progress, p)
	})
	require.NoError(t, err)
	require.Equal(t, FetchResultSuccess, fetch.Kind)
	require.Len(t, progress, 1)
	require.Equal(t, RemoteLoadNewUpdateLoaded, s.controller.RemoteLoadStatus())

	require.NoError(t, s.controller.Relaunch(ctx, "user requested"))
	require.Equal(t, 1, s.host.count())
	require.Equal(t, RemoteLoadIdle, s.controller.RemoteLoadStatus())

	launch, err := s.controller.LaunchResult()
	require.NoError(t, err)
	require.Equal(t, "u200", launch.LaunchedUpdate.ID)
	require.False(t, launch.IsUsingEmbeddedAssets)

	unsubscribe()

	require.Equal(t, []api.StateEventType{
		api.StateEventEndStartup,
		api.StateEventCheck,
		api.StateEventCheckCompleteWithUpdate,
		api.StateEventDownload,
		api.StateEventDownloadCompleteWithUpdate,
		api.StateEventRestart,
		api.StateEventReset,
	}, events)

	require.Equal(t, 1, s.controller.State().Context.RestartCount)
	require.InDelta(t, 1, testutil.ToFloat64(s.controller.metrics.Procedures.WithLabelValues("check-for-update", "success")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(s.controller.metrics.Procedures.WithLabelValues("fetch-update", "success")), 0)
}

func TestFatalErrorLoadsRemoteUpdate(t *testing.T) {
	t.Parallel()

	s := newSetup(t, "https://updates.example.com/manifest", api.CheckOnLaunchErrorRecoveryOnly)
	s.start(t)

	ctx := context.Background()
	s.loader.mu.Lock()
	s.loader.response = &api.UpdateResponse{Manifest: remoteManifest("u200", 200)}
	s.loader.mu.Unlock()

	fatal := errors.New("undefined is not a function")
	require.NoError(t, s.controller.HandleFatalError(ctx, fatal))

	s.mu.Lock()
	require.Equal(t, []error{fatal}, s.fatal)
	s.mu.Unlock()

	// The background download goes through the queue.
	s.controller.queue.Wait()
	require.Equal(t, RemoteLoadNewUpdateLoaded, s.controller.RemoteLoadStatus())

	s.loader.mu.Lock()
	require.Equal(t, 1, s.loader.assetCalls)
	s.loader.mu.Unlock()

	// The next fatal error relaunches onto it.
	require.NoError(t, s.controller.HandleFatalError(ctx, fatal))
	require.Equal(t, 1, s.host.count())

	launch, err := s.controller.LaunchResult()
	require.NoError(t, err)
	require.Equal(t, "u200", launch.LaunchedUpdate.ID)

	s.mu.Lock()
	require.Len(t, s.fatal, 1)
	s.mu.Unlock()
}

func TestContentAppeared(t *testing.T) {
	t.Parallel()

	s := newSetup(t, "", api.CheckOnLaunchNever)
	s.start(t)

	ctx := context.Background()

	require.NoError(t, s.controller.NotifyContentAppeared(ctx))
	require.NoError(t, s.controller.HandleFatalError(ctx, errors.New("boom")))

	update, err := s.controller.db.GetUpdate(ctx, "embedded")
	require.NoError(t, err)
	require.Equal(t, 1, update.SuccessfulLaunchCount)
	require.Equal(t, 0, update.FailedLaunchCount)

	require.NoError(t, s.controller.RecreateHostContext(ctx, "settings changed"))
	require.Equal(t, 1, s.host.count())
}

func TestExtraParams(t *testing.T) {
	t.Parallel()

	s := newSetup(t, "https://updates.example.com/manifest", api.CheckOnLaunchNever)
	ctx := context.Background()

	require.NoError(t, s.controller.SetExtraParam(ctx, "channel", "beta"))
	require.NoError(t, s.controller.SetExtraParam(ctx, "cohort", "a"))
	require.NoError(t, s.controller.SetExtraParam(ctx, "cohort", ""))
	require.Error(t, s.controller.SetExtraParam(ctx, "", "x"))

	params, err := s.controller.ExtraParams(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"channel": "beta"}, params)
}

func TestPeriodicCheck(t *testing.T) {
	t.Parallel()

	s := newSetup(t, "https://updates.example.com/manifest", api.CheckOnLaunchNever)
	s.controller.env.Config.CheckSchedule = "0 0 1 1 *"
	s.start(t)

	require.NotNil(t, s.controller.scheduler)

	next, err := s.controller.scheduler.NextRun("check-for-update")
	require.NoError(t, err)
	require.True(t, next.After(time.Now()))

	// Running the job out of schedule checks for an update.
	s.loader.mu.Lock()
	s.loader.response = &api.UpdateResponse{Manifest: remoteManifest("u200", 200)}
	s.loader.mu.Unlock()

	checked := make(chan struct{}, 1)

	unsubscribe := s.controller.Subscribe(func(event api.StateChangeEvent) {
		if event.Type == api.StateEventCheckCompleteWithUpdate {
			select {
			case checked <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	require.NoError(t, s.controller.RunPeriodicCheck())

	select {
	case <-checked:
	case <-time.After(5 * time.Second):
		t.Fatal("Periodic check didn't run")
	}

	// Stopping the periodic check.
	ctx := context.Background()

	require.NoError(t, s.controller.SetCheckSchedule(ctx, ""))
	require.ErrorIs(t, s.controller.RunPeriodicCheck(), ErrNoSchedule)
	require.NoError(t, s.controller.SetCheckSchedule(ctx, ""))

	// And scheduling it again.
	require.NoError(t, s.controller.SetCheckSchedule(ctx, "*/5 * * * *"))

	_, err = s.controller.scheduler.NextRun("check-for-update")
	require.NoError(t, err)

	require.Error(t, s.controller.SetCheckSchedule(ctx, "not a crontab"))

	require.NoError(t, s.controller.Close())
	require.NoError(t, s.controller.Close())
	require.ErrorIs(t, s.controller.RunPeriodicCheck(), queue.ErrQueueClosed)
}

func TestPeriodicCheckNotScheduled(t *testing.T) {
	t.Parallel()

	s := newSetup(t, "https://updates.example.com/manifest", api.CheckOnLaunchNever)
	s.start(t)

	require.ErrorIs(t, s.controller.RunPeriodicCheck(), ErrNoSchedule)

	offline := newSetup(t, "", api.CheckOnLaunchNever)
	offline.start(t)

	require.ErrorIs(t, offline.controller.SetCheckSchedule(context.Background(), "0 * * * *"), ErrRemoteDisabled)
}
