package recovery_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lxc/updates-client/api"
	"github.com/lxc/updates-client/internal/database"
	"github.com/lxc/updates-client/internal/recovery"
)

type fakeDelegate struct {
	mu sync.Mutex

	relaunchErr error
	relaunches  []string
	loads       int
	deferred    []error
}

func (d *fakeDelegate) Relaunch(_ context.Context, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.relaunches = append(d.relaunches, reason)

	return d.relaunchErr
}

func (d *fakeDelegate) LoadRemoteUpdate(_ context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.loads++
}

func (d *fakeDelegate) DeferToHost(_ context.Context, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.deferred = append(d.deferred, err)
}

type launched struct {
	update *api.UpdateRecord
}

func (l *launched) LaunchedUpdate() *api.UpdateRecord {
	return l.update
}

func setup(t *testing.T, loadOnError bool) (*recovery.Recovery, *fakeDelegate, *database.Database) {
	t.Helper()

	ctx := context.Background()

	db, err := database.Open(ctx, filepath.Join(t.TempDir(), "updates.db"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	update := api.UpdateRecord{
		ID:             "u1",
		ScopeKey:       "scope",
		CommitTime:     time.Unix(100, 0).UTC(),
		RuntimeVersion: "1.0",
		Status:         api.UpdateStatusReady,
	}
	require.NoError(t, db.InsertUpdate(ctx, update))

	delegate := &fakeDelegate{}

	return recovery.New(database.NewHolder(db), &launched{update: &update}, delegate, loadOnError), delegate, db
}

func event(eventType api.StateEventType) api.StateChangeEvent {
	return api.StateChangeEvent{Type: eventType}
}

func TestFatalErrorMarksUpdateFailed(t *testing.T) {
	t.Parallel()

	r, delegate, db := setup(t, true)
	fatal := errors.New("undefined is not a function")

	require.NoError(t, r.HandleFatalError(context.Background(), fatal))

	u, err := db.GetUpdate(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, 1, u.FailedLaunchCount)
	require.Equal(t, 1, delegate.loads)
	require.Equal(t, []error{fatal}, delegate.deferred)
	require.Empty(t, delegate.relaunches)
}

func TestFatalErrorWithoutRemoteLoad(t *testing.T) {
	t.Parallel()

	r, delegate, _ := setup(t, false)

	require.NoError(t, r.HandleFatalError(context.Background(), errors.New("boom")))
	require.Equal(t, 0, delegate.loads)
	require.Len(t, delegate.deferred, 1)
}

func TestFatalErrorRelaunchesOntoLoadedUpdate(t *testing.T) {
	t.Parallel()

	r, delegate, db := setup(t, true)

	r.Listen(event(api.StateEventDownload))
	require.Equal(t, recovery.RemoteLoadNewUpdateLoading, r.Status())

	r.Listen(event(api.StateEventDownloadCompleteWithUpdate))
	require.Equal(t, recovery.RemoteLoadNewUpdateLoaded, r.Status())

	require.NoError(t, r.HandleFatalError(context.Background(), errors.New("boom")))
	require.Len(t, delegate.relaunches, 1)
	require.Empty(t, delegate.deferred)

	u, err := db.GetUpdate(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, 0, u.FailedLaunchCount)
}

func TestFatalErrorRelaunchFailure(t *testing.T) {
	t.Parallel()

	r, delegate, db := setup(t, true)
	delegate.relaunchErr = errors.New("no launchable update")

	r.Listen(event(api.StateEventDownload))
	r.Listen(event(api.StateEventDownloadCompleteWithRollback))

	require.NoError(t, r.HandleFatalError(context.Background(), errors.New("boom")))
	require.Len(t, delegate.relaunches, 1)
	require.Len(t, delegate.deferred, 1)

	// Something was already loaded, so nothing new is requested.
	require.Equal(t, 0, delegate.loads)

	u, err := db.GetUpdate(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, 1, u.FailedLaunchCount)
}

func TestContentAppeared(t *testing.T) {
	t.Parallel()

	r, delegate, db := setup(t, true)
	ctx := context.Background()

	require.NoError(t, r.NotifyContentAppeared(ctx))
	require.NoError(t, r.NotifyContentAppeared(ctx))

	u, err := db.GetUpdate(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, u.SuccessfulLaunchCount)

	// Errors after content appeared don't count against the update.
	require.NoError(t, r.HandleFatalError(ctx, errors.New("boom")))

	u, err = db.GetUpdate(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 0, u.FailedLaunchCount)
	require.Equal(t, 0, delegate.loads)
	require.Len(t, delegate.deferred, 1)

	// A reload opens a new launch window.
	r.Listen(api.StateChangeEvent{Type: api.StateEventReset, Context: api.UpdatesStateContext{RestartCount: 1}})
	require.NoError(t, r.HandleFatalError(ctx, errors.New("boom")))

	u, err = db.GetUpdate(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, u.FailedLaunchCount)
}

func TestDownloadErrorResetsStatus(t *testing.T) {
	t.Parallel()

	r, _, _ := setup(t, true)

	r.Listen(event(api.StateEventDownload))
	r.Listen(event(api.StateEventDownloadError))
	require.Equal(t, recovery.RemoteLoadIdle, r.Status())

	r.Listen(event(api.StateEventDownload))
	r.Listen(event(api.StateEventDownloadComplete))
	require.Equal(t, recovery.RemoteLoadIdle, r.Status())
}
