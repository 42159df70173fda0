// Package recovery decides what to do when the host reports a fatal error shortly after a launch.
package recovery

import (
	"context"
	"log/slog"
	"sync"

	"github.com/lxc/updates-client/api"
	"github.com/lxc/updates-client/internal/database"
)

// RemoteLoadStatus represents whether a newer update is being or has been loaded in the background.
type RemoteLoadStatus string

const (
	// RemoteLoadIdle is used when nothing was loaded since launch.
	RemoteLoadIdle RemoteLoadStatus = "idle"

	// RemoteLoadNewUpdateLoading is used while a download is in progress.
	RemoteLoadNewUpdateLoading RemoteLoadStatus = "new-update-loading"

	// RemoteLoadNewUpdateLoaded is used once a newer update is stored and can be relaunched onto.
	RemoteLoadNewUpdateLoaded RemoteLoadStatus = "new-update-loaded"
)

// Delegate carries out the actions recovery decides on.
type Delegate interface {
	// Relaunch switches the host to the most recently loaded update.
	Relaunch(ctx context.Context, reason string) error

	// LoadRemoteUpdate starts downloading an update in the background.
	LoadRemoteUpdate(ctx context.Context)

	// DeferToHost hands the error back to the host's default crash handling.
	DeferToHost(ctx context.Context, err error)
}

// LaunchedUpdater returns the update currently launched.
type LaunchedUpdater interface {
	LaunchedUpdate() *api.UpdateRecord
}

// Recovery is the error recovery state.
type Recovery struct {
	mu              sync.Mutex
	status          RemoteLoadStatus
	contentAppeared bool

	holder   *database.Holder
	launch   LaunchedUpdater
	delegate Delegate

	// loadOnError triggers a background download when a fatal error happens and nothing was loaded yet.
	loadOnError bool
}

// New returns the error recovery state.
func New(holder *database.Holder, launch LaunchedUpdater, delegate Delegate, loadOnError bool) *Recovery {
	return &Recovery{
		status:      RemoteLoadIdle,
		holder:      holder,
		launch:      launch,
		delegate:    delegate,
		loadOnError: loadOnError,
	}
}

// Status returns the remote load status.
func (r *Recovery) Status() RemoteLoadStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.status
}

// Listen tracks background downloads from the state change stream.
func (r *Recovery) Listen(event api.StateChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch event.Type {
	case api.StateEventDownload:
		if r.status == RemoteLoadIdle {
			r.status = RemoteLoadNewUpdateLoading
		}

	case api.StateEventDownloadCompleteWithUpdate, api.StateEventDownloadCompleteWithRollback:
		r.status = RemoteLoadNewUpdateLoaded

	case api.StateEventDownloadComplete, api.StateEventDownloadError:
		if r.status == RemoteLoadNewUpdateLoading {
			r.status = RemoteLoadIdle
		}

	case api.StateEventReset:
		// The host was reloaded, a new launch window starts.
		if event.Context.RestartCount > 0 {
			r.status = RemoteLoadIdle
			r.contentAppeared = false
		}

	default:
	}
}

// NotifyContentAppeared records that the launched update rendered successfully, closing the
// window in which fatal errors count against it.
func (r *Recovery) NotifyContentAppeared(ctx context.Context) error {
	r.mu.Lock()
	already := r.contentAppeared
	r.contentAppeared = true
	r.mu.Unlock()

	if already {
		return nil
	}

	launched := r.launch.LaunchedUpdate()
	if launched == nil {
		return nil
	}

	return r.holder.Do(ctx, func(ctx context.Context, db *database.Database) error {
		return db.IncrementSuccessfulLaunchCount(ctx, launched.ID)
	})
}

// HandleFatalError reacts to a fatal error reported by the host.
//
// If a newer update was loaded in the background, the host is relaunched onto it. Otherwise, an
// error happening before content appeared marks the launched update as failed, and the error is
// handed back to the host.
func (r *Recovery) HandleFatalError(ctx context.Context, fatal error) error {
	r.mu.Lock()
	status := r.status
	contentAppeared := r.contentAppeared
	r.mu.Unlock()

	slog.WarnContext(ctx, "Fatal error reported", "err", fatal, "remote_load_status", status, "content_appeared", contentAppeared)

	if status == RemoteLoadNewUpdateLoaded {
		err := r.delegate.Relaunch(ctx, "error recovery: "+fatal.Error())
		if err == nil {
			return nil
		}

		slog.ErrorContext(ctx, "Failed to relaunch onto the loaded update", "err", err)
	}

	if !contentAppeared {
		launched := r.launch.LaunchedUpdate()
		if launched != nil {
			err := r.holder.Do(ctx, func(ctx context.Context, db *database.Database) error {
				return db.IncrementFailedLaunchCount(ctx, launched.ID)
			})
			if err != nil {
				r.delegate.DeferToHost(ctx, fatal)

				return err
			}

			slog.WarnContext(ctx, "Marked update as failed", "update", launched.ID)
		}

		if status == RemoteLoadIdle && r.loadOnError {
			r.delegate.LoadRemoteUpdate(ctx)
		}
	}

	r.delegate.DeferToHost(ctx, fatal)

	return nil
}
