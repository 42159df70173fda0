package procedures

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lxc/incus/v6/shared/revert"

	"github.com/lxc/updates-client/api"
	"github.com/lxc/updates-client/internal/database"
	"github.com/lxc/updates-client/internal/loader"
)

// FetchResultKind represents the outcome of an update download.
type FetchResultKind string

const (
	// FetchResultSuccess is used when a new update was stored and is ready to launch.
	FetchResultSuccess FetchResultKind = "success"

	// FetchResultFailure is used when there was nothing worth downloading.
	FetchResultFailure FetchResultKind = "failure"

	// FetchResultRollBackToEmbedded is used when a rollback directive was applied.
	FetchResultRollBackToEmbedded FetchResultKind = "rollBackToEmbedded"

	// FetchResultError is used when the download failed.
	FetchResultError FetchResultKind = "error"
)

// FetchResult is the outcome of a FetchUpdate procedure.
type FetchResult struct {
	Kind     FetchResultKind
	Manifest *api.Manifest
	Err      error
}

// FetchUpdate downloads and stores the update the server offers, if the policy wants it.
type FetchUpdate struct {
	env      *Environment
	progress loader.ProgressFunc
	result   FetchResult
}

// NewFetchUpdate returns a FetchUpdate procedure. The progress callback may be nil.
func NewFetchUpdate(env *Environment, progress loader.ProgressFunc) *FetchUpdate {
	return &FetchUpdate{env: env, progress: progress}
}

// Name returns the procedure name.
func (*FetchUpdate) Name() string {
	return "fetch-update"
}

// Result returns the outcome once the procedure has run.
func (p *FetchUpdate) Result() FetchResult {
	return p.result
}

// Run performs the download.
func (p *FetchUpdate) Run(ctx context.Context, pctx Context) error {
	err := pctx.ProcessStateEvent(ctx, api.StateEvent{Type: api.StateEventDownload})
	if err != nil {
		return err
	}

	resp, err := p.env.downloadManifest(ctx)
	if err != nil {
		return p.fail(ctx, pctx, err, isStorageError(err))
	}

	state, err := p.env.loadRemoteState(ctx, resp)
	if err != nil {
		return p.fail(ctx, pctx, err, true)
	}

	if resp.Directive != nil {
		return p.applyDirective(ctx, pctx, resp.Directive, state)
	}

	launched := p.env.Launch.LaunchedUpdate()
	candidate := resp.Manifest.UpdateRecord(p.env.scopeKey())

	// Decide before downloading any asset.
	if state.previouslyFailed() || !p.env.Policy.ShouldLoadNewUpdate(&candidate, launched, state.filters) {
		slog.InfoContext(ctx, "Not downloading update", "update", candidate.ID, "previously_failed", state.previouslyFailed())

		p.result = FetchResult{Kind: FetchResultFailure}

		return pctx.ProcessStateEvent(ctx, api.StateEvent{Type: api.StateEventDownloadComplete})
	}

	if state.stored == nil || !state.stored.Status.IsLaunchable() {
		err = p.download(ctx, resp.Manifest, state.stored != nil)
		if err != nil {
			return p.fail(ctx, pctx, err, isStorageError(err))
		}
	}

	slog.InfoContext(ctx, "Update downloaded", "update", candidate.ID)

	p.result = FetchResult{Kind: FetchResultSuccess, Manifest: resp.Manifest}

	return pctx.ProcessStateEvent(ctx, api.StateEvent{Type: api.StateEventDownloadCompleteWithUpdate, Manifest: resp.Manifest.Body()})
}

func (p *FetchUpdate) applyDirective(ctx context.Context, pctx Context, directive *api.UpdateDirective, state *remoteState) error {
	if directive.Type != api.UpdateDirectiveRollBackToEmbedded || state.embedded == nil ||
		!p.env.Policy.ShouldLoadRollBackToEmbeddedDirective(*directive, state.embedded, p.env.Launch.LaunchedUpdate(), state.filters) {
		p.result = FetchResult{Kind: FetchResultFailure}

		return pctx.ProcessStateEvent(ctx, api.StateEvent{Type: api.StateEventDownloadComplete})
	}

	// Carrying the directive's commit time makes the embedded update the one selected on the next launch.
	err := p.env.Holder.Do(ctx, func(ctx context.Context, db *database.Database) error {
		return db.SetUpdateCommitTime(ctx, state.embedded.ID, directive.CommitTime)
	})
	if err != nil {
		return p.fail(ctx, pctx, err, true)
	}

	slog.InfoContext(ctx, "Rolling back to embedded update", "update", state.embedded.ID, "commit_time", directive.CommitTime)

	p.result = FetchResult{Kind: FetchResultRollBackToEmbedded}

	return pctx.ProcessStateEvent(ctx, api.StateEvent{Type: api.StateEventDownloadCompleteWithRollback, CommitTime: directive.CommitTime})
}

// errAssetRemoved is returned when a downloaded asset file disappeared before the update was stored.
var errAssetRemoved = errors.New("downloaded asset was removed")

// maxAssetAttempts bounds how often assets are downloaded again after being removed by the reaper.
const maxAssetAttempts = 2

// download stores the manifest as a pending update, downloads its assets, then marks it ready.
// The database isn't held while assets are downloading.
func (p *FetchUpdate) download(ctx context.Context, manifest *api.Manifest, exists bool) error {
	if !exists {
		err := p.env.Holder.Do(ctx, func(ctx context.Context, db *database.Database) error {
			return db.InsertUpdate(ctx, manifest.UpdateRecord(p.env.scopeKey()))
		})
		if err != nil {
			return &storageError{err: err}
		}
	}

	for attempt := 1; ; attempt++ {
		assets, err := p.env.Loader.DownloadAssets(ctx, manifest, p.progress)
		if err != nil {
			return err
		}

		err = p.store(ctx, manifest, assets)
		if errors.Is(err, errAssetRemoved) && attempt < maxAssetAttempts {
			slog.WarnContext(ctx, "Asset removed during download, downloading again", "update", manifest.ID)

			continue
		}

		return err
	}
}

// store links the downloaded assets to the update and marks it ready. Unused files are only removed
// while the database is held, so checking them here guarantees they survive once linked.
func (p *FetchUpdate) store(ctx context.Context, manifest *api.Manifest, assets []api.AssetRecord) error {
	var missing string

	err := p.env.Holder.Do(ctx, func(ctx context.Context, db *database.Database) error {
		for _, asset := range assets {
			if asset.IsEmbedded {
				continue
			}

			_, err := os.Stat(filepath.Join(p.env.Config.UpdatesDirectory, asset.RelativePath))
			if err != nil {
				missing = asset.RelativePath

				return nil
			}
		}

		reverter := revert.New()
		defer reverter.Fail()

		err := db.InsertAssets(ctx, manifest.ID, assets)
		if err != nil {
			return err
		}

		reverter.Add(func() { _ = db.DeleteUpdates(ctx, []string{manifest.ID}) })

		err = db.SetUpdateStatus(ctx, manifest.ID, api.UpdateStatusReady)
		if err != nil {
			return err
		}

		reverter.Success()

		return nil
	})
	if err != nil {
		return &storageError{err: err}
	}

	if missing != "" {
		return fmt.Errorf("%w: %s", errAssetRemoved, missing)
	}

	return nil
}

// fail reports a download error. Storage errors are also returned to the caller.
func (p *FetchUpdate) fail(ctx context.Context, pctx Context, err error, storage bool) error {
	p.result = FetchResult{Kind: FetchResultError, Err: err}

	eventErr := pctx.ProcessStateEvent(ctx, api.StateEvent{Type: api.StateEventDownloadError, Message: err.Error()})

	if storage {
		return err
	}

	return eventErr
}
