package procedures

import (
	"context"
	"errors"
	"maps"

	"github.com/lxc/updates-client/api"
	"github.com/lxc/updates-client/internal/database"
	"github.com/lxc/updates-client/internal/loader"
)

// remoteState is what the database knows that matters for a server response.
type remoteState struct {
	filters  api.ManifestFilters
	embedded *api.UpdateRecord

	// stored is the record matching the received manifest, if one exists.
	stored *api.UpdateRecord
}

// storageError marks a failure of the update database, as opposed to the network.
type storageError struct {
	err error
}

func (e *storageError) Error() string {
	return e.err.Error()
}

func (e *storageError) Unwrap() error {
	return e.err
}

func isStorageError(err error) bool {
	var storageErr *storageError

	return errors.As(err, &storageErr)
}

// downloadManifest asks the server for the latest update and persists the filters and headers it returned.
// Database failures are returned as storageError.
func (e *Environment) downloadManifest(ctx context.Context) (*api.UpdateResponse, error) {
	req := loader.ManifestRequest{
		URL:            e.Config.UpdateURL,
		RuntimeVersion: e.Config.RuntimeVersion,
		ScopeKey:       e.scopeKey(),
		Headers:        map[string]string{},
	}

	if e.Embedded != nil {
		req.EmbeddedUpdateID = e.Embedded.ID
	}

	launched := e.Launch.LaunchedUpdate()
	if launched != nil {
		req.CurrentUpdateID = launched.ID
	}

	err := e.Holder.Do(ctx, func(ctx context.Context, db *database.Database) error {
		serverHeaders, err := db.GetServerDefinedHeaders(ctx, e.scopeKey())
		if err != nil {
			return err
		}

		req.ExtraParams, err = db.GetExtraParams(ctx, e.scopeKey())
		if err != nil {
			return err
		}

		// Configured headers win over the ones the server asked for.
		maps.Copy(req.Headers, serverHeaders)
		maps.Copy(req.Headers, e.Config.RequestHeaders)

		return nil
	})
	if err != nil {
		return nil, &storageError{err: err}
	}

	resp, err := e.Loader.DownloadManifest(ctx, req)
	if err != nil {
		return nil, err
	}

	err = e.Holder.Do(ctx, func(ctx context.Context, db *database.Database) error {
		if resp.ManifestFilters != nil {
			err := db.SetManifestFilters(ctx, e.scopeKey(), resp.ManifestFilters)
			if err != nil {
				return err
			}
		}

		if resp.ServerDefinedHeaders != nil {
			err := db.SetServerDefinedHeaders(ctx, e.scopeKey(), resp.ServerDefinedHeaders)
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, &storageError{err: err}
	}

	return resp, nil
}

// loadRemoteState reads the stored data needed to judge a server response.
func (e *Environment) loadRemoteState(ctx context.Context, resp *api.UpdateResponse) (*remoteState, error) {
	return database.Query(ctx, e.Holder, func(ctx context.Context, db *database.Database) (*remoteState, error) {
		state := &remoteState{}

		var err error

		state.filters, err = db.GetManifestFilters(ctx, e.scopeKey())
		if err != nil {
			return nil, err
		}

		if e.Embedded != nil {
			state.embedded, err = db.GetUpdate(ctx, e.Embedded.ID)
			if err != nil && !errors.Is(err, database.ErrUpdateNotFound) {
				return nil, err
			}
		}

		if resp.Manifest != nil {
			state.stored, err = db.GetUpdate(ctx, resp.Manifest.ID)
			if err != nil && !errors.Is(err, database.ErrUpdateNotFound) {
				return nil, err
			}
		}

		return state, nil
	})
}

// previouslyFailed returns true if the manifest's update already failed to launch on this device.
func (s *remoteState) previouslyFailed() bool {
	return s.stored != nil && s.stored.FailedLaunchCount > 0
}
