// Package launcher picks the stored update to run and resolves where its assets live.
package launcher

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lxc/updates-client/api"
	"github.com/lxc/updates-client/internal/database"
	"github.com/lxc/updates-client/internal/selection"
)

// ErrNoLaunchableUpdate is returned when no stored update can be launched.
var ErrNoLaunchableUpdate = errors.New("no launchable update")

// Launcher computes what the host should run.
type Launcher interface {
	Launch(ctx context.Context) (*api.LaunchResult, error)
}

// Local is a Launcher backed by the update database.
type Local struct {
	holder *database.Holder
	policy selection.Policy

	scopeKey          string
	updatesDirectory  string
	embeddedDirectory string
}

// NewLocal returns a launcher reading updates from the database.
func NewLocal(holder *database.Holder, policy selection.Policy, scopeKey string, updatesDirectory string, embeddedDirectory string) *Local {
	return &Local{
		holder:            holder,
		policy:            policy,
		scopeKey:          scopeKey,
		updatesDirectory:  updatesDirectory,
		embeddedDirectory: embeddedDirectory,
	}
}

// Launch selects the update to run and returns the location of its assets.
// Updates whose downloaded assets went missing are demoted to pending and skipped.
func (l *Local) Launch(ctx context.Context) (*api.LaunchResult, error) {
	return database.Query(ctx, l.holder, func(ctx context.Context, db *database.Database) (*api.LaunchResult, error) {
		filters, err := db.GetManifestFilters(ctx, l.scopeKey)
		if err != nil {
			return nil, err
		}

		for {
			updates, err := db.GetLaunchableUpdates(ctx, l.scopeKey)
			if err != nil {
				return nil, err
			}

			selected := l.policy.SelectUpdateToLaunch(updates, filters)
			if selected == nil {
				return nil, ErrNoLaunchableUpdate
			}

			assets, err := db.GetAssets(ctx, selected.ID)
			if err != nil {
				return nil, err
			}

			result, missing := l.resolve(selected, assets)
			if missing != "" {
				slog.WarnContext(ctx, "Update is missing an asset, skipping it", "id", selected.ID, "path", missing)

				err = db.SetUpdateStatus(ctx, selected.ID, api.UpdateStatusPending)
				if err != nil {
					return nil, err
				}

				continue
			}

			err = db.MarkUpdateAccessed(ctx, selected.ID, time.Now())
			if err != nil {
				return nil, err
			}

			return result, nil
		}
	})
}

// resolve maps the assets of an update to their paths on disk. It returns the path of the
// first downloaded asset that doesn't exist, if any.
func (l *Local) resolve(update *api.UpdateRecord, assets []api.AssetRecord) (*api.LaunchResult, string) {
	result := &api.LaunchResult{
		AssetPaths:            map[string]string{},
		IsUsingEmbeddedAssets: update.Status == api.UpdateStatusEmbedded,
		LaunchedUpdate:        update,
	}

	for _, asset := range assets {
		var path string

		if asset.IsEmbedded {
			path = filepath.Join(l.embeddedDirectory, asset.RelativePath)
		} else {
			path = filepath.Join(l.updatesDirectory, asset.RelativePath)

			_, err := os.Stat(path)
			if err != nil {
				return nil, path
			}
		}

		result.AssetPaths[asset.Key] = path

		if asset.IsLaunchAsset || asset.Key == update.LaunchAssetKey {
			result.LaunchAssetPath = path
		}
	}

	return result, ""
}
