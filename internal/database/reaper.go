package database

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lxc/updates-client/api"
	"github.com/lxc/updates-client/internal/selection"
)

// Reap removes the updates the policy no longer needs, along with the asset files nothing refers to anymore.
// Files are removed while the database is held so an update being stored can't link a file that is going away.
func Reap(ctx context.Context, holder *Holder, policy selection.Policy, launched *api.UpdateRecord, scopeKey string, updatesDirectory string) error {
	return holder.Do(ctx, func(ctx context.Context, db *Database) error {
		updates, err := db.GetUpdates(ctx, scopeKey)
		if err != nil {
			return err
		}

		filters, err := db.GetManifestFilters(ctx, scopeKey)
		if err != nil {
			return err
		}

		toDelete := policy.SelectUpdatesToDelete(updates, launched, filters)

		ids := make([]string, 0, len(toDelete))
		for _, u := range toDelete {
			ids = append(ids, u.ID)
		}

		err = db.DeleteUpdates(ctx, ids)
		if err != nil {
			return err
		}

		if len(ids) > 0 {
			slog.InfoContext(ctx, "Removed old updates", "updates", ids)
		}

		unused, err := db.DeleteUnusedAssets(ctx)
		if err != nil {
			return err
		}

		var errs []error

		for _, asset := range unused {
			err := os.Remove(filepath.Join(updatesDirectory, asset.RelativePath))
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
		}

		return errors.Join(errs...)
	})
}
