package loader

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/lxc/updates-client/api"
	"github.com/lxc/updates-client/internal/database"
)

// ReadEmbeddedManifest reads the manifest of the update shipped with the application.
// It returns nil when no embedded manifest is configured.
//
// Build tooling doesn't always assign an id to the embedded manifest, in which case
// one is derived from the manifest content so that it stays stable across launches.
func ReadEmbeddedManifest(path string) (*api.Manifest, error) {
	if path == "" {
		return nil, nil //nolint:nilnil
	}

	// #nosec G304
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	manifest := &api.Manifest{}

	err = json.Unmarshal(body, manifest)
	if err != nil {
		return nil, err
	}

	manifest.Raw = body

	if manifest.ID == "" {
		manifest.ID = uuid.NewSHA1(uuid.NameSpaceOID, body).String()
	}

	err = manifest.Validate()
	if err != nil {
		return nil, err
	}

	return manifest, nil
}

// RegisterEmbedded makes sure the embedded update is present in the database.
// It returns the stored record, or nil when there is no embedded update.
func RegisterEmbedded(ctx context.Context, holder *database.Holder, manifest *api.Manifest, scopeKey string) (*api.UpdateRecord, error) {
	if manifest == nil {
		return nil, nil //nolint:nilnil
	}

	return database.Query(ctx, holder, func(ctx context.Context, db *database.Database) (*api.UpdateRecord, error) {
		existing, err := db.GetUpdate(ctx, manifest.ID)
		if err == nil {
			return existing, nil
		}

		if !errors.Is(err, database.ErrUpdateNotFound) {
			return nil, err
		}

		record := manifest.UpdateRecord(scopeKey)
		record.Status = api.UpdateStatusEmbedded

		err = db.InsertUpdate(ctx, record)
		if err != nil {
			return nil, err
		}

		assets := make([]api.AssetRecord, 0, len(manifest.Assets)+1)

		for _, asset := range manifest.AllAssets() {
			relativePath := asset.Path
			if relativePath == "" {
				relativePath = asset.Key
			}

			assets = append(assets, api.AssetRecord{
				Key:           asset.Key,
				Hash:          asset.Hash,
				RelativePath:  relativePath,
				ContentType:   asset.ContentType,
				IsEmbedded:    true,
				IsLaunchAsset: asset.Key == manifest.LaunchAsset.Key,
			})
		}

		err = db.InsertAssets(ctx, record.ID, assets)
		if err != nil {
			return nil, err
		}

		slog.InfoContext(ctx, "Registered embedded update", "id", record.ID, "commit_time", record.CommitTime)

		return &record, nil
	})
}
