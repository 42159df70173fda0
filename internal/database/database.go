// Package database persists update and asset records in SQLite.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	// SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/lxc/updates-client/api"
)

// ErrUpdateNotFound is returned when an update record doesn't exist.
var ErrUpdateNotFound = errors.New("update not found")

const (
	keyManifestFilters      = "manifest_filters"
	keyServerDefinedHeaders = "server_defined_headers"
	keyExtraParams          = "extra_params"
)

// Database is the storage of update and asset records.
type Database struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(ctx context.Context, path string) (*Database, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// A single connection keeps writes ordered and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	d := &Database{db: db}

	err = d.migrate(ctx)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	return d, nil
}

// Close closes the underlying database.
func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS updates (
			id TEXT PRIMARY KEY,
			scope_key TEXT NOT NULL,
			commit_time INTEGER NOT NULL,
			runtime_version TEXT NOT NULL,
			manifest TEXT,
			metadata TEXT,
			launch_asset_key TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			successful_launch_count INTEGER NOT NULL DEFAULT 0,
			failed_launch_count INTEGER NOT NULL DEFAULT 0,
			last_accessed INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS assets (
			relative_path TEXT NOT NULL,
			is_embedded INTEGER NOT NULL DEFAULT 0,
			url TEXT,
			hash TEXT NOT NULL DEFAULT '',
			content_type TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (relative_path, is_embedded)
		);`,
		`CREATE TABLE IF NOT EXISTS updates_assets (
			update_id TEXT NOT NULL,
			asset_key TEXT NOT NULL,
			relative_path TEXT NOT NULL,
			is_embedded INTEGER NOT NULL DEFAULT 0,
			is_launch_asset INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (update_id, asset_key)
		);`,
		`CREATE TABLE IF NOT EXISTS json_data (
			scope_key TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (scope_key, key)
		);`,
	}

	for _, stmt := range statements {
		_, err := d.db.ExecContext(ctx, stmt)
		if err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	return nil
}

const updateColumns = `id, scope_key, commit_time, runtime_version, manifest, metadata, launch_asset_key, status, successful_launch_count, failed_launch_count, last_accessed`

// InsertUpdate stores a new update record.
func (d *Database) InsertUpdate(ctx context.Context, u api.UpdateRecord) error {
	metadata, err := json.Marshal(u.Metadata)
	if err != nil {
		return err
	}

	_, err = d.db.ExecContext(ctx, `INSERT INTO updates (`+updateColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.ScopeKey, u.CommitTime.UnixNano(), u.RuntimeVersion, string(u.Manifest), string(metadata), u.LaunchAssetKey, string(u.Status),
		u.SuccessfulLaunchCount, u.FailedLaunchCount, unixNano(u.LastAccessed),
	)
	if err != nil {
		return fmt.Errorf("failed to insert update %q: %w", u.ID, err)
	}

	return nil
}

// GetUpdate returns the update with the given ID.
func (d *Database) GetUpdate(ctx context.Context, id string) (*api.UpdateRecord, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+updateColumns+` FROM updates WHERE id = ?`, id)

	u, err := scanUpdate(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUpdateNotFound
		}

		return nil, err
	}

	return u, nil
}

// GetUpdates returns all updates for the scope.
func (d *Database) GetUpdates(ctx context.Context, scopeKey string) ([]api.UpdateRecord, error) {
	return d.queryUpdates(ctx, `SELECT `+updateColumns+` FROM updates WHERE scope_key = ? ORDER BY commit_time`, scopeKey)
}

// GetLaunchableUpdates returns the updates for the scope whose assets are all present.
func (d *Database) GetLaunchableUpdates(ctx context.Context, scopeKey string) ([]api.UpdateRecord, error) {
	return d.queryUpdates(ctx, `SELECT `+updateColumns+` FROM updates WHERE scope_key = ? AND status IN (?, ?) ORDER BY commit_time`,
		scopeKey, string(api.UpdateStatusReady), string(api.UpdateStatusEmbedded))
}

func (d *Database) queryUpdates(ctx context.Context, query string, args ...any) ([]api.UpdateRecord, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	defer func() { _ = rows.Close() }()

	updates := []api.UpdateRecord{}

	for rows.Next() {
		u, err := scanUpdate(rows)
		if err != nil {
			return nil, err
		}

		updates = append(updates, *u)
	}

	err = rows.Err()
	if err != nil {
		return nil, err
	}

	return updates, nil
}

// unixNano stores the zero time as 0, UnixNano is undefined for it.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}

	return time.Unix(0, n).UTC()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUpdate(s scanner) (*api.UpdateRecord, error) {
	var (
		u            api.UpdateRecord
		commitTime   int64
		lastAccessed int64
		manifest     sql.NullString
		metadata     sql.NullString
		status       string
	)

	err := s.Scan(&u.ID, &u.ScopeKey, &commitTime, &u.RuntimeVersion, &manifest, &metadata, &u.LaunchAssetKey, &status,
		&u.SuccessfulLaunchCount, &u.FailedLaunchCount, &lastAccessed)
	if err != nil {
		return nil, err
	}

	u.CommitTime = time.Unix(0, commitTime).UTC()
	u.LastAccessed = fromUnixNano(lastAccessed)
	u.Status = api.UpdateStatus(status)

	if manifest.Valid && manifest.String != "" {
		u.Manifest = json.RawMessage(manifest.String)
	}

	if metadata.Valid && metadata.String != "" && metadata.String != "null" {
		err = json.Unmarshal([]byte(metadata.String), &u.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to decode metadata of update %q: %w", u.ID, err)
		}
	}

	return &u, nil
}

// SetUpdateStatus changes the status of an update.
func (d *Database) SetUpdateStatus(ctx context.Context, id string, status api.UpdateStatus) error {
	return d.execOne(ctx, `UPDATE updates SET status = ? WHERE id = ?`, string(status), id)
}

// SetUpdateCommitTime changes the commit time of an update.
func (d *Database) SetUpdateCommitTime(ctx context.Context, id string, commitTime time.Time) error {
	return d.execOne(ctx, `UPDATE updates SET commit_time = ? WHERE id = ?`, commitTime.UnixNano(), id)
}

// IncrementSuccessfulLaunchCount records a successful launch of an update.
func (d *Database) IncrementSuccessfulLaunchCount(ctx context.Context, id string) error {
	return d.execOne(ctx, `UPDATE updates SET successful_launch_count = successful_launch_count + 1 WHERE id = ?`, id)
}

// IncrementFailedLaunchCount records a failed launch of an update.
func (d *Database) IncrementFailedLaunchCount(ctx context.Context, id string) error {
	return d.execOne(ctx, `UPDATE updates SET failed_launch_count = failed_launch_count + 1 WHERE id = ?`, id)
}

// MarkUpdateAccessed records when an update was last launched.
func (d *Database) MarkUpdateAccessed(ctx context.Context, id string, t time.Time) error {
	return d.execOne(ctx, `UPDATE updates SET last_accessed = ? WHERE id = ?`, unixNano(t), id)
}

func (d *Database) execOne(ctx context.Context, query string, args ...any) error {
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	count, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if count == 0 {
		return ErrUpdateNotFound
	}

	return nil
}

// DeleteUpdates removes updates and their asset links.
func (d *Database) DeleteUpdates(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() { _ = tx.Rollback() }()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM updates_assets WHERE update_id IN (`+placeholders+`)`, args...) //nolint:gosec
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM updates WHERE id IN (`+placeholders+`)`, args...) //nolint:gosec
	if err != nil {
		return err
	}

	return tx.Commit()
}

// InsertAssets stores assets and links them to an update. Assets stored at the same location are shared.
func (d *Database) InsertAssets(ctx context.Context, updateID string, assets []api.AssetRecord) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() { _ = tx.Rollback() }()

	for _, a := range assets {
		_, err = tx.ExecContext(ctx, `INSERT INTO assets (relative_path, is_embedded, url, hash, content_type) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(relative_path, is_embedded) DO UPDATE SET url = excluded.url, hash = excluded.hash, content_type = excluded.content_type`,
			a.RelativePath, a.IsEmbedded, a.URL, a.Hash, a.ContentType)
		if err != nil {
			return fmt.Errorf("failed to insert asset %q: %w", a.Key, err)
		}

		_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO updates_assets (update_id, asset_key, relative_path, is_embedded, is_launch_asset) VALUES (?, ?, ?, ?, ?)`,
			updateID, a.Key, a.RelativePath, a.IsEmbedded, a.IsLaunchAsset)
		if err != nil {
			return fmt.Errorf("failed to link asset %q: %w", a.Key, err)
		}
	}

	return tx.Commit()
}

// GetAssets returns the assets of an update.
func (d *Database) GetAssets(ctx context.Context, updateID string) ([]api.AssetRecord, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT ua.asset_key, a.url, a.hash, a.relative_path, a.content_type, a.is_embedded, ua.is_launch_asset
		FROM updates_assets ua JOIN assets a ON a.relative_path = ua.relative_path AND a.is_embedded = ua.is_embedded
		WHERE ua.update_id = ? ORDER BY ua.asset_key`, updateID)
	if err != nil {
		return nil, err
	}

	defer func() { _ = rows.Close() }()

	return scanAssets(rows)
}

// DeleteUnusedAssets removes downloaded assets no update refers to anymore and returns them.
func (d *Database) DeleteUnusedAssets(ctx context.Context) ([]api.AssetRecord, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT '', a.url, a.hash, a.relative_path, a.content_type, a.is_embedded, 0 FROM assets a
		WHERE a.is_embedded = 0 AND NOT EXISTS (
			SELECT 1 FROM updates_assets ua WHERE ua.relative_path = a.relative_path AND ua.is_embedded = 0
		)`)
	if err != nil {
		return nil, err
	}

	unused, err := scanAssets(rows)

	_ = rows.Close()

	if err != nil {
		return nil, err
	}

	for _, a := range unused {
		_, err = tx.ExecContext(ctx, `DELETE FROM assets WHERE relative_path = ? AND is_embedded = 0`, a.RelativePath)
		if err != nil {
			return nil, err
		}
	}

	err = tx.Commit()
	if err != nil {
		return nil, err
	}

	return unused, nil
}

func scanAssets(rows *sql.Rows) ([]api.AssetRecord, error) {
	assets := []api.AssetRecord{}

	for rows.Next() {
		var (
			a   api.AssetRecord
			url sql.NullString
		)

		err := rows.Scan(&a.Key, &url, &a.Hash, &a.RelativePath, &a.ContentType, &a.IsEmbedded, &a.IsLaunchAsset)
		if err != nil {
			return nil, err
		}

		a.URL = url.String
		assets = append(assets, a)
	}

	err := rows.Err()
	if err != nil {
		return nil, err
	}

	return assets, nil
}

// GetManifestFilters returns the manifest filters last received for the scope.
func (d *Database) GetManifestFilters(ctx context.Context, scopeKey string) (api.ManifestFilters, error) {
	filters := api.ManifestFilters{}

	err := d.getJSON(ctx, scopeKey, keyManifestFilters, &filters)
	if err != nil {
		return nil, err
	}

	return filters, nil
}

// SetManifestFilters stores the manifest filters for the scope.
func (d *Database) SetManifestFilters(ctx context.Context, scopeKey string, filters api.ManifestFilters) error {
	return d.setJSON(ctx, scopeKey, keyManifestFilters, filters)
}

// GetServerDefinedHeaders returns the headers the server asked to be sent on future requests.
func (d *Database) GetServerDefinedHeaders(ctx context.Context, scopeKey string) (map[string]string, error) {
	headers := map[string]string{}

	err := d.getJSON(ctx, scopeKey, keyServerDefinedHeaders, &headers)
	if err != nil {
		return nil, err
	}

	return headers, nil
}

// SetServerDefinedHeaders stores the headers the server asked to be sent on future requests.
func (d *Database) SetServerDefinedHeaders(ctx context.Context, scopeKey string, headers map[string]string) error {
	return d.setJSON(ctx, scopeKey, keyServerDefinedHeaders, headers)
}

// GetExtraParams returns the host defined extra parameters.
func (d *Database) GetExtraParams(ctx context.Context, scopeKey string) (map[string]string, error) {
	params := map[string]string{}

	err := d.getJSON(ctx, scopeKey, keyExtraParams, &params)
	if err != nil {
		return nil, err
	}

	return params, nil
}

// SetExtraParam sets or, with an empty value, removes a host defined extra parameter.
func (d *Database) SetExtraParam(ctx context.Context, scopeKey string, key string, value string) error {
	params, err := d.GetExtraParams(ctx, scopeKey)
	if err != nil {
		return err
	}

	if value == "" {
		delete(params, key)
	} else {
		params[key] = value
	}

	return d.setJSON(ctx, scopeKey, keyExtraParams, params)
}

func (d *Database) getJSON(ctx context.Context, scopeKey string, key string, target any) error {
	var value string

	err := d.db.QueryRowContext(ctx, `SELECT value FROM json_data WHERE scope_key = ? AND key = ?`, scopeKey, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}

		return err
	}

	return json.Unmarshal([]byte(value), target)
}

func (d *Database) setJSON(ctx context.Context, scopeKey string, key string, value any) error {
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}

	_, err = d.db.ExecContext(ctx, `INSERT INTO json_data (scope_key, key, value) VALUES (?, ?, ?)
		ON CONFLICT(scope_key, key) DO UPDATE SET value = excluded.value`, scopeKey, key, string(body))

	return err
}
