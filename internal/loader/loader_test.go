package loader_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/lxc/updates-client/api"
	"github.com/lxc/updates-client/internal/database"
	"github.com/lxc/updates-client/internal/loader"
)

func sum(content string) string {
	h := sha256.Sum256([]byte(content))

	return hex.EncodeToString(h[:])
}

func TestParseResponse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		body      string
		directive api.UpdateDirectiveType
		manifest  string
		err       error
	}{
		{
			name:     "Manifest",
			body:     `{"manifest": {"id": "u1", "created_at": "2024-01-01T00:00:00Z", "launch_asset": {"key": "bundle"}}, "manifest_filters": {"branch": "main"}}`,
			manifest: "u1",
		},
		{
			name:      "Rollback directive",
			body:      `{"directive": {"type": "rollBackToEmbedded", "commit_time": "2024-01-01T00:00:00Z"}}`,
			directive: api.UpdateDirectiveRollBackToEmbedded,
		},
		{
			name:      "No update directive",
			body:      `{"directive": {"type": "noUpdateAvailable"}}`,
			directive: api.UpdateDirectiveNoUpdateAvailable,
		},
		{
			name:      "Empty body",
			body:      `{}`,
			directive: api.UpdateDirectiveNoUpdateAvailable,
		},
		{
			name: "Both",
			body: `{"manifest": {"id": "u1", "created_at": "2024-01-01T00:00:00Z", "launch_asset": {"key": "bundle"}}, "directive": {"type": "noUpdateAvailable"}}`,
			err:  loader.ErrMalformedResponse,
		},
		{
			name: "Rollback without commit time",
			body: `{"directive": {"type": "rollBackToEmbedded"}}`,
			err:  loader.ErrMalformedResponse,
		},
		{
			name: "Unknown directive",
			body: `{"directive": {"type": "selfDestruct"}}`,
			err:  loader.ErrMalformedResponse,
		},
		{
			name: "Manifest without launch asset",
			body: `{"manifest": {"id": "u1", "created_at": "2024-01-01T00:00:00Z"}}`,
			err:  api.ErrInvalidManifest,
		},
		{
			name: "Not JSON",
			body: `<html>`,
			err:  loader.ErrMalformedResponse,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			resp, err := loader.ParseResponse([]byte(tc.body))
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)

				return
			}

			require.NoError(t, err)

			if tc.manifest != "" {
				require.NotNil(t, resp.Manifest)
				require.Equal(t, tc.manifest, resp.Manifest.ID)
				require.Nil(t, resp.Directive)
				require.NotEmpty(t, resp.Manifest.Raw)

				return
			}

			require.Nil(t, resp.Manifest)
			require.NotNil(t, resp.Directive)
			require.Equal(t, tc.directive, resp.Directive.Type)
		})
	}
}

func TestDownloadManifest(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		received http.Header
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		received = r.Header.Clone()
		mu.Unlock()

		if r.URL.Path == "/empty" {
			w.WriteHeader(http.StatusNoContent)

			return
		}

		if r.URL.Path == "/broken" {
			w.WriteHeader(http.StatusNotFound)

			return
		}

		_, _ = w.Write([]byte(`{"manifest": {"id": "u1", "created_at": "2024-01-01T00:00:00Z", "launch_asset": {"key": "bundle"}}, "server_defined_headers": {"X-Cohort": "b"}}`))
	}))
	defer server.Close()

	l := loader.NewHTTP(t.TempDir(), 5*time.Second, 1)

	resp, err := l.DownloadManifest(context.Background(), loader.ManifestRequest{
		URL:              server.URL + "/manifest",
		RuntimeVersion:   "1.0",
		ScopeKey:         "scope",
		Headers:          map[string]string{"X-Channel": "beta"},
		ExtraParams:      map[string]string{"user": "1", "cohort": "a"},
		EmbeddedUpdateID: "embedded",
	})
	require.NoError(t, err)
	require.Equal(t, "u1", resp.Manifest.ID)
	require.Equal(t, map[string]string{"X-Cohort": "b"}, resp.ServerDefinedHeaders)

	mu.Lock()
	require.Equal(t, "1.0", received.Get("X-Updates-Runtime-Version"))
	require.Equal(t, "beta", received.Get("X-Channel"))
	require.Equal(t, "embedded", received.Get("X-Updates-Embedded-Update-ID"))
	require.Equal(t, `cohort="a", user="1"`, received.Get("X-Updates-Extra-Params"))
	require.NotEmpty(t, received.Get("X-Updates-Platform"))
	mu.Unlock()

	resp, err = l.DownloadManifest(context.Background(), loader.ManifestRequest{URL: server.URL + "/empty"})
	require.NoError(t, err)
	require.Equal(t, api.UpdateDirectiveNoUpdateAvailable, resp.Directive.Type)

	_, err = l.DownloadManifest(context.Background(), loader.ManifestRequest{URL: server.URL + "/broken"})
	require.Error(t, err)
}

func TestDownloadAssets(t *testing.T) {
	t.Parallel()

	contents := map[string]string{
		"/bundle.js": "console.log('hello');",
		"/logo.png":  "not really a png",
	}

	var requests atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)

		content, ok := contents[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)

			return
		}

		// Serve one of the assets compressed.
		if r.URL.Path == "/logo.png" {
			buf := bytes.NewBuffer(nil)
			gz := gzip.NewWriter(buf)
			_, _ = gz.Write([]byte(content))
			_ = gz.Close()

			w.Header().Set("Content-Encoding", "gzip")
			_, _ = w.Write(buf.Bytes())

			return
		}

		_, _ = w.Write([]byte(content))
	}))
	defer server.Close()

	dir := t.TempDir()
	l := loader.NewHTTP(dir, 5*time.Second, 2)

	manifest := &api.Manifest{
		ID:          "u1",
		CreatedAt:   time.Unix(100, 0).UTC(),
		LaunchAsset: api.ManifestAsset{Key: "bundle", URL: server.URL + "/bundle.js", Hash: sum(contents["/bundle.js"])},
		Assets: []api.ManifestAsset{
			{Key: "logo", URL: server.URL + "/logo.png", Hash: sum(contents["/logo.png"])},
		},
	}

	var (
		mu       sync.Mutex
		progress []loader.Progress
	)

	records, err := l.DownloadAssets(context.Background(), manifest, func(p loader.Progress) {
		mu.Lock()
		defer mu.Unlock()

		progress = append(progress, p)
	})
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.True(t, records[0].IsLaunchAsset)
	require.False(t, records[1].IsLaunchAsset)
	require.Len(t, progress, 2)
	require.Equal(t, 2, progress[1].Loaded)
	require.Equal(t, 2, progress[1].Total)

	for _, record := range records {
		_, err := os.Stat(filepath.Join(dir, record.RelativePath))
		require.NoError(t, err)
	}

	content, err := os.ReadFile(filepath.Join(dir, records[1].RelativePath))
	require.NoError(t, err)
	require.Equal(t, contents["/logo.png"], string(content))

	// Assets already on disk aren't downloaded again.
	requests.Store(0)

	_, err = l.DownloadAssets(context.Background(), manifest, nil)
	require.NoError(t, err)
	require.Equal(t, int32(0), requests.Load())
}

func TestDownloadAssetsHashMismatch(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("tampered"))
	}))
	defer server.Close()

	dir := t.TempDir()
	l := loader.NewHTTP(dir, 5*time.Second, 1)

	manifest := &api.Manifest{
		ID:          "u1",
		CreatedAt:   time.Unix(100, 0).UTC(),
		LaunchAsset: api.ManifestAsset{Key: "bundle", URL: server.URL + "/bundle.js", Hash: sum("original")},
	}

	_, err := l.DownloadAssets(context.Background(), manifest, nil)
	require.ErrorIs(t, err, loader.ErrHashMismatch)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestRegisterEmbedded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()

	manifestPath := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(manifestPath, []byte(`{"id": "embedded", "created_at": "2024-01-01T00:00:00Z", "runtime_version": "1.0", "launch_asset": {"key": "bundle", "path": "app.bundle"}}`), 0o600))

	manifest, err := loader.ReadEmbeddedManifest(manifestPath)
	require.NoError(t, err)

	none, err := loader.ReadEmbeddedManifest("")
	require.NoError(t, err)
	require.Nil(t, none)

	db, err := database.Open(ctx, filepath.Join(dir, "updates.db"))
	require.NoError(t, err)

	defer db.Close()

	holder := database.NewHolder(db)

	record, err := loader.RegisterEmbedded(ctx, holder, manifest, "scope")
	require.NoError(t, err)
	require.Equal(t, api.UpdateStatusEmbedded, record.Status)

	// Registering twice keeps the stored record.
	require.NoError(t, db.SetUpdateCommitTime(ctx, "embedded", time.Unix(500, 0)))

	record, err = loader.RegisterEmbedded(ctx, holder, manifest, "scope")
	require.NoError(t, err)
	require.True(t, record.CommitTime.Equal(time.Unix(500, 0)))

	assets, err := db.GetAssets(ctx, "embedded")
	require.NoError(t, err)
	require.Len(t, assets, 1)
	require.True(t, assets[0].IsEmbedded)
	require.Equal(t, "app.bundle", assets[0].RelativePath)
}

func TestReadEmbeddedManifestWithoutID(t *testing.T) {
	t.Parallel()

	manifestPath := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, os.WriteFile(manifestPath, []byte(`{"created_at": "2024-01-01T00:00:00Z", "launch_asset": {"key": "bundle"}}`), 0o600))

	first, err := loader.ReadEmbeddedManifest(manifestPath)
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	second, err := loader.ReadEmbeddedManifest(manifestPath)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	require.NoError(t, os.WriteFile(manifestPath, []byte(`{"created_at": "2024-01-01T00:00:00Z"}`), 0o600))

	_, err = loader.ReadEmbeddedManifest(manifestPath)
	require.ErrorIs(t, err, api.ErrInvalidManifest)
}
