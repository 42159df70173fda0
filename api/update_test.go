package api_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lxc/updates-client/api"
)

func TestParseManifest(t *testing.T) {
	t.Parallel()

	body := []byte(`{"id": "u1", "created_at": "2024-05-01T10:00:00Z", "runtime_version": "1.0", "launch_asset": {"key": "bundle", "url": "https://example.com/bundle"}, "assets": [{"key": "bundle"}, {"key": "logo.png"}], "metadata": {"branch": "main"}}`)

	m, err := api.ParseManifest(body)
	require.NoError(t, err)
	require.Equal(t, "u1", m.ID)
	require.JSONEq(t, string(body), string(m.Body()))

	// The launch asset comes first and isn't repeated.
	assets := m.AllAssets()
	require.Len(t, assets, 2)
	require.Equal(t, "bundle", assets[0].Key)
	require.Equal(t, "logo.png", assets[1].Key)

	record := m.UpdateRecord("scope")
	require.Equal(t, api.UpdateStatusPending, record.Status)
	require.Equal(t, "bundle", record.LaunchAssetKey)
	require.Equal(t, "main", record.Metadata["branch"])
	require.True(t, record.CommitTime.Equal(m.CreatedAt))

	_, err = api.ParseManifest([]byte(`{"id": "u1", "launch_asset": {"key": "bundle"}}`))
	require.ErrorIs(t, err, api.ErrInvalidManifest)

	_, err = api.ParseManifest([]byte(`{"id": "u1", "created_at": "2024-05-01T10:00:00Z"}`))
	require.ErrorIs(t, err, api.ErrInvalidManifest)
}

func TestUpdateStatusLaunchable(t *testing.T) {
	t.Parallel()

	require.True(t, api.UpdateStatusReady.IsLaunchable())
	require.True(t, api.UpdateStatusEmbedded.IsLaunchable())
	require.False(t, api.UpdateStatusPending.IsLaunchable())
}
