package api_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lxc/updates-client/api"
)

func TestCheckOnLaunchUnmarshal(t *testing.T) {
	t.Parallel()

	var c api.CheckOnLaunch

	require.NoError(t, c.UnmarshalText([]byte("wifi-only")))
	require.Equal(t, api.CheckOnLaunchWifiOnly, c)

	// Unknown values fail closed.
	require.NoError(t, c.UnmarshalText([]byte("ALWAYS")))
	require.Equal(t, api.CheckOnLaunchNever, c)

	require.NoError(t, c.UnmarshalText([]byte("")))
	require.Equal(t, api.CheckOnLaunchNever, c)
}

func TestUpdatesConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := api.UpdatesConfig{
		RuntimeVersion:   "1.0",
		UpdatesDirectory: "/tmp/updates",
	}

	require.NoError(t, cfg.Validate())
	require.Equal(t, api.CheckOnLaunchNever, cfg.CheckOnLaunch)
	require.False(t, cfg.IsRemoteEnabled())
	require.Equal(t, "default", cfg.GetScopeKey())
	require.Equal(t, 30*time.Second, cfg.GetRequestTimeout())

	cfg.UpdateURL = "https://updates.example.com:8443/manifest"
	require.NoError(t, cfg.Validate())
	require.Equal(t, "updates.example.com:8443", cfg.GetScopeKey())

	cfg.ScopeKey = "my-app"
	require.Equal(t, "my-app", cfg.GetScopeKey())

	cfg.RequestTimeout = "soon"
	require.ErrorIs(t, cfg.Validate(), api.ErrInvalidConfig)

	cfg.RequestTimeout = ""
	cfg.MaxParallelDownloads = -1
	require.ErrorIs(t, cfg.Validate(), api.ErrInvalidConfig)

	cfg.MaxParallelDownloads = 8
	require.NoError(t, cfg.Validate())
	require.Equal(t, 8, cfg.GetMaxParallelDownloads())
}
