package api

import (
	"errors"
	"net/url"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// CheckOnLaunch represents when the client should reach out to the server during startup.
type CheckOnLaunch string

const (
	// CheckOnLaunchAlways checks on every launch.
	CheckOnLaunchAlways CheckOnLaunch = "always"

	// CheckOnLaunchWifiOnly checks on launch only when connected to an unmetered network.
	CheckOnLaunchWifiOnly CheckOnLaunch = "wifi-only"

	// CheckOnLaunchErrorRecoveryOnly only reaches out when recovering from a fatal error.
	CheckOnLaunchErrorRecoveryOnly CheckOnLaunch = "error-recovery-only"

	// CheckOnLaunchNever never checks on launch.
	CheckOnLaunchNever CheckOnLaunch = "never"
)

// CheckOnLaunchValues is a map of the recognized check on launch values.
var CheckOnLaunchValues = map[CheckOnLaunch]struct{}{
	CheckOnLaunchAlways:            {},
	CheckOnLaunchWifiOnly:          {},
	CheckOnLaunchErrorRecoveryOnly: {},
	CheckOnLaunchNever:             {},
}

func (c *CheckOnLaunch) String() string {
	return string(*c)
}

// MarshalText implements the encoding.TextMarshaler interface.
func (c *CheckOnLaunch) MarshalText() ([]byte, error) {
	return []byte(*c), nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
//
// Unrecognized values fail closed to CheckOnLaunchNever rather than erroring out.
func (c *CheckOnLaunch) UnmarshalText(text []byte) error {
	_, ok := CheckOnLaunchValues[CheckOnLaunch(text)]
	if !ok {
		*c = CheckOnLaunchNever

		return nil
	}

	*c = CheckOnLaunch(text)

	return nil
}

// UpdatesConfig holds the configuration of the updates client.
type UpdatesConfig struct {
	UpdateURL      string            `json:"update_url"                yaml:"update_url"`
	RuntimeVersion string            `json:"runtime_version"           yaml:"runtime_version"`
	CheckOnLaunch  CheckOnLaunch     `json:"check_on_launch"           yaml:"check_on_launch"`
	RequestHeaders map[string]string `json:"request_headers,omitempty" yaml:"request_headers,omitempty"`
	ScopeKey       string            `json:"scope_key,omitempty"       yaml:"scope_key,omitempty"`

	UpdatesDirectory  string `json:"updates_directory"            yaml:"updates_directory"`
	EmbeddedDirectory string `json:"embedded_directory,omitempty" yaml:"embedded_directory,omitempty"`
	EmbeddedManifest  string `json:"embedded_manifest,omitempty"  yaml:"embedded_manifest,omitempty"`

	CheckSchedule        string `json:"check_schedule,omitempty"         yaml:"check_schedule,omitempty"`
	MaxParallelDownloads int    `json:"max_parallel_downloads,omitempty" yaml:"max_parallel_downloads,omitempty"`
	RequestTimeout       string `json:"request_timeout,omitempty"        yaml:"request_timeout,omitempty"`
}

// ErrInvalidConfig is returned when the configuration fails validation.
var ErrInvalidConfig = errors.New("invalid updates configuration")

// Validate performs basic sanity checks against the updates configuration.
func (c *UpdatesConfig) Validate() error {
	// Missing check on launch values are treated as never.
	if c.CheckOnLaunch == "" {
		c.CheckOnLaunch = CheckOnLaunchNever
	}

	// Check the update URL is valid.
	if c.UpdateURL != "" {
		u, err := url.Parse(c.UpdateURL)
		if err != nil {
			return errors.Join(ErrInvalidConfig, errors.New("invalid update URL: "+err.Error()))
		}

		if u.Scheme != "http" && u.Scheme != "https" {
			return errors.Join(ErrInvalidConfig, errors.New("invalid update URL scheme '"+u.Scheme+"'"))
		}
	}

	if c.RuntimeVersion == "" {
		return errors.Join(ErrInvalidConfig, errors.New("missing runtime version"))
	}

	if c.UpdatesDirectory == "" {
		return errors.Join(ErrInvalidConfig, errors.New("missing updates directory"))
	}

	// Check the periodic check schedule is valid.
	if c.CheckSchedule != "" {
		err := gocron.NewDefaultCron(false).IsValid(c.CheckSchedule, time.UTC, time.Now())
		if err != nil {
			return errors.Join(ErrInvalidConfig, errors.New("invalid check schedule: "+err.Error()))
		}
	}

	// Check the request timeout is valid.
	if c.RequestTimeout != "" {
		_, err := time.ParseDuration(c.RequestTimeout)
		if err != nil {
			return errors.Join(ErrInvalidConfig, errors.New("invalid request timeout: "+err.Error()))
		}
	}

	if c.MaxParallelDownloads < 0 {
		return errors.Join(ErrInvalidConfig, errors.New("max parallel downloads can't be negative"))
	}

	return nil
}

// IsRemoteEnabled returns true if the configuration allows reaching out to a server.
func (c *UpdatesConfig) IsRemoteEnabled() bool {
	return c.UpdateURL != ""
}

// GetScopeKey returns the configured scope key, defaulting to the update server's host.
func (c *UpdatesConfig) GetScopeKey() string {
	if c.ScopeKey != "" {
		return c.ScopeKey
	}

	u, err := url.Parse(c.UpdateURL)
	if err != nil || u.Host == "" {
		return "default"
	}

	return u.Host
}

// GetRequestTimeout returns the request timeout, defaulting to 30s.
func (c *UpdatesConfig) GetRequestTimeout() time.Duration {
	if c.RequestTimeout == "" {
		return 30 * time.Second
	}

	d, err := time.ParseDuration(c.RequestTimeout)
	if err != nil {
		return 30 * time.Second
	}

	return d
}

// GetMaxParallelDownloads returns the asset download concurrency, defaulting to 4.
func (c *UpdatesConfig) GetMaxParallelDownloads() int {
	if c.MaxParallelDownloads == 0 {
		return 4
	}

	return c.MaxParallelDownloads
}
