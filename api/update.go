package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// UpdateStatus represents the storage status of an update.
type UpdateStatus string

const (
	// UpdateStatusPending is used while the assets of an update are being downloaded.
	UpdateStatusPending UpdateStatus = "pending"

	// UpdateStatusReady is used once all assets of a downloaded update are stored.
	UpdateStatusReady UpdateStatus = "ready"

	// UpdateStatusEmbedded is used for the update shipped inside the application binary.
	UpdateStatusEmbedded UpdateStatus = "embedded"
)

// IsLaunchable returns true if an update with this status can be launched.
func (s UpdateStatus) IsLaunchable() bool {
	return s == UpdateStatusReady || s == UpdateStatusEmbedded
}

// ManifestFilters are key/value constraints returned by the server alongside a response.
type ManifestFilters map[string]string

// UpdateRecord represents a persisted update.
type UpdateRecord struct {
	ID             string            `json:"id"                 yaml:"id"`
	CommitTime     time.Time         `json:"commit_time"        yaml:"commit_time"`
	RuntimeVersion string            `json:"runtime_version"    yaml:"runtime_version"`
	ScopeKey       string            `json:"scope_key"          yaml:"scope_key"`
	Manifest       json.RawMessage   `json:"manifest,omitempty" yaml:"-"`
	Metadata       map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	LaunchAssetKey string            `json:"launch_asset_key"   yaml:"launch_asset_key"`
	Status         UpdateStatus      `json:"status"             yaml:"status"`

	SuccessfulLaunchCount int `json:"successful_launch_count" yaml:"successful_launch_count"`
	FailedLaunchCount     int `json:"failed_launch_count"     yaml:"failed_launch_count"`

	LastAccessed time.Time `json:"last_accessed" yaml:"last_accessed"`
}

// AssetRecord represents a persisted asset belonging to one or more updates.
type AssetRecord struct {
	Key           string `json:"key"             yaml:"key"`
	URL           string `json:"url,omitempty"   yaml:"url,omitempty"`
	Hash          string `json:"hash"            yaml:"hash"`
	RelativePath  string `json:"relative_path"   yaml:"relative_path"`
	ContentType   string `json:"content_type"    yaml:"content_type"`
	IsEmbedded    bool   `json:"is_embedded"     yaml:"is_embedded"`
	IsLaunchAsset bool   `json:"is_launch_asset" yaml:"is_launch_asset"`
}

// ManifestAsset is an asset entry inside a manifest.
type ManifestAsset struct {
	Key         string `json:"key"`
	URL         string `json:"url,omitempty"`
	Hash        string `json:"hash,omitempty"`
	Path        string `json:"path,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// Manifest describes an addressable version of the application bundle.
type Manifest struct {
	ID             string            `json:"id"`
	CreatedAt      time.Time         `json:"created_at"`
	RuntimeVersion string            `json:"runtime_version"`
	LaunchAsset    ManifestAsset     `json:"launch_asset"`
	Assets         []ManifestAsset   `json:"assets,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Extra          map[string]any    `json:"extra,omitempty"`

	// Raw holds the manifest body as received.
	Raw json.RawMessage `json:"-"`
}

// ErrInvalidManifest is returned when a manifest is missing required fields.
var ErrInvalidManifest = errors.New("invalid manifest")

// ParseManifest decodes a manifest body and keeps the raw content.
func ParseManifest(body []byte) (*Manifest, error) {
	m := &Manifest{}

	err := json.Unmarshal(body, m)
	if err != nil {
		return nil, err
	}

	m.Raw = append(json.RawMessage{}, body...)

	err = m.Validate()
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Validate performs basic sanity checks against a manifest.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidManifest)
	}

	if m.CreatedAt.IsZero() {
		return fmt.Errorf("%w: missing created_at", ErrInvalidManifest)
	}

	if m.LaunchAsset.Key == "" {
		return fmt.Errorf("%w: missing launch asset", ErrInvalidManifest)
	}

	return nil
}

// Body returns the raw manifest, encoding it if it wasn't received over the wire.
func (m *Manifest) Body() json.RawMessage {
	if len(m.Raw) > 0 {
		return m.Raw
	}

	body, err := json.Marshal(m)
	if err != nil {
		return nil
	}

	return body
}

// UpdateRecord builds a pending update record for the manifest.
func (m *Manifest) UpdateRecord(scopeKey string) UpdateRecord {
	return UpdateRecord{
		ID:             m.ID,
		CommitTime:     m.CreatedAt,
		RuntimeVersion: m.RuntimeVersion,
		ScopeKey:       scopeKey,
		Manifest:       m.Body(),
		Metadata:       m.Metadata,
		LaunchAssetKey: m.LaunchAsset.Key,
		Status:         UpdateStatusPending,
	}
}

// AllAssets returns the launch asset followed by the other assets.
func (m *Manifest) AllAssets() []ManifestAsset {
	assets := make([]ManifestAsset, 0, len(m.Assets)+1)
	assets = append(assets, m.LaunchAsset)

	for _, asset := range m.Assets {
		if asset.Key == m.LaunchAsset.Key {
			continue
		}

		assets = append(assets, asset)
	}

	return assets
}

// UpdateDirectiveType represents the type of a server directive.
type UpdateDirectiveType string

const (
	// UpdateDirectiveRollBackToEmbedded instructs the client to go back to the embedded update.
	UpdateDirectiveRollBackToEmbedded UpdateDirectiveType = "rollBackToEmbedded"

	// UpdateDirectiveNoUpdateAvailable tells the client that nothing newer exists.
	UpdateDirectiveNoUpdateAvailable UpdateDirectiveType = "noUpdateAvailable"
)

// UpdateDirective is a server instruction that isn't an update manifest.
type UpdateDirective struct {
	Type       UpdateDirectiveType `json:"type"`
	CommitTime time.Time           `json:"commit_time,omitzero"`
}

// UpdateResponse is what a manifest request returns. Manifest and Directive are mutually exclusive.
type UpdateResponse struct {
	Manifest             *Manifest         `json:"manifest,omitempty"`
	Directive            *UpdateDirective  `json:"directive,omitempty"`
	ManifestFilters      ManifestFilters   `json:"manifest_filters,omitempty"`
	ServerDefinedHeaders map[string]string `json:"server_defined_headers,omitempty"`
}

// NoUpdateAvailableReason explains why a check didn't report an update.
type NoUpdateAvailableReason string

const (
	// NoUpdateAvailableOnServer is used when the server has nothing for this client.
	NoUpdateAvailableOnServer NoUpdateAvailableReason = "no-update-on-server"

	// NoUpdateRollbackNoEmbedded is used when a rollback was requested but there is no embedded update.
	NoUpdateRollbackNoEmbedded NoUpdateAvailableReason = "rollback-no-embedded"

	// NoUpdatePreviouslyFailed is used when the offered update already failed to launch.
	NoUpdatePreviouslyFailed NoUpdateAvailableReason = "update-previously-failed"

	// NoUpdateRejectedBySelectionPolicy is used when the selection policy declined the update or rollback.
	NoUpdateRejectedBySelectionPolicy NoUpdateAvailableReason = "rejected-by-selection-policy"
)

// LaunchResult describes the bundle the host should run.
type LaunchResult struct {
	LaunchAssetPath       string            `json:"launch_asset_path"        yaml:"launch_asset_path"`
	AssetPaths            map[string]string `json:"asset_paths"              yaml:"asset_paths"`
	IsUsingEmbeddedAssets bool              `json:"is_using_embedded_assets" yaml:"is_using_embedded_assets"`
	LaunchedUpdate        *UpdateRecord     `json:"launched_update"          yaml:"launched_update"`
}
