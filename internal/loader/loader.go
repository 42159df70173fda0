// Package loader fetches manifests, directives and assets from the update server.
package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/lxc/incus/v6/shared/osarch"

	"github.com/lxc/updates-client/api"
)

// ErrMalformedResponse is returned when the server response can't be understood.
var ErrMalformedResponse = errors.New("malformed update response")

// ManifestRequest holds everything needed to ask the server for the latest update.
type ManifestRequest struct {
	URL            string
	RuntimeVersion string
	ScopeKey       string

	// Headers are sent as-is, with later sources overriding earlier ones.
	Headers map[string]string

	// ExtraParams are host defined key/value pairs forwarded to the server.
	ExtraParams map[string]string

	EmbeddedUpdateID string
	CurrentUpdateID  string
}

// Progress describes how far an asset download has gotten.
type Progress struct {
	Key    string
	Loaded int
	Total  int
}

// ProgressFunc is called after every asset that becomes available.
type ProgressFunc func(progress Progress)

// Loader talks to the update server.
type Loader interface {
	// DownloadManifest asks the server for the latest manifest or directive.
	DownloadManifest(ctx context.Context, req ManifestRequest) (*api.UpdateResponse, error)

	// DownloadAssets stores all assets of the manifest and returns their records.
	DownloadAssets(ctx context.Context, manifest *api.Manifest, progress ProgressFunc) ([]api.AssetRecord, error)
}

// HTTP is a Loader using a retrying HTTP client.
type HTTP struct {
	client *retryablehttp.Client

	directory      string
	requestTimeout time.Duration
	parallel       int
}

// NewHTTP returns an HTTP loader storing assets in directory.
func NewHTTP(directory string, requestTimeout time.Duration, parallel int) *HTTP {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = slog.Default()

	if parallel < 1 {
		parallel = 1
	}

	return &HTTP{
		client:         client,
		directory:      directory,
		requestTimeout: requestTimeout,
		parallel:       parallel,
	}
}

// responseEnvelope is the body returned by the update server.
type responseEnvelope struct {
	Manifest             json.RawMessage      `json:"manifest,omitempty"`
	Directive            *api.UpdateDirective `json:"directive,omitempty"`
	ManifestFilters      api.ManifestFilters  `json:"manifest_filters,omitempty"`
	ServerDefinedHeaders map[string]string    `json:"server_defined_headers,omitempty"`
}

// DownloadManifest asks the server for the latest manifest or directive.
func (l *HTTP) DownloadManifest(ctx context.Context, mr ManifestRequest) (*api.UpdateResponse, error) {
	if l.requestTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, l.requestTimeout)
		defer cancel()
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, mr.URL, nil)
	if err != nil {
		return nil, errors.New("unable to create http request: " + err.Error())
	}

	err = setManifestHeaders(req.Header, mr)
	if err != nil {
		return nil, err
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, errors.New("unable to get http response: " + err.Error())
	}

	defer resp.Body.Close()

	// An empty response means there's nothing for us.
	if resp.StatusCode == http.StatusNoContent {
		return &api.UpdateResponse{
			Directive: &api.UpdateDirective{Type: api.UpdateDirectiveNoUpdateAvailable},
		}, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errors.New("unexpected HTTP status: " + resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return ParseResponse(body)
}

// ParseResponse decodes an update server response body.
func ParseResponse(body []byte) (*api.UpdateResponse, error) {
	envelope := responseEnvelope{}

	err := json.Unmarshal(body, &envelope)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}

	hasManifest := len(envelope.Manifest) > 0 && string(envelope.Manifest) != "null"

	if hasManifest && envelope.Directive != nil {
		return nil, fmt.Errorf("%w: both a manifest and a directive were returned", ErrMalformedResponse)
	}

	response := &api.UpdateResponse{
		Directive:            envelope.Directive,
		ManifestFilters:      envelope.ManifestFilters,
		ServerDefinedHeaders: envelope.ServerDefinedHeaders,
	}

	if hasManifest {
		response.Manifest, err = api.ParseManifest(envelope.Manifest)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
		}
	}

	if response.Directive != nil {
		switch response.Directive.Type {
		case api.UpdateDirectiveNoUpdateAvailable:
		case api.UpdateDirectiveRollBackToEmbedded:
			if response.Directive.CommitTime.IsZero() {
				return nil, fmt.Errorf("%w: rollback directive is missing its commit time", ErrMalformedResponse)
			}

		default:
			return nil, fmt.Errorf("%w: unknown directive %q", ErrMalformedResponse, response.Directive.Type)
		}
	}

	// Neither a manifest nor a directive means nothing is available.
	if response.Manifest == nil && response.Directive == nil {
		response.Directive = &api.UpdateDirective{Type: api.UpdateDirectiveNoUpdateAvailable}
	}

	return response, nil
}

func setManifestHeaders(header http.Header, mr ManifestRequest) error {
	archName, err := osarch.ArchitectureGetLocal()
	if err != nil {
		return err
	}

	header.Set("Accept", "application/json")
	header.Set("X-Updates-Platform", archName)
	header.Set("X-Updates-Runtime-Version", mr.RuntimeVersion)
	header.Set("X-Updates-Scope-Key", mr.ScopeKey)

	if mr.EmbeddedUpdateID != "" {
		header.Set("X-Updates-Embedded-Update-ID", mr.EmbeddedUpdateID)
	}

	if mr.CurrentUpdateID != "" {
		header.Set("X-Updates-Current-Update-ID", mr.CurrentUpdateID)
	}

	if len(mr.ExtraParams) > 0 {
		header.Set("X-Updates-Extra-Params", encodeParams(mr.ExtraParams))
	}

	for key, value := range mr.Headers {
		header.Set(key, value)
	}

	return nil
}

// encodeParams renders parameters as a sorted, comma separated list of key="value" pairs.
func encodeParams(params map[string]string) string {
	pairs := make([]string, 0, len(params))

	for key, value := range params {
		pairs = append(pairs, fmt.Sprintf("%s=%q", key, value))
	}

	slices.Sort(pairs)

	return strings.Join(pairs, ", ")
}
