package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/gzip"
	"github.com/lxc/incus/v6/shared/revert"
	"golang.org/x/sync/errgroup"

	"github.com/lxc/updates-client/api"
)

// ErrHashMismatch is returned when a downloaded asset doesn't match its expected hash.
var ErrHashMismatch = errors.New("asset hash mismatch")

// DownloadAssets stores all assets of the manifest in the loader's directory and returns their records.
// Assets already present with a matching hash aren't downloaded again. On failure, files written by
// this call are removed.
func (l *HTTP) DownloadAssets(ctx context.Context, manifest *api.Manifest, progress ProgressFunc) ([]api.AssetRecord, error) {
	err := os.MkdirAll(l.directory, 0o700)
	if err != nil {
		return nil, err
	}

	assets := manifest.AllAssets()
	records := make([]api.AssetRecord, len(assets))

	reverter := revert.New()
	defer reverter.Fail()

	var (
		mu     sync.Mutex
		loaded int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.parallel)

	for i, asset := range assets {
		g.Go(func() error {
			relativePath := AssetFileName(asset)
			target := filepath.Join(l.directory, relativePath)

			written, err := l.fetchAsset(gctx, asset, target)
			if err != nil {
				return fmt.Errorf("failed to download asset %q: %w", asset.Key, err)
			}

			mu.Lock()
			defer mu.Unlock()

			if written {
				reverter.Add(func() { _ = os.Remove(target) })
			}

			records[i] = api.AssetRecord{
				Key:           asset.Key,
				URL:           asset.URL,
				Hash:          asset.Hash,
				RelativePath:  relativePath,
				ContentType:   asset.ContentType,
				IsLaunchAsset: asset.Key == manifest.LaunchAsset.Key,
			}

			loaded++

			if progress != nil {
				progress(Progress{Key: asset.Key, Loaded: loaded, Total: len(assets)})
			}

			return nil
		})
	}

	err = g.Wait()
	if err != nil {
		return nil, err
	}

	reverter.Success()

	return records, nil
}

// fetchAsset downloads an asset to target unless a file with the expected hash is already there.
// It returns whether a new file was written.
func (l *HTTP) fetchAsset(ctx context.Context, asset api.ManifestAsset, target string) (bool, error) {
	if asset.Hash != "" {
		existing, err := hashFile(target)
		if err == nil && strings.EqualFold(existing, asset.Hash) {
			slog.DebugContext(ctx, "Asset already present", "key", asset.Key)

			return false, nil
		}
	}

	if asset.URL == "" {
		return false, errors.New("asset has no URL")
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, asset.URL, nil)
	if err != nil {
		return false, errors.New("unable to create http request: " + err.Error())
	}

	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := l.client.Do(req)
	if err != nil {
		return false, errors.New("unable to get http response: " + err.Error())
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, errors.New("unexpected HTTP status: " + resp.Status)
	}

	var body io.Reader = resp.Body

	// Decompress during streaming when the server compressed the asset.
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return false, errors.New("gzip error reading body: " + err.Error())
		}

		defer gz.Close()

		body = gz
	}

	// Write to a temporary file first so a partial download never takes the place of a good one.
	fd, err := os.CreateTemp(filepath.Dir(target), ".download-*")
	if err != nil {
		return false, err
	}

	defer func() { _ = os.Remove(fd.Name()) }()

	h := sha256.New()

	// Read in chunks to avoid excessive memory consumption.
	for {
		_, err = io.CopyN(io.MultiWriter(fd, h), body, 4*1024*1024)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}

			_ = fd.Close()

			return false, errors.New("io.CopyN() error: " + err.Error())
		}
	}

	err = fd.Close()
	if err != nil {
		return false, err
	}

	if asset.Hash != "" && !strings.EqualFold(asset.Hash, hex.EncodeToString(h.Sum(nil))) {
		return false, fmt.Errorf("%w for %q", ErrHashMismatch, asset.Key)
	}

	err = os.Rename(fd.Name(), target)
	if err != nil {
		return false, err
	}

	return true, nil
}

// AssetFileName returns the content addressed file name used to store an asset.
func AssetFileName(asset api.ManifestAsset) string {
	_, err := hex.DecodeString(asset.Hash)
	if asset.Hash != "" && err == nil {
		return strings.ToLower(asset.Hash)
	}

	sum := sha256.Sum256([]byte(asset.Key + "\x00" + asset.URL))

	return hex.EncodeToString(sum[:])
}

func hashFile(path string) (string, error) {
	// #nosec G304
	fd, err := os.Open(path)
	if err != nil {
		return "", err
	}

	defer fd.Close()

	h := sha256.New()

	_, err = io.Copy(h, fd)
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
