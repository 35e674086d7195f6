// Package fetch downloads, verifies and unpacks one upstream release asset
// per architecture.
package fetch

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jpillora/backoff"

	"github.com/ranjithrajv/debian-multiarch-builder/pkg/builder"
)

// Stage names one gate of the fetch pipeline.
type Stage string

const (
	StageProbe      Stage = "probe"
	StageDownload   Stage = "download"
	StageChecksum   Stage = "checksum"
	StageExtract    Stage = "extract"
	StageBinaryRoot Stage = "binary_root"
)

var (
	// ErrChecksumMismatch means the published digest disagrees with the download.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrBinaryRoot means the configured binary path could not be located.
	ErrBinaryRoot = errors.New("binary root not found")
	// ErrNotFound means the release host does not serve the asset.
	ErrNotFound = errors.New("asset not found on release host")
)

// StageError records which gate stopped an architecture's fetch.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage Stage, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// ListingFunc returns the release listing used for checksum discovery.
type ListingFunc func(ctx context.Context) ([]string, error)

// Result describes an unpacked asset ready for packaging.
type Result struct {
	Asset      string
	Archive    string
	ExtractDir string
	BinaryRoot string
	Bytes      int64
	Verified   bool
	Digest     string
}

// Fetcher runs probe, download, checksum, extract and binary-root resolution
// for one architecture.
type Fetcher struct {
	downloadURL   string
	httpClient    *http.Client
	listing       ListingFunc
	logger        *slog.Logger
	probeAttempts int
	probeBackoff  func() *backoff.Backoff
}

// NewFetcher builds a fetcher against a GitHub-style download host. listing
// may be nil, which disables checksum discovery.
func NewFetcher(downloadURL string, httpClient *http.Client, listing ListingFunc, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		downloadURL:   strings.TrimSuffix(downloadURL, "/"),
		httpClient:    httpClient,
		listing:       listing,
		logger:        logger,
		probeAttempts: 3,
		probeBackoff: func() *backoff.Backoff {
			return &backoff.Backoff{Min: time.Second, Max: 8 * time.Second, Factor: 2, Jitter: true}
		},
	}
}

// AssetURL returns where name is downloaded from for req.
func (f *Fetcher) AssetURL(req builder.BuildRequest, name string) string {
	return fmt.Sprintf("%s/%s/releases/download/%s/%s", f.downloadURL, req.Repository, url.PathEscape(req.Tag()), url.PathEscape(name))
}

// Fetch executes every gate in order inside workDir, which the caller owns
// and removes. Any returned error is a *StageError.
func (f *Fetcher) Fetch(ctx context.Context, req builder.BuildRequest, asset builder.ReleaseAsset, workDir string) (Result, error) {
	logger := f.logger.With("arch", asset.Arch, "asset", asset.Name)
	assetURL := f.AssetURL(req, asset.Name)
	res := Result{Asset: asset.Name}

	if err := f.probe(ctx, assetURL); err != nil {
		return res, stageErr(StageProbe, err)
	}

	res.Archive = filepath.Join(workDir, filepath.Base(asset.Name))
	digests, n, err := f.download(ctx, assetURL, res.Archive)
	if err != nil {
		return res, stageErr(StageDownload, err)
	}
	res.Bytes = n
	logger.Info("downloaded asset", "size", humanize.IBytes(uint64(n)))

	verified, digest, err := f.verify(ctx, req, asset.Name, digests, logger)
	if err != nil {
		return res, stageErr(StageChecksum, err)
	}
	res.Verified, res.Digest = verified, digest

	res.ExtractDir = filepath.Join(workDir, "extract")
	if err := Extract(req.Format, res.Archive, res.ExtractDir); err != nil {
		return res, stageErr(StageExtract, err)
	}

	root, err := ResolveBinaryRoot(res.ExtractDir, expandPath(req.BinaryPath, req.Version, asset.Arch), logger)
	if err != nil {
		return res, stageErr(StageBinaryRoot, err)
	}
	res.BinaryRoot = root
	return res, nil
}

func (f *Fetcher) probe(ctx context.Context, assetURL string) error {
	b := f.probeBackoff()
	var lastErr error
	for attempt := 0; attempt < f.probeAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.Duration()):
			}
		}
		lastErr = f.head(ctx, assetURL)
		if lastErr == nil {
			return nil
		}
		// freshly published assets can 404 until the CDN catches up; anything
		// else has already been retried by the transport
		if !errors.Is(lastErr, ErrNotFound) {
			return lastErr
		}
	}
	return lastErr
}

func (f *Fetcher) head(ctx context.Context, assetURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, assetURL, nil)
	if err != nil {
		return fmt.Errorf("create probe request: %w", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", assetURL, err)
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", assetURL, ErrNotFound)
	case resp.StatusCode == http.StatusMethodNotAllowed:
		// some mirrors refuse HEAD; the download will tell
		return nil
	case resp.StatusCode >= 300:
		return fmt.Errorf("probe %s: status %d", assetURL, resp.StatusCode)
	}
	return nil
}

type digestSet struct {
	sha256 hash.Hash
	sha512 hash.Hash
}

func (d digestSet) hex(algo string) string {
	switch algo {
	case "sha512":
		return hex.EncodeToString(d.sha512.Sum(nil))
	default:
		return hex.EncodeToString(d.sha256.Sum(nil))
	}
}

func (f *Fetcher) download(ctx context.Context, assetURL, dest string) (digestSet, int64, error) {
	digests := digestSet{sha256: sha256.New(), sha512: sha512.New()}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, assetURL, nil)
	if err != nil {
		return digests, 0, fmt.Errorf("create download request: %w", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return digests, 0, fmt.Errorf("download %s: %w", assetURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return digests, 0, fmt.Errorf("download %s: status %d", assetURL, resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return digests, 0, fmt.Errorf("create %s: %w", dest, err)
	}
	n, err := io.Copy(io.MultiWriter(out, digests.sha256, digests.sha512), resp.Body)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return digests, n, fmt.Errorf("write %s: %w", dest, err)
	}
	return digests, n, nil
}

func (f *Fetcher) verify(ctx context.Context, req builder.BuildRequest, asset string, digests digestSet, logger *slog.Logger) (bool, string, error) {
	if f.listing == nil {
		logger.Info("no release listing available; skipping checksum verification")
		return false, digests.hex("sha256"), nil
	}
	listing, err := f.listing(ctx)
	if err != nil {
		logger.Warn("release listing unavailable; skipping checksum verification", "error", err)
		return false, digests.hex("sha256"), nil
	}
	name, ok := FindChecksumFile(listing, asset)
	if !ok {
		logger.Info("upstream publishes no checksum file; skipping verification")
		return false, digests.hex("sha256"), nil
	}

	body, err := f.fetchSmall(ctx, f.AssetURL(req, name))
	if err != nil {
		return false, "", fmt.Errorf("fetch checksum file %s: %w", name, err)
	}
	expected, ok := ParseChecksums(body, asset, name)
	if !ok {
		logger.Info("checksum file has no entry for asset; skipping verification", "checksum_file", name)
		return false, digests.hex("sha256"), nil
	}

	algo := algorithmFor(expected)
	if algo == "" {
		logger.Warn("unrecognized digest length; skipping verification", "checksum_file", name)
		return false, digests.hex("sha256"), nil
	}
	actual := digests.hex(algo)
	if !strings.EqualFold(actual, expected) {
		return false, actual, fmt.Errorf("%w: %s expected %s got %s", ErrChecksumMismatch, asset, expected, actual)
	}
	logger.Info("checksum verified", "algorithm", algo, "checksum_file", name)
	return true, actual, nil
}

func (f *Fetcher) fetchSmall(ctx context.Context, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func expandPath(p, version, arch string) string {
	p = strings.ReplaceAll(p, "{version}", version)
	return strings.ReplaceAll(p, "{arch}", arch)
}
