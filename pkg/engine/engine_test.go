package engine

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ranjithrajv/debian-multiarch-builder/pkg/builder"
	"github.com/ranjithrajv/debian-multiarch-builder/pkg/fetch"
	"github.com/ranjithrajv/debian-multiarch-builder/pkg/packaging"
	"github.com/ranjithrajv/debian-multiarch-builder/pkg/profile"
	"github.com/ranjithrajv/debian-multiarch-builder/pkg/release"
	"github.com/ranjithrajv/debian-multiarch-builder/pkg/telemetry"
)

type listing []string

func (l listing) ListAssets(context.Context, string, string) ([]string, error) {
	return l, nil
}

type fakeFetcher struct {
	delay time.Duration
	fail  map[string]error

	mu       sync.Mutex
	calls    map[string]int
	inFlight int
	peak     int
}

func (f *fakeFetcher) Fetch(ctx context.Context, _ builder.BuildRequest, asset builder.ReleaseAsset, workDir string) (fetch.Result, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[asset.Arch]++
	f.inFlight++
	f.peak = max(f.peak, f.inFlight)
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return fetch.Result{}, &fetch.StageError{Stage: fetch.StageDownload, Err: ctx.Err()}
		}
	}
	if err := f.fail[asset.Arch]; err != nil {
		return fetch.Result{}, err
	}
	root := filepath.Join(workDir, "extract")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fetch.Result{}, err
	}
	return fetch.Result{Asset: asset.Name, BinaryRoot: root}, nil
}

func (f *fakeFetcher) count(arch string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[arch]
}

type fakeBackend struct {
	fail  map[string]error // keyed arch/dist
	block bool
	calls atomic.Int32
}

func (b *fakeBackend) Build(ctx context.Context, spec packaging.Spec, log packaging.LogFunc) (packaging.Artifact, error) {
	b.calls.Add(1)
	log("packaging " + spec.Dist)
	if b.block {
		<-ctx.Done()
		return packaging.Artifact{}, fmt.Errorf("backend: %w", ctx.Err())
	}
	if err := b.fail[spec.Arch+"/"+spec.Dist]; err != nil {
		return packaging.Artifact{}, err
	}
	if _, err := os.Stat(spec.BinaryRoot); err != nil {
		return packaging.Artifact{}, err
	}
	if err := os.MkdirAll(spec.OutputDir, 0o755); err != nil {
		return packaging.Artifact{}, err
	}
	if err := os.WriteFile(spec.ArtifactPath(), []byte("deb"), 0o644); err != nil {
		return packaging.Artifact{}, err
	}
	return packaging.Artifact{Path: spec.ArtifactPath(), Size: 3}, nil
}

type fakeQuality struct {
	fail map[string]bool // keyed by artifact base name
}

func (q fakeQuality) Check(_ context.Context, artifact string) (builder.QualityResult, error) {
	if q.fail[filepath.Base(artifact)] {
		return builder.QualityResult{Errors: 2}, fmt.Errorf("%w: 2 errors", packaging.ErrQualityPolicy)
	}
	return builder.QualityResult{Warnings: 1, Passed: true}, nil
}

func request(archs, dists []string) builder.BuildRequest {
	return builder.BuildRequest{
		Package:       "eza",
		Repository:    "eza-community/eza",
		Version:       "0.20.0",
		Build:         1,
		TagPrefix:     "v",
		Format:        "tar.gz",
		Architectures: archs,
		Distributions: dists,
	}
}

var ezaListing = listing{
	"eza_x86_64-unknown-linux-gnu.tar.gz",
	"eza_x86_64-unknown-linux-musl.tar.gz",
	"eza_aarch64-unknown-linux-gnu.tar.gz",
	"eza_arm-unknown-linux-gnueabihf.tar.gz",
	"eza_s390x-unknown-linux-gnu.tar.gz",
	"eza_riscv64gc-unknown-linux-gnu.tar.gz",
	"eza_ppc64le-unknown-linux-gnu.tar.gz",
	"eza_i686-unknown-linux-gnu.tar.gz",
	"eza_loongarch64-unknown-linux-gnu.tar.gz",
	"eza_mips64el-unknown-linux-gnuabi64.tar.gz",
	"checksums.txt",
}

type harness struct {
	t       *testing.T
	req     builder.BuildRequest
	lister  release.Lister
	fetcher Fetcher
	backend packaging.Backend
	quality packaging.QualityChecker
	policy  *packaging.Policy
	opts    Options

	mu    sync.Mutex
	lines []string
}

func newHarness(t *testing.T, req builder.BuildRequest) *harness {
	dir := t.TempDir()
	return &harness{
		t:       t,
		req:     req,
		lister:  ezaListing,
		fetcher: &fakeFetcher{},
		backend: &fakeBackend{},
		opts: Options{
			Concurrency: 2,
			WorkDir:     filepath.Join(dir, "work"),
			OutputDir:   filepath.Join(dir, "dist"),
		},
	}
}

func (h *harness) engine() *Engine {
	h.t.Helper()
	resolver, err := release.NewResolver(h.req, release.NewMemo(h.lister, nil), nil, nil)
	require.NoError(h.t, err)
	return New(h.req, Deps{
		Resolver: resolver,
		Fetcher:  h.fetcher,
		Backend:  h.backend,
		Quality:  h.quality,
		Policy:   h.policy,
		Recorder: telemetry.NewRecorder(time.Millisecond, nil),
		UnitLog: func(line string) {
			h.mu.Lock()
			h.lines = append(h.lines, line)
			h.mu.Unlock()
		},
	}, h.opts)
}

func archJob(t *testing.T, sum telemetry.BuildSummary, arch string) builder.ArchitectureJob {
	t.Helper()
	for _, job := range sum.Architectures {
		if job.Arch == arch {
			return job
		}
	}
	t.Fatalf("expected architecture %s in summary", arch)
	return builder.ArchitectureJob{}
}

func distJob(t *testing.T, job builder.ArchitectureJob, dist string) builder.DistributionJob {
	t.Helper()
	for _, d := range job.Dists {
		if d.Dist == dist {
			return d
		}
	}
	t.Fatalf("expected distribution %s for %s", dist, job.Arch)
	return builder.DistributionJob{}
}

func TestScenarioAAllPairsSucceed(t *testing.T) {
	h := newHarness(t, request([]string{"amd64", "arm64"}, []string{"bookworm", "trixie"}))
	sum, err := h.engine().Run(context.Background())
	require.NoError(t, err)

	assert.True(t, sum.Success)
	assert.Equal(t, 4, sum.Packages)
	assert.Zero(t, sum.FailedDists)
	assert.Zero(t, sum.SkippedArchs)
	assert.EqualValues(t, 12, sum.TotalSize)
	for _, arch := range []string{"amd64", "arm64"} {
		job := archJob(t, sum, arch)
		assert.Equal(t, builder.ArchSuccess, job.State)
		assert.Equal(t, builder.Tally{Succeeded: 2}, job.Tally)
	}
	assert.Equal(t, "eza_x86_64-unknown-linux-gnu.tar.gz", archJob(t, sum, "amd64").Asset)
	assert.FileExists(t, filepath.Join(h.opts.OutputDir, "eza_0.20.0-1+trixie_arm64.deb"))
	assert.Len(t, Artifacts(sum), 4)
	assert.Contains(t, h.lines, "[amd64/bookworm] packaging bookworm")
}

func TestScenarioBMissingAssetIsSkipped(t *testing.T) {
	h := newHarness(t, request([]string{"amd64", "arm64"}, []string{"bookworm", "trixie"}))
	h.lister = listing{"eza_x86_64-unknown-linux-gnu.tar.gz"}
	ff := &fakeFetcher{}
	h.fetcher = ff

	sum, err := h.engine().Run(context.Background())
	require.NoError(t, err)

	assert.True(t, sum.Success)
	assert.Equal(t, 2, sum.Packages)
	assert.Equal(t, 1, sum.SkippedArchs)
	arm := archJob(t, sum, "arm64")
	assert.Equal(t, builder.ArchSkipped, arm.State)
	assert.Empty(t, arm.Error)
	assert.NotEmpty(t, arm.Note)
	assert.Empty(t, sum.Failures)
	assert.Zero(t, ff.count("arm64"))
}

func TestScenarioCPartialSuccess(t *testing.T) {
	h := newHarness(t, request([]string{"amd64"}, []string{"bookworm", "trixie"}))
	h.backend = &fakeBackend{fail: map[string]error{"amd64/trixie": errors.New("dpkg-deb: error: control file has bad format")}}

	sum, err := h.engine().Run(context.Background())
	require.NoError(t, err)

	job := archJob(t, sum, "amd64")
	assert.Equal(t, builder.ArchPartialSuccess, job.State)
	assert.Equal(t, 1, sum.Packages)
	assert.Equal(t, 1, sum.FailedDists)
	trixie := distJob(t, job, "trixie")
	assert.Equal(t, builder.DistFailed, trixie.State)
	assert.Equal(t, string(telemetry.CategoryPackaging), trixie.Category)
	assert.Equal(t, builder.DistSuccess, distJob(t, job, "bookworm").State)
}

func TestScenarioDNothingResolvesIsHardFailure(t *testing.T) {
	h := newHarness(t, request([]string{"amd64", "arm64"}, []string{"bookworm"}))
	h.lister = listing{"eza_x86_64-apple-darwin.tar.gz", "eza.exe_x86_64-pc-windows-gnu.zip"}

	sum, err := h.engine().Run(context.Background())
	require.ErrorIs(t, err, ErrNoPackages)
	assert.False(t, sum.Success)
	assert.Zero(t, sum.Packages)
	assert.Equal(t, 2, sum.SkippedArchs)
	assert.Empty(t, sum.Failures)
}

func TestConcurrencyNeverExceedsCeiling(t *testing.T) {
	archs := []string{"amd64", "arm64", "armhf", "s390x", "ppc64el", "loong64", "mips64el", "i386"}
	h := newHarness(t, request(archs, []string{"bookworm"}))
	h.policy = packaging.NewPolicy(map[string][]string{}, nil)
	ff := &fakeFetcher{delay: 20 * time.Millisecond}
	h.fetcher = ff
	h.opts.Concurrency = 3

	eng := h.engine()
	sum, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(archs), sum.Packages)
	assert.LessOrEqual(t, ff.peak, 3)
	assert.LessOrEqual(t, eng.MaxRunning(), 3)
	assert.GreaterOrEqual(t, eng.MaxRunning(), 2)
}

func TestUserRequestClampedByProfile(t *testing.T) {
	prof := profile.NewProfiler(profile.DefaultFloors, profile.DefaultHardCeiling, t.TempDir(), nil)
	p, err := prof.Detect(context.Background(), profile.Overrides{
		CPUs:        4,
		Memory:      64 << 30,
		DiskFree:    1 << 40,
		Environment: profile.EnvInteractive,
	})
	require.NoError(t, err)
	ceiling := prof.Resolve(100, p)
	require.Equal(t, 4, ceiling)

	archs := []string{"amd64", "arm64", "armhf", "s390x", "ppc64el", "loong64", "mips64el", "i386", "riscv64"}
	h := newHarness(t, request(archs, []string{"trixie"}))
	h.policy = packaging.NewPolicy(map[string][]string{}, nil)
	ff := &fakeFetcher{delay: 15 * time.Millisecond}
	h.fetcher = ff
	h.opts.Concurrency = ceiling

	eng := h.engine()
	_, err = eng.Run(context.Background())
	require.NoError(t, err)
	assert.LessOrEqual(t, ff.peak, 4)
	assert.LessOrEqual(t, eng.MaxRunning(), 4)
}

func TestFetchOncePerArchitecture(t *testing.T) {
	cases := map[string]struct {
		dists  []string
		policy map[string][]string
	}{
		"zero eligible": {dists: []string{"bookworm", "trixie"}, policy: map[string][]string{"amd64": {"sid"}}},
		"one":           {dists: []string{"bookworm"}},
		"many":          {dists: []string{"bullseye", "bookworm", "trixie", "forky", "sid"}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, request([]string{"amd64"}, tc.dists))
			h.policy = packaging.NewPolicy(nil, tc.policy)
			ff := &fakeFetcher{}
			h.fetcher = ff
			backend := &fakeBackend{}
			h.backend = backend

			sum, _ := h.engine().Run(context.Background())
			assert.Equal(t, 1, ff.count("amd64"))

			job := archJob(t, sum, "amd64")
			assert.Len(t, job.Dists, len(tc.dists))
			assert.EqualValues(t, job.Tally.Attempted(), backend.calls.Load())
		})
	}
}

func TestZeroEligibleDistributionsSkipsArchitecture(t *testing.T) {
	h := newHarness(t, request([]string{"i386", "amd64"}, []string{"trixie"}))
	sum, err := h.engine().Run(context.Background())
	require.NoError(t, err)

	i386 := archJob(t, sum, "i386")
	assert.Equal(t, builder.ArchSkipped, i386.State)
	assert.Equal(t, builder.Tally{Skipped: 1}, i386.Tally)
	assert.Equal(t, builder.DistSkipped, distJob(t, i386, "trixie").State)
	assert.Equal(t, 1, sum.SkippedDists)
}

func TestFailureIsolation(t *testing.T) {
	h := newHarness(t, request([]string{"amd64", "arm64", "armhf"}, []string{"bookworm", "trixie"}))
	h.fetcher = &fakeFetcher{fail: map[string]error{
		"armhf": &fetch.StageError{Stage: fetch.StageExtract, Err: errors.New("gzip: invalid header")},
	}}
	h.backend = &fakeBackend{fail: map[string]error{"amd64/trixie": errors.New("boom")}}

	sum, err := h.engine().Run(context.Background())
	require.NoError(t, err)

	amd := archJob(t, sum, "amd64")
	assert.Equal(t, builder.ArchPartialSuccess, amd.State)
	assert.Equal(t, builder.DistSuccess, distJob(t, amd, "bookworm").State)

	arm := archJob(t, sum, "arm64")
	assert.Equal(t, builder.ArchSuccess, arm.State)
	assert.Equal(t, builder.Tally{Succeeded: 2}, arm.Tally)

	armhf := archJob(t, sum, "armhf")
	assert.Equal(t, builder.ArchFailed, armhf.State)
	assert.Empty(t, armhf.Dists)
	assert.Equal(t, string(telemetry.CategoryPackaging), armhf.Category)
	assert.Equal(t, 3, sum.Packages)
}

func TestAllDistributionsFailingFailsArchitecture(t *testing.T) {
	h := newHarness(t, request([]string{"amd64"}, []string{"bookworm", "trixie"}))
	h.backend = &fakeBackend{fail: map[string]error{
		"amd64/bookworm": errors.New("mkdir /out: permission denied"),
		"amd64/trixie":   errors.New("mkdir /out: permission denied"),
	}}

	sum, err := h.engine().Run(context.Background())
	require.ErrorIs(t, err, ErrNoPackages)
	job := archJob(t, sum, "amd64")
	assert.Equal(t, builder.ArchFailed, job.State)
	assert.Equal(t, string(telemetry.CategoryPermission), job.Category)
	assert.Equal(t, telemetry.CategoryPermission, sum.FailureCategory)
	assert.Len(t, sum.Failures, 2)
}

func TestQualityFailureRemovesPackage(t *testing.T) {
	h := newHarness(t, request([]string{"amd64"}, []string{"bookworm", "trixie"}))
	h.quality = fakeQuality{fail: map[string]bool{"eza_0.20.0-1+trixie_amd64.deb": true}}

	sum, err := h.engine().Run(context.Background())
	require.NoError(t, err)

	job := archJob(t, sum, "amd64")
	trixie := distJob(t, job, "trixie")
	assert.Equal(t, builder.DistFailed, trixie.State)
	require.NotNil(t, trixie.Quality)
	assert.Equal(t, 2, trixie.Quality.Errors)
	assert.NoFileExists(t, filepath.Join(h.opts.OutputDir, "eza_0.20.0-1+trixie_amd64.deb"))

	bookworm := distJob(t, job, "bookworm")
	require.NotNil(t, bookworm.Quality)
	assert.True(t, bookworm.Quality.Passed)
}

func TestDistributionDeadlineIsTimeout(t *testing.T) {
	h := newHarness(t, request([]string{"amd64"}, []string{"bookworm"}))
	h.backend = &fakeBackend{block: true}
	h.opts.DistTimeout = 30 * time.Millisecond

	sum, err := h.engine().Run(context.Background())
	require.ErrorIs(t, err, ErrNoPackages)
	d := distJob(t, archJob(t, sum, "amd64"), "bookworm")
	assert.Equal(t, string(telemetry.CategoryTimeout), d.Category)
	assert.Equal(t, telemetry.CategoryTimeout, sum.FailureCategory)
}

func TestArchitectureDeadlineFreesSlot(t *testing.T) {
	h := newHarness(t, request([]string{"amd64", "arm64"}, []string{"bookworm"}))
	h.fetcher = &fakeFetcher{delay: time.Minute}
	h.opts.Concurrency = 1
	h.opts.ArchTimeout = 30 * time.Millisecond

	start := time.Now()
	sum, err := h.engine().Run(context.Background())
	require.ErrorIs(t, err, ErrNoPackages)
	assert.Less(t, time.Since(start), 10*time.Second)
	for _, arch := range []string{"amd64", "arm64"} {
		job := archJob(t, sum, arch)
		assert.Equal(t, builder.ArchFailed, job.State)
		assert.Equal(t, string(telemetry.CategoryTimeout), job.Category)
	}
}

func TestWorkDirsRemoved(t *testing.T) {
	h := newHarness(t, request([]string{"amd64", "arm64"}, []string{"bookworm"}))
	_, err := h.engine().Run(context.Background())
	require.NoError(t, err)

	entries, err := os.ReadDir(h.opts.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func tarball(t *testing.T, name, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o755, Size: int64(len(body)), Typeflag: tar.TypeReg}))
	_, err := tw.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestChecksumMismatchFailsBeforePackaging(t *testing.T) {
	good := tarball(t, "eza", "real binary")
	bad := tarball(t, "eza", "tampered binary")
	digest := sha256.Sum256(good)
	asset := "eza_x86_64-unknown-linux-gnu.tar.gz"

	files := map[string][]byte{
		asset:        bad,
		"SHA256SUMS": []byte(hex.EncodeToString(digest[:]) + "  " + asset + "\n"),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := files[filepath.Base(r.URL.Path)]
		if !ok || !strings.Contains(r.URL.Path, "/releases/download/v0.20.0/") {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	h := newHarness(t, request([]string{"amd64"}, []string{"bookworm", "trixie"}))
	h.lister = listing{asset, "SHA256SUMS"}
	backend := &fakeBackend{}
	h.backend = backend
	memo := release.NewMemo(h.lister, nil)
	h.fetcher = fetch.NewFetcher(srv.URL, srv.Client(), func(ctx context.Context) ([]string, error) {
		return memo.ListAssets(ctx, h.req.Repository, h.req.Tag())
	}, nil)

	sum, err := h.engine().Run(context.Background())
	require.ErrorIs(t, err, ErrNoPackages)

	job := archJob(t, sum, "amd64")
	assert.Equal(t, builder.ArchFailed, job.State)
	assert.Equal(t, string(telemetry.CategorySecurity), job.Category)
	assert.Contains(t, job.Error, "checksum mismatch")
	assert.Empty(t, job.BinaryRoot)
	assert.Zero(t, backend.calls.Load())
}
