package release

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ranjithrajv/debian-multiarch-builder/pkg/builder"
)

type staticLister struct {
	assets []string
	err    error
	calls  atomic.Int32
}

func (l *staticLister) ListAssets(context.Context, string, string) ([]string, error) {
	l.calls.Add(1)
	return l.assets, l.err
}

var ezaAssets = []string{
	"checksums.txt",
	"eza_x86_64-unknown-linux-musl.tar.gz",
	"eza_x86_64-unknown-linux-gnu.tar.gz",
	"eza_x86_64-unknown-linux-gnu.tar.gz.sha256",
	"eza_x86_64-unknown-linux-gnu.zip",
	"eza_aarch64-unknown-linux-gnu.tar.gz",
	"eza_arm-unknown-linux-gnueabihf.tar.gz",
	"eza.exe_x86_64-pc-windows-gnu.tar.gz",
	"eza_x86_64-apple-darwin.tar.gz",
	"source-code.tar.gz",
}

func autoRequest() builder.BuildRequest {
	return builder.BuildRequest{
		Package:       "eza",
		Repository:    "eza-community/eza",
		Version:       "0.20.1",
		Build:         1,
		TagPrefix:     "v",
		Format:        "tar.gz",
		Architectures: []string{"amd64", "arm64", "armhf", "riscv64"},
		Distributions: []string{"bookworm"},
	}
}

func TestResolveAutoPrefersGnu(t *testing.T) {
	r, err := NewResolver(autoRequest(), &staticLister{assets: ezaAssets}, nil, nil)
	require.NoError(t, err)

	asset, err := r.Resolve(context.Background(), "amd64")
	require.NoError(t, err)
	assert.Equal(t, "eza_x86_64-unknown-linux-gnu.tar.gz", asset.Name)
	assert.Equal(t, "gnu", asset.Variant)

	asset, err = r.Resolve(context.Background(), "armhf")
	require.NoError(t, err)
	assert.Equal(t, "eza_arm-unknown-linux-gnueabihf.tar.gz", asset.Name)
}

func TestResolveAutoCustomPreference(t *testing.T) {
	r, err := NewResolver(autoRequest(), &staticLister{assets: ezaAssets}, nil, []string{"musl", "gnu"})
	require.NoError(t, err)

	asset, err := r.Resolve(context.Background(), "amd64")
	require.NoError(t, err)
	assert.Equal(t, "eza_x86_64-unknown-linux-musl.tar.gz", asset.Name)
	assert.Equal(t, "musl", asset.Variant)
}

func TestResolveAutoUnavailableIsSkipSignal(t *testing.T) {
	r, err := NewResolver(autoRequest(), &staticLister{assets: ezaAssets}, nil, nil)
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "riscv64")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestResolveAutoConfiguredPatternOverridesDefault(t *testing.T) {
	r, err := NewResolver(autoRequest(), &staticLister{assets: ezaAssets}, map[string]string{"arm64": "nomatch"}, nil)
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "arm64")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestResolveAutoListingErrorIsNotSkip(t *testing.T) {
	r, err := NewResolver(autoRequest(), &staticLister{err: errors.New("boom")}, nil, nil)
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "amd64")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnavailable))
}

func TestResolveManual(t *testing.T) {
	req := autoRequest()
	req.Templates = map[string]string{"amd64": "eza_{version}_x86_64-unknown-linux-gnu.tar.gz"}
	lister := &staticLister{}
	r, err := NewResolver(req, lister, nil, nil)
	require.NoError(t, err)

	asset, err := r.Resolve(context.Background(), "amd64")
	require.NoError(t, err)
	assert.Equal(t, "eza_0.20.1_x86_64-unknown-linux-gnu.tar.gz", asset.Name)
	assert.Zero(t, lister.calls.Load())

	_, err = r.Resolve(context.Background(), "arm64")
	assert.ErrorIs(t, err, ErrNoTemplate)
}

func TestCandidatesFilters(t *testing.T) {
	got := Candidates(ezaAssets, "tar.gz", compile(t, DefaultPatterns["amd64"]))
	assert.Equal(t, []string{
		"eza_x86_64-unknown-linux-musl.tar.gz",
		"eza_x86_64-unknown-linux-gnu.tar.gz",
	}, got)

	got = Candidates(ezaAssets, "zip", compile(t, DefaultPatterns["amd64"]))
	assert.Equal(t, []string{"eza_x86_64-unknown-linux-gnu.zip"}, got)
}

func TestPreferFallsBackToFirst(t *testing.T) {
	name, ok := Prefer([]string{"tool-linux-x86_64.tar.gz", "tool-linux-amd64.tar.gz"}, []string{"gnu", "musl"})
	require.True(t, ok)
	assert.Equal(t, "tool-linux-x86_64.tar.gz", name)

	_, ok = Prefer(nil, nil)
	assert.False(t, ok)
}

func TestMemoFetchesOnce(t *testing.T) {
	lister := &staticLister{assets: ezaAssets}
	memo := NewMemo(lister, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assets, err := memo.ListAssets(context.Background(), "eza-community/eza", "v0.20.1")
			assert.NoError(t, err)
			assert.Len(t, assets, len(ezaAssets))
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, lister.calls.Load())
}

type mapCache struct {
	mu   sync.Mutex
	data map[string][]string
}

func (c *mapCache) Get(_ context.Context, key string) ([]string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, assets []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = assets
	return nil
}

func TestMemoUsesCrossRunCache(t *testing.T) {
	cache := &mapCache{data: map[string][]string{}}
	first := &staticLister{assets: ezaAssets}
	_, err := NewMemo(first, cache).ListAssets(context.Background(), "eza-community/eza", "v0.20.1")
	require.NoError(t, err)

	second := &staticLister{err: errors.New("should not be called")}
	assets, err := NewMemo(second, cache).ListAssets(context.Background(), "eza-community/eza", "v0.20.1")
	require.NoError(t, err)
	assert.Len(t, assets, len(ezaAssets))
	assert.Zero(t, second.calls.Load())
}

type contextLister struct {
	calls atomic.Int32
}

func (l *contextLister) ListAssets(ctx context.Context, _, _ string) ([]string, error) {
	l.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ezaAssets, nil
}

func TestMemoDoesNotKeepCancellation(t *testing.T) {
	lister := &contextLister{}
	memo := NewMemo(lister, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := memo.ListAssets(ctx, "eza-community/eza", "v0.20.1")
	require.ErrorIs(t, err, context.Canceled)

	assets, err := memo.ListAssets(context.Background(), "eza-community/eza", "v0.20.1")
	require.NoError(t, err)
	assert.Len(t, assets, len(ezaAssets))

	// a good listing stays memoized
	_, err = memo.ListAssets(context.Background(), "eza-community/eza", "v0.20.1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, lister.calls.Load())
}

func TestMemoRejectsEmptyListing(t *testing.T) {
	_, err := NewMemo(&staticLister{}, nil).ListAssets(context.Background(), "a/b", "v1")
	assert.ErrorIs(t, err, ErrEmptyListing)
}
