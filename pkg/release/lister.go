package release

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// ErrEmptyListing is returned when a release exists but carries no assets.
var ErrEmptyListing = errors.New("release has no assets")

// Lister returns the asset file names attached to a release.
type Lister interface {
	ListAssets(ctx context.Context, repo, tag string) ([]string, error)
}

// GitHubLister reads release assets from the GitHub REST API.
type GitHubLister struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewGitHubLister creates a lister against baseURL (https://api.github.com
// or a GitHub Enterprise API root).
func NewGitHubLister(baseURL, token string, httpClient *http.Client) *GitHubLister {
	return &GitHubLister{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

type releasePayload struct {
	TagName string `json:"tag_name"`
	Assets  []struct {
		Name string `json:"name"`
	} `json:"assets"`
}

// ListAssets fetches the release for tag and returns its asset names in the
// order the host lists them.
func (l *GitHubLister) ListAssets(ctx context.Context, repo, tag string) ([]string, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/releases/tags/%s", l.baseURL, repo, url.PathEscape(tag))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create release request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if l.token != "" {
		req.Header.Set("Authorization", "Bearer "+l.token)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list release assets: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("list release assets for %s@%s: status %d: %s", repo, tag, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var out releasePayload
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode release payload: %w", err)
	}
	names := make([]string, 0, len(out.Assets))
	for _, a := range out.Assets {
		names = append(names, a.Name)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%s@%s: %w", repo, tag, ErrEmptyListing)
	}
	return names, nil
}

// Cache stores listings across runs.
type Cache interface {
	Get(ctx context.Context, key string) ([]string, bool, error)
	Set(ctx context.Context, key string, assets []string) error
}

type memoEntry struct {
	once   sync.Once
	assets []string
	err    error
}

// Memo fetches each (repository, tag) listing at most once per run and shares
// the result with every caller, optionally backed by a cross-run cache.
type Memo struct {
	lister Lister
	cache  Cache

	mu      sync.Mutex
	entries map[string]*memoEntry
}

// NewMemo wraps lister; cache may be nil.
func NewMemo(lister Lister, cache Cache) *Memo {
	return &Memo{lister: lister, cache: cache, entries: make(map[string]*memoEntry)}
}

func cacheKey(repo, tag string) string {
	return "multiarch:assets:" + repo + "@" + tag
}

// ListAssets returns the shared listing. A load that ended because its
// caller's context did is forgotten, so callers with a live context retry
// instead of inheriting someone else's cancellation.
func (m *Memo) ListAssets(ctx context.Context, repo, tag string) ([]string, error) {
	key := cacheKey(repo, tag)

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		entry := m.entry(key)
		entry.once.Do(func() {
			entry.assets, entry.err = m.load(ctx, key, repo, tag)
		})
		if entry.err == nil {
			return append([]string(nil), entry.assets...), nil
		}
		err = entry.err
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		m.forget(key, entry)
		if ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, err
}

func (m *Memo) entry(key string) *memoEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		entry = &memoEntry{}
		m.entries[key] = entry
	}
	return entry
}

func (m *Memo) forget(key string, entry *memoEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries[key] == entry {
		delete(m.entries, key)
	}
}

func (m *Memo) load(ctx context.Context, key, repo, tag string) ([]string, error) {
	if m.cache != nil {
		if assets, ok, err := m.cache.Get(ctx, key); err == nil && ok && len(assets) > 0 {
			return assets, nil
		}
	}
	assets, err := m.lister.ListAssets(ctx, repo, tag)
	if err != nil {
		return nil, err
	}
	if len(assets) == 0 {
		return nil, fmt.Errorf("%s@%s: %w", repo, tag, ErrEmptyListing)
	}
	if m.cache != nil {
		// a cache write failure only costs a refetch next run
		_ = m.cache.Set(ctx, key, assets)
	}
	return assets, nil
}
