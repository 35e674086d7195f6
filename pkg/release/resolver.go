package release

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ranjithrajv/debian-multiarch-builder/pkg/builder"
)

var (
	// ErrUnavailable means no asset matches an architecture. It is a skip
	// signal, not a failure.
	ErrUnavailable = errors.New("no matching release asset")
	// ErrNoTemplate means manual mode was asked for an architecture it has
	// no template for.
	ErrNoTemplate = errors.New("no asset template for architecture")
)

// DefaultPatterns maps Debian architecture ids to the tokens upstream projects
// commonly use for them in release file names.
var DefaultPatterns = map[string]string{
	"amd64":    `(x86_64|amd64|x64)`,
	"arm64":    `(aarch64|arm64)`,
	"armhf":    `(armv7|armhf|arm-unknown-linux-gnueabihf|arm-unknown-linux-musleabihf)`,
	"armel":    `(armel|armv5|armv6|arm-unknown-linux-gnueabi[^h]|arm-unknown-linux-musleabi[^h])`,
	"i386":     `(i386|i586|i686)`,
	"ppc64el":  `(ppc64le|ppc64el|powerpc64le)`,
	"s390x":    `(s390x)`,
	"riscv64":  `(riscv64|riscv64gc)`,
	"mips64el": `(mips64el|mips64le)`,
	"loong64":  `(loong64|loongarch64)`,
}

// DefaultVariantPreference prefers glibc builds, then musl, then anything.
var DefaultVariantPreference = []string{"gnu", "musl"}

var formatSuffixes = map[string][]string{
	"tar.gz":  {".tar.gz", ".tgz"},
	"tgz":     {".tgz", ".tar.gz"},
	"tar.xz":  {".tar.xz", ".txz"},
	"txz":     {".txz", ".tar.xz"},
	"tar.bz2": {".tar.bz2", ".tbz2"},
	"tbz2":    {".tbz2", ".tar.bz2"},
	"tar.zst": {".tar.zst"},
	"zip":     {".zip"},
}

var excludedSuffixes = []string{
	".sha256", ".sha256sum", ".sha512", ".sha512sum", ".sha1", ".md5",
	".asc", ".sig", ".minisig", ".pem", ".sbom", ".intoto.jsonl",
}

var excludedTokens = []string{"checksum", "sha256sums", "sha512sums", "source", "-src.", "_src.", "-src-", "_src_"}

// Resolver maps an architecture to one upstream asset, either by template
// substitution (manual mode) or by filtering the release listing.
type Resolver struct {
	req        builder.BuildRequest
	listing    Lister
	patterns   map[string]*regexp.Regexp
	preference []string
}

// NewResolver compiles the pattern table (configured patterns replace the
// defaults per architecture) and fixes the resolution mode from req.
func NewResolver(req builder.BuildRequest, listing Lister, patterns map[string]string, preference []string) (*Resolver, error) {
	merged := make(map[string]string, len(DefaultPatterns)+len(patterns))
	for arch, p := range DefaultPatterns {
		merged[arch] = p
	}
	for arch, p := range patterns {
		merged[arch] = p
	}
	compiled := make(map[string]*regexp.Regexp, len(merged))
	for arch, p := range merged {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("compile pattern for %s: %w", arch, err)
		}
		compiled[arch] = re
	}
	if len(preference) == 0 {
		preference = DefaultVariantPreference
	}
	return &Resolver{req: req, listing: listing, patterns: compiled, preference: preference}, nil
}

// Manual reports whether the resolver substitutes templates.
func (r *Resolver) Manual() bool {
	return r.req.Manual()
}

// Listing returns the memoized release listing.
func (r *Resolver) Listing(ctx context.Context) ([]string, error) {
	return r.listing.ListAssets(ctx, r.req.Repository, r.req.Tag())
}

// Resolve returns the asset to build arch from. ErrUnavailable means skip;
// any other error is fatal for this architecture.
func (r *Resolver) Resolve(ctx context.Context, arch string) (builder.ReleaseAsset, error) {
	if r.Manual() {
		tmpl, ok := r.req.Templates[arch]
		if !ok || strings.TrimSpace(tmpl) == "" {
			return builder.ReleaseAsset{}, fmt.Errorf("%s: %w", arch, ErrNoTemplate)
		}
		name := strings.ReplaceAll(tmpl, "{version}", r.req.Version)
		return builder.ReleaseAsset{Name: name, Arch: arch, Variant: variantOf(name)}, nil
	}

	assets, err := r.Listing(ctx)
	if err != nil {
		return builder.ReleaseAsset{}, fmt.Errorf("list assets: %w", err)
	}
	candidates := Candidates(assets, r.req.Format, r.pattern(arch))
	name, ok := Prefer(candidates, r.preference)
	if !ok {
		return builder.ReleaseAsset{}, fmt.Errorf("%s %s: %w", arch, r.req.Tag(), ErrUnavailable)
	}
	return builder.ReleaseAsset{Name: name, Arch: arch, Variant: variantOf(name)}, nil
}

func (r *Resolver) pattern(arch string) *regexp.Regexp {
	if re, ok := r.patterns[arch]; ok {
		return re
	}
	return regexp.MustCompile("(?i)" + regexp.QuoteMeta(arch))
}

// Candidates filters a listing down to linux archives of the requested format
// whose names match the architecture pattern, preserving listing order.
func Candidates(assets []string, format string, pattern *regexp.Regexp) []string {
	suffixes := formatSuffixes[format]
	if len(suffixes) == 0 {
		suffixes = []string{"." + format}
	}
	var out []string
	for _, name := range assets {
		lower := strings.ToLower(name)
		if !hasAnySuffix(lower, suffixes) {
			continue
		}
		if excluded(lower) {
			continue
		}
		if !strings.Contains(lower, "linux") {
			continue
		}
		if !pattern.MatchString(name) {
			continue
		}
		out = append(out, name)
	}
	return out
}

// Prefer picks the first candidate carrying the highest-ranked variant token,
// falling back to the first candidate.
func Prefer(candidates []string, preference []string) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	for _, variant := range preference {
		for _, name := range candidates {
			if strings.Contains(strings.ToLower(name), strings.ToLower(variant)) {
				return name, true
			}
		}
	}
	return candidates[0], true
}

func excluded(lower string) bool {
	if hasAnySuffix(lower, excludedSuffixes) {
		return true
	}
	for _, tok := range excludedTokens {
		if strings.Contains(lower, tok) {
			return true
		}
	}
	return false
}

func hasAnySuffix(s string, suffixes []string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}

func variantOf(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "musl"):
		return "musl"
	case strings.Contains(lower, "gnu"):
		return "gnu"
	case strings.Contains(lower, "static"):
		return "static"
	}
	return ""
}
