package builder

import (
	"fmt"
	"time"
)

// ArchState represents the lifecycle state of an architecture pipeline.
type ArchState string

const (
	ArchPending        ArchState = "pending"
	ArchRunning        ArchState = "running"
	ArchSuccess        ArchState = "success"
	ArchPartialSuccess ArchState = "partial_success"
	ArchSkipped        ArchState = "skipped"
	ArchFailed         ArchState = "failed"
)

// Terminal reports whether no further transition is possible.
func (s ArchState) Terminal() bool {
	switch s {
	case ArchSuccess, ArchPartialSuccess, ArchSkipped, ArchFailed:
		return true
	}
	return false
}

// DistState represents the lifecycle state of a single (architecture, distribution) build.
type DistState string

const (
	DistPending DistState = "pending"
	DistRunning DistState = "running"
	DistSuccess DistState = "success"
	DistFailed  DistState = "failed"
	DistSkipped DistState = "skipped"
)

// Metadata is the package control information handed to the packaging backend.
type Metadata struct {
	Maintainer  string   `json:"maintainer,omitempty" yaml:"maintainer,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Homepage    string   `json:"homepage,omitempty" yaml:"homepage,omitempty"`
	License     string   `json:"license,omitempty" yaml:"license,omitempty"`
	Section     string   `json:"section,omitempty" yaml:"section,omitempty"`
	Priority    string   `json:"priority,omitempty" yaml:"priority,omitempty"`
	Depends     []string `json:"depends,omitempty" yaml:"depends,omitempty"`
}

// BuildRequest is constructed once at entry and never mutated afterwards.
type BuildRequest struct {
	Package       string   `json:"package"`
	Repository    string   `json:"repository"`
	Version       string   `json:"version"`
	Build         int      `json:"build"`
	TagPrefix     string   `json:"tag_prefix,omitempty"`
	Format        string   `json:"format"`
	BinaryPath    string   `json:"binary_path,omitempty"`
	Architectures []string `json:"architectures"`
	Distributions []string `json:"distributions"`
	// Templates switches the resolver to manual mode when non-nil.
	Templates   map[string]string `json:"templates,omitempty"`
	MaxParallel int               `json:"max_parallel,omitempty"`
	Metadata    Metadata          `json:"metadata"`
}

// Manual reports whether the request pins an explicit asset template per architecture.
func (r BuildRequest) Manual() bool {
	return r.Templates != nil
}

// Tag returns the upstream release tag for the requested version.
func (r BuildRequest) Tag() string {
	return r.TagPrefix + r.Version
}

// FullVersion derives the distribution-qualified package version.
func (r BuildRequest) FullVersion(dist string) string {
	return fmt.Sprintf("%s-%d+%s", r.Version, r.Build, dist)
}

// ArtifactName returns the file name the packaging backend must produce.
func (r BuildRequest) ArtifactName(arch, dist string) string {
	return fmt.Sprintf("%s_%s_%s.deb", r.Package, r.FullVersion(dist), arch)
}

// Validate checks the fields every run depends on.
func (r BuildRequest) Validate() error {
	switch {
	case r.Package == "":
		return fmt.Errorf("package name is required")
	case r.Repository == "":
		return fmt.Errorf("repository is required")
	case r.Version == "":
		return fmt.Errorf("version is required")
	case r.Format == "":
		return fmt.Errorf("archive format is required")
	case len(r.Architectures) == 0:
		return fmt.Errorf("at least one architecture is required")
	case len(r.Distributions) == 0:
		return fmt.Errorf("at least one distribution is required")
	}
	if r.Build < 1 {
		return fmt.Errorf("build revision must be >= 1, got %d", r.Build)
	}
	return nil
}

// ReleaseAsset is a single downloadable file attached to an upstream release.
type ReleaseAsset struct {
	Name    string `json:"name"`
	Arch    string `json:"arch,omitempty"`
	Variant string `json:"variant,omitempty"`
}

// QualityResult holds severity counts reported by the quality checker.
type QualityResult struct {
	Errors   int  `json:"errors"`
	Warnings int  `json:"warnings"`
	Info     int  `json:"info"`
	Passed   bool `json:"passed"`
}

// DistributionJob is the outcome of one (architecture, distribution) build.
type DistributionJob struct {
	Arch         string         `json:"arch"`
	Dist         string         `json:"dist"`
	FullVersion  string         `json:"full_version"`
	State        DistState      `json:"state"`
	ArtifactPath string         `json:"artifact_path,omitempty"`
	Size         int64          `json:"size,omitempty"`
	Quality      *QualityResult `json:"quality,omitempty"`
	Category     string         `json:"category,omitempty"`
	Error        string         `json:"error,omitempty"`
	Note         string         `json:"note,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
}

// Tally counts distribution outcomes for one architecture.
type Tally struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Attempted is the number of distributions that were actually built.
func (t Tally) Attempted() int {
	return t.Succeeded + t.Failed
}

// State maps a fan-out tally onto the terminal architecture state.
func (t Tally) State() ArchState {
	switch {
	case t.Attempted() == 0:
		// every pair was ineligible; nothing was attempted so nothing failed
		return ArchSkipped
	case t.Failed == 0:
		return ArchSuccess
	case t.Succeeded == 0:
		return ArchFailed
	default:
		return ArchPartialSuccess
	}
}

// ArchitectureJob is the outcome of one architecture pipeline.
type ArchitectureJob struct {
	Arch       string            `json:"arch"`
	Asset      string            `json:"asset,omitempty"`
	State      ArchState         `json:"state"`
	BinaryRoot string            `json:"binary_root,omitempty"`
	Category   string            `json:"category,omitempty"`
	Error      string            `json:"error,omitempty"`
	Note       string            `json:"note,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Tally      Tally             `json:"tally"`
	Dists      []DistributionJob `json:"dists,omitempty"`
}
