// Package engine schedules the architecture matrix: a bounded pool of
// architecture pipelines, each resolving and fetching its upstream artifact
// once and then fanning out over every eligible distribution.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/ranjithrajv/debian-multiarch-builder/pkg/builder"
	"github.com/ranjithrajv/debian-multiarch-builder/pkg/fetch"
	"github.com/ranjithrajv/debian-multiarch-builder/pkg/packaging"
	"github.com/ranjithrajv/debian-multiarch-builder/pkg/release"
	"github.com/ranjithrajv/debian-multiarch-builder/pkg/telemetry"
)

// ErrNoPackages is returned when a run finished without producing a single
// package, even if nothing explicitly failed.
var ErrNoPackages = errors.New("no packages produced")

// Resolver picks the upstream asset for an architecture.
type Resolver interface {
	Resolve(ctx context.Context, arch string) (builder.ReleaseAsset, error)
}

// Fetcher downloads, verifies and unpacks an asset into workDir.
type Fetcher interface {
	Fetch(ctx context.Context, req builder.BuildRequest, asset builder.ReleaseAsset, workDir string) (fetch.Result, error)
}

// Deps are the collaborators of an Engine. Quality may be nil.
type Deps struct {
	Resolver Resolver
	Fetcher  Fetcher
	Backend  packaging.Backend
	Quality  packaging.QualityChecker
	Policy   *packaging.Policy
	Recorder *telemetry.Recorder
	Logger   *slog.Logger
	// UnitLog receives backend output prefixed with the unit it came from.
	UnitLog func(line string)
}

// Options bound the run.
type Options struct {
	Concurrency int
	ArchTimeout time.Duration
	DistTimeout time.Duration
	// WorkDir is the root under which every pipeline creates its own
	// temporary directory.
	WorkDir   string
	OutputDir string
}

// Engine runs one BuildRequest.
type Engine struct {
	req  builder.BuildRequest
	deps Deps
	opts Options

	running    atomic.Int64
	maxRunning atomic.Int64
}

// New returns an engine for req. Concurrency below one is treated as one.
func New(req builder.BuildRequest, deps Deps, opts Options) *Engine {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "dist"
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Recorder == nil {
		deps.Recorder = telemetry.NewRecorder(0, deps.Logger)
	}
	if deps.Policy == nil {
		deps.Policy = packaging.NewPolicy(nil, nil)
	}
	return &Engine{req: req, deps: deps, opts: opts}
}

// MaxRunning is the highest number of architecture pipelines observed
// running at once.
func (e *Engine) MaxRunning() int {
	return int(e.maxRunning.Load())
}

// Run executes the matrix and returns the summary. The error is ErrNoPackages
// when nothing was produced; individual unit failures are only reported in
// the summary.
func (e *Engine) Run(ctx context.Context) (telemetry.BuildSummary, error) {
	rec := e.deps.Recorder
	rec.Start(ctx)

	if err := os.MkdirAll(e.opts.OutputDir, 0o755); err != nil {
		rec.Stop(ctx)
		return telemetry.BuildSummary{}, fmt.Errorf("create output dir: %w", err)
	}
	if err := os.MkdirAll(e.opts.WorkDir, 0o755); err != nil {
		rec.Stop(ctx)
		return telemetry.BuildSummary{}, fmt.Errorf("create work dir: %w", err)
	}

	e.deps.Logger.Info("starting matrix",
		"package", e.req.Package,
		"version", e.req.Version,
		"architectures", len(e.req.Architectures),
		"distributions", len(e.req.Distributions),
		"concurrency", e.opts.Concurrency)

	jobs := e.schedule(ctx)
	snap := rec.Stop(ctx)
	sum := telemetry.Summarize(e.req, jobs, snap, e.opts.Concurrency)
	if !sum.Success {
		return sum, fmt.Errorf("%w: %d architectures skipped, %d distributions failed", ErrNoPackages, sum.SkippedArchs, sum.FailedDists)
	}
	return sum, nil
}

// schedule keeps at most Concurrency pipelines running, admitting the next
// architecture as soon as a slot frees up.
func (e *Engine) schedule(ctx context.Context) []builder.ArchitectureJob {
	archs := e.req.Architectures
	sem := semaphore.NewWeighted(int64(e.opts.Concurrency))
	results := make(chan builder.ArchitectureJob, len(archs))

	for _, arch := range archs {
		if err := sem.Acquire(ctx, 1); err != nil {
			now := time.Now()
			results <- builder.ArchitectureJob{
				Arch:       arch,
				State:      builder.ArchFailed,
				Category:   string(telemetry.ClassifyError("", err)),
				Error:      fmt.Sprintf("not started: %v", err),
				StartedAt:  now,
				FinishedAt: now,
			}
			continue
		}
		go func(arch string) {
			defer sem.Release(1)
			n := e.running.Add(1)
			for {
				peak := e.maxRunning.Load()
				if n <= peak || e.maxRunning.CompareAndSwap(peak, n) {
					break
				}
			}
			job := e.pipeline(ctx, arch)
			e.running.Add(-1)
			results <- job
		}(arch)
	}

	jobs := make([]builder.ArchitectureJob, 0, len(archs))
	for range archs {
		jobs = append(jobs, <-results)
	}
	return jobs
}

// pipeline runs resolve, fetch and fan-out for one architecture. It never
// returns an error: every failure becomes a terminal state.
func (e *Engine) pipeline(ctx context.Context, arch string) (job builder.ArchitectureJob) {
	job = builder.ArchitectureJob{Arch: arch, State: builder.ArchRunning, StartedAt: time.Now()}
	logger := e.deps.Logger.With("arch", arch)
	rec := e.deps.Recorder

	if e.opts.ArchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.ArchTimeout)
		defer cancel()
	}
	ctx, end := rec.Stage(ctx, "arch:"+arch, attribute.String("arch", arch))
	rec.JobStarted()
	defer func() {
		rec.JobFinished()
		job.FinishedAt = time.Now()
		var err error
		if job.Error != "" {
			err = errors.New(job.Error)
		}
		end(string(job.State), err)
		logger.Info("architecture finished",
			"state", job.State,
			"succeeded", job.Tally.Succeeded,
			"failed", job.Tally.Failed,
			"skipped", job.Tally.Skipped,
			"duration", job.FinishedAt.Sub(job.StartedAt).Round(time.Millisecond))
	}()

	asset, err := e.deps.Resolver.Resolve(ctx, arch)
	switch {
	case errors.Is(err, release.ErrUnavailable):
		job.State = builder.ArchSkipped
		job.Note = err.Error()
		logger.Info("no upstream asset for architecture; skipping", "reason", err)
		return job
	case err != nil:
		return failArch(job, telemetry.StageResolve, err)
	}
	job.Asset = asset.Name
	logger.Info("resolved asset", "asset", asset.Name, "variant", asset.Variant)

	dir, err := os.MkdirTemp(e.opts.WorkDir, "arch-"+arch+"-")
	if err != nil {
		return failArch(job, "workdir", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("remove work dir", "dir", dir, "error", err)
		}
	}()

	fctx, fend := rec.Stage(ctx, "fetch:"+arch, attribute.String("arch", arch), attribute.String("asset", asset.Name))
	res, err := e.deps.Fetcher.Fetch(fctx, e.req, asset, dir)
	if err != nil {
		fend("failed", err)
		return failArch(job, fetchStage(err), err)
	}
	fend("success", nil)
	job.BinaryRoot = res.BinaryRoot

	job.Dists = e.fanOut(ctx, arch, res.BinaryRoot, dir)
	for _, d := range job.Dists {
		switch d.State {
		case builder.DistSuccess:
			job.Tally.Succeeded++
		case builder.DistFailed:
			job.Tally.Failed++
		case builder.DistSkipped:
			job.Tally.Skipped++
		}
	}
	job.State = job.Tally.State()
	switch job.State {
	case builder.ArchSkipped:
		job.Note = "no eligible distributions"
	case builder.ArchFailed:
		job.Error = fmt.Sprintf("all %d attempted distributions failed", job.Tally.Attempted())
		job.Category = firstCategory(job.Dists)
	}
	return job
}

func failArch(job builder.ArchitectureJob, stage string, err error) builder.ArchitectureJob {
	job.State = builder.ArchFailed
	job.Error = err.Error()
	job.Category = string(telemetry.ClassifyError(stage, err))
	return job
}

// fetchStage maps a fetch gate onto the classifier's stage names.
func fetchStage(err error) string {
	var se *fetch.StageError
	if !errors.As(err, &se) {
		return telemetry.StageFetch
	}
	switch se.Stage {
	case fetch.StageChecksum:
		return telemetry.StageChecksum
	case fetch.StageExtract:
		return telemetry.StageExtract
	case fetch.StageBinaryRoot:
		return telemetry.StageBinary
	default:
		return telemetry.StageFetch
	}
}

func firstCategory(dists []builder.DistributionJob) string {
	for _, d := range dists {
		if d.State == builder.DistFailed && d.Category != "" {
			return d.Category
		}
	}
	return string(telemetry.CategoryUnknown)
}

// fanOut builds every eligible distribution concurrently and waits for all
// of them.
func (e *Engine) fanOut(ctx context.Context, arch, binaryRoot, archDir string) []builder.DistributionJob {
	dists := e.req.Distributions
	results := make(chan builder.DistributionJob, len(dists))
	var wg sync.WaitGroup

	for _, dist := range dists {
		job := builder.DistributionJob{
			Arch:        arch,
			Dist:        dist,
			FullVersion: e.req.FullVersion(dist),
			State:       builder.DistPending,
		}
		if ok, reason := e.deps.Policy.Eligible(arch, dist); !ok {
			job.State = builder.DistSkipped
			job.Note = reason
			results <- job
			continue
		}
		wg.Add(1)
		go func(job builder.DistributionJob) {
			defer wg.Done()
			results <- e.distribution(ctx, job, binaryRoot, archDir)
		}(job)
	}

	wg.Wait()
	close(results)

	out := make([]builder.DistributionJob, 0, len(dists))
	for job := range results {
		out = append(out, job)
	}
	return out
}

// distribution packages one (arch, dist) pair and runs the quality check.
func (e *Engine) distribution(ctx context.Context, job builder.DistributionJob, binaryRoot, archDir string) builder.DistributionJob {
	logger := e.deps.Logger.With("arch", job.Arch, "dist", job.Dist)
	rec := e.deps.Recorder
	job.State = builder.DistRunning
	job.StartedAt = time.Now()

	if e.opts.DistTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.DistTimeout)
		defer cancel()
	}
	ctx, end := rec.Stage(ctx, "dist:"+job.Arch+"/"+job.Dist,
		attribute.String("arch", job.Arch), attribute.String("dist", job.Dist))
	rec.JobStarted()
	defer rec.JobFinished()

	fail := func(stage string, err error) builder.DistributionJob {
		job.State = builder.DistFailed
		job.Error = err.Error()
		job.Category = string(telemetry.ClassifyError(stage, err))
		job.FinishedAt = time.Now()
		end(string(job.State), err)
		logger.Warn("distribution failed", "category", job.Category, "error", firstLine(job.Error))
		return job
	}

	dir := filepath.Join(archDir, "dist-"+job.Dist)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fail("workdir", err)
	}

	spec := packaging.Spec{
		Request:    e.req,
		Arch:       job.Arch,
		Dist:       job.Dist,
		BinaryRoot: binaryRoot,
		OutputDir:  filepath.Join(dir, "out"),
		WorkDir:    dir,
	}
	prefix := fmt.Sprintf("[%s/%s] ", job.Arch, job.Dist)
	art, err := e.deps.Backend.Build(ctx, spec, func(line string) {
		if e.deps.UnitLog != nil {
			e.deps.UnitLog(prefix + line)
		}
	})
	if err != nil {
		return fail(telemetry.StagePackage, err)
	}

	if e.deps.Quality != nil {
		q, err := e.deps.Quality.Check(ctx, art.Path)
		job.Quality = &q
		if err != nil {
			return fail(telemetry.StageQuality, err)
		}
	}

	final := filepath.Join(e.opts.OutputDir, filepath.Base(art.Path))
	if err := moveFile(art.Path, final); err != nil {
		return fail("output", err)
	}
	job.State = builder.DistSuccess
	job.ArtifactPath = final
	job.Size = art.Size
	job.FinishedAt = time.Now()
	end(string(job.State), nil)
	logger.Info("package built", "artifact", filepath.Base(final), "size", art.Size)
	return job
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// work and output roots may sit on different filesystems
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
