package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/ranjithrajv/debian-multiarch-builder/pkg/builder"
	"github.com/ranjithrajv/debian-multiarch-builder/pkg/config"
	"github.com/ranjithrajv/debian-multiarch-builder/pkg/fetch"
	"github.com/ranjithrajv/debian-multiarch-builder/pkg/packaging"
	"github.com/ranjithrajv/debian-multiarch-builder/pkg/profile"
	"github.com/ranjithrajv/debian-multiarch-builder/pkg/publish"
	"github.com/ranjithrajv/debian-multiarch-builder/pkg/release"
	"github.com/ranjithrajv/debian-multiarch-builder/pkg/telemetry"
)

// Session is one configured run.
type Session struct {
	Config  config.Config
	Request builder.BuildRequest
	// Parallel is the explicit user request (CLI flag or API field); zero
	// defers to configuration.
	Parallel int
	Logger   *slog.Logger
	UnitLog  func(line string)
}

// Execute wires every collaborator from configuration, runs the preflight,
// executes the matrix and handles baseline comparison, summary output and
// publishing. A returned ErrPrecondition means nothing was scheduled.
func Execute(ctx context.Context, s Session) (telemetry.BuildSummary, error) {
	cfg, req, logger := s.Config, s.Request, s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rec := telemetry.NewRecorder(cfg.Telemetry.SampleInterval, logger)
	rec.Start(ctx)
	defer rec.Stop(ctx)

	ictx, endInit := rec.Stage(ctx, StageInit)
	st, err := prepare(ictx, s, logger)
	if err != nil {
		endInit("failed", err)
		return telemetry.BuildSummary{}, err
	}
	defer st.close()
	endInit("success", nil)

	eng := New(req, Deps{
		Resolver: st.resolver,
		Fetcher:  fetch.NewFetcher(cfg.Release.DownloadURL, st.httpClient, st.resolver.Listing, logger),
		Backend:  packaging.NewShellBackend(cfg.Backend.Command, cfg.Backend.Dockerfile, logger),
		Quality:  st.quality,
		Policy:   packaging.NewPolicy(nil, cfg.Policy),
		Recorder: rec,
		Logger:   logger,
		UnitLog:  s.UnitLog,
	}, Options{
		Concurrency: st.concurrency,
		ArchTimeout: cfg.Timeouts.Architecture,
		DistTimeout: cfg.Timeouts.Distribution,
		WorkDir:     st.workRoot,
		OutputDir:   cfg.Output.Dir,
	})

	sum, runErr := eng.Run(ctx)
	finish(ctx, cfg, &sum, logger)
	return sum, runErr
}

// StageInit names the telemetry stage covering profiling and preflight.
const StageInit = "initialization"

type setup struct {
	concurrency int
	workRoot    string
	httpClient  *http.Client
	resolver    *release.Resolver
	quality     packaging.QualityChecker
	closers     []func() error
}

func (st *setup) close() {
	for _, c := range st.closers {
		_ = c()
	}
}

// prepare profiles the host, builds the release collaborators and runs the
// preflight checks.
func prepare(ctx context.Context, s Session, logger *slog.Logger) (*setup, error) {
	cfg, req := s.Config, s.Request
	st := &setup{workRoot: cfg.Output.WorkDir}
	if st.workRoot == "" {
		st.workRoot = os.TempDir()
	}

	profiler := profile.NewProfiler(profile.Floors{
		Memory: cfg.Resources.JobMemoryFloor,
		CPUs:   cfg.Resources.JobCPUFloor,
		Disk:   cfg.Resources.JobDiskFloor,
	}, cfg.Concurrency.HardCeiling, st.workRoot, logger)
	overrides := profile.Overrides{
		CPUs:        cfg.Resources.CPUs,
		Memory:      cfg.Resources.MemoryBytes,
		DiskFree:    cfg.Resources.DiskFreeBytes,
		Environment: profile.Environment(cfg.Resources.Environment),
	}
	prof, err := profiler.Detect(ctx, overrides)
	if err != nil {
		return nil, fmt.Errorf("%w: profile host: %v", ErrPrecondition, err)
	}
	requested, source := cfg.RequestedParallel(s.Parallel)
	st.concurrency = profiler.Resolve(requested, prof)
	logger.Info("resource profile", "profile", prof.String(), "requested", requested, "source", source, "concurrency", st.concurrency)

	st.httpClient = release.NewHTTPClient(cfg.Release.MaxRetries, cfg.Release.Timeout)
	var cache release.Cache
	if cfg.Cache.RedisURL != "" {
		rc, err := release.NewRedisCache(ctx, cfg.Cache.RedisURL, cfg.Cache.TTL)
		if err != nil {
			logger.Warn("release listing cache disabled", "error", err)
		} else {
			st.closers = append(st.closers, rc.Close)
			cache = rc
		}
	}
	memo := release.NewMemo(release.NewGitHubLister(cfg.Release.APIURL, cfg.Release.Token, st.httpClient), cache)

	st.resolver, err = release.NewResolver(req, memo, cfg.Discovery.Patterns, cfg.Discovery.VariantPreference)
	if err != nil {
		st.close()
		return nil, fmt.Errorf("%w: %v", ErrPrecondition, err)
	}

	tools := append([]string(nil), cfg.Backend.RequiredTools...)
	if cfg.Lint.Enabled {
		st.quality = packaging.NewLintian(cfg.Lint.Command, packaging.QualityPolicy{
			FailOnError:   cfg.Lint.FailOnError,
			FailOnWarning: cfg.Lint.FailOnWarning,
			Suppress:      cfg.Lint.Suppress,
		})
		tools = append(tools, cfg.Lint.Command)
	}

	checks := []Check{
		FuncCheck("configuration", func(context.Context) error { return validateRequest(req) }),
		ToolsCheck(tools...),
		CommandCheck("container daemon", cfg.Backend.DaemonCheck),
	}
	if !req.Manual() {
		checks = append(checks, FuncCheck("release listing", func(ctx context.Context) error {
			_, err := st.resolver.Listing(ctx)
			return err
		}))
	}
	if err := Preflight(ctx, cfg.Timeouts.Preflight, logger, checks...); err != nil {
		st.close()
		return nil, err
	}

	// capacity may have shifted while the preflight ran
	if fresh, err := profiler.Detect(ctx, overrides); err == nil {
		st.concurrency = profiler.Degrade(st.concurrency, fresh.Memory, fresh.CPUs)
	}
	return st, nil
}

// finish attaches the baseline comparison, writes the summary file and
// publishes produced packages. None of these change the run outcome.
func finish(ctx context.Context, cfg config.Config, sum *telemetry.BuildSummary, logger *slog.Logger) {
	if path := cfg.Telemetry.BaselinePath; path != "" {
		base, ok, err := telemetry.LoadBaseline(path)
		switch {
		case err != nil:
			logger.Warn("baseline unreadable", "path", path, "error", err)
		case ok:
			reg := telemetry.Compare(sum.Telemetry, base)
			sum.Regression = &reg
			if reg.Regressed {
				logger.Warn("performance regression against baseline", "reasons", reg.Reasons)
			}
		}
	}

	if path := cfg.Output.SummaryPath; path != "" {
		if err := sum.Write(path, cfg.Output.SummaryFormat); err != nil {
			logger.Error("write summary", "error", err)
		}
	}

	target := publish.Target{
		Host:       cfg.Publish.Host,
		Port:       cfg.Publish.Port,
		User:       cfg.Publish.User,
		Password:   cfg.Publish.Password,
		PrivateKey: cfg.Publish.PrivateKey,
		Dir:        cfg.Publish.Dir,
	}
	if !target.Enabled() || !sum.Success {
		return
	}
	if _, err := publish.NewUploader(target, logger).Upload(ctx, Artifacts(*sum)); err != nil {
		logger.Error("publish packages", "host", target.Host, "error", err)
	}
}

// Artifacts lists the package files a run produced.
func Artifacts(sum telemetry.BuildSummary) []string {
	var files []string
	for _, job := range sum.Architectures {
		for _, d := range job.Dists {
			if d.State == builder.DistSuccess && d.ArtifactPath != "" {
				files = append(files, d.ArtifactPath)
			}
		}
	}
	return files
}

func validateRequest(req builder.BuildRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if !fetch.Supported(req.Format) {
		return fmt.Errorf("unsupported archive format %q", req.Format)
	}
	return nil
}

// IsPrecondition reports whether err aborted the run before scheduling.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrPrecondition)
}
