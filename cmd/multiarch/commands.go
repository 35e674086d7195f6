package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/urfave/cli"

	"github.com/ranjithrajv/debian-multiarch-builder/pkg/builder"
	"github.com/ranjithrajv/debian-multiarch-builder/pkg/client"
	"github.com/ranjithrajv/debian-multiarch-builder/pkg/config"
	"github.com/ranjithrajv/debian-multiarch-builder/pkg/engine"
	"github.com/ranjithrajv/debian-multiarch-builder/pkg/profile"
	"github.com/ranjithrajv/debian-multiarch-builder/pkg/telemetry"
)

func matrixFlags(flags ...cli.Flag) []cli.Flag {
	return append(flags,
		cli.StringSliceFlag{
			Name:  archFlagName + ", a",
			Usage: "limit the run to these architectures; may repeat or be comma separated",
		},
		cli.IntFlag{
			Name:  parallelFlagName + ", p",
			Usage: "architectures built at once; clamped to host capacity",
		},
	)
}

// loadConfig reads the configuration named by the global flag and builds the
// process logger from it.
func loadConfig(c *cli.Context, stderr io.Writer) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.GlobalString(configFlagName))
	if err != nil {
		return config.Config{}, nil, err
	}
	if level := c.GlobalString(logLevelFlagName); level != "" {
		cfg.Log.Level = level
	}
	return cfg, cfg.Log.NewLogger(stderr), nil
}

func archList(c *cli.Context) []string {
	var out []string
	for _, raw := range c.StringSlice(archFlagName) {
		for _, arch := range strings.Split(raw, ",") {
			if arch = strings.TrimSpace(arch); arch != "" {
				out = append(out, arch)
			}
		}
	}
	return out
}

func Build(ctx context.Context, stdout, stderr io.Writer) cli.Command {
	return cli.Command{
		Name:  "build",
		Usage: "build the configured matrix on this host",
		Flags: matrixFlags(cli.BoolFlag{
			Name:  "verbose",
			Usage: "echo packaging backend output",
		}),
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c, stderr)
			if err != nil {
				return cli.NewExitError(err.Error(), exitPrecondition)
			}
			if err := cfg.Validate(); err != nil {
				return cli.NewExitError(err.Error(), exitPrecondition)
			}

			if cfg.Telemetry.Trace {
				shutdown := telemetry.InitTracer(ctx, "multiarch", stderr, logger)
				defer func() { _ = shutdown(context.Background()) }()
			}

			unitLog := func(line string) { logger.Debug("backend output", "line", line) }
			if c.Bool("verbose") {
				unitLog = func(line string) { fmt.Fprintln(stderr, line) }
			}

			sum, err := engine.Execute(ctx, engine.Session{
				Config:   cfg,
				Request:  cfg.Request(archList(c)),
				Parallel: c.Int(parallelFlagName),
				Logger:   logger,
				UnitLog:  unitLog,
			})
			switch {
			case engine.IsPrecondition(err):
				return cli.NewExitError(err.Error(), exitPrecondition)
			case err != nil:
				sum.Print(stdout)
				return cli.NewExitError(fmt.Sprintf("%v (category %s)", err, sum.FailureCategory), exitFailure)
			}
			sum.Print(stdout)
			return nil
		},
	}
}

func Baseline(stdout, stderr io.Writer) cli.Command {
	return cli.Command{
		Name:  "baseline",
		Usage: "manage the performance baseline",
		Subcommands: []cli.Command{
			{
				Name:  "save",
				Usage: "store the last run summary as the new baseline",
				Flags: []cli.Flag{
					cli.StringFlag{
						Name:  "summary",
						Usage: "summary file to read; defaults to output.summary_path",
					},
				},
				Action: func(c *cli.Context) error {
					cfg, logger, err := loadConfig(c, stderr)
					if err != nil {
						return cli.NewExitError(err.Error(), exitPrecondition)
					}
					path := c.String("summary")
					if path == "" {
						path = cfg.Output.SummaryPath
					}
					if cfg.Telemetry.BaselinePath == "" {
						return cli.NewExitError("telemetry.baseline_path is empty", exitPrecondition)
					}

					sum, err := telemetry.ReadSummary(path)
					if err != nil {
						return cli.NewExitError(err.Error(), exitFailure)
					}
					if !sum.Success {
						logger.Warn("saving a baseline from a failed run", "summary", path)
					}
					if err := telemetry.SaveBaseline(cfg.Telemetry.BaselinePath, telemetry.BaselineFrom(sum)); err != nil {
						return cli.NewExitError(err.Error(), exitFailure)
					}
					fmt.Fprintf(stdout, "baseline saved to %s (%s %s, %s)\n",
						cfg.Telemetry.BaselinePath, sum.Package, sum.Version, sum.Duration)
					return nil
				},
			},
		},
	}
}

func Submit(ctx context.Context, stdout, stderr io.Writer) cli.Command {
	return cli.Command{
		Name:  "submit",
		Usage: "queue the configured matrix on a builder service and follow its log",
		Flags: matrixFlags(
			cli.StringFlag{
				Name:   "server",
				Usage:  "builder service base URL",
				Value:  "http://localhost:8085",
				EnvVar: "MULTIARCH_BUILDER_URL",
			},
			cli.StringFlag{
				Name:   "api-key",
				Usage:  "builder service API key",
				EnvVar: "MULTIARCH_API_KEY",
			},
			cli.BoolFlag{
				Name:  "detach",
				Usage: "return once the run is queued",
			},
		),
		Action: func(c *cli.Context) error {
			cfg, _, err := loadConfig(c, stderr)
			if err != nil {
				return cli.NewExitError(err.Error(), exitPrecondition)
			}
			req := cfg.Request(archList(c))
			if p := c.Int(parallelFlagName); p > 0 {
				req.MaxParallel = p
			}
			if err := req.Validate(); err != nil {
				return cli.NewExitError(err.Error(), exitPrecondition)
			}

			cl := client.NewClient(c.String("server"), c.String("api-key"))
			run, err := cl.SubmitRun(ctx, req)
			if err != nil {
				return cli.NewExitError(err.Error(), exitFailure)
			}
			fmt.Fprintf(stdout, "submitted run %s\n", run.ID)
			if c.Bool("detach") {
				return nil
			}

			err = cl.StreamLogs(ctx, run.ID, func(line string) error {
				_, err := fmt.Fprintln(stdout, line)
				return err
			})
			if err != nil {
				return cli.NewExitError(err.Error(), exitFailure)
			}

			run, err = cl.GetRun(ctx, run.ID)
			if err != nil {
				return cli.NewExitError(err.Error(), exitFailure)
			}
			fmt.Fprintf(stdout, "run %s %s\n", run.ID, run.Status)
			if run.Status == builder.RunFailed {
				return cli.NewExitError(run.Error, exitFailure)
			}
			return nil
		},
	}
}

func Profile(ctx context.Context, stdout, stderr io.Writer) cli.Command {
	return cli.Command{
		Name:  "profile",
		Usage: "show detected host capacity and the architecture pool size a build would use",
		Flags: []cli.Flag{
			cli.IntFlag{
				Name:  parallelFlagName + ", p",
				Usage: "requested pool size to clamp",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c, stderr)
			if err != nil {
				return cli.NewExitError(err.Error(), exitPrecondition)
			}
			workRoot := cfg.Output.WorkDir
			if workRoot == "" {
				workRoot = "."
			}
			profiler := profile.NewProfiler(profile.Floors{
				Memory: cfg.Resources.JobMemoryFloor,
				CPUs:   cfg.Resources.JobCPUFloor,
				Disk:   cfg.Resources.JobDiskFloor,
			}, cfg.Concurrency.HardCeiling, workRoot, logger)

			prof, err := profiler.Detect(ctx, profile.Overrides{
				CPUs:        cfg.Resources.CPUs,
				Memory:      cfg.Resources.MemoryBytes,
				DiskFree:    cfg.Resources.DiskFreeBytes,
				Environment: profile.Environment(cfg.Resources.Environment),
			})
			if err != nil {
				return cli.NewExitError(fmt.Sprintf("profile host: %v", err), exitFailure)
			}
			requested, source := cfg.RequestedParallel(c.Int(parallelFlagName))
			fmt.Fprintln(stdout, prof.String())
			fmt.Fprintf(stdout, "concurrency %d (requested %d via %s)\n", profiler.Resolve(requested, prof), requested, source)
			return nil
		},
	}
}

