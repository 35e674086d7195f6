package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"
)

const (
	configFlagName   = "config"
	logLevelFlagName = "log-level"
	archFlagName     = "arch"
	parallelFlagName = "parallel"

	exitFailure      = 1
	exitPrecondition = 2
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := buildApp(ctx, os.Stdout, os.Stderr)
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitFailure)
	}
}

func buildApp(ctx context.Context, stdout, stderr io.Writer) *cli.App {
	app := cli.NewApp()
	app.Name = "multiarch"
	app.Usage = "build Debian packages for every architecture and distribution of an upstream release"
	app.Version = version
	app.Writer = stdout
	app.ErrWriter = stderr

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   configFlagName + ", c",
			Usage:  "path to the run configuration (yaml, toml or json)",
			EnvVar: "MULTIARCH_CONFIG",
		},
		cli.StringFlag{
			Name:  logLevelFlagName,
			Usage: "override log.level (debug, info, warn, error)",
		},
	}

	app.Commands = []cli.Command{
		Build(ctx, stdout, stderr),
		Baseline(stdout, stderr),
		Submit(ctx, stdout, stderr),
		Profile(ctx, stdout, stderr),
	}
	return app
}
