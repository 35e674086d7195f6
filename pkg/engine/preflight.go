package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// ErrPrecondition aborts the whole run before any architecture starts.
var ErrPrecondition = errors.New("precondition failed")

// Check is one global precondition.
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

// Preflight runs checks in order under timeout; the first failure is
// returned wrapped in ErrPrecondition.
func Preflight(ctx context.Context, timeout time.Duration, logger *slog.Logger, checks ...Check) error {
	for _, c := range checks {
		cctx := ctx
		var cancel context.CancelFunc = func() {}
		if timeout > 0 {
			cctx, cancel = context.WithTimeout(ctx, timeout)
		}
		err := c.Run(cctx)
		cancel()
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrPrecondition, c.Name, err)
		}
		logger.Debug("preflight check passed", "check", c.Name)
	}
	return nil
}

var lookPath = exec.LookPath

// ToolsCheck requires every tool to be on PATH.
func ToolsCheck(tools ...string) Check {
	return Check{
		Name: "required tools",
		Run: func(context.Context) error {
			var missing []string
			for _, tool := range tools {
				if tool == "" {
					continue
				}
				if _, err := lookPath(tool); err != nil {
					missing = append(missing, tool)
				}
			}
			if len(missing) > 0 {
				return fmt.Errorf("missing required tool(s) on PATH: %s", strings.Join(missing, ", "))
			}
			return nil
		},
	}
}

// CommandCheck runs a shell command, typically "docker info", and fails when
// it exits nonzero.
func CommandCheck(name, command string) Check {
	return Check{
		Name: name,
		Run: func(ctx context.Context) error {
			if strings.TrimSpace(command) == "" {
				return nil
			}
			var out bytes.Buffer
			cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
			cmd.Stdout = &out
			cmd.Stderr = &out
			cmd.WaitDelay = time.Second
			if err := cmd.Run(); err != nil {
				msg := strings.TrimSpace(out.String())
				if len(msg) > 512 {
					msg = msg[len(msg)-512:]
				}
				return fmt.Errorf("%s: %w: %s", command, err, msg)
			}
			return nil
		},
	}
}

// FuncCheck adapts an arbitrary function, such as fetching the release
// listing or validating configuration.
func FuncCheck(name string, fn func(ctx context.Context) error) Check {
	return Check{Name: name, Run: fn}
}
