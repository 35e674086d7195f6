package packaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/ranjithrajv/debian-multiarch-builder/pkg/builder"
)

// ErrQualityPolicy means the checker's findings exceed the configured
// thresholds.
var ErrQualityPolicy = errors.New("quality policy violated")

// QualityChecker inspects a produced package.
type QualityChecker interface {
	Check(ctx context.Context, artifact string) (builder.QualityResult, error)
}

// QualityPolicy decides which severities fail a job.
type QualityPolicy struct {
	FailOnError   bool
	FailOnWarning bool
	Suppress      []string
}

// Evaluate fills res.Passed and returns ErrQualityPolicy when a threshold is
// exceeded.
func (p QualityPolicy) Evaluate(res *builder.QualityResult) error {
	res.Passed = true
	switch {
	case p.FailOnError && res.Errors > 0:
		res.Passed = false
		return fmt.Errorf("%w: %d errors", ErrQualityPolicy, res.Errors)
	case p.FailOnWarning && res.Warnings > 0:
		res.Passed = false
		return fmt.Errorf("%w: %d warnings", ErrQualityPolicy, res.Warnings)
	}
	return nil
}

// Lintian runs lintian against a package and applies a QualityPolicy.
type Lintian struct {
	Command string
	Policy  QualityPolicy

	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewLintian returns a checker invoking command (normally "lintian").
func NewLintian(command string, policy QualityPolicy) *Lintian {
	if command == "" {
		command = "lintian"
	}
	return &Lintian{Command: command, Policy: policy, run: runCombined}
}

func runCombined(ctx context.Context, name string, args ...string) ([]byte, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// Check runs lintian and counts findings. Exit status 1 means tags fired;
// any other failure, including lintian's own status 2, is returned as an
// error besides a policy violation.
func (l *Lintian) Check(ctx context.Context, artifact string) (builder.QualityResult, error) {
	args := []string{"--no-tag-display-limit"}
	if len(l.Policy.Suppress) > 0 {
		args = append(args, "--suppress-tags", strings.Join(l.Policy.Suppress, ","))
	}
	args = append(args, artifact)

	out, err := l.run(ctx, l.Command, args...)
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || ctx.Err() != nil {
			return builder.QualityResult{}, fmt.Errorf("run %s: %w", l.Command, errors.Join(err, ctx.Err()))
		}
		if exitErr.ExitCode() != 1 {
			return builder.QualityResult{}, fmt.Errorf("run %s: %w: %s", l.Command, err, firstOutputLine(out))
		}
	}

	res := ParseLintian(string(out), l.Policy.Suppress)
	if err := l.Policy.Evaluate(&res); err != nil {
		return res, err
	}
	return res, nil
}

// ParseLintian counts E:, W: and I: tags in lintian output, ignoring
// suppressed tag names.
func ParseLintian(output string, suppress []string) builder.QualityResult {
	skip := make(map[string]struct{}, len(suppress))
	for _, tag := range suppress {
		skip[strings.TrimSpace(tag)] = struct{}{}
	}

	var res builder.QualityResult
	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(raw)
		if len(line) < 3 || line[1] != ':' || line[2] != ' ' {
			continue
		}
		if _, ok := skip[lintianTag(line)]; ok {
			continue
		}
		switch line[0] {
		case 'E':
			res.Errors++
		case 'W':
			res.Warnings++
		case 'I':
			res.Info++
		}
	}
	return res
}

// lintianTag extracts the tag from "E: pkg: tag-name extra".
func lintianTag(line string) string {
	rest := line[3:]
	if i := strings.Index(rest, ": "); i >= 0 {
		rest = rest[i+2:]
	}
	if fields := strings.Fields(rest); len(fields) > 0 {
		return fields[0]
	}
	return ""
}

func firstOutputLine(out []byte) string {
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return line
}
