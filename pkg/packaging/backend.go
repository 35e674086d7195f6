// Package packaging turns an extracted binary tree into a Debian package and
// checks the result.
package packaging

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ranjithrajv/debian-multiarch-builder/pkg/builder"
)

// DefaultCommand builds one package inside a container for the target
// platform and exports the output directory to the host.
const DefaultCommand = `docker buildx build --platform "$MULTIARCH_PLATFORM" \
  --file "$MULTIARCH_DOCKERFILE" \
  --build-arg PACKAGE="$MULTIARCH_PACKAGE" \
  --build-arg VERSION="$MULTIARCH_FULL_VERSION" \
  --build-arg ARCH="$MULTIARCH_ARCH" \
  --build-arg DIST="$MULTIARCH_DIST" \
  --build-arg MAINTAINER="$MULTIARCH_MAINTAINER" \
  --build-arg DESCRIPTION="$MULTIARCH_DESCRIPTION" \
  --build-context binaries="$MULTIARCH_BINARY_ROOT" \
  --output "type=local,dest=$MULTIARCH_OUTPUT_DIR" .`

// tailLines is how much backend output is kept for failure classification.
const tailLines = 40

// ErrNoArtifact means the backend exited cleanly without producing the
// expected package file.
var ErrNoArtifact = errors.New("backend produced no artifact")

// Spec is everything one distribution build needs.
type Spec struct {
	Request    builder.BuildRequest
	Arch       string
	Dist       string
	BinaryRoot string
	OutputDir  string
	WorkDir    string
}

// ArtifactPath is where the backend must leave the package.
func (s Spec) ArtifactPath() string {
	return filepath.Join(s.OutputDir, s.Request.ArtifactName(s.Arch, s.Dist))
}

// Artifact is a produced package file.
type Artifact struct {
	Path string
	Size int64
}

// LogFunc receives backend output one line at a time.
type LogFunc func(line string)

// Backend produces one package per (architecture, distribution).
type Backend interface {
	Build(ctx context.Context, spec Spec, log LogFunc) (Artifact, error)
}

// BuildError carries the exit failure plus the last lines of output.
type BuildError struct {
	Err  error
	Tail []string
}

func (e *BuildError) Error() string {
	if len(e.Tail) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v\n%s", e.Err, strings.Join(e.Tail, "\n"))
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// ShellBackend runs a shell command per build with the build described in
// MULTIARCH_* environment variables.
type ShellBackend struct {
	Command    string
	Dockerfile string
	Logger     *slog.Logger
}

// NewShellBackend returns a backend running command, or DefaultCommand when
// command is empty.
func NewShellBackend(command, dockerfile string, logger *slog.Logger) *ShellBackend {
	if strings.TrimSpace(command) == "" {
		command = DefaultCommand
	}
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ShellBackend{Command: command, Dockerfile: dockerfile, Logger: logger}
}

// Environment returns the variables describing spec to the command.
func (b *ShellBackend) Environment(spec Spec) []string {
	req := spec.Request
	md := req.Metadata
	dockerfile := b.Dockerfile
	if abs, err := filepath.Abs(dockerfile); err == nil {
		dockerfile = abs
	}
	return []string{
		"MULTIARCH_PACKAGE=" + req.Package,
		"MULTIARCH_VERSION=" + req.Version,
		fmt.Sprintf("MULTIARCH_BUILD=%d", req.Build),
		"MULTIARCH_FULL_VERSION=" + req.FullVersion(spec.Dist),
		"MULTIARCH_ARCH=" + spec.Arch,
		"MULTIARCH_DIST=" + spec.Dist,
		"MULTIARCH_PLATFORM=" + Platform(spec.Arch),
		"MULTIARCH_BINARY_ROOT=" + spec.BinaryRoot,
		"MULTIARCH_OUTPUT_DIR=" + spec.OutputDir,
		"MULTIARCH_ARTIFACT=" + spec.ArtifactPath(),
		"MULTIARCH_DOCKERFILE=" + dockerfile,
		"MULTIARCH_MAINTAINER=" + md.Maintainer,
		"MULTIARCH_DESCRIPTION=" + md.Description,
		"MULTIARCH_HOMEPAGE=" + md.Homepage,
		"MULTIARCH_LICENSE=" + md.License,
		"MULTIARCH_SECTION=" + md.Section,
		"MULTIARCH_PRIORITY=" + md.Priority,
		"MULTIARCH_DEPENDS=" + strings.Join(md.Depends, ", "),
	}
}

// Build runs the command and checks that the named artifact exists.
func (b *ShellBackend) Build(ctx context.Context, spec Spec, log LogFunc) (Artifact, error) {
	if err := os.MkdirAll(spec.OutputDir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("create output dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", b.Command)
	cmd.Dir = spec.WorkDir
	cmd.Env = append(os.Environ(), b.Environment(spec)...)
	// kill the whole process group so grandchildren holding the pipes die too
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Artifact{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Artifact{}, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return Artifact{}, fmt.Errorf("start backend: %w", err)
	}

	tail := newTail(tailLines)
	sink := func(line string) {
		tail.add(line)
		if log != nil {
			log(line)
		}
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go streamPipe(stdout, sink, &wg)
	go streamPipe(stderr, sink, &wg)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("backend: %w", ctx.Err())
		} else {
			err = fmt.Errorf("backend: %w", err)
		}
		return Artifact{}, &BuildError{Err: err, Tail: tail.lines()}
	}

	path := spec.ArtifactPath()
	info, err := os.Stat(path)
	if err != nil {
		return Artifact{}, &BuildError{Err: fmt.Errorf("%w: %s", ErrNoArtifact, filepath.Base(path)), Tail: tail.lines()}
	}
	b.Logger.Debug("backend produced artifact", "arch", spec.Arch, "dist", spec.Dist, "path", path)
	return Artifact{Path: path, Size: info.Size()}, nil
}

func streamPipe(pipe io.Reader, sink LogFunc, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		sink(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		sink(fmt.Sprintf("log stream error: %v", err))
	}
}

type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []string
}

func newTail(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, line)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
}

func (t *tailBuffer) lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.buf...)
}

var platforms = map[string]string{
	"amd64":    "linux/amd64",
	"arm64":    "linux/arm64",
	"armhf":    "linux/arm/v7",
	"armel":    "linux/arm/v5",
	"i386":     "linux/386",
	"ppc64el":  "linux/ppc64le",
	"s390x":    "linux/s390x",
	"riscv64":  "linux/riscv64",
	"mips64el": "linux/mips64le",
	"loong64":  "linux/loong64",
}

// Platform maps a Debian architecture to the container platform string.
func Platform(arch string) string {
	if p, ok := platforms[arch]; ok {
		return p
	}
	return "linux/" + arch
}
