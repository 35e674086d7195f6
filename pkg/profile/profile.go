// Package profile derives a safe architecture-pool size from host capacity.
package profile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Environment classifies the host the run executes on.
type Environment string

const (
	EnvInteractive Environment = "interactive"
	EnvCI          Environment = "ci"
	EnvUnknown     Environment = "unknown"
)

// Floors are the per-architecture-job resource requirements.
type Floors struct {
	Memory uint64
	CPUs   int
	Disk   uint64
}

// DefaultFloors reserves 2 GiB of memory, one core and 5 GiB of disk per job.
var DefaultFloors = Floors{Memory: 2 << 30, CPUs: 1, Disk: 5 << 30}

// DefaultHardCeiling caps parallelism on very large hosts.
const DefaultHardCeiling = 16

// Profile is the detected (or injected) host capacity plus the derived bound.
type Profile struct {
	CPUs        int         `json:"cpus"`
	Memory      uint64      `json:"memory_bytes"`
	DiskFree    uint64      `json:"disk_free_bytes"`
	Environment Environment `json:"environment"`
	Recommended int         `json:"recommended_concurrency"`
}

func (p Profile) String() string {
	return fmt.Sprintf("%d cpus, %s memory, %s disk free, %s environment, recommended %d",
		p.CPUs, humanize.IBytes(p.Memory), humanize.IBytes(p.DiskFree), p.Environment, p.Recommended)
}

// Overrides replaces detected values; zero fields are detected.
type Overrides struct {
	CPUs        int
	Memory      uint64
	DiskFree    uint64
	Environment Environment
}

// Profiler detects capacity and computes concurrency bounds.
type Profiler struct {
	Floors      Floors
	HardCeiling int
	// Path is where disk headroom is measured, normally the work root.
	Path   string
	Logger *slog.Logger

	// detection hooks, replaced in tests
	cpuCount  func(ctx context.Context) (int, error)
	available func(ctx context.Context) (uint64, error)
	diskFree  func(ctx context.Context, path string) (uint64, error)
	getenv    func(string) string
	terminal  func() bool
}

// NewProfiler returns a profiler that measures the host with gopsutil.
func NewProfiler(floors Floors, hardCeiling int, path string, logger *slog.Logger) *Profiler {
	if floors.Memory == 0 {
		floors.Memory = DefaultFloors.Memory
	}
	if floors.CPUs <= 0 {
		floors.CPUs = DefaultFloors.CPUs
	}
	if floors.Disk == 0 {
		floors.Disk = DefaultFloors.Disk
	}
	if hardCeiling <= 0 {
		hardCeiling = DefaultHardCeiling
	}
	if path == "" {
		path = os.TempDir()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Profiler{
		Floors:      floors,
		HardCeiling: hardCeiling,
		Path:        path,
		Logger:      logger,
		cpuCount: func(ctx context.Context) (int, error) {
			return cpu.CountsWithContext(ctx, true)
		},
		available: func(ctx context.Context) (uint64, error) {
			vm, err := mem.VirtualMemoryWithContext(ctx)
			if err != nil {
				return 0, err
			}
			return vm.Available, nil
		},
		diskFree: func(ctx context.Context, path string) (uint64, error) {
			usage, err := disk.UsageWithContext(ctx, path)
			if err != nil {
				return 0, err
			}
			return usage.Free, nil
		},
		getenv: os.Getenv,
		terminal: func() bool {
			return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
		},
	}
}

// Detect measures the host, applying overrides, and computes the recommended
// concurrency.
func (p *Profiler) Detect(ctx context.Context, o Overrides) (Profile, error) {
	prof := Profile{CPUs: o.CPUs, Memory: o.Memory, DiskFree: o.DiskFree, Environment: o.Environment}

	if prof.CPUs <= 0 {
		n, err := p.cpuCount(ctx)
		if err != nil {
			return Profile{}, fmt.Errorf("count cpus: %w", err)
		}
		prof.CPUs = n
	}
	if prof.Memory == 0 {
		m, err := p.available(ctx)
		if err != nil {
			return Profile{}, fmt.Errorf("read memory: %w", err)
		}
		prof.Memory = m
	}
	if prof.DiskFree == 0 {
		d, err := p.diskFree(ctx, p.Path)
		if err != nil {
			return Profile{}, fmt.Errorf("read disk usage of %s: %w", p.Path, err)
		}
		prof.DiskFree = d
	}
	if prof.Environment == "" || prof.Environment == "auto" {
		prof.Environment = p.classify()
	}
	prof.Recommended = p.Compute(prof)
	return prof, nil
}

var ciVariables = []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL", "BUILDKITE", "CIRCLECI", "TRAVIS", "TF_BUILD", "TEAMCITY_VERSION"}

func (p *Profiler) classify() Environment {
	for _, key := range ciVariables {
		v := strings.ToLower(strings.TrimSpace(p.getenv(key)))
		if v != "" && v != "false" && v != "0" {
			return EnvCI
		}
	}
	if p.terminal() {
		return EnvInteractive
	}
	return EnvUnknown
}

// Compute derives the safe number of concurrent architecture jobs from a
// profile: the minimum of the memory, cpu and disk limits, less one slot of
// headroom on shared CI hosts, clamped to [1, HardCeiling].
func (p *Profiler) Compute(prof Profile) int {
	n := min(p.sustainable(prof.Memory, prof.CPUs), int(prof.DiskFree/p.Floors.Disk))
	if prof.Environment == EnvCI {
		n--
	}
	return clamp(n, 1, p.HardCeiling)
}

// sustainable is the job count memory and cpu alone can carry. Disk is
// applied by Compute only, since Degrade has no fresh disk reading.
func (p *Profiler) sustainable(memory uint64, cpus int) int {
	return min(int(memory/p.Floors.Memory), cpus/p.Floors.CPUs)
}

// Resolve combines a user request with the profile. The result never exceeds
// what the profile considers safe, even when more was asked for.
func (p *Profiler) Resolve(requested int, prof Profile) int {
	if requested <= 0 {
		return prof.Recommended
	}
	if requested > prof.Recommended {
		p.Logger.Warn("requested concurrency exceeds host capacity; clamping",
			"requested", requested, "limit", prof.Recommended)
		return prof.Recommended
	}
	return requested
}

// Degrade recomputes a sustainable job count from currently available memory
// and cpu. When requested exceeds it a warning is logged and the sustainable
// count is returned.
func (p *Profiler) Degrade(requested int, availableMemory uint64, availableCPUs int) int {
	sustainable := clamp(p.sustainable(availableMemory, availableCPUs), 1, p.HardCeiling)
	if requested > sustainable {
		p.Logger.Warn("degrading concurrency to fit available resources",
			"requested", requested,
			"sustainable", sustainable,
			"available_memory", humanize.IBytes(availableMemory),
			"available_cpus", availableCPUs)
		return sustainable
	}
	return requested
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
