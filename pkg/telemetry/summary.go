package telemetry

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cheynewallace/tabby"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/ranjithrajv/debian-multiarch-builder/pkg/builder"
)

// Failure is one failed unit in the report.
type Failure struct {
	Arch     string   `json:"arch" yaml:"arch"`
	Dist     string   `json:"dist,omitempty" yaml:"dist,omitempty"`
	Category Category `json:"category" yaml:"category"`
	Error    string   `json:"error" yaml:"error"`
}

// BuildSummary is the structured outcome of a whole matrix run.
type BuildSummary struct {
	Package         string                    `json:"package" yaml:"package"`
	Version         string                    `json:"version" yaml:"version"`
	Success         bool                      `json:"success" yaml:"success"`
	Concurrency     int                       `json:"concurrency" yaml:"concurrency"`
	Packages        int                       `json:"packages" yaml:"packages"`
	FailedDists     int                       `json:"failed_distributions" yaml:"failed_distributions"`
	SkippedDists    int                       `json:"skipped_distributions" yaml:"skipped_distributions"`
	SkippedArchs    int                       `json:"skipped_architectures" yaml:"skipped_architectures"`
	FailedArchs     int                       `json:"failed_architectures" yaml:"failed_architectures"`
	TotalSize       int64                     `json:"total_size_bytes" yaml:"total_size_bytes"`
	Duration        time.Duration             `json:"duration" yaml:"duration"`
	Architectures   []builder.ArchitectureJob `json:"architectures" yaml:"architectures"`
	Failures        []Failure                 `json:"failures,omitempty" yaml:"failures,omitempty"`
	FailureCategory Category                  `json:"failure_category,omitempty" yaml:"failure_category,omitempty"`
	Telemetry       Snapshot                  `json:"telemetry" yaml:"telemetry"`
	Regression      *Regression               `json:"regression,omitempty" yaml:"regression,omitempty"`
}

// Summarize aggregates terminal architecture jobs. Completion order does not
// matter; the report is sorted by architecture then distribution.
func Summarize(req builder.BuildRequest, jobs []builder.ArchitectureJob, snap Snapshot, concurrency int) BuildSummary {
	sorted := append([]builder.ArchitectureJob(nil), jobs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Arch < sorted[j].Arch })

	sum := BuildSummary{
		Package:       req.Package,
		Version:       req.Version,
		Concurrency:   concurrency,
		Duration:      snap.Duration,
		Architectures: sorted,
		Telemetry:     snap,
	}

	for i := range sorted {
		job := &sorted[i]
		job.Dists = append([]builder.DistributionJob(nil), job.Dists...)
		sort.Slice(job.Dists, func(a, b int) bool { return job.Dists[a].Dist < job.Dists[b].Dist })

		switch job.State {
		case builder.ArchSkipped:
			sum.SkippedArchs++
		case builder.ArchFailed:
			sum.FailedArchs++
		}
		if job.Error != "" && len(job.Dists) == 0 {
			sum.Failures = append(sum.Failures, Failure{Arch: job.Arch, Category: Category(job.Category), Error: job.Error})
		}
		for _, d := range job.Dists {
			switch d.State {
			case builder.DistSuccess:
				sum.Packages++
				sum.TotalSize += d.Size
			case builder.DistFailed:
				sum.FailedDists++
				sum.Failures = append(sum.Failures, Failure{Arch: d.Arch, Dist: d.Dist, Category: Category(d.Category), Error: d.Error})
			case builder.DistSkipped:
				sum.SkippedDists++
			}
		}
	}

	sum.Success = sum.Packages > 0
	if !sum.Success {
		sum.FailureCategory = dominantCategory(sum.Failures)
	}
	return sum
}

// dominantCategory is the most frequent failure category, ties going to the
// one seen first.
func dominantCategory(failures []Failure) Category {
	if len(failures) == 0 {
		// nothing failed, everything was skipped
		return CategoryConfiguration
	}
	counts := make(map[Category]int)
	var order []Category
	for _, f := range failures {
		if counts[f.Category] == 0 {
			order = append(order, f.Category)
		}
		counts[f.Category]++
	}
	best := order[0]
	for _, c := range order[1:] {
		if counts[c] > counts[best] {
			best = c
		}
	}
	return best
}

// Print renders the outcome table and totals.
func (s BuildSummary) Print(w io.Writer) {
	t := tabby.NewCustom(tabwriter.NewWriter(w, 0, 0, 2, ' ', 0))
	t.AddHeader("ARCH", "DIST", "STATE", "SIZE", "QUALITY", "DETAIL")
	for _, job := range s.Architectures {
		if len(job.Dists) == 0 {
			t.AddLine(job.Arch, "-", job.State, "-", "-", firstLine(nonEmpty(job.Error, job.Note)))
			continue
		}
		for _, d := range job.Dists {
			size, quality := "-", "-"
			if d.Size > 0 {
				size = humanize.IBytes(uint64(d.Size))
			}
			if d.Quality != nil {
				quality = fmt.Sprintf("E%d W%d I%d", d.Quality.Errors, d.Quality.Warnings, d.Quality.Info)
			}
			detail := d.Error
			if d.Category != "" {
				detail = fmt.Sprintf("[%s] %s", d.Category, firstLine(d.Error))
			}
			t.AddLine(job.Arch, d.Dist, d.State, size, quality, firstLine(detail))
		}
	}
	t.Print()

	status := "SUCCESS"
	if !s.Success {
		status = fmt.Sprintf("FAILED (%s)", s.FailureCategory)
	}
	fmt.Fprintf(w, "\n%s: %d packages, %d failed, %d skipped distributions, %d skipped architectures, %s total in %s (concurrency %d)\n",
		status, s.Packages, s.FailedDists, s.SkippedDists, s.SkippedArchs,
		humanize.IBytes(uint64(s.TotalSize)), s.Duration.Round(time.Millisecond), s.Concurrency)
	fmt.Fprintf(w, "peak memory %s, peak cpu %.1f%%, network %s down / %s up\n",
		humanize.IBytes(s.Telemetry.PeakMemory), s.Telemetry.PeakCPUPercent,
		humanize.IBytes(s.Telemetry.NetBytesRecv), humanize.IBytes(s.Telemetry.NetBytesSent))
	if s.Regression != nil && s.Regression.Regressed {
		fmt.Fprintf(w, "regression against baseline: %s\n", strings.Join(s.Regression.Reasons, "; "))
	}
}

// Write stores the summary at path as "json" or "yaml".
func (s BuildSummary) Write(path, format string) error {
	var (
		data []byte
		err  error
	)
	switch format {
	case "yaml":
		data, err = yaml.Marshal(s)
	case "json", "":
		data, err = json.MarshalIndent(s, "", "  ")
	default:
		return fmt.Errorf("unsupported summary format %q", format)
	}
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create summary dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

// ReadSummary loads a summary written by Write, choosing the decoder from
// the file extension.
func ReadSummary(path string) (BuildSummary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return BuildSummary{}, fmt.Errorf("read summary: %w", err)
	}
	var sum BuildSummary
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &sum)
	default:
		err = json.Unmarshal(data, &sum)
	}
	if err != nil {
		return BuildSummary{}, fmt.Errorf("decode summary %s: %w", path, err)
	}
	return sum, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func nonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
