package telemetry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// RegressionThreshold is the relative growth over the baseline that counts as
// a regression.
const RegressionThreshold = 0.20

// Baseline is the persisted reference snapshot for regression detection.
type Baseline struct {
	SavedAt         time.Time `toml:"saved_at"`
	Package         string    `toml:"package"`
	Version         string    `toml:"version"`
	DurationSeconds float64   `toml:"duration_seconds"`
	PeakMemoryBytes uint64    `toml:"peak_memory_bytes"`
	PeakCPUPercent  float64   `toml:"peak_cpu_percent"`
	Packages        int       `toml:"packages"`
}

// BaselineFrom captures the metrics of a finished run.
func BaselineFrom(sum BuildSummary) Baseline {
	return Baseline{
		SavedAt:         time.Now().UTC(),
		Package:         sum.Package,
		Version:         sum.Version,
		DurationSeconds: sum.Telemetry.Duration.Seconds(),
		PeakMemoryBytes: sum.Telemetry.PeakMemory,
		PeakCPUPercent:  sum.Telemetry.PeakCPUPercent,
		Packages:        sum.Packages,
	}
}

// LoadBaseline reads path. A missing file reports ok=false without error.
func LoadBaseline(path string) (Baseline, bool, error) {
	var b Baseline
	if _, err := toml.DecodeFile(path, &b); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Baseline{}, false, nil
		}
		return Baseline{}, false, fmt.Errorf("read baseline %s: %w", path, err)
	}
	return b, true, nil
}

// SaveBaseline writes b to path, creating parent directories.
func SaveBaseline(path string, b Baseline) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create baseline dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".baseline-*")
	if err != nil {
		return fmt.Errorf("create baseline: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := toml.NewEncoder(tmp).Encode(b); err != nil {
		tmp.Close()
		return fmt.Errorf("encode baseline: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write baseline: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace baseline: %w", err)
	}
	return nil
}

// Regression compares a run against its baseline.
type Regression struct {
	Baseline         Baseline `json:"baseline" yaml:"baseline"`
	DurationChange   float64  `json:"duration_change" yaml:"duration_change"`
	PeakMemoryChange float64  `json:"peak_memory_change" yaml:"peak_memory_change"`
	Regressed        bool     `json:"regressed" yaml:"regressed"`
	Reasons          []string `json:"reasons,omitempty" yaml:"reasons,omitempty"`
}

// Compare flags a regression when duration or peak memory exceed the
// baseline by more than RegressionThreshold.
func Compare(snap Snapshot, base Baseline) Regression {
	r := Regression{Baseline: base}
	r.DurationChange = change(snap.Duration.Seconds(), base.DurationSeconds)
	r.PeakMemoryChange = change(float64(snap.PeakMemory), float64(base.PeakMemoryBytes))

	if r.DurationChange > RegressionThreshold {
		r.Regressed = true
		r.Reasons = append(r.Reasons, fmt.Sprintf("duration %.0f%% above baseline", r.DurationChange*100))
	}
	if r.PeakMemoryChange > RegressionThreshold {
		r.Regressed = true
		r.Reasons = append(r.Reasons, fmt.Sprintf("peak memory %.0f%% above baseline", r.PeakMemoryChange*100))
	}
	return r
}

// relative change; zero when there is nothing to compare against
func change(current, base float64) float64 {
	if base <= 0 {
		return 0
	}
	return (current - base) / base
}
