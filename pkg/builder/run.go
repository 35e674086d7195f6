package builder

import (
	"encoding/json"
	"time"
)

// RunStatus represents the lifecycle state of a whole matrix run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Finished reports whether the run has reached a terminal status.
func (s RunStatus) Finished() bool {
	return s == RunSucceeded || s == RunFailed
}

// Run describes a matrix build tracked by the run store.
type Run struct {
	ID         string          `json:"id"`
	Package    string          `json:"package"`
	Repository string          `json:"repository"`
	Version    string          `json:"version"`
	Status     RunStatus       `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
	Error      string          `json:"error,omitempty"`
	Summary    json.RawMessage `json:"summary,omitempty"`
}

// NewRun creates a queued run record for a request.
func NewRun(id string, req BuildRequest) Run {
	now := time.Now().UTC()
	return Run{
		ID:         id,
		Package:    req.Package,
		Repository: req.Repository,
		Version:    req.Version,
		Status:     RunQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}
