// Package types provides type definitions for structured data shared by the orchestrator and the rewrite engine.
//
//nolint:revive // types is a standard Go package name pattern
package types

import "time"

// RunID is the opaque identifier scoping every job of one orchestration attempt
type RunID string

// String returns the raw identifier
func (r RunID) String() string {
	return string(r)
}

// IsZero reports whether no run is identified
func (r RunID) IsZero() bool {
	return r == ""
}

// JobStatus is the lifecycle state of a single rewrite job
type JobStatus string

// JobStatus constants
const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Job is one unit of work: the rewrite of a single scene or chunk
type Job struct {
	UnitNumber int        `json:"unit_number"`
	Status     JobStatus  `json:"status"`
	Attempts   int        `json:"attempts"`
	Error      *string    `json:"error,omitempty"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
}

// RunAggregate holds the counts derived from a run's job set
type RunAggregate struct {
	Total                  int        `json:"total"`
	Queued                 int        `json:"queued"`
	Running                int        `json:"running"`
	Done                   int        `json:"done"`
	Failed                 int        `json:"failed"`
	OldestRunningClaimedAt *time.Time `json:"oldest_running_claimed_at,omitempty"`
}

// AggregateJobs recomputes the aggregate from a full job set
func AggregateJobs(jobs []Job) RunAggregate {
	agg := RunAggregate{Total: len(jobs)}
	for _, job := range jobs {
		switch job.Status {
		case JobQueued:
			agg.Queued++
		case JobRunning:
			agg.Running++
			if job.ClaimedAt != nil && (agg.OldestRunningClaimedAt == nil || job.ClaimedAt.Before(*agg.OldestRunningClaimedAt)) {
				claimed := *job.ClaimedAt
				agg.OldestRunningClaimedAt = &claimed
			}
		case JobDone:
			agg.Done++
		case JobFailed:
			agg.Failed++
		}
	}
	return agg
}

// Remaining returns the number of units that have neither completed nor failed
func (a RunAggregate) Remaining() int {
	remaining := a.Total - a.Done - a.Failed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Pending returns the number of jobs still queued or running
func (a RunAggregate) Pending() int {
	return a.Queued + a.Running
}

// AllDone reports whether every job in a non-empty run completed successfully
func (a RunAggregate) AllDone() bool {
	return a.Total > 0 && a.Done == a.Total
}

// Percent returns the share of processed (done or failed) units, 0-100
func (a RunAggregate) Percent() float64 {
	if a.Total <= 0 {
		return 0
	}
	pct := float64(a.Done+a.Failed) / float64(a.Total) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// StuckSince reports whether the oldest running job was claimed longer than threshold before now
func (a RunAggregate) StuckSince(now time.Time, threshold time.Duration) bool {
	if a.Running == 0 || a.OldestRunningClaimedAt == nil || threshold <= 0 {
		return false
	}
	return now.Sub(*a.OldestRunningClaimedAt) > threshold
}

// UnitMetrics describes one processed unit, used for display and ETA estimation
type UnitMetrics struct {
	UnitNumber  int     `json:"unit_number"`
	DurationMs  int64   `json:"duration_ms"`
	InputChars  int     `json:"input_chars"`
	OutputChars int     `json:"output_chars"`
	DeltaPct    float64 `json:"delta_pct"`
	Skipped     bool    `json:"skipped"`
}
