//nolint:revive // types is a standard Go package name pattern
package types

import "time"

// Action names of the engine RPC surface
const (
	ActionPutSource       = "put_source"
	ActionProbe           = "probe"
	ActionScopePlan       = "scope_plan"
	ActionEnqueue         = "enqueue"
	ActionClaimNext       = "claim_next"
	ActionStatus          = "status"
	ActionRetryFailed     = "retry_failed"
	ActionRequeueStuck    = "requeue_stuck"
	ActionVerify          = "verify"
	ActionAssemble        = "assemble"
	ActionActiveRunLookup = "active_run_lookup"
)

// SourceRef identifies one version of a source document
type SourceRef struct {
	SourceID        string `json:"sourceId"`
	SourceVersionID string `json:"sourceVersionId"`
}

// Key returns the side-channel key for this source version
func (s SourceRef) Key() string {
	return "rewrite-run:" + s.SourceID + ":" + s.SourceVersionID
}

// SourceFormat is the markup of imported source content
type SourceFormat string

// SourceFormat constants
const (
	FormatText SourceFormat = "text"
	FormatHTML SourceFormat = "html"
)

// PutSourceRequest imports content for a source version
type PutSourceRequest struct {
	SourceRef
	Content string       `json:"content"`
	Format  SourceFormat `json:"format,omitempty"`
}

// PutSourceResponse acknowledges an import
type PutSourceResponse struct {
	ContentSize int `json:"content_size"`
	UnitCount   int `json:"unit_count"`
}

// ScopePlanRequest asks the remote planner for a plan
type ScopePlanRequest struct {
	SourceRef
	Notes []Note `json:"notes"`
}

// EnqueueRequest registers a batch of jobs.
// An empty TargetUnitNumbers means every unit. A non-empty RunID appends to that run, and
// PropagationDepth then records how many scope expansions the run has gone through.
type EnqueueRequest struct {
	SourceRef
	Edits             []Note   `json:"edits"`
	ProtectedItems    []string `json:"protectedItems"`
	TargetUnitNumbers []int    `json:"targetUnitNumbers,omitempty"`
	RunID             RunID    `json:"runId,omitempty"`
	PropagationDepth  int      `json:"propagationDepth,omitempty"`
}

// EnqueueResponse reports the registered batch
type EnqueueResponse struct {
	RunID         RunID `json:"runId"`
	TotalUnits    int   `json:"totalUnits"`
	Queued        int   `json:"queued"`
	AlreadyExists bool  `json:"alreadyExists,omitempty"`
}

// RunRequest addresses one run of a source version
type RunRequest struct {
	RunID           RunID  `json:"runId"`
	SourceVersionID string `json:"sourceVersionId"`
}

// ClaimResponse is the outcome of one claim-and-execute call
type ClaimResponse struct {
	Processed   bool      `json:"processed"`
	UnitNumber  int       `json:"unit_number,omitempty"`
	Status      JobStatus `json:"status,omitempty"`
	Attempts    int       `json:"attempts,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	InputChars  int       `json:"input_chars"`
	OutputChars int       `json:"output_chars"`
	DeltaPct    float64   `json:"delta_pct"`
	Skipped     bool      `json:"skipped"`
	Error       string    `json:"error,omitempty"`
	Done        bool      `json:"done"`
}

// Metrics extracts the per-unit metrics of a processed claim
func (c *ClaimResponse) Metrics() UnitMetrics {
	return UnitMetrics{
		UnitNumber:  c.UnitNumber,
		DurationMs:  c.DurationMs,
		InputChars:  c.InputChars,
		OutputChars: c.OutputChars,
		DeltaPct:    c.DeltaPct,
		Skipped:     c.Skipped,
	}
}

// StatusResponse is the authoritative view of a run
type StatusResponse struct {
	Total                  int        `json:"total"`
	Queued                 int        `json:"queued"`
	Running                int        `json:"running"`
	Done                   int        `json:"done"`
	Failed                 int        `json:"failed"`
	Jobs                   []Job      `json:"jobs"`
	OldestRunningClaimedAt *time.Time `json:"oldest_running_claimed_at,omitempty"`
	PropagationDepth       int        `json:"propagation_depth,omitempty"` // Scope expansions recorded on the run
}

// Aggregate returns the run aggregate. The job set is authoritative when it is complete;
// otherwise the reported counts are used.
func (s *StatusResponse) Aggregate() RunAggregate {
	if len(s.Jobs) > 0 && len(s.Jobs) == s.Total {
		return AggregateJobs(s.Jobs)
	}
	return RunAggregate{
		Total:                  s.Total,
		Queued:                 s.Queued,
		Running:                s.Running,
		Done:                   s.Done,
		Failed:                 s.Failed,
		OldestRunningClaimedAt: s.OldestRunningClaimedAt,
	}
}

// UnitNumbers returns the unit numbers of every job in the run
func (s *StatusResponse) UnitNumbers() []int {
	units := make([]int, 0, len(s.Jobs))
	for _, job := range s.Jobs {
		units = append(units, job.UnitNumber)
	}
	return units
}

// RetryFailedRequest resets failed jobs of a source version
type RetryFailedRequest struct {
	SourceVersionID string `json:"sourceVersionId"`
	RunID           RunID  `json:"runId,omitempty"`
}

// RetryFailedResponse reports how many jobs were reset
type RetryFailedResponse struct {
	Reset int `json:"reset"`
}

// RequeueStuckRequest requeues jobs running longer than StuckMinutes
type RequeueStuckRequest struct {
	SourceVersionID string `json:"sourceVersionId"`
	StuckMinutes    int    `json:"stuckMinutes"`
}

// RequeueStuckResponse reports how many jobs were requeued
type RequeueStuckResponse struct {
	Requeued int `json:"requeued"`
}

// VerifyRequest checks cross-unit invariants after a pass
type VerifyRequest struct {
	SourceVersionID string     `json:"sourceVersionId"`
	RunID           RunID      `json:"runId,omitempty"`
	ScopePlan       *ScopePlan `json:"scopePlan"`
}

// AssembleRequest composes the final artifact
type AssembleRequest struct {
	RunID RunID `json:"runId"`
	SourceRef
	Provenance Provenance `json:"provenance"`
}

// ActiveRunResponse holds the active run, if any
type ActiveRunResponse struct {
	RunID RunID `json:"runId,omitempty"`
}

// ErrorResponse is the error body returned by the engine
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Engine error codes
const (
	CodeUnauthenticated  = "unauthenticated"
	CodeCreditsExhausted = "credits_exhausted"
	CodeRateLimited      = "rate_limited"
	CodeNotFound         = "not_found"
	CodeConflict         = "conflict"
	CodeInvalidRequest   = "invalid_request"
	CodeInternal         = "internal"
)
