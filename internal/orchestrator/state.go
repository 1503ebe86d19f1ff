package orchestrator

import (
	"slices"
	"time"

	"github.com/jonathan/scene-rewriter/internal/engine"
	"github.com/jonathan/scene-rewriter/internal/eta"
	"github.com/jonathan/scene-rewriter/internal/types"
)

// Phase is the orchestrator's state machine value
type Phase string

// Phase constants
const (
	PhaseIdle       Phase = "idle"
	PhaseProbing    Phase = "probing"
	PhaseEnqueuing  Phase = "enqueuing"
	PhaseProcessing Phase = "processing"
	PhaseAssembling Phase = "assembling"
	PhaseComplete   Phase = "complete"
	PhaseError      Phase = "error"
)

// Busy reports whether an operation is in flight
func (p Phase) Busy() bool {
	switch p {
	case PhaseProbing, PhaseEnqueuing, PhaseProcessing, PhaseAssembling:
		return true
	default:
		return false
	}
}

// Notice is a blocking, user-facing message raised for precondition and resource-exhaustion errors
type Notice struct {
	Class      engine.Class  `json:"class"`
	Message    string        `json:"message"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// PipelineState is the single source of truth observed by callers.
// It only changes through Reduce.
type PipelineState struct {
	Phase        Phase                 `json:"phase"`
	RunID        types.RunID           `json:"run_id,omitempty"`
	Aggregate    types.RunAggregate    `json:"aggregate"`
	Jobs         []types.Job           `json:"jobs,omitempty"`
	Probe        *types.ProbeResult    `json:"probe,omitempty"`
	Plan         *types.ScopePlan      `json:"plan,omitempty"`
	Verification *types.Verification   `json:"verification,omitempty"`
	Assembled    *types.AssembleResult `json:"assembled,omitempty"`
	LastUnit     *types.UnitMetrics    `json:"last_unit,omitempty"`

	EtaMs           int64     `json:"eta_ms"`
	AvgUnitMs       int64     `json:"avg_unit_ms"`
	SmoothedPercent float64   `json:"smoothed_percent"`
	LastProgressAt  time.Time `json:"last_progress_at"`

	Notice    *Notice `json:"notice,omitempty"`
	LastError string  `json:"last_error,omitempty"`
}

// Clone returns a copy that shares no mutable data with s
func (s PipelineState) Clone() PipelineState {
	c := s
	c.Jobs = slices.Clone(s.Jobs)
	c.Plan = s.Plan.Clone()
	if s.Probe != nil {
		p := *s.Probe
		p.UnitNumbers = slices.Clone(s.Probe.UnitNumbers)
		c.Probe = &p
	}
	if s.Verification != nil {
		v := *s.Verification
		v.Failures = slices.Clone(s.Verification.Failures)
		c.Verification = &v
	}
	if s.Assembled != nil {
		a := *s.Assembled
		c.Assembled = &a
	}
	if s.LastUnit != nil {
		m := *s.LastUnit
		c.LastUnit = &m
	}
	if s.Notice != nil {
		n := *s.Notice
		c.Notice = &n
	}
	return c
}

// Event is an input to Reduce
type Event interface {
	event()
}

// ProbeStarted begins a probe
type ProbeStarted struct{}

// ProbeSucceeded records a probe result
type ProbeSucceeded struct{ Result *types.ProbeResult }

// ProbeFailed returns to idle after a transient probe failure
type ProbeFailed struct{ Err error }

// PlanReady installs the active scope plan
type PlanReady struct{ Plan *types.ScopePlan }

// EnqueueStarted begins an enqueue
type EnqueueStarted struct{}

// EnqueueSucceeded records a registered batch. Append is set when jobs were added to an existing run.
type EnqueueSucceeded struct {
	RunID  types.RunID
	Total  int
	Queued int
	Append bool
}

// EnqueueFailed returns to idle after a transient enqueue failure
type EnqueueFailed struct{ Err error }

// ProcessingStarted enters the processing loop for a run
type ProcessingStarted struct{ RunID types.RunID }

// ClaimProcessed applies one claim result optimistically
type ClaimProcessed struct{ Claim *types.ClaimResponse }

// StatusRefreshed replaces the job set with the authoritative status
type StatusRefreshed struct {
	RunID  types.RunID
	Status *types.StatusResponse
}

// ProcessingStopped returns to idle when the loop was stopped
type ProcessingStopped struct{}

// ProcessingFinished lands in the terminal phase implied by the aggregate
type ProcessingFinished struct{}

// VerificationRecorded stores a fresh verification
type VerificationRecorded struct{ Verification *types.Verification }

// RetryScheduled returns to idle after failed or stuck jobs were requeued
type RetryScheduled struct{}

// AssembleStarted begins assembly
type AssembleStarted struct{}

// AssembleSucceeded records the artifact and completes the run
type AssembleSucceeded struct{ Result *types.AssembleResult }

// AssembleFailed returns to idle after a transient assembly failure
type AssembleFailed struct{ Err error }

// Failed moves to the error phase with a blocking notice
type Failed struct {
	Err    error
	Notice *Notice
}

// EstimateUpdated copies estimator output into the state
type EstimateUpdated struct{ Estimate eta.Estimate }

// RunRecovered installs a run identity found by lookup
type RunRecovered struct{ RunID types.RunID }

// ResetRequested discards all run state
type ResetRequested struct{}

func (ProbeStarted) event()         {}
func (ProbeSucceeded) event()       {}
func (ProbeFailed) event()          {}
func (PlanReady) event()            {}
func (EnqueueStarted) event()       {}
func (EnqueueSucceeded) event()     {}
func (EnqueueFailed) event()        {}
func (ProcessingStarted) event()    {}
func (ClaimProcessed) event()       {}
func (StatusRefreshed) event()      {}
func (ProcessingStopped) event()    {}
func (ProcessingFinished) event()   {}
func (VerificationRecorded) event() {}
func (RetryScheduled) event()       {}
func (AssembleStarted) event()      {}
func (AssembleSucceeded) event()    {}
func (AssembleFailed) event()       {}
func (Failed) event()               {}
func (EstimateUpdated) event()      {}
func (RunRecovered) event()         {}
func (ResetRequested) event()       {}

// Reduce returns the state that results from applying ev to s.
// It never mutates s. Starting an operation while another is in flight returns ErrBusy and s unchanged.
func Reduce(s PipelineState, ev Event) (PipelineState, error) {
	next := s.Clone()

	switch e := ev.(type) {
	case ProbeStarted:
		if s.Phase.Busy() {
			return s, ErrBusy
		}
		next.Phase = PhaseProbing
		next.Notice = nil

	case ProbeSucceeded:
		next.Phase = PhaseIdle
		next.Probe = e.Result

	case ProbeFailed:
		next.Phase = PhaseIdle
		next.LastError = errorText(e.Err)

	case PlanReady:
		next.Plan = e.Plan.Clone()

	case EnqueueStarted:
		if s.Phase.Busy() {
			return s, ErrBusy
		}
		next.Phase = PhaseEnqueuing
		next.Notice = nil
		next.LastError = ""

	case EnqueueSucceeded:
		next.Phase = PhaseProcessing
		if e.Append && e.RunID == s.RunID {
			next.Aggregate.Queued += e.Queued
			if e.Total > 0 {
				next.Aggregate.Total = e.Total
			} else {
				next.Aggregate.Total += e.Queued
			}
		} else {
			next.Jobs = nil
			next.Aggregate = types.RunAggregate{Total: e.Total, Queued: e.Queued}
			next.Assembled = nil
		}
		next.RunID = e.RunID

	case EnqueueFailed:
		next.Phase = PhaseIdle
		next.LastError = errorText(e.Err)

	case ProcessingStarted:
		if s.Phase == PhaseProbing || s.Phase == PhaseEnqueuing || s.Phase == PhaseAssembling {
			return s, ErrBusy
		}
		next.Phase = PhaseProcessing
		next.RunID = e.RunID

	case ClaimProcessed:
		applyClaim(&next, e.Claim)

	case StatusRefreshed:
		if e.RunID != "" {
			next.RunID = e.RunID
		}
		if e.Status != nil {
			next.Aggregate = e.Status.Aggregate()
			next.Jobs = sortedJobs(e.Status.Jobs)
		}

	case ProcessingStopped:
		next.Phase = PhaseIdle

	case ProcessingFinished:
		next.Phase = terminalPhase(next.Aggregate)

	case VerificationRecorded:
		next.Verification = e.Verification

	case RetryScheduled:
		next.Phase = PhaseIdle
		next.Notice = nil
		next.LastError = ""

	case AssembleStarted:
		if s.Phase == PhaseProbing || s.Phase == PhaseEnqueuing || s.Phase == PhaseAssembling {
			return s, ErrBusy
		}
		next.Phase = PhaseAssembling

	case AssembleSucceeded:
		next.Phase = PhaseComplete
		next.Assembled = e.Result
		next.RunID = ""
		next.SmoothedPercent = 100
		next.EtaMs = 0

	case AssembleFailed:
		next.Phase = PhaseIdle
		next.LastError = errorText(e.Err)

	case Failed:
		next.Phase = PhaseError
		next.Notice = e.Notice
		next.LastError = errorText(e.Err)

	case EstimateUpdated:
		next.EtaMs = e.Estimate.EtaMs
		next.AvgUnitMs = e.Estimate.AvgUnitMs
		next.SmoothedPercent = e.Estimate.SmoothedPercent
		next.LastProgressAt = e.Estimate.LastProgressAt

	case RunRecovered:
		next.RunID = e.RunID

	case ResetRequested:
		if s.Phase.Busy() {
			return s, ErrBusy
		}
		return PipelineState{Phase: PhaseIdle, Probe: next.Probe}, nil
	}

	return next, nil
}

// terminalPhase is complete iff every job is done, error iff some failed and nothing is pending, idle otherwise
func terminalPhase(agg types.RunAggregate) Phase {
	switch {
	case agg.AllDone():
		return PhaseComplete
	case agg.Failed > 0 && agg.Pending() == 0:
		return PhaseError
	default:
		return PhaseIdle
	}
}

func applyClaim(s *PipelineState, claim *types.ClaimResponse) {
	if claim == nil || !claim.Processed {
		return
	}
	status := claim.Status
	if status == "" {
		status = types.JobDone
	}

	idx := slices.IndexFunc(s.Jobs, func(j types.Job) bool { return j.UnitNumber == claim.UnitNumber })
	if idx >= 0 {
		adjust(&s.Aggregate, s.Jobs[idx].Status, -1)
	} else if s.Aggregate.Queued > 0 {
		s.Aggregate.Queued--
	}
	adjust(&s.Aggregate, status, 1)

	job := types.Job{UnitNumber: claim.UnitNumber, Status: status, Attempts: claim.Attempts}
	if claim.Error != "" {
		msg := claim.Error
		job.Error = &msg
	}
	if idx >= 0 {
		s.Jobs[idx] = job
	} else {
		s.Jobs = sortedJobs(append(s.Jobs, job))
	}

	metrics := claim.Metrics()
	s.LastUnit = &metrics
}

func adjust(agg *types.RunAggregate, status types.JobStatus, delta int) {
	switch status {
	case types.JobQueued:
		agg.Queued = max(agg.Queued+delta, 0)
	case types.JobRunning:
		agg.Running = max(agg.Running+delta, 0)
	case types.JobDone:
		agg.Done = max(agg.Done+delta, 0)
	case types.JobFailed:
		agg.Failed = max(agg.Failed+delta, 0)
	}
}

func sortedJobs(jobs []types.Job) []types.Job {
	out := slices.Clone(jobs)
	slices.SortStableFunc(out, func(a, b types.Job) int { return a.UnitNumber - b.UnitNumber })
	return out
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
