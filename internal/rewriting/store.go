package rewriting

import (
	"context"
	"slices"
	"time"

	"github.com/jonathan/scene-rewriter/internal/scenes"
	"github.com/jonathan/scene-rewriter/internal/types"
)

// Source is an imported source version split into units
type Source struct {
	Ref       types.SourceRef    `json:"ref"`
	Format    types.SourceFormat `json:"format"`
	Content   string             `json:"content"`
	Strategy  types.Strategy     `json:"strategy"`
	Units     []scenes.Unit      `json:"units"`
	CreatedAt time.Time          `json:"created_at"`
}

// Unit returns the unit with ordinal n
func (s *Source) Unit(n int) (scenes.Unit, bool) {
	for _, u := range s.Units {
		if u.Number == n {
			return u, true
		}
	}
	return scenes.Unit{}, false
}

// UnitNumbers returns every unit ordinal, ascending
func (s *Source) UnitNumbers() []int {
	out := make([]int, len(s.Units))
	for i, u := range s.Units {
		out[i] = u.Number
	}
	return out
}

// RunState is the lifecycle of a run
type RunState string

// RunState constants
const (
	RunActive    RunState = "active"
	RunAssembled RunState = "assembled"
)

// Run is a batch of jobs over one source version
type Run struct {
	ID              types.RunID  `json:"id"`
	SourceID        string       `json:"source_id"`
	SourceVersionID string       `json:"source_version_id"`
	Account         string       `json:"account,omitempty"`
	Edits           []types.Note `json:"edits"`
	Protected       []string     `json:"protected"`
	Targets         []int        `json:"targets"`
	Depth           int          `json:"propagation_depth"` // Scope expansions appended so far
	State           RunState     `json:"state"`
	CreatedAt       time.Time    `json:"created_at"`
}

// Clone returns a copy that shares no slices with r
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	c.Edits = slices.Clone(r.Edits)
	c.Protected = slices.Clone(r.Protected)
	c.Targets = slices.Clone(r.Targets)
	return &c
}

// JobRecord is the engine-side state of one job
type JobRecord struct {
	RunID       types.RunID       `json:"run_id"`
	UnitNumber  int               `json:"unit_number"`
	Status      types.JobStatus   `json:"status"`
	Attempts    int               `json:"attempts"`
	Error       *string           `json:"error,omitempty"`
	ClaimedAt   *time.Time        `json:"claimed_at,omitempty"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	Output      *string           `json:"output,omitempty"`
	Metrics     types.UnitMetrics `json:"metrics"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Job returns the client-facing view of the record
func (j JobRecord) Job() types.Job {
	return types.Job{
		UnitNumber: j.UnitNumber,
		Status:     j.Status,
		Attempts:   j.Attempts,
		Error:      j.Error,
		ClaimedAt:  j.ClaimedAt,
	}
}

// JobResult is the outcome of a successful job
type JobResult struct {
	Output      string
	Fingerprint string
	Metrics     types.UnitMetrics
}

// Artifact is an assembled manuscript
type Artifact struct {
	ID              string           `json:"id"`
	SourceID        string           `json:"source_id"`
	SourceVersionID string           `json:"source_version_id"`
	RunID           types.RunID      `json:"run_id"`
	Label           string           `json:"label"`
	Content         string           `json:"content"`
	Provenance      types.Provenance `json:"provenance"`
	CreatedAt       time.Time        `json:"created_at"`
}

// Store persists engine state. Implementations must make ClaimJob atomic: a queued job is handed to
// exactly one caller. Lookups of missing sources and runs return errors wrapping engine.ErrNotFound.
type Store interface {
	// SaveSource stores a source version. Re-importing identical content is a no-op;
	// different content returns ErrSourceChanged.
	SaveSource(ctx context.Context, src *Source) error
	GetSource(ctx context.Context, sourceVersionID string) (*Source, error)

	// CreateRun stores run and one queued job per target. It returns ErrActiveRunExists when the
	// source version already has an active run.
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id types.RunID) (*Run, error)
	// ActiveRun returns the active run of a source version, or nil when there is none
	ActiveRun(ctx context.Context, sourceVersionID string) (*Run, error)
	// AddJobs queues units not yet in the run, reactivates it, raises its depth to at least depth,
	// and returns how many were added
	AddJobs(ctx context.Context, id types.RunID, units []int, depth int) (int, error)

	// ClaimJob marks the lowest-numbered queued job running and returns it, or nil when none is queued
	ClaimJob(ctx context.Context, id types.RunID, now time.Time) (*JobRecord, error)
	// ReleaseJob returns a claimed job to the queue without counting the attempt
	ReleaseJob(ctx context.Context, id types.RunID, unit int) error
	CompleteJob(ctx context.Context, id types.RunID, unit int, result JobResult) error
	FailJob(ctx context.Context, id types.RunID, unit int, message string) error
	// Jobs returns the run's jobs ordered by unit number
	Jobs(ctx context.Context, id types.RunID) ([]JobRecord, error)

	// ResetFailed requeues failed jobs of a source version, limited to one run when id is set
	ResetFailed(ctx context.Context, sourceVersionID string, id types.RunID) (int, error)
	// RequeueStuck requeues running jobs of a source version claimed before the cutoff
	RequeueStuck(ctx context.Context, sourceVersionID string, claimedBefore time.Time) (int, error)
	// FindOutput returns a completed job of the source version with the same unit and fingerprint,
	// or nil when there is none
	FindOutput(ctx context.Context, sourceVersionID string, unit int, fingerprint string) (*JobRecord, error)

	// SaveArtifact stores an artifact and marks its run assembled
	SaveArtifact(ctx context.Context, artifact *Artifact) error
	GetArtifact(ctx context.Context, id string) (*Artifact, error)

	// ConsumeCredit spends one rewrite credit of account. Accounts without a balance are unmetered.
	// It returns an error wrapping engine.ErrCreditsExhausted when the balance is zero.
	ConsumeCredit(ctx context.Context, account string) error
}
