package rewriting

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/scene-rewriter/internal/engine"
	"github.com/jonathan/scene-rewriter/internal/scenes"
	"github.com/jonathan/scene-rewriter/internal/types"
)

// DefaultStuckMinutes applies when a requeue request names no threshold
const DefaultStuckMinutes = 10

// Service is the reference rewrite engine. It satisfies engine.Client so the orchestrator can drive
// it in-process or through the HTTP server.
type Service struct {
	store         Store
	model         Model
	now           func() time.Time
	newID         func() string
	contextWindow int
}

var _ engine.Client = (*Service)(nil)

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithClock overrides the time source
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides how run and artifact ids are minted
func WithIDGenerator(newID func() string) ServiceOption {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// WithContextWindow sets how many neighbouring units accompany each rewrite
func WithContextWindow(n int) ServiceOption {
	return func(s *Service) {
		if n >= 0 {
			s.contextWindow = n
		}
	}
}

// NewService creates an engine over store and model
func NewService(store Store, model Model, opts ...ServiceOption) *Service {
	s := &Service{
		store:         store,
		model:         model,
		now:           time.Now,
		newID:         uuid.NewString,
		contextWindow: 1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PutSource splits and stores a source version
func (s *Service) PutSource(ctx context.Context, req types.PutSourceRequest) (*types.PutSourceResponse, error) {
	if err := validateRef(req.SourceRef); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, badRequest("content is required")
	}
	format := req.Format
	if format == "" {
		format = types.FormatText
	}

	split, err := scenes.Split(req.Content, format)
	if err != nil {
		return nil, badRequest("%v", err)
	}
	if len(split.Units) == 0 {
		return nil, badRequest("content has no text")
	}

	src := &Source{
		Ref:       req.SourceRef,
		Format:    format,
		Content:   req.Content,
		Strategy:  split.Strategy,
		Units:     split.Units,
		CreatedAt: s.now(),
	}
	if err := s.store.SaveSource(ctx, src); err != nil {
		if errors.Is(err, ErrSourceChanged) {
			return nil, conflict("%v", err)
		}
		return nil, fmt.Errorf("failed to save source: %w", err)
	}

	log.Printf("Imported source %s version %s: %d %s units", req.SourceID, req.SourceVersionID, len(split.Units), split.Strategy)
	return &types.PutSourceResponse{ContentSize: len(req.Content), UnitCount: len(split.Units)}, nil
}

// Probe reports how the source was split
func (s *Service) Probe(ctx context.Context, ref types.SourceRef) (*types.ProbeResult, error) {
	src, err := s.source(ctx, ref.SourceVersionID)
	if err != nil {
		return nil, err
	}
	return &types.ProbeResult{
		HasUnits:    src.Strategy == types.StrategyScene,
		UnitCount:   len(src.Units),
		UnitNumbers: src.UnitNumbers(),
		Strategy:    src.Strategy,
		ContentSize: len(src.Content),
	}, nil
}

// ScopePlan resolves which units a set of notes touches. Notes that all name their units are planned
// without the model.
func (s *Service) ScopePlan(ctx context.Context, req types.ScopePlanRequest) (*types.ScopePlan, error) {
	if len(req.Notes) == 0 {
		return nil, badRequest("at least one note is required")
	}
	src, err := s.source(ctx, req.SourceVersionID)
	if err != nil {
		return nil, err
	}
	all := src.UnitNumbers()

	explicit := true
	var named []int
	for _, n := range req.Notes {
		if len(n.UnitNumbers) == 0 {
			explicit = false
			break
		}
		named = append(named, n.UnitNumbers...)
	}

	if explicit {
		targets := knownUnits(named, all)
		if len(targets) == 0 {
			return nil, badRequest("notes name no existing units")
		}
		return &types.ScopePlan{
			TargetUnitNumbers:  targets,
			ContextUnitNumbers: neighbours(targets, all, s.contextWindow),
			AtRiskUnitNumbers:  []int{},
			Reason:             "notes name their units",
			PropagationDepth:   0,
			Contracts:          []types.Contract{},
			Debug:              map[string]any{"planner": "explicit"},
		}, nil
	}

	plan, err := s.model.Plan(ctx, PlanInput{Units: src.Units, Notes: req.Notes})
	if err != nil {
		return nil, err
	}
	plan.TargetUnitNumbers = knownUnits(plan.TargetUnitNumbers, all)
	plan.AtRiskUnitNumbers = subtract(knownUnits(plan.AtRiskUnitNumbers, all), plan.TargetUnitNumbers)
	plan.ContextUnitNumbers = subtract(knownUnits(plan.ContextUnitNumbers, all), plan.TargetUnitNumbers)
	if len(plan.ContextUnitNumbers) == 0 {
		plan.ContextUnitNumbers = neighbours(plan.TargetUnitNumbers, all, s.contextWindow)
	}
	for i := range plan.Contracts {
		plan.Contracts[i].UnitNumbers = knownUnits(plan.Contracts[i].UnitNumbers, all)
	}
	if plan.Contracts == nil {
		plan.Contracts = []types.Contract{}
	}
	plan.Debug = map[string]any{"planner": "model"}
	return plan, nil
}

// Enqueue registers a run, appends to one, or reports the active run with the same targets
func (s *Service) Enqueue(ctx context.Context, req types.EnqueueRequest) (*types.EnqueueResponse, error) {
	if err := validateRef(req.SourceRef); err != nil {
		return nil, err
	}
	src, err := s.source(ctx, req.SourceVersionID)
	if err != nil {
		return nil, err
	}
	all := src.UnitNumbers()

	targets := slices.Clone(req.TargetUnitNumbers)
	if len(targets) == 0 {
		targets = all
	}
	slices.Sort(targets)
	targets = slices.Compact(targets)
	for _, t := range targets {
		if !slices.Contains(all, t) {
			return nil, badRequest("unit %d does not exist", t)
		}
	}

	if !req.RunID.IsZero() {
		return s.appendJobs(ctx, req.RunID, req.SourceVersionID, targets, req.PropagationDepth)
	}

	for attempt := 0; attempt < 2; attempt++ {
		active, err := s.store.ActiveRun(ctx, req.SourceVersionID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up active run: %w", err)
		}
		if active != nil {
			if !slices.Equal(active.Targets, targets) {
				return nil, conflict("source version already has active run %s with different targets", active.ID)
			}
			jobs, err := s.store.Jobs(ctx, active.ID)
			if err != nil {
				return nil, err
			}
			return &types.EnqueueResponse{
				RunID:         active.ID,
				TotalUnits:    len(jobs),
				Queued:        countStatus(jobs, types.JobQueued),
				AlreadyExists: true,
			}, nil
		}

		run := &Run{
			ID:              types.RunID(s.newID()),
			SourceID:        req.SourceID,
			SourceVersionID: req.SourceVersionID,
			Account:         AccountFrom(ctx),
			Edits:           slices.Clone(req.Edits),
			Protected:       slices.Clone(req.ProtectedItems),
			Targets:         targets,
			CreatedAt:       s.now(),
		}
		err = s.store.CreateRun(ctx, run)
		if errors.Is(err, ErrActiveRunExists) {
			// Lost a race with a concurrent enqueue; look again
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create run: %w", err)
		}
		log.Printf("Created run %s for source version %s with %d jobs", run.ID, req.SourceVersionID, len(targets))
		return &types.EnqueueResponse{RunID: run.ID, TotalUnits: len(targets), Queued: len(targets)}, nil
	}
	return nil, conflict("source version %s has a concurrently created run", req.SourceVersionID)
}

func (s *Service) appendJobs(ctx context.Context, id types.RunID, sourceVersionID string, targets []int, depth int) (*types.EnqueueResponse, error) {
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.SourceVersionID != sourceVersionID {
		return nil, badRequest("run %s belongs to another source version", id)
	}
	if depth < 0 {
		return nil, badRequest("propagationDepth must not be negative")
	}
	added, err := s.store.AddJobs(ctx, id, targets, depth)
	if errors.Is(err, ErrActiveRunExists) {
		return nil, conflict("source version already has another active run")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to add jobs: %w", err)
	}
	jobs, err := s.store.Jobs(ctx, id)
	if err != nil {
		return nil, err
	}
	log.Printf("Appended %d jobs to run %s", added, id)
	return &types.EnqueueResponse{RunID: id, TotalUnits: len(jobs), Queued: added}, nil
}

// Status reports the jobs of a run
func (s *Service) Status(ctx context.Context, req types.RunRequest) (*types.StatusResponse, error) {
	run, err := s.run(ctx, req)
	if err != nil {
		return nil, err
	}
	records, err := s.store.Jobs(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	jobs := make([]types.Job, len(records))
	for i, r := range records {
		jobs[i] = r.Job()
	}
	agg := types.AggregateJobs(jobs)
	return &types.StatusResponse{
		Total:                  agg.Total,
		Queued:                 agg.Queued,
		Running:                agg.Running,
		Done:                   agg.Done,
		Failed:                 agg.Failed,
		Jobs:                   jobs,
		OldestRunningClaimedAt: agg.OldestRunningClaimedAt,
		PropagationDepth:       run.Depth,
	}, nil
}

// RetryFailed requeues failed jobs
func (s *Service) RetryFailed(ctx context.Context, req types.RetryFailedRequest) (*types.RetryFailedResponse, error) {
	if req.SourceVersionID == "" {
		return nil, badRequest("sourceVersionId is required")
	}
	reset, err := s.store.ResetFailed(ctx, req.SourceVersionID, req.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to reset jobs: %w", err)
	}
	if reset > 0 {
		log.Printf("Requeued %d failed jobs of source version %s", reset, req.SourceVersionID)
	}
	return &types.RetryFailedResponse{Reset: reset}, nil
}

// RequeueStuck requeues jobs claimed longer ago than the threshold
func (s *Service) RequeueStuck(ctx context.Context, req types.RequeueStuckRequest) (*types.RequeueStuckResponse, error) {
	if req.SourceVersionID == "" {
		return nil, badRequest("sourceVersionId is required")
	}
	minutes := req.StuckMinutes
	if minutes <= 0 {
		minutes = DefaultStuckMinutes
	}
	cutoff := s.now().Add(-time.Duration(minutes) * time.Minute)
	requeued, err := s.store.RequeueStuck(ctx, req.SourceVersionID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to requeue jobs: %w", err)
	}
	if requeued > 0 {
		log.Printf("Requeued %d stuck jobs of source version %s", requeued, req.SourceVersionID)
	}
	return &types.RequeueStuckResponse{Requeued: requeued}, nil
}

// ActiveRun returns the active run of a source version, or a zero id
func (s *Service) ActiveRun(ctx context.Context, ref types.SourceRef) (types.RunID, error) {
	if ref.SourceVersionID == "" {
		return "", badRequest("sourceVersionId is required")
	}
	run, err := s.store.ActiveRun(ctx, ref.SourceVersionID)
	if err != nil {
		return "", fmt.Errorf("failed to look up active run: %w", err)
	}
	if run == nil {
		return "", nil
	}
	return run.ID, nil
}

func (s *Service) source(ctx context.Context, sourceVersionID string) (*Source, error) {
	if sourceVersionID == "" {
		return nil, badRequest("sourceVersionId is required")
	}
	return s.store.GetSource(ctx, sourceVersionID)
}

// run resolves the request's run, falling back to the active run of the source version
func (s *Service) run(ctx context.Context, req types.RunRequest) (*Run, error) {
	if !req.RunID.IsZero() {
		run, err := s.store.GetRun(ctx, req.RunID)
		if err != nil {
			return nil, err
		}
		if req.SourceVersionID != "" && run.SourceVersionID != req.SourceVersionID {
			return nil, badRequest("run %s belongs to another source version", req.RunID)
		}
		return run, nil
	}
	if req.SourceVersionID == "" {
		return nil, badRequest("runId or sourceVersionId is required")
	}
	run, err := s.store.ActiveRun(ctx, req.SourceVersionID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up active run: %w", err)
	}
	if run == nil {
		return nil, notFound("no active run for source version %s", req.SourceVersionID)
	}
	return run, nil
}

func validateRef(ref types.SourceRef) error {
	if ref.SourceID == "" {
		return badRequest("sourceId is required")
	}
	if ref.SourceVersionID == "" {
		return badRequest("sourceVersionId is required")
	}
	return nil
}

func countStatus(jobs []JobRecord, status types.JobStatus) int {
	n := 0
	for _, j := range jobs {
		if j.Status == status {
			n++
		}
	}
	return n
}

func subtract(values, remove []int) []int {
	out := []int{}
	for _, v := range values {
		if !slices.Contains(remove, v) {
			out = append(out, v)
		}
	}
	return out
}
