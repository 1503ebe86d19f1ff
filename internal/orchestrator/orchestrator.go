// Package orchestrator drives a remote queue of per-scene rewrite jobs through probing, planning,
// enqueuing, one-at-a-time processing, verification, bounded scope expansion and assembly.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonathan/scene-rewriter/internal/activity"
	"github.com/jonathan/scene-rewriter/internal/engine"
	"github.com/jonathan/scene-rewriter/internal/eta"
	"github.com/jonathan/scene-rewriter/internal/runid"
	"github.com/jonathan/scene-rewriter/internal/types"
)

// Loop and expansion limits
const (
	DefaultRefreshEvery       = 5
	DefaultEmptyClaimLimit    = 2
	DefaultMaxTransientErrors = 5
	DefaultMaxExpansions      = 3
	DefaultStuckMinutes       = 10
)

// FallbackReason is the reason recorded on locally computed plans
const FallbackReason = "fallback: full rewrite"

// Orchestrator is the context object for one source version. All operations go through it.
type Orchestrator struct {
	client engine.Client
	ref    types.SourceRef
	ids    *runid.Manager
	log    *activity.Log
	est    *eta.Estimator
	now    func() time.Time

	strategy           types.Strategy
	backoff            Backoff
	autoAssemble       bool
	refreshEvery       int
	emptyClaimLimit    int
	maxTransientErrors int
	maxExpansions      int
	stuckMinutes       int
	tickInterval       time.Duration
	callTimeout        time.Duration

	onChange func(PipelineState)
	onNotify func(Notice)

	mu        sync.Mutex
	state     PipelineState
	edits     []types.Note
	protected []string

	stopped atomic.Bool
	looping atomic.Bool
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithRunIDManager sets the run identity manager. The default keeps identities in memory
// and falls back to the engine's active_run_lookup.
func WithRunIDManager(m *runid.Manager) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.ids = m
		}
	}
}

// WithActivityLog sets the activity log
func WithActivityLog(l *activity.Log) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithEstimator sets the ETA estimator
func WithEstimator(e *eta.Estimator) Option {
	return func(o *Orchestrator) {
		if e != nil {
			o.est = e
		}
	}
}

// WithStrategy records the strategy chosen by the user; auto defers to the probe
func WithStrategy(strategy types.Strategy) Option {
	return func(o *Orchestrator) {
		if strategy != "" {
			o.strategy = strategy
		}
	}
}

// WithBackoff sets the delay policy between loop iterations
func WithBackoff(b Backoff) Option {
	return func(o *Orchestrator) {
		if b != nil {
			o.backoff = b
		}
	}
}

// WithAutoAssemble controls whether Process assembles when every job is done
func WithAutoAssemble(enabled bool) Option {
	return func(o *Orchestrator) {
		o.autoAssemble = enabled
	}
}

// WithRefreshEvery sets how many processed jobs trigger a full status refresh
func WithRefreshEvery(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.refreshEvery = n
		}
	}
}

// WithMaxExpansions sets the automatic expansion budget per run, at most DefaultMaxExpansions
func WithMaxExpansions(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.maxExpansions = min(n, DefaultMaxExpansions)
		}
	}
}

// WithMaxTransientErrors sets how many consecutive transient claim errors pause the loop
func WithMaxTransientErrors(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxTransientErrors = n
		}
	}
}

// WithStuckMinutes sets the running-job age that is reported as stuck
func WithStuckMinutes(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.stuckMinutes = n
		}
	}
}

// WithTickInterval sets the ETA ticker interval
func WithTickInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.tickInterval = d
		}
	}
}

// WithCallTimeout bounds every remote call made by the orchestrator
func WithCallTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.callTimeout = d
		}
	}
}

// WithClock sets the time source
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// OnChange is called with a copy of the state after every transition
func OnChange(fn func(PipelineState)) Option {
	return func(o *Orchestrator) {
		o.onChange = fn
	}
}

// OnNotify is called for every blocking user-facing notice
func OnNotify(fn func(Notice)) Option {
	return func(o *Orchestrator) {
		o.onNotify = fn
	}
}

// New creates an orchestrator for one source version
func New(client engine.Client, ref types.SourceRef, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:             client,
		ref:                ref,
		now:                time.Now,
		strategy:           types.StrategyAuto,
		backoff:            FixedBackoff(DefaultDelay),
		autoAssemble:       true,
		refreshEvery:       DefaultRefreshEvery,
		emptyClaimLimit:    DefaultEmptyClaimLimit,
		maxTransientErrors: DefaultMaxTransientErrors,
		maxExpansions:      DefaultMaxExpansions,
		stuckMinutes:       DefaultStuckMinutes,
		tickInterval:       eta.DefaultTickInterval,
		callTimeout:        engine.DefaultTimeout,
		state:              PipelineState{Phase: PhaseIdle},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.ids == nil {
		o.ids = runid.NewManager(runid.NewMemoryStore(), client)
	}
	if o.est == nil {
		o.est = eta.New(eta.WithClock(o.now))
	}
	if o.log == nil {
		o.log, _ = activity.New(activity.WithClock(o.now))
	}
	o.ids.OnLookupError(func(stage runid.Source, err error) {
		o.log.Warn(string(o.Snapshot().Phase), "run lookup via %s failed: %v", stage, err)
	})
	return o
}

// Source returns the source version this orchestrator drives
func (o *Orchestrator) Source() types.SourceRef {
	return o.ref
}

// Log returns the activity log
func (o *Orchestrator) Log() *activity.Log {
	return o.log
}

// Snapshot returns a copy of the current state
func (o *Orchestrator) Snapshot() PipelineState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Clone()
}

// Stop asks the running operation to exit. In-flight calls complete; no further calls are issued.
// The request holds until the next Run, Process, Expand or ExpandAndContinue call.
func (o *Orchestrator) Stop() {
	o.stopped.Store(true)
	o.log.Info(string(o.Snapshot().Phase), "stop requested")
}

// Stopped reports whether a stop was requested since the last operation started
func (o *Orchestrator) Stopped() bool {
	return o.stopped.Load()
}

// begin clears an earlier stop request when a caller starts new work
func (o *Orchestrator) begin() error {
	if o.looping.Load() {
		return ErrBusy
	}
	o.stopped.Store(false)
	return nil
}

// halt honours a stop request that arrived between remote calls
func (o *Orchestrator) halt(next string) PipelineState {
	if o.Snapshot().Phase == PhaseProcessing {
		_, _ = o.dispatch(ProcessingStopped{})
	}
	o.log.Info(string(o.Snapshot().Phase), "stopped before %s; remaining jobs stay queued", next)
	return o.Snapshot()
}

// call runs fn under the per-call timeout. An expired deadline is reported as a transient timeout.
func call[T any](ctx context.Context, o *Orchestrator, action string, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()

	v, err := fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, engine.ErrTimeout) {
		var zero T
		return zero, &engine.RemoteError{
			Action:  action,
			Message: fmt.Sprintf("no response within %s", o.callTimeout),
			Cause:   engine.ErrTimeout,
		}
	}
	return v, err
}

// dispatch applies ev under the state lock, logs phase transitions and notifies observers
func (o *Orchestrator) dispatch(ev Event) (PipelineState, error) {
	o.mu.Lock()
	prev := o.state.Phase
	next, err := Reduce(o.state, ev)
	if err != nil {
		o.mu.Unlock()
		return next.Clone(), err
	}
	o.state = next
	snapshot := next.Clone()
	o.mu.Unlock()

	if prev != snapshot.Phase {
		o.log.Info(string(snapshot.Phase), "phase %s -> %s", prev, snapshot.Phase)
	}
	if o.onChange != nil {
		o.onChange(snapshot)
	}
	return snapshot, nil
}

// fail moves to the error phase with a notice and returns err
func (o *Orchestrator) fail(err error) error {
	class := engine.Classify(err)
	notice := &Notice{Class: class, Message: engine.UserMessage(err)}
	var remote *engine.RemoteError
	if errors.As(err, &remote) {
		notice.RetryAfter = remote.RetryAfter
	}
	_, _ = o.dispatch(Failed{Err: err, Notice: notice})
	o.log.Error(string(PhaseError), "%s error: %v", class, err)
	if o.onNotify != nil {
		o.onNotify(*notice)
	}
	return err
}

// blocking reports whether err must stop the pipeline
func blocking(err error) bool {
	class := engine.Classify(err)
	return class == engine.ClassPrecondition || class == engine.ClassResourceExhausted
}

// resolveRun returns the active run id, recovering it via the identity manager if needed
func (o *Orchestrator) resolveRun(ctx context.Context) types.RunID {
	if id := o.Snapshot().RunID; !id.IsZero() {
		return id
	}
	lookupCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	id, source := o.ids.Resolve(lookupCtx, o.ref)
	if id.IsZero() {
		return ""
	}
	o.log.Info(string(o.Snapshot().Phase), "recovered run %s from %s", id, source)
	_, _ = o.dispatch(RunRecovered{RunID: id})
	return id
}

func (o *Orchestrator) publishEstimate() {
	_, _ = o.dispatch(EstimateUpdated{Estimate: o.est.Snapshot()})
}

// Probe reports whether the source decomposes into units and which strategy applies.
// Transient failures return to idle; the caller may retry.
func (o *Orchestrator) Probe(ctx context.Context) (*types.ProbeResult, error) {
	if _, err := o.dispatch(ProbeStarted{}); err != nil {
		return nil, err
	}
	o.log.Info(string(PhaseProbing), "probing %s@%s", o.ref.SourceID, o.ref.SourceVersionID)

	result, err := call(ctx, o, types.ActionProbe, func(ctx context.Context) (*types.ProbeResult, error) {
		return o.client.Probe(ctx, o.ref)
	})
	if err != nil {
		if blocking(err) {
			return nil, o.fail(err)
		}
		_, _ = o.dispatch(ProbeFailed{Err: err})
		o.log.Warn(string(PhaseIdle), "probe failed: %v", err)
		return nil, err
	}

	_, _ = o.dispatch(ProbeSucceeded{Result: result})
	if !result.HasUnits {
		o.log.Warn(string(PhaseIdle), "source has no discrete scenes; %d chunks via %s strategy", result.UnitCount, result.Strategy)
	} else {
		o.log.Info(string(PhaseIdle), "probe found %d units (%s strategy, %d chars)", result.UnitCount, result.Strategy, result.ContentSize)
	}
	return result, nil
}

func (o *Orchestrator) ensureProbe(ctx context.Context) (*types.ProbeResult, error) {
	if probe := o.Snapshot().Probe; probe != nil {
		return probe, nil
	}
	return o.Probe(ctx)
}

// Plan asks the remote planner for the blast radius of notes.
// Any planner failure is replaced by a local plan that targets every unit.
func (o *Orchestrator) Plan(ctx context.Context, notes []types.Note) (*types.ScopePlan, error) {
	probe, err := o.ensureProbe(ctx)
	if err != nil {
		return nil, err
	}
	all := probe.AllUnitNumbers()
	phase := string(o.Snapshot().Phase)

	plan, err := call(ctx, o, types.ActionScopePlan, func(ctx context.Context) (*types.ScopePlan, error) {
		return o.client.ScopePlan(ctx, types.ScopePlanRequest{SourceRef: o.ref, Notes: nonNilNotes(notes)})
	})
	if err != nil {
		o.log.Warn(phase, "scope planner unavailable, using full rewrite: %v", err)
		plan = fallbackPlan(all)
	} else {
		dropped := sanitizePlan(plan, all)
		if len(dropped) > 0 {
			o.log.Warn(phase, "scope plan referenced unknown units %v; dropped", dropped)
		}
		o.log.Info(phase, "scope plan targets %v (context %v, at risk %v): %s",
			plan.TargetUnitNumbers, plan.ContextUnitNumbers, plan.AtRiskUnitNumbers, plan.Reason)
	}

	_, _ = o.dispatch(PlanReady{Plan: plan})
	return plan.Clone(), nil
}

func fallbackPlan(all []int) *types.ScopePlan {
	return &types.ScopePlan{
		TargetUnitNumbers:  slices.Clone(all),
		ContextUnitNumbers: []int{},
		AtRiskUnitNumbers:  []int{},
		Reason:             FallbackReason,
		PropagationDepth:   0,
		Contracts:          []types.Contract{},
		Fallback:           true,
	}
}

// sanitizePlan keeps every unit set within the source, sorted and deduplicated.
// An empty target set means every unit. It returns the unknown target units it removed.
func sanitizePlan(plan *types.ScopePlan, all []int) []int {
	valid := make(map[int]bool, len(all))
	for _, u := range all {
		valid[u] = true
	}
	var dropped []int
	filter := func(units []int, record bool) []int {
		out := make([]int, 0, len(units))
		for _, u := range units {
			if valid[u] {
				out = append(out, u)
			} else if record {
				dropped = append(dropped, u)
			}
		}
		slices.Sort(out)
		return slices.Compact(out)
	}
	plan.TargetUnitNumbers = filter(plan.TargetUnitNumbers, true)
	plan.ContextUnitNumbers = filter(plan.ContextUnitNumbers, false)
	plan.AtRiskUnitNumbers = filter(plan.AtRiskUnitNumbers, false)
	if len(plan.TargetUnitNumbers) == 0 {
		plan.TargetUnitNumbers = slices.Clone(all)
	}
	if plan.Contracts == nil {
		plan.Contracts = []types.Contract{}
	}
	return dropped
}

// EnqueueInput describes a batch of jobs. Nil Targets means every unit.
type EnqueueInput struct {
	Notes     []types.Note
	Protected []string
	Targets   []int
}

// Enqueue registers a batch of jobs and persists the run identity before anything is processed.
// An "already exists" answer resumes the existing run.
func (o *Orchestrator) Enqueue(ctx context.Context, in EnqueueInput) (*types.EnqueueResponse, error) {
	return o.enqueue(ctx, in, "", 0)
}

// enqueue registers in, appending to appendTo when set; depth is the run's expansion depth after the append
func (o *Orchestrator) enqueue(ctx context.Context, in EnqueueInput, appendTo types.RunID, depth int) (*types.EnqueueResponse, error) {
	if _, err := o.dispatch(EnqueueStarted{}); err != nil {
		return nil, err
	}

	targets := slices.Clone(in.Targets)
	slices.Sort(targets)
	targets = slices.Compact(targets)

	o.mu.Lock()
	o.edits = slices.Clone(in.Notes)
	o.protected = slices.Clone(in.Protected)
	o.mu.Unlock()

	if len(targets) == 0 {
		o.log.Info(string(PhaseEnqueuing), "enqueuing full rewrite")
	} else {
		o.log.Info(string(PhaseEnqueuing), "enqueuing units %v", targets)
	}

	resp, err := call(ctx, o, types.ActionEnqueue, func(ctx context.Context) (*types.EnqueueResponse, error) {
		return o.client.Enqueue(ctx, types.EnqueueRequest{
			SourceRef:         o.ref,
			Edits:             nonNilNotes(in.Notes),
			ProtectedItems:    nonNilStrings(in.Protected),
			TargetUnitNumbers: targets,
			RunID:             appendTo,
			PropagationDepth:  depth,
		})
	})
	if err == nil && resp.RunID.IsZero() {
		err = &engine.RemoteError{Action: types.ActionEnqueue, Message: "response carried no runId", Cause: engine.ErrInvalidResponse}
	}
	if err != nil {
		if blocking(err) {
			return nil, o.fail(err)
		}
		_, _ = o.dispatch(EnqueueFailed{Err: err})
		o.log.Warn(string(PhaseIdle), "enqueue failed: %v", err)
		return nil, err
	}

	o.ids.Persist(ctx, o.ref, resp.RunID)

	state, _ := o.dispatch(EnqueueSucceeded{
		RunID:  resp.RunID,
		Total:  resp.TotalUnits,
		Queued: resp.Queued,
		Append: !appendTo.IsZero(),
	})
	if resp.AlreadyExists {
		o.log.Info(string(state.Phase), "run %s already exists; resuming", resp.RunID)
		if err := o.refresh(ctx, resp.RunID); err != nil {
			o.log.Warn(string(state.Phase), "status refresh after resume failed: %v", err)
		}
		state = o.Snapshot()
	} else {
		o.log.Info(string(state.Phase), "run %s: %d jobs queued (%d units total)", resp.RunID, resp.Queued, resp.TotalUnits)
	}

	o.est.Reset(state.Aggregate)
	o.publishEstimate()
	return resp, nil
}

// refresh replaces the local job view with the engine's authoritative status
func (o *Orchestrator) refresh(ctx context.Context, runID types.RunID) error {
	status, err := o.status(ctx, runID)
	if err != nil {
		return err
	}
	state, _ := o.dispatch(StatusRefreshed{RunID: runID, Status: status})
	o.est.Progress(state.Aggregate)
	o.publishEstimate()
	return nil
}

func (o *Orchestrator) status(ctx context.Context, runID types.RunID) (*types.StatusResponse, error) {
	return call(ctx, o, types.ActionStatus, func(ctx context.Context) (*types.StatusResponse, error) {
		return o.client.Status(ctx, types.RunRequest{RunID: runID, SourceVersionID: o.ref.SourceVersionID})
	})
}

// LoadStatus recovers the active run, if any, and loads its authoritative aggregate. It never enqueues.
func (o *Orchestrator) LoadStatus(ctx context.Context) (types.RunAggregate, error) {
	runID := o.resolveRun(ctx)
	if runID.IsZero() {
		o.log.Info(string(o.Snapshot().Phase), "no active run for %s@%s", o.ref.SourceID, o.ref.SourceVersionID)
		return types.RunAggregate{}, nil
	}
	if err := o.refresh(ctx, runID); err != nil {
		if blocking(err) {
			return types.RunAggregate{}, o.fail(err)
		}
		o.log.Warn(string(o.Snapshot().Phase), "status for run %s failed: %v", runID, err)
		return types.RunAggregate{}, err
	}
	agg := o.Snapshot().Aggregate
	o.est.Reset(agg)
	o.publishEstimate()
	o.log.Info(string(o.Snapshot().Phase), "run %s: %d/%d done, %d failed, %d queued, %d running",
		runID, agg.Done, agg.Total, agg.Failed, agg.Queued, agg.Running)
	return agg, nil
}

// RetryFailed resets failed jobs of the source version to queued and returns how many were reset
func (o *Orchestrator) RetryFailed(ctx context.Context) (int, error) {
	if o.Snapshot().Phase.Busy() {
		return 0, ErrBusy
	}
	runID := o.resolveRun(ctx)
	resp, err := call(ctx, o, types.ActionRetryFailed, func(ctx context.Context) (*types.RetryFailedResponse, error) {
		return o.client.RetryFailed(ctx, types.RetryFailedRequest{SourceVersionID: o.ref.SourceVersionID, RunID: runID})
	})
	if err != nil {
		if blocking(err) {
			return 0, o.fail(err)
		}
		o.log.Warn(string(o.Snapshot().Phase), "retry failed jobs: %v", err)
		return 0, err
	}
	o.log.Info(string(o.Snapshot().Phase), "reset %d failed jobs", resp.Reset)
	if resp.Reset > 0 {
		o.newPass(ctx, runID)
	}
	return resp.Reset, nil
}

// RequeueStuck requeues jobs running longer than minutes (the configured threshold when minutes <= 0)
func (o *Orchestrator) RequeueStuck(ctx context.Context, minutes int) (int, error) {
	if o.Snapshot().Phase.Busy() {
		return 0, ErrBusy
	}
	if minutes <= 0 {
		minutes = o.stuckMinutes
	}
	resp, err := call(ctx, o, types.ActionRequeueStuck, func(ctx context.Context) (*types.RequeueStuckResponse, error) {
		return o.client.RequeueStuck(ctx, types.RequeueStuckRequest{SourceVersionID: o.ref.SourceVersionID, StuckMinutes: minutes})
	})
	if err != nil {
		if blocking(err) {
			return 0, o.fail(err)
		}
		o.log.Warn(string(o.Snapshot().Phase), "requeue stuck jobs: %v", err)
		return 0, err
	}
	o.log.Info(string(o.Snapshot().Phase), "requeued %d jobs running longer than %d minutes", resp.Requeued, minutes)
	if resp.Requeued > 0 {
		o.newPass(ctx, o.resolveRun(ctx))
	}
	return resp.Requeued, nil
}

// newPass returns to idle and restarts estimation after jobs were put back on the queue
func (o *Orchestrator) newPass(ctx context.Context, runID types.RunID) {
	_, _ = o.dispatch(RetryScheduled{})
	if !runID.IsZero() {
		if err := o.refresh(ctx, runID); err != nil {
			o.log.Warn(string(PhaseIdle), "status refresh failed: %v", err)
		}
	}
	o.est.Reset(o.Snapshot().Aggregate)
	o.publishEstimate()
}

// Reset forgets the active run and every derived value. Jobs already queued remotely are left alone.
func (o *Orchestrator) Reset(ctx context.Context) error {
	if _, err := o.dispatch(ResetRequested{}); err != nil {
		return err
	}
	o.ids.Clear(ctx, o.ref)
	o.est.Reset(types.RunAggregate{})
	o.stopped.Store(false)

	o.mu.Lock()
	o.edits = nil
	o.protected = nil
	o.mu.Unlock()

	o.log.Info(string(PhaseIdle), "run state reset")
	return nil
}

// Tick advances the smoothed progress once
func (o *Orchestrator) Tick() {
	o.est.Tick()
	if o.Snapshot().Phase == PhaseProcessing {
		o.publishEstimate()
	}
}

// RunTicker ticks the estimator until ctx is done
func (o *Orchestrator) RunTicker(ctx context.Context) {
	o.est.Run(ctx, o.tickInterval, func(eta.Estimate) {
		if o.Snapshot().Phase == PhaseProcessing {
			o.publishEstimate()
		}
	})
}

func nonNilNotes(notes []types.Note) []types.Note {
	if notes == nil {
		return []types.Note{}
	}
	return notes
}

func nonNilStrings(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}

func (o *Orchestrator) pendingEdits() ([]types.Note, []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.edits), slices.Clone(o.protected)
}

func describe(agg types.RunAggregate) string {
	return fmt.Sprintf("%d/%d done, %d failed", agg.Done, agg.Total, agg.Failed)
}
