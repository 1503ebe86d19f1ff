package orchestrator

import (
	"context"
	"errors"
	"slices"

	"github.com/jonathan/scene-rewriter/internal/engine"
	"github.com/jonathan/scene-rewriter/internal/types"
)

// RunInput describes one end-to-end rewrite
type RunInput struct {
	Notes     []types.Note
	Protected []string
	// Selective asks the scope planner for the minimal target set instead of rewriting every unit
	Selective bool
}

// Run chains probe, plan, enqueue, processing, verification with bounded expansion, and assembly.
// Full rewrites assemble as soon as every job is done. Selective rewrites are verified first and
// assembled only once verification passes.
//
// When the source version already has an active run, Run resumes it instead of enqueuing: the
// run's units and expansion depth are taken from the engine, and in only supplies the notes used
// to rebuild the scope plan. Reset discards the run to start over.
func (o *Orchestrator) Run(ctx context.Context, in RunInput) (PipelineState, error) {
	if err := o.begin(); err != nil {
		return o.Snapshot(), err
	}
	tickCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go o.RunTicker(tickCtx)

	if _, err := o.Probe(ctx); err != nil {
		return o.Snapshot(), err
	}
	if o.Stopped() {
		return o.halt("planning"), nil
	}

	selective, resumed, err := o.resume(ctx, in)
	if err != nil {
		return o.Snapshot(), err
	}
	if !resumed {
		var targets []int
		if in.Selective && len(in.Notes) > 0 {
			plan, err := o.Plan(ctx, in.Notes)
			if err != nil {
				return o.Snapshot(), err
			}
			if !plan.Fallback {
				targets = plan.TargetUnitNumbers
			}
		}
		selective = len(targets) > 0

		if o.Stopped() {
			return o.halt("enqueuing"), nil
		}
		if _, err := o.Enqueue(ctx, EnqueueInput{Notes: in.Notes, Protected: in.Protected, Targets: targets}); err != nil {
			return o.Snapshot(), err
		}
	}
	if o.Stopped() {
		return o.halt("processing"), nil
	}

	if err := o.process(ctx, o.autoAssemble && !selective); err != nil {
		return o.Snapshot(), err
	}
	if !selective || o.Stopped() {
		return o.Snapshot(), nil
	}

	for o.Snapshot().Phase == PhaseComplete && !o.Stopped() {
		verification, err := o.Verify(ctx)
		if err != nil {
			return o.Snapshot(), err
		}
		if verification.Pass {
			break
		}
		expanded, err := o.expandAndContinue(ctx)
		if err != nil {
			return o.Snapshot(), err
		}
		if !expanded {
			if o.Stopped() {
				return o.Snapshot(), nil
			}
			return o.Snapshot(), ErrExpansionExhausted
		}
	}

	state := o.Snapshot()
	if state.Phase == PhaseComplete && state.Assembled == nil && o.autoAssemble && !o.Stopped() {
		if _, err := o.Assemble(ctx); err != nil {
			return o.Snapshot(), err
		}
	}
	return o.Snapshot(), nil
}

// resume adopts the active run of the source version, if there is one, and reports whether it
// covers a selective scope. A run the engine no longer knows is forgotten.
func (o *Orchestrator) resume(ctx context.Context, in RunInput) (selective, resumed bool, err error) {
	runID := o.resolveRun(ctx)
	if runID.IsZero() {
		return false, false, nil
	}
	phase := string(o.Snapshot().Phase)

	status, err := o.status(ctx, runID)
	if errors.Is(err, engine.ErrNotFound) {
		o.log.Warn(phase, "run %s is gone; starting a new run", runID)
		o.ids.Clear(ctx, o.ref)
		_, _ = o.dispatch(RunRecovered{})
		return false, false, nil
	}
	if err != nil {
		if blocking(err) {
			return false, false, o.fail(err)
		}
		o.log.Warn(phase, "status for run %s failed: %v", runID, err)
		return false, false, err
	}
	probe, err := o.ensureProbe(ctx)
	if err != nil {
		return false, false, err
	}
	state, _ := o.dispatch(StatusRefreshed{RunID: runID, Status: status})

	o.mu.Lock()
	o.edits = slices.Clone(in.Notes)
	o.protected = slices.Clone(in.Protected)
	o.mu.Unlock()

	enqueued := status.UnitNumbers()
	selective = status.PropagationDepth > 0 || len(enqueued) < len(probe.AllUnitNumbers())
	if selective {
		if err := o.restorePlan(ctx, in.Notes, enqueued, status.PropagationDepth); err != nil {
			return false, false, err
		}
	}

	o.est.Reset(state.Aggregate)
	o.publishEstimate()
	o.log.Info(phase, "resuming run %s (%s, %d queued); reset to start over", runID, describe(state.Aggregate), state.Aggregate.Queued)
	return selective, true, nil
}

// restorePlan rebuilds the scope plan of a resumed selective run around the units it already holds
func (o *Orchestrator) restorePlan(ctx context.Context, notes []types.Note, enqueued []int, depth int) error {
	plan := &types.ScopePlan{
		ContextUnitNumbers: []int{},
		AtRiskUnitNumbers:  []int{},
		Reason:             "resumed run",
		Contracts:          []types.Contract{},
	}
	if len(notes) > 0 {
		planned, err := o.Plan(ctx, notes)
		if err != nil {
			return err
		}
		if !planned.Fallback {
			planned.ScopeExpandedFrom = nil
			if depth > 0 {
				planned.ScopeExpandedFrom = slices.Clone(planned.TargetUnitNumbers)
			}
			plan = planned
		}
	}
	plan.TargetUnitNumbers = slices.Clone(enqueued)
	plan.PropagationDepth = depth
	plan.Fallback = false

	_, _ = o.dispatch(PlanReady{Plan: plan})
	o.log.Info(string(o.Snapshot().Phase), "restored scope plan: units %v at expansion depth %d", plan.TargetUnitNumbers, depth)
	return nil
}
