package orchestrator

import (
	"context"
	"fmt"
	"slices"

	"github.com/jonathan/scene-rewriter/internal/types"
)

// Verify checks cross-unit invariants of the completed units against the active plan.
// It does not change job state.
func (o *Orchestrator) Verify(ctx context.Context) (*types.Verification, error) {
	state := o.Snapshot()
	plan := state.Plan
	if plan == nil && state.Probe != nil {
		plan = fallbackPlan(state.Probe.AllUnitNumbers())
	}
	runID := o.resolveRun(ctx)
	phase := string(state.Phase)

	verification, err := call(ctx, o, types.ActionVerify, func(ctx context.Context) (*types.Verification, error) {
		return o.client.Verify(ctx, types.VerifyRequest{
			SourceVersionID: o.ref.SourceVersionID,
			RunID:           runID,
			ScopePlan:       plan,
		})
	})
	if err != nil {
		if blocking(err) {
			return nil, o.fail(err)
		}
		o.log.Warn(phase, "verification failed to run: %v", err)
		return nil, err
	}

	_, _ = o.dispatch(VerificationRecorded{Verification: verification})
	if verification.Pass {
		o.log.Info(phase, "verification passed")
	} else {
		for _, f := range verification.Failures {
			o.log.Warn(phase, "verification failure on units %v: %s", f.UnitNumbers, f.Description)
		}
	}
	return verification, nil
}

// Expand grows the target set around the units named by failures and enqueues only the new units
// against the current run. It returns false when the expansion budget is spent or nothing new can be
// targeted; neither case changes the plan.
func (o *Orchestrator) Expand(ctx context.Context, failures []types.VerificationFailure, approvedEdits []types.Note, protected []string) (bool, error) {
	if err := o.begin(); err != nil {
		return false, err
	}
	return o.expand(ctx, failures, approvedEdits, protected)
}

func (o *Orchestrator) expand(ctx context.Context, failures []types.VerificationFailure, approvedEdits []types.Note, protected []string) (bool, error) {
	state := o.Snapshot()
	phase := string(state.Phase)
	if state.Phase.Busy() {
		return false, ErrBusy
	}
	if o.Stopped() {
		o.log.Info(phase, "stopped before expanding scope")
		return false, nil
	}

	plan := state.Plan
	if plan == nil {
		o.log.Warn(phase, "no scope plan to expand")
		return false, nil
	}
	if plan.PropagationDepth >= o.maxExpansions {
		o.log.Warn(phase, "expansion limit of %d reached; manual action required", o.maxExpansions)
		return false, nil
	}

	probe, err := o.ensureProbe(ctx)
	if err != nil {
		return false, err
	}
	runID := o.resolveRun(ctx)
	if runID.IsZero() {
		return false, o.fail(ErrNoRunIdentity)
	}

	status, err := o.status(ctx, runID)
	if err != nil {
		if blocking(err) {
			return false, o.fail(err)
		}
		o.log.Warn(phase, "could not list enqueued units: %v", err)
		return false, err
	}

	added := ExpansionCandidates(failures, probe.AllUnitNumbers(), status.UnitNumbers())
	if len(added) == 0 {
		o.log.Info(phase, "nothing to expand to")
		return false, nil
	}
	if o.Stopped() {
		o.log.Info(phase, "stopped before expanding scope")
		return false, nil
	}

	expanded := plan.Clone()
	expanded.ScopeExpandedFrom = slices.Clone(plan.TargetUnitNumbers)
	expanded.TargetUnitNumbers = mergeUnits(plan.TargetUnitNumbers, added)
	expanded.PropagationDepth = plan.PropagationDepth + 1
	expanded.Reason = fmt.Sprintf("expanded to neighbours of failing units (depth %d): %s", expanded.PropagationDepth, plan.Reason)
	_, _ = o.dispatch(PlanReady{Plan: expanded})
	o.log.Info(phase, "expanding scope by %v (depth %d of %d)", added, expanded.PropagationDepth, o.maxExpansions)

	in := EnqueueInput{Notes: approvedEdits, Protected: protected, Targets: added}
	if _, err := o.enqueue(ctx, in, runID, expanded.PropagationDepth); err != nil {
		_, _ = o.dispatch(PlanReady{Plan: plan})
		return false, err
	}
	return true, nil
}

// ExpandAndContinue expands around the last verification's failures and resumes processing
func (o *Orchestrator) ExpandAndContinue(ctx context.Context) (bool, error) {
	if err := o.begin(); err != nil {
		return false, err
	}
	return o.expandAndContinue(ctx)
}

func (o *Orchestrator) expandAndContinue(ctx context.Context) (bool, error) {
	state := o.Snapshot()
	if state.Verification == nil || state.Verification.Pass {
		return false, nil
	}
	edits, protected := o.pendingEdits()
	expanded, err := o.expand(ctx, state.Verification.Failures, edits, protected)
	if err != nil || !expanded {
		return false, err
	}
	if o.Stopped() {
		o.halt("processing the expanded scope")
		return true, nil
	}
	return true, o.process(ctx, false)
}

// ExpansionCandidates returns the failing units and their immediate neighbours that exist in the
// source and are not already enqueued, ascending
func ExpansionCandidates(failures []types.VerificationFailure, all, enqueued []int) []int {
	exists := make(map[int]bool, len(all))
	for _, u := range all {
		exists[u] = true
	}
	taken := make(map[int]bool, len(enqueued))
	for _, u := range enqueued {
		taken[u] = true
	}

	var out []int
	for _, f := range failures {
		for _, u := range f.UnitNumbers {
			for _, c := range []int{u - 1, u, u + 1} {
				if exists[c] && !taken[c] {
					out = append(out, c)
				}
			}
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func mergeUnits(a, b []int) []int {
	out := append(slices.Clone(a), b...)
	slices.Sort(out)
	return slices.Compact(out)
}
