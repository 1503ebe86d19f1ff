package orchestrator

import (
	"context"

	"github.com/jonathan/scene-rewriter/internal/types"
)

// Assemble composes the final artifact from completed units, carrying full provenance.
// It needs a resolved run identity; success clears the persisted identity.
func (o *Orchestrator) Assemble(ctx context.Context) (*types.AssembleResult, error) {
	runID := o.resolveRun(ctx)
	if runID.IsZero() {
		return nil, o.fail(ErrNoRunIdentity)
	}
	state, err := o.dispatch(AssembleStarted{})
	if err != nil {
		return nil, err
	}
	o.log.Info(string(PhaseAssembling), "assembling run %s (%s)", runID, describe(state.Aggregate))

	result, err := call(ctx, o, types.ActionAssemble, func(ctx context.Context) (*types.AssembleResult, error) {
		return o.client.Assemble(ctx, types.AssembleRequest{
			RunID:      runID,
			SourceRef:  o.ref,
			Provenance: o.provenance(state, runID),
		})
	})
	if err != nil {
		if blocking(err) {
			return nil, o.fail(err)
		}
		_, _ = o.dispatch(AssembleFailed{Err: err})
		o.log.Warn(string(PhaseIdle), "assembly failed: %v", err)
		return nil, err
	}

	o.ids.Clear(ctx, o.ref)
	_, _ = o.dispatch(AssembleSucceeded{Result: result})
	o.log.Info(string(PhaseComplete), "assembled %q as %s (%d chars, %d units)",
		result.Label, result.NewArtifactID, result.CharCount, result.UnitCount)
	return result, nil
}

func (o *Orchestrator) provenance(state PipelineState, runID types.RunID) types.Provenance {
	p := types.Provenance{
		RunID:             runID,
		StrategySelected:  o.strategy,
		StrategyEffective: o.strategy,
		ScopePlan:         state.Plan,
		Verification:      state.Verification,
		Probe:             state.Probe,
	}
	if o.strategy == types.StrategyAuto && state.Probe != nil {
		p.StrategyEffective = state.Probe.Strategy
	}
	return p
}
