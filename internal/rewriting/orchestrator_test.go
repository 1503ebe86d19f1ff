package rewriting

import (
	"context"
	"testing"

	"github.com/jonathan/scene-rewriter/internal/engine"
	"github.com/jonathan/scene-rewriter/internal/orchestrator"
	"github.com/jonathan/scene-rewriter/internal/runid"
	"github.com/jonathan/scene-rewriter/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPipeline(t *testing.T, model *fakeModel, scenesCount int, opts ...orchestrator.Option) (*orchestrator.Orchestrator, *Service, *MemoryStore) {
	t.Helper()
	svc, store, _ := newTestService(t, model, scenesCount)
	base := []orchestrator.Option{orchestrator.WithBackoff(orchestrator.NoBackoff())}
	return orchestrator.New(svc, ref, append(base, opts...)...), svc, store
}

func TestPipeline_FullRewrite(t *testing.T) {
	model := &fakeModel{}
	o, _, store := newPipeline(t, model, 4)

	state, err := o.Run(context.Background(), orchestrator.RunInput{
		Notes:     []types.Note{{Text: "Tighten the prose"}},
		Protected: []string{"Mara"},
	})
	require.NoError(t, err)

	assert.Equal(t, orchestrator.PhaseComplete, state.Phase)
	assert.Equal(t, 4, state.Aggregate.Done)
	require.NotNil(t, state.Assembled)
	assert.Equal(t, 4, state.Assembled.UnitCount)
	assert.False(t, state.Assembled.Selective)
	assert.Equal(t, 4, model.rewriteCount())

	artifact, err := store.GetArtifact(context.Background(), state.Assembled.NewArtifactID)
	require.NoError(t, err)
	assert.Equal(t, types.StrategyScene, artifact.Provenance.StrategyEffective)
	assert.Equal(t, types.StrategyAuto, artifact.Provenance.StrategySelected)
}

func TestPipeline_SelectiveWithExpansion(t *testing.T) {
	model := &fakeModel{
		plan: &types.ScopePlan{
			TargetUnitNumbers: []int{2},
			Reason:            "the ship is named in scene 2",
			Contracts:         []types.Contract{{Kind: types.ContractCanonRule, Description: "The ship is the Gull"}},
		},
		checkFunc: func(call int, _ CheckInput) []types.VerificationFailure {
			if call == 1 {
				return []types.VerificationFailure{{Description: "Scene 3 still says Heron", UnitNumbers: []int{3}}}
			}
			return nil
		},
	}
	o, _, _ := newPipeline(t, model, 5)

	state, err := o.Run(context.Background(), orchestrator.RunInput{
		Notes:     []types.Note{{Text: "Rename the ship to Gull"}},
		Selective: true,
	})
	require.NoError(t, err)

	assert.Equal(t, orchestrator.PhaseComplete, state.Phase)
	require.NotNil(t, state.Assembled)
	assert.True(t, state.Assembled.Selective)
	require.NotNil(t, state.Plan)
	assert.Equal(t, []int{2, 3, 4}, state.Plan.TargetUnitNumbers)
	assert.Equal(t, 1, state.Plan.PropagationDepth)
	assert.Equal(t, 3, model.rewriteCount(), "unit 2 once, then the expansion to 3 and 4")
	assert.Len(t, model.checks, 2)
}

func TestPipeline_ResumesInterruptedExpansion(t *testing.T) {
	model := &fakeModel{
		plan: &types.ScopePlan{
			TargetUnitNumbers: []int{2},
			Reason:            "the ship is named in scene 2",
			Contracts:         []types.Contract{{Kind: types.ContractCanonRule, Description: "The ship is the Gull"}},
		},
		checkFunc: func(call int, _ CheckInput) []types.VerificationFailure {
			if call == 1 {
				return []types.VerificationFailure{{Description: "Scene 3 still says Heron", UnitNumbers: []int{3}}}
			}
			return nil
		},
	}
	svc, store, _ := newTestService(t, model, 5)
	ctx := context.Background()
	in := orchestrator.RunInput{Notes: []types.Note{{Text: "Rename the ship to Gull"}}, Selective: true}

	first := orchestrator.New(svc, ref,
		orchestrator.WithBackoff(orchestrator.NoBackoff()),
		orchestrator.WithRunIDManager(runid.NewManager(runid.NewMemoryStore(), svc)),
	)
	model.rewriteFunc = func(rw RewriteInput) string {
		if rw.Unit.Number == 3 {
			first.Stop()
		}
		return "Revised. " + rw.Unit.Text
	}
	state, err := first.Run(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.PhaseIdle, state.Phase)

	run, err := store.ActiveRun(ctx, ref.SourceVersionID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, []int{2, 3, 4}, run.Targets)
	assert.Equal(t, 1, run.Depth)

	// A new session finds the run through the engine and picks up unit 4
	second := orchestrator.New(svc, ref,
		orchestrator.WithBackoff(orchestrator.NoBackoff()),
		orchestrator.WithRunIDManager(runid.NewManager(runid.NewMemoryStore(), svc)),
	)
	state, err = second.Run(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, orchestrator.PhaseComplete, state.Phase)
	require.NotNil(t, state.Assembled)
	assert.True(t, state.Assembled.Selective)
	assert.Equal(t, []int{2, 3, 4}, state.Plan.TargetUnitNumbers)
	assert.Equal(t, 1, state.Plan.PropagationDepth)
	assert.Equal(t, 3, model.rewriteCount(), "no unit is rewritten twice")
	assert.Len(t, model.checks, 2)
}

func TestPipeline_CreditsExhaustedStopsTheLoop(t *testing.T) {
	model := &fakeModel{}
	svc, store, _ := newTestService(t, model, 3)
	store.SetCredits("", 0)
	var notices []orchestrator.Notice
	o := orchestrator.New(svc, ref,
		orchestrator.WithBackoff(orchestrator.NoBackoff()),
		orchestrator.OnNotify(func(n orchestrator.Notice) { notices = append(notices, n) }),
	)

	state, err := o.Run(context.Background(), orchestrator.RunInput{Notes: []types.Note{{Text: "x"}}})
	require.ErrorIs(t, err, engine.ErrCreditsExhausted)

	assert.Equal(t, orchestrator.PhaseError, state.Phase)
	require.NotEmpty(t, notices)
	assert.Equal(t, engine.ClassResourceExhausted, notices[0].Class)
	assert.Zero(t, model.rewriteCount())

	// Topping up lets the same run resume
	store.SetCredits("", 10)
	resumed := orchestrator.New(svc, ref, orchestrator.WithBackoff(orchestrator.NoBackoff()))
	state, err = resumed.Run(context.Background(), orchestrator.RunInput{Notes: []types.Note{{Text: "x"}}})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.PhaseComplete, state.Phase)
	assert.Equal(t, 3, model.rewriteCount())
}
