package rewriting

import (
	"context"
	"testing"
	"time"

	"github.com/jonathan/scene-rewriter/internal/engine"
	"github.com/jonathan/scene-rewriter/internal/scenes"
	"github.com/jonathan/scene-rewriter/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedRun(t *testing.T, m *MemoryStore, id types.RunID, targets ...int) {
	t.Helper()
	ctx := context.Background()
	_ = m.SaveSource(ctx, &Source{
		Ref:     types.SourceRef{SourceID: "book", SourceVersionID: "v1"},
		Content: "a",
		Units:   []scenes.Unit{{Number: 1, Text: "a"}, {Number: 2, Text: "b"}, {Number: 3, Text: "c"}},
	})
	require.NoError(t, m.CreateRun(ctx, &Run{ID: id, SourceID: "book", SourceVersionID: "v1", Targets: targets, CreatedAt: time.Now()}))
}

func TestMemoryStore_SaveSource(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	src := &Source{Ref: types.SourceRef{SourceID: "book", SourceVersionID: "v1"}, Content: "one"}

	require.NoError(t, m.SaveSource(ctx, src))
	require.NoError(t, m.SaveSource(ctx, src), "identical re-import is a no-op")

	changed := *src
	changed.Content = "two"
	assert.ErrorIs(t, m.SaveSource(ctx, &changed), ErrSourceChanged)

	_, err := m.GetSource(ctx, "missing")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestMemoryStore_OneActiveRunPerVersion(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	seedRun(t, m, "r1", 1, 2)

	err := m.CreateRun(ctx, &Run{ID: "r2", SourceVersionID: "v1", Targets: []int{3}})
	assert.ErrorIs(t, err, ErrActiveRunExists)

	active, err := m.ActiveRun(ctx, "v1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, types.RunID("r1"), active.ID)

	none, err := m.ActiveRun(ctx, "v9")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestMemoryStore_ClaimLifecycle(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	seedRun(t, m, "r1", 3, 1)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	job, err := m.ClaimJob(ctx, "r1", now)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.UnitNumber, "lowest unit first")
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, now, *job.ClaimedAt)

	require.NoError(t, m.ReleaseJob(ctx, "r1", 1))
	job, err = m.ClaimJob(ctx, "r1", now)
	require.NoError(t, err)
	assert.Equal(t, 1, job.UnitNumber)
	assert.Equal(t, 1, job.Attempts, "released attempts are not counted")

	require.NoError(t, m.CompleteJob(ctx, "r1", 1, JobResult{Output: "A", Fingerprint: "fp"}))

	job, err = m.ClaimJob(ctx, "r1", now)
	require.NoError(t, err)
	assert.Equal(t, 3, job.UnitNumber)
	require.NoError(t, m.FailJob(ctx, "r1", 3, "boom"))

	job, err = m.ClaimJob(ctx, "r1", now)
	require.NoError(t, err)
	assert.Nil(t, job, "nothing left to claim")

	jobs, err := m.Jobs(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, types.JobDone, jobs[0].Status)
	assert.Equal(t, "A", *jobs[0].Output)
	assert.Equal(t, types.JobFailed, jobs[1].Status)
	assert.Equal(t, "boom", *jobs[1].Error)

	reused, err := m.FindOutput(ctx, "v1", 1, "fp")
	require.NoError(t, err)
	require.NotNil(t, reused)
	assert.Equal(t, "A", *reused.Output)

	miss, err := m.FindOutput(ctx, "v1", 1, "other")
	require.NoError(t, err)
	assert.Nil(t, miss)
}

func TestMemoryStore_ResetAndRequeue(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	seedRun(t, m, "r1", 1, 2)
	old := time.Now().Add(-time.Hour)

	_, _ = m.ClaimJob(ctx, "r1", old)
	require.NoError(t, m.FailJob(ctx, "r1", 1, "boom"))
	_, _ = m.ClaimJob(ctx, "r1", old)

	requeued, err := m.RequeueStuck(ctx, "v1", time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	reset, err := m.ResetFailed(ctx, "v1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, reset)

	reset, err = m.ResetFailed(ctx, "v1", "other-run")
	require.NoError(t, err)
	assert.Equal(t, 0, reset)

	jobs, err := m.Jobs(ctx, "r1")
	require.NoError(t, err)
	for _, j := range jobs {
		assert.Equal(t, types.JobQueued, j.Status)
		assert.Nil(t, j.Error)
		assert.Nil(t, j.ClaimedAt)
	}
}

func TestMemoryStore_AssembleReactivate(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	seedRun(t, m, "r1", 1)

	require.NoError(t, m.SaveArtifact(ctx, &Artifact{ID: "a1", RunID: "r1", Content: "x"}))
	active, err := m.ActiveRun(ctx, "v1")
	require.NoError(t, err)
	assert.Nil(t, active, "assembled runs are not active")

	added, err := m.AddJobs(ctx, "r1", []int{1, 2}, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	active, err = m.ActiveRun(ctx, "v1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, []int{1, 2}, active.Targets)
	assert.Equal(t, 1, active.Depth)

	_, err = m.AddJobs(ctx, "r1", []int{2}, 0)
	require.NoError(t, err)
	active, err = m.ActiveRun(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, 1, active.Depth, "depth never decreases")

	artifact, err := m.GetArtifact(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "x", artifact.Content)
}

func TestMemoryStore_Credits(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, m.ConsumeCredit(ctx, "anyone"), "unmetered accounts always pass")

	m.SetCredits("reader", 1)
	require.NoError(t, m.ConsumeCredit(ctx, "reader"))
	assert.ErrorIs(t, m.ConsumeCredit(ctx, "reader"), engine.ErrCreditsExhausted)

	balance, metered := m.Credits("reader")
	assert.True(t, metered)
	assert.Equal(t, 0, balance)
}
