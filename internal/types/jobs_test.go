//nolint:revive // types is a standard Go package name pattern
package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregateJobs(t *testing.T) {
	older := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	newer := older.Add(5 * time.Minute)
	msg := "model refused"

	jobs := []Job{
		{UnitNumber: 1, Status: JobDone, Attempts: 1},
		{UnitNumber: 2, Status: JobRunning, Attempts: 1, ClaimedAt: &newer},
		{UnitNumber: 3, Status: JobRunning, Attempts: 1, ClaimedAt: &older},
		{UnitNumber: 4, Status: JobFailed, Attempts: 2, Error: &msg},
		{UnitNumber: 5, Status: JobQueued},
	}

	agg := AggregateJobs(jobs)
	assert.Equal(t, 5, agg.Total)
	assert.Equal(t, 1, agg.Queued)
	assert.Equal(t, 2, agg.Running)
	assert.Equal(t, 1, agg.Done)
	assert.Equal(t, 1, agg.Failed)
	require.NotNil(t, agg.OldestRunningClaimedAt)
	assert.True(t, agg.OldestRunningClaimedAt.Equal(older))
	assert.Equal(t, 3, agg.Remaining())
	assert.Equal(t, 3, agg.Pending())
	assert.False(t, agg.AllDone())
	assert.InDelta(t, 40.0, agg.Percent(), 0.001)
}

func TestRunAggregate_EmptyRun(t *testing.T) {
	agg := AggregateJobs(nil)
	assert.Equal(t, 0, agg.Total)
	assert.False(t, agg.AllDone())
	assert.Equal(t, 0.0, agg.Percent())
	assert.Equal(t, 0, agg.Remaining())
}

func TestRunAggregate_StuckSince(t *testing.T) {
	claimed := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	agg := RunAggregate{Total: 2, Running: 1, Queued: 1, OldestRunningClaimedAt: &claimed}

	assert.True(t, agg.StuckSince(claimed.Add(11*time.Minute), 10*time.Minute))
	assert.False(t, agg.StuckSince(claimed.Add(9*time.Minute), 10*time.Minute))
	assert.False(t, agg.StuckSince(claimed.Add(time.Hour), 0))

	agg.Running = 0
	assert.False(t, agg.StuckSince(claimed.Add(time.Hour), 10*time.Minute))
}

func TestStatusResponse_Aggregate(t *testing.T) {
	t.Run("complete job set is authoritative", func(t *testing.T) {
		status := StatusResponse{
			Total: 2, Done: 0, Queued: 2,
			Jobs: []Job{{UnitNumber: 1, Status: JobDone}, {UnitNumber: 2, Status: JobQueued}},
		}
		agg := status.Aggregate()
		assert.Equal(t, 1, agg.Done)
		assert.Equal(t, 1, agg.Queued)
	})

	t.Run("partial job set falls back to counts", func(t *testing.T) {
		status := StatusResponse{
			Total: 12, Done: 10, Failed: 1, Running: 1,
			Jobs: []Job{{UnitNumber: 1, Status: JobDone}},
		}
		agg := status.Aggregate()
		assert.Equal(t, RunAggregate{Total: 12, Done: 10, Failed: 1, Running: 1}, agg)
	})
}

func TestProbeResult_AllUnitNumbers(t *testing.T) {
	assert.Equal(t, []int{1, 2, 3}, (&ProbeResult{UnitCount: 3}).AllUnitNumbers())
	assert.Equal(t, []int{2, 5, 9}, (&ProbeResult{UnitCount: 3, UnitNumbers: []int{9, 2, 5, 5}}).AllUnitNumbers())
	assert.Nil(t, (*ProbeResult)(nil).AllUnitNumbers())
}

func TestScopePlan_CloneIsIndependent(t *testing.T) {
	plan := &ScopePlan{
		TargetUnitNumbers: []int{4, 7},
		Contracts:         []Contract{{Kind: ContractCanonRule, Description: "Mara never learns to swim"}},
		Debug:             map[string]any{"model": "fake"},
	}

	clone := plan.Clone()
	clone.TargetUnitNumbers[0] = 99
	clone.Debug["model"] = "other"

	assert.Equal(t, []int{4, 7}, plan.TargetUnitNumbers)
	assert.Equal(t, "fake", plan.Debug["model"])
	assert.Nil(t, (*ScopePlan)(nil).Clone())
}

func TestVerification_FailedUnits(t *testing.T) {
	v := &Verification{Failures: []VerificationFailure{
		{Description: "timeline", UnitNumbers: []int{7, 3}},
		{Description: "canon", UnitNumbers: []int{7}},
	}}
	assert.Equal(t, []int{3, 7}, v.FailedUnits())
}

func TestEnqueueRequest_WireFormat(t *testing.T) {
	req := EnqueueRequest{
		SourceRef:         SourceRef{SourceID: "book-1", SourceVersionID: "v2"},
		ProtectedItems:    []string{"the lighthouse"},
		TargetUnitNumbers: []int{4, 7},
	}

	data, err := json.Marshal(req)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"sourceId":"book-1"`)
	assert.Contains(t, string(data), `"sourceVersionId":"v2"`)
	assert.Contains(t, string(data), `"targetUnitNumbers":[4,7]`)
	assert.NotContains(t, string(data), `"runId"`)
}

func TestSourceRef_Key(t *testing.T) {
	assert.Equal(t, "rewrite-run:book-1:v2", SourceRef{SourceID: "book-1", SourceVersionID: "v2"}.Key())
}
