package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jonathan/scene-rewriter/internal/engine"
	"github.com/jonathan/scene-rewriter/internal/types"
)

// fakeEngine is an in-memory engine.Client with a single source version
type fakeEngine struct {
	mu sync.Mutex

	units    int
	strategy types.Strategy
	failing  map[int]bool

	planTargets []int
	planErr     error
	probeErr    error
	verifyQueue []*types.Verification
	onVerify    func(n int)

	claimErrs  []error
	onClaim    func(n int)
	reportDone bool

	runs    map[types.RunID]*fakeRun
	nextRun int

	probeCalls    int
	enqueueCalls  []types.EnqueueRequest
	claimCalls    int
	emptyClaims   int
	statusCalls   int
	verifyCalls   int
	assembleCalls []types.AssembleRequest
	lookupCalls   int
}

type fakeRun struct {
	id      types.RunID
	targets []int
	jobs    []types.Job
	depth   int
	done    bool
}

var _ engine.Client = (*fakeEngine)(nil)

func newFakeEngine(units int) *fakeEngine {
	return &fakeEngine{
		units:    units,
		strategy: types.StrategyScene,
		failing:  map[int]bool{},
		runs:     map[types.RunID]*fakeRun{},
	}
}

func (f *fakeEngine) allUnits() []int {
	out := make([]int, 0, f.units)
	for i := 1; i <= f.units; i++ {
		out = append(out, i)
	}
	return out
}

func (f *fakeEngine) activeLocked() *fakeRun {
	for _, run := range f.runs {
		if !run.done {
			return run
		}
	}
	return nil
}

// seedRun creates a run directly, as if another process had enqueued it
func (f *fakeEngine) seedRun(jobs []types.Job) types.RunID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextRun++
	id := types.RunID(fmt.Sprintf("run-%d", f.nextRun))
	run := &fakeRun{id: id, jobs: slices.Clone(jobs)}
	for _, j := range jobs {
		run.targets = append(run.targets, j.UnitNumber)
	}
	f.runs[id] = run
	return id
}

func (f *fakeEngine) jobCount(id types.RunID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if run, ok := f.runs[id]; ok {
		return len(run.jobs)
	}
	return 0
}

func (f *fakeEngine) PutSource(context.Context, types.PutSourceRequest) (*types.PutSourceResponse, error) {
	return &types.PutSourceResponse{UnitCount: f.units}, nil
}

func (f *fakeEngine) Probe(context.Context, types.SourceRef) (*types.ProbeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeCalls++
	if f.probeErr != nil {
		return nil, f.probeErr
	}
	return &types.ProbeResult{HasUnits: true, UnitCount: f.units, Strategy: f.strategy, ContentSize: f.units * 1000}, nil
}

func (f *fakeEngine) ScopePlan(context.Context, types.ScopePlanRequest) (*types.ScopePlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.planErr != nil {
		return nil, f.planErr
	}
	return &types.ScopePlan{
		TargetUnitNumbers:  slices.Clone(f.planTargets),
		ContextUnitNumbers: []int{3},
		AtRiskUnitNumbers:  []int{5},
		Reason:             "edit touches the storm subplot",
		Contracts:          []types.Contract{{Kind: types.ContractCanonRule, Description: "the lighthouse never moves"}},
	}, nil
}

func (f *fakeEngine) Enqueue(_ context.Context, req types.EnqueueRequest) (*types.EnqueueResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueueCalls = append(f.enqueueCalls, req)

	targets := req.TargetUnitNumbers
	if len(targets) == 0 {
		targets = f.allUnits()
	}

	if !req.RunID.IsZero() {
		run, ok := f.runs[req.RunID]
		if !ok {
			return nil, &engine.RemoteError{Action: types.ActionEnqueue, StatusCode: 404, Cause: engine.ErrNotFound}
		}
		added := 0
		for _, u := range targets {
			if !slices.Contains(run.targets, u) {
				run.targets = append(run.targets, u)
				run.jobs = append(run.jobs, types.Job{UnitNumber: u, Status: types.JobQueued})
				added++
			}
		}
		run.depth = max(run.depth, req.PropagationDepth)
		run.done = false
		return &types.EnqueueResponse{RunID: run.id, TotalUnits: len(run.jobs), Queued: added}, nil
	}

	if active := f.activeLocked(); active != nil {
		if slices.Equal(active.targets, targets) {
			queued := 0
			for _, j := range active.jobs {
				if j.Status == types.JobQueued {
					queued++
				}
			}
			return &types.EnqueueResponse{RunID: active.id, TotalUnits: len(active.jobs), Queued: queued, AlreadyExists: true}, nil
		}
		return nil, &engine.RemoteError{Action: types.ActionEnqueue, StatusCode: 409, Cause: engine.ErrConflict}
	}

	f.nextRun++
	run := &fakeRun{id: types.RunID(fmt.Sprintf("run-%d", f.nextRun)), targets: slices.Clone(targets)}
	for _, u := range targets {
		run.jobs = append(run.jobs, types.Job{UnitNumber: u, Status: types.JobQueued})
	}
	f.runs[run.id] = run
	return &types.EnqueueResponse{RunID: run.id, TotalUnits: len(run.jobs), Queued: len(run.jobs)}, nil
}

func (f *fakeEngine) ClaimNext(_ context.Context, req types.RunRequest) (*types.ClaimResponse, error) {
	f.mu.Lock()
	f.claimCalls++
	n := f.claimCalls
	hook := f.onClaim
	resp, err := f.claimLocked(req)
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return resp, err
}

func (f *fakeEngine) claimLocked(req types.RunRequest) (*types.ClaimResponse, error) {
	if len(f.claimErrs) > 0 {
		err := f.claimErrs[0]
		f.claimErrs = f.claimErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	run, ok := f.runs[req.RunID]
	if !ok {
		return nil, &engine.RemoteError{Action: types.ActionClaimNext, StatusCode: 404, Cause: engine.ErrNotFound}
	}
	for i := range run.jobs {
		job := &run.jobs[i]
		if job.Status != types.JobQueued {
			continue
		}
		job.Attempts++
		resp := &types.ClaimResponse{
			Processed:   true,
			UnitNumber:  job.UnitNumber,
			Attempts:    job.Attempts,
			DurationMs:  1000,
			InputChars:  1000,
			OutputChars: 1100,
			DeltaPct:    10,
		}
		if f.failing[job.UnitNumber] {
			job.Status = types.JobFailed
			msg := "model refused"
			job.Error = &msg
			resp.Status = types.JobFailed
			resp.Error = msg
		} else {
			job.Status = types.JobDone
			resp.Status = types.JobDone
		}
		return resp, nil
	}
	f.emptyClaims++
	return &types.ClaimResponse{Processed: false, Done: f.reportDone}, nil
}

func (f *fakeEngine) Status(_ context.Context, req types.RunRequest) (*types.StatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	run, ok := f.runs[req.RunID]
	if !ok {
		return nil, &engine.RemoteError{Action: types.ActionStatus, StatusCode: 404, Cause: engine.ErrNotFound}
	}
	status := &types.StatusResponse{Total: len(run.jobs), Jobs: slices.Clone(run.jobs), PropagationDepth: run.depth}
	agg := types.AggregateJobs(run.jobs)
	status.Queued, status.Running, status.Done, status.Failed = agg.Queued, agg.Running, agg.Done, agg.Failed
	return status, nil
}

func (f *fakeEngine) RetryFailed(_ context.Context, req types.RetryFailedRequest) (*types.RetryFailedResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reset := 0
	for _, run := range f.runs {
		if !req.RunID.IsZero() && run.id != req.RunID {
			continue
		}
		for i := range run.jobs {
			if run.jobs[i].Status == types.JobFailed {
				run.jobs[i].Status = types.JobQueued
				run.jobs[i].Error = nil
				reset++
			}
		}
	}
	return &types.RetryFailedResponse{Reset: reset}, nil
}

func (f *fakeEngine) RequeueStuck(context.Context, types.RequeueStuckRequest) (*types.RequeueStuckResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	requeued := 0
	for _, run := range f.runs {
		for i := range run.jobs {
			if run.jobs[i].Status == types.JobRunning {
				run.jobs[i].Status = types.JobQueued
				run.jobs[i].ClaimedAt = nil
				requeued++
			}
		}
	}
	return &types.RequeueStuckResponse{Requeued: requeued}, nil
}

func (f *fakeEngine) Verify(context.Context, types.VerifyRequest) (*types.Verification, error) {
	f.mu.Lock()
	f.verifyCalls++
	n := f.verifyCalls
	hook := f.onVerify
	v := &types.Verification{Pass: true, Failures: []types.VerificationFailure{}, Timestamp: time.Now()}
	if len(f.verifyQueue) > 0 {
		v = f.verifyQueue[0]
		f.verifyQueue = f.verifyQueue[1:]
	}
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return v, nil
}

func (f *fakeEngine) Assemble(_ context.Context, req types.AssembleRequest) (*types.AssembleResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assembleCalls = append(f.assembleCalls, req)
	run, ok := f.runs[req.RunID]
	if !ok {
		return nil, &engine.RemoteError{Action: types.ActionAssemble, StatusCode: 404, Cause: engine.ErrNotFound}
	}
	run.done = true
	return &types.AssembleResult{
		NewArtifactID: "artifact-" + string(run.id),
		Label:         "Rewrite of " + req.SourceID,
		CharCount:     len(run.jobs) * 1100,
		UnitCount:     f.units,
		Selective:     len(run.jobs) < f.units,
	}, nil
}

func (f *fakeEngine) ActiveRun(context.Context, types.SourceRef) (types.RunID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookupCalls++
	if run := f.activeLocked(); run != nil {
		return run.id, nil
	}
	return "", nil
}

// slowEngine never answers a probe before the caller's deadline
type slowEngine struct {
	*fakeEngine
	hadDeadline bool
}

func (s *slowEngine) Probe(ctx context.Context, _ types.SourceRef) (*types.ProbeResult, error) {
	_, s.hadDeadline = ctx.Deadline()
	<-ctx.Done()
	return nil, ctx.Err()
}

func failure(units ...int) *types.Verification {
	return &types.Verification{
		Pass:      false,
		Failures:  []types.VerificationFailure{{Description: "continuity broken", UnitNumbers: units}},
		Timestamp: time.Now(),
	}
}
