package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/jonathan/scene-rewriter/internal/types"
)

// Process claims and executes jobs one at a time until the queue is exhausted or Stop is called.
// When every job is done and auto-assembly is enabled it assembles the artifact.
func (o *Orchestrator) Process(ctx context.Context) error {
	if err := o.begin(); err != nil {
		return err
	}
	return o.process(ctx, o.autoAssemble)
}

func (o *Orchestrator) process(ctx context.Context, assemble bool) error {
	if !o.looping.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer o.looping.Store(false)

	runID := o.resolveRun(ctx)
	if runID.IsZero() {
		return o.fail(ErrNoRunIdentity)
	}
	if _, err := o.dispatch(ProcessingStarted{RunID: runID}); err != nil {
		return err
	}
	phase := string(PhaseProcessing)
	req := types.RunRequest{RunID: runID, SourceVersionID: o.ref.SourceVersionID}

	var (
		empty     int
		processed int
		transient int
		stopped   bool
		lastErr   error
		warned    bool
	)

	for {
		if o.stopped.Load() {
			stopped = true
			break
		}
		if err := ctx.Err(); err != nil {
			stopped = true
			break
		}

		claim, err := call(ctx, o, types.ActionClaimNext, func(ctx context.Context) (*types.ClaimResponse, error) {
			return o.client.ClaimNext(ctx, req)
		})
		if err != nil {
			if blocking(err) {
				return o.fail(err)
			}
			transient++
			lastErr = err
			o.log.Warn(phase, "claim failed (%d in a row): %v", transient, err)
			if o.stopped.Load() {
				stopped = true
				break
			}
			if transient >= o.maxTransientErrors {
				o.log.Error(phase, "pausing after %d consecutive errors", transient)
				break
			}
			if o.wait(ctx, transient) {
				stopped = true
				break
			}
			continue
		}
		transient = 0
		lastErr = nil

		if !claim.Processed {
			empty++
			if empty >= o.emptyClaimLimit || claim.Done || o.stopped.Load() {
				stopped = o.stopped.Load()
				break
			}
			if o.wait(ctx, 0) {
				stopped = true
				break
			}
			continue
		}
		empty = 0
		processed++

		o.record(claim)

		if o.stopped.Load() {
			stopped = true
			break
		}
		if claim.Done {
			break
		}

		if processed%o.refreshEvery == 0 {
			if err := o.refresh(ctx, runID); err != nil {
				if blocking(err) {
					return o.fail(err)
				}
				o.log.Warn(phase, "status refresh failed: %v", err)
			}
			if o.stopped.Load() {
				stopped = true
				break
			}
		}

		if !warned {
			warned = o.warnIfStuck()
		}

		if o.wait(ctx, 0) {
			stopped = true
			break
		}
	}

	if stopped {
		_, _ = o.dispatch(ProcessingStopped{})
		o.log.Info(string(PhaseIdle), "stopped after %d jobs; remaining jobs stay queued", processed)
		return nil
	}

	// One final authoritative status before deciding where to land
	if err := o.refresh(ctx, runID); err != nil {
		if blocking(err) {
			return o.fail(err)
		}
		o.log.Warn(phase, "final status failed, using local view: %v", err)
	}

	agg := o.Snapshot().Aggregate
	if agg.AllDone() && assemble {
		_, err := o.Assemble(ctx)
		return err
	}

	state, _ := o.dispatch(ProcessingFinished{})
	switch state.Phase {
	case PhaseComplete:
		o.log.Info(string(state.Phase), "all %d units done", agg.Total)
	case PhaseError:
		o.log.Error(string(state.Phase), "%d units failed (%s); retry failed jobs to continue", agg.Failed, describe(agg))
	default:
		o.log.Info(string(state.Phase), "loop exited with %s, %d pending", describe(agg), agg.Pending())
	}

	if lastErr != nil {
		return fmt.Errorf("processing paused after %d consecutive errors: %w", transient, lastErr)
	}
	return nil
}

// record applies a processed claim to the state and the estimator
func (o *Orchestrator) record(claim *types.ClaimResponse) {
	metrics := claim.Metrics()
	o.est.Observe(metrics)
	state, _ := o.dispatch(ClaimProcessed{Claim: claim})
	o.est.Progress(state.Aggregate)
	o.publishEstimate()

	switch {
	case claim.Status == types.JobFailed:
		o.log.Warn(string(state.Phase), "unit %d failed after %d attempts: %s", claim.UnitNumber, claim.Attempts, claim.Error)
	case claim.Skipped:
		o.log.Info(string(state.Phase), "unit %d reused from a prior identical rewrite", claim.UnitNumber)
	default:
		o.log.Info(string(state.Phase), "unit %d %s in %dms (%d -> %d chars, %+.1f%%)",
			claim.UnitNumber, claim.Status, claim.DurationMs, claim.InputChars, claim.OutputChars, claim.DeltaPct)
	}
}

// warnIfStuck logs when the oldest running job exceeds the stuck threshold
func (o *Orchestrator) warnIfStuck() bool {
	agg := o.Snapshot().Aggregate
	threshold := time.Duration(o.stuckMinutes) * time.Minute
	if !agg.StuckSince(o.now(), threshold) {
		return false
	}
	o.log.Warn(string(PhaseProcessing), "a job has been running since %s; requeue stuck jobs if it does not finish",
		agg.OldestRunningClaimedAt.Format(time.RFC3339))
	return true
}

// wait applies the backoff policy and reports whether the loop must stop
func (o *Orchestrator) wait(ctx context.Context, consecutiveErrors int) bool {
	if err := sleep(ctx, o.backoff.Next(consecutiveErrors)); err != nil {
		return true
	}
	return o.stopped.Load()
}
