package rewriting

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/jonathan/scene-rewriter/internal/engine"
	"github.com/jonathan/scene-rewriter/internal/llm"
	"github.com/jonathan/scene-rewriter/internal/scenes"
	"github.com/jonathan/scene-rewriter/internal/types"
)

// ClaimNext claims the lowest queued job of a run and executes it. A job whose inputs match an
// earlier completed rewrite reuses that output without charging a credit.
func (s *Service) ClaimNext(ctx context.Context, req types.RunRequest) (*types.ClaimResponse, error) {
	run, err := s.run(ctx, req)
	if err != nil {
		return nil, err
	}
	src, err := s.store.GetSource(ctx, run.SourceVersionID)
	if err != nil {
		return nil, err
	}

	job, err := s.store.ClaimJob(ctx, run.ID, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	if job == nil {
		jobs, err := s.store.Jobs(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		pending := countStatus(jobs, types.JobQueued) + countStatus(jobs, types.JobRunning)
		return &types.ClaimResponse{Processed: false, Done: pending == 0}, nil
	}

	unit, ok := src.Unit(job.UnitNumber)
	if !ok {
		return s.fail(ctx, run, job, fmt.Sprintf("unit %d does not exist in the source", job.UnitNumber))
	}

	notes := RelevantNotes(run.Edits, unit.Number)
	fingerprint := Fingerprint(unit.Text, notes, run.Protected)

	reused, err := s.store.FindOutput(ctx, run.SourceVersionID, unit.Number, fingerprint)
	if err != nil {
		_ = s.store.ReleaseJob(ctx, run.ID, job.UnitNumber)
		return nil, fmt.Errorf("failed to look up earlier output: %w", err)
	}
	if reused != nil && reused.Output != nil {
		metrics := types.UnitMetrics{
			UnitNumber:  unit.Number,
			InputChars:  len(unit.Text),
			OutputChars: len(*reused.Output),
			DeltaPct:    DeltaPct(len(unit.Text), len(*reused.Output)),
			Skipped:     true,
		}
		return s.complete(ctx, run, job, JobResult{Output: *reused.Output, Fingerprint: fingerprint, Metrics: metrics})
	}

	account := run.Account
	if account == "" {
		account = AccountFrom(ctx)
	}
	if err := s.store.ConsumeCredit(ctx, account); err != nil {
		_ = s.store.ReleaseJob(ctx, run.ID, job.UnitNumber)
		return nil, err
	}

	started := s.now()
	output, err := s.model.Rewrite(ctx, RewriteInput{
		Unit:      unit,
		Strategy:  src.Strategy,
		Notes:     notes,
		Protected: run.Protected,
		Context:   s.contextUnits(src, unit.Number),
	})
	if err != nil {
		switch {
		case llm.IsQuotaError(err):
			_ = s.store.ReleaseJob(ctx, run.ID, job.UnitNumber)
			return nil, fmt.Errorf("%w: %v", engine.ErrRateLimited, err)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			_ = s.store.ReleaseJob(context.WithoutCancel(ctx), run.ID, job.UnitNumber)
			return nil, err
		}
		return s.fail(ctx, run, job, err.Error())
	}

	output = strings.TrimSpace(output)
	if output == "" {
		return s.fail(ctx, run, job, "model returned empty text")
	}
	if missing := MissingProtected(unit.Text, output, run.Protected); len(missing) > 0 {
		return s.fail(ctx, run, job, "protected items dropped: "+strings.Join(missing, ", "))
	}

	metrics := types.UnitMetrics{
		UnitNumber:  unit.Number,
		DurationMs:  s.now().Sub(started).Milliseconds(),
		InputChars:  len(unit.Text),
		OutputChars: len(output),
		DeltaPct:    DeltaPct(len(unit.Text), len(output)),
	}
	return s.complete(ctx, run, job, JobResult{Output: output, Fingerprint: fingerprint, Metrics: metrics})
}

func (s *Service) complete(ctx context.Context, run *Run, job *JobRecord, result JobResult) (*types.ClaimResponse, error) {
	if err := s.store.CompleteJob(ctx, run.ID, job.UnitNumber, result); err != nil {
		return nil, fmt.Errorf("failed to complete job: %w", err)
	}
	m := result.Metrics
	return &types.ClaimResponse{
		Processed:   true,
		UnitNumber:  job.UnitNumber,
		Status:      types.JobDone,
		Attempts:    job.Attempts,
		DurationMs:  m.DurationMs,
		InputChars:  m.InputChars,
		OutputChars: m.OutputChars,
		DeltaPct:    m.DeltaPct,
		Skipped:     m.Skipped,
	}, nil
}

func (s *Service) fail(ctx context.Context, run *Run, job *JobRecord, message string) (*types.ClaimResponse, error) {
	log.Printf("Warning: job %d of run %s failed: %s", job.UnitNumber, run.ID, message)
	if err := s.store.FailJob(ctx, run.ID, job.UnitNumber, message); err != nil {
		return nil, fmt.Errorf("failed to record job failure: %w", err)
	}
	return &types.ClaimResponse{
		Processed:  true,
		UnitNumber: job.UnitNumber,
		Status:     types.JobFailed,
		Attempts:   job.Attempts,
		Error:      message,
	}, nil
}

// contextUnits returns the neighbours of unit within the context window
func (s *Service) contextUnits(src *Source, unit int) []scenes.Unit {
	var out []scenes.Unit
	for _, n := range neighbours([]int{unit}, src.UnitNumbers(), s.contextWindow) {
		if u, ok := src.Unit(n); ok {
			out = append(out, u)
		}
	}
	return out
}
