package rewriting

import (
	"context"
	"fmt"
	"log"
	"slices"

	"github.com/jonathan/scene-rewriter/internal/scenes"
	"github.com/jonathan/scene-rewriter/internal/types"
)

// Verify checks that every target was rewritten and that the revised units keep the plan's contracts
func (s *Service) Verify(ctx context.Context, req types.VerifyRequest) (*types.Verification, error) {
	run, err := s.run(ctx, types.RunRequest{RunID: req.RunID, SourceVersionID: req.SourceVersionID})
	if err != nil {
		return nil, err
	}
	src, err := s.store.GetSource(ctx, run.SourceVersionID)
	if err != nil {
		return nil, err
	}
	jobs, err := s.store.Jobs(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	failures := []types.VerificationFailure{}
	var revised []scenes.Unit
	for _, job := range jobs {
		if job.Status != types.JobDone || job.Output == nil {
			failures = append(failures, types.VerificationFailure{
				Description: fmt.Sprintf("unit not rewritten (%s)", job.Status),
				UnitNumbers: []int{job.UnitNumber},
			})
			continue
		}
		revised = append(revised, scenes.Unit{Number: job.UnitNumber, Text: *job.Output})
	}

	if req.ScopePlan != nil && len(req.ScopePlan.Contracts) > 0 && len(revised) > 0 {
		// Context units are checked in their original form alongside the revisions
		checked := slices.Clone(revised)
		for _, n := range req.ScopePlan.ContextUnitNumbers {
			if slices.ContainsFunc(checked, func(u scenes.Unit) bool { return u.Number == n }) {
				continue
			}
			if u, ok := src.Unit(n); ok {
				checked = append(checked, u)
			}
		}
		slices.SortFunc(checked, func(a, b scenes.Unit) int { return a.Number - b.Number })

		found, err := s.model.Check(ctx, CheckInput{Contracts: req.ScopePlan.Contracts, Units: checked})
		if err != nil {
			return nil, err
		}
		all := src.UnitNumbers()
		for _, f := range found {
			f.UnitNumbers = knownUnits(f.UnitNumbers, all)
			failures = append(failures, f)
		}
	}

	return &types.Verification{
		Pass:      len(failures) == 0,
		Failures:  failures,
		Timestamp: s.now().UTC(),
	}, nil
}

// Assemble joins the rewritten units, and the originals of untouched units, into a new artifact
func (s *Service) Assemble(ctx context.Context, req types.AssembleRequest) (*types.AssembleResult, error) {
	run, err := s.run(ctx, types.RunRequest{RunID: req.RunID, SourceVersionID: req.SourceVersionID})
	if err != nil {
		return nil, err
	}
	src, err := s.store.GetSource(ctx, run.SourceVersionID)
	if err != nil {
		return nil, err
	}
	jobs, err := s.store.Jobs(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	outputs := make(map[int]string, len(jobs))
	for _, job := range jobs {
		switch job.Status {
		case types.JobQueued, types.JobRunning:
			return nil, conflict("run %s still has pending jobs", run.ID)
		case types.JobDone:
			if job.Output != nil {
				outputs[job.UnitNumber] = *job.Output
			}
		}
	}

	texts := make([]string, len(src.Units))
	for i, u := range src.Units {
		if out, ok := outputs[u.Number]; ok {
			texts[i] = out
		} else {
			texts[i] = u.Text
		}
	}
	content := scenes.Join(texts, src.Strategy)

	provenance := req.Provenance
	provenance.RunID = run.ID
	if provenance.StrategyEffective == "" {
		provenance.StrategyEffective = src.Strategy
	}

	label := fmt.Sprintf("Revision of %s (%d of %d units rewritten)", src.Ref.SourceID, len(outputs), len(src.Units))
	artifact := &Artifact{
		ID:              s.newID(),
		SourceID:        src.Ref.SourceID,
		SourceVersionID: src.Ref.SourceVersionID,
		RunID:           run.ID,
		Label:           label,
		Content:         content,
		Provenance:      provenance,
		CreatedAt:       s.now(),
	}
	if err := s.store.SaveArtifact(ctx, artifact); err != nil {
		return nil, fmt.Errorf("failed to save artifact: %w", err)
	}

	log.Printf("Assembled artifact %s from run %s (%d chars)", artifact.ID, run.ID, len(content))
	return &types.AssembleResult{
		NewArtifactID: artifact.ID,
		Label:         label,
		CharCount:     len(content),
		UnitCount:     len(src.Units),
		Selective:     len(run.Targets) < len(src.Units),
	}, nil
}
