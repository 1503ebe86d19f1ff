package rewriting

import (
	"context"
	"strings"
	"sync"

	"github.com/jonathan/scene-rewriter/internal/types"
)

// fakeModel prefixes each unit with "Revised. " and records its calls
type fakeModel struct {
	mu sync.Mutex

	rewriteErr  map[int]error
	rewriteFunc func(in RewriteInput) string
	plan        *types.ScopePlan
	planErr     error
	failures    []types.VerificationFailure
	checkFunc   func(call int, in CheckInput) []types.VerificationFailure
	checkErr    error

	rewrites []RewriteInput
	plans    []PlanInput
	checks   []CheckInput
}

func (f *fakeModel) Rewrite(_ context.Context, in RewriteInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rewrites = append(f.rewrites, in)
	if err := f.rewriteErr[in.Unit.Number]; err != nil {
		return "", err
	}
	if f.rewriteFunc != nil {
		return f.rewriteFunc(in), nil
	}
	return "Revised. " + in.Unit.Text, nil
}

func (f *fakeModel) Plan(_ context.Context, in PlanInput) (*types.ScopePlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plans = append(f.plans, in)
	if f.planErr != nil {
		return nil, f.planErr
	}
	return f.plan.Clone(), nil
}

func (f *fakeModel) Check(_ context.Context, in CheckInput) ([]types.VerificationFailure, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks = append(f.checks, in)
	if f.checkErr != nil {
		return nil, f.checkErr
	}
	if f.checkFunc != nil {
		return f.checkFunc(len(f.checks), in), nil
	}
	return f.failures, nil
}

func (f *fakeModel) rewriteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rewrites)
}

// manuscript returns n scenes separated by scene-break lines
func manuscript(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "Scene " + strings.Repeat("x", i+1) + " where Mara walks to the harbour."
	}
	return strings.Join(parts, "\n\n* * *\n\n")
}
