package rewriting

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jonathan/scene-rewriter/internal/engine"
	"github.com/jonathan/scene-rewriter/internal/types"
)

// MemoryStore is a process-scoped Store
type MemoryStore struct {
	mu        sync.Mutex
	sources   map[string]*Source
	runs      map[types.RunID]*Run
	jobs      map[types.RunID][]*JobRecord
	artifacts map[string]*Artifact
	credits   map[string]int
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sources:   make(map[string]*Source),
		runs:      make(map[types.RunID]*Run),
		jobs:      make(map[types.RunID][]*JobRecord),
		artifacts: make(map[string]*Artifact),
		credits:   make(map[string]int),
	}
}

// SetCredits sets the balance of account, making it metered
func (m *MemoryStore) SetCredits(account string, balance int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credits[account] = balance
}

// Credits returns the balance of account and whether it is metered
func (m *MemoryStore) Credits(account string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	balance, ok := m.credits[account]
	return balance, ok
}

// SaveSource implements Store
func (m *MemoryStore) SaveSource(_ context.Context, src *Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sources[src.Ref.SourceVersionID]; ok {
		if existing.Content != src.Content || existing.Ref.SourceID != src.Ref.SourceID {
			return ErrSourceChanged
		}
		return nil
	}
	c := *src
	c.Units = slices.Clone(src.Units)
	m.sources[src.Ref.SourceVersionID] = &c
	return nil
}

// GetSource implements Store
func (m *MemoryStore) GetSource(_ context.Context, sourceVersionID string) (*Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[sourceVersionID]
	if !ok {
		return nil, notFound("source version %s", sourceVersionID)
	}
	c := *src
	c.Units = slices.Clone(src.Units)
	return &c, nil
}

// CreateRun implements Store
func (m *MemoryStore) CreateRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeLocked(run.SourceVersionID) != nil {
		return ErrActiveRunExists
	}
	if _, ok := m.runs[run.ID]; ok {
		return conflict("run %s already exists", run.ID)
	}
	stored := run.Clone()
	stored.State = RunActive
	slices.Sort(stored.Targets)
	stored.Targets = slices.Compact(stored.Targets)
	m.runs[run.ID] = stored
	jobs := make([]*JobRecord, 0, len(stored.Targets))
	for _, u := range stored.Targets {
		jobs = append(jobs, &JobRecord{RunID: run.ID, UnitNumber: u, Status: types.JobQueued, UpdatedAt: run.CreatedAt})
	}
	m.jobs[run.ID] = jobs
	return nil
}

// GetRun implements Store
func (m *MemoryStore) GetRun(_ context.Context, id types.RunID) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, notFound("run %s", id)
	}
	return run.Clone(), nil
}

// ActiveRun implements Store
func (m *MemoryStore) ActiveRun(_ context.Context, sourceVersionID string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked(sourceVersionID).Clone(), nil
}

func (m *MemoryStore) activeLocked(sourceVersionID string) *Run {
	var newest *Run
	for _, run := range m.runs {
		if run.SourceVersionID != sourceVersionID || run.State != RunActive {
			continue
		}
		if newest == nil || run.CreatedAt.After(newest.CreatedAt) {
			newest = run
		}
	}
	return newest
}

// AddJobs implements Store
func (m *MemoryStore) AddJobs(_ context.Context, id types.RunID, units []int, depth int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return 0, notFound("run %s", id)
	}
	if run.State != RunActive {
		if other := m.activeLocked(run.SourceVersionID); other != nil && other.ID != id {
			return 0, ErrActiveRunExists
		}
	}
	added := 0
	for _, u := range units {
		if slices.Contains(run.Targets, u) {
			continue
		}
		run.Targets = append(run.Targets, u)
		m.jobs[id] = append(m.jobs[id], &JobRecord{RunID: id, UnitNumber: u, Status: types.JobQueued})
		added++
	}
	slices.Sort(run.Targets)
	slices.SortFunc(m.jobs[id], func(a, b *JobRecord) int { return a.UnitNumber - b.UnitNumber })
	run.Depth = max(run.Depth, depth)
	run.State = RunActive
	return added, nil
}

// ClaimJob implements Store
func (m *MemoryStore) ClaimJob(_ context.Context, id types.RunID, now time.Time) (*JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs, ok := m.jobs[id]
	if !ok {
		return nil, notFound("run %s", id)
	}
	for _, job := range jobs {
		if job.Status != types.JobQueued {
			continue
		}
		claimedAt := now
		job.Status = types.JobRunning
		job.Attempts++
		job.ClaimedAt = &claimedAt
		job.Error = nil
		job.UpdatedAt = now
		c := *job
		return &c, nil
	}
	return nil, nil
}

// ReleaseJob implements Store
func (m *MemoryStore) ReleaseJob(_ context.Context, id types.RunID, unit int) error {
	return m.update(id, unit, func(job *JobRecord) {
		job.Status = types.JobQueued
		job.ClaimedAt = nil
		if job.Attempts > 0 {
			job.Attempts--
		}
	})
}

// CompleteJob implements Store
func (m *MemoryStore) CompleteJob(_ context.Context, id types.RunID, unit int, result JobResult) error {
	return m.update(id, unit, func(job *JobRecord) {
		output := result.Output
		job.Status = types.JobDone
		job.Output = &output
		job.Fingerprint = result.Fingerprint
		job.Metrics = result.Metrics
		job.Error = nil
	})
}

// FailJob implements Store
func (m *MemoryStore) FailJob(_ context.Context, id types.RunID, unit int, message string) error {
	return m.update(id, unit, func(job *JobRecord) {
		msg := message
		job.Status = types.JobFailed
		job.Error = &msg
	})
}

func (m *MemoryStore) update(id types.RunID, unit int, fn func(*JobRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs[id] {
		if job.UnitNumber == unit {
			fn(job)
			job.UpdatedAt = time.Now()
			return nil
		}
	}
	return notFound("job %d of run %s", unit, id)
}

// Jobs implements Store
func (m *MemoryStore) Jobs(_ context.Context, id types.RunID) ([]JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[id]; !ok {
		return nil, notFound("run %s", id)
	}
	out := make([]JobRecord, 0, len(m.jobs[id]))
	for _, job := range m.jobs[id] {
		out = append(out, *job)
	}
	return out, nil
}

// ResetFailed implements Store
func (m *MemoryStore) ResetFailed(_ context.Context, sourceVersionID string, id types.RunID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reset := 0
	for runID, jobs := range m.jobs {
		run := m.runs[runID]
		if run.SourceVersionID != sourceVersionID || (!id.IsZero() && runID != id) {
			continue
		}
		n := 0
		for _, job := range jobs {
			if job.Status == types.JobFailed {
				job.Status = types.JobQueued
				job.Error = nil
				job.ClaimedAt = nil
				n++
			}
		}
		if n > 0 {
			run.State = RunActive
		}
		reset += n
	}
	return reset, nil
}

// RequeueStuck implements Store
func (m *MemoryStore) RequeueStuck(_ context.Context, sourceVersionID string, claimedBefore time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	requeued := 0
	for runID, jobs := range m.jobs {
		if m.runs[runID].SourceVersionID != sourceVersionID {
			continue
		}
		for _, job := range jobs {
			if job.Status == types.JobRunning && job.ClaimedAt != nil && job.ClaimedAt.Before(claimedBefore) {
				job.Status = types.JobQueued
				job.ClaimedAt = nil
				requeued++
			}
		}
	}
	return requeued, nil
}

// FindOutput implements Store
func (m *MemoryStore) FindOutput(_ context.Context, sourceVersionID string, unit int, fingerprint string) (*JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for runID, jobs := range m.jobs {
		if m.runs[runID].SourceVersionID != sourceVersionID {
			continue
		}
		for _, job := range jobs {
			if job.UnitNumber == unit && job.Status == types.JobDone && job.Output != nil && job.Fingerprint == fingerprint {
				c := *job
				return &c, nil
			}
		}
	}
	return nil, nil
}

// SaveArtifact implements Store
func (m *MemoryStore) SaveArtifact(_ context.Context, artifact *Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[artifact.RunID]
	if !ok {
		return notFound("run %s", artifact.RunID)
	}
	c := *artifact
	m.artifacts[artifact.ID] = &c
	run.State = RunAssembled
	return nil
}

// GetArtifact implements Store
func (m *MemoryStore) GetArtifact(_ context.Context, id string) (*Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	artifact, ok := m.artifacts[id]
	if !ok {
		return nil, notFound("artifact %s", id)
	}
	c := *artifact
	return &c, nil
}

// ConsumeCredit implements Store
func (m *MemoryStore) ConsumeCredit(_ context.Context, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	balance, metered := m.credits[account]
	if !metered {
		return nil
	}
	if balance <= 0 {
		return fmt.Errorf("%w: account %q has no credits left", engine.ErrCreditsExhausted, account)
	}
	m.credits[account] = balance - 1
	return nil
}
