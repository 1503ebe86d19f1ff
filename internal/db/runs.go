package db

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"

	"github.com/jonathan/scene-rewriter/internal/engine"
	"github.com/jonathan/scene-rewriter/internal/rewriting"
	"github.com/jonathan/scene-rewriter/internal/types"
)

var _ rewriting.Store = (*DB)(nil)

// -----------------------------------------------------------------------------
// Sources
// -----------------------------------------------------------------------------

// SaveSource implements rewriting.Store
func (db *DB) SaveSource(ctx context.Context, src *rewriting.Source) error {
	unitsJSON, err := json.Marshal(src.Units)
	if err != nil {
		return fmt.Errorf("failed to marshal units: %w", err)
	}

	tag, err := db.pool.Exec(ctx,
		`INSERT INTO sources (source_version_id, source_id, format, content, strategy, units, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (source_version_id) DO NOTHING`,
		src.Ref.SourceVersionID, src.Ref.SourceID, src.Format, src.Content, src.Strategy, unitsJSON, src.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save source: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var sourceID, content string
	err = db.pool.QueryRow(ctx,
		`SELECT source_id, content FROM sources WHERE source_version_id = $1`,
		src.Ref.SourceVersionID,
	).Scan(&sourceID, &content)
	if err != nil {
		return fmt.Errorf("failed to read existing source: %w", err)
	}
	if sourceID != src.Ref.SourceID || content != src.Content {
		return rewriting.ErrSourceChanged
	}
	return nil
}

// GetSource implements rewriting.Store
func (db *DB) GetSource(ctx context.Context, sourceVersionID string) (*rewriting.Source, error) {
	var src rewriting.Source
	var unitsJSON []byte
	err := db.pool.QueryRow(ctx,
		`SELECT source_id, source_version_id, format, content, strategy, units, created_at
		 FROM sources WHERE source_version_id = $1`,
		sourceVersionID,
	).Scan(&src.Ref.SourceID, &src.Ref.SourceVersionID, &src.Format, &src.Content, &src.Strategy, &unitsJSON, &src.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: source version %s", engine.ErrNotFound, sourceVersionID)
		}
		return nil, fmt.Errorf("failed to get source: %w", err)
	}
	if err := json.Unmarshal(unitsJSON, &src.Units); err != nil {
		return nil, fmt.Errorf("failed to decode units: %w", err)
	}
	return &src, nil
}

// -----------------------------------------------------------------------------
// Runs
// -----------------------------------------------------------------------------

const runColumns = `id, source_id, source_version_id, account, edits, protected, targets, propagation_depth, state, created_at`

func scanRun(row pgx.Row) (*rewriting.Run, error) {
	var run rewriting.Run
	var editsJSON, protectedJSON, targetsJSON []byte
	if err := row.Scan(&run.ID, &run.SourceID, &run.SourceVersionID, &run.Account,
		&editsJSON, &protectedJSON, &targetsJSON, &run.Depth, &run.State, &run.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(editsJSON, &run.Edits); err != nil {
		return nil, fmt.Errorf("failed to decode edits: %w", err)
	}
	if err := json.Unmarshal(protectedJSON, &run.Protected); err != nil {
		return nil, fmt.Errorf("failed to decode protected items: %w", err)
	}
	if err := json.Unmarshal(targetsJSON, &run.Targets); err != nil {
		return nil, fmt.Errorf("failed to decode targets: %w", err)
	}
	return &run, nil
}

// CreateRun implements rewriting.Store
func (db *DB) CreateRun(ctx context.Context, run *rewriting.Run) error {
	targets := slices.Clone(run.Targets)
	slices.Sort(targets)
	targets = slices.Compact(targets)

	editsJSON, err := json.Marshal(nonNil(run.Edits))
	if err != nil {
		return fmt.Errorf("failed to marshal edits: %w", err)
	}
	protectedJSON, err := json.Marshal(nonNil(run.Protected))
	if err != nil {
		return fmt.Errorf("failed to marshal protected items: %w", err)
	}
	targetsJSON, err := json.Marshal(nonNil(targets))
	if err != nil {
		return fmt.Errorf("failed to marshal targets: %w", err)
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO rewrite_runs (id, source_id, source_version_id, account, edits, protected, targets, state, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 'active', $8)`,
		run.ID, run.SourceID, run.SourceVersionID, run.Account, editsJSON, protectedJSON, targetsJSON, run.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "rewrite_runs_one_active") {
			return rewriting.ErrActiveRunExists
		}
		if isUniqueViolation(err, "") {
			return fmt.Errorf("%w: run %s already exists", engine.ErrConflict, run.ID)
		}
		return fmt.Errorf("failed to create run: %w", err)
	}

	if _, err := insertJobs(ctx, tx, run.ID, targets); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

// GetRun implements rewriting.Store
func (db *DB) GetRun(ctx context.Context, id types.RunID) (*rewriting.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM rewrite_runs WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: run %s", engine.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ActiveRun implements rewriting.Store
func (db *DB) ActiveRun(ctx context.Context, sourceVersionID string) (*rewriting.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM rewrite_runs
		 WHERE source_version_id = $1 AND state = 'active'
		 ORDER BY created_at DESC LIMIT 1`, sourceVersionID))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active run: %w", err)
	}
	return run, nil
}

// AddJobs implements rewriting.Store
func (db *DB) AddJobs(ctx context.Context, id types.RunID, units []int, depth int) (int, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	run, err := scanRun(tx.QueryRow(ctx,
		`SELECT `+runColumns+` FROM rewrite_runs WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if isNoRows(err) {
			return 0, fmt.Errorf("%w: run %s", engine.ErrNotFound, id)
		}
		return 0, fmt.Errorf("failed to lock run: %w", err)
	}

	added, err := insertJobs(ctx, tx, id, units)
	if err != nil {
		return 0, err
	}

	targets := append(slices.Clone(run.Targets), units...)
	slices.Sort(targets)
	targets = slices.Compact(targets)
	targetsJSON, err := json.Marshal(targets)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal targets: %w", err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE rewrite_runs
		 SET targets = $2, propagation_depth = GREATEST(propagation_depth, $3), state = 'active'
		 WHERE id = $1`,
		id, targetsJSON, depth,
	)
	if err != nil {
		if isUniqueViolation(err, "rewrite_runs_one_active") {
			return 0, rewriting.ErrActiveRunExists
		}
		return 0, fmt.Errorf("failed to update run: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit jobs: %w", err)
	}
	return added, nil
}

// insertJobs queues one job per unit, skipping units already in the run
func insertJobs(ctx context.Context, tx pgx.Tx, id types.RunID, units []int) (int, error) {
	if len(units) == 0 {
		return 0, nil
	}
	numbers := make([]int32, len(units))
	for i, u := range units {
		numbers[i] = int32(u)
	}
	tag, err := tx.Exec(ctx,
		`INSERT INTO rewrite_jobs (run_id, unit_number)
		 SELECT $1, u FROM unnest($2::int[]) AS u
		 ON CONFLICT (run_id, unit_number) DO NOTHING`,
		id, numbers,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to queue jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
