package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jonathan/scene-rewriter/internal/engine"
	"github.com/jonathan/scene-rewriter/internal/rewriting"
	"github.com/jonathan/scene-rewriter/internal/types"
)

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

const jobColumns = `run_id, unit_number, status, attempts, error_message, claimed_at, fingerprint, output, metrics, updated_at`

func scanJob(row pgx.Row) (*rewriting.JobRecord, error) {
	var job rewriting.JobRecord
	var metricsJSON []byte
	if err := row.Scan(&job.RunID, &job.UnitNumber, &job.Status, &job.Attempts, &job.Error,
		&job.ClaimedAt, &job.Fingerprint, &job.Output, &metricsJSON, &job.UpdatedAt); err != nil {
		return nil, err
	}
	if metricsJSON != nil {
		_ = json.Unmarshal(metricsJSON, &job.Metrics)
	}
	return &job, nil
}

// ClaimJob implements rewriting.Store. SKIP LOCKED lets concurrent workers claim different jobs.
func (db *DB) ClaimJob(ctx context.Context, id types.RunID, now time.Time) (*rewriting.JobRecord, error) {
	job, err := scanJob(db.pool.QueryRow(ctx,
		`UPDATE rewrite_jobs
		 SET status = 'running', attempts = attempts + 1, claimed_at = $2, error_message = NULL, updated_at = $2
		 WHERE run_id = $1 AND unit_number = (
		     SELECT unit_number FROM rewrite_jobs
		     WHERE run_id = $1 AND status = 'queued'
		     ORDER BY unit_number
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		id, now,
	))
	if err == nil {
		return job, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	var exists bool
	if err := db.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM rewrite_runs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check run: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: run %s", engine.ErrNotFound, id)
	}
	return nil, nil
}

// ReleaseJob implements rewriting.Store
func (db *DB) ReleaseJob(ctx context.Context, id types.RunID, unit int) error {
	return db.updateJob(ctx, id, unit,
		`UPDATE rewrite_jobs
		 SET status = 'queued', claimed_at = NULL, attempts = GREATEST(attempts - 1, 0), updated_at = NOW()
		 WHERE run_id = $1 AND unit_number = $2`)
}

// CompleteJob implements rewriting.Store
func (db *DB) CompleteJob(ctx context.Context, id types.RunID, unit int, result rewriting.JobResult) error {
	metricsJSON, err := json.Marshal(result.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}
	return db.updateJob(ctx, id, unit,
		`UPDATE rewrite_jobs
		 SET status = 'done', output = $3, fingerprint = $4, metrics = $5, error_message = NULL, updated_at = NOW()
		 WHERE run_id = $1 AND unit_number = $2`,
		result.Output, result.Fingerprint, metricsJSON)
}

// FailJob implements rewriting.Store
func (db *DB) FailJob(ctx context.Context, id types.RunID, unit int, message string) error {
	return db.updateJob(ctx, id, unit,
		`UPDATE rewrite_jobs
		 SET status = 'failed', error_message = $3, updated_at = NOW()
		 WHERE run_id = $1 AND unit_number = $2`,
		message)
}

func (db *DB) updateJob(ctx context.Context, id types.RunID, unit int, query string, args ...any) error {
	tag, err := db.pool.Exec(ctx, query, append([]any{id, unit}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update job %d: %w", unit, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %d of run %s", engine.ErrNotFound, unit, id)
	}
	return nil
}

// Jobs implements rewriting.Store
func (db *DB) Jobs(ctx context.Context, id types.RunID) ([]rewriting.JobRecord, error) {
	if _, err := db.GetRun(ctx, id); err != nil {
		return nil, err
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM rewrite_jobs WHERE run_id = $1 ORDER BY unit_number`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []rewriting.JobRecord{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// ResetFailed implements rewriting.Store
func (db *DB) ResetFailed(ctx context.Context, sourceVersionID string, id types.RunID) (int, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`UPDATE rewrite_jobs j
		 SET status = 'queued', error_message = NULL, claimed_at = NULL, updated_at = NOW()
		 FROM rewrite_runs r
		 WHERE j.run_id = r.id AND r.source_version_id = $1 AND ($2::text = '' OR r.id = $2::text) AND j.status = 'failed'
		 RETURNING j.run_id`,
		sourceVersionID, id,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset jobs: %w", err)
	}
	touched := map[types.RunID]bool{}
	reset := 0
	for rows.Next() {
		var runID types.RunID
		if err := rows.Scan(&runID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan reset job: %w", err)
		}
		touched[runID] = true
		reset++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to reset jobs: %w", err)
	}

	for runID := range touched {
		if _, err := tx.Exec(ctx, `UPDATE rewrite_runs SET state = 'active' WHERE id = $1`, runID); err != nil {
			if isUniqueViolation(err, "rewrite_runs_one_active") {
				return 0, rewriting.ErrActiveRunExists
			}
			return 0, fmt.Errorf("failed to reactivate run: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit reset: %w", err)
	}
	return reset, nil
}

// RequeueStuck implements rewriting.Store
func (db *DB) RequeueStuck(ctx context.Context, sourceVersionID string, claimedBefore time.Time) (int, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE rewrite_jobs j
		 SET status = 'queued', claimed_at = NULL, updated_at = NOW()
		 FROM rewrite_runs r
		 WHERE j.run_id = r.id AND r.source_version_id = $1
		   AND j.status = 'running' AND j.claimed_at < $2`,
		sourceVersionID, claimedBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// FindOutput implements rewriting.Store
func (db *DB) FindOutput(ctx context.Context, sourceVersionID string, unit int, fingerprint string) (*rewriting.JobRecord, error) {
	job, err := scanJob(db.pool.QueryRow(ctx,
		`SELECT j.run_id, j.unit_number, j.status, j.attempts, j.error_message, j.claimed_at,
		        j.fingerprint, j.output, j.metrics, j.updated_at
		 FROM rewrite_jobs j JOIN rewrite_runs r ON r.id = j.run_id
		 WHERE r.source_version_id = $1 AND j.unit_number = $2 AND j.fingerprint = $3
		   AND j.status = 'done' AND j.output IS NOT NULL
		 ORDER BY j.updated_at DESC
		 LIMIT 1`,
		sourceVersionID, unit, fingerprint,
	))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find output: %w", err)
	}
	return job, nil
}
