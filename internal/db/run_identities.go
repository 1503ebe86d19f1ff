package db

import (
	"context"
	"fmt"

	"github.com/jonathan/scene-rewriter/internal/runid"
	"github.com/jonathan/scene-rewriter/internal/types"
)

// RunIdentityStore keeps the active run per scope key in Postgres, shared by every orchestrator
// process using the database
type RunIdentityStore struct {
	db *DB
}

var _ runid.Store = (*RunIdentityStore)(nil)

// RunIdentities returns the run-identity side-channel backed by db
func (db *DB) RunIdentities() *RunIdentityStore {
	return &RunIdentityStore{db: db}
}

// Get returns the stored identity for key, or "" when none is stored
func (s *RunIdentityStore) Get(ctx context.Context, key string) (types.RunID, error) {
	var id types.RunID
	err := s.db.pool.QueryRow(ctx, `SELECT run_id FROM run_identities WHERE scope_key = $1`, key).Scan(&id)
	if err != nil {
		if isNoRows(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get run identity: %w", err)
	}
	return id, nil
}

// Set stores id under key
func (s *RunIdentityStore) Set(ctx context.Context, key string, id types.RunID) error {
	_, err := s.db.pool.Exec(ctx,
		`INSERT INTO run_identities (scope_key, run_id) VALUES ($1, $2)
		 ON CONFLICT (scope_key) DO UPDATE SET run_id = $2, updated_at = NOW()`,
		key, id,
	)
	if err != nil {
		return fmt.Errorf("failed to set run identity: %w", err)
	}
	return nil
}

// Delete removes key
func (s *RunIdentityStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.pool.Exec(ctx, `DELETE FROM run_identities WHERE scope_key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete run identity: %w", err)
	}
	return nil
}
