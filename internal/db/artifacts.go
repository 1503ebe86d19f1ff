package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jonathan/scene-rewriter/internal/engine"
	"github.com/jonathan/scene-rewriter/internal/rewriting"
)

// -----------------------------------------------------------------------------
// Artifacts
// -----------------------------------------------------------------------------

// SaveArtifact implements rewriting.Store
func (db *DB) SaveArtifact(ctx context.Context, artifact *rewriting.Artifact) error {
	provenanceJSON, err := json.Marshal(artifact.Provenance)
	if err != nil {
		return fmt.Errorf("failed to marshal provenance: %w", err)
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `UPDATE rewrite_runs SET state = 'assembled' WHERE id = $1`, artifact.RunID)
	if err != nil {
		return fmt.Errorf("failed to mark run assembled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: run %s", engine.ErrNotFound, artifact.RunID)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO rewrite_artifacts (id, source_id, source_version_id, run_id, label, content, provenance, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		artifact.ID, artifact.SourceID, artifact.SourceVersionID, artifact.RunID,
		artifact.Label, artifact.Content, provenanceJSON, artifact.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save artifact: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit artifact: %w", err)
	}
	return nil
}

// GetArtifact implements rewriting.Store
func (db *DB) GetArtifact(ctx context.Context, id string) (*rewriting.Artifact, error) {
	var artifact rewriting.Artifact
	var provenanceJSON []byte
	err := db.pool.QueryRow(ctx,
		`SELECT id, source_id, source_version_id, run_id, label, content, provenance, created_at
		 FROM rewrite_artifacts WHERE id = $1`,
		id,
	).Scan(&artifact.ID, &artifact.SourceID, &artifact.SourceVersionID, &artifact.RunID,
		&artifact.Label, &artifact.Content, &provenanceJSON, &artifact.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: artifact %s", engine.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}
	if err := json.Unmarshal(provenanceJSON, &artifact.Provenance); err != nil {
		return nil, fmt.Errorf("failed to decode provenance: %w", err)
	}
	return &artifact, nil
}
