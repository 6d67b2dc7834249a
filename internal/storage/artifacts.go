package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kenkyu/internal/model"
)

// InsertArtifact records an artifact whose content is already stored.
func (db *DB) InsertArtifact(ctx context.Context, a model.Artifact) error {
	return db.inTx(ctx, func(tx pgx.Tx) error {
		if err := touchTopic(ctx, tx, a.TopicID, `$2`, a.CreatedAt); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO artifacts (artifact_id, topic_id, run_id, name, content_type, locator, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			a.ArtifactID, a.TopicID, a.RunID, a.Name, a.ContentType, a.Locator, a.CreatedAt,
		); err != nil {
			return fmt.Errorf("storage: insert artifact: %w", err)
		}
		return nil
	})
}

// ListArtifacts returns the artifacts selected by f.
func (db *DB) ListArtifacts(ctx context.Context, f ArtifactFilter) ([]model.Artifact, error) {
	query, args := SelectArtifacts(Postgres, f)
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list artifacts: %w", err)
	}
	defer rows.Close()

	var out []model.Artifact
	for rows.Next() {
		a, err := ScanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
