package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kenkyu/internal/model"
)

// InsertRun stores a run and sets the topic's updated_at to its start.
func (db *DB) InsertRun(ctx context.Context, r model.Run) error {
	return db.inTx(ctx, func(tx pgx.Tx) error {
		if err := touchTopic(ctx, tx, r.TopicID, `$2`, r.StartedAt); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO runs (id, topic_id, status, started_at, ended_at) VALUES ($1, $2, $3, $4, $5)`,
			r.RunID, r.TopicID, string(r.Status), r.StartedAt, r.EndedAt,
		); err != nil {
			return fmt.Errorf("storage: insert run: %w", err)
		}
		return nil
	})
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, runID string) (model.Run, error) {
	r, err := ScanRun(db.pool.QueryRow(ctx, `SELECT `+RunColumns+` FROM runs WHERE id = $1`, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return r, nil
}

// SetRunStatus updates the status of a run belonging to topicID.
func (db *DB) SetRunStatus(ctx context.Context, topicID, runID string, status model.RunStatus, ts int64) error {
	var endedAt *int64
	if status.Terminal() {
		endedAt = &ts
	}
	return db.inTx(ctx, func(tx pgx.Tx) error {
		if err := touchTopic(ctx, tx, topicID, `$2`, ts); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`UPDATE runs SET status = $1, ended_at = COALESCE($2, ended_at) WHERE id = $3 AND topic_id = $4`,
			string(status), endedAt, runID, topicID,
		)
		if err != nil {
			return fmt.Errorf("storage: update run status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil
	})
}

// RunPointers returns the latest run and latest active run of a topic.
func (db *DB) RunPointers(ctx context.Context, topicID string) (last, active string, err error) {
	err = db.pool.QueryRow(ctx,
		`SELECT
		   COALESCE((SELECT id FROM runs WHERE topic_id = $1 ORDER BY started_at DESC, id DESC LIMIT 1), ''),
		   COALESCE((SELECT id FROM runs WHERE topic_id = $1 AND status IN ('queued', 'running')
		             ORDER BY started_at DESC, id DESC LIMIT 1), '')`,
		topicID,
	).Scan(&last, &active)
	if err != nil {
		return "", "", fmt.Errorf("storage: run pointers: %w", err)
	}
	return last, active, nil
}
