package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kenkyu/internal/model"
)

// InsertTopic stores a new topic.
func (db *DB) InsertTopic(ctx context.Context, t model.Topic) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO topics (id, title, description, objective, tags, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.TopicID, t.Title, t.Description, t.Objective, TagsJSON(t.Tags), t.Status, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert topic: %w", err)
	}
	return nil
}

// GetTopic retrieves a topic by ID.
func (db *DB) GetTopic(ctx context.Context, topicID string) (model.Topic, error) {
	t, err := ScanTopic(db.pool.QueryRow(ctx,
		`SELECT `+TopicColumns+` FROM topics WHERE id = $1`, topicID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Topic{}, fmt.Errorf("%w: %s", ErrTopicNotFound, topicID)
		}
		return model.Topic{}, fmt.Errorf("storage: get topic: %w", err)
	}
	return t, nil
}

// ListTopics returns all topics ordered by creation time.
func (db *DB) ListTopics(ctx context.Context) ([]model.Topic, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+TopicColumns+` FROM topics ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list topics: %w", err)
	}
	defer rows.Close()

	topics := []model.Topic{}
	for rows.Next() {
		t, err := ScanTopic(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan topic: %w", err)
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

// DeleteTopic removes a topic and all rows scoped to it in a single
// transaction.
func (db *DB) DeleteTopic(ctx context.Context, topicID string) error {
	return db.inTx(ctx, func(tx pgx.Tx) error {
		for _, table := range []string{"events", "artifacts", "messages", "runs"} {
			if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE topic_id = $1`, topicID); err != nil {
				return fmt.Errorf("storage: delete %s: %w", table, err)
			}
		}
		tag, err := tx.Exec(ctx, `DELETE FROM topics WHERE id = $1`, topicID)
		if err != nil {
			return fmt.Errorf("storage: delete topic: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrTopicNotFound, topicID)
		}
		return nil
	})
}
