package storage

import (
	"context"
	"fmt"

	"github.com/ashita-ai/kenkyu/internal/model"
)

// InsertMessage stores a conversation turn. Messages do not advance the
// topic's updated_at.
func (db *DB) InsertMessage(ctx context.Context, m model.Message) error {
	var runID *string
	if m.RunID != "" {
		runID = &m.RunID
	}
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO messages (message_id, topic_id, run_id, agent_id, role, content, ts)
		 SELECT $1::text, id, $3::text, $4::text, $5::text, $6::text, $7::bigint FROM topics WHERE id = $2`,
		m.MessageID, m.TopicID, runID, string(m.AgentID), string(m.Role), m.Content, m.TS,
	)
	if err != nil {
		return fmt.Errorf("storage: insert message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrTopicNotFound, m.TopicID)
	}
	return nil
}

// ListMessages returns the messages selected by f.
func (db *DB) ListMessages(ctx context.Context, f MessageFilter) ([]model.Message, error) {
	query, args := SelectMessages(Postgres, f)
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list messages: %w", err)
	}
	defer rows.Close()

	msgs := []model.Message{}
	for rows.Next() {
		m, err := ScanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
