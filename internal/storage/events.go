package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kenkyu/internal/model"
)

// InsertEvent appends an event and raises the topic's updated_at.
func (db *DB) InsertEvent(ctx context.Context, ev model.Event) error {
	payload, artifacts, err := EventJSON(ev)
	if err != nil {
		return err
	}
	var traceID *string
	if ev.TraceID != "" {
		traceID = &ev.TraceID
	}
	return db.inTx(ctx, func(tx pgx.Tx) error {
		if err := touchTopic(ctx, tx, ev.TopicID, `GREATEST(updated_at, $2)`, ev.TS); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO events (event_id, ts, topic_id, run_id, agent_id, kind, severity, summary, payload, artifacts, trace_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			ev.EventID, ev.TS, ev.TopicID, ev.RunID, string(ev.AgentID), string(ev.Kind), string(ev.Severity),
			ev.Summary, payload, artifacts, traceID,
		); err != nil {
			return fmt.Errorf("storage: insert event: %w", err)
		}
		return nil
	})
}

// ListEvents returns the events selected by f.
func (db *DB) ListEvents(ctx context.Context, f EventFilter) ([]model.Event, error) {
	query, args := SelectEvents(Postgres, f)
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		ev, err := ScanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
