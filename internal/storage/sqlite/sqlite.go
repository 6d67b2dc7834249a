// Package sqlite implements storage.Repository on an embedded SQLite
// database for single-node deployments and tests.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	sqlitedrv "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ashita-ai/kenkyu/internal/model"
	"github.com/ashita-ai/kenkyu/internal/storage"
	"github.com/ashita-ai/kenkyu/migrations"
)

// Memory opens a private in-memory database.
const Memory = ":memory:"

// DB is the SQLite Repository. All access goes through one connection.
type DB struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ storage.Repository = (*DB)(nil)

// Open opens (or creates) the database at path and applies migrations.
func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: path required")
	}
	dsn := "file::memory:"
	if path != Memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create dir: %w", err)
		}
		dsn = "file:" + path
	}
	dsn += "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(0)

	db := &DB{db: sqlDB, logger: logger}
	if err := storage.ApplyMigrations(ctx, db, migrations.SQLite, logger); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database.
func (db *DB) Close() error {
	return db.db.Close()
}

// Ping checks that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

// AppliedMigrations implements storage.Migrator.
func (db *DB) AppliedMigrations(ctx context.Context) (map[string]bool, error) {
	if _, err := db.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL DEFAULT (unixepoch())
		)
	`); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}
	rows, err := db.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// ApplyMigration implements storage.Migrator.
func (db *DB) ApplyMigration(ctx context.Context, name, sqlText string) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, sqlText); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO schema_migrations (version) VALUES (?)`, name)
		return err
	})
}

// writeRetry replays write transactions when another process holds the
// database file past busy_timeout.
var writeRetry = storage.RetryPolicy{Retries: 3, BaseDelay: 50 * time.Millisecond, Retriable: busy}

// busy reports SQLITE_BUSY and SQLITE_LOCKED, including their extended codes.
func busy(err error) bool {
	var sqlErr *sqlitedrv.Error
	if !errors.As(err, &sqlErr) {
		return false
	}
	switch sqlErr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

func (db *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return writeRetry.Do(ctx, func() error {
		tx, err := db.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("sqlite: begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("sqlite: commit: %w", err)
		}
		return nil
	})
}

// touchTopic sets updated_at with expr (over updated_at and the second
// argument) and reports storage.ErrTopicNotFound when no row matched.
func touchTopic(ctx context.Context, tx *sql.Tx, topicID, expr string, ts int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE topics SET updated_at = `+expr+` WHERE id = ?`, ts, topicID)
	if err != nil {
		return fmt.Errorf("sqlite: touch topic: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrTopicNotFound, topicID)
	}
	return nil
}

// text converts encoded JSON to a TEXT argument; nil stays NULL.
func text(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// InsertTopic implements storage.Repository.
func (db *DB) InsertTopic(ctx context.Context, t model.Topic) error {
	_, err := db.db.ExecContext(ctx,
		`INSERT INTO topics (id, title, description, objective, tags, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TopicID, t.Title, t.Description, t.Objective, string(storage.TagsJSON(t.Tags)), t.Status, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert topic: %w", err)
	}
	return nil
}

// GetTopic implements storage.Repository.
func (db *DB) GetTopic(ctx context.Context, topicID string) (model.Topic, error) {
	t, err := storage.ScanTopic(db.db.QueryRowContext(ctx,
		`SELECT `+storage.TopicColumns+` FROM topics WHERE id = ?`, topicID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Topic{}, fmt.Errorf("%w: %s", storage.ErrTopicNotFound, topicID)
		}
		return model.Topic{}, fmt.Errorf("sqlite: get topic: %w", err)
	}
	return t, nil
}

// ListTopics implements storage.Repository.
func (db *DB) ListTopics(ctx context.Context) ([]model.Topic, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT `+storage.TopicColumns+` FROM topics ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list topics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	topics := []model.Topic{}
	for rows.Next() {
		t, err := storage.ScanTopic(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan topic: %w", err)
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

// DeleteTopic implements storage.Repository.
func (db *DB) DeleteTopic(ctx context.Context, topicID string) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"events", "artifacts", "messages", "runs"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE topic_id = ?`, topicID); err != nil {
				return fmt.Errorf("sqlite: delete %s: %w", table, err)
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM topics WHERE id = ?`, topicID)
		if err != nil {
			return fmt.Errorf("sqlite: delete topic: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", storage.ErrTopicNotFound, topicID)
		}
		return nil
	})
}

// InsertRun implements storage.Repository.
func (db *DB) InsertRun(ctx context.Context, r model.Run) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		if err := touchTopic(ctx, tx, r.TopicID, `?`, r.StartedAt); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO runs (id, topic_id, status, started_at, ended_at) VALUES (?, ?, ?, ?, ?)`,
			r.RunID, r.TopicID, string(r.Status), r.StartedAt, r.EndedAt,
		); err != nil {
			return fmt.Errorf("sqlite: insert run: %w", err)
		}
		return nil
	})
}

// GetRun implements storage.Repository.
func (db *DB) GetRun(ctx context.Context, runID string) (model.Run, error) {
	r, err := storage.ScanRun(db.db.QueryRowContext(ctx, `SELECT `+storage.RunColumns+` FROM runs WHERE id = ?`, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Run{}, fmt.Errorf("%w: %s", storage.ErrRunNotFound, runID)
		}
		return model.Run{}, fmt.Errorf("sqlite: get run: %w", err)
	}
	return r, nil
}

// SetRunStatus implements storage.Repository.
func (db *DB) SetRunStatus(ctx context.Context, topicID, runID string, status model.RunStatus, ts int64) error {
	var endedAt *int64
	if status.Terminal() {
		endedAt = &ts
	}
	return db.inTx(ctx, func(tx *sql.Tx) error {
		if err := touchTopic(ctx, tx, topicID, `?`, ts); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, ended_at = COALESCE(?, ended_at) WHERE id = ? AND topic_id = ?`,
			string(status), endedAt, runID, topicID,
		)
		if err != nil {
			return fmt.Errorf("sqlite: update run status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", storage.ErrRunNotFound, runID)
		}
		return nil
	})
}

// RunPointers implements storage.Repository.
func (db *DB) RunPointers(ctx context.Context, topicID string) (last, active string, err error) {
	err = db.db.QueryRowContext(ctx,
		`SELECT
		   COALESCE((SELECT id FROM runs WHERE topic_id = ?1 ORDER BY started_at DESC, id DESC LIMIT 1), ''),
		   COALESCE((SELECT id FROM runs WHERE topic_id = ?1 AND status IN ('queued', 'running')
		             ORDER BY started_at DESC, id DESC LIMIT 1), '')`,
		topicID,
	).Scan(&last, &active)
	if err != nil {
		return "", "", fmt.Errorf("sqlite: run pointers: %w", err)
	}
	return last, active, nil
}

// InsertEvent implements storage.Repository.
func (db *DB) InsertEvent(ctx context.Context, ev model.Event) error {
	payload, artifacts, err := storage.EventJSON(ev)
	if err != nil {
		return err
	}
	return db.inTx(ctx, func(tx *sql.Tx) error {
		if err := touchTopic(ctx, tx, ev.TopicID, `MAX(updated_at, ?)`, ev.TS); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (event_id, ts, topic_id, run_id, agent_id, kind, severity, summary, payload, artifacts, trace_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.EventID, ev.TS, ev.TopicID, ev.RunID, string(ev.AgentID), string(ev.Kind), string(ev.Severity),
			ev.Summary, text(payload), text(artifacts), nullable(ev.TraceID),
		); err != nil {
			return fmt.Errorf("sqlite: insert event: %w", err)
		}
		return nil
	})
}

// ListEvents implements storage.Repository.
func (db *DB) ListEvents(ctx context.Context, f storage.EventFilter) ([]model.Event, error) {
	query, args := storage.SelectEvents(storage.SQLite, f)
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []model.Event
	for rows.Next() {
		ev, err := storage.ScanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// InsertArtifact implements storage.Repository.
func (db *DB) InsertArtifact(ctx context.Context, a model.Artifact) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		if err := touchTopic(ctx, tx, a.TopicID, `?`, a.CreatedAt); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO artifacts (artifact_id, topic_id, run_id, name, content_type, locator, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.ArtifactID, a.TopicID, a.RunID, a.Name, a.ContentType, a.Locator, a.CreatedAt,
		); err != nil {
			return fmt.Errorf("sqlite: insert artifact: %w", err)
		}
		return nil
	})
}

// ListArtifacts implements storage.Repository.
func (db *DB) ListArtifacts(ctx context.Context, f storage.ArtifactFilter) ([]model.Artifact, error) {
	query, args := storage.SelectArtifacts(storage.SQLite, f)
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Artifact
	for rows.Next() {
		a, err := storage.ScanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// InsertMessage implements storage.Repository.
func (db *DB) InsertMessage(ctx context.Context, m model.Message) error {
	res, err := db.db.ExecContext(ctx,
		`INSERT INTO messages (message_id, topic_id, run_id, agent_id, role, content, ts)
		 SELECT ?, id, ?, ?, ?, ?, ? FROM topics WHERE id = ?`,
		m.MessageID, nullable(m.RunID), string(m.AgentID), string(m.Role), m.Content, m.TS, m.TopicID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrTopicNotFound, m.TopicID)
	}
	return nil
}

// ListMessages implements storage.Repository.
func (db *DB) ListMessages(ctx context.Context, f storage.MessageFilter) ([]model.Message, error) {
	query, args := storage.SelectMessages(storage.SQLite, f)
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	msgs := []model.Message{}
	for rows.Next() {
		m, err := storage.ScanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
