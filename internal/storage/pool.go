// Package storage persists topics, runs, events, artifacts and messages.
//
// Store holds the domain operations (snapshots, traces, artifact content)
// and delegates rows to a Repository: the PostgreSQL DB in this package or
// the embedded SQLite DB in storage/sqlite.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kenkyu/internal/telemetry"
)

// writeRetry replays write transactions that hit serialization failures
// or deadlocks.
var writeRetry = RetryPolicy{Retries: 3, BaseDelay: 20 * time.Millisecond, Retriable: PostgresTransient}

// DB is the PostgreSQL Repository, backed by a pgxpool.Pool.
type DB struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	metrics metric.Registration
}

// New connects to Postgres at dsn and verifies the connection.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	db := &DB{pool: pool, logger: logger}
	if err := db.registerMetrics(); err != nil {
		logger.Warn("storage: pool metrics unavailable", "error", err)
	}
	return db, nil
}

// registerMetrics reports pool occupancy on every metrics collection.
func (db *DB) registerMetrics() error {
	meter := telemetry.Meter("kenkyu/storage")
	total, err := meter.Int64ObservableGauge("kenkyu.db.pool.connections",
		metric.WithDescription("Open connections in the Postgres pool"))
	if err != nil {
		return err
	}
	idle, err := meter.Int64ObservableGauge("kenkyu.db.pool.idle",
		metric.WithDescription("Idle connections in the Postgres pool"))
	if err != nil {
		return err
	}
	waits, err := meter.Int64ObservableCounter("kenkyu.db.pool.waits",
		metric.WithDescription("Acquires that had to wait for a connection"))
	if err != nil {
		return err
	}
	db.metrics, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st := db.pool.Stat()
		o.ObserveInt64(total, int64(st.TotalConns()))
		o.ObserveInt64(idle, int64(st.IdleConns()))
		o.ObserveInt64(waits, st.EmptyAcquireCount())
		return nil
	}, total, idle, waits)
	return err
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() error {
	if db.metrics != nil {
		_ = db.metrics.Unregister()
	}
	db.pool.Close()
	return nil
}

// inTx runs fn in a transaction, retrying the whole transaction on
// transient conflicts.
func (db *DB) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return writeRetry.Do(ctx, func() error {
		tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("storage: begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

// touchTopic sets updated_at with expr (a SQL expression over updated_at
// and $2) and reports ErrTopicNotFound when no row matched.
func touchTopic(ctx context.Context, tx pgx.Tx, topicID, expr string, ts int64) error {
	tag, err := tx.Exec(ctx, `UPDATE topics SET updated_at = `+expr+` WHERE id = $1`, topicID, ts)
	if err != nil {
		return fmt.Errorf("storage: touch topic: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrTopicNotFound, topicID)
	}
	return nil
}
