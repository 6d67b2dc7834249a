package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// RetryPolicy retries a whole write transaction when it fails with an
// error the backend reports as transient.
type RetryPolicy struct {
	Retries   int           // Extra attempts after the first.
	BaseDelay time.Duration // Doubles after every retry, plus up to 100% jitter.
	Retriable func(error) bool
}

// Do runs fn until it succeeds, fails with a permanent error, the retries
// are used up or ctx ends.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	delay := p.BaseDelay
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || p.Retriable == nil || !p.Retriable(err) || attempt >= p.Retries {
			return err
		}
		wait := delay
		if delay > 0 {
			wait += time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(wait):
		}
		delay *= 2
	}
}

// PostgresTransient reports serialization failures and deadlocks, which
// succeed when the transaction is replayed.
func PostgresTransient(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", // serialization_failure
		"40P01": // deadlock_detected
		return true
	}
	return false
}
