// Package ratelimit limits how often a caller may hit an endpoint. Login
// attempts are limited per client IP and run submissions per user, so one
// client cannot flood the pipeline with runs.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	// RetryAfter is how long a denied caller should wait before the next
	// request can pass. Zero when Allowed.
	RetryAfter time.Duration
}

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow spends one request for key, e.g. "login:203.0.113.7" or
	// "runs:demo". An error signals a limiter malfunction; callers let the
	// request through.
	Allow(ctx context.Context, key string) (Decision, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}
