package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrLauncherClosed is returned by Submit after Shutdown.
var ErrLauncherClosed = errors.New("pipeline: launcher closed")

// Runner executes one run to completion.
type Runner interface {
	Run(ctx context.Context, topicID, runID string) error
}

// Launcher starts runs in the background and tracks them for shutdown.
// Runs are detached from the request that created them; they stop only
// when the launcher shuts down.
type Launcher struct {
	runner Runner
	logger *slog.Logger
	sem    *semaphore.Weighted // nil means unbounded

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewLauncher creates a Launcher. maxConcurrent <= 0 runs every submitted
// run immediately; otherwise extra runs wait, still queued, for a slot.
func NewLauncher(runner Runner, maxConcurrent int, logger *slog.Logger) *Launcher {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Launcher{runner: runner, logger: logger, ctx: ctx, cancel: cancel}
	if maxConcurrent > 0 {
		l.sem = semaphore.NewWeighted(int64(maxConcurrent))
	}
	return l
}

// Submit schedules a run and returns without waiting for it.
func (l *Launcher) Submit(topicID, runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLauncherClosed
	}
	l.wg.Add(1)
	go l.execute(topicID, runID)
	return nil
}

func (l *Launcher) execute(topicID, runID string) {
	defer l.wg.Done()
	if l.sem != nil {
		if err := l.sem.Acquire(l.ctx, 1); err != nil {
			// Shut down while queued. The run is still started so that it is
			// recorded as stopped instead of staying queued forever.
			l.logger.Warn("pipeline: run cancelled before start", "topic_id", topicID, "run_id", runID)
		} else {
			defer l.sem.Release(1)
		}
	}
	if err := l.runner.Run(l.ctx, topicID, runID); err != nil {
		l.logger.Warn("pipeline: run ended with error", "topic_id", topicID, "run_id", runID, "error", err)
	}
}

// Shutdown stops accepting runs, cancels the ones in flight and waits for
// their cleanup until ctx expires.
func (l *Launcher) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	return l.Wait(ctx)
}

// Wait blocks until every submitted run has returned or ctx expires.
func (l *Launcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
