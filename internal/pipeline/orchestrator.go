// Package pipeline runs the review, ideation, experiment and feedback
// stages of a research run and reports every transition as an event.
//
// A run never stops on provider trouble: each document has a deterministic
// fallback. Anything else that goes wrong (storage, a missing topic, a
// panic) is handled by a best-effort cleanup that marks the run failed and
// reports the crash.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kenkyu/internal/locale"
	"github.com/ashita-ai/kenkyu/internal/model"
	"github.com/ashita-ai/kenkyu/internal/service/generation"
	"github.com/ashita-ai/kenkyu/internal/storage"
	"github.com/ashita-ai/kenkyu/internal/telemetry"
)

// DefaultStepDelay is the pause between visible stage transitions.
const DefaultStepDelay = 800 * time.Millisecond

// cleanupTimeout bounds the crash cleanup, which runs detached from the
// run's own context.
const cleanupTimeout = 10 * time.Second

// Crash classifications reported in the "pipeline crashed" event.
const (
	ErrorTypeNotFound  = "NotFound"
	ErrorTypeCancelled = "Cancelled"
	ErrorTypeCrash     = "PipelineCrash"
)

// Config configures an Orchestrator.
type Config struct {
	StepDelay time.Duration
}

// Orchestrator executes whole runs.
type Orchestrator struct {
	exec     *Executor
	tracer   trace.Tracer
	runs     metric.Int64Counter
	duration metric.Float64Histogram
}

// New creates an Orchestrator. A negative StepDelay is treated as zero.
func New(store Store, publisher Publisher, generator Generator, prompts ContextBuilder, cfg Config, logger *slog.Logger) *Orchestrator {
	meter := telemetry.Meter("kenkyu/pipeline")
	runs, _ := meter.Int64Counter("kenkyu.pipeline.runs",
		metric.WithDescription("Finished pipeline runs by final status"),
	)
	duration, _ := meter.Float64Histogram("kenkyu.pipeline.run.duration",
		metric.WithDescription("Wall time of pipeline runs"),
		metric.WithUnit("s"),
	)
	return &Orchestrator{
		exec: &Executor{
			store:     store,
			publisher: publisher,
			generator: generator,
			prompts:   prompts,
			stepDelay: max(cfg.StepDelay, 0),
			logger:    logger,
			now:       time.Now,
		},
		tracer:   otel.Tracer("kenkyu/pipeline"),
		runs:     runs,
		duration: duration,
	}
}

// Run executes every stage for runID. It returns the crash cause when the
// run failed; by then the run has already been marked failed (or stopped,
// when ctx was cancelled) and the failure reported as events.
func (o *Orchestrator) Run(ctx context.Context, topicID, runID string) (err error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.Run", trace.WithAttributes(
		attribute.String("topic_id", topicID),
		attribute.String("run_id", runID),
	))
	defer span.End()

	start := time.Now()
	st := &runState{
		topic:   model.Topic{TopicID: topicID},
		runID:   runID,
		traceID: "trace-" + uuid.NewString(),
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline: panic: %v", r)
		}
		status := model.RunStatusCompleted
		if err != nil {
			status = o.fail(ctx, st, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		attrs := metric.WithAttributes(attribute.String("status", string(status)))
		o.runs.Add(context.WithoutCancel(ctx), 1, attrs)
		o.duration.Record(context.WithoutCancel(ctx), time.Since(start).Seconds(), attrs)
	}()

	return o.run(ctx, st)
}

func (o *Orchestrator) run(ctx context.Context, st *runState) error {
	e := o.exec
	if err := e.store.UpdateRunStatus(ctx, st.topic.TopicID, st.runID, model.RunStatusRunning); err != nil {
		return fmt.Errorf("pipeline: mark run running: %w", err)
	}

	topic, err := e.store.GetTopic(ctx, st.topic.TopicID)
	if err != nil {
		return fmt.Errorf("pipeline: load topic: %w", err)
	}
	topic.Title = strings.TrimSpace(topic.Title)
	if topic.Title == "" {
		topic.Title = topic.TopicID
	}
	topic.Description = strings.TrimSpace(topic.Description)
	topic.Objective = strings.TrimSpace(topic.Objective)
	st.topic = topic
	st.anchor = topicAnchor(topic)
	st.locale = locale.Infer(topic.Title, topic.Description, topic.Objective)

	e.logger.Info("pipeline: run started",
		"topic_id", topic.TopicID, "run_id", st.runID, "trace_id", st.traceID, "locale", st.locale)

	if err := e.emitInfo(ctx, st, model.AgentReview, model.SeverityInfo, "run started",
		map[string]any{"phase": "run_started", "topicTitle": topic.Title}); err != nil {
		return err
	}

	for _, d := range stageTable {
		if err := e.runStage(ctx, st, d); err != nil {
			return err
		}
	}

	if err := e.store.UpdateRunStatus(ctx, topic.TopicID, st.runID, model.RunStatusCompleted); err != nil {
		return fmt.Errorf("pipeline: mark run completed: %w", err)
	}
	if err := e.emitInfo(ctx, st, model.AgentIdeation, model.SeverityInfo, "run completed",
		map[string]any{"phase": "completed"}); err != nil {
		return err
	}
	e.logger.Info("pipeline: run completed", "topic_id", topic.TopicID, "run_id", st.runID)
	return nil
}

// fail records a crashed run. Every step is best effort: a failing step is
// logged and the next one still runs, except that nothing more is reported
// when the run status itself cannot be written.
func (o *Orchestrator) fail(parent context.Context, st *runState, cause error) model.RunStatus {
	e := o.exec
	status := model.RunStatusFailed
	errorType := classify(cause)
	if errorType == ErrorTypeCancelled {
		status = model.RunStatusStopped
	}

	e.logger.Error("pipeline: run crashed",
		"topic_id", st.topic.TopicID, "run_id", st.runID, "error_type", errorType, "error", cause)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), cleanupTimeout)
	defer cancel()

	if err := e.store.UpdateRunStatus(ctx, st.topic.TopicID, st.runID, status); err != nil {
		e.logger.Error("pipeline: mark run failed", "run_id", st.runID, "error", err)
		return status
	}

	agent, stage := st.activeAgent, st.activeStage
	if agent == "" {
		agent, stage = model.AgentExperiment, model.StageExperiment
	}
	if len(st.activeSubtasks) > 0 {
		failed := failRunning(st.activeSubtasks)
		if err := e.emitSubtasks(ctx, st, agent, stage, failed, model.SeverityError,
			fmt.Sprintf("%s subtasks failed due to pipeline crash", stage)); err != nil {
			e.logger.Error("pipeline: report failed subtasks", "run_id", st.runID, "error", err)
		}
	}
	if err := e.updateAgent(ctx, st, agent, model.AgentStatusFailed, 1.0, "pipeline failed"); err != nil {
		e.logger.Error("pipeline: mark agent failed", "run_id", st.runID, "error", err)
	}
	if err := e.emitInfo(ctx, st, agent, model.SeverityError, "pipeline crashed",
		map[string]any{"error": cause.Error(), "errorType": errorType}); err != nil {
		e.logger.Error("pipeline: report crash", "run_id", st.runID, "error", err)
	}
	return status
}

func classify(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeCancelled
	case errors.Is(err, storage.ErrNotFound):
		return ErrorTypeNotFound
	}
	var gerr *generation.Error
	if errors.As(err, &gerr) {
		return gerr.Kind.String()
	}
	return ErrorTypeCrash
}

func topicAnchor(t model.Topic) string {
	na := func(s string) string {
		if s == "" {
			return "N/A"
		}
		return s
	}
	return "<topic_context>\n" +
		"<topic_id>" + t.TopicID + "</topic_id>\n" +
		"<title>" + t.Title + "</title>\n" +
		"<description>" + na(t.Description) + "</description>\n" +
		"<objective>" + na(t.Objective) + "</objective>\n" +
		"</topic_context>"
}
