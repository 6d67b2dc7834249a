package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kenkyu/internal/locale"
	"github.com/ashita-ai/kenkyu/internal/model"
	"github.com/ashita-ai/kenkyu/internal/service/generation"
	"github.com/ashita-ai/kenkyu/internal/service/prompt"
)

// Store is the persistence the pipeline needs.
type Store interface {
	GetTopic(ctx context.Context, topicID string) (model.Topic, error)
	UpdateRunStatus(ctx context.Context, topicID, runID string, status model.RunStatus) error
	SetAgentStatus(ctx context.Context, topicID string, agentID model.AgentID, status string, progress float64, runID, summary string) (model.AgentSnapshot, error)
	AppendEvent(ctx context.Context, ev model.Event) error
	CreateArtifact(ctx context.Context, topicID, runID, name, contentType string, content []byte) (model.ArtifactRef, error)
}

// Publisher fans events out to live subscribers of a topic.
type Publisher interface {
	Publish(topicID string, ev model.Event)
}

// Generator produces documents from prompts.
type Generator interface {
	IsConfigured() bool
	Provider() string
	Complete(ctx context.Context, req generation.Request) (string, error)
}

// ContextBuilder assembles prompts.
type ContextBuilder interface {
	Build(ctx context.Context, req prompt.Request) ([]generation.Message, locale.Locale, error)
}

// runState is the scratch state of one run. It is owned by the goroutine
// executing the run and never shared.
type runState struct {
	topic   model.Topic
	runID   string
	traceID string
	anchor  string
	locale  locale.Locale

	survey      string
	ideas       string
	results     map[string]any
	resultsJSON string
	metrics     map[string]any
	report      string
	feedback    string

	// Attribution for the crash handler.
	activeStage    model.Stage
	activeAgent    model.AgentID
	activeSubtasks []model.Subtask
}

// Executor runs single stages. It emits every transition as an event that is
// appended to the store and then published.
type Executor struct {
	store     Store
	publisher Publisher
	generator Generator
	prompts   ContextBuilder
	stepDelay time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func (e *Executor) event(st *runState, agent model.AgentID, kind model.EventKind, sev model.Severity, summary string, payload map[string]any) model.Event {
	return model.Event{
		EventID:  uuid.NewString(),
		TS:       e.now().UnixMilli(),
		TopicID:  st.topic.TopicID,
		RunID:    st.runID,
		AgentID:  agent,
		Kind:     kind,
		Severity: sev,
		Summary:  summary,
		Payload:  payload,
		TraceID:  st.traceID,
	}
}

func (e *Executor) emit(ctx context.Context, ev model.Event) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("pipeline: append event: %w", err)
	}
	e.publisher.Publish(ev.TopicID, ev)
	return nil
}

func (e *Executor) emitInfo(ctx context.Context, st *runState, agent model.AgentID, sev model.Severity, summary string, payload map[string]any) error {
	return e.emit(ctx, e.event(st, agent, model.EventEmitted, sev, summary, payload))
}

func (e *Executor) emitSubtasks(ctx context.Context, st *runState, agent model.AgentID, stage model.Stage, subtasks []model.Subtask, sev model.Severity, summary string) error {
	if summary == "" {
		summary = fmt.Sprintf("%s subtasks updated (%s)", agent, stage)
	}
	return e.emit(ctx, e.event(st, agent, model.EventAgentSubtasksUpdated, sev, summary, map[string]any{
		"subtasks":     subtasks,
		"subtaskCount": len(subtasks),
		"stage":        stage,
	}))
}

func (e *Executor) updateAgent(ctx context.Context, st *runState, agent model.AgentID, status string, progress float64, summary string) error {
	if _, err := e.store.SetAgentStatus(ctx, st.topic.TopicID, agent, status, progress, st.runID, summary); err != nil {
		return fmt.Errorf("pipeline: set agent status: %w", err)
	}
	sev := model.SeverityInfo
	if status == model.AgentStatusFailed {
		sev = model.SeverityError
	}
	return e.emit(ctx, e.event(st, agent, model.EventAgentStatusUpdated, sev, summary, map[string]any{
		"status":   status,
		"progress": progress,
	}))
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// generate asks the provider for one document and reports the attempt as
// events. Provider failures degrade to the fallback; only prompt assembly
// and event persistence errors are returned.
func (e *Executor) generate(ctx context.Context, st *runState, agent model.AgentID, policy, upstream, task string, maxTokens int, asJSON bool) (string, bool, error) {
	msgs, _, err := e.prompts.Build(ctx, prompt.Request{
		TopicID:      st.topic.TopicID,
		RunID:        st.runID,
		AgentID:      agent,
		SystemPolicy: policy,
		Upstream:     upstream,
		FinalTask:    task,
	})
	if err != nil {
		return "", false, err
	}

	provider := e.generator.Provider()
	fallbackWord := "content"
	if asJSON {
		fallbackWord = "JSON"
	}
	if err := e.emitInfo(ctx, st, agent, model.SeverityInfo, fmt.Sprintf("%s invoking DeepSeek", agent), map[string]any{
		"provider":     provider,
		"messageCount": len(msgs),
		"maxTokens":    maxTokens,
	}); err != nil {
		return "", false, err
	}

	if !e.generator.IsConfigured() {
		e.logger.Warn("pipeline: provider key missing, fallback used",
			"topic_id", st.topic.TopicID, "run_id", st.runID, "agent", agent)
		err := e.emitInfo(ctx, st, agent, model.SeverityWarn, "DEEPSEEK_API_KEY is missing, fallback "+fallbackWord+" used",
			map[string]any{"provider": provider, "fallback": true})
		return "", false, err
	}

	text, genErr := e.generator.Complete(ctx, generation.Request{
		Messages:    msgs,
		Temperature: generation.DefaultTemperature,
		MaxTokens:   maxTokens,
	})
	if genErr != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		e.logger.Warn("pipeline: provider call failed, fallback used",
			"topic_id", st.topic.TopicID, "run_id", st.runID, "agent", agent, "error", genErr)
		err := e.emitInfo(ctx, st, agent, model.SeverityError, "DeepSeek request failed, fallback "+fallbackWord+" used", map[string]any{
			"provider":  provider,
			"fallback":  true,
			"error":     genErr.Error(),
			"errorType": generation.KindOf(genErr).String(),
		})
		return "", false, err
	}
	return text, true, nil
}

func (e *Executor) generateText(ctx context.Context, st *runState, agent model.AgentID, o output) (string, error) {
	text, ok, err := e.generate(ctx, st, agent, o.policy, o.upstream(st), o.task, o.maxTokens, false)
	if err != nil {
		return "", err
	}
	if !ok {
		return o.fallbackText(st), nil
	}
	text = stripFence(text)
	if text == "" {
		err := e.emitInfo(ctx, st, agent, model.SeverityWarn, "DeepSeek returned empty content, fallback content used",
			map[string]any{"provider": e.generator.Provider(), "fallback": true})
		return o.fallbackText(st), err
	}
	err = e.emitInfo(ctx, st, agent, model.SeverityInfo, fmt.Sprintf("%s received DeepSeek response", agent),
		map[string]any{"provider": e.generator.Provider(), "fallback": false})
	return text, err
}

func (e *Executor) generateJSON(ctx context.Context, st *runState, agent model.AgentID, policy, upstream, task string, maxTokens int, fallback func() map[string]any) (map[string]any, error) {
	text, ok, err := e.generate(ctx, st, agent, policy, upstream, task, maxTokens, true)
	if err != nil {
		return nil, err
	}
	if !ok {
		return fallback(), nil
	}
	obj, parsed := parseJSONObject(text)
	if !parsed {
		err := e.emitInfo(ctx, st, agent, model.SeverityWarn, "DeepSeek response is not valid JSON, fallback JSON used",
			map[string]any{"provider": e.generator.Provider(), "fallback": true})
		return fallback(), err
	}
	err = e.emitInfo(ctx, st, agent, model.SeverityInfo, fmt.Sprintf("%s received DeepSeek response", agent),
		map[string]any{"provider": e.generator.Provider(), "fallback": false})
	return obj, err
}

const planTask = "Return strict JSON only:\n" +
	"{\n" +
	"  \"subtasks\": [\n" +
	"    {\"id\":\"...\", \"name\":\"...\", \"status\":\"pending\", \"progress\":0}\n" +
	"  ]\n" +
	"}\n" +
	"Constraints: generate 4-8 subtasks for stage=%s and agent=%s. Each subtask must be concrete and execution-ready."

// plan asks the provider for the stage's subtasks and normalizes them.
func (e *Executor) plan(ctx context.Context, st *runState, d descriptor) ([]model.Subtask, error) {
	agent := d.stage.Agent()
	fallback := fallbackSubtasks(d.stage, st.locale)
	upstream := st.anchor + "\n\n<upstream_reference>\n" + d.planUpstream(st) + "\n</upstream_reference>"

	obj, err := e.generateJSON(ctx, st, agent,
		"You are a planning module that decomposes agent work into executable subtasks.",
		upstream, fmt.Sprintf(planTask, d.stage, agent), 700,
		func() map[string]any {
			items := make([]any, len(fallback))
			for i, s := range fallback {
				items[i] = map[string]any{"id": s.ID, "name": s.Name, "status": string(s.Status), "progress": s.Progress}
			}
			return map[string]any{"subtasks": items}
		})
	if err != nil {
		return nil, err
	}
	return normalizeSubtasks(obj["subtasks"], fallback, d.stage), nil
}

type producedArtifact struct {
	spec    artifactSpec
	content []byte
}

// runStage drives one descriptor. The active subtask set on st is kept
// current so the crash handler can attribute failures.
func (e *Executor) runStage(ctx context.Context, st *runState, d descriptor) error {
	agent := d.stage.Agent()

	subtasks, err := e.plan(ctx, st, d)
	if err != nil {
		return err
	}
	st.activeStage, st.activeAgent, st.activeSubtasks = d.stage, agent, subtasks

	// publish records the new subtask state and emits it.
	publish := func(next []model.Subtask, sev model.Severity, summary string) error {
		subtasks = next
		st.activeSubtasks = next
		return e.emitSubtasks(ctx, st, agent, d.stage, next, sev, summary)
	}

	if err := publish(subtasks, model.SeverityInfo, fmt.Sprintf("%s subtasks planned", d.stage)); err != nil {
		return err
	}
	if err := publish(patchSubtask(subtasks, 0, model.SubtaskRunning, d.startAt), model.SeverityInfo, fmt.Sprintf("%s subtask started", d.stage)); err != nil {
		return err
	}
	if err := e.updateAgent(ctx, st, agent, model.AgentStatusRunning, d.agentProgress, d.runningSummary); err != nil {
		return err
	}
	if err := e.emitInfo(ctx, st, agent, model.SeverityInfo, d.kickoffSummary, map[string]any{"stage": d.stage}); err != nil {
		return err
	}
	if err := e.sleep(ctx, e.stepDelay); err != nil {
		return err
	}

	cursor := 1
	next := patchSubtask(subtasks, 0, model.SubtaskCompleted)
	if err := publish(patchSubtask(next, cursor, model.SubtaskRunning, d.firstAt), model.SeverityInfo, ""); err != nil {
		return err
	}

	if f := d.fault; f != nil {
		if err := e.emitInfo(ctx, st, agent, model.SeverityError, fmt.Sprintf("%s encountered temporary failure, retrying", d.stage),
			map[string]any{"errorCode": "SIM_TEMP_FAILURE", "retryable": true}); err != nil {
			return err
		}
		if err := e.sleep(ctx, e.stepDelay); err != nil {
			return err
		}
		next := patchSubtask(subtasks, cursor, model.SubtaskFailed, f.failAt)
		cursor++
		next = patchSubtask(next, cursor, model.SubtaskRunning, f.retryAt)
		if err := publish(next, model.SeverityWarn, fmt.Sprintf("%s subtask failed and switched to retry path", d.stage)); err != nil {
			return err
		}
	}

	var produced []producedArtifact
	for _, o := range d.outputs {
		content, err := e.produce(ctx, st, agent, o)
		if err != nil {
			return err
		}
		if o.artifact.name != "" {
			produced = append(produced, producedArtifact{spec: o.artifact, content: content})
		}
		if o.advanceTo > 0 {
			next := patchSubtask(subtasks, cursor, model.SubtaskCompleted)
			cursor++
			if err := publish(patchSubtask(next, cursor, model.SubtaskRunning, o.advanceTo), model.SeverityInfo, ""); err != nil {
				return err
			}
		}
	}

	finish := func() error {
		if d.settle {
			if err := e.sleep(ctx, e.stepDelay/2); err != nil {
				return err
			}
		}
		return publish(completeFrom(subtasks, cursor), model.SeverityInfo, fmt.Sprintf("%s subtasks completed", d.stage))
	}
	complete := func() error {
		return e.updateAgent(ctx, st, agent, model.AgentStatusCompleted, 1.0, d.completedSummary)
	}

	if d.finishFirst {
		if err := finish(); err != nil {
			return err
		}
		if err := complete(); err != nil {
			return err
		}
		return e.persist(ctx, st, agent, produced)
	}
	if err := complete(); err != nil {
		return err
	}
	if err := e.persist(ctx, st, agent, produced); err != nil {
		return err
	}
	return finish()
}

// produce generates one output, records it on the run state and returns the
// bytes to persist.
func (e *Executor) produce(ctx context.Context, st *runState, agent model.AgentID, o output) ([]byte, error) {
	if o.kind == jsonOutput {
		obj, err := e.generateJSON(ctx, st, agent, o.policy, o.upstream(st), o.task, o.maxTokens,
			func() map[string]any { return o.fallbackJSON(st) })
		if err != nil {
			return nil, err
		}
		if o.finalize != nil {
			obj = o.finalize(st, obj)
		}
		raw, err := indentJSON(obj)
		if err != nil {
			return nil, fmt.Errorf("pipeline: encode %s: %w", o.artifact.name, err)
		}
		o.store(st, string(raw), obj)
		return raw, nil
	}

	text, err := e.generateText(ctx, st, agent, o)
	if err != nil {
		return nil, err
	}
	o.store(st, text, nil)
	return []byte(text), nil
}

// persist stores every produced artifact, then announces each one.
func (e *Executor) persist(ctx context.Context, st *runState, agent model.AgentID, produced []producedArtifact) error {
	refs := make([]model.ArtifactRef, len(produced))
	for i, p := range produced {
		ref, err := e.store.CreateArtifact(ctx, st.topic.TopicID, st.runID, p.spec.name, p.spec.contentType, p.content)
		if err != nil {
			return fmt.Errorf("pipeline: create artifact %s: %w", p.spec.name, err)
		}
		refs[i] = ref
	}
	for i, p := range produced {
		payload := map[string]any{"handoffTo": p.spec.handoffTo, "artifactRole": p.spec.role}
		if p.spec.withMetrics {
			payload["metrics"] = st.metrics
		}
		ev := e.event(st, agent, model.EventArtifactCreated, model.SeverityInfo,
			fmt.Sprintf("%s produced %s", agent, p.spec.name), payload)
		ev.Artifacts = []model.ArtifactRef{refs[i]}
		if err := e.emit(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}
