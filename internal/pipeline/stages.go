package pipeline

import (
	"github.com/ashita-ai/kenkyu/internal/model"
)

type outputKind int

const (
	markdownOutput outputKind = iota
	jsonOutput
)

// output is one document a stage generates.
type output struct {
	kind      outputKind
	policy    string
	task      string
	maxTokens int
	upstream  func(*runState) string

	// Exactly one fallback is set, matching kind.
	fallbackText func(*runState) string
	fallbackJSON func(*runState) map[string]any
	// finalize repairs a parsed JSON document before it is stored.
	finalize func(*runState, map[string]any) map[string]any

	// store records the generated document on the run state. For JSON
	// outputs text is the indented rendering of obj.
	store func(st *runState, text string, obj map[string]any)

	// advanceTo, when non-zero, completes the running subtask after this
	// output and starts the next one at the given progress.
	advanceTo float64

	// artifact is the persisted file; an empty name means the output only
	// feeds later stages.
	artifact artifactSpec
}

type artifactSpec struct {
	name        string
	contentType string
	role        string
	handoffTo   model.AgentID
	withMetrics bool
}

// transientFault makes a stage emit one retryable error event and move
// the running subtask onto a retry path.
type transientFault struct {
	failAt  float64
	retryAt float64
}

// descriptor is one row of the stage table.
type descriptor struct {
	stage            model.Stage
	agentProgress    float64
	runningSummary   string
	kickoffSummary   string
	completedSummary string

	startAt float64 // progress of subtask 0 once running
	firstAt float64 // progress of subtask 1 after the kickoff step

	planUpstream func(*runState) string
	fault        *transientFault
	outputs      []output

	// finishFirst completes the remaining subtasks before the agent status
	// and artifacts are reported. Otherwise artifacts come first.
	finishFirst bool
	// settle adds a half step delay before the remaining subtasks finish.
	settle bool
}

// stageTable is the fixed pipeline. Order matters: each stage reads what
// the previous one stored on the run state.
var stageTable = []descriptor{
	{
		stage:            model.StageReview,
		agentProgress:    0.1,
		runningSummary:   "review running",
		kickoffSummary:   "starting literature review",
		completedSummary: "review completed",
		startAt:          0.1,
		firstAt:          0.2,
		planUpstream:     func(st *runState) string { return st.anchor },
		outputs: []output{{
			kind:         markdownOutput,
			policy:       "You are the review agent. Produce a rigorous, topic-grounded literature survey in markdown.",
			task:         "Generate survey.md using <upstream_reference>. You must explicitly map all conclusions to topic title/description/objective and avoid generic boilerplate.",
			maxTokens:    1800,
			upstream:     func(st *runState) string { return st.anchor },
			fallbackText: fallbackSurvey,
			store:        func(st *runState, text string, _ map[string]any) { st.survey = text },
			advanceTo:    0.5,
			artifact:     artifactSpec{name: "survey.md", contentType: "text/markdown", role: "survey", handoffTo: model.AgentIdeation},
		}},
	},
	{
		stage:            model.StageIdeation,
		agentProgress:    0.2,
		runningSummary:   "ideation running",
		kickoffSummary:   "generating ideas from survey",
		completedSummary: "ideation completed",
		startAt:          0.1,
		firstAt:          0.3,
		planUpstream:     ideationUpstream,
		outputs: []output{{
			kind:         markdownOutput,
			policy:       "You are the ideation agent. Produce implementation-ready ideas that are tightly scoped to the topic.",
			task:         "Generate ideas.md from <upstream_reference>. Provide at least 3 executable ideas. Each idea must include assumptions, metrics, risk, and how it serves the topic objective.",
			maxTokens:    1800,
			upstream:     ideationUpstream,
			fallbackText: fallbackIdeas,
			store:        func(st *runState, text string, _ map[string]any) { st.ideas = text },
			advanceTo:    0.65,
			artifact:     artifactSpec{name: "ideas.md", contentType: "text/markdown", role: "idea", handoffTo: model.AgentExperiment},
		}},
	},
	{
		stage:            model.StageExperiment,
		agentProgress:    0.25,
		runningSummary:   "experiment running",
		kickoffSummary:   "running experiments for idea",
		completedSummary: "experiment completed",
		startAt:          0.1,
		firstAt:          0.25,
		planUpstream:     experimentUpstream,
		fault:            &transientFault{failAt: 0.45, retryAt: 0.55},
		finishFirst:      true,
		outputs: []output{
			{
				kind:         jsonOutput,
				policy:       "You are the experiment agent. Return strict JSON only.",
				task:         "Generate strict JSON results from <upstream_reference>. Required keys: topicId, topicTitle, runId, metrics, notes, next_actions. Ensure metrics align to topic objective.",
				maxTokens:    1200,
				upstream:     experimentUpstream,
				fallbackJSON: fallbackResults,
				finalize:     completeResults,
				store: func(st *runState, text string, obj map[string]any) {
					st.results = obj
					st.resultsJSON = text
					st.metrics, _ = obj["metrics"].(map[string]any)
				},
				advanceTo: 0.7,
				artifact:  artifactSpec{name: "results.json", contentType: "application/json", role: "results", handoffTo: model.AgentIdeation, withMetrics: true},
			},
			{
				kind:         markdownOutput,
				policy:       "You are the experiment reporting agent. Produce a detailed markdown report grounded in topic context.",
				task:         "Generate result.md from <upstream_reference>. Include setup, observations, metric interpretation, risk assessment, and next-step plan. Explicitly tie conclusions to topic objective.",
				maxTokens:    1800,
				upstream:     reportUpstream,
				fallbackText: fallbackReport,
				store:        func(st *runState, text string, _ map[string]any) { st.report = text },
				artifact:     artifactSpec{name: "result.md", contentType: "text/markdown", role: "result_report", handoffTo: model.AgentIdeation},
			},
		},
	},
	{
		stage:            model.StageFeedback,
		agentProgress:    0.7,
		runningSummary:   "ideation refining from experiment feedback",
		kickoffSummary:   "refining idea from results",
		completedSummary: "ideation feedback loop completed",
		startAt:          0.2,
		firstAt:          0.5,
		planUpstream:     feedbackUpstream,
		finishFirst:      true,
		settle:           true,
		outputs: []output{{
			kind:         markdownOutput,
			policy:       "You are the ideation feedback agent. Refine roadmap from experiment outcomes and topic constraints.",
			task:         "Generate a concise feedback plan. Explain what to keep, what to change, and what to validate next. Every point must tie to the topic objective.",
			maxTokens:    1000,
			upstream:     feedbackUpstream,
			fallbackText: fallbackFeedback,
			store:        func(st *runState, text string, _ map[string]any) { st.feedback = text },
			advanceTo:    0.82,
		}},
	},
}

func ideationUpstream(st *runState) string {
	return st.anchor + "\n\n<review_survey>\n" + st.survey + "\n</review_survey>"
}

func experimentUpstream(st *runState) string {
	return st.anchor + "\n\n<ideas_input>\n" + st.ideas + "\n</ideas_input>"
}

func reportUpstream(st *runState) string {
	return experimentUpstream(st) + "\n\n<results_json>\n" + st.resultsJSON + "\n</results_json>"
}

func feedbackUpstream(st *runState) string {
	return st.anchor +
		"\n\n<result_json>\n" + st.resultsJSON + "\n</result_json>" +
		"\n\n<result_report>\n" + st.report + "\n</result_report>"
}
