// Package model defines the core domain types for kenkyu.
//
// Types mirror the JSON shapes served over HTTP and streamed to
// subscribers. Timestamps are milliseconds since the Unix epoch.
package model

// RunStatus represents the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusStopped   RunStatus = "stopped"
)

// Terminal reports whether s ends a run. Terminal transitions record endedAt.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusStopped
}

// Active reports whether a run in status s counts as the topic's active run.
func (s RunStatus) Active() bool {
	return s == RunStatusQueued || s == RunStatusRunning
}

// Run is one execution of the four-stage pipeline for a topic.
type Run struct {
	RunID     string    `json:"runId"`
	TopicID   string    `json:"topicId"`
	Status    RunStatus `json:"status"`
	StartedAt int64     `json:"startedAt"`
	EndedAt   *int64    `json:"endedAt,omitempty"`
}

// Stage is a position in the fixed pipeline.
type Stage string

const (
	StageReview     Stage = "review"
	StageIdeation   Stage = "ideation"
	StageExperiment Stage = "experiment"
	StageFeedback   Stage = "feedback"
)

// Agent returns the agent that executes the stage. The feedback stage is
// run by the ideation agent.
func (s Stage) Agent() AgentID {
	switch s {
	case StageReview:
		return AgentReview
	case StageExperiment:
		return AgentExperiment
	default:
		return AgentIdeation
	}
}

// SubtaskStatus is the state of one planned unit of stage work.
type SubtaskStatus string

const (
	SubtaskPending   SubtaskStatus = "pending"
	SubtaskRunning   SubtaskStatus = "running"
	SubtaskCompleted SubtaskStatus = "completed"
	SubtaskFailed    SubtaskStatus = "failed"
)

// Subtask is a planned step inside a stage. Subtasks live only in memory for
// the duration of a run.
type Subtask struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Status   SubtaskStatus `json:"status"`
	Progress float64       `json:"progress"`
}
