package model

// AgentID identifies one of the fixed pipeline agents.
type AgentID string

const (
	AgentReview     AgentID = "review"
	AgentIdeation   AgentID = "ideation"
	AgentExperiment AgentID = "experiment"
)

// AgentOrder is the display order of agents in snapshots.
var AgentOrder = []AgentID{AgentReview, AgentIdeation, AgentExperiment}

// Valid reports whether a is a known agent.
func (a AgentID) Valid() bool {
	switch a {
	case AgentReview, AgentIdeation, AgentExperiment:
		return true
	}
	return false
}

// AgentStatusIdle is reported for agents that have no status event yet.
const AgentStatusIdle = "idle"

// Agent status values carried in agent_status_updated payloads.
const (
	AgentStatusRunning   = "running"
	AgentStatusCompleted = "completed"
	AgentStatusFailed    = "failed"
)

// AgentSnapshot is the derived current state of one agent within a topic.
type AgentSnapshot struct {
	AgentID     AgentID `json:"agentId"`
	Status      string  `json:"status"`
	Progress    float64 `json:"progress"`
	LastUpdate  int64   `json:"lastUpdate"`
	RunID       string  `json:"runId,omitempty"`
	LastSummary string  `json:"lastSummary,omitempty"`
	State       string  `json:"state,omitempty"`
	UpdatedAt   int64   `json:"updatedAt,omitempty"`
}

// MessageRole is the author role of a conversational turn.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one conversational turn between a user and an agent of a topic.
type Message struct {
	MessageID string      `json:"messageId"`
	TopicID   string      `json:"topicId"`
	RunID     string      `json:"runId,omitempty"`
	AgentID   AgentID     `json:"agentId"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	TS        int64       `json:"ts"`
}
