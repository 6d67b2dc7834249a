package model

// TopicStatusActive is the status assigned to newly created topics.
const TopicStatusActive = "active"

// Topic is a unit of research work. Runs, events, artifacts and messages are
// all scoped to a topic and are deleted with it.
type Topic struct {
	TopicID     string   `json:"topicId"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Objective   string   `json:"objective"`
	Tags        []string `json:"tags"`
	Status      string   `json:"status"`
	CreatedAt   int64    `json:"createdAt"`
	UpdatedAt   int64    `json:"updatedAt"`
	LastRunID   string   `json:"lastRunId,omitempty"`
	ActiveRunID string   `json:"activeRunId,omitempty"`
}

// Artifact is the stored record behind an ArtifactRef. Locator is the blob
// store key holding the content and is never exposed over the API.
type Artifact struct {
	ArtifactID  string `json:"artifactId"`
	TopicID     string `json:"topicId"`
	RunID       string `json:"runId"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Locator     string `json:"-"`
	CreatedAt   int64  `json:"createdAt"`
}

// Ref returns the public reference for a.
func (a Artifact) Ref() ArtifactRef {
	return ArtifactRef{
		ArtifactID:  a.ArtifactID,
		Name:        a.Name,
		URI:         ArtifactURI(a.TopicID, a.Name),
		ContentType: a.ContentType,
	}
}

// Snapshot is the point-in-time view of a topic served to dashboards.
type Snapshot struct {
	Topic     Topic           `json:"topic"`
	Agents    []AgentSnapshot `json:"agents"`
	Events    []Event         `json:"events"`
	Artifacts []ArtifactRef   `json:"artifacts"`
}

// TraceItemKind classifies entries on a run timeline.
type TraceItemKind string

const (
	TraceMessage  TraceItemKind = "message"
	TraceArtifact TraceItemKind = "artifact"
	TraceStatus   TraceItemKind = "status"
	TraceEvent    TraceItemKind = "event"
)

// TraceItem is one entry on a run timeline.
type TraceItem struct {
	ID      string         `json:"id"`
	TS      int64          `json:"ts"`
	AgentID AgentID        `json:"agentId"`
	Kind    TraceItemKind  `json:"kind"`
	Summary string         `json:"summary"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Trace is the merged, time-ordered timeline of one run.
type Trace struct {
	TopicID string      `json:"topicId"`
	RunID   string      `json:"runId,omitempty"`
	Items   []TraceItem `json:"items"`
}
