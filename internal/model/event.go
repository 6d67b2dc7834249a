package model

import (
	"errors"
	"fmt"
)

// EventKind represents the category of a pipeline event.
type EventKind string

const (
	EventAgentStatusUpdated   EventKind = "agent_status_updated"
	EventAgentSubtasksUpdated EventKind = "agent_subtasks_updated"
	EventEmitted              EventKind = "event_emitted"
	EventArtifactCreated      EventKind = "artifact_created"
	EventMessageCreated       EventKind = "message_created"
)

// Valid reports whether k is one of the known event kinds.
func (k EventKind) Valid() bool {
	switch k {
	case EventAgentStatusUpdated, EventAgentSubtasksUpdated, EventEmitted,
		EventArtifactCreated, EventMessageCreated:
		return true
	}
	return false
}

// Severity grades an event for observers.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// ArtifactRef is the public reference to a stored artifact, as carried on
// artifact_created events and snapshots.
type ArtifactRef struct {
	ArtifactID  string `json:"artifactId"`
	Name        string `json:"name"`
	URI         string `json:"uri"`
	ContentType string `json:"contentType"`
}

// Event is an append-only record of a pipeline transition. Events are never
// mutated after they are appended.
type Event struct {
	EventID   string         `json:"eventId"`
	TS        int64          `json:"ts"`
	TopicID   string         `json:"topicId"`
	RunID     string         `json:"runId"`
	AgentID   AgentID        `json:"agentId"`
	Kind      EventKind      `json:"kind"`
	Severity  Severity       `json:"severity"`
	Summary   string         `json:"summary"`
	Payload   map[string]any `json:"payload,omitempty"`
	Artifacts []ArtifactRef  `json:"artifacts,omitempty"`
	TraceID   string         `json:"traceId,omitempty"`
}

// MinEventIDLen is the shortest event id accepted by Validate.
const MinEventIDLen = 8

// ErrInvalidEvent is wrapped by every Event.Validate failure.
var ErrInvalidEvent = errors.New("invalid event")

// Validate checks the structural rules every event must satisfy before it is
// appended or published.
func (e Event) Validate() error {
	switch {
	case len(e.EventID) < MinEventIDLen:
		return fmt.Errorf("%w: eventId must be at least %d characters", ErrInvalidEvent, MinEventIDLen)
	case e.TS < 0:
		return fmt.Errorf("%w: ts must be non-negative", ErrInvalidEvent)
	case e.TopicID == "":
		return fmt.Errorf("%w: topicId is required", ErrInvalidEvent)
	case e.RunID == "":
		return fmt.Errorf("%w: runId is required", ErrInvalidEvent)
	case !e.AgentID.Valid():
		return fmt.Errorf("%w: unknown agentId %q", ErrInvalidEvent, e.AgentID)
	case !e.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	case e.Summary == "":
		return fmt.Errorf("%w: summary is required", ErrInvalidEvent)
	case e.Kind == EventArtifactCreated && len(e.Artifacts) == 0:
		return fmt.Errorf("%w: artifacts is required when kind=%s", ErrInvalidEvent, EventArtifactCreated)
	}
	switch e.Severity {
	case SeverityInfo, SeverityWarn, SeverityError:
	default:
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidEvent, e.Severity)
	}
	return nil
}
