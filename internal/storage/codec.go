package storage

import (
	"encoding/json"
	"fmt"

	"github.com/ashita-ai/kenkyu/internal/model"
)

// Row scanning helpers shared by the Postgres and SQLite repositories. JSON
// columns are read as raw bytes; SQLite stores them as TEXT.

// Scanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

// EventJSON encodes the JSON columns of ev. Absent values become NULL.
func EventJSON(ev model.Event) (payload, artifacts []byte, err error) {
	if ev.Payload != nil {
		if payload, err = json.Marshal(ev.Payload); err != nil {
			return nil, nil, fmt.Errorf("storage: encode event payload: %w", err)
		}
	}
	if ev.Artifacts != nil {
		if artifacts, err = json.Marshal(ev.Artifacts); err != nil {
			return nil, nil, fmt.Errorf("storage: encode event artifacts: %w", err)
		}
	}
	return payload, artifacts, nil
}

// ScanEvent reads one row selected with SelectEvents. Malformed JSON
// columns are dropped rather than failing the read.
func ScanEvent(s Scanner) (model.Event, error) {
	var (
		ev                 model.Event
		payload, artifacts []byte
		traceID            *string
	)
	if err := s.Scan(&ev.EventID, &ev.TS, &ev.TopicID, &ev.RunID, &ev.AgentID, &ev.Kind,
		&ev.Severity, &ev.Summary, &payload, &artifacts, &traceID); err != nil {
		return model.Event{}, err
	}
	if len(payload) > 0 {
		var m map[string]any
		if json.Unmarshal(payload, &m) == nil {
			ev.Payload = m
		}
	}
	if len(artifacts) > 0 {
		var refs []model.ArtifactRef
		if json.Unmarshal(artifacts, &refs) == nil {
			ev.Artifacts = refs
		}
	}
	if traceID != nil {
		ev.TraceID = *traceID
	}
	return ev, nil
}

// ScanArtifact reads one row selected with SelectArtifacts.
func ScanArtifact(s Scanner) (model.Artifact, error) {
	var a model.Artifact
	err := s.Scan(&a.ArtifactID, &a.TopicID, &a.RunID, &a.Name, &a.ContentType, &a.Locator, &a.CreatedAt)
	return a, err
}

// ScanMessage reads one row selected with SelectMessages.
func ScanMessage(s Scanner) (model.Message, error) {
	var (
		m     model.Message
		runID *string
	)
	if err := s.Scan(&m.MessageID, &m.TopicID, &runID, &m.AgentID, &m.Role, &m.Content, &m.TS); err != nil {
		return model.Message{}, err
	}
	if runID != nil {
		m.RunID = *runID
	}
	return m, nil
}

// TopicColumns is the column list ScanTopic expects.
const TopicColumns = `id, title, description, objective, tags, status, created_at, updated_at`

// TagsJSON encodes topic tags; nil becomes an empty array.
func TagsJSON(tags []string) []byte {
	if tags == nil {
		tags = []string{}
	}
	b, _ := json.Marshal(tags)
	return b
}

// ScanTopic reads one row selected with TopicColumns.
func ScanTopic(s Scanner) (model.Topic, error) {
	var (
		t    model.Topic
		tags []byte
	)
	if err := s.Scan(&t.TopicID, &t.Title, &t.Description, &t.Objective, &tags, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return model.Topic{}, err
	}
	if json.Unmarshal(tags, &t.Tags) != nil || t.Tags == nil {
		t.Tags = []string{}
	}
	return t, nil
}

// RunColumns is the column list ScanRun expects.
const RunColumns = `id, topic_id, status, started_at, ended_at`

// ScanRun reads one row selected with RunColumns.
func ScanRun(s Scanner) (model.Run, error) {
	var r model.Run
	err := s.Scan(&r.RunID, &r.TopicID, &r.Status, &r.StartedAt, &r.EndedAt)
	return r, err
}
