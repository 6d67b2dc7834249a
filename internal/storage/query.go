package storage

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/kenkyu/internal/model"
)

// Dialect selects placeholder syntax for the shared query builders.
type Dialect int

const (
	Postgres Dialect = iota // $1, $2, ...
	SQLite                  // ?
)

// EventFilter selects events of one topic. Zero fields do not filter.
type EventFilter struct {
	TopicID string
	RunID   string
	AgentID model.AgentID
	Kind    model.EventKind
	Limit   int  // 0 means no limit.
	Newest  bool // Newest first; otherwise oldest first.
}

// ArtifactFilter selects artifacts of one topic. Zero fields do not filter.
type ArtifactFilter struct {
	TopicID    string
	RunID      string
	Name       string
	ArtifactID string
	Limit      int
	Newest     bool
}

// MessageFilter selects conversation messages of one topic.
type MessageFilter struct {
	TopicID string
	AgentID model.AgentID
	RunID   string
	Limit   int
	Newest  bool
}

type whereBuilder struct {
	d     Dialect
	conds []string
	args  []any
}

func (w *whereBuilder) eq(col string, v any) {
	w.args = append(w.args, v)
	if w.d == Postgres {
		w.conds = append(w.conds, fmt.Sprintf("%s = $%d", col, len(w.args)))
		return
	}
	w.conds = append(w.conds, col+" = ?")
}

func (w *whereBuilder) optional(col, v string) {
	if v != "" {
		w.eq(col, v)
	}
}

func (w *whereBuilder) finish(order string, newest bool, limit int) string {
	var b strings.Builder
	b.WriteString(" WHERE ")
	b.WriteString(strings.Join(w.conds, " AND "))
	b.WriteString(" ORDER BY ")
	dir := " ASC"
	if newest {
		dir = " DESC"
	}
	for i, col := range strings.Split(order, ",") {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strings.TrimSpace(col) + dir)
	}
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}
	return b.String()
}

const eventColumns = `event_id, ts, topic_id, run_id, agent_id, kind, severity, summary, payload, artifacts, trace_id`

// SelectEvents builds the query for f. Ties on ts are broken by insertion
// order.
func SelectEvents(d Dialect, f EventFilter) (string, []any) {
	w := &whereBuilder{d: d}
	w.eq("topic_id", f.TopicID)
	w.optional("run_id", f.RunID)
	w.optional("agent_id", string(f.AgentID))
	w.optional("kind", string(f.Kind))
	return "SELECT " + eventColumns + " FROM events" + w.finish("ts, seq", f.Newest, f.Limit), w.args
}

const artifactColumns = `artifact_id, topic_id, run_id, name, content_type, locator, created_at`

// SelectArtifacts builds the query for f.
func SelectArtifacts(d Dialect, f ArtifactFilter) (string, []any) {
	w := &whereBuilder{d: d}
	w.eq("topic_id", f.TopicID)
	w.optional("run_id", f.RunID)
	w.optional("name", f.Name)
	w.optional("artifact_id", f.ArtifactID)
	return "SELECT " + artifactColumns + " FROM artifacts" + w.finish("created_at, seq", f.Newest, f.Limit), w.args
}

const messageColumns = `message_id, topic_id, run_id, agent_id, role, content, ts`

// SelectMessages builds the query for f.
func SelectMessages(d Dialect, f MessageFilter) (string, []any) {
	w := &whereBuilder{d: d}
	w.eq("topic_id", f.TopicID)
	w.optional("agent_id", string(f.AgentID))
	w.optional("run_id", f.RunID)
	return "SELECT " + messageColumns + " FROM messages" + w.finish("ts, seq", f.Newest, f.Limit), w.args
}
