package sqlite

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kenkyu/internal/model"
	"github.com/ashita-ai/kenkyu/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestOpen_FileSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "kenkyu.db")

	db, err := Open(ctx, path, testLogger())
	require.NoError(t, err)
	require.NoError(t, db.InsertTopic(ctx, model.Topic{TopicID: "topic-1", Title: "t", Tags: []string{"a"}, Status: "active", CreatedAt: 1, UpdatedAt: 1}))
	require.NoError(t, db.Close())

	db, err = Open(ctx, path, testLogger())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	topic, err := db.GetTopic(ctx, "topic-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, topic.Tags)

	applied, err := db.AppliedMigrations(ctx)
	require.NoError(t, err)
	assert.True(t, applied["001_initial.sql"])
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "", testLogger())
	assert.Error(t, err)
}

func TestJSONColumnsAreText(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Memory, testLogger())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.NoError(t, db.InsertTopic(ctx, model.Topic{TopicID: "topic-1", Title: "t", Status: "active", CreatedAt: 1, UpdatedAt: 1}))
	require.NoError(t, db.InsertEvent(ctx, model.Event{
		EventID: "ev-00000001", TS: 5, TopicID: "topic-1", RunID: "run-1", AgentID: model.AgentReview,
		Kind: model.EventEmitted, Severity: model.SeverityInfo, Summary: "s", Payload: map[string]any{"k": "v"},
	}))

	var payloadType, artifactsType, tagsType string
	require.NoError(t, db.db.QueryRowContext(ctx, `SELECT typeof(payload), typeof(artifacts) FROM events`).Scan(&payloadType, &artifactsType))
	require.NoError(t, db.db.QueryRowContext(ctx, `SELECT typeof(tags) FROM topics`).Scan(&tagsType))
	assert.Equal(t, "text", payloadType)
	assert.Equal(t, "null", artifactsType)
	assert.Equal(t, "text", tagsType)

	events, err := db.ListEvents(ctx, storage.EventFilter{TopicID: "topic-1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, map[string]any{"k": "v"}, events[0].Payload)
	assert.Nil(t, events[0].Artifacts)
}

func TestEventsKeepInsertionOrderOnTies(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Memory, testLogger())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.NoError(t, db.InsertTopic(ctx, model.Topic{TopicID: "topic-1", Title: "t", Status: "active", CreatedAt: 1, UpdatedAt: 1}))
	for _, id := range []string{"ev-0000000b", "ev-0000000a", "ev-0000000c"} {
		require.NoError(t, db.InsertEvent(ctx, model.Event{
			EventID: id, TS: 7, TopicID: "topic-1", RunID: "run-1", AgentID: model.AgentReview,
			Kind: model.EventEmitted, Severity: model.SeverityInfo, Summary: id,
		}))
	}

	events, err := db.ListEvents(ctx, storage.EventFilter{TopicID: "topic-1"})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "ev-0000000b", events[0].EventID)
	assert.Equal(t, "ev-0000000a", events[1].EventID)
	assert.Equal(t, "ev-0000000c", events[2].EventID)

	newest, err := db.ListEvents(ctx, storage.EventFilter{TopicID: "topic-1", Limit: 1, Newest: true})
	require.NoError(t, err)
	assert.Equal(t, "ev-0000000c", newest[0].EventID)
}

func TestForeignKeysEnforced(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Memory, testLogger())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	_, err = db.db.ExecContext(ctx, `INSERT INTO runs (id, topic_id, status, started_at) VALUES ('run-1', 'topic-x', 'queued', 1)`)
	assert.Error(t, err)
}

func TestRunPointers(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Memory, testLogger())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.NoError(t, db.InsertTopic(ctx, model.Topic{TopicID: "topic-1", Title: "t", Status: "active", CreatedAt: 1, UpdatedAt: 1}))
	require.NoError(t, db.InsertRun(ctx, model.Run{RunID: "run-a", TopicID: "topic-1", Status: model.RunStatusQueued, StartedAt: 10}))
	require.NoError(t, db.InsertRun(ctx, model.Run{RunID: "run-b", TopicID: "topic-1", Status: model.RunStatusQueued, StartedAt: 20}))
	require.NoError(t, db.SetRunStatus(ctx, "topic-1", "run-b", model.RunStatusFailed, 30))

	last, active, err := db.RunPointers(ctx, "topic-1")
	require.NoError(t, err)
	assert.Equal(t, "run-b", last)
	assert.Equal(t, "run-a", active)

	topic, err := db.GetTopic(ctx, "topic-1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), topic.UpdatedAt)
}
