package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kenkyu/internal/blob"
	"github.com/ashita-ai/kenkyu/internal/model"
	"github.com/ashita-ai/kenkyu/internal/storage"
	"github.com/ashita-ai/kenkyu/internal/testutil"
)

// testDB holds a shared Postgres connection for all tests in this package.
var testDB *storage.DB

var pg *testutil.Postgres

func TestMain(m *testing.M) {
	ctx := context.Background()

	pg = testutil.MustStartPostgres()

	var err error
	testDB, err = pg.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		pg.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	_ = testDB.Close()
	pg.Terminate()
	os.Exit(code)
}

// fixture is a Store plus the repository and blob store behind it.
type fixture struct {
	store *storage.Store
	repo  storage.Repository
	blobs blob.Store
}

// eachBackend runs fn against the shared Postgres database and a fresh
// in-memory SQLite database.
func eachBackend(t *testing.T, fn func(t *testing.T, f fixture)) {
	t.Run("postgres", func(t *testing.T) {
		blobs := blob.NewMemory()
		fn(t, fixture{store: storage.NewStore(testDB, blobs, testutil.TestLogger()), repo: testDB, blobs: blobs})
	})
	t.Run("sqlite", func(t *testing.T) {
		db := testutil.NewSQLiteDB(t)
		blobs := blob.NewMemory()
		fn(t, fixture{store: storage.NewStore(db, blobs, testutil.TestLogger()), repo: db, blobs: blobs})
	})
}

func createTopic(t *testing.T, s *storage.Store, title string) model.Topic {
	t.Helper()
	topic, err := s.CreateTopic(context.Background(), model.CreateTopicRequest{Title: title})
	require.NoError(t, err)
	return topic
}

func newEvent(topicID, runID string, agent model.AgentID, kind model.EventKind, summary string, ts int64, payload map[string]any) model.Event {
	return model.Event{
		EventID:  uuid.NewString(),
		TS:       ts,
		TopicID:  topicID,
		RunID:    runID,
		AgentID:  agent,
		Kind:     kind,
		Severity: model.SeverityInfo,
		Summary:  summary,
		Payload:  payload,
	}
}

func TestTopicLifecycle(t *testing.T) {
	eachBackend(t, func(t *testing.T, f fixture) {
		ctx := context.Background()

		topic, err := f.store.CreateTopic(ctx, model.CreateTopicRequest{
			Name:        "  Protein folding  ",
			Description: "fold",
			Objective:   "predict",
		})
		require.NoError(t, err)
		assert.Regexp(t, `^topic-[0-9a-f]{8}$`, topic.TopicID)
		assert.Equal(t, "Protein folding", topic.Title)
		assert.Equal(t, model.TopicStatusActive, topic.Status)
		assert.Equal(t, []string{}, topic.Tags)
		assert.Equal(t, topic.CreatedAt, topic.UpdatedAt)

		got, err := f.store.GetTopic(ctx, topic.TopicID)
		require.NoError(t, err)
		assert.Equal(t, topic, got)
		assert.Empty(t, got.LastRunID)
		assert.Empty(t, got.ActiveRunID)

		run, err := f.store.CreateRun(ctx, topic.TopicID)
		require.NoError(t, err)
		assert.Regexp(t, `^run-\d{8}-\d{6}-[0-9a-f]{4}$`, run.RunID)
		assert.Equal(t, model.RunStatusQueued, run.Status)

		got, err = f.store.GetTopic(ctx, topic.TopicID)
		require.NoError(t, err)
		assert.Equal(t, run.RunID, got.LastRunID)
		assert.Equal(t, run.RunID, got.ActiveRunID)
		assert.GreaterOrEqual(t, got.UpdatedAt, run.StartedAt)

		require.NoError(t, f.store.UpdateRunStatus(ctx, topic.TopicID, run.RunID, model.RunStatusCompleted))
		got, err = f.store.GetTopic(ctx, topic.TopicID)
		require.NoError(t, err)
		assert.Equal(t, run.RunID, got.LastRunID)
		assert.Empty(t, got.ActiveRunID)

		stored, err := f.repo.GetRun(ctx, run.RunID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusCompleted, stored.Status)
		require.NotNil(t, stored.EndedAt)
		assert.GreaterOrEqual(t, *stored.EndedAt, stored.StartedAt)
	})
}

func TestCreateTopic_KeepsTags(t *testing.T) {
	eachBackend(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		topic, err := f.store.CreateTopic(ctx, model.CreateTopicRequest{Title: "tagged", Tags: []string{"bio", "ml"}})
		require.NoError(t, err)

		got, err := f.store.GetTopic(ctx, topic.TopicID)
		require.NoError(t, err)
		assert.Equal(t, []string{"bio", "ml"}, got.Tags)
	})
}

func TestListTopics_OldestFirst(t *testing.T) {
	eachBackend(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		first := createTopic(t, f.store, "first")
		time.Sleep(2 * time.Millisecond)
		second := createTopic(t, f.store, "second")
		_, err := f.store.CreateRun(ctx, second.TopicID)
		require.NoError(t, err)

		topics, err := f.store.ListTopics(ctx)
		require.NoError(t, err)

		pos := map[string]int{}
		for i, tp := range topics {
			pos[tp.TopicID] = i
			if tp.TopicID == second.TopicID {
				assert.NotEmpty(t, tp.ActiveRunID)
			}
		}
		require.Contains(t, pos, first.TopicID)
		require.Contains(t, pos, second.TopicID)
		assert.Less(t, pos[first.TopicID], pos[second.TopicID])
	})
}

func TestNotFoundErrors(t *testing.T) {
	eachBackend(t, func(t *testing.T, f fixture) {
		ctx := context.Background()

		_, err := f.store.GetTopic(ctx, "topic-missing")
		assert.ErrorIs(t, err, storage.ErrTopicNotFound)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		_, err = f.store.CreateRun(ctx, "topic-missing")
		assert.ErrorIs(t, err, storage.ErrTopicNotFound)

		_, err = f.store.CreateMessage(ctx, "topic-missing", model.AgentReview, model.RoleUser, "hi", "")
		assert.ErrorIs(t, err, storage.ErrTopicNotFound)

		_, err = f.store.SetAgentStatus(ctx, "topic-missing", model.AgentReview, model.AgentStatusRunning, 0.5, "run-x", "x")
		assert.ErrorIs(t, err, storage.ErrTopicNotFound)

		err = f.store.AppendEvent(ctx, newEvent("topic-missing", "run-x", model.AgentReview, model.EventEmitted, "x", 1, nil))
		assert.ErrorIs(t, err, storage.ErrTopicNotFound)

		assert.ErrorIs(t, f.store.DeleteTopic(ctx, "topic-missing"), storage.ErrTopicNotFound)

		topic := createTopic(t, f.store, "errors")
		err = f.store.UpdateRunStatus(ctx, topic.TopicID, "run-missing", model.RunStatusRunning)
		assert.ErrorIs(t, err, storage.ErrRunNotFound)
	})
}

func TestUpdateRunStatus_OtherTopicsRun(t *testing.T) {
	eachBackend(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		a := createTopic(t, f.store, "a")
		b := createTopic(t, f.store, "b")
		run, err := f.store.CreateRun(ctx, a.TopicID)
		require.NoError(t, err)

		err = f.store.UpdateRunStatus(ctx, b.TopicID, run.RunID, model.RunStatusRunning)
		assert.ErrorIs(t, err, storage.ErrRunNotFound)
	})
}

func TestAppendEvent_RejectsInvalid(t *testing.T) {
	eachBackend(t, func(t *testing.T, f fixture) {
		topic := createTopic(t, f.store, "invalid events")
		ev := newEvent(topic.TopicID, "run-1", model.AgentReview, model.EventEmitted, "", 1, nil)
		assert.ErrorIs(t, f.store.AppendEvent(context.Background(), ev), model.ErrInvalidEvent)
	})
}

func TestAppendEvent_RaisesUpdatedAt(t *testing.T) {
	eachBackend(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		topic := createTopic(t, f.store, "touch")

		later := topic.UpdatedAt + 60_000
		require.NoError(t, f.store.AppendEvent(ctx, newEvent(topic.TopicID, "run-1", model.AgentReview, model.EventEmitted, "later", later, nil)))
		require.NoError(t, f.store.AppendEvent(ctx, newEvent(topic.TopicID, "run-1", model.AgentReview, model.EventEmitted, "earlier", topic.UpdatedAt, nil)))

		got, err := f.store.GetTopic(ctx, topic.TopicID)
		require.NoError(t, err)
		assert.Equal(t, later, got.UpdatedAt)
	})
}

func TestSetAgentStatus_ClampsProgress(t *testing.T) {
	eachBackend(t, func(t *testing.T, f fixture) {
		topic := createTopic(t, f.store, "agents")
		snap, err := f.store.SetAgentStatus(context.Background(), topic.TopicID, model.AgentExperiment, model.AgentStatusRunning, 1.7, "run-1", "working")
		require.NoError(t, err)
		assert.Equal(t, 1.0, snap.Progress)
		assert.Equal(t, model.AgentStatusRunning, snap.Status)
		assert.Equal(t, "run-1", snap.RunID)

		snap, err = f.store.SetAgentStatus(context.Background(), topic.TopicID, model.AgentExperiment, model.AgentStatusRunning, -2, "run-1", "working")
		require.NoError(t, err)
		assert.Equal(t, 0.0, snap.Progress)
	})
}

func TestSnapshot_NewTopicIsIdle(t *testing.T) {
	eachBackend(t, func(t *testing.T, f fixture) {
		topic := createTopic(t, f.store, "idle")
		snap, err := f.store.Snapshot(context.Background(), topic.TopicID, 0)
		require.NoError(t, err)

		assert.Equal(t, topic.TopicID, snap.Topic.TopicID)
		assert.NotNil(t, snap.Events)
		assert.Empty(t, snap.Events)
		assert.Empty(t, snap.Artifacts)
		require.Len(t, snap.Agents, 3)
		for i, agent := range model.AgentOrder {
			assert.Equal(t, agent, snap.Agents[i].AgentID)
			assert.Equal(t, model.AgentStatusIdle, snap.Agents[i].Status)
			assert.Equal(t, topic.UpdatedAt, snap.Agents[i].LastUpdate)
			assert.Zero(t, snap.Agents[i].Progress)
		}
	})
}

func TestSnapshot_DerivesAgentsAndLimitsEvents(t *testing.T) {
	eachBackend(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		topic := createTopic(t, f.store, "derive")
		base := topic.CreatedAt + 1000

		events := []model.Event{
			newEvent(topic.TopicID, "run-1", model.AgentReview, model.EventAgentStatusUpdated, "review running", base,
				map[string]any{"status": "running", "progress": 0.1}),
			newEvent(topic.TopicID, "run-1", model.AgentReview, model.EventAgentStatusUpdated, "review done", base+1,
				map[string]any{"status": "completed", "progress": 1.0}),
			newEvent(topic.TopicID, "run-1", model.AgentReview, model.EventEmitted, "review note", base+2, nil),
			newEvent(topic.TopicID, "run-1", model.AgentIdeation, model.EventAgentStatusUpdated, "ideation running", base+3,
				map[string]any{"status": "running", "progress": 0.4}),
			newEvent(topic.TopicID, "run-1", model.AgentIdeation, model.EventEmitted, "ideation note", base+4, nil),
		}
		for _, ev := range events {
			require.NoError(t, f.store.AppendEvent(ctx, ev))
		}

		snap, err := f.store.Snapshot(ctx, topic.TopicID, 3)
		require.NoError(t, err)
		require.Len(t, snap.Events, 3)
		assert.Equal(t, "review note", snap.Events[0].Summary)
		assert.Equal(t, "ideation running", snap.Events[1].Summary)
		assert.Equal(t, "ideation note", snap.Events[2].Summary)
		assert.Equal(t, 0.4, snap.Events[1].Payload["progress"])

		review, ideation, experiment := snap.Agents[0], snap.Agents[1], snap.Agents[2]
		assert.Equal(t, "completed", review.Status)
		assert.Equal(t, 1.0, review.Progress)
		assert.Equal(t, "review note", review.LastSummary)
		assert.Equal(t, base+2, review.LastUpdate)
		assert.Equal(t, "run-1", review.RunID)

		assert.Equal(t, "running", ideation.Status)
		assert.Equal(t, 0.4, ideation.Progress)
		assert.Equal(t, "ideation note", ideation.LastSummary)

		assert.Equal(t, model.AgentStatusIdle, experiment.Status)
		assert.Equal(t, base+4, snap.Topic.UpdatedAt)
	})
}

func TestSnapshot_LimitIsCapped(t *testing.T) {
	eachBackend(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		topic := createTopic(t, f.store, "cap")
		for i := range 3 {
			require.NoError(t, f.store.AppendEvent(ctx, newEvent(topic.TopicID, "run-1", model.AgentReview,
				model.EventEmitted, fmt.Sprintf("e%d", i), topic.CreatedAt+int64(i), nil)))
		}
		snap, err := f.store.Snapshot(ctx, topic.TopicID, storage.MaxSnapshotLimit*10)
		require.NoError(t, err)
		assert.Len(t, snap.Events, 3)
	})
}

func TestSnapshot_FillsMissingArtifactRefs(t *testing.T) {
	eachBackend(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		topic := createTopic(t, f.store, "legacy")
		ref, err := f.store.CreateArtifact(ctx, topic.TopicID, "run-1", "survey.md", "", []byte("# Survey"))
		require.NoError(t, err)

		// Older writers stored artifact events without refs; bypass validation.
		ev := newEvent(topic.TopicID, "run-1", model.AgentReview, model.EventArtifactCreated, "review produced survey.md", topic.CreatedAt+1, nil)
		require.NoError(t, f.repo.InsertEvent(ctx, ev))

		snap, err := f.store.Snapshot(ctx, topic.TopicID, 0)
		require.NoError(t, err)
		require.Len(t, snap.Events, 1)
		assert.Equal(t, []model.ArtifactRef{ref}, snap.Events[0].Artifacts)
		assert.Equal(t, []model.ArtifactRef{ref}, snap.Artifacts)
	})
}

func TestArtifacts(t *testing.T) {
	eachBackend(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		topic := createTopic(t, f.store, "artifacts")

		ref, err := f.store.CreateArtifact(ctx, topic.TopicID, "run-1", "../../etc/survey.md", "", []byte("# Survey v1"))
		require.NoError(t, err)
		assert.Equal(t, "survey.md", ref.Name)
		assert.Equal(t, "text/markdown", ref.ContentType)
		assert.Regexp(t, `^art-survey-[0-9a-f]{8}$`, ref.ArtifactID)
		assert.Equal(t, "/api/topics/"+topic.TopicID+"/artifacts/survey.md", ref.URI)

		data, err := f.blobs.Get(ctx, blob.Key(topic.TopicID, "run-1", "survey.md"))
		require.NoError(t, err)
		assert.Equal(t, "# Survey v1", string(data))

		ref2, err := f.store.CreateArtifact(ctx, topic.TopicID, "run-2", "survey.md", "", []byte("# Survey v2"))
		require.NoError(t, err)

		a, content, err := f.store.ReadArtifact(ctx, topic.TopicID, "survey.md", "")
		require.NoError(t, err)
		assert.Equal(t, ref2.ArtifactID, a.ArtifactID)
		assert.Equal(t, "# Survey v2", string(content))

		a, content, err = f.store.ReadArtifact(ctx, topic.TopicID, "survey.md", ref.ArtifactID)
		require.NoError(t, err)
		assert.Equal(t, "run-1", a.RunID)
		assert.Equal(t, "# Survey v1", string(content))

		_, _, err = f.store.ReadArtifact(ctx, topic.TopicID, "missing.md", "")
		assert.ErrorIs(t, err, storage.ErrArtifactNotFound)

		_, err = f.store.CreateArtifact(ctx, topic.TopicID, "run-1", "..", "", []byte("x"))
		assert.ErrorIs(t, err, storage.ErrInvalidName)

		_, err = f.store.CreateArtifact(ctx, "topic-missing", "run-1", "x.md", "", []byte("x"))
		assert.ErrorIs(t, err, storage.ErrTopicNotFound)
	})
}

func TestReadArtifact_MissingContent(t *testing.T) {
	eachBackend(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		topic := createTopic(t, f.store, "lost content")
		_, err := f.store.CreateArtifact(ctx, topic.TopicID, "run-1", "ideas.json", "", []byte(`{"ideas":[]}`))
		require.NoError(t, err)
		require.NoError(t, f.blobs.DeletePrefix(ctx, topic.TopicID))

		_, _, err = f.store.ReadArtifact(ctx, topic.TopicID, "ideas.json", "")
		assert.ErrorIs(t, err, storage.ErrArtifactNotFound)
	})
}

func TestMessages(t *testing.T) {
	eachBackend(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		topic := createTopic(t, f.store, "chat")

		first, err := f.store.CreateMessage(ctx, topic.TopicID, model.AgentReview, model.RoleUser, "hello", "")
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
		second, err := f.store.CreateMessage(ctx, topic.TopicID, model.AgentReview, model.RoleAssistant, "Echo: hello", "run-1")
		require.NoError(t, err)
		_, err = f.store.CreateMessage(ctx, topic.TopicID, model.AgentIdeation, model.RoleUser, "other agent", "")
		require.NoError(t, err)

		msgs, err := f.store.ListMessages(ctx, topic.TopicID, model.AgentReview)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, first.MessageID, msgs[0].MessageID)
		assert.Empty(t, msgs[0].RunID)
		assert.Equal(t, second.MessageID, msgs[1].MessageID)
		assert.Equal(t, "run-1", msgs[1].RunID)

		recent, err := f.store.RecentMessages(ctx, topic.TopicID, model.AgentReview, 1)
		require.NoError(t, err)
		require.Len(t, recent, 1)
		assert.Equal(t, second.MessageID, recent[0].MessageID)

		empty, err := f.store.ListMessages(ctx, topic.TopicID, model.AgentExperiment)
		require.NoError(t, err)
		assert.NotNil(t, empty)
		assert.Empty(t, empty)

		_, err = f.store.ListMessages(ctx, "topic-missing", model.AgentReview)
		assert.ErrorIs(t, err, storage.ErrTopicNotFound)
	})
}

func TestDeleteTopic_RemovesEverything(t *testing.T) {
	eachBackend(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		topic := createTopic(t, f.store, "doomed")
		keep := createTopic(t, f.store, "kept")

		run, err := f.store.CreateRun(ctx, topic.TopicID)
		require.NoError(t, err)
		require.NoError(t, f.store.AppendEvent(ctx, newEvent(topic.TopicID, run.RunID, model.AgentReview, model.EventEmitted, "x", topic.CreatedAt, nil)))
		_, err = f.store.CreateArtifact(ctx, topic.TopicID, run.RunID, "survey.md", "", []byte("x"))
		require.NoError(t, err)
		_, err = f.store.CreateArtifact(ctx, keep.TopicID, "run-k", "survey.md", "", []byte("kept"))
		require.NoError(t, err)
		_, err = f.store.CreateMessage(ctx, topic.TopicID, model.AgentReview, model.RoleUser, "hi", run.RunID)
		require.NoError(t, err)

		require.NoError(t, f.store.DeleteTopic(ctx, topic.TopicID))

		_, err = f.store.GetTopic(ctx, topic.TopicID)
		assert.ErrorIs(t, err, storage.ErrTopicNotFound)
		_, err = f.repo.GetRun(ctx, run.RunID)
		assert.ErrorIs(t, err, storage.ErrRunNotFound)
		_, err = f.blobs.Get(ctx, blob.Key(topic.TopicID, run.RunID, "survey.md"))
		assert.ErrorIs(t, err, blob.ErrNotFound)

		events, err := f.repo.ListEvents(ctx, storage.EventFilter{TopicID: topic.TopicID})
		require.NoError(t, err)
		assert.Empty(t, events)
		msgs, err := f.repo.ListMessages(ctx, storage.MessageFilter{TopicID: topic.TopicID})
		require.NoError(t, err)
		assert.Empty(t, msgs)

		_, content, err := f.store.ReadArtifact(ctx, keep.TopicID, "survey.md", "")
		require.NoError(t, err)
		assert.Equal(t, "kept", string(content))
	})
}

func TestTrace(t *testing.T) {
	eachBackend(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		topic := createTopic(t, f.store, "trace")
		run, err := f.store.CreateRun(ctx, topic.TopicID)
		require.NoError(t, err)
		rid := run.RunID
		base := topic.CreatedAt + 10

		user, err := f.store.CreateMessage(ctx, topic.TopicID, model.AgentReview, model.RoleUser, "what next?", rid)
		require.NoError(t, err)
		stray, err := f.store.CreateMessage(ctx, topic.TopicID, model.AgentReview, model.RoleAssistant, "Echo: what next?", rid)
		require.NoError(t, err)
		ref, err := f.store.CreateArtifact(ctx, topic.TopicID, rid, "survey.md", "", []byte("# s"))
		require.NoError(t, err)
		orphan, err := f.store.CreateArtifact(ctx, topic.TopicID, rid, "results.json", "", []byte("{}"))
		require.NoError(t, err)

		msgEvent := newEvent(topic.TopicID, rid, model.AgentReview, model.EventMessageCreated, "message created (user)", base, map[string]any{
			"message": map[string]any{"messageId": user.MessageID, "agentId": "review", "role": "user", "content": "what next?", "ts": base},
		})
		artEvent := newEvent(topic.TopicID, rid, model.AgentReview, model.EventArtifactCreated, "review produced survey.md", base+1, nil)
		artEvent.Artifacts = []model.ArtifactRef{ref}
		for _, ev := range []model.Event{
			newEvent(topic.TopicID, rid, model.AgentReview, model.EventAgentStatusUpdated, "review running", base+2, map[string]any{"status": "running"}),
			newEvent(topic.TopicID, rid, model.AgentReview, model.EventAgentSubtasksUpdated, "review subtasks updated (review)", base+3, nil),
			newEvent(topic.TopicID, rid, model.AgentIdeation, model.EventEmitted, "run completed", base+4, nil),
			newEvent(topic.TopicID, "run-other", model.AgentIdeation, model.EventEmitted, "other run", base+5, nil),
			msgEvent,
			artEvent,
		} {
			require.NoError(t, f.store.AppendEvent(ctx, ev))
		}

		tr, err := f.store.Trace(ctx, topic.TopicID, "")
		require.NoError(t, err)
		assert.Equal(t, rid, tr.RunID)

		byID := map[string]model.TraceItem{}
		for i, item := range tr.Items {
			byID[item.ID] = item
			if i > 0 {
				assert.LessOrEqual(t, tr.Items[i-1].TS, item.TS)
			}
		}
		assert.Len(t, tr.Items, 6)
		assert.Equal(t, model.TraceMessage, byID["msg-"+user.MessageID].Kind)
		assert.Equal(t, "user: what next?", byID["msg-"+user.MessageID].Summary)
		assert.Equal(t, base, byID["msg-"+user.MessageID].TS)
		assert.Equal(t, model.TraceMessage, byID["msg-"+stray.MessageID].Kind)
		assert.Equal(t, base+1, byID["artifact-"+ref.ArtifactID].TS)
		assert.Equal(t, "artifact: survey.md", byID["artifact-"+ref.ArtifactID].Summary)
		assert.Equal(t, model.AgentExperiment, byID["artifact-"+orphan.ArtifactID].AgentID)

		kinds := map[model.TraceItemKind]int{}
		for _, item := range tr.Items {
			kinds[item.Kind]++
		}
		assert.Equal(t, map[model.TraceItemKind]int{
			model.TraceMessage: 2, model.TraceArtifact: 2, model.TraceStatus: 1, model.TraceEvent: 1,
		}, kinds)

		explicit, err := f.store.Trace(ctx, topic.TopicID, rid)
		require.NoError(t, err)
		assert.Len(t, explicit.Items, len(tr.Items))
	})
}

func TestTrace_RunMustBelongToTopic(t *testing.T) {
	eachBackend(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		a := createTopic(t, f.store, "a")
		b := createTopic(t, f.store, "b")
		run, err := f.store.CreateRun(ctx, a.TopicID)
		require.NoError(t, err)

		_, err = f.store.Trace(ctx, b.TopicID, run.RunID)
		assert.ErrorIs(t, err, storage.ErrRunNotFound)
		_, err = f.store.Trace(ctx, a.TopicID, "run-unknown")
		assert.ErrorIs(t, err, storage.ErrRunNotFound)
		_, err = f.store.Trace(ctx, "topic-missing", "")
		assert.ErrorIs(t, err, storage.ErrTopicNotFound)

		empty, err := f.store.Trace(ctx, b.TopicID, "")
		require.NoError(t, err)
		assert.Empty(t, empty.RunID)
		assert.NotNil(t, empty.Items)
	})
}

func TestPing(t *testing.T) {
	eachBackend(t, func(t *testing.T, f fixture) {
		assert.NoError(t, f.store.Ping(context.Background()))
	})
}

func TestRunMigrations_Idempotent(t *testing.T) {
	require.NoError(t, testDB.RunMigrations(context.Background(), os.DirFS("../../migrations/postgres")))
}

func TestRunMigrations_ConcurrentReplicas(t *testing.T) {
	ctx := context.Background()
	errs := make(chan error, 3)
	for range 3 {
		go func() {
			db, err := pg.NewTestDB(ctx, testutil.TestLogger())
			if err == nil {
				err = db.Close()
			}
			errs <- err
		}()
	}
	for range 3 {
		assert.NoError(t, <-errs)
	}
}
