package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kenkyu/internal/blob"
	"github.com/ashita-ai/kenkyu/internal/model"
)

// Repository is the row-level persistence implemented by the Postgres DB in
// this package and by the SQLite DB in storage/sqlite. Inserts that belong
// to a topic fail with ErrTopicNotFound when it does not exist and advance
// the topic's updated_at in the same transaction.
type Repository interface {
	Ping(ctx context.Context) error

	InsertTopic(ctx context.Context, t model.Topic) error
	GetTopic(ctx context.Context, topicID string) (model.Topic, error)
	// ListTopics returns topics oldest first.
	ListTopics(ctx context.Context) ([]model.Topic, error)
	// DeleteTopic removes the topic with its runs, events, artifacts and
	// messages.
	DeleteTopic(ctx context.Context, topicID string) error

	InsertRun(ctx context.Context, r model.Run) error
	GetRun(ctx context.Context, runID string) (model.Run, error)
	// SetRunStatus updates a run of topicID at ts, recording ts as the end
	// time for terminal statuses.
	SetRunStatus(ctx context.Context, topicID, runID string, status model.RunStatus, ts int64) error
	// RunPointers returns the latest run and the latest queued or running
	// run of a topic. Either may be empty.
	RunPointers(ctx context.Context, topicID string) (last, active string, err error)

	// InsertEvent stores ev and raises updated_at to at least ev.TS.
	InsertEvent(ctx context.Context, ev model.Event) error
	ListEvents(ctx context.Context, f EventFilter) ([]model.Event, error)

	// InsertArtifact stores a and sets updated_at to a.CreatedAt.
	InsertArtifact(ctx context.Context, a model.Artifact) error
	ListArtifacts(ctx context.Context, f ArtifactFilter) ([]model.Artifact, error)

	InsertMessage(ctx context.Context, m model.Message) error
	ListMessages(ctx context.Context, f MessageFilter) ([]model.Message, error)
}

// Store implements the topic, run, event, artifact and message operations
// on top of a Repository for metadata and a blob.Store for artifact content.
// It is safe for concurrent use.
type Store struct {
	repo   Repository
	blobs  blob.Store
	logger *slog.Logger
	now    func() time.Time
	pings  singleflight.Group
}

// NewStore creates a Store.
func NewStore(repo Repository, blobs blob.Store, logger *slog.Logger) *Store {
	return &Store{repo: repo, blobs: blobs, logger: logger, now: time.Now}
}

func (s *Store) nowMS() int64 { return s.now().UnixMilli() }

// Ping checks the repository. Concurrent callers share one probe.
func (s *Store) Ping(ctx context.Context) error {
	_, err, _ := s.pings.Do("ping", func() (any, error) {
		return nil, s.repo.Ping(ctx)
	})
	return err
}

// CreateTopic stores a new active topic.
func (s *Store) CreateTopic(ctx context.Context, req model.CreateTopicRequest) (model.Topic, error) {
	ts := s.nowMS()
	tags := req.Tags
	if tags == nil {
		tags = []string{}
	}
	t := model.Topic{
		TopicID:     NewTopicID(),
		Title:       strings.TrimSpace(req.ResolvedTitle()),
		Description: req.Description,
		Objective:   req.Objective,
		Tags:        tags,
		Status:      model.TopicStatusActive,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	if err := s.repo.InsertTopic(ctx, t); err != nil {
		return model.Topic{}, fmt.Errorf("storage: create topic: %w", err)
	}
	return t, nil
}

func (s *Store) withRunPointers(ctx context.Context, t model.Topic) (model.Topic, error) {
	last, active, err := s.repo.RunPointers(ctx, t.TopicID)
	if err != nil {
		return model.Topic{}, fmt.Errorf("storage: resolve runs for %s: %w", t.TopicID, err)
	}
	t.LastRunID, t.ActiveRunID = last, active
	return t, nil
}

// GetTopic returns a topic with its run pointers, or ErrTopicNotFound.
func (s *Store) GetTopic(ctx context.Context, topicID string) (model.Topic, error) {
	t, err := s.repo.GetTopic(ctx, topicID)
	if err != nil {
		return model.Topic{}, err
	}
	return s.withRunPointers(ctx, t)
}

// ListTopics returns every topic, oldest first, with run pointers.
func (s *Store) ListTopics(ctx context.Context) ([]model.Topic, error) {
	topics, err := s.repo.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: list topics: %w", err)
	}
	for i := range topics {
		if topics[i], err = s.withRunPointers(ctx, topics[i]); err != nil {
			return nil, err
		}
	}
	return topics, nil
}

// DeleteTopic removes a topic, everything scoped to it and its artifact
// content.
func (s *Store) DeleteTopic(ctx context.Context, topicID string) error {
	if err := s.repo.DeleteTopic(ctx, topicID); err != nil {
		return err
	}
	if err := s.blobs.DeletePrefix(ctx, topicID); err != nil {
		return fmt.Errorf("storage: delete artifact content for %s: %w", topicID, err)
	}
	return nil
}

// CreateRun stores a queued run for topicID.
func (s *Store) CreateRun(ctx context.Context, topicID string) (model.Run, error) {
	now := s.now()
	r := model.Run{
		RunID:     NewRunID(now),
		TopicID:   topicID,
		Status:    model.RunStatusQueued,
		StartedAt: now.UnixMilli(),
	}
	if err := s.repo.InsertRun(ctx, r); err != nil {
		return model.Run{}, err
	}
	return r, nil
}

// UpdateRunStatus moves a run to status.
func (s *Store) UpdateRunStatus(ctx context.Context, topicID, runID string, status model.RunStatus) error {
	return s.repo.SetRunStatus(ctx, topicID, runID, status, s.nowMS())
}

// SetAgentStatus checks that the topic exists and returns the agent view
// for the transition. Agent state is derived from events, so nothing is
// written here; callers record the transition by appending an event.
func (s *Store) SetAgentStatus(ctx context.Context, topicID string, agentID model.AgentID, status string, progress float64, runID, summary string) (model.AgentSnapshot, error) {
	if _, err := s.repo.GetTopic(ctx, topicID); err != nil {
		return model.AgentSnapshot{}, err
	}
	ts := s.nowMS()
	return model.AgentSnapshot{
		AgentID:     agentID,
		Status:      status,
		Progress:    min(max(progress, 0), 1),
		LastUpdate:  ts,
		RunID:       runID,
		LastSummary: summary,
		State:       status,
		UpdatedAt:   ts,
	}, nil
}

// AppendEvent stores a valid event.
func (s *Store) AppendEvent(ctx context.Context, ev model.Event) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	return s.repo.InsertEvent(ctx, ev)
}

// CreateArtifact writes content to the blob store under topic/run/name and
// records it. Directory components in name are dropped. An empty
// contentType is detected from the name and content.
func (s *Store) CreateArtifact(ctx context.Context, topicID, runID, name, contentType string, content []byte) (model.ArtifactRef, error) {
	safe, err := SafeArtifactName(name)
	if err != nil {
		return model.ArtifactRef{}, err
	}
	if _, err := s.repo.GetTopic(ctx, topicID); err != nil {
		return model.ArtifactRef{}, err
	}
	if contentType == "" {
		contentType = blob.DetectContentType(safe, content)
	}

	key := blob.Key(topicID, runID, safe)
	if err := s.blobs.Put(ctx, key, content, contentType); err != nil {
		return model.ArtifactRef{}, fmt.Errorf("storage: write artifact %s: %w", safe, err)
	}
	a := model.Artifact{
		ArtifactID:  NewArtifactID(safe),
		TopicID:     topicID,
		RunID:       runID,
		Name:        safe,
		ContentType: contentType,
		Locator:     key,
		CreatedAt:   s.nowMS(),
	}
	if err := s.repo.InsertArtifact(ctx, a); err != nil {
		return model.ArtifactRef{}, fmt.Errorf("storage: record artifact %s: %w", safe, err)
	}
	return a.Ref(), nil
}

// ReadArtifact returns the newest artifact of the topic called name, or the
// one with artifactID when given, together with its content.
func (s *Store) ReadArtifact(ctx context.Context, topicID, name, artifactID string) (model.Artifact, []byte, error) {
	safe, err := SafeArtifactName(name)
	if err != nil {
		return model.Artifact{}, nil, err
	}
	rows, err := s.repo.ListArtifacts(ctx, ArtifactFilter{
		TopicID: topicID, Name: safe, ArtifactID: artifactID, Limit: 1, Newest: true,
	})
	if err != nil {
		return model.Artifact{}, nil, fmt.Errorf("storage: find artifact %s: %w", safe, err)
	}
	if len(rows) == 0 {
		return model.Artifact{}, nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, safe)
	}
	a := rows[0]
	data, err := s.blobs.Get(ctx, a.Locator)
	if errors.Is(err, blob.ErrNotFound) {
		s.logger.Warn("storage: artifact content missing", "topic_id", topicID, "artifact_id", a.ArtifactID, "locator", a.Locator)
		return model.Artifact{}, nil, fmt.Errorf("%w: %s content", ErrArtifactNotFound, safe)
	}
	if err != nil {
		return model.Artifact{}, nil, fmt.Errorf("storage: read artifact %s: %w", safe, err)
	}
	if a.ContentType == "" {
		a.ContentType = blob.DetectContentType(a.Name, data)
	}
	return a, data, nil
}

// CreateMessage stores one conversation turn.
func (s *Store) CreateMessage(ctx context.Context, topicID string, agentID model.AgentID, role model.MessageRole, content, runID string) (model.Message, error) {
	m := model.Message{
		MessageID: uuid.NewString(),
		TopicID:   topicID,
		RunID:     runID,
		AgentID:   agentID,
		Role:      role,
		Content:   content,
		TS:        s.nowMS(),
	}
	if err := s.repo.InsertMessage(ctx, m); err != nil {
		return model.Message{}, err
	}
	return m, nil
}

// ListMessages returns the conversation with one agent, oldest first.
func (s *Store) ListMessages(ctx context.Context, topicID string, agentID model.AgentID) ([]model.Message, error) {
	if _, err := s.repo.GetTopic(ctx, topicID); err != nil {
		return nil, err
	}
	msgs, err := s.repo.ListMessages(ctx, MessageFilter{TopicID: topicID, AgentID: agentID})
	if err != nil {
		return nil, fmt.Errorf("storage: list messages: %w", err)
	}
	return msgs, nil
}

// RecentMessages returns up to limit messages with one agent, newest first.
func (s *Store) RecentMessages(ctx context.Context, topicID string, agentID model.AgentID, limit int) ([]model.Message, error) {
	msgs, err := s.repo.ListMessages(ctx, MessageFilter{TopicID: topicID, AgentID: agentID, Limit: limit, Newest: true})
	if err != nil {
		return nil, fmt.Errorf("storage: recent messages: %w", err)
	}
	return msgs, nil
}
