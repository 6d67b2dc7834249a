package storage

import (
	"context"
	"fmt"
	"slices"

	"github.com/ashita-ai/kenkyu/internal/model"
)

// Snapshot limits.
const (
	DefaultSnapshotLimit = 50
	MaxSnapshotLimit     = 500
)

// Snapshot returns the topic, one view per agent, the last limit events in
// chronological order and every artifact.
func (s *Store) Snapshot(ctx context.Context, topicID string, limit int) (model.Snapshot, error) {
	if limit <= 0 {
		limit = DefaultSnapshotLimit
	}
	limit = min(limit, MaxSnapshotLimit)

	topic, err := s.GetTopic(ctx, topicID)
	if err != nil {
		return model.Snapshot{}, err
	}
	events, err := s.repo.ListEvents(ctx, EventFilter{TopicID: topicID, Limit: limit, Newest: true})
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("storage: snapshot events: %w", err)
	}
	slices.Reverse(events)

	artifacts, err := s.repo.ListArtifacts(ctx, ArtifactFilter{TopicID: topicID})
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("storage: snapshot artifacts: %w", err)
	}
	agents, err := s.agentSnapshots(ctx, topic)
	if err != nil {
		return model.Snapshot{}, err
	}

	for i, ev := range events {
		if ev.Kind == model.EventArtifactCreated && ev.Artifacts == nil {
			if a, ok := latestArtifactOfRun(artifacts, ev.RunID); ok {
				events[i].Artifacts = []model.ArtifactRef{a.Ref()}
			}
		}
	}
	refs := make([]model.ArtifactRef, len(artifacts))
	for i, a := range artifacts {
		refs[i] = a.Ref()
	}
	if events == nil {
		events = []model.Event{}
	}
	return model.Snapshot{Topic: topic, Agents: agents, Events: events, Artifacts: refs}, nil
}

// latestArtifactOfRun picks from artifacts, which are sorted oldest first.
func latestArtifactOfRun(artifacts []model.Artifact, runID string) (model.Artifact, bool) {
	for i := len(artifacts) - 1; i >= 0; i-- {
		if artifacts[i].RunID == runID {
			return artifacts[i], true
		}
	}
	return model.Artifact{}, false
}

// agentSnapshots derives each agent's view from its events. An agent with
// no events is idle as of the topic's last update. The latest status event
// sets status and progress; the latest event of any kind sets the update
// time, run and summary.
func (s *Store) agentSnapshots(ctx context.Context, topic model.Topic) ([]model.AgentSnapshot, error) {
	out := make([]model.AgentSnapshot, 0, len(model.AgentOrder))
	for _, agent := range model.AgentOrder {
		snap := model.AgentSnapshot{
			AgentID:     agent,
			Status:      model.AgentStatusIdle,
			LastUpdate:  topic.UpdatedAt,
			LastSummary: model.AgentStatusIdle,
			State:       model.AgentStatusIdle,
			UpdatedAt:   topic.UpdatedAt,
		}

		status, err := s.repo.ListEvents(ctx, EventFilter{
			TopicID: topic.TopicID, AgentID: agent, Kind: model.EventAgentStatusUpdated, Limit: 1, Newest: true,
		})
		if err != nil {
			return nil, fmt.Errorf("storage: latest status of %s: %w", agent, err)
		}
		if len(status) == 1 {
			ev := status[0]
			if st, ok := ev.Payload["status"].(string); ok && st != "" {
				snap.Status, snap.State = st, st
			}
			if p, ok := ev.Payload["progress"].(float64); ok {
				snap.Progress = min(max(p, 0), 1)
			}
			applyLatest(&snap, ev)
		}

		latest, err := s.repo.ListEvents(ctx, EventFilter{TopicID: topic.TopicID, AgentID: agent, Limit: 1, Newest: true})
		if err != nil {
			return nil, fmt.Errorf("storage: latest event of %s: %w", agent, err)
		}
		if len(latest) == 1 {
			applyLatest(&snap, latest[0])
		}
		out = append(out, snap)
	}
	return out, nil
}

func applyLatest(snap *model.AgentSnapshot, ev model.Event) {
	snap.LastUpdate = ev.TS
	snap.UpdatedAt = ev.TS
	snap.RunID = ev.RunID
	snap.LastSummary = ev.Summary
}
