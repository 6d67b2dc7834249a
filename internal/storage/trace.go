package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ashita-ai/kenkyu/internal/model"
)

const traceSummaryRunes = 120

// Trace merges the events, messages and artifacts of one run into a single
// timeline. Without runID the active run is used, else the latest one. A
// runID that does not belong to the topic yields ErrRunNotFound.
func (s *Store) Trace(ctx context.Context, topicID, runID string) (model.Trace, error) {
	if _, err := s.repo.GetTopic(ctx, topicID); err != nil {
		return model.Trace{}, err
	}
	if runID != "" {
		run, err := s.repo.GetRun(ctx, runID)
		if errors.Is(err, ErrNotFound) || (err == nil && run.TopicID != topicID) {
			return model.Trace{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		if err != nil {
			return model.Trace{}, fmt.Errorf("storage: trace run: %w", err)
		}
	} else {
		last, active, err := s.repo.RunPointers(ctx, topicID)
		if err != nil {
			return model.Trace{}, fmt.Errorf("storage: trace run: %w", err)
		}
		runID = active
		if runID == "" {
			runID = last
		}
		if runID == "" {
			return model.Trace{TopicID: topicID, Items: []model.TraceItem{}}, nil
		}
	}

	events, err := s.repo.ListEvents(ctx, EventFilter{TopicID: topicID, RunID: runID})
	if err != nil {
		return model.Trace{}, fmt.Errorf("storage: trace events: %w", err)
	}
	messages, err := s.repo.ListMessages(ctx, MessageFilter{TopicID: topicID, RunID: runID})
	if err != nil {
		return model.Trace{}, fmt.Errorf("storage: trace messages: %w", err)
	}
	artifacts, err := s.repo.ListArtifacts(ctx, ArtifactFilter{TopicID: topicID, RunID: runID})
	if err != nil {
		return model.Trace{}, fmt.Errorf("storage: trace artifacts: %w", err)
	}

	items := buildTimeline(events, messages, artifacts)
	return model.Trace{TopicID: topicID, RunID: runID, Items: items}, nil
}

func messageSummary(role, content string) string {
	r := []rune(content)
	if len(r) > traceSummaryRunes {
		r = r[:traceSummaryRunes]
	}
	return role + ": " + string(r)
}

func nonEmpty(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	return m
}

// buildTimeline converts events first, then adds stored messages and
// artifacts that no event already covered. agent_subtasks_updated events
// are too frequent to be useful on a timeline and are skipped.
func buildTimeline(events []model.Event, messages []model.Message, artifacts []model.Artifact) []model.TraceItem {
	items := []model.TraceItem{}
	seenMessages := map[string]bool{}
	seenArtifacts := map[string]bool{}

	for _, ev := range events {
		switch ev.Kind {
		case model.EventMessageCreated:
			msg, ok := ev.Payload["message"].(map[string]any)
			if !ok {
				continue
			}
			id, _ := msg["messageId"].(string)
			if id == "" || seenMessages[id] {
				continue
			}
			ts := ev.TS
			if v, ok := msg["ts"].(float64); ok {
				ts = int64(v)
			}
			agent := ev.AgentID
			if v, ok := msg["agentId"].(string); ok && model.AgentID(v).Valid() {
				agent = model.AgentID(v)
			}
			role, ok := msg["role"].(string)
			if !ok {
				role = string(model.RoleAssistant)
			}
			content, ok := msg["content"].(string)
			if !ok {
				content = ev.Summary
			}
			items = append(items, model.TraceItem{
				ID: "msg-" + id, TS: ts, AgentID: agent, Kind: model.TraceMessage,
				Summary: messageSummary(role, content),
				Payload: map[string]any{"message": msg},
			})
			seenMessages[id] = true

		case model.EventArtifactCreated:
			appended := false
			for i, ref := range ev.Artifacts {
				id := ref.ArtifactID
				if id == "" {
					id = fmt.Sprintf("%s-%d", ev.EventID, i)
				}
				if seenArtifacts[id] {
					continue
				}
				name := ref.Name
				if name == "" {
					name = "artifact"
				}
				items = append(items, model.TraceItem{
					ID: "artifact-" + id, TS: ev.TS, AgentID: ev.AgentID, Kind: model.TraceArtifact,
					Summary: "artifact: " + name,
					Payload: map[string]any{"artifact": ref},
				})
				seenArtifacts[id] = true
				appended = true
			}
			if !appended {
				items = append(items, model.TraceItem{
					ID: "artifact-" + ev.EventID, TS: ev.TS, AgentID: ev.AgentID, Kind: model.TraceArtifact,
					Summary: ev.Summary, Payload: nonEmpty(ev.Payload),
				})
			}

		case model.EventAgentStatusUpdated:
			items = append(items, model.TraceItem{
				ID: "status-" + ev.EventID, TS: ev.TS, AgentID: ev.AgentID, Kind: model.TraceStatus,
				Summary: ev.Summary, Payload: nonEmpty(ev.Payload),
			})

		case model.EventEmitted:
			items = append(items, model.TraceItem{
				ID: "event-" + ev.EventID, TS: ev.TS, AgentID: ev.AgentID, Kind: model.TraceEvent,
				Summary: ev.Summary, Payload: nonEmpty(ev.Payload),
			})
		}
	}

	for _, m := range messages {
		if m.MessageID == "" || seenMessages[m.MessageID] || m.Content == "" || !m.AgentID.Valid() {
			continue
		}
		items = append(items, model.TraceItem{
			ID: "msg-" + m.MessageID, TS: m.TS, AgentID: m.AgentID, Kind: model.TraceMessage,
			Summary: messageSummary(string(m.Role), m.Content),
			Payload: map[string]any{"message": m},
		})
		seenMessages[m.MessageID] = true
	}

	for _, a := range artifacts {
		if seenArtifacts[a.ArtifactID] {
			continue
		}
		items = append(items, model.TraceItem{
			ID: "artifact-" + a.ArtifactID, TS: a.CreatedAt, AgentID: inferArtifactAgent(a.Name), Kind: model.TraceArtifact,
			Summary: "artifact: " + a.Name,
			Payload: map[string]any{"artifact": a.Ref()},
		})
		seenArtifacts[a.ArtifactID] = true
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].TS < items[j].TS })
	return items
}

// inferArtifactAgent attributes an artifact with no event to the agent that
// normally writes files of that name.
func inferArtifactAgent(name string) model.AgentID {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "survey"):
		return model.AgentReview
	case strings.Contains(lower, "result"):
		return model.AgentExperiment
	default:
		return model.AgentIdeation
	}
}
