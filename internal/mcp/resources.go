package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kenkyu/internal/model"
	"github.com/ashita-ai/kenkyu/internal/storage"
)

const (
	topicsURI         = "kenkyu://topics"
	topicURIPrefix    = "kenkyu://topics/"
	snapshotURISuffix = "/snapshot"
)

func (s *Server) registerResources() {
	// kenkyu://topics: every topic with its run pointers.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			topicsURI,
			"Topics",
			mcplib.WithResourceDescription("All research topics, oldest first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleTopics,
	)

	// kenkyu://topics/{topicId}/snapshot: the dashboard view of one topic.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"kenkyu://topics/{topicId}/snapshot",
			"Topic Snapshot",
			mcplib.WithTemplateDescription("Agent statuses, recent events and artifacts of one topic"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleTopicSnapshot,
	)
}

func (s *Server) handleTopics(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	topics, err := s.store.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: list topics: %w", err)
	}
	return jsonContents(topicsURI, model.TopicList{Items: topics, Total: len(topics)})
}

func (s *Server) handleTopicSnapshot(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	topicID, ok := topicIDFromSnapshotURI(uri)
	if !ok {
		return nil, fmt.Errorf("mcp: invalid snapshot URI: %s", uri)
	}

	snap, err := s.store.Snapshot(ctx, topicID, storage.DefaultSnapshotLimit)
	if err != nil {
		return nil, fmt.Errorf("mcp: snapshot %s: %w", topicID, err)
	}
	return jsonContents(uri, snap)
}

// topicIDFromSnapshotURI extracts the topic from kenkyu://topics/{id}/snapshot.
func topicIDFromSnapshotURI(uri string) (string, bool) {
	rest, ok := strings.CutPrefix(uri, topicURIPrefix)
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, snapshotURISuffix)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
