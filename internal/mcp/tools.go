package mcp

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kenkyu/internal/ctxutil"
	"github.com/ashita-ai/kenkyu/internal/model"
	"github.com/ashita-ai/kenkyu/internal/storage"
)

// maxInlineArtifactBytes bounds the artifact content returned in a tool
// result. Larger artifacts are truncated and flagged.
const maxInlineArtifactBytes = 256 << 10

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("kenkyu_list_topics",
			mcplib.WithDescription(`List research topics, oldest first.

Each topic carries its latest run (lastRunId) and, while one is in
progress, the active run (activeRunId).`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleListTopics,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kenkyu_start_run",
			mcplib.WithDescription(`Start a research run for a topic.

The run executes in the background: the review agent writes a survey, the
ideation agent proposes ideas from it, and the experiment agent reports
results that feed back into ideation. Poll kenkyu_snapshot to follow progress.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("topic_id",
				mcplib.Description("The topic to run"),
				mcplib.Required(),
			),
		),
		s.handleStartRun,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kenkyu_snapshot",
			mcplib.WithDescription(`Get the current state of a topic: agent statuses, recent events and
the artifacts produced so far.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("topic_id",
				mcplib.Description("The topic to inspect"),
				mcplib.Required(),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of recent events to include"),
				mcplib.Min(1),
				mcplib.Max(storage.MaxSnapshotLimit),
				mcplib.DefaultNumber(storage.DefaultSnapshotLimit),
			),
		),
		s.handleSnapshot,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kenkyu_read_artifact",
			mcplib.WithDescription(`Read an artifact of a topic by name, for example survey.md, ideas.md,
results.json or result.md. The newest artifact with that name is returned.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("topic_id",
				mcplib.Description("The topic owning the artifact"),
				mcplib.Required(),
			),
			mcplib.WithString("name",
				mcplib.Description("Artifact file name"),
				mcplib.Required(),
			),
			mcplib.WithString("artifact_id",
				mcplib.Description("Optional: a specific artifact version"),
			),
		),
		s.handleReadArtifact,
	)
}

func (s *Server) handleListTopics(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	topics, err := s.store.ListTopics(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to list topics: %v", err)), nil
	}
	return jsonResult(model.TopicList{Items: topics, Total: len(topics)})
}

func (s *Server) handleStartRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	topicID := request.GetString("topic_id", "")
	if topicID == "" {
		return errorResult("topic_id is required"), nil
	}
	topic, err := s.store.GetTopic(ctx, topicID)
	if err != nil {
		return storeErrorResult("failed to start run", err), nil
	}

	run, err := s.store.CreateRun(ctx, topic.TopicID)
	if err != nil {
		return storeErrorResult("failed to create run", err), nil
	}
	if err := s.runs.Submit(run.TopicID, run.RunID); err != nil {
		if uerr := s.store.UpdateRunStatus(context.WithoutCancel(ctx), run.TopicID, run.RunID, model.RunStatusStopped); uerr != nil {
			s.logger.Warn("mcp: mark unsubmitted run stopped", "run_id", run.RunID, "error", uerr)
		}
		return errorResult(fmt.Sprintf("failed to start run: %v", err)), nil
	}
	s.logger.Info("mcp: run started",
		"topic_id", run.TopicID,
		"run_id", run.RunID,
		"initiator", ctxutil.UsernameFromContext(ctx),
		"request_id", ctxutil.RequestIDFromContext(ctx),
	)

	return jsonResult(model.CreateRunResponse{
		RunID:     run.RunID,
		TopicID:   run.TopicID,
		Status:    run.Status,
		CreatedAt: run.StartedAt,
		StartedAt: run.StartedAt,
	})
}

func (s *Server) handleSnapshot(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	topicID := request.GetString("topic_id", "")
	if topicID == "" {
		return errorResult("topic_id is required"), nil
	}
	limit := request.GetInt("limit", storage.DefaultSnapshotLimit)
	if limit < 1 || limit > storage.MaxSnapshotLimit {
		return errorResult(fmt.Sprintf("limit must be between 1 and %d", storage.MaxSnapshotLimit)), nil
	}

	snap, err := s.store.Snapshot(ctx, topicID, limit)
	if err != nil {
		return storeErrorResult("failed to load snapshot", err), nil
	}
	return jsonResult(snap)
}

// artifactResult is the kenkyu_read_artifact payload.
type artifactResult struct {
	model.ArtifactRef
	RunID     string `json:"runId"`
	Size      int    `json:"size"`
	Truncated bool   `json:"truncated,omitempty"`
	Binary    bool   `json:"binary,omitempty"`
	Content   string `json:"content,omitempty"`
}

func (s *Server) handleReadArtifact(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	topicID := request.GetString("topic_id", "")
	name := request.GetString("name", "")
	if topicID == "" || name == "" {
		return errorResult("topic_id and name are required"), nil
	}

	a, data, err := s.store.ReadArtifact(ctx, topicID, name, request.GetString("artifact_id", ""))
	if err != nil {
		return storeErrorResult("failed to read artifact", err), nil
	}

	out := artifactResult{ArtifactRef: a.Ref(), RunID: a.RunID, Size: len(data)}
	if !utf8.Valid(data) {
		out.Binary = true
		return jsonResult(out)
	}
	if len(data) > maxInlineArtifactBytes {
		data = data[:maxInlineArtifactBytes]
		for !utf8.Valid(data) {
			data = data[:len(data)-1]
		}
		out.Truncated = true
	}
	out.Content = string(data)
	return jsonResult(out)
}

// storeErrorResult turns storage errors into tool errors. Lookup and
// validation failures are reported verbatim.
func storeErrorResult(msg string, err error) *mcplib.CallToolResult {
	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrInvalidName),
		errors.Is(err, model.ErrInvalidEvent):
		return errorResult(err.Error())
	}
	return errorResult(fmt.Sprintf("%s: %v", msg, err))
}
