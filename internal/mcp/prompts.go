package mcp

import (
	"context"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// research-topic: walks an agent through running a topic and reading its results.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("research-topic",
			mcplib.WithPromptDescription("Run the research pipeline for a topic and summarize what it produced"),
			mcplib.WithArgument("topic_id",
				mcplib.ArgumentDescription("The topic to research"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleResearchTopicPrompt,
	)
}

func (s *Server) handleResearchTopicPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	topicID := request.Params.Arguments["topic_id"]
	if topicID == "" {
		return nil, fmt.Errorf("topic_id argument is required")
	}
	topic, err := s.store.GetTopic(ctx, topicID)
	if err != nil {
		return nil, fmt.Errorf("mcp: research prompt: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Research topic %q (%s).\n", topic.Title, topic.TopicID)
	if topic.Objective != "" {
		fmt.Fprintf(&b, "Objective: %s\n", topic.Objective)
	}
	if len(topic.Tags) > 0 {
		fmt.Fprintf(&b, "Tags: %s\n", strings.Join(topic.Tags, ", "))
	}
	if topic.ActiveRunID != "" {
		fmt.Fprintf(&b, "\nRun %s is already in progress. Skip step 1 and follow it instead.\n", topic.ActiveRunID)
	}
	fmt.Fprintf(&b, `
1. CALL kenkyu_start_run with topic_id=%q.

2. POLL kenkyu_snapshot with topic_id=%q until every agent reports
   completed or failed. Agents run in order: review, ideation, experiment.

3. READ the artifacts with kenkyu_read_artifact:
   - survey.md from the review agent
   - ideas.md from the ideation agent
   - results.json and result.md from the experiment agent

4. SUMMARIZE the survey, the most promising idea and what the experiment
   showed. Say so plainly if an agent failed.`, topic.TopicID, topic.TopicID)

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Research %s", topic.Title),
		Messages: []mcplib.PromptMessage{
			{
				Role:    mcplib.RoleUser,
				Content: mcplib.TextContent{Type: "text", Text: b.String()},
			},
		},
	}, nil
}
