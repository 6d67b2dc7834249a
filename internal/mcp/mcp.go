// Package mcp implements the Model Context Protocol server for kenkyu.
//
// The MCP server exposes the research pipeline to MCP-compatible agents:
// they can list topics, start runs, watch progress through snapshots and
// read the artifacts a run produced.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kenkyu/internal/ctxutil"
	"github.com/ashita-ai/kenkyu/internal/storage"
	"github.com/ashita-ai/kenkyu/internal/telemetry"
)

// RunSubmitter starts a stored run in the background.
type RunSubmitter interface {
	Submit(topicID, runID string) error
}

// Server wraps the MCP server with kenkyu's storage and run launcher.
type Server struct {
	mcpServer *mcpserver.MCPServer
	store     *storage.Store
	runs      RunSubmitter
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools and
// prompts.
func New(store *storage.Store, runs RunSubmitter, logger *slog.Logger, version string) *Server {
	s := &Server{
		store:  store,
		runs:   runs,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kenkyu",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithRecovery(),
		mcpserver.WithHooks(s.hooks()),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// hooks logs every tool call and counts calls and protocol errors.
func (s *Server) hooks() *mcpserver.Hooks {
	meter := telemetry.Meter("kenkyu/mcp")
	calls, _ := meter.Int64Counter("kenkyu.mcp.tool.calls",
		metric.WithDescription("MCP tool invocations"))
	failures, _ := meter.Int64Counter("kenkyu.mcp.errors",
		metric.WithDescription("MCP requests that failed at the protocol level"))

	h := &mcpserver.Hooks{}
	h.AddBeforeCallTool(func(ctx context.Context, _ any, req *mcplib.CallToolRequest) {
		s.logger.Debug("mcp: tool call", "tool", req.Params.Name,
			"username", ctxutil.UsernameFromContext(ctx),
			"request_id", ctxutil.RequestIDFromContext(ctx))
		if calls != nil {
			calls.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", req.Params.Name)))
		}
	})
	h.AddOnError(func(ctx context.Context, _ any, method mcplib.MCPMethod, _ any, err error) {
		s.logger.Warn("mcp: request failed", "method", string(method), "error", err)
		if failures != nil {
			failures.Add(ctx, 1, metric.WithAttributes(attribute.String("method", string(method))))
		}
	})
	return h
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
