package model

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Field length limits for caller-supplied topic fields. They keep a single
// oversized field from bloating every prompt built for the topic.
const (
	MaxTitleLen       = 200
	MaxDescriptionLen = 8 * 1024
	MaxObjectiveLen   = 8 * 1024
	MaxTags           = 32
	MaxMessageLen     = 16 * 1024
)

// ArtifactURI is the download path for the latest artifact with the given
// name in a topic.
func ArtifactURI(topicID, name string) string {
	return "/api/topics/" + topicID + "/artifacts/" + url.PathEscape(name)
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// LoginRequest is the request body for POST /api/auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries a bearer token.
type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// MeResponse is returned by GET /api/auth/me.
type MeResponse struct {
	Username string `json:"username"`
}

// CreateTopicRequest is the request body for POST /api/topics. Either Title
// or Name must be set; Title wins when both are.
type CreateTopicRequest struct {
	Title       string   `json:"title"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Objective   string   `json:"objective"`
	Tags        []string `json:"tags"`
}

// ResolvedTitle returns the trimmed title, falling back to Name.
func (r CreateTopicRequest) ResolvedTitle() string {
	if t := strings.TrimSpace(r.Title); t != "" {
		return t
	}
	return strings.TrimSpace(r.Name)
}

// Validate checks required fields and length limits.
func (r CreateTopicRequest) Validate() error {
	title := r.ResolvedTitle()
	if title == "" {
		return fmt.Errorf("title or name is required")
	}
	if len(title) > MaxTitleLen {
		return fmt.Errorf("title exceeds maximum length of %d characters", MaxTitleLen)
	}
	if len(r.Description) > MaxDescriptionLen {
		return fmt.Errorf("description exceeds maximum length of %d bytes", MaxDescriptionLen)
	}
	if len(r.Objective) > MaxObjectiveLen {
		return fmt.Errorf("objective exceeds maximum length of %d bytes", MaxObjectiveLen)
	}
	if len(r.Tags) > MaxTags {
		return fmt.Errorf("at most %d tags are allowed", MaxTags)
	}
	return nil
}

// TopicList is the response for GET /api/topics.
type TopicList struct {
	Items []Topic `json:"items"`
	Total int     `json:"total"`
}

// CreateRunRequest is the request body for POST /api/topics/{topicId}/runs.
// All fields are informational.
type CreateRunRequest struct {
	Trigger   string `json:"trigger"`
	Initiator string `json:"initiator"`
	Note      string `json:"note,omitempty"`
}

// CreateRunResponse is returned when a run is accepted.
type CreateRunResponse struct {
	RunID     string    `json:"runId"`
	TopicID   string    `json:"topicId"`
	Status    RunStatus `json:"status"`
	CreatedAt int64     `json:"createdAt"`
	StartedAt int64     `json:"startedAt"`
}

// CreateMessageRequest is the request body for posting a message to an agent.
type CreateMessageRequest struct {
	Content string `json:"content"`
}

// MessageList is the response for listing an agent's messages.
type MessageList struct {
	Messages []Message `json:"messages"`
}

// CommandRequest is the request body for POST .../agents/{agentId}/command.
// Either Text or Command must be set.
type CommandRequest struct {
	Text    string         `json:"text,omitempty"`
	Command string         `json:"command,omitempty"`
	RunID   string         `json:"runId,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
}

// Validate checks that the command carries something to act on.
func (r CommandRequest) Validate() error {
	if strings.TrimSpace(r.Text) == "" && strings.TrimSpace(r.Command) == "" {
		return fmt.Errorf("text or command is required")
	}
	return nil
}

// CommandResponse acknowledges an accepted command.
type CommandResponse struct {
	OK        bool    `json:"ok"`
	Accepted  bool    `json:"accepted"`
	CommandID string  `json:"commandId"`
	TopicID   string  `json:"topicId"`
	AgentID   AgentID `json:"agentId"`
	RunID     string  `json:"runId"`
	QueuedAt  int64   `json:"queuedAt"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Storage  string `json:"storage"`
	Provider string `json:"provider"`
	Uptime   int64  `json:"uptime_seconds"`
}
