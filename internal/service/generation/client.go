// Package generation calls an OpenAI-compatible chat completions API
// (DeepSeek by default) to produce stage documents.
//
// Complete retries timeouts and transport failures with linear backoff and
// fails immediately on anything the provider actually answered. Every
// failure is an *Error whose Kind tells callers whether it was transient.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kenkyu/internal/telemetry"
)

// ProviderName is reported in pipeline events.
const ProviderName = "deepseek"

// DefaultTemperature is used by the pipeline for every stage.
const DefaultTemperature = 0.2

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultBaseURL      = "https://api.deepseek.com"
	DefaultModel        = "deepseek-chat"
	DefaultTimeout      = 120 * time.Second
	DefaultRetryBackoff = 1500 * time.Millisecond
	minTimeout          = time.Second
	maxResponseBytes    = 4 << 20
)

// Message is one chat turn sent to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion request.
type Request struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int // 0 omits max_tokens.
}

// Config configures a Client.
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	Timeout      time.Duration // Per attempt.
	MaxRetries   int           // Attempts = MaxRetries + 1, at least 1.
	RetryBackoff time.Duration // Sleep before attempt n+1 is RetryBackoff * n.
}

// Client is safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
	calls      metric.Int64Counter
}

// New creates a Client. A blank APIKey yields a client whose IsConfigured
// reports false; Complete then fails with a Rejected error.
func New(cfg Config, logger *slog.Logger) *Client {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.Timeout = max(cfg.Timeout, minTimeout)
	cfg.MaxRetries = max(cfg.MaxRetries, 0)
	cfg.RetryBackoff = max(cfg.RetryBackoff, 0)

	calls, _ := telemetry.Meter("kenkyu/generation").Int64Counter("kenkyu.generation.calls",
		metric.WithDescription("Completion calls by outcome"),
	)
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		logger:     logger,
		tracer:     otel.Tracer("kenkyu/generation"),
		calls:      calls,
	}
}

// IsConfigured reports whether an API key is present.
func (c *Client) IsConfigured() bool { return c.cfg.APIKey != "" }

// Provider returns the provider name reported in events.
func (c *Client) Provider() string { return ProviderName }

// Attempts returns the number of HTTP attempts Complete makes at most.
func (c *Client) Attempts() int { return c.cfg.MaxRetries + 1 }

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends req and returns the trimmed content of the first choice.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	ctx, span := c.tracer.Start(ctx, "generation.complete", trace.WithAttributes(
		attribute.String("generation.model", c.cfg.Model),
		attribute.Int("generation.messages", len(req.Messages)),
	))
	defer span.End()

	content, attempts, err := c.complete(ctx, req)
	span.SetAttributes(attribute.Int("generation.attempts", attempts))
	outcome := "ok"
	if err != nil {
		outcome = KindOf(err).String()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	c.calls.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	return content, err
}

func (c *Client) complete(ctx context.Context, req Request) (string, int, error) {
	if len(req.Messages) == 0 {
		return "", 0, rejected("chat requires at least one message")
	}
	if !c.IsConfigured() {
		return "", 0, rejected("DEEPSEEK_API_KEY is not configured")
	}

	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return "", 0, &Error{Kind: Rejected, Message: "marshal request", Err: err}
	}

	maxAttempts := c.Attempts()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		status, respBody, err := c.post(ctx, body)
		if err == nil {
			content, perr := parseResponse(status, respBody)
			if perr != nil {
				c.logger.Warn("generation: provider rejected request",
					"status", status, "model", c.cfg.Model, "error", perr.Message)
				return "", attempt, perr
			}
			return content, attempt, nil
		}

		lastErr = err
		c.logger.Warn("generation: attempt failed",
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"model", c.cfg.Model,
			"timeout", c.cfg.Timeout,
			"messages", len(req.Messages),
			"error", err,
		)
		if ctx.Err() != nil {
			return "", attempt, &Error{Kind: Transient, Message: "request cancelled", Err: ctx.Err()}
		}
		if attempt < maxAttempts && c.cfg.RetryBackoff > 0 {
			select {
			case <-ctx.Done():
				return "", attempt, &Error{Kind: Transient, Message: "request cancelled", Err: ctx.Err()}
			case <-time.After(c.cfg.RetryBackoff * time.Duration(attempt)):
			}
		}
	}
	return "", maxAttempts, &Error{
		Kind:    Transient,
		Message: fmt.Sprintf("request failed after %d attempt(s)", maxAttempts),
		Err:     lastErr,
	}
}

// post performs one attempt. A non-nil error is always a timeout or
// transport failure.
func (c *Client) post(ctx context.Context, body []byte) (int, []byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost,
		c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, describeTransport(err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, describeTransport(err)
	}
	return resp.StatusCode, respBody, nil
}

func describeTransport(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("timeout: %w", err)
	}
	return fmt.Errorf("transport: %w", err)
}

func parseResponse(status int, body []byte) (string, *Error) {
	if status >= http.StatusBadRequest {
		return "", &Error{
			Kind:    Rejected,
			Status:  status,
			Message: fmt.Sprintf("API %d: %s", status, errorDetail(status, body)),
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", &Error{Kind: Rejected, Status: status, Message: "response is not valid JSON", Err: err}
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == nil {
		return "", &Error{Kind: Rejected, Status: status, Message: "malformed response: missing choices[0].message.content"}
	}
	content := strings.TrimSpace(*parsed.Choices[0].Message.Content)
	if content == "" {
		return "", &Error{Kind: Rejected, Status: status, Message: "malformed response: empty choices[0].message.content"}
	}
	return content, nil
}

// errorDetail extracts the most specific message from an error body:
// error.message, then detail, then the raw text, then the status text.
func errorDetail(status int, body []byte) string {
	var parsed struct {
		Error  json.RawMessage `json:"error"`
		Detail any             `json:"detail"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		var node struct {
			Message string `json:"message"`
		}
		if len(parsed.Error) > 0 && json.Unmarshal(parsed.Error, &node) == nil {
			if msg := strings.TrimSpace(node.Message); msg != "" {
				return msg
			}
		}
		if parsed.Detail != nil {
			if msg := strings.TrimSpace(fmt.Sprint(parsed.Detail)); msg != "" {
				return msg
			}
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return http.StatusText(status)
}
