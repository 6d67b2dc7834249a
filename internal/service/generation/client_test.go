package generation

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestClient builds a client with a short per-attempt timeout so
// timeout paths run quickly.
func newTestClient(baseURL string, retries int) *Client {
	c := New(Config{
		APIKey:       "sk-test",
		BaseURL:      baseURL,
		MaxRetries:   retries,
		RetryBackoff: time.Millisecond,
	}, testLogger())
	c.cfg.Timeout = 100 * time.Millisecond
	return c
}

func okBody(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": content}}},
	})
	return string(b)
}

func userMsg(s string) []Message { return []Message{{Role: "user", Content: s}} }

// stall blocks until the client gives up on the attempt.
func stall(r *http.Request) {
	select {
	case <-r.Context().Done():
	case <-time.After(2 * time.Second):
	}
}

func TestComplete_Success(t *testing.T) {
	var got chatRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		auth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, okBody("  # Survey\n\nbody  \n"))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL+"/", 1)
	out, err := c.Complete(context.Background(), Request{Messages: userMsg("hi"), Temperature: DefaultTemperature, MaxTokens: 700})
	require.NoError(t, err)
	assert.Equal(t, "# Survey\n\nbody", out)
	assert.Equal(t, "Bearer sk-test", auth)
	assert.Equal(t, DefaultModel, got.Model)
	assert.Equal(t, 700, got.MaxTokens)
	assert.InDelta(t, 0.2, got.Temperature, 1e-9)
	require.Len(t, got.Messages, 1)
}

func TestComplete_RetriesTimeoutsThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			stall(r)
			return
		}
		_, _ = io.WriteString(w, okBody("third time lucky"))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 2)
	out, err := c.Complete(context.Background(), Request{Messages: userMsg("hi")})
	require.NoError(t, err)
	assert.Equal(t, "third time lucky", out)
	assert.Equal(t, int32(3), calls.Load())
}

func TestComplete_ExhaustedTimeoutsAreTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		stall(r)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 1)
	_, err := c.Complete(context.Background(), Request{Messages: userMsg("hi")})
	require.Error(t, err)
	assert.Equal(t, Transient, KindOf(err))
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "after 2 attempt(s)")
	assert.Equal(t, int32(2), calls.Load())
}

func TestComplete_HTTPErrorNotRetried(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"error message", http.StatusUnauthorized, `{"error":{"message":"invalid api key"}}`, "API 401: invalid api key"},
		{"detail", http.StatusBadRequest, `{"detail":"bad model"}`, "API 400: bad model"},
		{"raw text", http.StatusBadGateway, "upstream down", "API 502: upstream down"},
		{"status text", http.StatusServiceUnavailable, "", "API 503: Service Unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			c := newTestClient(srv.URL, 3)
			_, err := c.Complete(context.Background(), Request{Messages: userMsg("hi")})
			require.Error(t, err)
			var ge *Error
			require.ErrorAs(t, err, &ge)
			assert.Equal(t, Rejected, ge.Kind)
			assert.Equal(t, tt.status, ge.Status)
			assert.Contains(t, ge.Error(), tt.want)
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestComplete_MalformedBodies(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"not json", "<html>", "not valid JSON"},
		{"no choices", `{"choices":[]}`, "missing choices[0].message.content"},
		{"no content", `{"choices":[{"message":{}}]}`, "missing choices[0].message.content"},
		{"blank content", okBody("   "), "empty choices[0].message.content"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL, 1).Complete(context.Background(), Request{Messages: userMsg("hi")})
			require.Error(t, err)
			assert.Equal(t, Rejected, KindOf(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestComplete_Preconditions(t *testing.T) {
	c := New(Config{}, testLogger())
	assert.False(t, c.IsConfigured())
	assert.Equal(t, "deepseek", c.Provider())

	_, err := c.Complete(context.Background(), Request{Messages: userMsg("hi")})
	assert.Equal(t, Rejected, KindOf(err))

	c = New(Config{APIKey: "k"}, testLogger())
	_, err = c.Complete(context.Background(), Request{})
	assert.Equal(t, Rejected, KindOf(err))
}

func TestNew_Defaults(t *testing.T) {
	c := New(Config{APIKey: " k ", Timeout: time.Millisecond, MaxRetries: -4}, testLogger())
	assert.Equal(t, "k", c.cfg.APIKey)
	assert.Equal(t, DefaultBaseURL, c.cfg.BaseURL)
	assert.Equal(t, time.Second, c.cfg.Timeout)
	assert.Equal(t, 1, c.Attempts())
}

func TestComplete_CancelledContextStopsRetrying(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		stall(r)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := newTestClient(srv.URL, 5).Complete(ctx, Request{Messages: userMsg("hi")})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(1), calls.Load())
}
