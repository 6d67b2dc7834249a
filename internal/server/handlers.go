package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kenkyu/internal/auth"
	"github.com/ashita-ai/kenkyu/internal/ctxutil"
	"github.com/ashita-ai/kenkyu/internal/model"
	"github.com/ashita-ai/kenkyu/internal/storage"
)

// RunSubmitter starts a stored run in the background.
type RunSubmitter interface {
	Submit(topicID, runID string) error
}

// ProviderStatus reports whether the text-generation provider is usable.
type ProviderStatus interface {
	IsConfigured() bool
	Provider() string
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               *storage.Store
	jwtMgr              *auth.JWTManager
	users               *auth.Users
	broker              *Broker
	runs                RunSubmitter
	provider            ProviderStatus
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	keepalive           time.Duration
	now                 func() time.Time

	streamsDone chan struct{}
	closeOnce   sync.Once
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Store               *storage.Store
	JWTMgr              *auth.JWTManager
	Users               *auth.Users
	Broker              *Broker
	Runs                RunSubmitter
	Provider            ProviderStatus
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	// Keepalive is the interval between comment frames on idle event
	// streams. Zero means 15s.
	Keepalive time.Duration
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	keepalive := d.Keepalive
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	maxBody := d.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handlers{
		store:               d.Store,
		jwtMgr:              d.JWTMgr,
		users:               d.Users,
		broker:              d.Broker,
		runs:                d.Runs,
		provider:            d.Provider,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: maxBody,
		keepalive:           keepalive,
		now:                 time.Now,
		streamsDone:         make(chan struct{}),
	}
}

// closeStreams ends every open event stream.
func (h *Handlers) closeStreams() {
	h.closeOnce.Do(func() { close(h.streamsDone) })
}

// HandleLogin handles POST /api/auth/login.
func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req model.LoginRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if !h.users.Authenticate(req.Username, req.Password) {
		h.logger.Warn("login failed", "username", req.Username, "remote_addr", r.RemoteAddr)
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "Invalid username or password")
		return
	}

	token, _, err := h.jwtMgr.IssueToken(req.Username)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.LoginResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int(h.jwtMgr.Expiration().Seconds()),
	})
}

// HandleMe handles GET /api/auth/me.
func (h *Handlers) HandleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, model.MeResponse{Username: ctxutil.UsernameFromContext(r.Context())})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storageStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Warn("health: storage ping failed", "error", err)
		storageStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	// Without an API key the pipeline still runs on fallback documents.
	provider := "fallback"
	if h.provider != nil && h.provider.IsConfigured() {
		provider = h.provider.Provider()
	} else if status == "healthy" {
		status = "degraded"
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Storage:  storageStatus,
		Provider: provider,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	})
}

// writeStoreError maps storage errors to API errors.
func (h *Handlers) writeStoreError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	switch {
	case errors.Is(err, storage.ErrTopicNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "Topic not found")
	case errors.Is(err, storage.ErrRunNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "Run not found")
	case errors.Is(err, storage.ErrArtifactNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "Artifact not found")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
	case errors.Is(err, storage.ErrInvalidName), errors.Is(err, model.ErrInvalidEvent):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	default:
		h.writeInternalError(w, r, msg, err)
	}
}

// writeInternalError logs err and writes a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg,
		"error", err,
		"path", r.URL.Path,
		"request_id", ctxutil.RequestIDFromContext(r.Context()),
	)
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// parseAgentID reads and validates the {agentId} path value.
func parseAgentID(r *http.Request) (model.AgentID, error) {
	agentID := model.AgentID(r.PathValue("agentId"))
	if !agentID.Valid() {
		return "", errors.New("unknown agent: " + string(agentID))
	}
	return agentID, nil
}

// queryLimit parses ?limit= within [1, maxVal]. A missing value yields
// defaultVal.
func queryLimit(r *http.Request, defaultVal, maxVal int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > maxVal {
		return 0, errors.New("limit must be an integer between 1 and " + strconv.Itoa(maxVal))
	}
	return n, nil
}

// shortID returns prefix followed by 8 hex characters.
func shortID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// currentRunID returns the topic's active run, else its latest run, else
// fallback.
func currentRunID(t model.Topic, fallback string) string {
	switch {
	case t.ActiveRunID != "":
		return t.ActiveRunID
	case t.LastRunID != "":
		return t.LastRunID
	}
	return fallback
}

// emit appends ev and pushes it to the topic's subscribers.
func (h *Handlers) emit(r *http.Request, ev model.Event) error {
	if err := h.store.AppendEvent(r.Context(), ev); err != nil {
		return err
	}
	h.broker.Publish(ev.TopicID, ev)
	return nil
}

func (h *Handlers) newEvent(topicID, runID string, agentID model.AgentID, kind model.EventKind, summary string, payload map[string]any) model.Event {
	return model.Event{
		EventID:  uuid.NewString(),
		TS:       h.now().UnixMilli(),
		TopicID:  topicID,
		RunID:    runID,
		AgentID:  agentID,
		Kind:     kind,
		Severity: model.SeverityInfo,
		Summary:  summary,
		Payload:  payload,
	}
}
