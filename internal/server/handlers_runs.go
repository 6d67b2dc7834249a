package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/ashita-ai/kenkyu/internal/model"
)

// HandleCreateRun handles POST /api/topics/{topicId}/runs. The run is
// stored as queued and handed to the launcher; the response does not wait
// for it.
func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req model.CreateRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	topicID := r.PathValue("topicId")
	run, err := h.store.CreateRun(r.Context(), topicID)
	if err != nil {
		h.writeStoreError(w, r, "failed to create run", err)
		return
	}

	if err := h.runs.Submit(topicID, run.RunID); err != nil {
		// The launcher only refuses work while shutting down.
		if serr := h.store.UpdateRunStatus(context.WithoutCancel(r.Context()), topicID, run.RunID, model.RunStatusStopped); serr != nil {
			h.logger.Warn("failed to mark refused run stopped", "run_id", run.RunID, "error", serr)
		}
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "server is shutting down")
		return
	}

	h.logger.Info("run submitted",
		"topic_id", topicID,
		"run_id", run.RunID,
		"trigger", req.Trigger,
		"initiator", req.Initiator,
	)
	writeJSON(w, r, http.StatusCreated, model.CreateRunResponse{
		RunID:     run.RunID,
		TopicID:   topicID,
		Status:    run.Status,
		CreatedAt: run.StartedAt,
		StartedAt: run.StartedAt,
	})
}

// HandleListMessages handles GET /api/topics/{topicId}/agents/{agentId}/messages.
func (h *Handlers) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	agentID, err := parseAgentID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	msgs, err := h.store.ListMessages(r.Context(), r.PathValue("topicId"), agentID)
	if err != nil {
		h.writeStoreError(w, r, "failed to list messages", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.MessageList{Messages: msgs})
}

// HandleCreateMessage handles POST /api/topics/{topicId}/agents/{agentId}/messages.
// It stores the user's turn and an echo reply, both attached to the
// topic's current run, and announces each with a message_created event.
func (h *Handlers) HandleCreateMessage(w http.ResponseWriter, r *http.Request) {
	agentID, err := parseAgentID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.CreateMessageRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "content is required")
		return
	}
	if len(req.Content) > model.MaxMessageLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "content is too long")
		return
	}

	ctx := r.Context()
	topic, err := h.store.GetTopic(ctx, r.PathValue("topicId"))
	if err != nil {
		h.writeStoreError(w, r, "failed to create message", err)
		return
	}
	runID := currentRunID(topic, "")

	var created []model.Message
	for _, turn := range []struct {
		role    model.MessageRole
		content string
	}{
		{model.RoleUser, req.Content},
		{model.RoleAssistant, "Echo: " + req.Content},
	} {
		m, err := h.store.CreateMessage(ctx, topic.TopicID, agentID, turn.role, turn.content, runID)
		if err != nil {
			h.writeStoreError(w, r, "failed to create message", err)
			return
		}
		created = append(created, m)
	}

	for _, m := range created {
		evRunID := m.RunID
		if evRunID == "" {
			evRunID = "run-chat-session"
		}
		ev := h.newEvent(topic.TopicID, evRunID, agentID, model.EventMessageCreated,
			"message created ("+string(m.Role)+")", map[string]any{"message": m})
		if err := h.emit(r, ev); err != nil {
			h.writeStoreError(w, r, "failed to record message event", err)
			return
		}
	}
	writeJSON(w, r, http.StatusCreated, model.MessageList{Messages: created})
}

// HandleCommand handles POST /api/topics/{topicId}/agents/{agentId}/command.
// Commands are recorded as events for observers; nothing executes them.
func (h *Handlers) HandleCommand(w http.ResponseWriter, r *http.Request) {
	agentID, err := parseAgentID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.CommandRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	topic, err := h.store.GetTopic(r.Context(), r.PathValue("topicId"))
	if err != nil {
		h.writeStoreError(w, r, "failed to accept command", err)
		return
	}
	runID := req.RunID
	if runID == "" {
		runID = currentRunID(topic, shortID("run-cmd-"))
	}

	var ev model.Event
	if strings.TrimSpace(req.Text) != "" {
		ev = h.newEvent(topic.TopicID, runID, agentID, model.EventEmitted,
			"用户输入: "+req.Text, map[string]any{"text": req.Text})
	} else {
		args := req.Args
		if args == nil {
			args = map[string]any{}
		}
		ev = h.newEvent(topic.TopicID, runID, agentID, model.EventEmitted,
			"agent command: "+req.Command, map[string]any{"command": req.Command, "args": args})
	}
	if err := h.emit(r, ev); err != nil {
		h.writeStoreError(w, r, "failed to record command", err)
		return
	}

	writeJSON(w, r, http.StatusAccepted, model.CommandResponse{
		OK:        true,
		Accepted:  true,
		CommandID: shortID("cmd-"),
		TopicID:   topic.TopicID,
		AgentID:   agentID,
		RunID:     runID,
		QueuedAt:  ev.TS,
	})
}
