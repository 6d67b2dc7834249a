package server

import (
	"mime"
	"net/http"
	"strconv"

	"github.com/ashita-ai/kenkyu/internal/model"
	"github.com/ashita-ai/kenkyu/internal/storage"
)

// HandleListTopics handles GET /api/topics.
func (h *Handlers) HandleListTopics(w http.ResponseWriter, r *http.Request) {
	topics, err := h.store.ListTopics(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to list topics", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.TopicList{Items: topics, Total: len(topics)})
}

// HandleCreateTopic handles POST /api/topics.
func (h *Handlers) HandleCreateTopic(w http.ResponseWriter, r *http.Request) {
	var req model.CreateTopicRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	topic, err := h.store.CreateTopic(r.Context(), req)
	if err != nil {
		h.writeInternalError(w, r, "failed to create topic", err)
		return
	}
	h.logger.Info("topic created", "topic_id", topic.TopicID)
	writeJSON(w, r, http.StatusCreated, topic)
}

// HandleGetTopic handles GET /api/topics/{topicId}.
func (h *Handlers) HandleGetTopic(w http.ResponseWriter, r *http.Request) {
	topic, err := h.store.GetTopic(r.Context(), r.PathValue("topicId"))
	if err != nil {
		h.writeStoreError(w, r, "failed to get topic", err)
		return
	}
	writeJSON(w, r, http.StatusOK, topic)
}

// HandleDeleteTopic handles DELETE /api/topics/{topicId}.
func (h *Handlers) HandleDeleteTopic(w http.ResponseWriter, r *http.Request) {
	topicID := r.PathValue("topicId")
	if err := h.store.DeleteTopic(r.Context(), topicID); err != nil {
		h.writeStoreError(w, r, "failed to delete topic", err)
		return
	}
	h.logger.Info("topic deleted", "topic_id", topicID)
	w.WriteHeader(http.StatusNoContent)
}

// HandleSnapshot handles GET /api/topics/{topicId}/snapshot.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, storage.DefaultSnapshotLimit, storage.MaxSnapshotLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	snap, err := h.store.Snapshot(r.Context(), r.PathValue("topicId"), limit)
	if err != nil {
		h.writeStoreError(w, r, "failed to build snapshot", err)
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

// HandleTrace handles GET /api/topics/{topicId}/trace.
func (h *Handlers) HandleTrace(w http.ResponseWriter, r *http.Request) {
	tr, err := h.store.Trace(r.Context(), r.PathValue("topicId"), r.URL.Query().Get("runId"))
	if err != nil {
		h.writeStoreError(w, r, "failed to build trace", err)
		return
	}
	writeJSON(w, r, http.StatusOK, tr)
}

// HandleArtifact handles GET /api/topics/{topicId}/artifacts/{name}. It
// serves the raw content, not the JSON envelope.
func (h *Handlers) HandleArtifact(w http.ResponseWriter, r *http.Request) {
	a, data, err := h.store.ReadArtifact(r.Context(),
		r.PathValue("topicId"), r.PathValue("name"), r.URL.Query().Get("artifactId"))
	if err != nil {
		h.writeStoreError(w, r, "failed to read artifact", err)
		return
	}
	w.Header().Set("Content-Type", a.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": a.Name}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
