package server

import (
	"net/http"
	"time"

	"github.com/ashita-ai/kenkyu/internal/ctxutil"
	"github.com/ashita-ai/kenkyu/internal/model"
)

// HandleEvents handles GET /api/topics/{topicId}/events (SSE). The stream
// opens with a "connected" event addressed to this client only, then
// carries every event published for the topic until the client leaves.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	topic, err := h.store.GetTopic(r.Context(), r.PathValue("topicId"))
	if err != nil {
		h.writeStoreError(w, r, "failed to open event stream", err)
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Warn("event stream: flush unsupported", "error", err)
		return
	}
	// Disable the server's WriteTimeout for this long-lived connection.
	_ = rc.SetWriteDeadline(time.Time{})

	conn := newSSEConn(sseBuffer)
	defer conn.Close()
	h.broker.Subscribe(topic.TopicID, conn)
	defer h.broker.Unsubscribe(topic.TopicID, conn)

	user := ctxutil.UsernameFromContext(r.Context())
	connected := h.newEvent(topic.TopicID, currentRunID(topic, "run-ws-session"), model.AgentReview,
		model.EventEmitted, "connected", map[string]any{"type": "connected", "user": user})
	if err := h.broker.SendDirect(conn, connected); err != nil {
		return
	}
	h.logger.Debug("event stream opened", "topic_id", topic.TopicID, "username", user)

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.streamsDone:
			return
		case <-conn.done:
			// Dropped by the broker as too slow.
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case frame := <-conn.frames:
			if _, err := w.Write(sseFrame(frame)); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// sseFrame wraps one JSON-encoded event as an SSE data frame. Encoded
// events never contain raw newlines.
func sseFrame(data []byte) []byte {
	out := make([]byte, 0, len(data)+8)
	out = append(out, "data: "...)
	out = append(out, data...)
	return append(out, "\n\n"...)
}
