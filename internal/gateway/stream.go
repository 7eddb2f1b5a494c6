package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/basket/colldesk/internal/bus"
)

// handleSignalStream implements
// GET /api/v1/signals/stream?agent_id=&group_id=&topic=. It delivers the
// agent's addressed signals as SSE for clients that cannot hold a WebSocket.
// Signals are re-pull triggers only; the stream never carries account data.
// An empty topic streams all four topics.
func (s *Server) handleSignalStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		http.Error(w, "agent_id query parameter is required", http.StatusBadRequest)
		return
	}
	groupID := r.URL.Query().Get("group_id")
	if groupID == "" {
		if agent, err := s.cfg.Store.Agent(r.Context(), agentID); err == nil {
			groupID = agent.GroupID
		}
	}
	topic := r.URL.Query().Get("topic")
	if topic != "" && !bus.ValidTopic(topic) {
		http.Error(w, "unknown topic", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sub := s.cfg.Notifier.Subscribe(topic)
	defer s.cfg.Notifier.Unsubscribe(sub)

	ctx := r.Context()
	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case sig, ok := <-sub.Ch():
			if !ok {
				return
			}
			if !sig.Concerns(agentID, groupID) {
				continue
			}
			data, err := json.Marshal(sig)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", sig.Topic, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
