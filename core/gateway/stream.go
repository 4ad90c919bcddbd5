package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/valora-ai/valora/core/infra/logging"
	"github.com/valora-ai/valora/core/workflow"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const streamWriteTimeout = 10 * time.Second

// handleStreamExecution upgrades to a websocket and pushes the execution's
// timeline events as they appear, closing once the execution is terminal and
// all events have been delivered.
func (s *Server) handleStreamExecution(w http.ResponseWriter, r *http.Request) {
	execID := r.PathValue("id")
	if _, err := s.store.GetExecution(r.Context(), execID); err != nil {
		if errors.Is(err, workflow.ErrExecutionNotFound) {
			http.Error(w, "execution not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error(logComponent, "websocket upgrade failed", "execution_id", execID, "error", err)
		return
	}
	defer conn.Close()

	// Drain client frames so close messages are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sent := 0
	ticker := time.NewTicker(s.streamPoll)
	defer ticker.Stop()
	for {
		events, err := s.store.ListEvents(r.Context(), execID, 0)
		if err != nil {
			logging.Error(logComponent, "stream list events failed", "execution_id", execID, "error", err)
			return
		}
		for ; sent < len(events); sent++ {
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(events[sent]); err != nil {
				return
			}
		}

		exec, err := s.store.GetExecution(r.Context(), execID)
		if err != nil {
			return
		}
		if exec.Status.Terminal() && sent == len(events) {
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(exec.Status)),
				time.Now().Add(streamWriteTimeout))
			return
		}

		select {
		case <-ticker.C:
		case <-r.Context().Done():
			return
		}
	}
}
