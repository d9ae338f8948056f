package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/simflow/internal/notify"
)

// handleStreamEvents upgrades to a websocket and streams every status change
// of one workflow until the client disconnects.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.coord.GetStatus(r.Context(), id); err != nil {
		s.writeServiceError(w, "get workflow for events", err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		s.logger.Warn("websocket upgrade failed", "workflow_id", id, "error", err)
		return
	}
	// Clear deadlines inherited from the HTTP server.
	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})

	sub := notify.NewWSSubscriber(conn)
	eventStreamsActive.Inc()
	defer eventStreamsActive.Dec()
	s.hub.Subscribe(id, sub)
	s.logger.Debug("event stream opened", "workflow_id", id, "subscriber", sub.ID())

	// Clients only send control frames; a read error means they went away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.hub.Unsubscribe(id, sub.ID())
	sub.Close()
	<-sub.Done()
	s.logger.Debug("event stream closed", "workflow_id", id, "subscriber", sub.ID())
}
