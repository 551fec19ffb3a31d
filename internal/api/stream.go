package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	gojson "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"call-sync-engine/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:   1024,
	WriteBufferSize:  4096,
	HandshakeTimeout: 10 * time.Second,
	// progress is read-only and carries no credentials
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleProgress streams a job's progress events over a websocket until the
// job reaches a terminal state or the client goes away.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	events, cancel, err := s.engine.Subscribe(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		logging.Warn().Err(err).Str("job_id", jobID).Msg("progress upgrade failed")
		return
	}
	defer conn.Close()

	// drain client frames so pongs and close frames are processed
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished")
				_ = conn.WriteMessage(websocket.CloseMessage, msg)
				return
			}
			data, err := gojson.Marshal(ev)
			if err != nil {
				logging.Error().Err(err).Str("job_id", jobID).Msg("encode progress event")
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}
