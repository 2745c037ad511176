package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API is served on the bike's own access point.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleRideStream pushes the ride snapshot as JSON text frames on every
// StreamInterval until the client goes away or the server shuts down.
func (s *server) handleRideStream(w http.ResponseWriter, r *http.Request) {
	if s.d.Ride == nil {
		http.Error(w, "ride unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		s.log.Debug("stream upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	// Server read/write timeouts stay armed on hijacked connections.
	_ = conn.SetReadDeadline(time.Time{})

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	interval := s.d.StreamInterval
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	s.log.Debug("stream opened", "remote", r.RemoteAddr)
	for {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(s.d.Ride.Snapshot()); err != nil {
			s.log.Debug("stream closed", "remote", r.RemoteAddr, "err", err)
			return
		}
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		case <-t.C:
		}
	}
}
