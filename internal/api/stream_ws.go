package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Live delivery feed: every attempt outcome for the caller's tenant is pushed
// to connected WebSocket clients as a JSON message.

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type streamMessage struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// DeliveryStreamHandler handles GET /v1/deliveries/stream
func (s *Server) DeliveryStreamHandler(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	if !(p.IsAdmin() || p.Role == "manager") {
		writeProblem(w, 403, "Forbidden", "admin or manager required", r.URL.Path)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	ch := s.Broker.Subscribe(p.Tenant)
	defer s.Broker.Unsubscribe(p.Tenant, ch)

	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// Reader goroutine: consume control frames and detect close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	_ = conn.WriteJSON(streamMessage{Type: "stream_ack"})
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(streamMessage{Type: evt.Type, Data: evt.Data}); err != nil {
				return
			}
		}
	}
}
