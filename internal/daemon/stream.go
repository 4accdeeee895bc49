package daemon

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"skyfleet/internal/events"
	"skyfleet/internal/model"
)

var upgrader = websocket.Upgrader{
	// The stream is consumed by local tooling and the operator UI;
	// origin enforcement is left to the deployment's proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// streamHandler bridges a broadcaster subscription onto a WebSocket.
// Query parameters: slot (default all slots) and topics, a
// comma-separated topic filter.
func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	slot := r.URL.Query().Get("slot")
	if slot == "" {
		slot = events.SlotAll
	}
	topics := map[model.Topic]bool{}
	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics[model.Topic(t)] = true
			}
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Warn("stream upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(slot)
	defer sub.Close()
	s.logger.Info("stream subscriber attached", "slot", slot, "remote", conn.RemoteAddr().String())

	// Reader only detects client disconnect; inbound data is ignored.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Close()
				return
			}
		}
	}()

	for ev := range sub.Events() {
		if len(topics) > 0 && !topics[ev.Topic] {
			continue
		}
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}
