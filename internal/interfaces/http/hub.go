package http

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/riskrun/internal/breaker"
)

// Hub fans breaker transitions out to websocket subscribers (dashboards).
// Delivery is best effort: a slow subscriber is dropped, never allowed to
// back-pressure the trade path.
type Hub struct {
	mu       sync.Mutex
	clients  map[*websocket.Conn]chan []byte
	upgrader websocket.Upgrader
}

// transitionEvent is the wire shape pushed to subscribers.
type transitionEvent struct {
	Type    string        `json:"type"`
	Breaker breaker.State `json:"breaker"`
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]chan []byte),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Broadcast queues a transition to every subscriber. Wired to the breaker
// registry's transition callback; runs on the RecordOutcome path, so it must
// never block.
func (h *Hub) Broadcast(st breaker.State) {
	raw, err := json.Marshal(transitionEvent{Type: "breaker_transition", Breaker: st})
	if err != nil {
		log.Error().Err(err).Msg("encode transition event failed")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- raw:
		default:
			// Subscriber too slow; cut it loose.
			delete(h.clients, conn)
			close(ch)
			conn.Close()
		}
	}
}

func (h *Hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()

	log.Info().Str("remote", conn.RemoteAddr().String()).Msg("websocket subscriber connected")

	go h.writeLoop(conn, ch)
	go h.readLoop(conn, ch)
}

func (h *Hub) writeLoop(conn *websocket.Conn, ch chan []byte) {
	for msg := range ch {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.drop(conn)
			return
		}
	}
}

// readLoop only watches for the client closing; subscribers never send.
func (h *Hub) readLoop(conn *websocket.Conn, ch chan []byte) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.drop(conn)
			return
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		close(ch)
	}
	conn.Close()
}
