package comm

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tuksik/mailsync/internal/store"
)

// maxMirrorClients caps concurrent mirror connections.
const maxMirrorClients = 10

// Hub mirrors the outbound delta stream over a local WebSocket for
// devtools. It carries the same frames the client receives on stdout
// and is entirely optional; when no listener address is configured the
// hub is never started.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*websocket.Conn]struct{}
	upgrader websocket.Upgrader
}

// NewHub creates an empty mirror hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Serve listens on addr and accepts mirror connections. Blocks; run it
// in its own goroutine.
func (h *Hub) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/deltas", h.handle)
	return http.ListenAndServe(addr, mux)
}

func (h *Hub) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("hub: Warning: failed to upgrade connection: %v", err)
		return
	}

	h.mu.Lock()
	if len(h.clients) >= maxMirrorClients {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	// Drain (and ignore) inbound messages to notice the close.
	go func() {
		defer h.unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	_ = conn.Close()
}

// PublishDeltas implements store.Observer, broadcasting each delta to
// every mirror connection.
func (h *Hub) PublishDeltas(deltas []store.Delta) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	if len(conns) == 0 {
		return
	}

	for _, delta := range deltas {
		payload, err := json.Marshal(delta)
		if err != nil {
			log.Printf("hub: Warning: failed to marshal delta: %v", err)
			return
		}
		for _, conn := range conns {
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				go h.unregister(conn)
			}
		}
	}
}
