package jobtracker

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/locallama/router/internal/logging"
)

// upgrader accepts connections from any origin: the resource surface is a
// local-process API, not a public multi-tenant service.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocketBroadcaster relays an EventBus's JobEvents to every connected
// WebSocket client as JSON text frames. It is a Subscriber, not part of
// EventBus itself, so the bus stays transport-agnostic.
type WebSocketBroadcaster struct {
	mu      sync.Mutex
	conns   map[*websocket.Conn]bool
	bus     *EventBus
	token   int
	started bool
}

// NewWebSocketBroadcaster wires a broadcaster to bus and subscribes it
// immediately.
func NewWebSocketBroadcaster(bus *EventBus) *WebSocketBroadcaster {
	wb := &WebSocketBroadcaster{conns: make(map[*websocket.Conn]bool), bus: bus}
	wb.token = bus.Subscribe(wb.broadcast)
	wb.started = true
	return wb
}

// Close unsubscribes from the bus and closes every connected client.
func (wb *WebSocketBroadcaster) Close() {
	if wb.started {
		wb.bus.Unsubscribe(wb.token)
	}
	wb.mu.Lock()
	defer wb.mu.Unlock()
	for c := range wb.conns {
		_ = c.Close()
	}
	wb.conns = make(map[*websocket.Conn]bool)
}

// ServeHTTP upgrades the request to a WebSocket connection and registers
// it to receive future job events until the client disconnects.
func (wb *WebSocketBroadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("job event websocket upgrade failed", "error", err)
		return
	}

	wb.mu.Lock()
	wb.conns[conn] = true
	wb.mu.Unlock()

	// Drain and discard incoming frames until the client closes; this is a
	// push-only feed, so any payload the client sends is ignored.
	go func() {
		defer wb.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (wb *WebSocketBroadcaster) drop(conn *websocket.Conn) {
	wb.mu.Lock()
	delete(wb.conns, conn)
	wb.mu.Unlock()
	_ = conn.Close()
}

func (wb *WebSocketBroadcaster) broadcast(ev JobEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		logging.Error("failed to marshal job event", "error", err)
		return
	}

	wb.mu.Lock()
	defer wb.mu.Unlock()
	for conn := range wb.conns {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			delete(wb.conns, conn)
			_ = conn.Close()
		}
	}
}
