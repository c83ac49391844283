package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/carlosrabelo/plotrelay/internal/dashboard"
	"github.com/carlosrabelo/plotrelay/pkg/logger"
)

var wire = jsoniter.ConfigCompatibleWithStandardLibrary

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message represents a WebSocket message
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// WebSocketHub manages WebSocket connections and broadcasts
type WebSocketHub struct {
	log *logger.Logger

	clients    map[*websocket.Conn]bool
	clientsMu  sync.RWMutex
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	stopOnce   sync.Once
}

// NewWebSocketHub creates a new WebSocketHub
func NewWebSocketHub(log *logger.Logger) *WebSocketHub {
	if log == nil {
		log = logger.Default()
	}
	return &WebSocketHub{
		log:        log,
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop to handle register/unregister/broadcast
func (h *WebSocketHub) Run() {
	for {
		select {
		case <-h.done:
			h.clientsMu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.clientsMu.Unlock()
			return

		case conn := <-h.register:
			h.clientsMu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.clientsMu.Unlock()
			h.log.Debug("websocket client connected, total clients: %d", n)

		case conn := <-h.unregister:
			h.clientsMu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.clientsMu.Unlock()
			h.log.Debug("websocket client disconnected, total clients: %d", n)

		case msg := <-h.broadcast:
			h.clientsMu.RLock()
			for conn := range h.clients {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					h.log.Debug("websocket write error: %v", err)
					go h.drop(conn)
				}
			}
			h.clientsMu.RUnlock()
		}
	}
}

func (h *WebSocketHub) drop(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Stop stops the hub
func (h *WebSocketHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Clients returns the number of connected clients
func (h *WebSocketHub) Clients() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to all connected clients
func (h *WebSocketHub) Broadcast(msg Message) {
	data, err := wire.Marshal(msg)
	if err != nil {
		h.log.Error("websocket encode: %v", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.log.Debug("websocket broadcast buffer full, dropping message")
	}
}

// Render implements dashboard.Sink
func (h *WebSocketHub) Render(f dashboard.Frame) {
	h.Broadcast(Message{Type: "frame", Data: f})
}

// handleWebSocket handles WebSocket upgrade and connection
// GET /ws
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade error: %v", err)
		return
	}

	select {
	case s.hub.register <- conn:
	case <-s.hub.done:
		conn.Close()
		return
	}

	// the read loop only detects the client going away
	go func() {
		defer s.hub.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

var _ dashboard.Sink = (*WebSocketHub)(nil)
