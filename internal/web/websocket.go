package web

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/funnyzak/reqflow/internal/logger"
	"github.com/funnyzak/reqflow/internal/workspace"
)

// EventConnected is the first event every websocket client receives. It
// carries the workspace status at connect time.
const EventConnected = "connected"

const (
	wsWriteWait    = 5 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = wsPongWait * 9 / 10
	wsReadLimit    = 1024
	wsSendQueueLen = 64
)

// wsClient is one connection with its own outbound queue. Only the hub
// closes send, and only while holding its lock.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// WebsocketHub fans workspace events out to connected clients. Broadcast
// never blocks on the network: each client drains its queue in its own
// writer goroutine, and a client whose queue is full is disconnected.
type WebsocketHub struct {
	logger  logger.Logger
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool

	upgrader websocket.Upgrader
}

// NewWebsocketHub creates a new hub.
func NewWebsocketHub(log logger.Logger) *WebsocketHub {
	return &WebsocketHub{
		logger:  log,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Upgrade upgrades the HTTP connection to WebSocket and queues greeting as
// the client's first message.
func (h *WebsocketHub) Upgrade(w http.ResponseWriter, r *http.Request, greeting workspace.Event) (*websocket.Conn, error) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	c := &wsClient{conn: conn, send: make(chan []byte, wsSendQueueLen)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return nil, http.ErrServerClosed
	}
	h.clients[c] = struct{}{}
	if payload, err := json.Marshal(greeting); err == nil {
		c.send <- payload
	}
	h.mu.Unlock()

	go h.writePump(c)
	go h.readPump(c)
	return conn, nil
}

// readPump discards client messages and keeps the read deadline moving
// while pongs arrive.
func (h *WebsocketHub) readPump(c *wsClient) {
	defer h.remove(c)

	c.conn.SetReadLimit(wsReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WebsocketHub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.logger.Warn("Failed to write to websocket client", "error", err)
				h.remove(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

func (h *WebsocketHub) remove(c *wsClient) {
	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
}

func (h *WebsocketHub) removeLocked(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// Broadcast queues ev for every connected client.
func (h *WebsocketHub) Broadcast(ev workspace.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) == 0 {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to marshal websocket payload", "type", ev.Type, "error", err)
		return
	}

	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			h.logger.Warn("Dropping slow websocket client", "type", ev.Type)
			h.removeLocked(c)
		}
	}
}

// Clients returns the number of connected clients.
func (h *WebsocketHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new ones.
func (h *WebsocketHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}
