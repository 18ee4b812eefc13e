package websocket

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"agroreg/internal/metrics"
)

// Event is the payload pushed to connected clients when a record changes.
type Event struct {
	Type    string `json:"type"`
	Entity  string `json:"entity"`
	ID      any    `json:"id"`
	Action  string `json:"action"`
	Status  string `json:"status,omitempty"`
	OwnerID int64  `json:"-"`
}

// client wraps a WebSocket connection with a mutex for thread-safe writes.
type client struct {
	conn   *ws.Conn
	mu     sync.Mutex
	accept func(Event) bool
}

// Hub maintains connected WebSocket clients and broadcasts events.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	log     *zap.Logger
}

// NewHub creates a new Hub. A nil logger discards hub logs.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{clients: make(map[*client]struct{}), log: log.Named("ws")}
}

func (h *Hub) register(c *client) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	metrics.WSClients.Set(float64(len(h.clients)))
	return len(h.clients)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	metrics.WSClients.Set(float64(len(h.clients)))
	h.mu.Unlock()
	if ok && c.conn != nil {
		_ = c.conn.Close()
	}
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends an event to every client whose filter accepts it.
func (h *Hub) Broadcast(evt Event) {
	if h == nil {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		h.log.Warn("marshal event", zap.Error(err))
		return
	}
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if c.accept == nil || c.accept(evt) {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.mu.Lock()
		writeErr := func() (writeErr error) {
			defer func() {
				if r := recover(); r != nil {
					writeErr = fmt.Errorf("ws: write panic: %v", r)
				}
			}()
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			return c.conn.WriteMessage(ws.TextMessage, data)
		}()
		c.mu.Unlock()

		if writeErr != nil {
			h.log.Debug("drop client", zap.Error(writeErr))
			h.unregister(c)
		}
	}
}

// BroadcastStatus announces a workflow transition.
func (h *Hub) BroadcastStatus(entity string, id int64, ownerID int64, status string) {
	h.Broadcast(Event{
		Type:    entity + "_status_changed",
		Entity:  entity,
		ID:      id,
		Action:  "status",
		Status:  status,
		OwnerID: ownerID,
	})
}

// BroadcastChange is a convenience helper for broadcasting resource changes.
func (h *Hub) BroadcastChange(entity, action string, id any, ownerID int64) {
	h.Broadcast(Event{
		Type:    entity + "_" + action + "d",
		Entity:  entity,
		ID:      id,
		Action:  action,
		OwnerID: ownerID,
	})
}

// Upgrader is the default WebSocket upgrader.
var Upgrader = ws.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Serve upgrades the connection and keeps it alive with pings until the peer
// goes away. accept filters which events this client sees.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, accept func(Event) bool) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade", zap.Error(err))
		return
	}

	c := &client{conn: conn, accept: accept}
	n := h.register(c)
	h.log.Debug("client connected", zap.Int("clients", n))

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.mu.Lock()
				err := conn.WriteControl(ws.PingMessage, nil, time.Now().Add(5*time.Second))
				c.mu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	close(done)
	h.unregister(c)
	h.log.Debug("client disconnected")
}
