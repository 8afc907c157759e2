package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"fleetalerts/internal/metrics"
	"fleetalerts/internal/subscriptions"
)

var (
	ErrSubscriberGone = errors.New("subscriber not connected")
	ErrSlowSubscriber = errors.New("subscriber send queue full")
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// ControlMessage is what dashboards send to change their vehicle scope.
type ControlMessage struct {
	Action     string   `json:"action"`
	VehicleIDs []string `json:"vehicle_ids"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// Hub serves websocket subscribers. Each client gets a buffered send queue
// drained by its own writer goroutine; a full queue fails only that client.
type Hub struct {
	logger     *slog.Logger
	registry   subscriptions.Writer
	metrics    *metrics.Metrics
	upgrader   websocket.Upgrader
	sendBuffer int

	mu      sync.RWMutex
	clients map[string]*client
}

func NewHub(registry subscriptions.Writer, sendBuffer int, logger *slog.Logger, m *metrics.Metrics) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Hub{
		logger:     logger,
		registry:   registry,
		metrics:    m,
		sendBuffer: sendBuffer,
		clients:    make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("websocket upgrade failed", "err", err)
		}
		return
	}
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, h.sendBuffer),
		done: make(chan struct{}),
	}
	h.register(c)
	if h.registry != nil {
		if ids := r.URL.Query()["vehicle_id"]; len(ids) > 0 {
			if err := h.registry.Subscribe(r.Context(), c.id, ids...); err != nil && h.logger != nil {
				h.logger.Warn("initial subscribe failed", "subscriber_id", c.id, "err", err)
			}
		}
	}
	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.SetSubscribers(n)
	if h.logger != nil {
		h.logger.Info("subscriber connected", "subscriber_id", c.id)
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	n := len(h.clients)
	h.mu.Unlock()
	c.close()
	if !ok {
		return
	}
	h.metrics.SetSubscribers(n)
	if h.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := h.registry.Remove(ctx, c.id); err != nil && h.logger != nil {
			h.logger.Warn("subscriber cleanup failed", "subscriber_id", c.id, "err", err)
		}
		cancel()
	}
	if h.logger != nil {
		h.logger.Info("subscriber disconnected", "subscriber_id", c.id)
	}
}

func (h *Hub) readPump(c *client) {
	defer h.unregister(c)
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ControlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if h.logger != nil {
				h.logger.Debug("invalid subscriber message", "subscriber_id", c.id, "err", err)
			}
			continue
		}
		h.apply(c.id, msg)
	}
}

func (h *Hub) apply(subscriberID string, msg ControlMessage) {
	if h.registry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var err error
	switch msg.Action {
	case "subscribe":
		err = h.registry.Subscribe(ctx, subscriberID, msg.VehicleIDs...)
	case "unsubscribe":
		err = h.registry.Unsubscribe(ctx, subscriberID, msg.VehicleIDs...)
	default:
		return
	}
	if err != nil && h.logger != nil {
		h.logger.Warn("subscription update failed", "subscriber_id", subscriberID, "action", msg.Action, "err", err)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Send queues payload for one subscriber without blocking.
func (h *Hub) Send(subscriberID string, payload []byte) error {
	h.mu.RLock()
	c, ok := h.clients[subscriberID]
	h.mu.RUnlock()
	if !ok {
		return ErrSubscriberGone
	}
	select {
	case <-c.done:
		return ErrSubscriberGone
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSlowSubscriber
	}
}

func (h *Hub) Connected() []string {
	h.mu.RLock()
	out := make([]string, 0, len(h.clients))
	for id := range h.clients {
		out = append(out, id)
	}
	h.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.close()
	}
}
