// Package notify pushes contract events (new comments, tracked changes,
// degraded anchors) to connected websocket clients, optionally fanned out
// across API instances through Redis pub/sub.
package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	EventCommentCreated = "comment.created"
	EventCommentDeleted = "comment.deleted"
	EventTrackChange    = "comment.track_change"
	EventContractSaved  = "contract.saved"
	EventAnchorDegraded = "anchor.degraded"
)

type Event struct {
	Type       string         `json:"type"`
	ContractID string         `json:"contractId"`
	CommentID  string         `json:"commentId,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	At         time.Time      `json:"at"`
}

// Notifier delivers an event to everyone watching its contract.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

const (
	sendBuffer   = 16
	writeTimeout = 5 * time.Second
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub tracks websocket clients per contract.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[string]map[*client]struct{}
}

func NewHub(allowedOrigin string, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if allowedOrigin == "" || allowedOrigin == "*" {
					return true
				}
				return r.Header.Get("Origin") == allowedOrigin
			},
		},
		logger:  logger,
		clients: make(map[string]map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and streams events for ?contractId=.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	contractID := r.URL.Query().Get("contractId")
	if contractID == "" {
		http.Error(w, "contractId is required", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(contractID, c)
	go h.writeLoop(c)

	// Clients only listen; reading drives close detection.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.unregister(contractID, c)
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.logger.Debug("websocket write failed", zap.Error(err))
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (h *Hub) register(contractID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[contractID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[contractID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unregister(contractID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[contractID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.clients, contractID)
	}
}

// Clients returns the number of connections watching a contract.
func (h *Hub) Clients(contractID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[contractID])
}

// Broadcast queues ev for local clients and returns how many received it.
// A client whose buffer is full misses the event.
func (h *Hub) Broadcast(ev Event) int {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode event", zap.Error(err))
		return 0
	}
	return h.broadcastRaw(ev.ContractID, payload)
}

func (h *Hub) broadcastRaw(contractID string, payload []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := 0
	for c := range h.clients[contractID] {
		select {
		case c.send <- payload:
			delivered++
		default:
			h.logger.Warn("dropping event for slow client", zap.String("contract_id", contractID))
		}
	}
	return delivered
}

// Notify broadcasts to local clients only.
func (h *Hub) Notify(_ context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	h.Broadcast(ev)
	return nil
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for contractID, set := range h.clients {
		for c := range set {
			close(c.send)
		}
		delete(h.clients, contractID)
	}
}
