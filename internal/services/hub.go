package services

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"preflight-alerting/internal/models"
)

const (
	maxConnsPerCaller = 10
	writeWait         = 5 * time.Second
	sendBuffer        = 64
)

// StreamEvent is one message pushed to stream subscribers.
type StreamEvent struct {
	Type       string            `json:"type"`
	Transition models.Transition `json:"transition"`
	PolicyName string            `json:"policy_name,omitempty"`
	Severity   models.Severity   `json:"severity"`
}

// subscriber is one stream connection with its own writer goroutine.
type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans alert transitions out to WebSocket subscribers, keyed by caller.
// Broadcast never waits on a socket: each subscriber has a buffered queue
// and a message is dropped for subscribers whose queue is full.
type Hub struct {
	upgrader    websocket.Upgrader
	connections map[string]map[*subscriber]bool
	mutex       sync.Mutex
	logger      *logrus.Logger
}

func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		connections: make(map[string]map[*subscriber]bool),
		logger:      logger,
	}
}

// Serve upgrades the request and keeps the connection registered until the
// peer goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, caller string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	sub := &subscriber{conn: conn, send: make(chan []byte, sendBuffer)}
	if !h.add(caller, sub) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections"),
			time.Now().Add(writeWait))
		return conn.Close()
	}
	defer h.remove(caller, sub)
	go h.writeLoop(caller, sub)

	conn.SetReadLimit(512)
	for {
		// subscribers never send anything meaningful; reading detects close
		if _, _, err := conn.ReadMessage(); err != nil {
			return nil
		}
	}
}

// writeLoop drains the subscriber queue until remove or Close closes it.
func (h *Hub) writeLoop(caller string, sub *subscriber) {
	for msg := range sub.send {
		_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.logger.Errorf("Failed to send stream message to %s: %v", caller, err)
			// unblocks the read loop in Serve, which unregisters the subscriber
			_ = sub.conn.Close()
			return
		}
	}
}

func (h *Hub) add(caller string, sub *subscriber) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if _, exists := h.connections[caller]; !exists {
		h.connections[caller] = make(map[*subscriber]bool)
	}
	if len(h.connections[caller]) >= maxConnsPerCaller {
		h.logger.Warnf("Max stream connections reached for %s", caller)
		return false
	}
	h.connections[caller][sub] = true
	h.logger.Infof("Added stream connection for %s (total: %d)", caller, len(h.connections[caller]))
	return true
}

func (h *Hub) remove(caller string, sub *subscriber) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if subs, exists := h.connections[caller]; exists {
		if subs[sub] {
			delete(subs, sub)
			close(sub.send)
			_ = sub.conn.Close()
		}
		if len(subs) == 0 {
			delete(h.connections, caller)
		}
		h.logger.Infof("Removed stream connection for %s (remaining: %d)", caller, len(subs))
	}
}

// Count returns the number of open subscriber connections.
func (h *Hub) Count() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	n := 0
	for _, subs := range h.connections {
		n += len(subs)
	}
	return n
}

// OnTransition broadcasts a stored transition. It never fails the evaluation.
func (h *Hub) OnTransition(_ context.Context, tr models.Transition, p models.AlertPolicy) error {
	msg, err := json.Marshal(StreamEvent{
		Type:       "transition",
		Transition: tr,
		PolicyName: p.Name,
		Severity:   p.Severity,
	})
	if err != nil {
		h.logger.Errorf("Failed to encode stream event: %v", err)
		return nil
	}
	h.Broadcast(msg)
	return nil
}

// Broadcast queues message for every subscriber without blocking.
func (h *Hub) Broadcast(message []byte) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for caller, subs := range h.connections {
		for sub := range subs {
			select {
			case sub.send <- message:
			default:
				h.logger.Warnf("Stream subscriber for %s is behind, message dropped", caller)
			}
		}
	}
}

// Close drops every subscriber.
func (h *Hub) Close() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for caller, subs := range h.connections {
		for sub := range subs {
			close(sub.send)
			_ = sub.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeWait))
			_ = sub.conn.Close()
		}
		delete(h.connections, caller)
	}
}
