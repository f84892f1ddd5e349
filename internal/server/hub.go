// Copyright 2025 The Vigil Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vigil-sh/vigil/internal/events"
)

// heartbeatInterval is the cadence of heartbeat frames to connected
// clients.
const heartbeatInterval = 30 * time.Second

// clientBuffer bounds the per-client send queue; slow clients drop
// frames rather than block the bus.
const clientBuffer = 64

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsMessage is the wire shape forwarded to clients.
type wsMessage struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// Hub fans bus events out to connected WebSocket clients. The engine
// core does not care how events are delivered; delivery is best-effort.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool

	unsub  func()
	stopCh chan struct{}
	wg     sync.WaitGroup
}

type client struct {
	conn *websocket.Conn
	send chan wsMessage
}

// NewHub creates the hub and subscribes it to the bus.
func NewHub(bus *events.Bus, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		logger:  logger.With(slog.String("component", "ws_hub")),
		clients: make(map[*client]struct{}),
		stopCh:  make(chan struct{}),
	}
	h.unsub = bus.SubscribeAll(func(ctx context.Context, e events.Event) {
		h.broadcast(wsMessage{
			Type:      string(e.Type),
			Data:      sanitizeEventData(e.Data),
			Timestamp: e.Timestamp.Format(time.RFC3339),
		})
	})

	h.wg.Add(1)
	go h.heartbeatLoop()
	return h
}

// sanitizeEventData drops values that cannot be marshalled to JSON,
// such as integration callbacks.
func sanitizeEventData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if _, err := json.Marshal(v); err != nil {
			continue
		}
		out[k] = v
	}
	return out
}

// HandleWS upgrades the connection and attaches the client.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	c := &client{conn: conn, send: make(chan wsMessage, clientBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	c.send <- wsMessage{Type: "connected", Timestamp: time.Now().UTC().Format(time.RFC3339)}

	h.wg.Add(2)
	go h.writeLoop(c)
	go h.readLoop(c)
}

// writeLoop drains the client's send queue.
func (h *Hub) writeLoop(c *client) {
	defer h.wg.Done()
	for {
		select {
		case <-h.stopCh:
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				h.detach(c)
				return
			}
		}
	}
}

// readLoop answers pings and notices disconnects.
func (h *Hub) readLoop(c *client) {
	defer h.wg.Done()
	defer h.detach(c)

	for {
		var incoming map[string]any
		if err := c.conn.ReadJSON(&incoming); err != nil {
			return
		}
		if t, _ := incoming["type"].(string); t == "ping" {
			h.deliver(c, wsMessage{Type: "pong", Timestamp: time.Now().UTC().Format(time.RFC3339)})
		}
	}
}

func (h *Hub) heartbeatLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.broadcast(wsMessage{Type: "heartbeat", Timestamp: time.Now().UTC().Format(time.RFC3339)})
		}
	}
}

func (h *Hub) broadcast(msg wsMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			// Slow client: drop the frame, never block the bus.
		}
	}
}

func (h *Hub) deliver(c *client, msg wsMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
}

// Close detaches every client and stops the loops.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	h.unsub()
	close(h.stopCh)
	for _, c := range clients {
		h.detach(c)
	}
	h.wg.Wait()
}
