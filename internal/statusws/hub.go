// Package statusws pushes pipeline progress to local UI clients over
// websocket.
package statusws

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ProgressEvent is one progress or state update for a transcription request.
type ProgressEvent struct {
	RequestID string    `json:"request_id"`
	File      string    `json:"file,omitempty"`
	State     string    `json:"state"`
	Progress  float64   `json:"progress"`
	Path      string    `json:"path,omitempty"`
	Speakers  int       `json:"speakers,omitempty"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	Final     bool      `json:"final"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	writeWait    = 10 * time.Second
	pingInterval = 50 * time.Second
	pongWait     = 60 * time.Second
	sendBuffer   = 64

	// maxReplay bounds the per-request replay cache so a late joiner's
	// backlog always fits in its send buffer.
	maxReplay = sendBuffer / 2
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Only local UI clients connect; the server binds to loopback.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	requestID string
}

// Hub fans ProgressEvents out to connected clients. Clients may subscribe to
// one request with ?request_id=...; others receive everything.
//
// A nil *Hub accepts Publish calls and drops them.
type Hub struct {
	logger     logrus.FieldLogger
	clients    map[*client]struct{}
	broadcast  chan ProgressEvent
	register   chan *client
	unregister chan *client
	done       chan struct{}

	mu   sync.RWMutex
	last map[string]ProgressEvent
}

// NewHub creates a hub. Run must be started before clients connect.
func NewHub(logger logrus.FieldLogger) *Hub {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &Hub{
		logger:     logger,
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan ProgressEvent, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		last:       make(map[string]ProgressEvent),
	}
}

// Run serves registrations and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Starting status websocket hub")
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.logger.Info("Status websocket hub stopped")
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.logger.WithField("request_id", c.requestID).Debug("Status client connected")
			// Late joiners get the latest known state straight away.
			h.mu.RLock()
			for id, ev := range h.last {
				if c.requestID == "" || c.requestID == id {
					data, err := json.Marshal(ev)
					if err != nil {
						continue
					}
					if !h.trySend(c, data) {
						break
					}
				}
			}
			h.mu.RUnlock()

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.logger.Debug("Status client disconnected")
			}

		case ev := <-h.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.WithError(err).Error("Failed to marshal progress event")
				continue
			}
			for c := range h.clients {
				if c.requestID != "" && c.requestID != ev.RequestID {
					continue
				}
				h.trySend(c, data)
			}
		}
	}
}

// trySend drops slow clients rather than blocking the hub. It reports false
// once c has been dropped; c.send is closed and must not be used again.
func (h *Hub) trySend(c *client, data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		close(c.send)
		delete(h.clients, c)
		h.logger.Warn("Dropped slow status client")
		return false
	}
}

// Publish queues ev for broadcast without blocking. Final events clear the
// request from the replay cache.
func (h *Hub) Publish(ev ProgressEvent) {
	if h == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	h.mu.Lock()
	if ev.Final {
		delete(h.last, ev.RequestID)
	} else {
		if _, ok := h.last[ev.RequestID]; !ok && len(h.last) >= maxReplay {
			h.evictOldest()
		}
		h.last[ev.RequestID] = ev
	}
	h.mu.Unlock()

	select {
	case h.broadcast <- ev:
	default:
		h.logger.WithField("request_id", ev.RequestID).Debug("Progress event dropped, hub busy")
	}
}

// evictOldest removes the least recently updated request. Callers hold mu.
func (h *Hub) evictOldest() {
	var (
		oldest string
		at     time.Time
		found  bool
	)
	for id, ev := range h.last {
		if !found || ev.Timestamp.Before(at) {
			oldest, at, found = id, ev.Timestamp, true
		}
	}
	delete(h.last, oldest)
}

// Latest returns the last event published for requestID, if any.
func (h *Hub) Latest(requestID string) (ProgressEvent, bool) {
	if h == nil {
		return ProgressEvent{}, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	ev, ok := h.last[requestID]
	return ev, ok
}

// ServeHTTP upgrades the request and attaches the client to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to upgrade status connection")
		return
	}
	c := &client{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		requestID: r.URL.Query().Get("request_id"),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump discards client input and notices disconnects.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
