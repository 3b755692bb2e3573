package api

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"scentd/internal/model"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 50 * time.Second
	clientBuffer = 32
)

// Hub fans processed records out to websocket clients of the display page.
// It is registered with the engine as a sink.
type Hub struct {
	mu       sync.Mutex
	clients  map[*streamClient]struct{}
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

type streamClient struct {
	conn *websocket.Conn
	send chan model.Record
}

// NewHub accepts any origin when origins is empty.
func NewHub(origins []string, logger *slog.Logger) *Hub {
	h := &Hub{clients: map[*streamClient]struct{}{}, logger: logger}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(origins) == 0 {
				return true
			}
			return slices.Contains(origins, r.Header.Get("Origin"))
		},
	}
	return h
}

func (h *Hub) Name() string { return "websocket" }

// Publish never blocks: a client whose buffer is full misses the record.
func (h *Hub) Publish(_ context.Context, rec model.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- rec:
		default:
			if h.logger != nil {
				h.logger.Debug("stream client slow, record skipped", "remote", c.conn.RemoteAddr().String())
			}
		}
	}
	return nil
}

func (h *Hub) Clients() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("websocket upgrade failed", "err", err)
		}
		return
	}
	c := &streamClient{conn: conn, send: make(chan model.Record, clientBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	if h.logger != nil {
		h.logger.Info("stream client connected", "remote", conn.RemoteAddr().String())
	}

	done := make(chan struct{})
	go h.readPump(c, done)
	h.writePump(c, done)
}

func (h *Hub) readPump(c *streamClient, done chan<- struct{}) {
	defer close(done)
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *streamClient, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.remove(c)
	}()
	for {
		select {
		case rec := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(rec); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (h *Hub) remove(c *streamClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	_ = c.conn.Close()
	if h.logger != nil {
		h.logger.Info("stream client disconnected", "remote", c.conn.RemoteAddr().String())
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*streamClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
	}
}
