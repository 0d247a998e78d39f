package syncbus

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Websocket transport configuration constants
const (
	// DefaultWriteTimeout bounds a single frame write to a peer.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultHandshakeTimeout bounds the client dial handshake.
	DefaultHandshakeTimeout = 10 * time.Second
)

// WebsocketChannel is a Channel over a websocket connection to a relay Hub,
// used when instances run in separate processes.
type WebsocketChannel struct {
	conn   *websocket.Conn
	events chan Event

	writeMu sync.Mutex

	closeOnce sync.Once
}

// DialWebsocket connects to a relay hub and starts the read loop.
func DialWebsocket(ctx context.Context, url string) (*WebsocketChannel, error) {
	slog.Debug("Dialing sync relay", "url", url)
	dialer := websocket.Dialer{HandshakeTimeout: DefaultHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		slog.Error("Failed to dial sync relay", "error", err, "url", url)
		return nil, fmt.Errorf("failed to dial sync relay %s: %w", url, err)
	}

	ch := &WebsocketChannel{
		conn:   conn,
		events: make(chan Event, DefaultChannelBuffer),
	}
	go ch.readLoop()
	slog.Debug("Sync relay connected", "url", url)
	return ch, nil
}

func (c *WebsocketChannel) readLoop() {
	defer c.closeEvents()
	for {
		var ev Event
		if err := c.conn.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Error("Sync relay read failed", "error", err)
			}
			return
		}
		select {
		case c.events <- ev:
		default:
			slog.Warn("Sync relay dropping event, receiver too slow", "type", ev.Type)
		}
	}
}

func (c *WebsocketChannel) closeEvents() {
	c.closeOnce.Do(func() {
		close(c.events)
	})
}

// Send writes one event frame to the relay.
func (c *WebsocketChannel) Send(ev Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout))
	if err := c.conn.WriteJSON(ev); err != nil {
		return fmt.Errorf("failed to write sync event: %w", err)
	}
	return nil
}

// Events returns the incoming event stream. The channel closes when the
// connection drops.
func (c *WebsocketChannel) Events() <-chan Event {
	return c.events
}

// Close shuts the connection down.
func (c *WebsocketChannel) Close() error {
	return c.conn.Close()
}

// Hub is the server side of the websocket transport: it accepts connections
// on an HTTP endpoint and relays every frame to all other connections. The
// hub does not inspect events; self-echo filtering happens at each Bus.
type Hub struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]*sync.Mutex
}

// NewHub creates an empty relay hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]*sync.Mutex),
	}
}

// ServeHTTP upgrades the request and pumps its frames to the other peers
// until the connection drops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Sync hub upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	h.mu.Lock()
	h.conns[conn] = &sync.Mutex{}
	count := len(h.conns)
	h.mu.Unlock()
	slog.Debug("Sync hub peer connected", "remote", r.RemoteAddr, "peers", count)

	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		conn.Close()
		slog.Debug("Sync hub peer disconnected", "remote", r.RemoteAddr)
	}()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Error("Sync hub read failed", "error", err, "remote", r.RemoteAddr)
			}
			return
		}
		h.relay(conn, ev)
	}
}

func (h *Hub) relay(from *websocket.Conn, ev Event) {
	h.mu.Lock()
	peers := make(map[*websocket.Conn]*sync.Mutex, len(h.conns))
	for conn, mu := range h.conns {
		if conn != from {
			peers[conn] = mu
		}
	}
	h.mu.Unlock()

	for conn, mu := range peers {
		mu.Lock()
		conn.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout))
		err := conn.WriteJSON(ev)
		mu.Unlock()
		if err != nil {
			slog.Warn("Sync hub relay write failed", "error", err, "type", ev.Type)
		}
	}
}
