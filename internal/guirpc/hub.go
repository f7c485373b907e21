package guirpc

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gridpulse/gridpulse/internal/logging"
	"github.com/gridpulse/gridpulse/internal/notices"
)

const (
	wsWriteTimeout = 10 * time.Second

	// wsSendBuffer is the per-connection payload backlog. A console
	// that falls further behind is dropped.
	wsSendBuffer = 16
)

// Hub pushes newly inserted notices to connected consoles over
// WebSocket, saving them from polling get_notices.
type Hub struct {
	upgrader websocket.Upgrader
	log      *logging.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]chan []byte
}

// NewHub creates the push hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log:   logging.WithComponent("guirpc"),
		conns: make(map[*websocket.Conn]chan []byte),
	}
}

// HandleWS upgrades a console connection. Each connection gets a
// buffered send channel drained by its own writer goroutine, so
// broadcasting never blocks on a slow console.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed: %v", err)
		return
	}
	send := make(chan []byte, wsSendBuffer)
	h.mu.Lock()
	h.conns[conn] = send
	h.mu.Unlock()

	go func() {
		for payload := range send {
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.drop(conn)
				return
			}
		}
		conn.Close()
	}()

	// Drain control frames; the push channel is one-way.
	go func() {
		defer h.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// BroadcastNotice fans a notice out to every connected console. Wired
// as the notice store's insertion observer, so it runs inside the poll
// loop and must not block: a console with a full backlog is shed.
func (h *Hub) BroadcastNotice(n notices.Notice) {
	payload := []byte(fmt.Sprintf(
		"<notice><seqno>%d</seqno><title>%s</title><description>%s</description><create_time>%d</create_time><is_private>%t</is_private></notice>",
		n.Seqno, xmlEscape(n.Title), xmlEscape(n.Description), n.CreateTime.Unix(), n.IsPrivate))

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, send := range h.conns {
		select {
		case send <- payload:
		default:
			h.log.Debug("dropping console that stopped reading pushes")
			delete(h.conns, conn)
			close(send)
		}
	}
}

// Close drops every console connection.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, send := range h.conns {
		delete(h.conns, conn)
		close(send)
		conn.Close()
	}
}

// drop deregisters a connection. The send channel is closed exactly
// once, under the lock, so a concurrent broadcast can never write to
// it afterwards.
func (h *Hub) drop(c *websocket.Conn) {
	h.mu.Lock()
	send, ok := h.conns[c]
	if ok {
		delete(h.conns, c)
		close(send)
	}
	h.mu.Unlock()
	c.Close()
}
