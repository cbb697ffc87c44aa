// Package relay is the cross-origin leg of session sync: a websocket hub
// that fans every frame out to all other connections. The relay never
// inspects payloads; authenticity is end-to-end between agents, so a
// compromised relay can drop or delay messages but not forge them.
package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mkoval/authlink/internal/logging"
)

const (
	sendQueueSize = 64
	writeTimeout  = 5 * time.Second
	maxFrameBytes = 1 << 20
)

// Hub accepts websocket connections and broadcasts frames between them.
type Hub struct {
	log            logging.Logger
	originPatterns []string

	mu      sync.Mutex
	clients map[*client]struct{}
	nextID  int
}

type client struct {
	id   int
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a hub. originPatterns feed the websocket origin check;
// empty means same-host only.
func NewHub(log logging.Logger, originPatterns []string) *Hub {
	return &Hub{
		log:            log,
		originPatterns: originPatterns,
		clients:        make(map[*client]struct{}),
	}
}

// Clients reports the number of connected agents.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		if h.log != nil {
			h.log.Warn(r.Context(), "websocket accept failed", "err", err)
		}
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	c := h.register(conn)
	defer h.unregister(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.writePump(ctx, c)
	h.readPump(ctx, c)
}

func (h *Hub) register(conn *websocket.Conn) *client {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := &client{id: h.nextID, conn: conn, send: make(chan []byte, sendQueueSize)}
	h.nextID++
	h.clients[c] = struct{}{}
	return c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.conn.Close(websocket.StatusNormalClosure, "bye")
}

func (h *Hub) readPump(ctx context.Context, c *client) {
	for {
		mt, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if mt != websocket.MessageText {
			continue
		}
		h.broadcast(c, data)
	}
}

// broadcast queues data for every other client. A client whose queue is
// full loses the frame; a stuck agent must not stall the rest.
func (h *Hub) broadcast(from *client, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c == from {
			continue
		}
		select {
		case c.send <- data:
		default:
			if h.log != nil {
				h.log.Warn(context.Background(), "relay queue full, frame dropped", "client", c.id)
			}
		}
	}
}

func (h *Hub) writePump(ctx context.Context, c *client) {
	for {
		select {
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
