package service

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/phxdata/propflow/internal/ratelimit"
)

// Event is one message on the /ws/events stream.
type Event struct {
	Type      string                 `json:"type"`
	Source    string                 `json:"source,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Hub fans events out to connected WebSocket clients. A slow client's
// buffer filling drops that client rather than blocking the broadcaster.
type Hub struct {
	mu      sync.Mutex
	clients map[*hubClient]struct{}
}

type hubClient struct {
	conn *websocket.Conn
	send chan Event
}

const clientBuffer = 64

// NewHub builds an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*hubClient]struct{})}
}

// Broadcast delivers ev to every connected client without blocking.
func (h *Hub) Broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			delete(h.clients, c)
			close(c.send)
			log.Warn().Msg("websocket client too slow, dropped")
		}
	}
}

// ClientCount reports connected clients, for health snapshots and tests.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) add(c *hubClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The daemon binds localhost; cross-origin browsers are not a surface.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeHTTP upgrades the connection and streams events until the client
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &hubClient{conn: conn, send: make(chan Event, clientBuffer)}
	h.add(c)

	go c.readLoop(h)
	c.writeLoop()
}

// readLoop discards client frames; it exists to notice the close.
func (c *hubClient) readLoop(h *Hub) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *hubClient) writeLoop() {
	defer c.conn.Close()
	for ev := range c.send {
		if err := c.conn.WriteJSON(ev); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
}

// Observer bridges limiter events onto the stream.
func (h *Hub) Observer() ratelimit.Observer {
	return &hubObserver{hub: h}
}

type hubObserver struct {
	hub *Hub
}

func (o *hubObserver) RequestMade(source string, ts time.Time) {
	o.hub.Broadcast(Event{Type: "request_made", Source: source, Timestamp: ts})
}

func (o *hubObserver) RateLimitHit(source string, wait time.Duration) {
	o.hub.Broadcast(Event{
		Type: "rate_limit_hit", Source: source, Timestamp: time.Now().UTC(),
		Fields: map[string]interface{}{"wait_ms": wait.Milliseconds()},
	})
}

func (o *hubObserver) LimiterReset(source string) {
	o.hub.Broadcast(Event{Type: "limiter_reset", Source: source, Timestamp: time.Now().UTC()})
}
