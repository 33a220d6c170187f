package render

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/eric1221bday/PGHBusTracker/internal/store"
	"github.com/eric1221bday/PGHBusTracker/internal/viewport"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait = 5 * time.Second
	// sendBuffer is how many messages a client may fall behind before it is
	// dropped.
	sendBuffer = 16
)

// message is what map clients receive on /data.json.
type message struct {
	Type     string          `json:"type"`
	Vehicles []store.Vehicle `json:"vehicles,omitempty"`
	Removed  []string        `json:"removed,omitempty"`
}

// ViewSink receives view-settled events from map clients.
// *engine.Engine satisfies it.
type ViewSink interface {
	SettleView(pred viewport.RegionPredicate)
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub pushes the fleet to websocket clients: a snapshot on connect, then every
// store event. Clients send the same body as POST /api/viewport when their
// map goes idle.
type Hub struct {
	vehicles viewport.Snapshotter
	views    ViewSink
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub accepts connections from allowedOrigins; empty or "*" allows any.
func NewHub(vehicles viewport.Snapshotter, views ViewSink, allowedOrigins []string) *Hub {
	return &Hub{
		vehicles: vehicles,
		views:    views,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin(allowedOrigins)},
		clients:  make(map[*client]struct{}),
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	// The snapshot is queued ahead of any broadcast so the map can draw
	// straight away
	h.mu.Lock()
	data, err := json.Marshal(message{Type: "snapshot", Vehicles: h.vehicles.Snapshot()})
	if err != nil {
		h.mu.Unlock()
		log.Error().Err(err).Msg("Failed to encode websocket snapshot")
		_ = conn.Close()
		return
	}
	c.send <- data
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writePump()
	go h.readPump(c)
}

// Run broadcasts store events until ctx is done or events closes.
func (h *Hub) Run(ctx context.Context, events <-chan store.Event) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case ev, ok := <-events:
			if !ok {
				h.closeAll()
				return
			}
			h.broadcast(message{Type: "update", Vehicles: ev.Updated, Removed: ev.Removed})
		}
	}
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// dropLocked closes c's queue; its writePump then closes the connection.
func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	h.dropLocked(c)
	h.mu.Unlock()
}

func (h *Hub) broadcast(m message) {
	data, err := json.Marshal(m)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode websocket message")
		return
	}
	h.mu.Lock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			log.Debug().Msg("Dropping websocket client that fell behind")
			h.dropLocked(c)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		h.dropLocked(c)
	}
	h.mu.Unlock()
}

func (c *client) writePump() {
	defer c.conn.Close()
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var req viewportRequest
		if err := json.Unmarshal(data, &req); err != nil {
			log.Debug().Err(err).Msg("Ignored websocket message")
			continue
		}
		pred, err := req.predicate()
		if err != nil {
			log.Debug().Err(err).Msg("Ignored websocket viewport")
			continue
		}
		if h.views != nil {
			h.views.SettleView(pred)
		}
	}
}
