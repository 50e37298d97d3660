// Package stream fans out engine events to WebSocket subscribers as
// msgpack-encoded frames, mirroring the event-bus-to-hub wiring the rest
// of the codebase uses for its websocket surfaces.
package stream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	"nhooyr.io/websocket"

	"github.com/aristath/arbiter/internal/events"
)

const (
	clientSendBuffer = 32
	writeTimeout     = 10 * time.Second
	pingInterval     = 30 * time.Second
)

// Hub subscribes to an events.Bus and relays every event to every
// connected client. A slow client has events dropped for it rather than
// blocking the broadcast.
type Hub struct {
	bus *events.Bus
	log zerolog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}

	unsubscribe func()
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub builds a Hub over the given event bus.
func NewHub(bus *events.Bus, log zerolog.Logger) *Hub {
	return &Hub{
		bus:     bus,
		log:     log.With().Str("component", "stream").Logger(),
		clients: make(map[*client]struct{}),
	}
}

// Start subscribes to the bus and begins relaying events until ctx is
// cancelled or Stop is called.
func (h *Hub) Start(ctx context.Context) {
	ch, unsubscribe := h.bus.Subscribe(ctx, 256)
	h.unsubscribe = unsubscribe
	go func() {
		for ev := range ch {
			h.broadcast(ev)
		}
	}()
}

// Stop unsubscribes from the bus. Already-connected clients are not
// forcibly disconnected.
func (h *Hub) Stop() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
}

func (h *Hub) broadcast(ev events.Event) {
	payload, err := msgpack.Marshal(ev)
	if err != nil {
		h.log.Warn().Err(err).Str("event_type", string(ev.Type)).Msg("failed to encode event for stream")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			h.log.Warn().Msg("dropping stream event for slow client")
		}
	}
}

// ServeHTTP upgrades the request to a WebSocket connection and keeps it
// registered as a broadcast target until the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientSendBuffer)}
	h.addClient(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		h.readPump(ctx, c)
		cancel()
	}()
	h.writePump(ctx, c)
}

func (h *Hub) addClient(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.log.Info().Int("clients", count).Msg("stream client connected")
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	count := len(h.clients)
	h.mu.Unlock()
	h.log.Info().Int("clients", count).Msg("stream client disconnected")
}

// writePump owns the connection's write side — nhooyr's Conn allows only
// one writer at a time, so every outgoing frame and ping goes through
// here.
func (h *Hub) writePump(ctx context.Context, c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer h.removeClient(c)
	defer c.conn.Close(websocket.StatusNormalClosure, "stream closed")

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageBinary, payload)
			cancel()
			if err != nil {
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// readPump drains and discards client frames. The stream is one-directional,
// but a connection has to be read from for the library to observe the peer
// closing it.
func (h *Hub) readPump(ctx context.Context, c *client) {
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}
