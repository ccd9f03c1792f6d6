package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"driver-hub/common/log"
	"driver-hub/common/store"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Sink is an external consumer of journal events.
type Sink interface {
	Publish(e store.Event) error
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// EventHub fans journal events out to the SQLite store, external sinks and
// websocket subscribers. Record never blocks on a slow subscriber.
type EventHub struct {
	store   *store.Store
	sinks   []Sink
	metrics *Metrics

	mu      sync.RWMutex
	clients map[string]*wsClient

	upgrader websocket.Upgrader
}

func NewEventHub(st *store.Store, metrics *Metrics, sinks ...Sink) *EventHub {
	return &EventHub{
		store:   st,
		sinks:   sinks,
		metrics: metrics,
		clients: make(map[string]*wsClient),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Record journals e and broadcasts it.
func (h *EventHub) Record(e store.Event) {
	if h.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := h.store.Record(ctx, e); err != nil {
			log.Warn(fmt.Sprintf("failed to journal %s event: %v", e.Kind, err), log.Fields{"kind": e.Kind})
		}
		cancel()
	}

	for _, s := range h.sinks {
		if err := s.Publish(e); err != nil {
			log.Debug(fmt.Sprintf("sink publish failed: %v", err), log.Fields{"kind": e.Kind})
		}
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- payload:
		default:
			log.Warn(fmt.Sprintf("websocket client %s too slow, dropping event", c.id))
		}
	}
}

// Recent returns journaled events, newest first.
func (h *EventHub) Recent(ctx context.Context, limit int) ([]store.Event, error) {
	if h.store == nil {
		return nil, nil
	}
	return h.store.Recent(ctx, limit)
}

// Counts returns the number of journaled events per kind.
func (h *EventHub) Counts(ctx context.Context) (map[string]int, error) {
	if h.store == nil {
		return nil, nil
	}
	return h.store.CountByKind(ctx)
}

// Clients is the number of connected websocket subscribers.
func (h *EventHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and streams events until the client leaves.
func (h *EventHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn(fmt.Sprintf("websocket upgrade failed: %v", err))
		return
	}

	c := &wsClient{id: uuid.New().String(), conn: conn, send: make(chan []byte, 64)}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.ClientConnected()
	}
	log.Info(fmt.Sprintf("websocket client connected: %s", c.id))

	go h.writePump(c)
	h.readPump(c)

	h.mu.Lock()
	delete(h.clients, c.id)
	close(c.send)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.ClientDisconnected()
	}
	log.Info(fmt.Sprintf("websocket client disconnected: %s", c.id))
}

// readPump discards inbound messages and returns when the connection dies.
func (h *EventHub) readPump(c *wsClient) {
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug(fmt.Sprintf("websocket error for %s: %v", c.id, err))
			}
			return
		}
	}
}

func (h *EventHub) writePump(c *wsClient) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
