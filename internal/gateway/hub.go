// Package gateway pushes live indicator records to WebSocket clients.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"ta-engine/internal/model"

	"github.com/gorilla/websocket"
)

const clientBuffer = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type latestEntry struct {
	rec model.IndicatorRecord
	seq int64
}

// Hub fans indicator records out to connected clients. New clients first
// receive the latest ready value of every channel they match.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	latest  map[string]latestEntry
	seq     int64

	// OnDrop is called when a slow client misses a message (optional).
	OnDrop func()
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		latest:  make(map[string]latestEntry),
	}
}

// Run broadcasts record batches until ctx is cancelled or in is closed,
// then disconnects every client.
func (h *Hub) Run(ctx context.Context, in <-chan []model.IndicatorRecord) {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case recs, ok := <-in:
			if !ok {
				return
			}
			for _, r := range recs {
				h.Broadcast(r)
			}
		}
	}
}

// Broadcast sends one record to every client whose filter matches it.
// Only ready records are remembered for the initial snapshot.
func (h *Hub) Broadcast(r model.IndicatorRecord) {
	channel := r.PubSubChannel()

	h.mu.Lock()
	h.seq++
	seq := h.seq
	if r.Ready {
		h.latest[channel] = latestEntry{rec: r, seq: seq}
	}
	h.mu.Unlock()

	msg := appendEnvelope(nil, channel, r, seq, false)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.matches(r) {
			continue
		}
		c.enqueue(msg)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and registers a client. Query parameters
// series (EX:SYM:TFs) and name may repeat to narrow the subscription.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	q := r.URL.Query()
	c := newClient(h, conn, Filter{Series: q["series"], Names: q["name"]})

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	slog.Info("ws client connected", "remote", r.RemoteAddr, "clients", h.ClientCount())

	c.sendSnapshot()
	go c.writePump()
	go c.readPump()
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) drop() {
	if h.OnDrop != nil {
		h.OnDrop()
	}
}

// appendEnvelope builds {"channel":...,"data":...,"seq":N[,"initial":true]}
// by hand; records are the only payload so the format stays fixed.
func appendEnvelope(buf []byte, channel string, r model.IndicatorRecord, seq int64, initial bool) []byte {
	buf = append(buf, `{"channel":"`...)
	buf = append(buf, channel...)
	buf = append(buf, `","data":`...)
	buf = append(buf, r.JSON()...)
	buf = append(buf, `,"ts":"`...)
	buf = time.Now().UTC().AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	if initial {
		buf = append(buf, `,"initial":true`...)
	}
	return append(buf, '}')
}
