package gateway

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"ta-engine/internal/model"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Filter selects the records a client receives. Empty lists match all.
type Filter struct {
	Series []string `json:"series"` // "NSE:SBIN:60s"
	Names  []string `json:"names"`  // "SMA_20", "FRACTAL_2.upper"
}

// Match reports whether r passes the filter.
func (f Filter) Match(r model.IndicatorRecord) bool {
	return contains(f.Series, r.Series().String()) && contains(f.Names, r.Name)
}

func contains(list []string, s string) bool {
	if len(list) == 0 {
		return true
	}
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Client is one WebSocket peer.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	filter Filter
}

func newClient(h *Hub, conn *websocket.Conn, f Filter) *Client {
	return &Client{hub: h, conn: conn, send: make(chan []byte, clientBuffer), filter: f}
}

func (c *Client) matches(r model.IndicatorRecord) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter.Match(r)
}

// enqueue must be called with hub.mu held so send cannot be closed
// underneath it.
func (c *Client) enqueue(msg []byte) {
	select {
	case c.send <- msg:
	default:
		c.hub.drop()
	}
}

// sendSnapshot queues the latest ready record of every matching channel,
// oldest sequence first.
func (c *Client) sendSnapshot() {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}

	entries := make([]latestEntry, 0, len(c.hub.latest))
	for _, e := range c.hub.latest {
		if c.matches(e.rec) {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	for _, e := range entries {
		c.enqueue(appendEnvelope(nil, e.rec.PubSubChannel(), e.rec, e.seq, true))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
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

// clientMsg is what clients may send: a subscription change or a ping.
type clientMsg struct {
	Type   string   `json:"type"`
	Series []string `json:"series"`
	Names  []string `json:"names"`
	Ping   int64    `json:"ping"`
}

func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMsg
		if json.Unmarshal(raw, &msg) != nil {
			continue
		}
		switch {
		case msg.Type == "subscribe":
			c.mu.Lock()
			c.filter = Filter{Series: msg.Series, Names: msg.Names}
			c.mu.Unlock()
			c.sendSnapshot()
		case msg.Ping > 0:
			pong, _ := json.Marshal(map[string]any{
				"type":      "pong",
				"ping":      msg.Ping,
				"server_ts": time.Now().UnixMilli(),
			})
			c.hub.mu.RLock()
			if _, ok := c.hub.clients[c]; ok {
				c.enqueue(pong)
			}
			c.hub.mu.RUnlock()
		}
	}
}
