// Package ws is a WebSocket market data client. It reads JSON bar and tick
// messages from a feed server and reconnects with exponential backoff.
//
// Wire format, one JSON object per message:
//
//	{"type":"bar","exchange":"NSE","symbol":"SBIN","tf":60,"ts":"...","open":1,"high":2,"low":0.5,"close":1.5,"volume":10}
//	{"type":"tick","exchange":"NSE","symbol":"SBIN","price":1.5,"qty":10,"tick_ts":"..."}
//
// A message without a type is treated as a bar.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"ta-engine/internal/model"

	"github.com/gorilla/websocket"
)

// Config holds configuration for the feed client.
type Config struct {
	// URL of the feed server, e.g. "ws://localhost:9001/ws".
	URL string

	// ReconnectDelay is the initial delay before reconnecting. Default 2s.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Default 30s.
	MaxReconnectDelay time.Duration

	// Subscribe, if non-empty, is sent once after every connect.
	Subscribe []byte
}

func (c *Config) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
}

// Feed streams bars and ticks from a WebSocket server.
type Feed struct {
	cfg Config

	// Optional hooks.
	OnConnect   func(connected bool)
	OnReconnect func()
	OnDrop      func(kind string) // a message was dropped because its channel was full
}

// New creates a Feed. Returns an error if the URL is not a ws(s) URL.
func New(cfg Config) (*Feed, error) {
	cfg.defaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("ws feed url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("ws feed url: unsupported scheme %q", u.Scheme)
	}
	return &Feed{cfg: cfg}, nil
}

type message struct {
	Type string `json:"type"`
	model.SeriesBar
	Price  float64   `json:"price"`
	Qty    float64   `json:"qty"`
	TickTS time.Time `json:"tick_ts"`
}

var errNoSeries = errors.New("message without exchange or symbol")

// decode parses one wire message into either a bar or a tick.
func decode(raw []byte) (bar *model.SeriesBar, tick *model.Tick, err error) {
	var m message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nil, err
	}
	if m.Exchange == "" || m.Symbol == "" {
		return nil, nil, errNoSeries
	}
	switch m.Type {
	case "", "bar":
		if m.TF <= 0 || m.TS.IsZero() {
			return nil, nil, errors.New("bar without timeframe or timestamp")
		}
		return &m.SeriesBar, nil, nil
	case "tick":
		if m.TickTS.IsZero() {
			return nil, nil, errors.New("tick without timestamp")
		}
		return nil, &model.Tick{
			Exchange: m.Exchange, Symbol: m.Symbol,
			Price: m.Price, Qty: m.Qty, Bid: m.Bid, Ask: m.Ask,
			TickTS: m.TickTS,
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown message type %q", m.Type)
	}
}

// Start connects and streams messages into bars and ticks until ctx is
// cancelled, reconnecting on every disconnect. Either channel may be nil,
// in which case that message kind is discarded.
func (f *Feed) Start(ctx context.Context, bars chan<- model.SeriesBar, ticks chan<- model.Tick) error {
	delay := f.cfg.ReconnectDelay

	for {
		if ctx.Err() != nil {
			return nil
		}

		connected, err := f.runOnce(ctx, bars, ticks)
		if err == nil {
			return nil
		}
		if connected {
			delay = f.cfg.ReconnectDelay
		}

		slog.Warn("ws feed disconnected", "url", f.cfg.URL, "error", err, "retry_in", delay)
		if f.OnReconnect != nil {
			f.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > f.cfg.MaxReconnectDelay {
			delay = f.cfg.MaxReconnectDelay
		}
	}
}

// runOnce makes one connection and reads until disconnect or ctx cancel.
// A nil error means ctx was cancelled.
func (f *Feed) runOnce(ctx context.Context, bars chan<- model.SeriesBar, ticks chan<- model.Tick) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, err
	}
	defer conn.Close()

	slog.Info("ws feed connected", "url", f.cfg.URL)
	f.setConnected(true)
	defer f.setConnected(false)

	if len(f.cfg.Subscribe) > 0 {
		if err := conn.WriteMessage(websocket.TextMessage, f.cfg.Subscribe); err != nil {
			return true, fmt.Errorf("ws subscribe: %w", err)
		}
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, err
		}

		bar, tick, err := decode(raw)
		if err != nil {
			slog.Warn("ws feed bad message", "error", err, "raw", string(raw))
			continue
		}
		switch {
		case bar != nil && bars != nil:
			select {
			case bars <- *bar:
			default:
				f.drop("bar")
			}
		case tick != nil && ticks != nil:
			select {
			case ticks <- *tick:
			default:
				f.drop("tick")
			}
		}
	}
}

func (f *Feed) setConnected(ok bool) {
	if f.OnConnect != nil {
		f.OnConnect(ok)
	}
}

func (f *Feed) drop(kind string) {
	if f.OnDrop != nil {
		f.OnDrop(kind)
		return
	}
	slog.Warn("ws feed channel full, dropping message", "kind", kind)
}
