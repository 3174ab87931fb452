// cmd/tickserver is a demo WebSocket tick server. It broadcasts random-walk
// ticks for the configured symbols so mdengine and the indicator engine can
// run without a market data vendor.
//
// Tick JSON shape matches what the feed client decodes:
//
//	{"type":"tick","exchange":"NSE","symbol":"SBIN","price":812.35,"qty":10,"bid":812.3,"ask":812.4,"tick_ts":"..."}
//
// Config (env vars): TICK_SERVER_ADDR (default ":9001"), SYMBOLS
// (default "NSE:SBIN"), TICK_INTERVAL (default 100ms).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"ta-engine/config"
	"ta-engine/internal/logger"
	"ta-engine/internal/model"

	"github.com/gorilla/websocket"
)

type tickMsg struct {
	Type string `json:"type"`
	model.Tick
}

// ─── Hub ──────────────────────────────────────────────────────────────────────

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]chan []byte)}
}

func (h *hub) register(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *hub) broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default: // slow client, drop tick
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("upgrade failed", "error", err)
			return
		}
		slog.Info("client connected", "remote", r.RemoteAddr)

		ch := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			slog.Info("client disconnected", "remote", r.RemoteAddr)
		}()

		// Reads only detect the peer going away.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					h.unregister(conn)
					return
				}
			}
		}()

		for msg := range ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// ─── Tick generator ──────────────────────────────────────────────────────────

type instrument struct {
	config.Instrument
	price float64
}

type generator struct {
	rng         *rand.Rand
	instruments []instrument
}

func newGenerator(ins []config.Instrument, seed int64) *generator {
	g := &generator{rng: rand.New(rand.NewSource(seed))}
	for _, in := range ins {
		g.instruments = append(g.instruments, instrument{Instrument: in, price: 100 + g.rng.Float64()*900})
	}
	return g
}

// next walks every price by up to ±0.1% and returns one tick per
// instrument, prices rounded to the 0.05 tick size.
func (g *generator) next(now time.Time) []model.Tick {
	ticks := make([]model.Tick, len(g.instruments))
	for i := range g.instruments {
		in := &g.instruments[i]
		in.price *= 1 + (g.rng.Float64()*0.2-0.1)/100
		if in.price < 1 {
			in.price = 1
		}
		px := roundTick(in.price)
		ticks[i] = model.Tick{
			Exchange: in.Exchange,
			Symbol:   in.Symbol,
			Price:    px,
			Qty:      float64(g.rng.Intn(100) + 1),
			Bid:      roundTick(px - 0.05),
			Ask:      roundTick(px + 0.05),
			TickTS:   now.UTC(),
		}
	}
	return ticks
}

func roundTick(p float64) float64 { return math.Round(p*20) / 20 }

func runGenerator(ctx context.Context, h *hub, g *generator, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, t := range g.next(now) {
				b, err := json.Marshal(tickMsg{Type: "tick", Tick: t})
				if err != nil {
					continue
				}
				h.broadcast(b)
			}
		}
	}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	cfg := config.Load(".env")
	logger.Init("tickserver", logger.ParseLevel(cfg.LogLevel))

	if cfg.Symbols == "" {
		cfg.Symbols = "NSE:SBIN"
	}
	instruments := cfg.ParseSymbols()
	if len(instruments) == 0 {
		slog.Error("no instruments configured via SYMBOLS")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	h := newHub()
	go runGenerator(ctx, h, newGenerator(instruments, time.Now().UnixNano()), cfg.TickInterval)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler(h))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"tickserver","clients":%d}`+"\n", h.count())
	})
	srv := &http.Server{Addr: cfg.TickServerAddr, Handler: mux}

	go func() {
		<-ctx.Done()
		stopCtx, stop := context.WithTimeout(context.Background(), 3*time.Second)
		defer stop()
		srv.Shutdown(stopCtx)
	}()

	slog.Info("listening", "addr", cfg.TickServerAddr, "instruments", len(instruments), "interval", cfg.TickInterval)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
