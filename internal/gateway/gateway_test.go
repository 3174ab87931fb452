package gateway

import (
	"context"
	"encoding/json"
	"math"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ta-engine/internal/model"

	"github.com/gorilla/websocket"
)

var ts = time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC)

func rec(symbol, name string, v float64) model.IndicatorRecord {
	return model.IndicatorRecord{Name: name, Exchange: "NSE", Symbol: symbol, TF: 60, TS: ts, Value: v, Ready: !math.IsNaN(v)}
}

type envelope struct {
	Channel string                `json:"channel"`
	Data    model.IndicatorRecord `json:"data"`
	Seq     int64                 `json:"seq"`
	Initial bool                  `json:"initial"`
}

func TestAppendEnvelope(t *testing.T) {
	r := rec("SBIN", "SMA_20", 101.5)
	buf := appendEnvelope(nil, r.PubSubChannel(), r, 7, true)

	var env envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		t.Fatalf("envelope is not valid JSON: %v\nraw: %s", err, buf)
	}
	if env.Channel != "pub:ind:SMA_20:60s:NSE:SBIN" || env.Seq != 7 || !env.Initial {
		t.Errorf("envelope = %+v", env)
	}
	if env.Data.Value != 101.5 || env.Data.Symbol != "SBIN" {
		t.Errorf("data = %+v", env.Data)
	}

	// Warming records carry null.
	buf = appendEnvelope(nil, "c", rec("SBIN", "SMA_20", math.NaN()), 1, false)
	if !strings.Contains(string(buf), `"value":null`) || strings.Contains(string(buf), "initial") {
		t.Errorf("raw = %s", buf)
	}
}

func TestFilter_Match(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty matches all", Filter{}, true},
		{"series", Filter{Series: []string{"NSE:SBIN:60s"}}, true},
		{"other series", Filter{Series: []string{"NSE:INFY:60s"}}, false},
		{"name", Filter{Names: []string{"RSI_14", "SMA_20"}}, true},
		{"series and other name", Filter{Series: []string{"NSE:SBIN:60s"}, Names: []string{"RSI_14"}}, false},
	}
	r := rec("SBIN", "SMA_20", 1)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Match(r); got != tt.want {
				t.Errorf("Match = %v, want %v", got, tt.want)
			}
		})
	}
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return env
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients=%d, want %d", h.ClientCount(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHub_SnapshotAndLive(t *testing.T) {
	h := NewHub()
	h.Broadcast(rec("SBIN", "SMA_20", 100))
	h.Broadcast(rec("INFY", "SMA_20", 200))
	h.Broadcast(rec("SBIN", "RSI_14", math.NaN())) // not remembered

	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv, "?series=NSE:SBIN:60s")
	waitClients(t, h, 1)

	env := readEnvelope(t, conn)
	if !env.Initial || env.Data.Name != "SMA_20" || env.Data.Value != 100 {
		t.Fatalf("snapshot = %+v", env)
	}

	in := make(chan []model.IndicatorRecord, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx, in)

	in <- []model.IndicatorRecord{rec("INFY", "SMA_20", 201), rec("SBIN", "SMA_20", 101)}
	env = readEnvelope(t, conn)
	if env.Initial || env.Data.Symbol != "SBIN" || env.Data.Value != 101 {
		t.Errorf("live = %+v", env)
	}
}

func TestHub_SubscribeMessage(t *testing.T) {
	h := NewHub()
	h.Broadcast(rec("INFY", "EMA_9", 50))
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv, "?series=NSE:SBIN:60s")
	waitClients(t, h, 1)

	if err := conn.WriteJSON(map[string]any{"type": "subscribe", "series": []string{"NSE:INFY:60s"}}); err != nil {
		t.Fatal(err)
	}
	env := readEnvelope(t, conn)
	if !env.Initial || env.Data.Symbol != "INFY" {
		t.Errorf("after subscribe = %+v", env)
	}
}

func TestHub_DropsForSlowClient(t *testing.T) {
	h := NewHub()
	var drops int
	h.OnDrop = func() { drops++ }

	c := &Client{hub: h, send: make(chan []byte, 1)}
	h.clients[c] = struct{}{}
	h.Broadcast(rec("SBIN", "SMA_20", 1))
	h.Broadcast(rec("SBIN", "SMA_20", 2))
	if drops != 1 {
		t.Errorf("drops=%d, want 1", drops)
	}

	h.closeAll()
	if _, ok := <-c.send; !ok {
		t.Fatal("queued message lost")
	}
	if _, ok := <-c.send; ok {
		t.Error("send channel should be closed")
	}
}
