package notification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestWebhookNotifier(t *testing.T) {
	var got Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("method=%s content-type=%s", r.Method, r.Header.Get("Content-Type"))
		}
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	a := Alert{Level: LevelCritical, Title: "redis breaker open", Message: "5 failures", Service: "indengine"}
	if err := NewWebhookNotifier(srv.URL).Send(context.Background(), a); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Level != LevelCritical || got.Title != a.Title || got.Service != "indengine" {
		t.Errorf("received %+v", got)
	}
}

func TestWebhookNotifier_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	err := NewWebhookNotifier(srv.URL).Send(context.Background(), Alert{Title: "x"})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("err=%v", err)
	}
}

func TestTelegramNotifier(t *testing.T) {
	var path string
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &body)
	}))
	defer srv.Close()

	tg := NewTelegramNotifier("TOKEN", "42")
	tg.apiBase = srv.URL
	if err := tg.Send(context.Background(), Alert{Level: LevelWarning, Title: "feed down", Message: "ws://x.y"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if path != "/botTOKEN/sendMessage" || body["chat_id"] != "42" || body["parse_mode"] != "MarkdownV2" {
		t.Errorf("path=%s body=%v", path, body)
	}
	if !strings.Contains(body["text"], `ws://x\.y`) {
		t.Errorf("text not escaped: %q", body["text"])
	}
}

func TestEscapeMarkdown(t *testing.T) {
	if got := escapeMarkdown("SMA_20 (1.5)!"); got != `SMA\_20 \(1\.5\)\!` {
		t.Errorf("escapeMarkdown = %s", got)
	}
}

type recorder struct {
	alerts chan Alert
	err    error
}

func (r *recorder) Send(_ context.Context, a Alert) error {
	r.alerts <- a
	return r.err
}

func TestMulti_JoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	a := &recorder{alerts: make(chan Alert, 1)}
	b := &recorder{alerts: make(chan Alert, 1), err: boom}
	err := Multi{a, b, LogNotifier{}}.Send(context.Background(), Alert{Title: "t"})
	if !errors.Is(err, boom) {
		t.Errorf("err=%v", err)
	}
	if len(a.alerts) != 1 || len(b.alerts) != 1 {
		t.Error("every notifier should receive the alert")
	}
}

func TestDispatcher(t *testing.T) {
	rec := &recorder{alerts: make(chan Alert, 1)}
	d := NewDispatcher(rec, "indengine", 1)

	if !d.Notify(LevelInfo, "reload", "2 created") {
		t.Fatal("first alert rejected")
	}
	if d.Notify(LevelInfo, "reload", "again") {
		t.Error("queue of one should reject the second alert")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	select {
	case a := <-rec.alerts:
		if a.Service != "indengine" || a.Title != "reload" || a.TS.IsZero() || len(a.ID) != 36 {
			t.Errorf("alert = %+v", a)
		}
	case <-time.After(time.Second):
		t.Fatal("alert not delivered")
	}
}
