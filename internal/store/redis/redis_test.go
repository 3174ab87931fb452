package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"ta-engine/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

func TestParseStreamKey(t *testing.T) {
	key := model.SeriesKey{Exchange: "NSE", Symbol: "SBIN", TF: 300}
	got, err := ParseStreamKey(key.StreamKey())
	if err != nil || got != key {
		t.Fatalf("round trip: got %+v err=%v", got, err)
	}

	for _, bad := range []string{"ind:SMA_20:60s:NSE:SBIN", "bar:60:NSE:SBIN", "bar:xs:NSE:SBIN", "bar:0s:NSE:SBIN", "bar:60s:NSE"} {
		if _, err := ParseStreamKey(bad); err == nil {
			t.Errorf("ParseStreamKey(%q) accepted", bad)
		}
	}
}

func TestDecodeBar(t *testing.T) {
	ts := time.Date(2024, 3, 4, 9, 15, 0, 0, time.UTC)
	full := model.SeriesBar{
		SeriesKey: model.SeriesKey{Exchange: "NSE", Symbol: "SBIN", TF: 60},
		Bar:       model.Bar{TS: ts, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
	}

	tests := []struct {
		name    string
		stream  string
		values  map[string]interface{}
		want    model.SeriesKey
		wantErr bool
	}{
		{
			name:   "full payload",
			stream: "bar:60s:NSE:SBIN",
			values: map[string]interface{}{"data": string(full.JSON())},
			want:   full.SeriesKey,
		},
		{
			name:   "series from stream key",
			stream: "bar:300s:BSE:INFY",
			values: map[string]interface{}{"data": `{"ts":"2024-03-04T09:15:00Z","open":1,"high":2,"low":0.5,"close":1.5}`},
			want:   model.SeriesKey{Exchange: "BSE", Symbol: "INFY", TF: 300},
		},
		{name: "missing data", stream: "bar:60s:NSE:SBIN", values: map[string]interface{}{}, wantErr: true},
		{name: "bad json", stream: "bar:60s:NSE:SBIN", values: map[string]interface{}{"data": "{"}, wantErr: true},
		{name: "no timestamp", stream: "bar:60s:NSE:SBIN", values: map[string]interface{}{"data": `{"close":1}`}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sb, err := decodeBar(tt.stream, tt.values)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", sb)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if sb.SeriesKey != tt.want || !sb.TS.Equal(ts) || sb.Close != 1.5 {
				t.Errorf("decoded %+v", sb)
			}
		})
	}
}

func TestStreamMaxLen(t *testing.T) {
	tests := []struct {
		tf   int
		want int64
	}{
		{1, 10900},
		{60, 280},
		{300, 200},
		{0, 200},
	}
	for _, tt := range tests {
		if got := streamMaxLen(tt.tf); got != tt.want {
			t.Errorf("streamMaxLen(%d) = %d, want %d", tt.tf, got, tt.want)
		}
	}
}

func TestWriter_SkipsUnreadyRecords(t *testing.T) {
	// Nothing ready means no round trip, so an unreachable server is fine.
	client := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()
	w := newWriter(client, WriterConfig{})

	err := w.WriteRecords(context.Background(), []model.IndicatorRecord{{Name: "SMA_20", TF: 60}})
	if err != nil {
		t.Errorf("unready batch: %v", err)
	}
}

func TestWriter_BreakerOpensOnFailures(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	w := newWriter(client, WriterConfig{MaxFailures: 2, ResetTimeout: time.Minute})

	var dropped int
	w.OnDrop = func(n int) { dropped += n }

	recs := []model.IndicatorRecord{
		{Name: "SMA_20", Exchange: "NSE", Symbol: "SBIN", TF: 60, Value: 1, Ready: true},
		{Name: "RSI_14", Exchange: "NSE", Symbol: "SBIN", TF: 60, Value: 50, Ready: true},
	}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := w.WriteRecords(ctx, recs); err == nil || errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("attempt %d: err=%v, want connection error", i, err)
		}
	}
	if w.Breaker().CurrentState() != StateOpen {
		t.Fatalf("breaker state=%v", w.Breaker().CurrentState())
	}
	if err := w.WriteRecords(ctx, recs); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err=%v, want ErrCircuitOpen", err)
	}
	if dropped != 6 {
		t.Errorf("dropped=%d, want 6", dropped)
	}
}

func TestInWindow(t *testing.T) {
	base := time.Date(2024, 3, 4, 9, 15, 0, 0, time.UTC)
	tests := []struct {
		name     string
		ts       time.Time
		from, to time.Time
		want     bool
	}{
		{"unbounded", base, time.Time{}, time.Time{}, true},
		{"at from", base, base, time.Time{}, true},
		{"before from", base.Add(-time.Second), base, time.Time{}, false},
		{"at to is excluded", base, time.Time{}, base, false},
		{"inside", base, base.Add(-time.Minute), base.Add(time.Minute), true},
	}
	for _, tt := range tests {
		if got := inWindow(tt.ts, tt.from, tt.to); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}
