package replay

import (
	"context"
	"errors"
	"testing"
	"time"

	"ta-engine/internal/model"
)

var t0 = time.Date(2024, 3, 4, 9, 15, 0, 0, time.UTC)

type memSource map[model.SeriesKey][]model.Bar

func (m memSource) ReadBars(_ context.Context, key model.SeriesKey, from, to time.Time) ([]model.Bar, error) {
	var out []model.Bar
	for _, b := range m[key] {
		if b.TS.Before(from) || (!to.IsZero() && !b.TS.Before(to)) {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func bars(step time.Duration, closes ...float64) []model.Bar {
	out := make([]model.Bar, len(closes))
	for i, c := range closes {
		out[i] = model.Bar{TS: t0.Add(time.Duration(i) * step), Open: c, High: c, Low: c, Close: c}
	}
	return out
}

var (
	oneMin  = model.SeriesKey{Exchange: "NSE", Symbol: "SBIN", TF: 60}
	fiveMin = model.SeriesKey{Exchange: "NSE", Symbol: "SBIN", TF: 300}
)

func TestLoad_MergesByTime(t *testing.T) {
	src := memSource{
		oneMin:  bars(time.Minute, 1, 2, 3, 4, 5, 6),
		fiveMin: bars(5*time.Minute, 10, 20),
	}
	got, err := New(src).Load(context.Background(), []model.SeriesKey{fiveMin, oneMin}, time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 8 {
		t.Fatalf("got %d bars, want 8", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].TS.Before(got[i-1].TS) {
			t.Fatalf("bar %d out of order", i)
		}
	}
	// Equal timestamps keep key order: the 5m bar first.
	if got[0].TF != 300 || got[1].TF != 60 {
		t.Errorf("tie order = %d,%d", got[0].TF, got[1].TF)
	}
}

func TestLoad_FromFilter(t *testing.T) {
	src := memSource{oneMin: bars(time.Minute, 1, 2, 3)}
	got, err := New(src).Load(context.Background(), []model.SeriesKey{oneMin}, t0.Add(time.Minute), time.Time{})
	if err != nil || len(got) != 2 || got[0].Close != 2 {
		t.Errorf("got %+v err=%v", got, err)
	}
}

type errSource struct{}

func (errSource) ReadBars(context.Context, model.SeriesKey, time.Time, time.Time) ([]model.Bar, error) {
	return nil, errors.New("boom")
}

func TestLoad_SourceError(t *testing.T) {
	if _, err := New(errSource{}).Load(context.Background(), []model.SeriesKey{oneMin}, time.Time{}, time.Time{}); err == nil {
		t.Error("expected error")
	}
}

func TestPlay_FastAsPossible(t *testing.T) {
	src := memSource{oneMin: bars(time.Hour, 1, 2, 3)}
	out := make(chan model.SeriesBar, 3)

	start := time.Now()
	n, err := New(src).Run(context.Background(), []model.SeriesKey{oneMin}, time.Time{}, 0, out)
	if err != nil || n != 3 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if time.Since(start) > time.Second {
		t.Error("speed 0 should not sleep")
	}
}

func TestPlay_SpeedScalesGaps(t *testing.T) {
	in := []model.SeriesBar{
		{SeriesKey: oneMin, Bar: model.Bar{TS: t0}},
		{SeriesKey: oneMin, Bar: model.Bar{TS: t0.Add(time.Second)}},
	}
	out := make(chan model.SeriesBar, 2)
	start := time.Now()
	if _, err := Play(context.Background(), in, 20, out); err != nil {
		t.Fatal(err)
	}
	if el := time.Since(start); el < 40*time.Millisecond {
		t.Errorf("elapsed %v, expected about 50ms", el)
	}
}

func TestPlay_Cancel(t *testing.T) {
	in := []model.SeriesBar{{SeriesKey: oneMin, Bar: model.Bar{TS: t0}}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := Play(ctx, in, 0, make(chan model.SeriesBar))
	if !errors.Is(err, context.Canceled) || n != 0 {
		t.Errorf("n=%d err=%v", n, err)
	}
}
