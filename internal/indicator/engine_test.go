package indicator

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"ta-engine/internal/model"
)

var (
	keyA = model.SeriesKey{Exchange: "NSE", Symbol: "SBIN", TF: 60}
	keyB = model.SeriesKey{Exchange: "NSE", Symbol: "INFY", TF: 60}
)

func mustSpecs(t *testing.T, s string) []Spec {
	t.Helper()
	specs, err := ParseSpecs(s)
	if err != nil {
		t.Fatalf("ParseSpecs(%q): %v", s, err)
	}
	return specs
}

func mustEngine(t *testing.T, s string) *Engine {
	t.Helper()
	e, err := NewEngine(mustSpecs(t, s))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func feed(t *testing.T, e *Engine, key model.SeriesKey, bars []model.Bar) []model.IndicatorRecord {
	t.Helper()
	var last []model.IndicatorRecord
	for _, b := range bars {
		recs, err := e.Process(model.SeriesBar{SeriesKey: key, Bar: b})
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		last = recs
	}
	return last
}

func TestEngine_SMA20(t *testing.T) {
	e := mustEngine(t, "SMA:20")
	vs := make([]float64, 25)
	for i := range vs {
		vs[i] = 100
	}
	for i, b := range closes(vs...) {
		recs, err := e.Process(model.SeriesBar{SeriesKey: keyA, Bar: b})
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) != 1 {
			t.Fatalf("bar %d: expected 1 record, got %d", i+1, len(recs))
		}
		r := recs[0]
		if r.Name != "SMA_20" || r.Symbol != "SBIN" || r.TF != 60 || !r.TS.Equal(b.TS) {
			t.Errorf("bar %d: unexpected record %+v", i+1, r)
		}
		if wantReady := i >= 19; r.Ready != wantReady {
			t.Errorf("bar %d: Ready=%v, want %v", i+1, r.Ready, wantReady)
		}
		if r.Ready {
			assertClose(t, "SMA_20", r.Value, 100, 1e-9)
		} else if !math.IsNaN(r.Value) {
			t.Errorf("bar %d: warming record should carry NaN, got %v", i+1, r.Value)
		}
	}
}

func TestEngine_MultiFieldNames(t *testing.T) {
	e := mustEngine(t, "FRACTAL:2,BBANDS:3/2,RSI:3")
	recs := feed(t, e, keyA, closes(1, 2, 3))
	want := []string{
		"FRACTAL_2.upper", "FRACTAL_2.lower",
		"BBANDS_3_2.upper", "BBANDS_3_2.middle", "BBANDS_3_2.lower",
		"RSI_3",
	}
	if len(recs) != len(want) {
		t.Fatalf("got %d records, want %d", len(recs), len(want))
	}
	for i, r := range recs {
		if r.Name != want[i] {
			t.Errorf("record %d: name=%s, want %s", i, r.Name, want[i])
		}
	}
	if !recs[3].Ready {
		t.Error("BBANDS middle should be ready after 3 bars")
	}
}

func TestEngine_SeriesAreIndependent(t *testing.T) {
	e := mustEngine(t, "SMA:2")
	feed(t, e, keyA, closes(10, 20))
	recs := feed(t, e, keyB, closes(1000))
	if recs[0].Ready {
		t.Error("first bar of a new series must not be ready")
	}
	recs = feed(t, e, keyA, closes(30)[:1])
	assertClose(t, "series A", recs[0].Value, 25, 1e-9)

	if got := e.Series(); len(got) != 2 || got[0] != keyB || got[1] != keyA {
		t.Errorf("Series() = %v", got)
	}
}

func TestEngine_StrictOrder(t *testing.T) {
	e := mustEngine(t, "SMA:2")
	e.StrictOrder = true
	bars := closes(10, 20, 30)
	feed(t, e, keyA, bars[:2])

	for _, bad := range []model.Bar{bars[1], bars[0]} {
		_, err := e.Process(model.SeriesBar{SeriesKey: keyA, Bar: bad})
		if !errors.Is(err, ErrOutOfOrder) {
			t.Fatalf("err=%v, want ErrOutOfOrder", err)
		}
	}
	if st := e.SeriesState(keyA); st["SMA_2"] != Warmed {
		t.Errorf("state=%v", st)
	}

	// Rejected bars left the window alone: (20+30)/2.
	recs := feed(t, e, keyA, bars[2:])
	assertClose(t, "after rejects", recs[0].Value, 25, 1e-9)

	// Ordering is per series.
	if _, err := e.Process(model.SeriesBar{SeriesKey: keyB, Bar: bars[0]}); err != nil {
		t.Errorf("other series: %v", err)
	}
}

func TestEngine_LenientOrderByDefault(t *testing.T) {
	e := mustEngine(t, "SMA:2")
	bars := closes(10, 20)
	feed(t, e, keyA, bars)
	if _, err := e.Process(model.SeriesBar{SeriesKey: keyA, Bar: bars[0]}); err != nil {
		t.Errorf("non-strict engine rejected bar: %v", err)
	}
}

func TestEngine_ResetSeries(t *testing.T) {
	e := mustEngine(t, "SMA:2")
	e.StrictOrder = true
	bars := closes(10, 20)
	feed(t, e, keyA, bars)

	if !e.ResetSeries(keyA) {
		t.Fatal("ResetSeries on known series returned false")
	}
	if e.ResetSeries(keyB) {
		t.Error("ResetSeries on unknown series returned true")
	}
	if st := e.SeriesState(keyA); st["SMA_2"] != Fresh {
		t.Errorf("state after reset = %v", st)
	}
	// Ordering restarts too: replaying from the first bar is allowed.
	recs := feed(t, e, keyA, bars)
	assertClose(t, "replayed", recs[0].Value, 15, 1e-9)
}

func TestEngine_Reload(t *testing.T) {
	e := mustEngine(t, "SMA:3,EMA:3")
	feed(t, e, keyA, closes(1, 2, 3))
	feed(t, e, keyB, closes(4, 5, 6))

	preserved, created, err := e.Reload(mustSpecs(t, "SMA:3,RSI:3"))
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if preserved != 2 || created != 2 {
		t.Errorf("preserved=%d created=%d, want 2/2", preserved, created)
	}

	st := e.SeriesState(keyA)
	if st["SMA_3"] != Warmed {
		t.Errorf("SMA_3 lost its state: %s", st["SMA_3"])
	}
	if st["RSI_3"] != Fresh {
		t.Errorf("RSI_3 should start fresh: %s", st["RSI_3"])
	}
	if _, ok := st["EMA_3"]; ok {
		t.Error("EMA_3 should be dropped")
	}

	recs := feed(t, e, keyA, closes(4))
	if recs[0].Name != "SMA_3" || !recs[0].Ready {
		t.Errorf("first record after reload: %+v", recs[0])
	}
	assertClose(t, "SMA_3", recs[0].Value, 3, 1e-9)
}

func TestEngine_ReloadUnchanged(t *testing.T) {
	e := mustEngine(t, "SMA:3")
	feed(t, e, keyA, closes(1, 2, 3))
	preserved, created, err := e.Reload(mustSpecs(t, "SMA:3@close"))
	if err != nil || preserved != 1 || created != 0 {
		t.Errorf("preserved=%d created=%d err=%v", preserved, created, err)
	}
}

func TestEngine_ReloadInvalidKeepsState(t *testing.T) {
	e := mustEngine(t, "SMA:3")
	feed(t, e, keyA, closes(1, 2, 3))
	if _, _, err := e.Reload(mustSpecs(t, "SMA:0")); !errors.Is(err, ErrInvalidParam) {
		t.Fatalf("err=%v, want ErrInvalidParam", err)
	}
	if labels := e.Labels(); len(labels) != 1 || labels[0] != "SMA_3" {
		t.Errorf("labels changed: %v", labels)
	}
}

func TestEngine_MaxWarmup(t *testing.T) {
	e := mustEngine(t, "SMA:20,AO,RSI:14,FRACTAL:2")
	if got := e.MaxWarmup(); got != 34 {
		t.Errorf("MaxWarmup=%d, want 34", got)
	}
}

func TestNewEngine_Invalid(t *testing.T) {
	if _, err := NewEngine([]Spec{{Type: "SMA"}, {Type: "SMA", Args: []float64{20}}}); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("duplicate specs: err=%v", err)
	}
}

func TestEngine_Run(t *testing.T) {
	e := mustEngine(t, "SMA:2")
	in := make(chan model.SeriesBar, 4)
	out := make(chan model.IndicatorRecord, 4)
	for _, b := range closes(1, 2) {
		in <- model.SeriesBar{SeriesKey: keyA, Bar: b}
	}
	close(in)

	e.Run(context.Background(), in, out)
	close(out)

	var got []model.IndicatorRecord
	for r := range out {
		got = append(got, r)
	}
	if len(got) != 2 || !got[1].Ready {
		t.Fatalf("records = %+v", got)
	}
	assertClose(t, "SMA_2", got[1].Value, 1.5, 1e-9)
}

func TestEngine_RunStopsOnCancel(t *testing.T) {
	e := mustEngine(t, "SMA:2")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx, make(chan model.SeriesBar), make(chan model.IndicatorRecord))
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

type fakeHistory map[model.SeriesKey][]model.Bar

func (f fakeHistory) LastBars(_ context.Context, key model.SeriesKey, n int) ([]model.Bar, error) {
	bars, ok := f[key]
	if !ok {
		return nil, errors.New("no such series")
	}
	if len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	return bars, nil
}

func TestBackfill(t *testing.T) {
	e := mustEngine(t, "SMA:3")
	hist := fakeHistory{keyA: closes(1, 2, 3, 4, 5)}

	var records int
	n := Backfill(context.Background(), e, hist, []model.SeriesKey{keyA, keyB}, func(rs []model.IndicatorRecord) {
		records += len(rs)
	})
	if n != 3 || records != 3 {
		t.Errorf("replayed=%d records=%d, want 3/3", n, records)
	}
	if st := e.SeriesState(keyA); st["SMA_3"] != Warmed {
		t.Errorf("series not warmed: %v", st)
	}

	recs := feed(t, e, keyA, []model.Bar{hlc(10, 6, 6, 6)})
	assertClose(t, "after backfill", recs[0].Value, 5, 1e-9)
}
