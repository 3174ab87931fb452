package sqlite

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"ta-engine/internal/model"
)

var (
	testKey = model.SeriesKey{Exchange: "NSE", Symbol: "SBIN", TF: 60}
	base    = time.Date(2024, 3, 4, 9, 15, 0, 0, time.UTC)
)

func seriesBars(key model.SeriesKey, closes ...float64) []model.SeriesBar {
	out := make([]model.SeriesBar, len(closes))
	for i, c := range closes {
		out[i] = model.SeriesBar{SeriesKey: key, Bar: model.Bar{
			TS:   base.Add(time.Duration(i*key.TF) * time.Second),
			Open: c, High: c + 1, Low: c - 1, Close: c,
			Volume: 100, Trades: int64(i + 1),
		}}
	}
	return out
}

func openStore(t *testing.T) (*Writer, *Reader) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bars.db")
	w, err := New(WriterConfig{DBPath: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return w, r
}

func TestWriteAndReadBars(t *testing.T) {
	w, r := openStore(t)
	ctx := context.Background()

	if err := w.WriteBars(ctx, seriesBars(testKey, 10, 11, 12, 13, 14)); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}
	other := model.SeriesKey{Exchange: "NSE", Symbol: "INFY", TF: 60}
	if err := w.WriteBars(ctx, seriesBars(other, 500)); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	all, err := r.ReadBars(ctx, testKey, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("got %d bars, want 5", len(all))
	}
	if all[0].Close != 10 || all[4].Close != 14 || all[4].Trades != 5 {
		t.Errorf("unexpected bars: first=%+v last=%+v", all[0], all[4])
	}
	if !all[2].TS.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("ts=%v", all[2].TS)
	}

	window, err := r.ReadBars(ctx, testKey, base.Add(time.Minute), base.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("ReadBars window: %v", err)
	}
	if len(window) != 2 || window[0].Close != 11 {
		t.Errorf("window = %+v", window)
	}
}

func TestLastBars(t *testing.T) {
	w, r := openStore(t)
	ctx := context.Background()
	if err := w.WriteBars(ctx, seriesBars(testKey, 1, 2, 3, 4, 5)); err != nil {
		t.Fatal(err)
	}

	last, err := r.LastBars(ctx, testKey, 3)
	if err != nil {
		t.Fatalf("LastBars: %v", err)
	}
	if len(last) != 3 || last[0].Close != 3 || last[2].Close != 5 {
		t.Errorf("LastBars = %+v", last)
	}

	none, err := r.LastBars(ctx, model.SeriesKey{Exchange: "NSE", Symbol: "NONE", TF: 60}, 3)
	if err != nil || len(none) != 0 {
		t.Errorf("unknown series: %d bars, err=%v", len(none), err)
	}
}

func TestWriteBars_Upsert(t *testing.T) {
	w, r := openStore(t)
	ctx := context.Background()
	bars := seriesBars(testKey, 1, 2)
	if err := w.WriteBars(ctx, bars); err != nil {
		t.Fatal(err)
	}
	bars[1].Close = 42
	if err := w.WriteBars(ctx, bars[1:]); err != nil {
		t.Fatal(err)
	}
	got, err := r.ReadBars(ctx, testKey, time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1].Close != 42 {
		t.Errorf("after upsert: %+v", got)
	}
}

func TestListSeries(t *testing.T) {
	w, r := openStore(t)
	ctx := context.Background()
	five := model.SeriesKey{Exchange: "NSE", Symbol: "SBIN", TF: 300}
	w.WriteBars(ctx, seriesBars(testKey, 1))
	w.WriteBars(ctx, seriesBars(five, 1))

	all, err := r.ListSeries(ctx, 0)
	if err != nil || len(all) != 2 {
		t.Fatalf("ListSeries(0) = %v, err=%v", all, err)
	}
	only, err := r.ListSeries(ctx, 300)
	if err != nil || len(only) != 1 || only[0] != five {
		t.Errorf("ListSeries(300) = %v, err=%v", only, err)
	}
}

func TestWriteRecords(t *testing.T) {
	var commits int
	path := filepath.Join(t.TempDir(), "bars.db")
	w, err := New(WriterConfig{DBPath: path, OnCommit: func(time.Duration) { commits++ }})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	recs := []model.IndicatorRecord{
		{Name: "SMA_20", Exchange: "NSE", Symbol: "SBIN", TF: 60, TS: base, Value: math.NaN()},
		{Name: "SMA_20", Exchange: "NSE", Symbol: "SBIN", TF: 60, TS: base.Add(time.Minute), Value: 101.5, Ready: true},
	}
	if err := w.WriteRecords(context.Background(), recs); err != nil {
		t.Fatalf("WriteRecords: %v", err)
	}
	if commits != 1 {
		t.Errorf("commits=%d, want 1", commits)
	}

	var nulls, ready int
	row := w.DB().QueryRow(`SELECT
		SUM(CASE WHEN value IS NULL THEN 1 ELSE 0 END),
		SUM(ready)
		FROM indicator_results`)
	if err := row.Scan(&nulls, &ready); err != nil {
		t.Fatal(err)
	}
	if nulls != 1 || ready != 1 {
		t.Errorf("nulls=%d ready=%d, want 1/1", nulls, ready)
	}
}

func TestRunRecords_FlushOnClose(t *testing.T) {
	w, _ := openStore(t)
	ch := make(chan []model.IndicatorRecord, 3)
	for i := 0; i < 3; i++ {
		ch <- []model.IndicatorRecord{{Name: "RSI_14", Exchange: "NSE", Symbol: "SBIN", TF: 60,
			TS: base.Add(time.Duration(i) * time.Minute), Value: 50, Ready: true}}
	}
	close(ch)
	w.RunRecords(context.Background(), ch)

	var n int
	if err := w.DB().QueryRow(`SELECT COUNT(*) FROM indicator_results`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("rows=%d, want 3", n)
	}
}

func TestRunBars_FlushOnCancel(t *testing.T) {
	w, r := openStore(t)
	ch := make(chan []model.SeriesBar, 1)
	ch <- seriesBars(testKey, 1, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.RunBars(ctx, ch)
		close(done)
	}()
	// Give the loop a chance to pick up the batch before cancelling.
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	got, err := r.LastBars(context.Background(), testKey, 10)
	if err != nil || len(got) != 2 {
		t.Errorf("stored %d bars, err=%v", len(got), err)
	}
}
