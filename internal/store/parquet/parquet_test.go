package parquet

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"ta-engine/internal/model"
)

var base = time.Date(2024, 3, 4, 9, 15, 0, 0, time.UTC)

func TestBars_RoundTrip(t *testing.T) {
	bars := []model.Bar{
		{TS: base.Add(time.Minute), Open: 2, High: 3, Low: 1, Close: 2.5, Volume: 7.5},
		{TS: base, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10, VWAP: 1.2, Trades: 4, Bid: 1.4, Ask: 1.6},
	}
	path := filepath.Join(t.TempDir(), FileName(model.SeriesKey{Exchange: "NSE", Symbol: "SBIN", TF: 60}))
	if err := WriteBars(path, bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	got, err := ReadBars(path)
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d bars", len(got))
	}
	// Sorted oldest first on read.
	for i, want := range []model.Bar{bars[1], bars[0]} {
		if !sameBar(got[i], want) {
			t.Errorf("bar %d:\n got  %+v\n want %+v", i, got[i], want)
		}
	}
}

func sameBar(a, b model.Bar) bool {
	if !a.TS.Equal(b.TS) {
		return false
	}
	a.TS, b.TS = time.Time{}, time.Time{}
	return a == b
}

func TestFileName(t *testing.T) {
	if got := FileName(model.SeriesKey{Exchange: "NSE", Symbol: "SBIN", TF: 300}); got != "NSE_SBIN_300s.parquet" {
		t.Errorf("FileName = %s", got)
	}
}

func TestRecords_RoundTrip(t *testing.T) {
	recs := []model.IndicatorRecord{
		{Name: "SMA_2", Exchange: "NSE", Symbol: "SBIN", TF: 60, TS: base, Value: math.NaN()},
		{Name: "SMA_2", Exchange: "NSE", Symbol: "SBIN", TF: 60, TS: base.Add(time.Minute), Value: 1.25, Ready: true},
	}
	path := filepath.Join(t.TempDir(), "records.parquet")
	if err := WriteRecords(path, recs); err != nil {
		t.Fatalf("WriteRecords: %v", err)
	}
	got, err := ReadRecords(path)
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records", len(got))
	}
	if !math.IsNaN(got[0].Value) || got[0].Ready {
		t.Errorf("warming record = %+v", got[0])
	}
	if got[1].Value != 1.25 || !got[1].Ready || got[1].Name != "SMA_2" || !got[1].TS.Equal(recs[1].TS) {
		t.Errorf("ready record = %+v", got[1])
	}
}

func TestReadBars_MissingFile(t *testing.T) {
	if _, err := ReadBars(filepath.Join(t.TempDir(), "nope.parquet")); err == nil {
		t.Error("expected error for missing file")
	}
}
