// Package parquet stores bar series and indicator results as Parquet files
// for offline backtests.
package parquet

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"ta-engine/internal/model"

	pq "github.com/parquet-go/parquet-go"
)

// barRow is the on-disk bar layout. Timestamps are Unix milliseconds.
type barRow struct {
	Timestamp int64   `parquet:"t"`
	Open      float64 `parquet:"o"`
	High      float64 `parquet:"h"`
	Low       float64 `parquet:"l"`
	Close     float64 `parquet:"c"`
	Volume    float64 `parquet:"v"`
	Bid       float64 `parquet:"bid,optional"`
	Ask       float64 `parquet:"ask,optional"`
	VWAP      float64 `parquet:"vw,optional"`
	Trades    int64   `parquet:"n,optional"`
}

// recordRow is the on-disk indicator record layout. Value is null while
// the indicator is not ready.
type recordRow struct {
	Name      string   `parquet:"name,dict"`
	Exchange  string   `parquet:"exchange,dict"`
	Symbol    string   `parquet:"symbol,dict"`
	TF        int32    `parquet:"tf"`
	Timestamp int64    `parquet:"t"`
	Value     *float64 `parquet:"value,optional"`
	Ready     bool     `parquet:"ready"`
}

// FileName returns the conventional file name for a series,
// e.g. "NSE_SBIN_60s.parquet".
func FileName(key model.SeriesKey) string {
	return key.Exchange + "_" + key.Symbol + "_" + strconv.Itoa(key.TF) + "s.parquet"
}

// WriteBars writes bars to path, replacing any existing file.
func WriteBars(path string, bars []model.Bar) error {
	rows := make([]barRow, len(bars))
	for i, b := range bars {
		rows[i] = barRow{
			Timestamp: b.TS.UnixMilli(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
			Bid:       b.Bid,
			Ask:       b.Ask,
			VWAP:      b.VWAP,
			Trades:    b.Trades,
		}
	}
	if err := pq.WriteFile(path, rows); err != nil {
		return fmt.Errorf("parquet write %s: %w", path, err)
	}
	return nil
}

// ReadBars reads every bar from path, sorted oldest first.
func ReadBars(path string) ([]model.Bar, error) {
	rows, err := pq.ReadFile[barRow](path)
	if err != nil {
		return nil, fmt.Errorf("parquet read %s: %w", path, err)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Timestamp < rows[j].Timestamp })

	bars := make([]model.Bar, len(rows))
	for i, r := range rows {
		bars[i] = model.Bar{
			TS:     time.UnixMilli(r.Timestamp).UTC(),
			Open:   r.Open,
			High:   r.High,
			Low:    r.Low,
			Close:  r.Close,
			Volume: r.Volume,
			Bid:    r.Bid,
			Ask:    r.Ask,
			VWAP:   r.VWAP,
			Trades: r.Trades,
		}
	}
	return bars, nil
}

// WriteRecords writes indicator records to path, replacing any existing file.
func WriteRecords(path string, recs []model.IndicatorRecord) error {
	rows := make([]recordRow, len(recs))
	for i, r := range recs {
		row := recordRow{
			Name:      r.Name,
			Exchange:  r.Exchange,
			Symbol:    r.Symbol,
			TF:        int32(r.TF),
			Timestamp: r.TS.UnixMilli(),
			Ready:     r.Ready,
		}
		if !math.IsNaN(r.Value) {
			v := r.Value
			row.Value = &v
		}
		rows[i] = row
	}
	if err := pq.WriteFile(path, rows); err != nil {
		return fmt.Errorf("parquet write %s: %w", path, err)
	}
	return nil
}

// ReadRecords reads indicator records from path. Null values come back
// as NaN.
func ReadRecords(path string) ([]model.IndicatorRecord, error) {
	rows, err := pq.ReadFile[recordRow](path)
	if err != nil {
		return nil, fmt.Errorf("parquet read %s: %w", path, err)
	}
	recs := make([]model.IndicatorRecord, len(rows))
	for i, r := range rows {
		v := math.NaN()
		if r.Value != nil {
			v = *r.Value
		}
		recs[i] = model.IndicatorRecord{
			Name:     r.Name,
			Exchange: r.Exchange,
			Symbol:   r.Symbol,
			TF:       int(r.TF),
			TS:       time.UnixMilli(r.Timestamp).UTC(),
			Value:    v,
			Ready:    r.Ready,
		}
	}
	return recs, nil
}
