// Package agg builds timeframe bars from a stream of ticks.
package agg

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"ta-engine/internal/model"
)

// barState holds the in-progress bar for one series.
type barState struct {
	bucket   int64 // bucket start, Unix seconds
	bar      model.SeriesBar
	notional float64 // sum(price*qty) for VWAP
}

// Aggregator turns ticks into closed bars on every configured timeframe.
// A bar closes when a tick for a later bucket arrives or, in Run, once the
// wall clock passes the bucket end plus Grace.
//
// Add and FlushBefore are not safe for concurrent use; Run owns the
// aggregator while it executes.
type Aggregator struct {
	tfs    []int
	states map[model.SeriesKey]*barState
	closed map[model.SeriesKey]int64 // last emitted bucket per series

	// Grace delays time-based closing to let late ticks in. Default 2s.
	Grace time.Duration

	flushInterval time.Duration

	// Metrics hooks (optional)
	OnDroppedTick func()
	OnDroppedBar  func()
}

// New creates an Aggregator for the given timeframes in seconds.
func New(tfs []int) *Aggregator {
	uniq := make([]int, 0, len(tfs))
	seen := make(map[int]bool)
	for _, tf := range tfs {
		if tf > 0 && !seen[tf] {
			seen[tf] = true
			uniq = append(uniq, tf)
		}
	}
	sort.Ints(uniq)
	return &Aggregator{
		tfs:           uniq,
		states:        make(map[model.SeriesKey]*barState),
		closed:        make(map[model.SeriesKey]int64),
		Grace:         2 * time.Second,
		flushInterval: 100 * time.Millisecond,
	}
}

// Add incorporates one tick and returns the bars it closed.
func (a *Aggregator) Add(tick model.Tick) []model.SeriesBar {
	var closed []model.SeriesBar
	ts := tick.TickTS.Unix()

	for _, tf := range a.tfs {
		key := model.SeriesKey{Exchange: tick.Exchange, Symbol: tick.Symbol, TF: tf}
		bucket := ts - ts%int64(tf)

		st, ok := a.states[key]
		last, wasClosed := a.closed[key]
		if (ok && bucket < st.bucket) || (wasClosed && bucket <= last) {
			// Late tick for a bucket already closed on this timeframe
			if a.OnDroppedTick != nil {
				a.OnDroppedTick()
			}
			continue
		}
		if ok && bucket > st.bucket {
			closed = append(closed, a.close(key, st))
			ok = false
		}
		if !ok {
			st = &barState{bucket: bucket}
			st.bar = model.SeriesBar{
				SeriesKey: key,
				Bar: model.Bar{
					TS:   time.Unix(bucket, 0).UTC(),
					Open: tick.Price, High: tick.Price, Low: tick.Price,
				},
			}
			a.states[key] = st
		}
		st.add(tick)
	}
	return closed
}

func (s *barState) add(t model.Tick) {
	b := &s.bar
	if t.Price > b.High {
		b.High = t.Price
	}
	if t.Price < b.Low {
		b.Low = t.Price
	}
	b.Close = t.Price
	b.Volume += t.Qty
	b.Trades++
	s.notional += t.Price * t.Qty
	if t.Bid > 0 {
		b.Bid = t.Bid
	}
	if t.Ask > 0 {
		b.Ask = t.Ask
	}
}

// close finishes st and remembers its bucket so later ticks for it are
// dropped instead of reopening it.
func (a *Aggregator) close(key model.SeriesKey, st *barState) model.SeriesBar {
	a.closed[key] = st.bucket
	delete(a.states, key)
	return st.finish()
}

func (s *barState) finish() model.SeriesBar {
	if s.bar.Volume > 0 {
		s.bar.VWAP = s.notional / s.bar.Volume
	}
	return s.bar
}

// FlushBefore closes every bar whose bucket ended at or before now-Grace.
// Closed bars are returned in timestamp order.
func (a *Aggregator) FlushBefore(now time.Time) []model.SeriesBar {
	cutoff := now.Add(-a.Grace).Unix()
	var closed []model.SeriesBar
	for key, st := range a.states {
		if st.bucket+int64(key.TF) <= cutoff {
			closed = append(closed, a.close(key, st))
		}
	}
	sortBars(closed)
	return closed
}

// Flush closes every open bar regardless of time.
func (a *Aggregator) Flush() []model.SeriesBar {
	closed := make([]model.SeriesBar, 0, len(a.states))
	for key, st := range a.states {
		closed = append(closed, a.close(key, st))
	}
	sortBars(closed)
	return closed
}

func sortBars(bars []model.SeriesBar) {
	sort.Slice(bars, func(i, j int) bool {
		if !bars[i].TS.Equal(bars[j].TS) {
			return bars[i].TS.Before(bars[j].TS)
		}
		return bars[i].SeriesKey.String() < bars[j].SeriesKey.String()
	})
}

// Run consumes ticks and sends closed bars to out until ctx is cancelled or
// ticks is closed, then flushes what is left.
func (a *Aggregator) Run(ctx context.Context, ticks <-chan model.Tick, out chan<- model.SeriesBar) {
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.emit(a.Flush(), out)
			return
		case tick, ok := <-ticks:
			if !ok {
				a.emit(a.Flush(), out)
				return
			}
			a.emit(a.Add(tick), out)
		case now := <-ticker.C:
			a.emit(a.FlushBefore(now), out)
		}
	}
}

// emit sends bars without blocking so a stalled consumer cannot wedge the
// tick path.
func (a *Aggregator) emit(bars []model.SeriesBar, out chan<- model.SeriesBar) {
	for _, b := range bars {
		select {
		case out <- b:
		default:
			if a.OnDroppedBar != nil {
				a.OnDroppedBar()
			}
			slog.Warn("agg output full, dropping bar", "series", b.SeriesKey.String(), "ts", b.TS)
		}
	}
}
