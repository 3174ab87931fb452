// Package replay plays stored bars back in timestamp order at a configurable
// speed for backtesting.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"ta-engine/internal/model"
)

// Source loads the bars of one series between from (inclusive) and to
// (exclusive, zero for no bound). The SQLite reader satisfies it.
type Source interface {
	ReadBars(ctx context.Context, key model.SeriesKey, from, to time.Time) ([]model.Bar, error)
}

// maxGap caps the simulated wait between two consecutive bars.
const maxGap = 5 * time.Second

// Replayer merges several series into one time-ordered stream.
type Replayer struct {
	src Source
}

// New creates a Replayer backed by src.
func New(src Source) *Replayer {
	return &Replayer{src: src}
}

// Load reads every series from src and merges them by timestamp. Bars with
// equal timestamps keep the order of keys.
func (r *Replayer) Load(ctx context.Context, keys []model.SeriesKey, from, to time.Time) ([]model.SeriesBar, error) {
	var all []model.SeriesBar
	for _, key := range keys {
		bars, err := r.src.ReadBars(ctx, key, from, to)
		if err != nil {
			return nil, fmt.Errorf("replay load %s: %w", key, err)
		}
		for _, b := range bars {
			all = append(all, model.SeriesBar{SeriesKey: key, Bar: b})
		}
	}
	Sort(all)
	return all, nil
}

// Sort orders bars by timestamp, stably.
func Sort(bars []model.SeriesBar) {
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].TS.Before(bars[j].TS) })
}

// Play sends bars to out. speed is the playback rate: 1 is real time, 10 is
// ten times faster, 0 is as fast as possible. Gaps are capped at maxGap.
// Returns the number of bars sent.
func Play(ctx context.Context, bars []model.SeriesBar, speed float64, out chan<- model.SeriesBar) (int, error) {
	var prevTS time.Time
	emitted := 0

	for _, b := range bars {
		if speed > 0 && !prevTS.IsZero() {
			if gap := b.TS.Sub(prevTS); gap > 0 {
				wait := time.Duration(float64(gap) / speed)
				if wait > maxGap {
					wait = maxGap
				}
				select {
				case <-ctx.Done():
					return emitted, ctx.Err()
				case <-time.After(wait):
				}
			}
		}
		prevTS = b.TS

		select {
		case out <- b:
			emitted++
		case <-ctx.Done():
			slog.Info("replay cancelled", "emitted", emitted)
			return emitted, ctx.Err()
		}
	}
	return emitted, nil
}

// Run loads keys from the source and plays them into out.
func (r *Replayer) Run(ctx context.Context, keys []model.SeriesKey, from time.Time, speed float64, out chan<- model.SeriesBar) (int, error) {
	bars, err := r.Load(ctx, keys, from, time.Time{})
	if err != nil {
		return 0, err
	}
	if len(bars) == 0 {
		slog.Warn("replay found no bars", "series", len(keys))
		return 0, nil
	}
	slog.Info("replay starting", "bars", len(bars), "series", len(keys), "speed", speed)

	n, err := Play(ctx, bars, speed, out)
	if err == nil {
		slog.Info("replay completed", "bars", n)
	}
	return n, err
}
