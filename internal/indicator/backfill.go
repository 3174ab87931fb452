package indicator

import (
	"context"
	"log/slog"

	"ta-engine/internal/model"
)

// HistoryReader is the storage interface needed for warmup backfill.
type HistoryReader interface {
	// LastBars returns up to n of the most recent bars of key, oldest first.
	LastBars(ctx context.Context, key model.SeriesKey, n int) ([]model.Bar, error)
}

// Backfill warms the engine for each series by replaying its most recent
// MaxWarmup bars from storage. Call it after the engine is built and before
// the live consumer starts. If onRecords is non-nil it receives the records
// produced by each replayed bar, e.g. to populate result history.
//
// Read failures for one series are logged and skipped. It returns the number
// of bars replayed.
func Backfill(ctx context.Context, e *Engine, reader HistoryReader, keys []model.SeriesKey,
	onRecords func([]model.IndicatorRecord)) int {
	if reader == nil {
		return 0
	}
	n := e.MaxWarmup()
	if n == 0 {
		return 0
	}

	total := 0
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		bars, err := reader.LastBars(ctx, key, n)
		if err != nil {
			slog.Warn("backfill read failed", "series", key.String(), "error", err)
			continue
		}

		fed := 0
		for _, b := range bars {
			records, err := e.Process(model.SeriesBar{SeriesKey: key, Bar: b})
			if err != nil {
				slog.Warn("backfill bar rejected", "series", key.String(), "error", err)
				continue
			}
			if onRecords != nil && len(records) > 0 {
				onRecords(records)
			}
			fed++
		}
		total += fed
		if fed > 0 {
			slog.Info("backfilled series", "series", key.String(), "bars", fed)
		}
	}
	return total
}
