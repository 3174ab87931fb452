package parquet

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"ta-engine/internal/model"
)

// Dir is a directory of per-series bar files named by FileName.
type Dir string

// Path returns the bar file of key inside d.
func (d Dir) Path(key model.SeriesKey) string {
	return filepath.Join(string(d), FileName(key))
}

// ReadBars returns the bars of key with from <= TS < to, oldest first. A zero
// to means no upper bound. A missing file yields no bars.
func (d Dir) ReadBars(ctx context.Context, key model.SeriesKey, from, to time.Time) ([]model.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := d.Path(key)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	bars, err := ReadBars(path)
	if err != nil {
		return nil, err
	}
	lo := sort.Search(len(bars), func(i int) bool { return !bars[i].TS.Before(from) })
	hi := len(bars)
	if !to.IsZero() {
		hi = sort.Search(len(bars), func(i int) bool { return !bars[i].TS.Before(to) })
	}
	if lo >= hi {
		return nil, nil
	}
	return bars[lo:hi], nil
}

// LastBars returns up to n most recent bars of key.
func (d Dir) LastBars(ctx context.Context, key model.SeriesKey, n int) ([]model.Bar, error) {
	bars, err := d.ReadBars(ctx, key, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}
	if len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	return bars, nil
}

// WriteSeries writes bars to the file of key, creating d if needed.
func (d Dir) WriteSeries(key model.SeriesKey, bars []model.Bar) error {
	if err := os.MkdirAll(string(d), 0o755); err != nil {
		return fmt.Errorf("parquet dir: %w", err)
	}
	return WriteBars(d.Path(key), bars)
}
