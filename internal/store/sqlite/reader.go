package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"ta-engine/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Reader provides read access to stored bars for backtests and warmup.
type Reader struct {
	db *sql.DB
}

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := sql.Open("sqlite3", dbPath+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite ping reader: %w", err)
	}

	slog.Info("sqlite reader opened", "path", dbPath)
	return &Reader{db: db}, nil
}

// DB returns the underlying sql.DB for health checks.
func (r *Reader) DB() *sql.DB { return r.db }

const barColumns = `ts, open, high, low, close, volume, bid, ask, vwap, trades`

// ReadBars returns the bars of key with from <= ts < to, oldest first.
// A zero to means no upper bound.
func (r *Reader) ReadBars(ctx context.Context, key model.SeriesKey, from, to time.Time) ([]model.Bar, error) {
	upper := int64(1<<63 - 1)
	if !to.IsZero() {
		upper = to.Unix()
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+barColumns+`
		FROM bars
		WHERE exchange = ? AND symbol = ? AND tf = ? AND ts >= ? AND ts < ?
		ORDER BY ts ASC
	`, key.Exchange, key.Symbol, key.TF, from.Unix(), upper)
	if err != nil {
		return nil, fmt.Errorf("sqlite query bars: %w", err)
	}
	defer rows.Close()
	return scanBars(rows, 0)
}

// LastBars returns up to n of the most recent bars of key, oldest first.
func (r *Reader) LastBars(ctx context.Context, key model.SeriesKey, n int) ([]model.Bar, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+barColumns+` FROM (
			SELECT `+barColumns+`
			FROM bars
			WHERE exchange = ? AND symbol = ? AND tf = ?
			ORDER BY ts DESC
			LIMIT ?
		) ORDER BY ts ASC
	`, key.Exchange, key.Symbol, key.TF, n)
	if err != nil {
		return nil, fmt.Errorf("sqlite query last bars: %w", err)
	}
	defer rows.Close()
	return scanBars(rows, n)
}

func scanBars(rows *sql.Rows, sizeHint int) ([]model.Bar, error) {
	bars := make([]model.Bar, 0, sizeHint)
	for rows.Next() {
		var b model.Bar
		var ts int64
		if err := rows.Scan(&ts, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.Bid, &b.Ask, &b.VWAP, &b.Trades); err != nil {
			return nil, fmt.Errorf("sqlite scan bars: %w", err)
		}
		b.TS = time.Unix(ts, 0).UTC()
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// ListSeries returns every stored series on timeframe tf, or on every
// timeframe when tf is 0.
func (r *Reader) ListSeries(ctx context.Context, tf int) ([]model.SeriesKey, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT exchange, symbol, tf
		FROM bars
		WHERE ? = 0 OR tf = ?
		ORDER BY exchange, symbol, tf
	`, tf, tf)
	if err != nil {
		return nil, fmt.Errorf("sqlite query series: %w", err)
	}
	defer rows.Close()

	var keys []model.SeriesKey
	for rows.Next() {
		var k model.SeriesKey
		if err := rows.Scan(&k.Exchange, &k.Symbol, &k.TF); err != nil {
			return nil, fmt.Errorf("sqlite scan series: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}
