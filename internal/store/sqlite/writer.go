package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"time"

	"ta-engine/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBatchSize  = 500
	defaultFlushDelay = 200 * time.Millisecond

	dsnParams = "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
)

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath string // path to SQLite database file, e.g. "data/bars.db"

	// OnCommit, if set, observes every batch commit duration.
	OnCommit func(time.Duration)
}

// Writer is a single-connection SQLite writer with transaction batching.
type Writer struct {
	db       *sql.DB
	onCommit func(time.Duration)
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// New opens the database in WAL mode and creates the schema.
func New(cfg WriterConfig) (*Writer, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	slog.Info("sqlite opened", "path", cfg.DBPath)
	return &Writer{db: db, onCommit: cfg.OnCommit}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS bars (
			exchange TEXT    NOT NULL,
			symbol   TEXT    NOT NULL,
			tf       INTEGER NOT NULL,
			ts       INTEGER NOT NULL,
			open     REAL    NOT NULL,
			high     REAL    NOT NULL,
			low      REAL    NOT NULL,
			close    REAL    NOT NULL,
			volume   REAL    NOT NULL DEFAULT 0,
			bid      REAL    NOT NULL DEFAULT 0,
			ask      REAL    NOT NULL DEFAULT 0,
			vwap     REAL    NOT NULL DEFAULT 0,
			trades   INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (exchange, symbol, tf, ts)
		);

		CREATE TABLE IF NOT EXISTS indicator_results (
			name     TEXT    NOT NULL,
			exchange TEXT    NOT NULL,
			symbol   TEXT    NOT NULL,
			tf       INTEGER NOT NULL,
			ts       INTEGER NOT NULL,
			value    REAL,
			ready    INTEGER NOT NULL,
			PRIMARY KEY (name, exchange, symbol, tf, ts)
		);
	`)
	return err
}

// WriteBars upserts bars in a single transaction.
func (w *Writer) WriteBars(ctx context.Context, bars []model.SeriesBar) error {
	return w.inTx(ctx, `
		INSERT OR REPLACE INTO bars (exchange, symbol, tf, ts, open, high, low, close, volume, bid, ask, vwap, trades)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, len(bars), func(stmt *sql.Stmt, i int) error {
		b := &bars[i]
		_, err := stmt.ExecContext(ctx, b.Exchange, b.Symbol, b.TF, b.TS.Unix(),
			b.Open, b.High, b.Low, b.Close, b.Volume, b.Bid, b.Ask, b.VWAP, b.Trades)
		return err
	})
}

// WriteRecords upserts indicator records in a single transaction. Records
// without a value (NaN) are stored with a NULL value.
func (w *Writer) WriteRecords(ctx context.Context, recs []model.IndicatorRecord) error {
	return w.inTx(ctx, `
		INSERT OR REPLACE INTO indicator_results (name, exchange, symbol, tf, ts, value, ready)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, len(recs), func(stmt *sql.Stmt, i int) error {
		r := &recs[i]
		var v sql.NullFloat64
		if !math.IsNaN(r.Value) {
			v = sql.NullFloat64{Float64: r.Value, Valid: true}
		}
		_, err := stmt.ExecContext(ctx, r.Name, r.Exchange, r.Symbol, r.TF, r.TS.Unix(), v, r.Ready)
		return err
	})
}

// inTx prepares query once and executes it n times in one transaction.
func (w *Writer) inTx(ctx context.Context, query string, n int, exec func(*sql.Stmt, int) error) error {
	if n == 0 {
		return nil
	}
	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite prepare: %w", err)
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		if err := exec(stmt, i); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite insert row %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit: %w", err)
	}
	if w.onCommit != nil {
		w.onCommit(time.Since(start))
	}
	return nil
}

// RunRecords inserts record batches from ch in transactions, flushing every
// defaultBatchSize records or defaultFlushDelay, whichever comes first.
// Blocks until ctx is cancelled or ch is closed.
func (w *Writer) RunRecords(ctx context.Context, ch <-chan []model.IndicatorRecord) {
	runBatched(ctx, ch, w.WriteRecords, "records")
}

// RunBars is RunRecords for bars.
func (w *Writer) RunBars(ctx context.Context, ch <-chan []model.SeriesBar) {
	runBatched(ctx, ch, w.WriteBars, "bars")
}

func runBatched[T any](ctx context.Context, ch <-chan []T, write func(context.Context, []T) error, what string) {
	batch := make([]T, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Fresh context so the final flush survives cancellation.
		fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := write(fctx, batch); err != nil {
			slog.Error("sqlite batch failed", "kind", what, "rows", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case items, ok := <-ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, items...)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}
		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
