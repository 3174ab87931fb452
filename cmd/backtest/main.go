// cmd/backtest replays stored bars through the indicator engine to validate
// indicator sets without live market data.
//
// Usage:
//
//	go run ./cmd/backtest -symbols=NSE:SBIN -tf=60,300 -indicators=SMA:20,RSI:14
//	go run ./cmd/backtest -source=parquet -parquet=data/parquet -symbols=NSE:SBIN -out-parquet=data/out
//	go run ./cmd/backtest -source=redis -redis=localhost:6379 -tf=60 -indicators-file=indicators.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"ta-engine/config"
	"ta-engine/internal/indicator"
	"ta-engine/internal/logger"
	"ta-engine/internal/marketdata/replay"
	"ta-engine/internal/model"
	"ta-engine/internal/store/parquet"
	redisstore "ta-engine/internal/store/redis"
	sqlitestore "ta-engine/internal/store/sqlite"
)

type options struct {
	source     string
	dbPath     string
	parquetDir string
	redisAddr  string
	symbols    string
	tfs        string
	indicators string
	indFile    string
	from, to   string
	speed      float64
	strict     bool
	outDB      string
	outParquet string
	exportDir  string
	publish    string
	verbose    bool
}

func main() {
	var o options
	flag.StringVar(&o.source, "source", "sqlite", "Bar source: sqlite, parquet or redis")
	flag.StringVar(&o.dbPath, "db", "data/bars.db", "SQLite database with stored bars")
	flag.StringVar(&o.parquetDir, "parquet", "data/parquet", "Directory of per-series parquet bar files")
	flag.StringVar(&o.redisAddr, "redis", "localhost:6379", "Redis holding bar streams for -source=redis")
	flag.StringVar(&o.symbols, "symbols", "", "Comma-separated EX:SYM list (sqlite, redis: empty means every stored series)")
	flag.StringVar(&o.tfs, "tf", "60", "Comma-separated timeframes in seconds")
	flag.StringVar(&o.indicators, "indicators", config.DefaultIndicators, "Indicator specs: TYPE[:a/b][@source],...")
	flag.StringVar(&o.indFile, "indicators-file", "", "YAML indicator set; overrides -indicators")
	flag.StringVar(&o.from, "from", "", "Start time, RFC3339 or unix seconds (empty = all)")
	flag.StringVar(&o.to, "to", "", "End time, exclusive (empty = open)")
	flag.Float64Var(&o.speed, "speed", 0, "Playback speed multiplier (0=max, 1=realtime, 100=100x)")
	flag.BoolVar(&o.strict, "strict", true, "Reject out-of-order bars")
	flag.StringVar(&o.outDB, "out-db", "", "Write indicator records to this SQLite database")
	flag.StringVar(&o.outParquet, "out-parquet", "", "Write indicator records to parquet files in this directory")
	flag.StringVar(&o.exportDir, "export-parquet", "", "Also export the loaded bars as parquet files to this directory")
	flag.StringVar(&o.publish, "publish", "", "Publish bars and records to the Redis at this address")
	flag.BoolVar(&o.verbose, "v", false, "Debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if o.verbose {
		level = slog.LevelDebug
	}
	logger.Init("backtest", level)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, o); err != nil {
		slog.Error("backtest failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, o options) error {
	cfg := config.Config{Symbols: o.symbols, EnabledTFs: o.tfs}
	tfs := cfg.ParseTFs()
	if len(tfs) == 0 {
		return fmt.Errorf("no valid timeframe in %q", o.tfs)
	}
	var err error
	var specs []indicator.Spec
	if o.indFile != "" {
		specs, err = indicator.LoadSpecFile(o.indFile)
	} else {
		specs, err = indicator.ParseSpecs(o.indicators)
	}
	if err != nil {
		return err
	}
	engine, err := indicator.NewEngine(specs)
	if err != nil {
		return err
	}
	engine.StrictOrder = o.strict

	from, err := parseTime(o.from)
	if err != nil {
		return fmt.Errorf("-from: %w", err)
	}
	to, err := parseTime(o.to)
	if err != nil {
		return fmt.Errorf("-to: %w", err)
	}

	src, keys, closeSrc, err := openSource(ctx, o, cfg.ParseSymbols(), tfs)
	if err != nil {
		return err
	}
	defer closeSrc()
	if len(keys) == 0 {
		return fmt.Errorf("no series to replay")
	}

	bars, err := replay.New(src).Load(ctx, keys, from, to)
	if err != nil {
		return err
	}
	slog.Info("bars loaded", "series", len(keys), "bars", len(bars), "indicators", engine.Labels())

	if o.exportDir != "" {
		if err := exportBars(parquet.Dir(o.exportDir), bars); err != nil {
			return err
		}
	}

	var pub *redisstore.Writer
	if o.publish != "" {
		pub, err = redisstore.New(redisstore.WriterConfig{Addr: o.publish})
		if err != nil {
			return err
		}
		defer pub.Close()
	}

	ch := make(chan model.SeriesBar, 1024)
	go func() {
		defer close(ch)
		if _, err := replay.Play(ctx, bars, o.speed, ch); err != nil && ctx.Err() == nil {
			slog.Error("replay error", "error", err)
		}
	}()

	var (
		all      []model.IndicatorRecord
		ready    int
		played   int
		rejected int
		start    = time.Now()
	)
	for sb := range ch {
		played++
		recs, err := engine.Process(sb)
		if err != nil {
			rejected++
			slog.Debug("bar rejected", "series", sb.SeriesKey.String(), "error", err)
			continue
		}
		for _, r := range recs {
			if r.Ready {
				ready++
			}
		}
		if pub != nil {
			pub.WriteBars(ctx, []model.SeriesBar{sb})
			pub.WriteRecords(ctx, recs)
		}
		all = append(all, recs...)
	}

	if err := persist(ctx, o, all); err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("BACKTEST COMPLETE")
	fmt.Printf("  indicators:      %v\n", engine.Specs())
	fmt.Printf("  series:          %d\n", len(keys))
	fmt.Printf("  bars processed:  %d\n", played-rejected)
	fmt.Printf("  bars rejected:   %d\n", rejected)
	fmt.Printf("  records:         %d (%d ready)\n", len(all), ready)
	fmt.Printf("  elapsed:         %s\n", time.Since(start).Round(time.Millisecond))
	for _, k := range keys {
		st := engine.SeriesState(k)
		if st == nil {
			continue
		}
		fmt.Printf("  %-20s %v\n", k.String(), st)
	}
	return nil
}

func openSource(ctx context.Context, o options, instruments []config.Instrument, tfs []int) (replay.Source, []model.SeriesKey, func(), error) {
	var keys []model.SeriesKey
	for _, tf := range tfs {
		for _, in := range instruments {
			keys = append(keys, model.SeriesKey{Exchange: in.Exchange, Symbol: in.Symbol, TF: tf})
		}
	}

	switch o.source {
	case "sqlite":
		reader, err := sqlitestore.NewReader(o.dbPath)
		if err != nil {
			return nil, nil, nil, err
		}
		if len(keys) == 0 {
			for _, tf := range tfs {
				found, err := reader.ListSeries(ctx, tf)
				if err != nil {
					reader.Close()
					return nil, nil, nil, err
				}
				keys = append(keys, found...)
			}
		}
		return reader, keys, func() { reader.Close() }, nil
	case "parquet":
		if len(keys) == 0 {
			return nil, nil, nil, fmt.Errorf("-symbols is required with -source=parquet")
		}
		return parquet.Dir(o.parquetDir), keys, func() {}, nil
	case "redis":
		reader, err := redisstore.NewReader(redisstore.ReaderConfig{Addr: o.redisAddr})
		if err != nil {
			return nil, nil, nil, err
		}
		if len(keys) == 0 {
			found, err := reader.DiscoverBarStreams(ctx, tfs, nil)
			if err != nil {
				reader.Close()
				return nil, nil, nil, err
			}
			keys = found
		}
		return reader, keys, func() { reader.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown source %q", o.source)
	}
}

func persist(ctx context.Context, o options, recs []model.IndicatorRecord) error {
	if o.outDB != "" {
		if dir := filepath.Dir(o.outDB); dir != "." {
			os.MkdirAll(dir, 0o755)
		}
		w, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: o.outDB})
		if err != nil {
			return err
		}
		err = w.WriteRecords(ctx, recs)
		w.Close()
		if err != nil {
			return err
		}
		slog.Info("records written", "db", o.outDB, "records", len(recs))
	}
	if o.outParquet != "" {
		if err := os.MkdirAll(o.outParquet, 0o755); err != nil {
			return err
		}
		path := filepath.Join(o.outParquet, "indicators.parquet")
		if err := parquet.WriteRecords(path, recs); err != nil {
			return err
		}
		slog.Info("records written", "file", path, "records", len(recs))
	}
	return nil
}

func exportBars(dir parquet.Dir, bars []model.SeriesBar) error {
	bySeries := make(map[model.SeriesKey][]model.Bar)
	for _, sb := range bars {
		bySeries[sb.SeriesKey] = append(bySeries[sb.SeriesKey], sb.Bar)
	}
	for key, series := range bySeries {
		if err := dir.WriteSeries(key, series); err != nil {
			return err
		}
	}
	slog.Info("bars exported", "dir", string(dir), "series", len(bySeries))
	return nil
}

// parseTime accepts RFC3339 or unix seconds. Empty means zero.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339, s)
}
