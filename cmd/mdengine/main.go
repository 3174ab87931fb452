// cmd/mdengine builds closed bars from a WebSocket tick feed and publishes
// them to the Redis bar streams the indicator engine consumes, keeping a
// copy in SQLite for warmup and backtests.
//
//	[tick feed] → [session filter] → [aggregator] → fan-out → [Redis streams]
//	                                                        → [SQLite bars]
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"ta-engine/config"
	"ta-engine/internal/logger"
	"ta-engine/internal/marketdata/agg"
	"ta-engine/internal/marketdata/bus"
	"ta-engine/internal/marketdata/ws"
	"ta-engine/internal/markethours"
	"ta-engine/internal/metrics"
	"ta-engine/internal/model"
	redisstore "ta-engine/internal/store/redis"
	sqlitestore "ta-engine/internal/store/sqlite"

	"github.com/prometheus/client_golang/prometheus"
)

const defaultFeedURL = "ws://localhost:9001/ws"

func main() {
	cfg := config.Load(".env")
	logger.Init("mdengine", logger.ParseLevel(cfg.LogLevel))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		slog.Error("mdengine failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	tfs := cfg.ParseTFs()
	feedURL := cfg.FeedURL
	if feedURL == "" {
		feedURL = defaultFeedURL
	}

	var session *markethours.Session
	if cfg.Session != "" {
		var err error
		if session, err = markethours.Parse(cfg.Session); err != nil {
			return err
		}
		if err := session.AddHolidays(strings.Split(cfg.Holidays, ",")...); err != nil {
			return err
		}
		slog.Info("trading session", "session", cfg.Session, "status", session.Status(time.Now()))
	}

	prom := metrics.NewMetrics(prometheus.DefaultRegisterer)
	health := metrics.NewHealthStatus()
	srv := metrics.NewServer(cfg.HTTPAddr, health, prometheus.DefaultGatherer)
	srv.Start()
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 3*time.Second)
		srv.Stop(stopCtx)
		stop()
	}()

	redisWriter, err := redisstore.New(redisstore.WriterConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return err
	}
	defer redisWriter.Close()
	redisWriter.OnPipeline = func(d time.Duration) { prom.RedisWriteDur.Observe(d.Seconds()) }
	health.SetRedisConnected(true)

	var sqlWriter *sqlitestore.Writer
	if cfg.SQLitePath != "" && cfg.StoreBars {
		os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755)
		sqlWriter, err = sqlitestore.New(sqlitestore.WriterConfig{
			DBPath:   cfg.SQLitePath,
			OnCommit: func(d time.Duration) { prom.SQLiteCommitDur.Observe(d.Seconds()) },
		})
		if err != nil {
			slog.Warn("sqlite writer init failed, continuing without SQLite", "error", err)
			health.SetSQLite(true, false)
		} else {
			defer sqlWriter.Close()
			health.SetSQLite(true, true)
		}
	}
	if sqlWriter != nil {
		health.StartLivenessChecker(ctx, redisWriter.Client(), sqlWriter.DB(), cfg.HealthEvery)
	} else {
		health.StartLivenessChecker(ctx, redisWriter.Client(), nil, cfg.HealthEvery)
	}

	// ---- Fan-out of closed bars (Redis + SQLite) ----
	fanout := bus.New[[]model.SeriesBar](5000)
	fanout.OnDrop = func(name string) { prom.FanoutDropsTotal.WithLabelValues(name).Inc() }
	redisIn := fanout.Subscribe("redis")
	if sqlWriter != nil {
		go sqlWriter.RunBars(ctx, fanout.Subscribe("sqlite"))
	}
	go func() {
		for batch := range redisIn {
			if err := redisWriter.WriteBars(ctx, batch); err != nil {
				slog.Debug("redis bar write failed", "error", err)
			}
		}
	}()

	bars := make(chan model.SeriesBar, 5000)
	batches := make(chan []model.SeriesBar, 5000)
	go func() {
		defer close(batches)
		for {
			select {
			case <-ctx.Done():
				return
			case b := <-bars:
				prom.BarsTotal.WithLabelValues(strconv.Itoa(b.TF)).Inc()
				health.SetLastBarTime(b.TS)
				select {
				case batches <- []model.SeriesBar{b}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	go fanout.Run(ctx, batches)

	// ---- Aggregator ----
	aggregator := agg.New(tfs)
	aggregator.OnDroppedTick = func() { prom.BarsRejected.WithLabelValues("late_tick").Inc() }
	aggregator.OnDroppedBar = func() { prom.FanoutDropsTotal.WithLabelValues("agg").Inc() }
	ticks := make(chan model.Tick, 10000)
	go aggregator.Run(ctx, ticks, bars)

	raw := make(chan model.Tick, 10000)
	go filterSession(ctx, session, raw, ticks, func() {
		prom.BarsRejected.WithLabelValues("outside_session").Inc()
	})

	// ---- Feed ----
	feed, err := ws.New(ws.Config{URL: feedURL})
	if err != nil {
		return err
	}
	health.SetFeed(true, false)
	feed.OnConnect = func(ok bool) { health.SetFeed(true, ok) }
	feed.OnReconnect = func() { prom.FeedReconnects.Inc() }
	feed.OnDrop = func(kind string) { prom.FanoutDropsTotal.WithLabelValues("feed_" + kind).Inc() }

	slog.Info("mdengine running", "feed", feedURL, "tfs", tfs, "http", cfg.HTTPAddr)
	runFeed(ctx, feed, session, bars, raw)
	slog.Info("shutdown complete")
	return nil
}

// runFeed keeps the feed connected. With a session it connects only while
// the session is open and disconnects at the close.
func runFeed(ctx context.Context, feed *ws.Feed, session *markethours.Session, bars chan<- model.SeriesBar, ticks chan<- model.Tick) {
	if session == nil {
		if err := feed.Start(ctx, bars, ticks); err != nil && ctx.Err() == nil {
			slog.Error("feed stopped", "error", err)
		}
		return
	}
	for ctx.Err() == nil {
		now := time.Now()
		if !session.IsOpen(now) {
			next := session.NextOpen(now)
			slog.Info("session closed, waiting", "status", session.Status(now), "until", next)
			select {
			case <-ctx.Done():
				return
			case <-time.After(next.Sub(now)):
			}
			continue
		}
		feedCtx, cancel := context.WithTimeout(ctx, session.TimeUntilClose(now))
		if err := feed.Start(feedCtx, bars, ticks); err != nil && feedCtx.Err() == nil {
			slog.Error("feed stopped", "error", err)
		}
		cancel()
		slog.Info("session closed, feed disconnected")
	}
}

// filterSession forwards ticks printed inside the session. A nil session
// forwards everything.
func filterSession(ctx context.Context, s *markethours.Session, in <-chan model.Tick, out chan<- model.Tick, onDrop func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-in:
			if s != nil && !s.IsOpen(t.TickTS) {
				onDrop()
				continue
			}
			select {
			case out <- t:
			case <-ctx.Done():
				return
			}
		}
	}
}
