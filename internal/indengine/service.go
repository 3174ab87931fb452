// Package indengine is the streaming indicator service: it consumes closed
// bars from Redis streams and an optional WebSocket feed, runs them through
// the indicator engine and publishes the records to Redis and SQLite.
package indengine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"ta-engine/internal/gateway"
	"ta-engine/internal/indicator"
	"ta-engine/internal/marketdata/bus"
	"ta-engine/internal/metrics"
	"ta-engine/internal/model"
	"ta-engine/internal/notification"
	redisstore "ta-engine/internal/store/redis"
	sqlitestore "ta-engine/internal/store/sqlite"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

const (
	barBuffer    = 5000
	recordBuffer = 1000
)

// Service is the top-level orchestrator for the indicator engine.
// It wires all dependencies, manages lifecycle, and coordinates goroutines.
// The engine is owned by processLoop once Run has started; reloads reach it
// through the reloads channel.
type Service struct {
	cfg Config

	engine *indicator.Engine
	prom   *metrics.Metrics
	health *metrics.HealthStatus
	server *metrics.Server

	redisReader *redisstore.Reader
	redisWriter *redisstore.Writer
	sqlReader   *sqlitestore.Reader
	sqlWriter   *sqlitestore.Writer
	history     indicator.HistoryReader

	bars     chan model.SeriesBar
	records  chan []model.IndicatorRecord
	barStore chan []model.SeriesBar
	reloads  chan reloadRequest
	fanout   *bus.FanOut[[]model.IndicatorRecord]
	hub      *gateway.Hub
	alerts   *notification.Dispatcher

	reloadLimit *rate.Limiter

	streams []string
}

// New creates a Service, connecting to Redis (required) and SQLite
// (optional).
func New(cfg Config) (*Service, error) {
	svc, err := newService(cfg, prometheus.DefaultRegisterer)
	if err != nil {
		return nil, err
	}

	svc.redisReader, err = redisstore.NewReader(redisstore.ReaderConfig{
		Addr:          cfg.RedisAddr,
		Password:      cfg.RedisPassword,
		DB:            cfg.RedisDB,
		ConsumerGroup: cfg.ConsumerGroup,
		ConsumerName:  cfg.ConsumerName,
	})
	if err != nil {
		return nil, err
	}

	svc.redisWriter, err = redisstore.New(redisstore.WriterConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		svc.redisReader.Close()
		return nil, err
	}
	svc.wireRedisMetrics()
	svc.health.SetRedisConnected(true)

	if cfg.SQLitePath != "" {
		svc.openSQLite()
	}

	// Prefer SQLite for warmup history: Redis streams are trimmed.
	if svc.sqlReader != nil {
		svc.history = svc.sqlReader
	} else {
		svc.history = svc.redisReader
	}

	svc.server = metrics.NewServer(cfg.HTTPAddr, svc.health, prometheus.DefaultGatherer)
	svc.mountAPI(svc.server.Mux)
	return svc, nil
}

// alertNotifier always logs and adds the configured remote channels.
func alertNotifier(cfg Config) notification.Notifier {
	n := notification.Multi{notification.LogNotifier{}}
	if cfg.AlertWebhookURL != "" {
		n = append(n, notification.NewWebhookNotifier(cfg.AlertWebhookURL))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		n = append(n, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	return n
}

// newService builds the engine and in-process plumbing without any I/O.
func newService(cfg Config, reg prometheus.Registerer) (*Service, error) {
	engine, err := indicator.NewEngine(cfg.Specs)
	if err != nil {
		return nil, fmt.Errorf("indicator engine: %w", err)
	}
	engine.StrictOrder = cfg.StrictOrder

	svc := &Service{
		cfg:     cfg,
		engine:  engine,
		prom:    metrics.NewMetrics(reg),
		health:  metrics.NewHealthStatus(),
		bars:    make(chan model.SeriesBar, barBuffer),
		records: make(chan []model.IndicatorRecord, recordBuffer),
		reloads: make(chan reloadRequest),
		fanout:  bus.New[[]model.IndicatorRecord](recordBuffer),
		hub:     gateway.NewHub(),
		alerts:  notification.NewDispatcher(alertNotifier(cfg), "indengine", 64),

		reloadLimit: newReloadLimiter(cfg.ReloadRate, cfg.ReloadBurst),
	}
	svc.fanout.OnDrop = func(name string) {
		svc.prom.FanoutDropsTotal.WithLabelValues(name).Inc()
	}
	svc.hub.OnDrop = func() {
		svc.prom.FanoutDropsTotal.WithLabelValues("ws_client").Inc()
	}
	svc.updateEngineGauges()
	return svc, nil
}

func (svc *Service) wireRedisMetrics() {
	svc.redisWriter.OnPipeline = func(d time.Duration) {
		svc.prom.RedisWriteDur.Observe(d.Seconds())
	}
	svc.redisWriter.OnDrop = func(n int) {
		svc.prom.RedisDroppedRecords.Add(float64(n))
	}
	svc.redisWriter.Breaker().OnStateChange = func(from, to redisstore.BreakerState) {
		svc.prom.RedisCircuitBreakerState.Set(float64(to))
		slog.Warn("redis circuit breaker", "from", from.String(), "to", to.String())
		switch {
		case to == redisstore.StateOpen:
			svc.prom.RedisCircuitBreakerTrips.Inc()
			svc.alerts.Notify(notification.LevelCritical, "Redis writes suspended",
				"circuit breaker opened; indicator records are being dropped")
		case to == redisstore.StateClosed && from == redisstore.StateHalfOpen:
			svc.alerts.Notify(notification.LevelInfo, "Redis writes resumed", "circuit breaker closed")
		}
	}
}

func (svc *Service) openSQLite() {
	if dir := filepath.Dir(svc.cfg.SQLitePath); dir != "." {
		os.MkdirAll(dir, 0o755)
	}
	var err error
	svc.sqlWriter, err = sqlitestore.New(sqlitestore.WriterConfig{
		DBPath: svc.cfg.SQLitePath,
		OnCommit: func(d time.Duration) {
			svc.prom.SQLiteCommitDur.Observe(d.Seconds())
		},
	})
	if err != nil {
		slog.Warn("sqlite writer init failed, continuing without SQLite", "error", err)
		svc.health.SetSQLite(true, false)
		return
	}
	svc.sqlReader, err = sqlitestore.NewReader(svc.cfg.SQLitePath)
	if err != nil {
		slog.Warn("sqlite reader init failed, backfill falls back to Redis", "error", err)
	}
	svc.health.SetSQLite(true, true)
}

// Run starts all subsystems and blocks until ctx is cancelled.
func (svc *Service) Run(ctx context.Context) error {
	slog.Info("indicator engine starting",
		"indicators", svc.engine.Labels(),
		"tfs", svc.cfg.TFs,
		"strict_order", svc.cfg.StrictOrder,
	)

	keys, err := svc.discoverSeries(ctx)
	if err != nil {
		slog.Warn("series discovery incomplete", "error", err)
	}
	svc.streams = make([]string, len(keys))
	for i, k := range keys {
		svc.streams[i] = k.StreamKey()
	}
	slog.Info("series resolved", "count", len(keys))

	// Warm indicators before the first live bar.
	if svc.history != nil {
		n := indicator.Backfill(ctx, svc.engine, svc.history, keys, svc.publishDirect(ctx))
		svc.prom.BackfilledBars.Add(float64(n))
		svc.updateEngineGauges()
		slog.Info("backfill complete", "bars", n, "series", len(keys))
	}

	go svc.alerts.Run(ctx)
	svc.startSinks(ctx)
	go svc.fanout.Run(ctx, svc.records)
	go svc.processLoop(ctx)

	svc.startConsumer(ctx)
	svc.startFeed(ctx)
	svc.startConfigSubscriber(ctx)
	svc.startLiveness(ctx)
	if svc.server != nil {
		svc.server.Start()
	}

	slog.Info("indicator engine running", "streams", len(svc.streams), "http", svc.cfg.HTTPAddr)

	<-ctx.Done()
	svc.shutdown()
	return nil
}

// discoverSeries returns the configured series or, when none are
// configured, the bar streams found in Redis.
func (svc *Service) discoverSeries(ctx context.Context) ([]model.SeriesKey, error) {
	if keys := svc.cfg.SeriesKeys(); len(keys) > 0 {
		return keys, nil
	}
	if svc.redisReader == nil {
		return nil, nil
	}
	return svc.redisReader.DiscoverBarStreams(ctx, svc.cfg.TFs, nil)
}

// publishDirect writes backfill records straight to Redis; the fan-out bus
// is not running yet.
func (svc *Service) publishDirect(ctx context.Context) func([]model.IndicatorRecord) {
	if svc.redisWriter == nil {
		return nil
	}
	return func(recs []model.IndicatorRecord) {
		if err := svc.redisWriter.WriteRecords(ctx, recs); err != nil {
			slog.Debug("backfill publish failed", "error", err)
		}
	}
}

func (svc *Service) startLiveness(ctx context.Context) {
	var rdb *goredis.Client
	if svc.redisWriter != nil {
		rdb = svc.redisWriter.Client()
	}
	var db *sql.DB
	if svc.sqlWriter != nil {
		db = svc.sqlWriter.DB()
	}
	if rdb == nil && db == nil {
		return
	}
	svc.health.StartLivenessChecker(ctx, rdb, db, svc.cfg.HealthEvery)
}

func (svc *Service) updateEngineGauges() {
	labels := svc.engine.Labels()
	series := svc.engine.SeriesCount()
	svc.prom.IndicatorsCount.Set(float64(len(labels)))
	svc.prom.SeriesActive.Set(float64(series))
	svc.health.SetEngine(labels, series)
}

// shutdown stops the HTTP server and closes connections.
func (svc *Service) shutdown() {
	slog.Info("shutdown signal received")

	if svc.server != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := svc.server.Stop(stopCtx); err != nil {
			slog.Warn("http server shutdown", "error", err)
		}
		cancel()
	}
	// Let the SQLite batchers flush.
	time.Sleep(300 * time.Millisecond)

	if svc.sqlReader != nil {
		svc.sqlReader.Close()
	}
	if svc.sqlWriter != nil {
		svc.sqlWriter.Close()
	}
	if svc.redisWriter != nil {
		svc.redisWriter.Close()
	}
	if svc.redisReader != nil {
		svc.redisReader.Close()
	}
	slog.Info("shutdown complete")
}
