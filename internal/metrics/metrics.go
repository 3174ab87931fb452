package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics for the indicator engine.
type Metrics struct {
	BarsTotal       *prometheus.CounterVec // labels: tf
	BarsRejected    *prometheus.CounterVec // labels: reason=out_of_order|decode
	RecordsTotal    prometheus.Counter
	ComputeDur      prometheus.Histogram
	SeriesActive    prometheus.Gauge
	IndicatorsCount prometheus.Gauge
	ReloadsTotal    *prometheus.CounterVec // labels: result=ok|error

	// Feeds
	FeedReconnects   prometheus.Counter
	FanoutDropsTotal *prometheus.CounterVec // labels: subscriber
	BackfilledBars   prometheus.Counter

	// Sinks
	RedisWriteDur            prometheus.Histogram
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisDroppedRecords      prometheus.Counter
	SQLiteCommitDur          prometheus.Histogram
}

// NewMetrics creates the metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in services and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BarsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indengine_bars_total",
			Help: "Bars fed to the indicator engine (by timeframe)",
		}, []string{"tf"}),
		BarsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indengine_bars_rejected_total",
			Help: "Bars rejected before reaching indicators",
		}, []string{"reason"}),
		RecordsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "indengine_records_total",
			Help: "Indicator records produced",
		}),
		ComputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "indengine_compute_duration_seconds",
			Help:    "Engine compute latency per bar, all indicators",
			Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005},
		}),
		SeriesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "indengine_series_active",
			Help: "Series holding indicator state",
		}),
		IndicatorsCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "indengine_indicators_configured",
			Help: "Indicators computed per series",
		}),
		ReloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indengine_reloads_total",
			Help: "Indicator set reloads",
		}, []string{"result"}),

		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "indengine_feed_reconnects_total",
			Help: "WebSocket bar feed reconnection attempts",
		}),
		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indengine_fanout_drops_total",
			Help: "Record batches dropped by the fan-out bus per subscriber",
		}, []string{"subscriber"}),
		BackfilledBars: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "indengine_backfilled_bars_total",
			Help: "Historical bars replayed to warm indicators",
		}),

		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "indengine_redis_write_duration_seconds",
			Help:    "Redis record pipeline latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "indengine_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "indengine_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisDroppedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "indengine_redis_dropped_records_total",
			Help: "Records not written because the Redis circuit was open",
		}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "indengine_sqlite_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.BarsTotal,
		m.BarsRejected,
		m.RecordsTotal,
		m.ComputeDur,
		m.SeriesActive,
		m.IndicatorsCount,
		m.ReloadsTotal,
		m.FeedReconnects,
		m.FanoutDropsTotal,
		m.BackfilledBars,
		m.RedisWriteDur,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisDroppedRecords,
		m.SQLiteCommitDur,
	)

	return m
}

// HealthStatus represents the service health.
type HealthStatus struct {
	mu sync.RWMutex

	FeedConnected  bool      `json:"feed_connected"`
	FeedEnabled    bool      `json:"feed_enabled"`
	LastBarTime    time.Time `json:"last_bar_time"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	SQLiteEnabled  bool      `json:"sqlite_enabled"`
	Indicators     []string  `json:"indicators"`
	Series         int       `json:"series"`

	// Liveness check results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetFeed(enabled, connected bool) {
	h.mu.Lock()
	h.FeedEnabled = enabled
	h.FeedConnected = connected
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastBarTime(t time.Time) {
	h.mu.Lock()
	h.LastBarTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLite(enabled, ok bool) {
	h.mu.Lock()
	h.SQLiteEnabled = enabled
	h.SQLiteOK = ok
	h.mu.Unlock()
}

func (h *HealthStatus) SetEngine(indicators []string, series int) {
	h.mu.Lock()
	h.Indicators = indicators
	h.Series = series
	h.mu.Unlock()
}

// IndicatorLabels returns a copy of the active indicator labels.
func (h *HealthStatus) IndicatorLabels() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.Indicators...)
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Either client may be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(checkCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(checkCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint. Redis is required; the feed and
// SQLite only count when enabled.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	if (h.FeedEnabled && !h.FeedConnected) || (h.SQLiteEnabled && !h.SQLiteOK) {
		overallStatus = "degraded"
	}
	if !h.RedisConnected {
		overallStatus = "unhealthy"
		httpCode = http.StatusServiceUnavailable
	}

	barAge := ""
	if !h.LastBarTime.IsZero() {
		barAge = time.Since(h.LastBarTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string   `json:"status"`
		Uptime          string   `json:"uptime"`
		FeedEnabled     bool     `json:"feed_enabled"`
		FeedConnected   bool     `json:"feed_connected"`
		LastBarTime     string   `json:"last_bar_time"`
		BarAge          string   `json:"bar_age"`
		RedisConnected  bool     `json:"redis_connected"`
		RedisLatencyMs  float64  `json:"redis_latency_ms"`
		SQLiteEnabled   bool     `json:"sqlite_enabled"`
		SQLiteOK        bool     `json:"sqlite_ok"`
		SQLiteLatencyMs float64  `json:"sqlite_latency_ms"`
		Indicators      []string `json:"indicators"`
		Series          int      `json:"series"`
		LastCheckAt     string   `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		FeedEnabled:     h.FeedEnabled,
		FeedConnected:   h.FeedConnected,
		LastBarTime:     h.LastBarTime.Format(time.RFC3339),
		BarAge:          barAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteEnabled:   h.SQLiteEnabled,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		Indicators:      h.Indicators,
		Series:          h.Series,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics, /healthz and any extra
// handlers the caller mounts on Mux before Start.
type Server struct {
	Mux  *http.ServeMux
	addr string
	srv  *http.Server
}

// NewServer creates a metrics and health server serving metrics from g.
func NewServer(addr string, health *HealthStatus, g prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		Mux:  mux,
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		slog.Info("http server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
