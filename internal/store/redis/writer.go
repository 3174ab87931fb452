package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ta-engine/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	defaultLatestTTL    = 30 * time.Minute
	defaultMaxFailures  = 5
	defaultResetTimeout = 10 * time.Second

	// ConfigChannel carries indicator list changes for hot reload.
	ConfigChannel = "config:indicators"
)

// WriterConfig configures the Redis writer.
type WriterConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int

	LatestTTL    time.Duration // TTL of the latest-value keys (default 30m)
	MaxFailures  int           // consecutive pipeline failures before the breaker opens
	ResetTimeout time.Duration // how long the breaker stays open
}

// Writer publishes bars and indicator records to Redis. Every pipeline runs
// through a circuit breaker so a down server costs one rejected call per
// batch instead of a network timeout.
type Writer struct {
	client    *goredis.Client
	cb        *CircuitBreaker
	latestTTL time.Duration

	// Optional metric hooks.
	OnPipeline func(time.Duration) // successful pipeline latency
	OnDrop     func(records int)   // records lost to an open breaker or failed pipeline
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// Breaker returns the writer's circuit breaker.
func (w *Writer) Breaker() *CircuitBreaker { return w.cb }

// New creates a new Redis Writer and pings the server.
func New(cfg WriterConfig) (*Writer, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	slog.Info("redis writer connected", "addr", cfg.Addr)
	return newWriter(client, cfg), nil
}

func newWriter(client *goredis.Client, cfg WriterConfig) *Writer {
	if cfg.LatestTTL <= 0 {
		cfg.LatestTTL = defaultLatestTTL
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
	return &Writer{
		client:    client,
		cb:        NewCircuitBreaker(cfg.MaxFailures, cfg.ResetTimeout),
		latestTTL: cfg.LatestTTL,
	}
}

// streamMaxLen keeps about 3h of entries for timeframe tf, never fewer
// than 200.
func streamMaxLen(tf int) int64 {
	if tf <= 0 {
		return 200
	}
	n := int64(10800/tf) + 100
	if n < 200 {
		n = 200
	}
	return n
}

// readyRecords returns the records worth publishing: warming and invalid
// outputs carry no value for downstream consumers.
func readyRecords(recs []model.IndicatorRecord) int {
	n := 0
	for i := range recs {
		if recs[i].Ready {
			n++
		}
	}
	return n
}

// WriteRecords publishes ready records in one pipeline: XADD to the
// record stream, SET the latest key and PUBLISH for live subscribers.
func (w *Writer) WriteRecords(ctx context.Context, recs []model.IndicatorRecord) error {
	ready := readyRecords(recs)
	if ready == 0 {
		return nil
	}

	err := w.exec(ctx, func(pipe goredis.Pipeliner) {
		for i := range recs {
			r := &recs[i]
			if !r.Ready {
				continue
			}
			data := string(r.JSON())
			pipe.XAdd(ctx, &goredis.XAddArgs{
				Stream: r.StreamKey(),
				MaxLen: streamMaxLen(r.TF),
				Approx: true,
				Values: map[string]interface{}{"data": data},
			})
			pipe.Set(ctx, r.LatestKey(), data, w.latestTTL)
			pipe.Publish(ctx, r.PubSubChannel(), data)
		}
	})
	if err != nil && w.OnDrop != nil {
		w.OnDrop(ready)
	}
	return err
}

// WriteBars appends bars to their series streams, where the indicator
// service consumes them.
func (w *Writer) WriteBars(ctx context.Context, bars []model.SeriesBar) error {
	if len(bars) == 0 {
		return nil
	}
	return w.exec(ctx, func(pipe goredis.Pipeliner) {
		for i := range bars {
			b := &bars[i]
			pipe.XAdd(ctx, &goredis.XAddArgs{
				Stream: b.StreamKey(),
				MaxLen: streamMaxLen(b.TF),
				Approx: true,
				Values: map[string]interface{}{"data": string(b.JSON())},
			})
		}
	})
}

// Publish sends message on a Pub/Sub channel.
func (w *Writer) Publish(ctx context.Context, channel, message string) error {
	return w.client.Publish(ctx, channel, message).Err()
}

func (w *Writer) exec(ctx context.Context, fill func(goredis.Pipeliner)) error {
	return w.cb.Execute(func() error {
		start := time.Now()
		pipe := w.client.Pipeline()
		fill(pipe)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("redis pipeline: %w", err)
		}
		if w.OnPipeline != nil {
			w.OnPipeline(time.Since(start))
		}
		return nil
	})
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}
