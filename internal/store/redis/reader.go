package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"ta-engine/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// ReaderConfig configures the Redis reader.
type ReaderConfig struct {
	Addr          string
	Password      string
	DB            int
	ConsumerGroup string // consumer group name, e.g. "indengine"
	ConsumerName  string // unique consumer name, e.g. hostname
}

// Reader reads closed bars from Redis Streams via consumer groups.
type Reader struct {
	client        *goredis.Client
	consumerGroup string
	consumerName  string
}

// NewReader creates a new Redis Reader and pings the server.
func NewReader(cfg ReaderConfig) (*Reader, error) {
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

	group := cfg.ConsumerGroup
	if group == "" {
		group = "indengine"
	}
	consumer := cfg.ConsumerName
	if consumer == "" {
		consumer = "worker-1"
	}

	slog.Info("redis reader connected", "addr", cfg.Addr, "group", group, "consumer", consumer)
	return &Reader{
		client:        client,
		consumerGroup: group,
		consumerName:  consumer,
	}, nil
}

// Client returns the underlying Redis client for health checks.
func (r *Reader) Client() *goredis.Client { return r.client }

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// EnsureConsumerGroup creates the consumer group on every stream if missing.
// Fresh groups start at "$" (only new messages).
func (r *Reader) EnsureConsumerGroup(ctx context.Context, streams []string) error {
	for _, stream := range streams {
		err := r.client.XGroupCreateMkStream(ctx, stream, r.consumerGroup, "$").Err()
		if err != nil && !isBusyGroup(err) {
			return fmt.Errorf("xgroup create %s: %w", stream, err)
		}
	}
	return nil
}

// decodeBar parses a stream message into a series bar. Series fields the
// payload leaves empty are taken from the stream key.
func decodeBar(stream string, values map[string]interface{}) (model.SeriesBar, error) {
	var sb model.SeriesBar
	data, ok := values["data"].(string)
	if !ok {
		return sb, errors.New("missing data field")
	}
	if err := json.Unmarshal([]byte(data), &sb); err != nil {
		return sb, fmt.Errorf("unmarshal bar: %w", err)
	}
	if sb.Exchange == "" || sb.Symbol == "" || sb.TF == 0 {
		key, err := ParseStreamKey(stream)
		if err != nil {
			return sb, err
		}
		if sb.Exchange == "" {
			sb.Exchange = key.Exchange
		}
		if sb.Symbol == "" {
			sb.Symbol = key.Symbol
		}
		if sb.TF == 0 {
			sb.TF = key.TF
		}
	}
	if sb.TS.IsZero() {
		return sb, errors.New("bar without timestamp")
	}
	return sb, nil
}

// ParseStreamKey is the inverse of model.SeriesKey.StreamKey.
func ParseStreamKey(stream string) (model.SeriesKey, error) {
	parts := strings.SplitN(stream, ":", 4)
	if len(parts) != 4 || parts[0] != "bar" || !strings.HasSuffix(parts[1], "s") {
		return model.SeriesKey{}, fmt.Errorf("not a bar stream: %q", stream)
	}
	tf, err := strconv.Atoi(strings.TrimSuffix(parts[1], "s"))
	if err != nil || tf <= 0 {
		return model.SeriesKey{}, fmt.Errorf("bad timeframe in %q", stream)
	}
	return model.SeriesKey{Exchange: parts[2], Symbol: parts[3], TF: tf}, nil
}

// deliver decodes msg, sends it to out and acknowledges it. Undecodable
// messages are acknowledged and skipped so they cannot block the group.
func (r *Reader) deliver(ctx context.Context, stream string, msg goredis.XMessage, out chan<- model.SeriesBar) error {
	sb, err := decodeBar(stream, msg.Values)
	if err != nil {
		slog.Warn("redis reader dropping bad message", "stream", stream, "id", msg.ID, "error", err)
		r.client.XAck(ctx, stream, r.consumerGroup, msg.ID)
		return nil
	}
	select {
	case out <- sb:
	case <-ctx.Done():
		return ctx.Err()
	}
	// ACK after hand-off
	r.client.XAck(ctx, stream, r.consumerGroup, msg.ID)
	return nil
}

// ConsumeBars reads closed bars using the consumer group and sends them to
// out. Blocks on XREADGROUP until ctx is cancelled.
func (r *Reader) ConsumeBars(ctx context.Context, streams []string, out chan<- model.SeriesBar) error {
	// [stream1, stream2, ..., ">", ">", ...]
	args := make([]string, len(streams)*2)
	for i, s := range streams {
		args[i] = s
		args[len(streams)+i] = ">"
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		results, err := r.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    r.consumerGroup,
			Consumer: r.consumerName,
			Streams:  args,
			Count:    100,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if err == goredis.Nil || ctx.Err() != nil {
				continue
			}
			slog.Error("redis xreadgroup failed", "error", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, stream := range results {
			for _, msg := range stream.Messages {
				if err := r.deliver(ctx, stream.Stream, msg, out); err != nil {
					return err
				}
			}
		}
	}
}

// RecoverPending re-delivers messages left unacknowledged by a previous run,
// giving at-least-once delivery across restarts.
func (r *Reader) RecoverPending(ctx context.Context, streams []string, out chan<- model.SeriesBar) (int, error) {
	recovered := 0
	for _, stream := range streams {
		for {
			pending, err := r.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
				Stream: stream,
				Group:  r.consumerGroup,
				Start:  "-",
				End:    "+",
				Count:  100,
			}).Result()
			if err != nil || len(pending) == 0 {
				break
			}

			ids := make([]string, len(pending))
			for i, p := range pending {
				ids[i] = p.ID
			}

			claimed, err := r.client.XClaim(ctx, &goredis.XClaimArgs{
				Stream:   stream,
				Group:    r.consumerGroup,
				Consumer: r.consumerName,
				MinIdle:  0,
				Messages: ids,
			}).Result()
			if err != nil {
				slog.Error("redis xclaim failed", "stream", stream, "error", err)
				break
			}

			for _, msg := range claimed {
				if err := r.deliver(ctx, stream, msg, out); err != nil {
					return recovered, err
				}
				recovered++
			}

			if len(claimed) < len(ids) {
				break
			}
		}
	}
	return recovered, nil
}

// ReadBars returns the bars of key whose timestamps fall in [from, to),
// oldest first. A zero to means no upper bound. Only what the stream still
// holds after trimming is returned.
func (r *Reader) ReadBars(ctx context.Context, key model.SeriesKey, from, to time.Time) ([]model.Bar, error) {
	const page = 1000
	stream := key.StreamKey()
	start := "-"
	var bars []model.Bar
	for {
		msgs, err := r.client.XRangeN(ctx, stream, start, "+", page).Result()
		if err != nil {
			return nil, fmt.Errorf("xrange %s from %s: %w", stream, start, err)
		}
		for _, msg := range msgs {
			sb, err := decodeBar(stream, msg.Values)
			if err != nil || !inWindow(sb.TS, from, to) {
				continue
			}
			bars = append(bars, sb.Bar)
		}
		if len(msgs) < page {
			return bars, nil
		}
		start = "(" + msgs[len(msgs)-1].ID
	}
}

func inWindow(ts, from, to time.Time) bool {
	return !ts.Before(from) && (to.IsZero() || ts.Before(to))
}

// LastBars returns up to n of the most recent bars of key, oldest first.
func (r *Reader) LastBars(ctx context.Context, key model.SeriesKey, n int) ([]model.Bar, error) {
	stream := key.StreamKey()
	msgs, err := r.client.XRevRangeN(ctx, stream, "+", "-", int64(n)).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange %s: %w", stream, err)
	}
	bars := make([]model.Bar, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		sb, err := decodeBar(stream, msgs[i].Values)
		if err != nil {
			continue
		}
		bars = append(bars, sb.Bar)
	}
	return bars, nil
}

// DiscoverBarStreams lists the existing bar streams for the given timeframes,
// optionally restricted to symbols. An empty symbols slice matches all.
func (r *Reader) DiscoverBarStreams(ctx context.Context, tfs []int, symbols []string) ([]model.SeriesKey, error) {
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}

	var keys []model.SeriesKey
	for _, tf := range tfs {
		iter := r.client.Scan(ctx, 0, "bar:"+strconv.Itoa(tf)+"s:*", 500).Iterator()
		for iter.Next(ctx) {
			key, err := ParseStreamKey(iter.Val())
			if err != nil {
				continue
			}
			if len(want) > 0 && !want[key.Symbol] {
				continue
			}
			keys = append(keys, key)
		}
		if err := iter.Err(); err != nil {
			return keys, fmt.Errorf("scan bar streams tf=%d: %w", tf, err)
		}
	}
	return keys, nil
}

// SubscribeChannel subscribes to a Redis Pub/Sub channel and waits for the
// confirmation. The caller listens on the returned handle's Channel().
func (r *Reader) SubscribeChannel(ctx context.Context, channel string) (*goredis.PubSub, error) {
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return pubsub, nil
}

// Close closes the Redis client.
func (r *Reader) Close() error {
	return r.client.Close()
}
