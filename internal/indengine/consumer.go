package indengine

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"ta-engine/internal/indicator"
	"ta-engine/internal/marketdata/agg"
	"ta-engine/internal/marketdata/ws"
	"ta-engine/internal/model"
	"ta-engine/internal/notification"
	redisstore "ta-engine/internal/store/redis"
)

// startSinks subscribes the Redis and SQLite writers and the WebSocket hub
// to the record bus. Subscriptions must exist before the bus starts.
func (svc *Service) startSinks(ctx context.Context) {
	go svc.hub.Run(ctx, svc.fanout.Subscribe("ws"))

	if svc.redisWriter != nil {
		ch := svc.fanout.Subscribe("redis")
		go func() {
			for recs := range ch {
				if err := svc.redisWriter.WriteRecords(ctx, recs); err != nil {
					slog.Debug("redis write failed", "records", len(recs), "error", err)
				}
			}
		}()
	}

	if svc.sqlWriter == nil {
		return
	}
	if svc.cfg.StoreResults {
		go svc.sqlWriter.RunRecords(ctx, svc.fanout.Subscribe("sqlite"))
	}
	if svc.cfg.StoreBars {
		svc.barStore = make(chan []model.SeriesBar, barBuffer)
		go svc.sqlWriter.RunBars(ctx, svc.barStore)
	}
}

// startConsumer reads closed bars from the Redis streams: first whatever a
// previous run left pending, then new messages.
func (svc *Service) startConsumer(ctx context.Context) {
	if svc.redisReader == nil || len(svc.streams) == 0 {
		slog.Warn("no bar streams to consume")
		return
	}
	if err := svc.redisReader.EnsureConsumerGroup(ctx, svc.streams); err != nil {
		slog.Error("consumer group setup failed", "error", err)
		return
	}
	go func() {
		n, err := svc.redisReader.RecoverPending(ctx, svc.streams, svc.bars)
		if err != nil && ctx.Err() == nil {
			slog.Warn("pending recovery failed", "error", err)
		} else if n > 0 {
			slog.Info("recovered pending bars", "count", n)
		}
		if err := svc.redisReader.ConsumeBars(ctx, svc.streams, svc.bars); err != nil && ctx.Err() == nil {
			slog.Error("bar consumer stopped", "error", err)
		}
	}()
}

// startFeed connects the optional WebSocket feed. Bars go straight to the
// engine; ticks are aggregated on the configured timeframes first.
func (svc *Service) startFeed(ctx context.Context) {
	if svc.cfg.FeedURL == "" {
		return
	}
	feed, err := ws.New(ws.Config{URL: svc.cfg.FeedURL})
	if err != nil {
		slog.Error("feed disabled", "error", err)
		return
	}
	svc.health.SetFeed(true, false)
	feed.OnConnect = func(ok bool) {
		svc.health.SetFeed(true, ok)
		if !ok && ctx.Err() == nil {
			svc.alerts.Notify(notification.LevelWarning, "Feed disconnected", svc.cfg.FeedURL)
		}
	}
	feed.OnReconnect = func() { svc.prom.FeedReconnects.Inc() }
	feed.OnDrop = func(kind string) { svc.prom.FanoutDropsTotal.WithLabelValues("feed_" + kind).Inc() }

	ticks := make(chan model.Tick, barBuffer)
	aggr := agg.New(svc.cfg.TFs)
	aggr.OnDroppedBar = func() { svc.prom.FanoutDropsTotal.WithLabelValues("agg").Inc() }
	aggr.OnDroppedTick = func() { svc.prom.BarsRejected.WithLabelValues("late_tick").Inc() }
	go aggr.Run(ctx, ticks, svc.bars)

	go func() {
		if err := feed.Start(ctx, svc.bars, ticks); err != nil && ctx.Err() == nil {
			slog.Error("feed stopped", "error", err)
		}
	}()
	slog.Info("feed started", "url", svc.cfg.FeedURL)
}

// startConfigSubscriber applies indicator lists published on the config
// channel, in the same text form as INDICATORS.
func (svc *Service) startConfigSubscriber(ctx context.Context) {
	if svc.redisReader == nil {
		return
	}
	pubsub, err := svc.redisReader.SubscribeChannel(ctx, redisstore.ConfigChannel)
	if err != nil {
		slog.Warn("config subscription failed, hot reload via HTTP only", "error", err)
		return
	}
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				svc.reloadFromMessage(ctx, msg.Payload)
			}
		}
	}()
}

func (svc *Service) reloadFromMessage(ctx context.Context, payload string) {
	specs, err := parseSpecsPayload([]byte(strings.TrimSpace(payload)))
	if err != nil {
		svc.prom.ReloadsTotal.WithLabelValues("error").Inc()
		slog.Warn("bad indicator config message", "error", err)
		return
	}
	rctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := svc.requestReload(rctx, specs); err != nil {
		slog.Warn("config reload failed", "error", err)
	}
}

var _ indicator.HistoryReader = (*redisstore.Reader)(nil)
