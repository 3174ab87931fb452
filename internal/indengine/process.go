package indengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"ta-engine/internal/indicator"
	"ta-engine/internal/logger"
	"ta-engine/internal/model"
	"ta-engine/internal/notification"
)

type reloadRequest struct {
	specs []indicator.Spec
	reply chan reloadResult
}

type reloadResult struct {
	Preserved  int      `json:"preserved"`
	Created    int      `json:"created"`
	Backfilled int      `json:"backfilled"`
	Indicators []string `json:"indicators"`
	Err        error    `json:"-"`
}

// processLoop owns the engine. It serves bars and reload requests until ctx
// is cancelled.
func (svc *Service) processLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sb := <-svc.bars:
			svc.processBar(ctx, sb)
		case req := <-svc.reloads:
			req.reply <- svc.applyReload(ctx, req.specs)
		}
	}
}

func (svc *Service) processBar(ctx context.Context, sb model.SeriesBar) {
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(sb.SeriesKey.String(), sb.TS))

	seriesBefore := svc.engine.SeriesCount()
	start := time.Now()
	recs, err := svc.engine.Process(sb)
	if err != nil {
		reason := "invalid"
		if errors.Is(err, indicator.ErrOutOfOrder) {
			reason = "out_of_order"
		}
		svc.prom.BarsRejected.WithLabelValues(reason).Inc()
		slog.Warn("bar rejected", append(logger.LogWithTrace(ctx), "error", err)...)
		return
	}
	svc.prom.ComputeDur.Observe(time.Since(start).Seconds())
	svc.prom.BarsTotal.WithLabelValues(strconv.Itoa(sb.TF)).Inc()
	svc.prom.RecordsTotal.Add(float64(len(recs)))
	svc.health.SetLastBarTime(sb.TS)
	if svc.engine.SeriesCount() != seriesBefore {
		svc.updateEngineGauges()
	}

	if svc.barStore != nil {
		select {
		case svc.barStore <- []model.SeriesBar{sb}:
		default:
			svc.prom.FanoutDropsTotal.WithLabelValues("bars").Inc()
		}
	}
	if len(recs) == 0 {
		return
	}
	select {
	case svc.records <- recs:
	default:
		svc.prom.FanoutDropsTotal.WithLabelValues("records").Inc()
		slog.Warn("record channel full, dropping batch", append(logger.LogWithTrace(ctx), "records", len(recs))...)
	}
}

// applyReload swaps the indicator set. When new indicators appear and
// history is available every series is reset and warmed again, so preserved
// instances never see a bar twice.
func (svc *Service) applyReload(ctx context.Context, specs []indicator.Spec) reloadResult {
	preserved, created, err := svc.engine.Reload(specs)
	if err != nil {
		svc.prom.ReloadsTotal.WithLabelValues("error").Inc()
		slog.Warn("indicator reload rejected", "error", err)
		svc.alerts.Notify(notification.LevelWarning, "Indicator reload rejected", err.Error())
		return reloadResult{Err: err, Indicators: svc.engine.Labels()}
	}
	res := reloadResult{Preserved: preserved, Created: created}

	if created > 0 && svc.history != nil {
		keys := svc.engine.Series()
		for _, k := range keys {
			svc.engine.ResetSeries(k)
		}
		res.Backfilled = indicator.Backfill(ctx, svc.engine, svc.history, keys, nil)
		svc.prom.BackfilledBars.Add(float64(res.Backfilled))
	}

	res.Indicators = svc.engine.Labels()
	svc.prom.ReloadsTotal.WithLabelValues("ok").Inc()
	svc.updateEngineGauges()
	svc.alerts.Notify(notification.LevelInfo, "Indicators reloaded",
		fmt.Sprintf("%d preserved, %d created, %d bars backfilled", preserved, created, res.Backfilled))
	slog.Info("indicators reloaded",
		"preserved", preserved,
		"created", created,
		"backfilled", res.Backfilled,
		"indicators", res.Indicators,
	)
	return res
}

// requestReload validates specs and hands them to processLoop.
func (svc *Service) requestReload(ctx context.Context, specs []indicator.Spec) (reloadResult, error) {
	err := indicator.ValidateSpecs(specs)
	if err == nil && len(specs) == 0 {
		err = fmt.Errorf("%w: empty indicator list", indicator.ErrInvalidParam)
	}
	if err != nil {
		svc.prom.ReloadsTotal.WithLabelValues("error").Inc()
		return reloadResult{}, err
	}
	req := reloadRequest{specs: specs, reply: make(chan reloadResult, 1)}
	select {
	case svc.reloads <- req:
	case <-ctx.Done():
		return reloadResult{}, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res, res.Err
	case <-ctx.Done():
		return reloadResult{}, ctx.Err()
	}
}
