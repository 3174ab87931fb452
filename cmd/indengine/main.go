package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ta-engine/config"
	"ta-engine/internal/indengine"
	"ta-engine/internal/indicator"
	"ta-engine/internal/logger"
	redisstore "ta-engine/internal/store/redis"
)

func main() {
	issue := flag.String("issue-token", "", "print an admin bearer token for this subject and exit")
	ttl := flag.Duration("token-ttl", 24*time.Hour, "lifetime of an issued admin token")
	reload := flag.String("publish-reload", "", "publish an indicator list on the reload channel and exit")
	flag.Parse()

	cfg := config.Load(".env")
	logger.Init("indengine", logger.ParseLevel(cfg.LogLevel))

	if *issue != "" {
		tok, err := indengine.IssueAdminToken(cfg.AdminJWTSecret, *issue, *ttl)
		if err != nil {
			slog.Error("issue token", "error", err)
			os.Exit(1)
		}
		fmt.Println(tok)
		return
	}

	if *reload != "" {
		if err := publishReload(cfg, *reload); err != nil {
			slog.Error("publish reload", "error", err)
			os.Exit(1)
		}
		return
	}

	svcCfg, err := indengine.LoadConfig(cfg)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded",
		"tfs", svcCfg.TFs,
		"instruments", len(svcCfg.Instruments),
		"indicators", len(svcCfg.Specs),
		"consumer", svcCfg.ConsumerName,
		"admin_auth", svcCfg.AdminJWTSecret != "",
	)

	svc, err := indengine.New(svcCfg)
	if err != nil {
		slog.Error("init failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := svc.Run(ctx); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

// publishReload validates specs locally and broadcasts them to every running
// engine through Redis.
func publishReload(cfg *config.Config, specs string) error {
	parsed, err := indicator.ParseSpecs(specs)
	if err != nil {
		return err
	}
	if err := indicator.ValidateSpecs(parsed); err != nil {
		return err
	}
	w, err := redisstore.New(redisstore.WriterConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		return err
	}
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Publish(ctx, redisstore.ConfigChannel, specs); err != nil {
		return err
	}
	slog.Info("reload published", "channel", redisstore.ConfigChannel, "indicators", len(parsed))
	return nil
}
