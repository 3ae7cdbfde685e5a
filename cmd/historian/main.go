// cmd/historian/main.go drains the room event feed from Redis into PostgreSQL.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jason-s-yu/hostrelay/internal/cache"
	"github.com/jason-s-yu/hostrelay/internal/config"
	"github.com/jason-s-yu/hostrelay/internal/database"
	"github.com/jason-s-yu/hostrelay/internal/historian"
	"github.com/sirupsen/logrus"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		logrus.Errorf("config: %v", err)
		return 1
	}

	logger := logrus.New()
	logger.SetLevel(cfg.LogLevel)

	if cfg.Redis.Addr == "" || cfg.DB.URL == "" {
		logger.Error("REDIS_ADDR and DATABASE_URL are required")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := cache.Connect(ctx, cfg.Redis.Addr, cfg.Redis.DB)
	if err != nil {
		logger.Errorf("%v", err)
		return 1
	}
	defer rdb.Close()

	pool, err := database.Connect(ctx, cfg.DB.URL)
	if err != nil {
		logger.Errorf("%v", err)
		return 1
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Errorf("%v", err)
		return 1
	}

	svc := historian.New(rdb, &database.RoomHistoryStore{Pool: pool}, historian.Options{
		Queue:         cfg.Redis.Queue,
		BatchSize:     cfg.Historian.BatchSize,
		FlushInterval: cfg.Historian.FlushInterval,
	}, logger)

	if err := svc.Run(ctx); err != nil {
		logger.Errorf("historian: %v", err)
		return 1
	}
	return 0
}
