// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jason-s-yu/hostrelay/internal/cache"
	"github.com/jason-s-yu/hostrelay/internal/config"
	"github.com/jason-s-yu/hostrelay/internal/handlers"
	"github.com/jason-s-yu/hostrelay/internal/middleware"
	"github.com/jason-s-yu/hostrelay/internal/room"
	"github.com/jason-s-yu/hostrelay/internal/session"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

// run returns the process exit code so every deferred cleanup runs before exit.
func run() int {
	cfg, err := config.Load()
	if err != nil {
		logrus.Errorf("config: %v", err)
		return 1
	}

	logger := logrus.New()
	logger.SetLevel(cfg.LogLevel)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := room.NewRegistry(room.WithLogger(logger))
	hub := handlers.NewHub(logger)

	var (
		coordOpts []session.CoordinatorOption
		feed      *cache.EventQueue
	)
	if cfg.Redis.Addr != "" {
		rdb, err := cache.Connect(ctx, cfg.Redis.Addr, cfg.Redis.DB)
		if err != nil {
			logger.Errorf("%v", err)
			return 1
		}
		defer rdb.Close()
		feed = cache.NewEventQueue(rdb, cfg.Redis.Queue, logger)
		coordOpts = append(coordOpts, session.WithEventPublisher(feed))
		logger.Infof("publishing room events to redis list %q", cfg.Redis.Queue)
	} else {
		logger.Info("REDIS_ADDR not set, room event feed disabled")
	}
	coord := session.NewCoordinator(registry, hub, logger, coordOpts...)

	mux := http.NewServeMux()
	mux.Handle("/relay/ws", handlers.RelayWSHandler(logger, hub, coord, cfg.OriginPatterns))
	mux.Handle("/rooms/stats", handlers.RoomStatsHandler(logger, registry, hub))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           middleware.LogMiddleware(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// The feed keeps running past ctx so the closures produced on shutdown still reach Redis.
	feedCtx, stopFeed := context.WithCancel(context.Background())
	defer stopFeed()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Infof("Running on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		return coord.RunSweeper(egCtx, cfg.Rooms.SweepInterval, cfg.Rooms.StaleAfter)
	})
	if feed != nil {
		eg.Go(func() error {
			return feed.Run(feedCtx)
		})
	}
	eg.Go(func() error {
		<-egCtx.Done()
		defer stopFeed()
		return shutdown(logger, srv, coord, hub)
	})

	if err := eg.Wait(); err != nil {
		logger.Errorf("shutdown: %v", err)
		return 1
	}
	logger.Info("server stopped")
	return 0
}

// shutdown ends every room, says goodbye to every client and stops the HTTP server.
func shutdown(logger *logrus.Logger, srv *http.Server, coord *session.Coordinator, hub *handlers.Hub) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// no new keep-alive requests; upgrades still racing in are refused by the hub
	srv.SetKeepAlivesEnabled(false)

	closed := coord.Shutdown()
	logger.WithField("rooms", len(closed)).Info("closed all rooms")

	hub.Close(room.ReasonShutdown)
	if err := hub.Wait(ctx); err != nil {
		logger.Warnf("websocket connections did not drain: %v", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
