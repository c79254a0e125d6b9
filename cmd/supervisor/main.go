package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/user/crawl-supervisor/internal/api"
	"github.com/user/crawl-supervisor/internal/config"
	"github.com/user/crawl-supervisor/internal/monitoring"
	"github.com/user/crawl-supervisor/internal/orchestrator"
	"github.com/user/crawl-supervisor/internal/runs"
	"github.com/user/crawl-supervisor/internal/storage"
	"github.com/user/crawl-supervisor/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("could not load config: " + err.Error())
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic("could not build logger: " + err.Error())
	}
	defer log.Sync()

	ctx := context.Background()
	checks := make(map[string]api.Pinger)

	// Initialize Storage Layer, both optional
	var store runs.RunStore
	if cfg.PostgresURL != "" {
		pgStore, err := storage.NewPostgresStore(ctx, cfg.PostgresURL)
		if err != nil {
			log.Fatal("failed to connect to postgres", zap.Error(err))
		}
		defer pgStore.Close()
		store = pgStore
		checks["postgres"] = pgStore
	}

	var cache runs.BundleCache
	if cfg.RedisAddr != "" {
		redisStore := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer redisStore.Close()
		cache = redisStore
		checks["redis"] = redisStore
	}

	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)

	orch := orchestrator.NewFromConfig(cfg, metrics, log)

	lockTTL := 24 * time.Hour
	if t := cfg.RunTimeout(); t > 0 {
		lockTTL = t + time.Minute
	}
	manager := runs.NewManager(orch, store, cache, runs.Options{
		BundleTTL: cfg.BundleTTL(),
		LockTTL:   lockTTL,
	}, log)

	server := api.NewServer(cfg, manager, checks, metrics, log)

	// Graceful Shutdown
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("could not start server", zap.Error(err))
		}
	}()

	log.Info("server started",
		zap.String("port", cfg.ServerPort),
		zap.String("worker", cfg.WorkerCommand),
		zap.String("output_root", cfg.OutputRoot),
		zap.Bool("postgres", store != nil),
		zap.Bool("redis", cache != nil),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Stop runs first so open event streams receive their done event.
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Error("runs did not stop in time", zap.Error(err))
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server exiting")
}
