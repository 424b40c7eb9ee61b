package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/vastrel/credpool/internal/alerts"
	"github.com/vastrel/credpool/internal/api"
	"github.com/vastrel/credpool/internal/breaker"
	"github.com/vastrel/credpool/internal/capacity"
	"github.com/vastrel/credpool/internal/config"
	"github.com/vastrel/credpool/internal/db"
	"github.com/vastrel/credpool/internal/metrics"
	"github.com/vastrel/credpool/internal/notify"
	"github.com/vastrel/credpool/internal/pool"
	"github.com/vastrel/credpool/internal/selector"
	"github.com/vastrel/credpool/internal/storage/redis"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Setup logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Database
	if err := db.Migrate(cfg.Database.URL); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	database, err := db.NewConnection(cfg.Database.URL, cfg.Database.MaxConnections, cfg.Database.MaxIdleConns)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	repo := db.NewRepository(database)

	// Redis
	cache := redis.NewClient(cfg.Redis.URL)
	defer cache.Close()

	// Core services
	collector := metrics.NewCollector()
	tracker := capacity.NewTracker(cache, cfg.Capacity, logger)
	brk := breaker.NewBreaker(cfg.Breaker, repo, logger)

	strategy, err := selector.New(cfg.Selector.Strategy, cfg.Selector)
	if err != nil {
		logger.Fatal("Invalid selection strategy",
			zap.String("strategy", cfg.Selector.Strategy),
			zap.Strings("known", selector.Names()),
			zap.Error(err),
		)
	}

	notifier := notify.NewWebhookNotifier(cfg.Alerting.WebhookURL)
	dispatcher := alerts.NewDispatcher(cache, notifier, cfg.Alerting, collector, logger)

	accountPool := pool.New(repo, tracker, brk, strategy, dispatcher, collector, logger)

	// API Server
	server := api.NewServer(cfg, accountPool, repo, logger)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: server.Router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("API server started",
		zap.String("port", cfg.Server.Port),
		zap.String("strategy", strategy.Name()),
	)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
