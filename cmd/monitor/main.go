package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/vastrel/credpool/internal/alerts"
	"github.com/vastrel/credpool/internal/config"
	"github.com/vastrel/credpool/internal/db"
	"github.com/vastrel/credpool/internal/metrics"
	"github.com/vastrel/credpool/internal/notify"
	"github.com/vastrel/credpool/internal/quota"
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
	database, err := db.NewConnection(cfg.Database.URL, cfg.Database.MaxConnections, cfg.Database.MaxIdleConns)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	repo := db.NewRepository(database)

	// Redis (cooldown gates)
	cache := redis.NewClient(cfg.Redis.URL)
	defer cache.Close()

	collector := metrics.NewCollector()
	notifier := notify.NewWebhookNotifier(cfg.Alerting.WebhookURL)
	dispatcher := alerts.NewDispatcher(cache, notifier, cfg.Alerting, collector, logger)
	authority := quota.NewAdminAPIClient(cfg.Authority)

	monitor := quota.NewMonitor(repo, authority, dispatcher, cfg.Monitor, collector, logger)

	ctx, cancel := context.WithCancel(context.Background())

	go monitor.Start(ctx)

	logger.Info("Quota monitor started",
		zap.Duration("sync_interval", cfg.Monitor.SyncInterval),
	)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down quota monitor")
	cancel()
	logger.Info("Quota monitor stopped")
}
