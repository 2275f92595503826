package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/streak-league/internal/config"
	"github.com/streak-league/internal/handler"
	"github.com/streak-league/internal/kafka"
	"github.com/streak-league/internal/postgres"
	"github.com/streak-league/internal/redis"
	"github.com/streak-league/internal/scheduler"
	"github.com/streak-league/internal/service"
	"github.com/streak-league/internal/websocket"
	"github.com/streak-league/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	loadErr := err
	if err != nil {
		cfg = config.DefaultConfig()
	}

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	}))
	slog.SetDefault(logger)
	if loadErr != nil {
		logger.Warn("failed to load config file, using defaults", "error", loadErr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Redis
	logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
	store, err := redis.NewStore(&cfg.Redis, logger)
	if err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("connected to Redis")

	// Initialize PostgreSQL
	logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	postgresRepo, err := postgres.NewRepository(&cfg.Postgres, logger)
	if err != nil {
		logger.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer postgresRepo.Close()
	logger.Info("connected to PostgreSQL")

	if err := postgresRepo.RunMigrations(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Initialize WebSocket hub
	wsHub := websocket.NewHub(logger)
	go wsHub.Run()

	// Ranking engine
	rankingService := service.NewRankingService(store, postgresRepo, &cfg.Ranking, logger)
	rankingService.SetRecorder(postgresRepo)
	rankingService.SetBroadcaster(wsHub)

	localExecutor := scheduler.NewLocalExecutor(rankingService, logger)
	var remoteExecutor scheduler.Executor
	if cfg.Scheduler.RemoteURL != "" {
		remoteExecutor = scheduler.NewRemoteExecutor(&cfg.Scheduler, nil, logger)
	}
	facade := scheduler.NewFacade(remoteExecutor, localExecutor, store, rankingService.Location(), logger)

	// Archive sync worker
	syncWorker := worker.NewSyncWorker(store, postgresRepo, &cfg.Sync, logger)

	// Restore from the archive when Redis is empty (recovery)
	if restored, err := syncWorker.SyncFromDatabase(ctx); err != nil {
		logger.Warn("failed to restore rankings from database on startup", "error", err)
	} else if restored > 0 {
		logger.Info("rankings restored from database", "count", restored)
	}

	if cfg.Sync.Enabled {
		if err := syncWorker.Start(ctx); err != nil {
			logger.Error("failed to start sync worker", "error", err)
			os.Exit(1)
		}
	}

	triggerWorker := worker.NewTriggerWorker(facade, cfg.Scheduler.CheckInterval, logger)
	if cfg.Scheduler.Enabled {
		if err := triggerWorker.Start(ctx); err != nil {
			logger.Error("failed to start trigger worker", "error", err)
			os.Exit(1)
		}
	}

	// Kafka consumer for page activity
	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka consumer",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.Topic,
		)
		kafkaConsumer, err = kafka.NewConsumer(&cfg.Kafka, rankingService, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
			kafkaConsumer = nil
		} else if err := kafkaConsumer.Start(); err != nil {
			logger.Warn("failed to start Kafka consumer, continuing without Kafka", "error", err)
			kafkaConsumer = nil
		}
	}

	httpHandler := handler.NewHandler(rankingService, facade, wsHub, logger)
	httpHandler.SetExecutor(localExecutor, cfg.Scheduler.AuthToken)
	httpHandler.AddReadinessCheck("redis", store)
	httpHandler.AddReadinessCheck("postgres", postgresRepo)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	wsHub.Stop()

	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}

	if err := triggerWorker.Stop(); err != nil {
		logger.Error("failed to stop trigger worker", "error", err)
	}

	if err := syncWorker.Stop(); err != nil {
		logger.Error("failed to stop sync worker", "error", err)
	}

	// Final archive pass so the last writes survive a Redis loss
	if _, err := syncWorker.RunOnce(shutdownCtx); err != nil {
		logger.Error("final sync failed", "error", err)
	}

	logger.Info("server stopped")
}
