package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/alexnthnz/push-delivery/api/rest"
	"github.com/alexnthnz/push-delivery/internal/config"
	"github.com/alexnthnz/push-delivery/internal/database"
	"github.com/alexnthnz/push-delivery/internal/dedup"
	"github.com/alexnthnz/push-delivery/internal/monitoring"
	"github.com/alexnthnz/push-delivery/internal/notification"
	"github.com/alexnthnz/push-delivery/internal/queue"
	"github.com/alexnthnz/push-delivery/internal/retry"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	var logger *zap.Logger
	if cfg.Log.Development {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting Push Delivery API")

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx := context.Background()
	policy := retry.FromConfig(cfg.Retry)

	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)

	// Connect to PostgreSQL
	postgres, err := database.NewPostgresDB(ctx, cfg.Database, policy, logger)
	if err != nil {
		logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	defer postgres.Close()

	if err := postgres.InitSchema(ctx); err != nil {
		logger.Fatal("Failed to initialize database schema", zap.Error(err))
	}
	logger.Info("Database connected and schema initialized")

	var devices notification.DeviceStore = notification.NewRegistry(postgres.DB)
	var guard dedup.Guard = dedup.NewMemoryGuard(cfg.Dedup.Window)

	// Connect to Redis; the dedup window falls back to process memory without it
	if cfg.Redis.Addr != "" {
		redis, err := database.NewRedisClient(ctx, cfg.Redis, policy, logger)
		if err != nil {
			logger.Warn("Redis unavailable, using in-process dedup", zap.Error(err))
		} else {
			defer redis.Close()
			devices = notification.NewCachedRegistry(devices, redis, cfg.Redis.CacheTTL, logger)
			guard = dedup.NewRedisGuard(redis, cfg.Dedup.Window)
			logger.Info("Redis connected")
		}
	}

	var publisher notification.EventPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		producer := queue.NewProducer(cfg.Kafka)
		defer producer.Close()
		publisher = producer
		logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.Topic))
	}

	service := notification.NewService(notification.NewStore(postgres.DB), devices, guard, publisher, cfg.Processor.MaxRetries, logger)

	handler := rest.NewHandler(service, metrics, logger)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		Handler:      handler.SetupRoutes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
