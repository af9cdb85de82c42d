package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	healthgrpc "github.com/alexnthnz/push-delivery/api/grpc"
	"github.com/alexnthnz/push-delivery/internal/channels"
	"github.com/alexnthnz/push-delivery/internal/config"
	"github.com/alexnthnz/push-delivery/internal/database"
	"github.com/alexnthnz/push-delivery/internal/dispatch"
	"github.com/alexnthnz/push-delivery/internal/monitoring"
	"github.com/alexnthnz/push-delivery/internal/notification"
	"github.com/alexnthnz/push-delivery/internal/processor"
	"github.com/alexnthnz/push-delivery/internal/queue"
	"github.com/alexnthnz/push-delivery/internal/retry"
)

func main() {
	once := flag.Bool("once", false, "run a single processing cycle and exit")
	cleanup := flag.Bool("cleanup", false, "delete failed and expire stale pending notifications past retention, then exit")
	stats := flag.Bool("stats", false, "print delivery statistics as JSON and exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to start processor", zap.Error(err))
	}
	defer app.close()

	switch {
	case *stats:
		err = app.printStats(ctx, cfg.Processor.MaxRetries)
	case *cleanup:
		_, err = app.proc.Cleanup(ctx)
	case *once:
		err = app.runOnce(ctx, cfg)
	default:
		err = app.runContinuous(ctx, cfg)
	}
	if err != nil {
		logger.Error("Processor exited with error", zap.Error(err))
		app.close()
		logger.Sync()
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	if cfg.Development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

type app struct {
	logger   *zap.Logger
	postgres *database.PostgresDB
	redis    *database.RedisClient
	store    *notification.Store
	metrics  *monitoring.Metrics
	proc     *processor.Processor
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	policy := retry.FromConfig(cfg.Retry)
	a := &app{logger: logger}

	// Connect to PostgreSQL
	postgres, err := database.NewPostgresDB(ctx, cfg.Database, policy, logger)
	if err != nil {
		return nil, err
	}
	a.postgres = postgres

	if err := postgres.InitSchema(ctx); err != nil {
		a.close()
		return nil, err
	}
	logger.Info("Database connected and schema initialized")

	a.store = notification.NewStore(postgres.DB)
	var devices processor.DeviceRegistry = notification.NewRegistry(postgres.DB)

	// Redis is optional; without it devices are read straight from PostgreSQL.
	if cfg.Redis.Addr != "" {
		redis, err := database.NewRedisClient(ctx, cfg.Redis, policy, logger)
		if err != nil {
			logger.Warn("Redis unavailable, device cache disabled", zap.Error(err))
		} else {
			a.redis = redis
			devices = notification.NewCachedRegistry(notification.NewRegistry(postgres.DB), redis, cfg.Redis.CacheTTL, logger)
			logger.Info("Redis connected, device cache enabled")
		}
	}

	a.metrics = monitoring.NewMetrics(prometheus.DefaultRegisterer)

	webPush, fcm, err := newSenders(ctx, cfg.Channels, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	dispatcher := dispatch.NewPolicy(webPush, fcm, cfg.Processor.FreshnessWindow, logger)

	a.proc = processor.New(a.store, devices, notification.NewDeliveryLog(postgres.DB), dispatcher, a.metrics,
		processor.Options{
			BatchSize:  cfg.Processor.BatchSize,
			MaxRetries: cfg.Processor.MaxRetries,
			Retention:  cfg.Processor.Retention,
		}, logger)

	return a, nil
}

// newSenders builds the configured channels. An unconfigured channel stays a
// nil interface so the policy skips it.
func newSenders(ctx context.Context, cfg config.ChannelsConfig, logger *zap.Logger) (channels.WebPushSender, channels.FCMSender, error) {
	var webPush channels.WebPushSender
	var fcm channels.FCMSender

	if cfg.WebPush.Enabled() {
		webPush = channels.NewWebPushChannel(cfg.WebPush, cfg.SendTimeout, logger)
		logger.Info("Web Push channel initialized")
	}

	if cfg.Firebase.Enabled() {
		client, err := channels.NewFirebaseMessagingClient(ctx, cfg.Firebase)
		if err != nil {
			return nil, nil, err
		}
		fcm = channels.NewFCMChannel(client, channels.FCMPermanentClassifier(cfg.Firebase.PermanentErrorCodes), cfg.SendTimeout, logger)
		logger.Info("FCM channel initialized")
	}

	return webPush, fcm, nil
}

func (a *app) close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if a.postgres != nil {
		a.postgres.Close()
	}
}

func (a *app) printStats(ctx context.Context, maxRetries int) error {
	st, err := a.store.Stats(ctx, maxRetries)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

func (a *app) runOnce(ctx context.Context, cfg *config.Config) error {
	if err := cfg.RequireChannels(); err != nil {
		return err
	}
	stats, err := a.proc.RunCycle(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("Single cycle complete",
		zap.Int("processed", stats.Processed),
		zap.Int("sent", stats.Sent),
		zap.Int("failed", stats.Failed),
		zap.Int("skipped", stats.Skipped),
	)
	return nil
}

func (a *app) runContinuous(ctx context.Context, cfg *config.Config) error {
	if err := cfg.RequireChannels(); err != nil {
		return err
	}

	runner := processor.NewRunner(a.proc, cfg.Processor.Interval, cfg.Processor.CleanupInterval, a.logger)

	// Health
	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen for gRPC health: %w", err)
	}
	health := healthgrpc.NewServer(a.logger)
	go func() {
		if err := health.Serve(lis); err != nil {
			a.logger.Error("gRPC health server error", zap.Error(err))
		}
	}()
	defer health.Stop()

	// Metrics
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		router := mux.NewRouter()
		router.Handle(cfg.Metrics.Path, a.metrics.Handler()).Methods("GET")
		metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("Starting metrics server", zap.Int("port", cfg.Metrics.Port))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("Metrics server error", zap.Error(err))
			}
		}()
	}

	runner.Start(ctx)

	// Enqueue events shorten the wait for the next cycle
	var consumer *queue.Consumer
	if len(cfg.Kafka.Brokers) > 0 {
		consumer = queue.NewConsumer(cfg.Kafka, retry.FromConfig(cfg.Retry), a.logger)
		go func() {
			a.logger.Info("Consuming enqueue events", zap.String("topic", cfg.Kafka.Topic))
			err := consumer.Consume(ctx, func(_ context.Context, evt queue.EnqueuedEvent) error {
				a.logger.Debug("Enqueue event received", zap.String("id", evt.NotificationID))
				runner.Trigger()
				return nil
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("Consumer stopped, relying on interval", zap.Error(err))
			}
		}()
	}

	health.SetServing(true)
	<-ctx.Done()

	a.logger.Info("Shutting down processor...")
	health.SetServing(false)
	runner.Stop()

	if consumer != nil {
		if err := consumer.Close(); err != nil {
			a.logger.Warn("Failed to close Kafka consumer", zap.Error(err))
		}
	}
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("Metrics server forced to shutdown", zap.Error(err))
		}
	}

	a.logger.Info("Processor exited")
	return nil
}
