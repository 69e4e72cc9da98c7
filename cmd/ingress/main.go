// Command ingress runs the HTTP API side of the notification relay: schema
// validation, rate-limit admission, idempotency lookup, and durable publish
// (spec.md §2, §6). Adapted from the teacher's cmd/consumer wiring style —
// config load, logger, graceful shutdown via signal.NotifyContext — pointed
// at an HTTP-serving role instead of a queue-consuming one.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/relayforge/notify-relay/internal/config"
	"github.com/relayforge/notify-relay/internal/httpapi"
	"github.com/relayforge/notify-relay/internal/idempotency"
	"github.com/relayforge/notify-relay/internal/queue"
	"github.com/relayforge/notify-relay/internal/ratelimit"
	"github.com/relayforge/notify-relay/internal/repository"
	"github.com/relayforge/notify-relay/pkg/logger"
	"github.com/relayforge/notify-relay/pkg/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Default().Error("config error", slog.Any("error", err))
		os.Exit(1)
	}

	logr := logger.New(cfg.LogLevel)
	logr.Info("starting ingress", slog.String("app", cfg.AppName), slog.String("env", cfg.NodeEnv))

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.StoreURL})
	defer redisClient.Close()

	var db *gorm.DB
	if cfg.DatabaseURL != "" {
		db, err = gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
		if err != nil {
			logr.Error("failed to connect database, continuing without audit log", slog.Any("error", err))
			db = nil
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	publisher := queue.NewPublisher(cfg.BrokerURL, logr, cfg.BrokerCallTimeout)
	if err := publisher.Start(ctx); err != nil {
		logr.Error("failed to connect to broker", slog.Any("error", err))
		os.Exit(1)
	}
	defer publisher.Close()

	metricsCollector := metrics.New()
	statusStore := repository.NewStatusStore(db, logr, cfg.DatabaseCallTimeout)

	handlers := &httpapi.Handlers{
		Limiter:         ratelimit.New(redisClient, logr, cfg.RedisCallTimeout),
		Cache:           idempotency.New(redisClient, logr, cfg.RedisCallTimeout),
		Publisher:       publisher,
		Status:          statusStore,
		Metrics:         metricsCollector,
		Logger:          logr,
		RateLimitQuota:  cfg.RateLimitQuota,
		RateLimitWindow: time.Duration(cfg.RateLimitWindowSeconds) * time.Second,
		IdempotencyTTL:  time.Duration(cfg.IdempotencyTTLSeconds) * time.Second,
	}

	router := httpapi.NewRouter(handlers, metricsCollector)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logr.Info("http server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Error("http server error", slog.Any("error", err))
		}
	}()

	<-ctx.Done()
	logr.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("failed to shutdown http server", slog.Any("error", err))
	}

	logr.Info("ingress stopped")
}
