// Command worker runs one consumer per channel queue, each driving a retry
// engine over that channel's sender (spec.md §2, §4.4). Adapted from the
// teacher's cmd/consumer/main.go wiring, generalized from one push-only
// consumer into three channel consumers sharing one broker connection, one
// Redis client, and one publisher (used for retry republish).
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/streadway/amqp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/relayforge/notify-relay/internal/config"
	"github.com/relayforge/notify-relay/internal/httpapi"
	"github.com/relayforge/notify-relay/internal/idempotency"
	"github.com/relayforge/notify-relay/internal/models"
	"github.com/relayforge/notify-relay/internal/queue"
	"github.com/relayforge/notify-relay/internal/repository"
	"github.com/relayforge/notify-relay/internal/senders"
	"github.com/relayforge/notify-relay/internal/worker"
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
	logr.Info("starting worker", slog.String("app", cfg.AppName), slog.String("env", cfg.NodeEnv))

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

	conn, err := amqp.Dial(cfg.BrokerURL)
	if err != nil {
		logr.Error("failed to open consumer connection", slog.Any("error", err))
		os.Exit(1)
	}
	defer conn.Close()

	metricsCollector := metrics.New()
	statusStore := repository.NewStatusStore(db, logr, cfg.DatabaseCallTimeout)
	cache := idempotency.New(redisClient, logr, cfg.RedisCallTimeout)
	idempTTL := time.Duration(cfg.IdempotencyTTLSeconds) * time.Second

	channelSenders := map[models.Channel]senders.Sender{
		models.ChannelEmail: senders.NewEmailSender(cfg.ForceFailure, logr),
		models.ChannelSMS:   senders.NewSmsSender(cfg.ForceFailure, logr),
		models.ChannelPush:  senders.NewPushSender(cfg.ForceFailure, logr),
	}

	httpSrv := startHTTPServer(cfg, publisher, metricsCollector, logr)

	var wg sync.WaitGroup
	for _, channel := range queue.Channels {
		sender := channelSenders[channel]
		engine := worker.NewEngine(sender, publisher, cache, statusStore, metricsCollector, logr, cfg.MaxRetries, cfg.RetryBaseMS, idempTTL, cfg.SenderTimeout)
		consumer := worker.NewConsumer(conn, queue.QueueFor(channel), cfg.WorkerPrefetch, cfg.WorkerCount, logr)

		wg.Add(1)
		go func(ch models.Channel, c *worker.Consumer, e *worker.Engine) {
			defer wg.Done()
			logr.Info("consumer starting", slog.String("channel", string(ch)))
			if err := c.Start(ctx, e.HandleDelivery); err != nil {
				logr.Error("consumer exited with error", slog.String("channel", string(ch)), slog.Any("error", err))
			}
		}(channel, consumer, engine)
	}

	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logr.Error("failed to shutdown http server", slog.Any("error", err))
	}

	logr.Info("worker stopped")
}

func startHTTPServer(cfg *config.Config, publisher *queue.Publisher, m *metrics.Metrics, logr *slog.Logger) *http.Server {
	router := httpapi.NewWorkerRouter(publisher.IsConnected, m)
	srv := &http.Server{
		Addr:         cfg.MetricsAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Error("worker http server error", slog.Any("error", err))
		}
	}()
	return srv
}
