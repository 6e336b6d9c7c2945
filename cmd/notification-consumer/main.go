package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/taskpilot/platform/internal/app/notify"
	"github.com/taskpilot/platform/internal/consumer"
	"github.com/taskpilot/platform/internal/contracts"
	"github.com/taskpilot/platform/internal/platform/env"
	"github.com/taskpilot/platform/internal/platform/logging"
	"github.com/taskpilot/platform/internal/platform/natsutil"
)

func main() {
	env.Load()
	log := logging.New("notification-consumer", env.String("LOG_MODE", logging.ProductionMode))
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store notify.Store
	var guard consumer.Guard
	var redisClient *redis.Client
	if addr := env.String("REDIS_ADDR", ""); addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: addr})
		store = notify.NewRedisStore(redisClient)
		guard = consumer.NewRedisGuard(redisClient, "notification-consumer", env.Duration("DEDUP_TTL", 24*time.Hour))
	} else {
		log.Info("using in-memory notification store and idempotency guard")
		store = notify.NewMemoryStore()
		guard = consumer.NewMemoryGuard()
	}

	service := notify.NewService(store, log)

	client, err := natsutil.ConnectJetStreamWithRetry(env.String("NATS_URL", env.DefaultNATSURL), 20*time.Second)
	if err != nil {
		log.Fatal("connect jetstream", zap.Error(err))
	}
	defer client.Close()

	runtime := consumer.NewRuntime("notification-consumer", guard,
		natsutil.JetStreamPublisher{JS: client.JS}, log,
		[]consumer.Subscription{
			{Topic: contracts.TopicTodo, Route: "/events/todo", Handler: service.HandleEvent},
			{Topic: contracts.TopicReminder, Route: "/events/reminder", Handler: service.HandleEvent},
		})

	if _, err := runtime.Bind(ctx, client); err != nil {
		log.Fatal("bind subscriptions", zap.Error(err))
	}

	ready := func(ctx context.Context) error {
		if redisClient == nil {
			return nil
		}
		return redisClient.Ping(ctx).Err()
	}

	srv := &http.Server{
		Addr:              env.String("HTTP_ADDR", ":8082"),
		Handler:           runtime.Router(ready),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("notification consumer listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
