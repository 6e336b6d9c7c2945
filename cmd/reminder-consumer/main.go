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

	"github.com/taskpilot/platform/internal/app/producer"
	"github.com/taskpilot/platform/internal/app/reminder"
	"github.com/taskpilot/platform/internal/consumer"
	"github.com/taskpilot/platform/internal/contracts"
	"github.com/taskpilot/platform/internal/platform/dbpool"
	"github.com/taskpilot/platform/internal/platform/env"
	"github.com/taskpilot/platform/internal/platform/logging"
	"github.com/taskpilot/platform/internal/platform/natsutil"
)

func main() {
	env.Load()
	log := logging.New("reminder-consumer", env.String("LOG_MODE", logging.ProductionMode))
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := dbpool.New(ctx, env.String("DATABASE_URL", env.DefaultDatabaseURL))
	if err != nil {
		log.Fatal("database pool", zap.Error(err))
	}
	defer pool.Close()
	if err := dbpool.WaitReady(ctx, pool, 30*time.Second); err != nil {
		log.Fatal("database not ready", zap.Error(err))
	}

	client, err := natsutil.ConnectJetStreamWithRetry(env.String("NATS_URL", env.DefaultNATSURL), 20*time.Second)
	if err != nil {
		log.Fatal("connect jetstream", zap.Error(err))
	}
	defer client.Close()
	bus := natsutil.JetStreamPublisher{JS: client.JS}

	var guard consumer.Guard
	if addr := env.String("REDIS_ADDR", ""); addr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: addr})
		guard = consumer.NewRedisGuard(redisClient, "reminder-consumer", env.Duration("DEDUP_TTL", 24*time.Hour))
	} else {
		log.Info("using in-memory idempotency guard")
		guard = consumer.NewMemoryGuard()
	}

	service := reminder.NewService(
		reminder.NewPgRepository(pool),
		reminder.NewPgTaskLookup(pool),
		producer.New(bus, log),
		log)

	runtime := consumer.NewRuntime("reminder-consumer", guard, bus, log,
		[]consumer.Subscription{
			{Topic: contracts.TopicReminder, Route: "/events/reminder", Handler: service.HandleEvent},
		})
	if _, err := runtime.Bind(ctx, client); err != nil {
		log.Fatal("bind subscriptions", zap.Error(err))
	}

	var source consumer.TriggerSource
	if env.String("TRIGGER_SOURCE", "sweep") == "timer" {
		source = consumer.TimerSource{Next: service.NextDue, Log: log}
	} else {
		source = consumer.SweepSource{Interval: env.Duration("SWEEP_INTERVAL", 30*time.Second), Log: log}
	}
	go source.Run(ctx, service.Sweep)

	srv := &http.Server{
		Addr:              env.String("HTTP_ADDR", ":8083"),
		Handler:           runtime.Router(func(ctx context.Context) error { return pool.Ping(ctx) }),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("reminder consumer listening", zap.String("addr", srv.Addr))
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
