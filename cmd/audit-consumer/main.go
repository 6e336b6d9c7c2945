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

	"github.com/taskpilot/platform/internal/app/audit"
	"github.com/taskpilot/platform/internal/consumer"
	"github.com/taskpilot/platform/internal/contracts"
	"github.com/taskpilot/platform/internal/platform/dbpool"
	"github.com/taskpilot/platform/internal/platform/env"
	"github.com/taskpilot/platform/internal/platform/logging"
	"github.com/taskpilot/platform/internal/platform/natsutil"
)

func main() {
	env.Load()
	log := logging.New("audit-consumer", env.String("LOG_MODE", logging.ProductionMode))
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

	repo := audit.NewPgRepository(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		log.Fatal("ensure schema", zap.Error(err))
	}
	service := audit.NewService(repo, log)

	client, err := natsutil.ConnectJetStreamWithRetry(env.String("NATS_URL", env.DefaultNATSURL), 20*time.Second)
	if err != nil {
		log.Fatal("connect jetstream", zap.Error(err))
	}
	defer client.Close()

	runtime := consumer.NewRuntime("audit-consumer", newGuard(log),
		natsutil.JetStreamPublisher{JS: client.JS}, log,
		[]consumer.Subscription{
			{Topic: contracts.TopicTodo, Route: "/events/todo", Handler: service.HandleEvent},
			{Topic: contracts.TopicAI, Route: "/events/ai", Handler: service.HandleEvent},
			{Topic: contracts.TopicAudit, Route: "/events/audit", Handler: service.HandleEvent},
		})

	if _, err := runtime.Bind(ctx, client); err != nil {
		log.Fatal("bind subscriptions", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              env.String("HTTP_ADDR", ":8081"),
		Handler:           runtime.Router(func(ctx context.Context) error { return pool.Ping(ctx) }),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("audit consumer listening", zap.String("addr", srv.Addr))
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

func newGuard(log *zap.Logger) consumer.Guard {
	addr := env.String("REDIS_ADDR", "")
	if addr == "" {
		log.Info("using in-memory idempotency guard")
		return consumer.NewMemoryGuard()
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	return consumer.NewRedisGuard(client, "audit-consumer", env.Duration("DEDUP_TTL", 24*time.Hour))
}
