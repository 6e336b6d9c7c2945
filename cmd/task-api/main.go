package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/taskpilot/platform/internal/app/producer"
	"github.com/taskpilot/platform/internal/app/taskapi"
	"github.com/taskpilot/platform/internal/platform/auth"
	"github.com/taskpilot/platform/internal/platform/dbpool"
	"github.com/taskpilot/platform/internal/platform/env"
	"github.com/taskpilot/platform/internal/platform/logging"
	"github.com/taskpilot/platform/internal/platform/natsutil"
)

func main() {
	env.Load()
	log := logging.New("task-api", env.String("LOG_MODE", logging.ProductionMode))
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

	repo := taskapi.NewPgRepository(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		log.Fatal("ensure schema", zap.Error(err))
	}

	client, err := natsutil.ConnectJetStreamWithRetry(env.String("NATS_URL", env.DefaultNATSURL), 20*time.Second)
	if err != nil {
		log.Fatal("connect jetstream", zap.Error(err))
	}
	defer client.Close()

	events := producer.New(natsutil.JetStreamPublisher{JS: client.JS}, log)
	service := taskapi.NewService(repo, events)

	handler := taskapi.NewHandler(service,
		auth.NewVerifier(env.String("JWT_SECRET", "dev-secret")),
		env.String("SERVICE_TOKEN", ""))
	handler.Ready = func(ctx context.Context) error { return pool.Ping(ctx) }

	srv := &http.Server{
		Addr:              env.String("HTTP_ADDR", env.DefaultTaskAPIAddr),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("task api listening", zap.String("addr", srv.Addr))
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
