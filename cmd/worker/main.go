// Package main runs the webhook processors and the reconciliation sweeper
// without the HTTP API, for deployments that scale workers separately.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/streamhive/backend/config"
	lk "github.com/streamhive/backend/internal/livekit"
	"github.com/streamhive/backend/internal/livestate"
	"github.com/streamhive/backend/internal/orchestrator"
	"github.com/streamhive/backend/internal/participants"
	"github.com/streamhive/backend/internal/sessions"
	"github.com/streamhive/backend/internal/sweeper"
	"github.com/streamhive/backend/internal/webhooks"
	"github.com/streamhive/backend/internal/worker"
	"github.com/streamhive/backend/pkg/database"
	"github.com/streamhive/backend/pkg/queue"
	"github.com/streamhive/backend/pkg/redis"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	lkService := lk.New(cfg.LiveKit, logger)
	backend := livestate.NewRedisBackend(rdb.Client, logger)
	// No subscriber hub here: this process only publishes; API instances
	// hold the client connections.
	stateMgr := livestate.NewManager(backend, nil, logger)

	sessionRepo := sessions.NewRepository(pool)
	participantRepo := participants.NewRepository(pool)
	webhookRepo := webhooks.NewRepository(pool)
	jobQueue := queue.NewQueue(rdb.Client,
		cfg.Queue.MaxRetries,
		time.Duration(cfg.Queue.BackoffBaseMS)*time.Millisecond,
		logger)

	orch := orchestrator.New(sessionRepo, participantRepo, lkService, stateMgr, logger)
	stateMgr.SetRebuilder(livestate.DurableRebuilder(sessionRepo, participantRepo))
	processorPool := worker.NewPool(jobQueue, webhookRepo, orch, cfg.Queue.Concurrency, logger)
	sweep := sweeper.New(sessionRepo, lkService, orch,
		time.Duration(cfg.Sweeper.IntervalMinutes)*time.Minute, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go processorPool.Run(workerCtx)
	go processorPool.RunLedgerCleanup(workerCtx)
	go sweep.Run(workerCtx)
	logger.Info("worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	time.Sleep(2 * time.Second)
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
