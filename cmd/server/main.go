// Package main runs the livestream orchestration server: HTTP API, webhook
// intake, webhook worker pool, and the reconciliation sweeper.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/streamhive/backend/config"
	"github.com/streamhive/backend/internal/auth"
	lk "github.com/streamhive/backend/internal/livekit"
	"github.com/streamhive/backend/internal/livestate"
	"github.com/streamhive/backend/internal/middleware"
	"github.com/streamhive/backend/internal/orchestrator"
	"github.com/streamhive/backend/internal/participants"
	"github.com/streamhive/backend/internal/sessions"
	"github.com/streamhive/backend/internal/sweeper"
	"github.com/streamhive/backend/internal/webhooks"
	"github.com/streamhive/backend/internal/worker"
	"github.com/streamhive/backend/pkg/database"
	"github.com/streamhive/backend/pkg/queue"
	"github.com/streamhive/backend/pkg/redis"
	"github.com/streamhive/backend/pkg/response"
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

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	lkService := lk.New(cfg.LiveKit, logger)

	// Fan-out: Redis-backed ephemeral state plus the subscriber hub.
	backend := livestate.NewRedisBackend(rdb.Client, logger)
	hub := livestate.NewHub(backend, logger)
	stateMgr := livestate.NewManager(backend, hub, logger)

	sessionRepo := sessions.NewRepository(pool)
	participantRepo := participants.NewRepository(pool)
	webhookRepo := webhooks.NewRepository(pool)

	jobQueue := queue.NewQueue(rdb.Client,
		cfg.Queue.MaxRetries,
		time.Duration(cfg.Queue.BackoffBaseMS)*time.Millisecond,
		logger)

	orch := orchestrator.New(sessionRepo, participantRepo, lkService, stateMgr, logger)

	// Expired live state regenerates from durable rows on the next read.
	stateMgr.SetRebuilder(livestate.DurableRebuilder(sessionRepo, participantRepo))

	webhookHandler := webhooks.NewHandler(lkService, jobQueue, logger)
	processorPool := worker.NewPool(jobQueue, webhookRepo, orch, cfg.Queue.Concurrency, logger)
	sweep := sweeper.New(sessionRepo, lkService, orch,
		time.Duration(cfg.Sweeper.IntervalMinutes)*time.Minute, logger)
	sessionHandler := sessions.NewHandler(orch, sessionRepo, stateMgr, hub, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Webhooks (no JWT; LiveKit signs the payload and the handler verifies it).
	router.POST("/webhooks/livekit", webhookHandler.HandleLiveKit)

	// Public read surface: state snapshots and event subscriptions.
	router.GET("/sessions/:id/state", sessionHandler.State)
	router.GET("/sessions/:id/events", sessionHandler.Events)
	router.GET("/ws", livestate.ServeWS(hub, stateMgr, logger))

	// Protected API (JWT required).
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.POST("/sessions", sessionHandler.Create)
		api.GET("/sessions", sessionHandler.List)
		api.GET("/sessions/:id", sessionHandler.Get)
		api.DELETE("/sessions/:id", sessionHandler.Delete)
		api.POST("/sessions/:id/join", sessionHandler.Join)
		api.GET("/admin/failed-jobs", webhookHandler.ListFailed)
	}

	srv := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     router,
		ReadTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
		// WriteTimeout stays 0 unless configured: SSE/WS connections outlive
		// any sane request deadline.
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	go processorPool.Run(workerCtx)
	go processorPool.RunLedgerCleanup(workerCtx)
	go sweep.Run(workerCtx)

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	hub.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
