package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"


	"github.com/odyssey-erp/menuauthz/internal/app"
	"github.com/odyssey-erp/menuauthz/internal/menu"
	"github.com/odyssey-erp/menuauthz/internal/observability"
	"github.com/odyssey-erp/menuauthz/internal/platform/cache"
	"github.com/odyssey-erp/menuauthz/internal/platform/db"
	"github.com/odyssey-erp/menuauthz/internal/rbac"
	"github.com/odyssey-erp/menuauthz/internal/users"
	"github.com/odyssey-erp/menuauthz/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolConfig{MaxConns: cfg.PGMaxConns, MaxConnLifetime: cfg.PGConnTTL})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.Redis())
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	usersService := users.NewService(users.NewRepository(pool))
	rbacService := rbac.NewService(rbac.NewRepository(pool), usersService)
	menuCache := menu.NewCache(redisClient, cfg.MenuCacheTTL)

	expireJob := jobs.NewExpireAssignmentsJob(rbacService, menuCache, logger, metrics)
	expireTask, err := jobs.NewExpireAssignmentsTask(jobs.ExpireAssignmentsPayload{})
	if err != nil {
		logger.Error("build expire task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   cfg.Redis().AsynqOpts(),
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskAssignmentsExpire, Handler: expireJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.AssignmentSweepCron, Task: expireTask},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("worker metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
