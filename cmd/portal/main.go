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

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/menuauthz/internal/app"
	"github.com/odyssey-erp/menuauthz/internal/audit"
	audithttp "github.com/odyssey-erp/menuauthz/internal/audit/http"
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
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	dbpool, err := db.New(ctx, cfg.PGDSN, db.PoolConfig{MaxConns: cfg.PGMaxConns, MaxConnLifetime: cfg.PGConnTTL})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	metrics := observability.NewMetrics()

	var menuCache *menu.Cache
	if cfg.MenuCacheEnabled {
		redisClient, err := cache.New(ctx, cfg.Redis())
		if err != nil {
			logger.Warn("menu cache disabled", slog.Any("error", err))
		} else {
			defer func() {
				if err := redisClient.Close(); err != nil {
					logger.Warn("redis close", slog.Any("error", err))
				}
			}()
			menuCache = menu.NewCache(redisClient, cfg.MenuCacheTTL)
			if err := menuCache.ListenForInvalidation(ctx, ""); err != nil {
				logger.Warn("menu cache subscribe", slog.Any("error", err))
			}
		}
	}

	usersService := users.NewService(users.NewRepository(dbpool))
	rbacService := rbac.NewService(rbac.NewRepository(dbpool), usersService)
	rbacMiddleware := rbac.Middleware{Resolver: rbacService, Logger: logger}
	menuService := menu.NewService(menu.NewRepository(dbpool), rbacService)
	auditService := audit.NewService(audit.NewRepository(dbpool))

	inspector := asynq.NewInspector(cfg.Redis().AsynqOpts())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		MenuHandler:        menu.NewHandler(logger, menuService, menuCache, rbacMiddleware, metrics).WithAuditor(auditService),
		RBACHandler:        rbac.NewHandler(logger, rbacService, rbacMiddleware, menuCache).WithAuditor(auditService),
		PermissionsHandler: rbac.NewPermissionsHandler(logger, rbacService, rbacMiddleware),
		UsersHandler:       users.NewHandler(logger, usersService, rbacMiddleware),
		AuditHandler:       audithttp.NewHandler(logger, auditService, rbacMiddleware),
		JobHandler:         jobs.NewHandler(inspector, logger),
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
