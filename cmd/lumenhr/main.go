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

	"github.com/lumenhr/lumenhr/internal/app"
	"github.com/lumenhr/lumenhr/internal/audit"
	"github.com/lumenhr/lumenhr/internal/auth"
	"github.com/lumenhr/lumenhr/internal/observability"
	"github.com/lumenhr/lumenhr/internal/platform/cache"
	"github.com/lumenhr/lumenhr/internal/platform/db"
	"github.com/lumenhr/lumenhr/internal/rbac"
	"github.com/lumenhr/lumenhr/internal/shared"
	"github.com/lumenhr/lumenhr/internal/users"
)

// userDirectory adapts the user management service to the directory lookups
// the access-control package needs.
type userDirectory struct {
	svc *users.Service
}

func (d userDirectory) GetUser(ctx context.Context, id int64) (rbac.DirectoryUser, error) {
	u, err := d.svc.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return rbac.DirectoryUser{}, rbac.ErrUserNotFound
		}
		return rbac.DirectoryUser{}, err
	}
	return rbac.DirectoryUser{ID: u.ID, Email: u.Email, Name: u.Name, IsActive: u.IsActive}, nil
}

// auditSink adapts the async audit recorder to the access-control package.
type auditSink struct {
	recorder *audit.Recorder
}

func (s auditSink) Record(ctx context.Context, entry rbac.AuditEntry) {
	s.recorder.Record(ctx, audit.Entry{
		ActorID:  entry.ActorID,
		Category: entry.Category,
		Action:   entry.Action,
		Entity:   entry.Entity,
		EntityID: entry.EntityID,
		Detail:   entry.Detail,
	})
}

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

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		// Sessions and permission stamps live in Redis; nothing works
		// without it.
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, "lumenhr_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := asynqClient.Close(); err != nil {
			logger.Warn("asynq client close", slog.Any("error", err))
		}
	}()

	auditWriter := audit.NewWriter(dbpool)
	auditRecorder := audit.NewRecorder(asynqClient, auditWriter, logger)

	usersRepo := users.NewRepository(dbpool)
	usersService := users.NewService(usersRepo)
	directory := userDirectory{svc: usersService}

	rbacRepo := rbac.NewRepository(dbpool)
	stamps := rbac.NewStamps(redisClient)

	assignmentService := rbac.NewService(rbac.ServiceConfig{
		Repo:         rbacRepo,
		Directory:    directory,
		Audit:        auditSink{recorder: auditRecorder},
		Stamps:       stamps,
		FallbackRole: cfg.RBACFallbackRole,
		Logger:       logger,
	})

	roleStore := rbac.NewStore(rbac.StoreConfig{
		Repo:               rbacRepo,
		Assignments:        assignmentService,
		Audit:              auditSink{recorder: auditRecorder},
		Stamps:             stamps,
		FallbackRole:       cfg.RBACFallbackRole,
		FreezeSystemGrants: cfg.RBACFreezeSystemRolePerms,
		Logger:             logger,
	})

	if err := roleStore.SyncCatalog(ctx); err != nil {
		logger.Error("sync permission catalog", slog.Any("error", err))
		os.Exit(1)
	}

	resolver := rbac.NewResolver(rbacRepo, directory)
	snapshots := rbac.NewSnapshotCache(resolver, assignmentService, stamps)
	metrics := observability.NewMetrics()
	gate := rbac.Middleware{Cache: snapshots, Logger: logger, Metrics: metrics}

	rbacHandler := rbac.NewHandler(logger, roleStore, assignmentService, resolver, gate)

	authRepo := auth.NewRepository(dbpool)
	authService := auth.NewService(authRepo)
	authHandler := auth.NewHandler(logger, authService, sessionManager, csrfManager, snapshots)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		SessionManager: sessionManager,
		CSRFManager:    csrfManager,
		AuthHandler:    authHandler,
		RBACHandler:    rbacHandler,
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
