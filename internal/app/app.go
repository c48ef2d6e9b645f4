// Package app is the composition root: it wires config, store, cache,
// classifier, versioning, manager, sync, scheduler, and the HTTP router into
// one application value, and shuts everything down in reverse dependency
// order.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/sophia-intel/knowledge-service/internal/api"
	"github.com/sophia-intel/knowledge-service/internal/api/middleware"
	"github.com/sophia-intel/knowledge-service/internal/cache"
	"github.com/sophia-intel/knowledge-service/internal/config"
	"github.com/sophia-intel/knowledge-service/internal/knowledge"
	"github.com/sophia-intel/knowledge-service/internal/knowledge/classify"
	"github.com/sophia-intel/knowledge-service/internal/knowledge/versioning"
	"github.com/sophia-intel/knowledge-service/internal/storage"
	syncpkg "github.com/sophia-intel/knowledge-service/internal/sync"
)

// App holds the wired application.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     storage.Store
	Cache     cache.Cache
	Manager   *knowledge.Manager
	Scheduler *syncpkg.Scheduler
	Server    *http.Server
}

// New builds the application from configuration. The store is connected and
// migrated; the scheduler is constructed but not started.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	c, err := buildCache(cfg, logger)
	if err != nil {
		store.Close(ctx)
		return nil, err
	}

	classifier := classify.NewEngine()
	versioner := versioning.NewEngine(store, logger)
	manager := knowledge.NewManager(store, versioner, classifier, c, logger)

	airtable := syncpkg.NewAirtableClient(
		cfg.Airtable.BaseURL, cfg.Airtable.BaseID, cfg.Airtable.APIKey, logger)
	syncService := syncpkg.NewService(airtable, manager, store,
		knowledge.ResolutionStrategy(cfg.Sync.ConflictStrategy), logger)

	schedulerConfig := syncpkg.SchedulerConfig{
		IncrementalInterval:    cfg.Sync.IncrementalInterval,
		FullSyncCron:           cfg.Sync.FullSyncCron,
		MaxConsecutiveFailures: cfg.Sync.MaxConsecutiveFailures,
		AutoSyncEnabled:        cfg.Sync.AutoSyncEnabled && cfg.Airtable.Enabled(),
	}
	scheduler, err := syncpkg.NewScheduler(schedulerConfig, syncService, manager, logger)
	if err != nil {
		c.Close()
		store.Close(ctx)
		return nil, err
	}

	router := api.NewRouter(api.RouterConfig{
		Knowledge: api.NewKnowledgeHandler(manager, logger),
		Sync:      api.NewSyncHandler(scheduler, logger),
		Store:     store,
		Auth: middleware.AuthConfig{
			RequireAuth: cfg.Auth.RequireAuth,
			APIToken:    cfg.Auth.APIToken,
			AdminToken:  cfg.Auth.AdminToken,
		},
		RateLimit:      rateLimitConfig(cfg),
		MetricsEnabled: cfg.Metrics.Enabled,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &App{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		Cache:     c,
		Manager:   manager,
		Scheduler: scheduler,
		Server:    server,
	}, nil
}

// Start warms the foundational cache and launches the scheduler. The HTTP
// server is started by the caller so it can own the listen error.
func (a *App) Start(ctx context.Context) error {
	if err := a.Manager.RefreshCache(ctx); err != nil {
		a.Logger.Warn("Initial cache refresh failed", "error", err)
	}
	return a.Scheduler.Start(ctx)
}

// Shutdown stops components in reverse dependency order: scheduler first
// (waiting for an in-flight sync), then the HTTP server, cache, and store.
func (a *App) Shutdown(ctx context.Context) {
	a.Scheduler.Stop()

	if err := a.Server.Shutdown(ctx); err != nil {
		a.Logger.Error("HTTP server shutdown failed", "error", err)
	}
	if err := a.Cache.Close(); err != nil {
		a.Logger.Warn("Cache close failed", "error", err)
	}
	if err := a.Store.Close(ctx); err != nil {
		a.Logger.Error("Store close failed", "error", err)
	}
	a.Logger.Info("Shutdown complete")
}

func buildStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var store storage.Store
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		pgConfig := storage.PostgresConfig{
			DSN:             cfg.Database.URL,
			MinConns:        int32(cfg.Database.MinConnections),
			MaxConns:        int32(cfg.Database.MaxConnections),
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
			ConnectTimeout:  cfg.Database.ConnectTimeout,
		}
		store = storage.NewPostgresStore(pgConfig, logger)
	default:
		store = storage.NewSQLiteStore(cfg.Storage.SQLitePath, logger)
	}

	if err := store.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close(ctx)
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return store, nil
}

func buildCache(cfg *config.Config, logger *slog.Logger) (cache.Cache, error) {
	if cfg.Cache.RedisURL == "" {
		return cache.NewMemoryCache(), nil
	}
	redisCache, err := cache.NewRedisCache(cfg.Cache.RedisURL, logger)
	if err != nil {
		// The cache is a strict optimization: a dead Redis falls back to
		// the in-memory backend instead of failing startup.
		logger.Warn("Redis unavailable, falling back to in-memory cache", "error", err)
		return cache.NewMemoryCache(), nil
	}
	return redisCache, nil
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.DefaultRateLimitConfig()
	rl.Enabled = cfg.RateLimit.Enabled
	if cfg.RateLimit.RequestsPerMinute > 0 {
		rl.DefaultLimit = cfg.RateLimit.RequestsPerMinute
	}
	if cfg.RateLimit.MaxConcurrent > 0 {
		rl.MaxConcurrent = cfg.RateLimit.MaxConcurrent
	}
	return rl
}

// WaitForShutdown blocks until ctx is done, then performs the graceful
// shutdown within the configured timeout.
func (a *App) WaitForShutdown(ctx context.Context) {
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.GracefulShutdownTimeout)
	defer cancel()
	a.Shutdown(shutdownCtx)
}
