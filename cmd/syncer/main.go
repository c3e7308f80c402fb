// Package main is the entrypoint for the checksync result syncer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/checksync/checksync/internal/api"
	"github.com/checksync/checksync/internal/api/handler"
	"github.com/checksync/checksync/internal/api/response"
	"github.com/checksync/checksync/internal/cache"
	"github.com/checksync/checksync/internal/clusterer"
	"github.com/checksync/checksync/internal/config"
	"github.com/checksync/checksync/internal/embed"
	"github.com/checksync/checksync/internal/store"
	"github.com/checksync/checksync/internal/syncer"
	"github.com/checksync/checksync/internal/upstream"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("syncer failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	syncMinutes := flag.Int("sync-minutes", 10, "how many minutes back to sync")
	syncResults := flag.Bool("sync-results", true, "sync check results (false refreshes entity metadata only)")
	interval := flag.Duration("interval", 0, "loop interval between sync runs; 0 runs once and exits")
	listen := flag.String("listen", "", "ops API listen address (e.g. :8080); empty disables the API")
	flag.Parse()

	if *syncMinutes <= 0 {
		return fmt.Errorf("-sync-minutes must be a positive number, got %d", *syncMinutes)
	}

	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "embedding_provider", cfg.Embedding.Provider, "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Optional Redis embedding cache
	var embedCache cache.Cache
	if cfg.Redis.URL != "" {
		redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create redis cache: %w", err)
		}
		defer redisCache.Close()

		if err := redisCache.Ping(ctx); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		embedCache = redisCache
		slog.Info("redis connected")
	}

	// 5. Embedding provider
	embedder, err := embed.NewProvider(cfg.Embedding)
	if err != nil {
		return fmt.Errorf("create embedding provider: %w", err)
	}
	slog.Info("embedding provider initialized", "provider", embedder.Name(), "model", embedder.Model())

	// 6. Store, upstream client, clusterer, orchestrator
	pgStore := store.NewPostgresStore(pool)

	client := upstream.NewHTTPClient(
		cfg.Upstream.BaseURL, cfg.Upstream.APIKey, cfg.Upstream.AccountID,
		cfg.Upstream.PageLimit, cfg.Upstream.Timeout, slog.Default())

	cl := clusterer.New(pgStore, embedder, embedCache, cfg.Clustering.DistanceThreshold, slog.Default())

	orch := syncer.NewOrchestrator(syncer.Config{
		AccountID:     cfg.Upstream.AccountID,
		Window:        time.Duration(*syncMinutes) * time.Minute,
		Interval:      *interval,
		SyncResults:   *syncResults,
		BatchSize:     cfg.Sync.BatchSize,
		RetryAttempts: cfg.Upstream.RetryAttempts,
		RetryBackoff:  cfg.Upstream.RetryBackoff,
		Reconcile: syncer.ReconcileOptions{
			ChunkSize:    cfg.Sync.ChunkSize,
			ChunkOverlap: cfg.Sync.ChunkOverlap,
			SafetyMargin: cfg.Sync.SafetyMargin,
		},
	}, client, pgStore, cl, slog.Default())

	// 7. Optional ops API
	var srv *http.Server
	errCh := make(chan error, 1)
	if *listen != "" {
		router := api.NewRouter(api.Dependencies{
			Logger:        slog.Default(),
			HealthHandler: healthHandler(pgStore, embedCache),
			ListClusters:  handler.ListClusters(pgStore, cfg.Upstream.AccountID),
			ChangePointsHandler: handler.ChangePoints(pgStore, handler.ChangePointsConfig{
				AccountID:       cfg.Upstream.AccountID,
				BucketWidth:     cfg.Analysis.BucketWidth,
				SigmaMultiplier: cfg.Analysis.SigmaMultiplier,
			}),
		})
		srv = &http.Server{
			Addr:         *listen,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			slog.Info("ops api listening", "addr", *listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	// 8. Run the sync loop (or a single pass)
	runErr := make(chan error, 1)
	go func() {
		runErr <- orch.Run(ctx)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("ops api error: %w", err)
	case err := <-runErr:
		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if sErr := srv.Shutdown(shutdownCtx); sErr != nil {
				slog.Error("ops api shutdown failed", "error", sErr)
			}
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		slog.Info("syncer stopped")
		return nil
	}
}

// healthHandler checks database (and, when configured, cache) connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
		}
		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if c != nil {
			checks["cache"] = "ok"
			if err := c.Ping(r.Context()); err != nil {
				checks["cache"] = "degraded"
			}
		}

		for _, status := range checks {
			if status != "ok" {
				response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
					"One or more services degraded", checks)
				return
			}
		}
		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
