// Package main is the entry point for the Jaquizy usage API server.
//
// It loads configuration, connects the usage ledger (Postgres, or the local
// SQLite mirror for the desktop build), assembles the tier catalog and its
// background refresher, wires the HTTP handlers onto the core chassis, and
// serves until a shutdown signal arrives.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/sync/errgroup"

	"jaquizy/internal/api/handlers"
	"jaquizy/internal/billing"
	"jaquizy/internal/catalog"
	"jaquizy/internal/config"
	"jaquizy/internal/core"
	"jaquizy/internal/db"
	"jaquizy/internal/mirror"
	"jaquizy/internal/nudge"
	"jaquizy/internal/quota"
	"jaquizy/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on
// error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("jaquizy usage API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// --- Usage ledger ---
	//
	// The desktop build runs entirely on the SQLite mirror; everything else
	// talks to Postgres. Either way the ledger sits behind the circuit
	// breaker so a storage outage fails spends closed instead of hanging
	// them.
	var (
		ledger      quota.Store
		pool        *pgxpool.Pool
		overrideSrc catalog.OverrideSource
		promptLog   nudge.PromptLog
		mirrorStore *mirror.Store
	)
	if cfg.Mirror.Enabled {
		mirrorStore, err = mirror.Open(cfg.Mirror.Path)
		if err != nil {
			return fmt.Errorf("opening mirror ledger: %w", err)
		}
		srv.OnShutdown(mirrorStore.Close)
		ledger = mirrorStore
		promptLog = nudge.NewMemoryPromptLog()
		logger.Info("using local mirror ledger", "path", cfg.Mirror.Path)
	} else {
		pool, err = newPool(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		srv.OnShutdown(func() error {
			pool.Close()
			return nil
		})

		if cfg.Database.RunMigrations {
			sqlDB := stdlib.OpenDBFromPool(pool)
			if err := db.RunMigrations(sqlDB); err != nil {
				return fmt.Errorf("running migrations: %w", err)
			}
			if err := sqlDB.Close(); err != nil {
				return fmt.Errorf("closing migration connection: %w", err)
			}
		}

		ledger = db.NewCounterRepo(pool)
		overrideSrc = db.NewTierOverrideRepo(pool)
		promptLog = db.NewPromptRepo(pool)
	}
	ledger = quota.NewBreakerStore(ledger, logger)

	// --- Tier catalog ---
	cat := catalog.New(catalog.Options{
		Fallback: types.TierID(cfg.Catalog.FallbackTier),
		Flags:    cfg.Feature.Flags(),
		Source:   overrideSrc,
		Logger:   logger,
	})
	refresher := catalog.NewRefresher(cat, cfg.Catalog.RefreshInterval, logger)

	// --- Domain services ---
	guard := quota.NewGuard(ledger, logger)
	prompts := nudge.NewService(nudge.Policy{
		ThrottleWindow:       cfg.Nudge.ThrottleWindow,
		NearLimitPercent:     int64(cfg.Nudge.NearLimitPercent),
		ActionCountThreshold: cfg.Nudge.ActionCountThreshold,
	}, promptLog, logger)

	priceIDs, err := cfg.Billing.ParsePriceIDs()
	if err != nil {
		return fmt.Errorf("parsing billing configuration: %w", err)
	}
	stripeClient := billing.NewStripeClient(&http.Client{Timeout: 20 * time.Second}, billing.Config{
		SecretKey:     cfg.Billing.StripeSecretKey,
		PriceIDs:      priceIDs,
		DashboardURL:  cfg.Server.DashboardURL,
		WebhookSecret: cfg.Billing.WebhookSecret,
		Logger:        logger,
	})

	// --- HTTP handlers ---
	quotaHandler := handlers.NewQuotaHandler(guard, ledger, cat, prompts, srv.Metrics, srv.Validator, logger)
	catalogHandler := handlers.NewCatalogHandler(cat, guard, prompts, srv.Metrics, logger)
	billingHandler := handlers.NewBillingHandler(stripeClient, srv.Validator, logger)
	adminHandler := handlers.NewAdminHandler(refresher, cat, newUsageAdmin(pool, mirrorStore), srv.Metrics, srv.Validator, logger)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		quotaHandler.RegisterRoutes,
		catalogHandler.RegisterRoutes,
		billingHandler.RegisterRoutes,
		func(r chi.Router) {
			r.Route("/admin", func(r chi.Router) {
				r.Use(srv.AdminKeyMiddleware)
				quotaHandler.RegisterAdminRoutes(r)
				adminHandler.RegisterRoutes(r)
			})
		},
	)

	srv.HealthProbes = append(srv.HealthProbes, healthProbes(pool, mirrorStore)...)

	srv.MountRoutes()

	return serve(ctx, srv, refresher, cfg, logger)
}

// newPool builds the pgx connection pool from the database configuration.
func newPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.AcquireTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// newUsageAdmin picks the admin ledger backend: the streaming Postgres repo
// when it exists, the mirror's snapshot reader otherwise.
func newUsageAdmin(pool *pgxpool.Pool, m *mirror.Store) handlers.UsageAdmin {
	if pool != nil {
		return db.NewCounterRepo(pool)
	}
	return &mirrorUsageAdmin{store: m}
}

// mirrorUsageAdmin adapts the mirror store's bulk snapshot export to the
// streaming contract the admin handler expects.
type mirrorUsageAdmin struct {
	store *mirror.Store
}

func (a *mirrorUsageAdmin) ResetPeriod(ctx context.Context, userID, periodKey string) error {
	return a.store.ResetPeriod(ctx, userID, periodKey)
}

func (a *mirrorUsageAdmin) StreamCounters(ctx context.Context, periodKey string, fn func(types.CounterRow) error) error {
	rows, err := a.store.Export(ctx, periodKey)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

// healthProbes builds the ledger probe for whichever backend is active.
func healthProbes(pool *pgxpool.Pool, m *mirror.Store) []core.HealthProbe {
	if pool != nil {
		return []core.HealthProbe{core.ProbeFunc{
			ProbeName: "database",
			Fn:        pool.Ping,
		}}
	}
	return []core.HealthProbe{core.ProbeFunc{
		ProbeName: "mirror",
		Fn:        m.Ping,
	}}
}

// serve runs the HTTP listener and the catalog refresher until the context
// is cancelled by a signal, then shuts both down gracefully.
func serve(ctx context.Context, srv *core.Server, refresher *catalog.Refresher, cfg *config.Config, logger *slog.Logger) error {
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := refresher.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("initiating graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		return err
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log
// level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	})
	return slog.New(handler)
}
