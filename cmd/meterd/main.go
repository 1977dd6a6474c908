package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"github.com/tapfolio/metering/config"
	"github.com/tapfolio/metering/internal/api"
	"github.com/tapfolio/metering/internal/budget"
	"github.com/tapfolio/metering/internal/cache"
	"github.com/tapfolio/metering/internal/enrich"
	"github.com/tapfolio/metering/internal/ledger"
	"github.com/tapfolio/metering/internal/lookup/places"
	"github.com/tapfolio/metering/internal/seeder"
	"github.com/tapfolio/metering/internal/session"
	"github.com/tapfolio/metering/internal/telemetry"
)

func runMigrations(dsn string) error {
	sqlDB, err := goose.OpenDBWithDriver("pgx", dsn)
	if err != nil {
		return err
	}
	defer func() { _ = sqlDB.Close() }()
	return goose.Up(sqlDB, "migrations")
}

func main() {
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("meterd", cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init tracer")
	}
	defer shutdownTracer()

	// 3. Migrate and connect PostgreSQL
	if err := runMigrations(cfg.PostgresDSN); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}
	log.Info().Msg("migrations applied")

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect postgres")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping postgres")
	}
	log.Info().Msg("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to ping redis")
	}
	log.Info().Msg("Redis connected")

	// 5. Stores
	defaults := map[ledger.Category]ledger.Limits{
		ledger.CategoryAPI: {SpendLimitUSD: cfg.APISpendLimitUSD, RunLimit: cfg.APIRunLimit},
		ledger.CategoryAI:  {SpendLimitUSD: cfg.AISpendLimitUSD, RunLimit: cfg.AIRunLimit},
	}
	ledgerStore := ledger.NewPostgresStore(pool, defaults)
	sessionStore := session.NewPostgresStore(pool)
	gridCache := cache.NewRedisCache(rdb)

	// 6. Metering pipeline
	guard := budget.NewGuard(ledgerStore, log.Logger)
	recorder := session.NewRecorder(ledgerStore, sessionStore, log.Logger)
	aggregator := session.NewAggregator(sessionStore, ledgerStore, log.Logger)

	provider := places.New(cfg.PlacesAPIKey, cfg.PlacesBaseURL, cfg.PlacesLookupCostUSD)
	tracer := otel.GetTracerProvider().Tracer("meterd")
	orchestrator := enrich.NewOrchestrator(
		gridCache, guard, recorder, provider,
		time.Duration(cfg.GridTTLMinSeconds)*time.Second,
		time.Duration(cfg.GridTTLMaxSeconds)*time.Second,
		log.Logger, tracer,
	)

	handler := api.NewHandler(orchestrator, ledgerStore, recorder, aggregator, log.Logger, tracer)

	// 7. Seed demo quotas if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedDemoUser(ctx, pool, defaults)
	}

	// 8. Router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"meterd"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Identity-scoped routes
	r.Group(func(r chi.Router) {
		r.Use(api.IdentityMiddleware())
		r.Post("/v1/enrich", handler.HandleEnrich)
		r.Post("/v1/usage", handler.HandleRecordUsage)
		r.Get("/v1/usage", handler.HandleUsageSummary)
		r.Post("/v1/sessions/{sessionID}/steps", handler.HandleRecordStep)
		r.Post("/v1/sessions/{sessionID}/finalize", handler.HandleFinalize)
		r.Get("/v1/sessions/{sessionID}", handler.HandleGetSession)
		r.Delete("/v1/admin/cache", handler.HandleClearCache)
	})

	// 9. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info().Str("port", cfg.Port).Msg("metering service starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-quit
	log.Info().Msg("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("forced shutdown")
	}
	log.Info().Msg("server stopped")
}
