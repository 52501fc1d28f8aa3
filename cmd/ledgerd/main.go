package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-ledger/config"
	"github.com/vnmchuo/usage-ledger/internal/api"
	"github.com/vnmchuo/usage-ledger/internal/auth"
	"github.com/vnmchuo/usage-ledger/internal/billing"
	"github.com/vnmchuo/usage-ledger/internal/ledger"
	"github.com/vnmchuo/usage-ledger/internal/limits"
	"github.com/vnmchuo/usage-ledger/internal/provider/stripe"
	"github.com/vnmchuo/usage-ledger/internal/reporter"
	"github.com/vnmchuo/usage-ledger/internal/seeder"
	"github.com/vnmchuo/usage-ledger/internal/sweep"
	"github.com/vnmchuo/usage-ledger/internal/telemetry"
	"github.com/vnmchuo/usage-ledger/internal/usage"
	"github.com/vnmchuo/usage-ledger/internal/worker"
	"github.com/vnmchuo/usage-ledger/migrations"
	"github.com/vnmchuo/usage-ledger/pkg/ratelimit"
)

const serviceName = "usage-ledger"

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// 2. Init logger
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		panic("failed to init logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	// 3. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(serviceName, cfg, logger)
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer()
	tracer := otel.GetTracerProvider().Tracer(serviceName)
	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	// 4. Connect PostgreSQL
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.RunMigrations {
		if err := migrations.Up(cfg.PostgresDSN, logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("failed to ping postgres", zap.Error(err))
	}
	logger.Info("PostgreSQL connected")

	// 5. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to ping redis", zap.Error(err))
	}
	logger.Info("Redis connected")

	// 6. Init accounting
	store := billing.NewPostgresStore(pool)
	credits := ledger.New(store, logger)
	billingProvider := stripe.New(cfg.StripeSecretKey, cfg.StripeMeterEvent)
	guard := limits.NewGuard(store, credits, billingProvider, metrics, logger, cfg.FreeMessageLimit)

	// 7. Init usage reporting
	usageReporter := reporter.New(store, billingProvider, metrics, logger)
	queue := worker.NewRedisQueue(rdb, usageReporter.HandleJob, logger)
	go func() {
		if err := queue.Process(ctx); err != nil && ctx.Err() == nil {
			logger.Error("report queue stopped", zap.Error(err))
		}
	}()
	recorder := usage.NewRecorder(store, credits, queue, metrics, logger, usage.WithTracer(tracer))

	sweeper := sweep.New(store, usageReporter, metrics, sweep.Config{
		Interval:       cfg.SweepInterval,
		BatchSize:      cfg.SweepBatchSize,
		Concurrency:    cfg.SweepConcurrency,
		MinAge:         cfg.SweepMinAge,
		MaxEventAge:    cfg.ReportMaxEventAge,
		MaxAttempts:    sweep.DefaultConfig().MaxAttempts,
		InitialBackoff: sweep.DefaultConfig().InitialBackoff,
		MaxBackoff:     sweep.DefaultConfig().MaxBackoff,
	}, logger)
	if err := sweeper.Start(ctx); err != nil {
		logger.Fatal("failed to start sweep", zap.Error(err))
	}

	// 8. Init auth and rate limiter
	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, rdb, logger)
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitRPM)

	// 9. Seed test user if RUN_SEED=true
	if cfg.RunSeed {
		if err := seeder.SeedTestUser(ctx, store, authStore, credits, logger); err != nil {
			logger.Error("seed failed", zap.Error(err))
		}
	}

	// 10. Init Chi router
	handler := api.NewHandler(store, credits, guard, recorder, limiter, tracer, logger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"usage-ledger"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		handler.Register(r)
	})

	// 11. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("usage ledger starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
	if err := sweeper.Stop(shutdownCtx); err != nil {
		logger.Error("sweep did not stop in time", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}
