package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vnmchuo/llm-router/config"
	"github.com/vnmchuo/llm-router/internal/billing"
	"github.com/vnmchuo/llm-router/internal/budget"
	"github.com/vnmchuo/llm-router/internal/clock"
	"github.com/vnmchuo/llm-router/internal/health"
	"github.com/vnmchuo/llm-router/internal/proxy"
	"github.com/vnmchuo/llm-router/internal/registry"
	"github.com/vnmchuo/llm-router/internal/telemetry"
	"github.com/vnmchuo/llm-router/internal/usage"
	"github.com/vnmchuo/llm-router/internal/worker"
	"github.com/vnmchuo/llm-router/pkg/ratelimit"
)

const usageStreamMaxLen = 100000

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "llm-router: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// 2. Init logging and telemetry
	logger, err := telemetry.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	shutdownTracer, err := telemetry.InitTracer("llm-router", cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to init tracer: %w", err)
	}
	defer shutdownTracer()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Usage sinks: always the log, plus whichever stores are configured
	sinks := usage.MultiSink{usage.NewLogSink(logger.Named("usage"))}
	var store billing.Store

	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("failed to connect postgres: %w", err)
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("failed to ping postgres: %w", err)
		}
		logger.Info("postgres connected")

		pg := billing.NewPostgresStore(pool)
		store = pg
		sinks = append(sinks, pg)
	}

	// 4. Redis: usage stream and the cross-process token window
	var shared budget.SharedLimiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to ping redis: %w", err)
		}
		logger.Info("redis connected", zap.String("addr", cfg.RedisAddr))

		sinks = append(sinks, usage.NewRedisStreamSink(rdb, cfg.UsageRedisStream, usageStreamMaxLen))

		tpm := make(map[string]int)
		for _, p := range cfg.Providers {
			if p.IsEnabled() && p.TokensPerMinute > 0 {
				tpm[p.Name] = p.TokensPerMinute
			}
		}
		if len(tpm) > 0 {
			shared = ratelimit.NewLimiter(rdb, tpm)
		}
	}

	// 5. Provider state: health, budgets, registry
	clk := clock.Real()
	monitor := health.NewMonitor(cfg.Health, clk, logger.Named("health"))

	limits := make(map[string]budget.Limits, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if !p.IsEnabled() {
			continue
		}
		limits[p.Name] = budget.Limits{
			RequestsPerMinute: p.RequestsPerMinute,
			TokensPerMinute:   p.TokensPerMinute,
			DailyCostLimit:    p.DailyCostLimit,
		}
	}
	tracker := budget.NewTracker(limits, clk, shared, logger.Named("budget"))

	reg, err := registry.Build(cfg.Providers, monitor, nil, logger.Named("registry"))
	if err != nil {
		return fmt.Errorf("failed to build provider registry: %w", err)
	}

	// 6. Usage reporter
	reporterCfg := usage.DefaultConfig()
	reporterCfg.Workers = cfg.UsageWorkers
	reporterCfg.BufferSize = cfg.UsageBuffer
	reporter := usage.NewReporter(sinks, reporterCfg, logger.Named("usage"))
	if err := reporter.Start(); err != nil {
		return err
	}

	// 7. Dispatcher and HTTP surface
	tracer := otel.GetTracerProvider().Tracer("llm-router")
	dispatcher := proxy.NewDispatcher(reg, tracker, monitor, reporter, proxy.Options{
		MaxAttempts: cfg.MaxAttempts,
		Tracer:      tracer,
		Logger:      logger.Named("dispatch"),
	})
	handler := proxy.NewHandler(dispatcher, store, tracer, logger.Named("http"))

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	handler.Routes(r)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// 8. Run until a signal or a fatal error, then shut down gracefully
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("llm router starting",
			zap.String("port", cfg.Port),
			zap.Int("providers", len(reg.Entries())),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return worker.NewRoller(tracker, cfg.WindowRollInterval, logger.Named("roller")).Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("forced shutdown: %w", err)
		}
		return nil
	})
	runErr := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := reporter.Stop(stopCtx); err != nil {
		logger.Warn("usage reporter did not drain", zap.Error(err))
	}
	stats := reporter.Stats()
	logger.Info("server stopped",
		zap.Int64("usage_written", stats.Written),
		zap.Int64("usage_dropped", stats.Dropped),
	)
	return runErr
}
