package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"referral-rewards-api/internal/analytics"
	"referral-rewards-api/internal/cache"
	"referral-rewards-api/internal/config"
	"referral-rewards-api/internal/database"
	"referral-rewards-api/internal/events"
	"referral-rewards-api/internal/features"
	"referral-rewards-api/internal/handler"
	"referral-rewards-api/internal/logging"
	"referral-rewards-api/internal/metrics"
	"referral-rewards-api/internal/middleware"
	"referral-rewards-api/internal/service"
	"referral-rewards-api/internal/tracing"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

const serviceName = "referral-rewards-api"

var version = "dev"

func main() {
	configFile := flag.String("config", "", "Path to a YAML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := logging.Setup(logging.Options{
		Service: serviceName,
		Env:     cfg.Log.Environment,
		Level:   cfg.Log.Level,
	})

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := tracing.InitTracing(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: serviceName,
		Version:     version,
		Environment: cfg.Tracing.Environment,
		SampleRatio: cfg.Tracing.SampleRatio,
	}); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", slog.Any("error", err))
		}
	}()

	collector := metrics.New()

	db, err := database.NewDBWithOptions(cfg.Database.Path, database.Options{
		BusyTimeout: cfg.Database.BusyTimeout.Duration,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	reportCache := newCache(ctx, cfg.Redis, logger)
	if closer, ok := reportCache.(io.Closer); ok {
		defer closer.Close()
	}

	flags := features.NewDefaultManager(cfg.Features)
	eventManager := events.NewManager(flags.IsEnabled(features.EventHooks), logger)
	defer eventManager.Shutdown()

	aggregator := analytics.NewAggregator(db, analytics.Options{
		Cache:    reportCache,
		TTL:      cfg.Reward.AnalyticsCacheTTL.Duration,
		Features: flags,
		Logger:   logger,
	})
	subscribeHooks(eventManager, aggregator, logger)

	svc := service.NewService(db, service.Options{
		Analytics:         aggregator,
		Events:            eventManager,
		Features:          flags,
		Metrics:           collector,
		Logger:            logger,
		ProcessingTimeout: cfg.Reward.ProcessingTimeout.Duration,
	})

	h := handler.NewHandlerWithOptions(svc, handler.NewHandlerOptions{
		MaxBodySize: cfg.Security.MaxRequestBodySize,
		Logger:      logger,
	})

	r := chi.NewRouter()

	// Middleware (order matters)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger, collector))
	r.Use(middleware.TracingMiddleware())

	if cfg.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
		defer limiter.Stop()
		r.Use(middleware.RateLimitMiddleware(limiter))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Security.Origins(),
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", middleware.HeaderUserID, middleware.HeaderAdminID},
		ExposedHeaders: []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		MaxAge:         300,
	}))
	r.Use(middleware.Credentials)

	h.Routes(r)
	r.Method(http.MethodGet, "/metrics", collector.Handler())

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
	}

	protocol := "HTTP"
	if cfg.Server.EnableTLS {
		protocol = "HTTPS"
	}
	logger.Info("starting server",
		slog.String("protocol", protocol),
		slog.String("addr", server.Addr),
		slog.String("database", cfg.Database.Path),
		slog.Bool("rate_limit", cfg.RateLimit.Enabled),
		slog.Any("features", flags.GetAll()),
	)

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if cfg.Server.EnableTLS {
			err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-serveErr
}

// newCache connects to Redis when configured and falls back to a process-local
// cache otherwise.
func newCache(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) cache.Cache {
	if cfg.Addr == "" {
		return cache.NewInMemoryCache()
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	redisCache, err := cache.NewRedisCache(pingCtx, cfg.Addr, cfg.Password, cfg.DB)
	if err != nil {
		logger.Warn("redis unavailable, using in-memory cache",
			slog.String("addr", cfg.Addr),
			slog.Any("error", err),
		)
		return cache.NewInMemoryCache()
	}
	return redisCache
}

// subscribeHooks drops cached analytics whenever the ledger moves.
func subscribeHooks(m *events.Manager, agg *analytics.Aggregator, logger *slog.Logger) {
	invalidate := func(ctx context.Context, e events.Event) error {
		return agg.Invalidate(ctx)
	}
	m.Subscribe(events.EventRewardGranted, invalidate)
	m.Subscribe(events.EventTransactionVerified, invalidate)
	m.Subscribe(events.EventTransactionRejected, invalidate)

	m.Subscribe(events.EventRewardDenied, func(ctx context.Context, e events.Event) error {
		if data, ok := e.Data.(events.RewardDeniedData); ok {
			logger.InfoContext(ctx, "reward denied",
				slog.String("event_id", data.EventID),
				slog.String("rule_id", data.RuleID),
				slog.String("user_id", data.UserID),
				slog.String("reason", data.Reason),
			)
		}
		return nil
	})
}
