package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	apihttp "imagesource/risservice/internal/api/http"
	"imagesource/risservice/internal/app"
	"imagesource/risservice/internal/cache"
	"imagesource/risservice/internal/engines"
	"imagesource/risservice/internal/engines/iqdb"
	"imagesource/risservice/internal/engines/saucenao"
	"imagesource/risservice/internal/metrics"
	"imagesource/risservice/internal/resolve"
	"imagesource/risservice/internal/search"
	"imagesource/risservice/internal/telemetry"
)

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "reverse-image-search", cfg.OTLPEndpoint)
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "reverse-image-search"),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.Duration("requestTimeout", cfg.RequestTimeout),
		slog.String("saucenaoEndpoint", cfg.SauceNAOEndpoint),
		slog.Bool("hasSaucenaoKey", strings.TrimSpace(cfg.SauceNAOAPIKey) != ""),
		slog.String("iqdbEndpoint", cfg.IQDBEndpoint),
		slog.Bool("hasRedis", strings.TrimSpace(cfg.RedisURL) != ""),
		slog.Duration("noFoundTTL", cfg.NoFoundTTL),
		slog.Int("maxConcurrentResolves", cfg.MaxConcurrentResolves),
		slog.Bool("cacheDisabled", cfg.CacheDisabled),
	)

	saucenaoClient := &http.Client{Timeout: cfg.RequestTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}
	iqdbClient := &http.Client{Timeout: cfg.RequestTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}
	resolveClient := &http.Client{Timeout: cfg.RequestTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}

	engineList := []engines.Engine{
		saucenao.NewEngine(saucenao.Config{
			APIKey:        cfg.SauceNAOAPIKey,
			Endpoint:      cfg.SauceNAOEndpoint,
			MinSimilarity: cfg.SauceNAOMinSimilarity,
			UserAgent:     cfg.UserAgent,
			Client:        saucenaoClient,
		}),
		iqdb.NewEngine(iqdb.Config{
			Endpoint:  cfg.IQDBEndpoint,
			UserAgent: cfg.UserAgent,
			Client:    iqdbClient,
		}),
	}

	resolver := resolve.NewResolver(resolve.Config{
		Client:    resolveClient,
		UserAgent: cfg.UserAgent,
		Logger:    logger,
	})

	redisClient := buildRedisClient(cfg, logger)

	coordinator := search.NewCoordinator(engineList, resolver, buildCoordinatorOptions(cfg, logger, redisClient)...)

	serverOpts := []apihttp.ServerOption{
		apihttp.WithLogger(logger),
	}
	if redisClient != nil {
		typed := cache.NewTypedStore(redisClient)
		serverOpts = append(serverOpts,
			apihttp.WithSettings(cache.NewSettingsStore(typed, coordinator.EngineNames())),
			apihttp.WithResultAdmin(cache.NewResultStore(redisClient, cfg.NoFoundTTL)),
		)
	}

	handler := apihttp.NewServer(coordinator, serverOpts...).Handler()
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// /search streams SSE and can legitimately exceed short write timeouts.
		// Keep it disabled at the server level; per-engine timeouts bound the work.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	logger.Info("reverse image search service started",
		slog.String("addr", cfg.HTTPAddr),
		slog.Duration("timeout", cfg.RequestTimeout),
	)

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("reverse image search service stopped")
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildRedisClient connects to Redis when configured. The service keeps
// working without it: results are streamed uncached and user settings
// fall back to defaults.
func buildRedisClient(cfg app.Config, logger *slog.Logger) *redis.Client {
	redisURL := strings.TrimSpace(cfg.RedisURL)
	if redisURL == "" {
		logger.Info("redis not configured, running without result cache and settings store")
		return nil
	}
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("invalid redis url, running without result cache and settings store", slog.String("error", err.Error()))
		return nil
	}
	client := redis.NewClient(redisOpts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not reachable, running without result cache and settings store", slog.String("error", err.Error()))
		return nil
	}
	logger.Info("redis connected", slog.String("addr", redisOpts.Addr))
	return client
}

func buildCoordinatorOptions(cfg app.Config, logger *slog.Logger, redisClient *redis.Client) []search.Option {
	opts := []search.Option{
		search.WithLogger(logger),
		search.WithMaxConcurrentResolves(int64(cfg.MaxConcurrentResolves)),
	}

	if cfg.SauceNAORatePerMinute > 0 {
		opts = append(opts, search.WithEngineRateLimit("saucenao",
			rate.Every(time.Minute/time.Duration(cfg.SauceNAORatePerMinute)), 1))
	}
	if cfg.IQDBRatePerMinute > 0 {
		opts = append(opts, search.WithEngineRateLimit("iqdb",
			rate.Every(time.Minute/time.Duration(cfg.IQDBRatePerMinute)), 1))
	}

	if cfg.CacheDisabled {
		opts = append(opts, search.WithCacheDisabled(true))
		return opts
	}
	if redisClient != nil {
		opts = append(opts, search.WithResultCache(cache.NewResultStore(redisClient, cfg.NoFoundTTL)))
	}
	return opts
}
