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

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-tracker-service/internal/cache"
	"github.com/kjstillabower/weather-tracker-service/internal/client"
	"github.com/kjstillabower/weather-tracker-service/internal/config"
	"github.com/kjstillabower/weather-tracker-service/internal/degraded"
	httphandler "github.com/kjstillabower/weather-tracker-service/internal/http"
	"github.com/kjstillabower/weather-tracker-service/internal/lifecycle"
	"github.com/kjstillabower/weather-tracker-service/internal/observability"
	"github.com/kjstillabower/weather-tracker-service/internal/scheduler"
	"github.com/kjstillabower/weather-tracker-service/internal/service"
	"github.com/kjstillabower/weather-tracker-service/internal/store"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	observability.SetTrackedCities(cfg.TrackedCities)
	observability.RegisterWindowGauges(cfg.DegradedWindow)

	weatherClient, err := client.NewOpenWeatherClientWithRetry(
		cfg.WeatherAPIKey,
		cfg.WeatherAPIURL,
		cfg.WeatherAPITimeout,
		client.RetryConfig{
			Attempts:  cfg.RetryAttempts,
			BaseDelay: cfg.RetryBaseDelay,
			MaxDelay:  cfg.RetryMaxDelay,
		},
		client.BreakerConfig{
			FailureThreshold: cfg.BreakerFailureThreshold,
			OpenTimeout:      cfg.BreakerOpenTimeout,
		},
	)
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}

	openCtx, openCancel := context.WithTimeout(context.Background(), 10*time.Second)
	readingStore, err := store.OpenSQLite(openCtx, cfg.StorePath, store.Options{
		MaxOpenConns: cfg.StoreMaxOpenConns,
		BusyTimeout:  cfg.StoreBusyTimeout,
	})
	openCancel()
	if err != nil {
		logger.Fatal("reading store", zap.Error(err), zap.String("path", cfg.StorePath))
	}
	logger.Info("reading store opened", zap.String("path", readingStore.Path()))

	var cacheSvc cache.Cache
	var memcacheCloser *cache.MemcachedCache
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		memcacheCloser = mc
		cacheSvc = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	case "none":
		logger.Info("cache backend: none")
	default:
		cacheSvc = cache.NewInMemoryCache()
		logger.Info("cache backend: in_memory")
	}

	fetcher := service.NewFetcher(weatherClient, readingStore, cacheSvc, service.FetcherConfig{
		MaxConcurrency: cfg.MaxConcurrency,
		CycleTimeout:   cfg.CycleTimeout,
		CacheTTL:       cfg.CacheTTL,
	}, logger)
	queries := service.NewQueryService(readingStore, cacheSvc, cfg.CacheTTL)

	sched, err := scheduler.New(fetcher, readingStore, scheduler.Config{
		Cities:              cfg.TrackedCities,
		Interval:            cfg.FetchInterval,
		FetchOnStartIfEmpty: cfg.FetchOnStartIfEmpty,
		Retention:           cfg.StoreRetention,
		RetentionCheck:      cfg.StoreRetentionCheck,
	}, logger)
	if err != nil {
		logger.Fatal("scheduler", zap.Error(err))
	}

	if cacheSvc != nil {
		warmCtx, warmCancel := context.WithTimeout(context.Background(), 30*time.Second)
		n, err := cache.NewCacheWarmer(readingStore, cacheSvc, cfg.CacheTTL, logger).Warm(warmCtx, cfg.TrackedCities)
		warmCancel()
		if err != nil {
			logger.Warn("cache warming failed", zap.Error(err), zap.Int("warmed", n))
		}
	}

	// background work stops when ctx ends
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var recovery *degraded.Recovery
	if cfg.DegradedRetryInitial > 0 {
		recovery = degraded.NewRecovery(
			weatherClient.ValidateAPIKey,
			func(ctx context.Context) {
				if _, err := sched.TriggerNow(ctx); err != nil {
					logger.Warn("catch-up fetch after recovery failed", zap.Error(err))
				}
			},
			cfg.DegradedRetryInitial,
			cfg.DegradedRetryMax,
			logger,
		)
		recovery.Start(ctx)
	}

	healthConfig := &httphandler.HealthConfig{
		DegradedWindow:   cfg.DegradedWindow,
		DegradedErrorPct: cfg.DegradedErrorPct,
		StorePing:        readingStore.Ping,
		Recovery:         recovery,
	}
	if memcacheCloser != nil {
		healthConfig.CachePing = memcacheCloser.Ping
	}

	handler := httphandler.NewHandler(queries, sched, weatherClient, cfg.TrackedCities, healthConfig, logger)
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		Limiter:        rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
		RequestTimeout: cfg.RequestTimeout,
	}, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	if err := sched.Start(ctx); err != nil {
		logger.Fatal("scheduler start", zap.Error(err))
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.Strings("cities", cfg.TrackedCities))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()
	lifecycle.SetPhase(lifecycle.Serving)

	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("waiting for in-flight requests", zap.Int64("count", httphandler.InFlightCount()))
	if err := httphandler.WaitForInFlight(shutdownCtx, 50*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Error("scheduler stop", zap.Error(err))
	}
	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	if err := readingStore.Close(); err != nil {
		logger.Error("reading store close", zap.Error(err))
	}

	if err := observability.FlushTelemetry(shutdownCtx, logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
