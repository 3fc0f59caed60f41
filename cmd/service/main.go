package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/MartinSteinmayer/start-hack-syngenta-api/internal/cache"
	"github.com/MartinSteinmayer/start-hack-syngenta-api/internal/circuitbreaker"
	"github.com/MartinSteinmayer/start-hack-syngenta-api/internal/client"
	"github.com/MartinSteinmayer/start-hack-syngenta-api/internal/config"
	httphandler "github.com/MartinSteinmayer/start-hack-syngenta-api/internal/http"
	"github.com/MartinSteinmayer/start-hack-syngenta-api/internal/lifecycle"
	"github.com/MartinSteinmayer/start-hack-syngenta-api/internal/observability"
	"github.com/MartinSteinmayer/start-hack-syngenta-api/internal/service"
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
	if !cfg.Credentials.Configured() {
		logger.Warn("Earth Engine credentials not configured; imagery requests will fail until EE_* variables are set")
	}

	catalogClient := client.NewEarthEngineClient(cfg)

	if cfg.CircuitBreakerEnabled {
		cb := circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			Component:        "earth_engine",
			OnStateChange: func(from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition("earth_engine", from.String(), to.String())
				observability.SetCircuitBreakerStateGauge("earth_engine", float64(int(to)))
			},
		})
		catalogClient.SetCircuitBreaker(cb)
		observability.SetCircuitBreakerStateGauge("earth_engine", 0)
		logger.Info("circuit breaker enabled", zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold), zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

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
	default:
		cacheSvc = cache.NewInMemoryCache()
		logger.Info("cache backend: in_memory")
	}

	imageryService := service.NewImageryService(
		catalogClient,
		cacheSvc,
		cfg.CacheTTL,
		cfg.Sources,
		cfg.SafetyMargin,
		cfg.VisMin,
		cfg.VisMax,
		cfg.VisGamma,
		cfg.Dimensions,
	)

	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:       cfg.OverloadWindow,
		OverloadThresholdPct: cfg.OverloadThresholdPct,
		RateLimitRPS:         cfg.RateLimitRPS,
		RateLimitBurst:       cfg.RateLimitBurst,
		DegradedWindow:       cfg.DegradedWindow,
		DegradedErrorPct:     cfg.DegradedErrorPct,
	}
	if memcacheCloser != nil {
		healthConfig.CachePing = memcacheCloser.Ping
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	defaults := httphandler.RequestDefaults{
		Hectares:  cfg.DefaultHectares,
		StartDate: cfg.DefaultStartDate,
		EndDate:   cfg.DefaultEndDate,
	}
	handler := httphandler.NewHandler(imageryService, catalogClient, defaults, healthConfig, logger, limiter)

	observability.RegisterRateLimitGauges(cfg.OverloadWindow)

	router := mux.NewRouter()
	router.Use(httphandler.CorrelationIDMiddleware(logger))
	router.Use(httphandler.CORSMiddleware)
	router.Use(httphandler.MetricsMiddleware)
	router.HandleFunc("/", handler.GetIndex).Methods("GET")
	router.HandleFunc("/health", handler.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler())
	satelliteRouter := router.PathPrefix("/satellite").Subrouter()
	satelliteRouter.Use(httphandler.RateLimitMiddleware(limiter))
	satelliteRouter.Use(httphandler.TimeoutMiddleware(cfg.RequestTimeout))
	satelliteRouter.HandleFunc("", handler.GetSatellite).Methods("GET", "OPTIONS")

	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
		// Write timeout must cover the full imagery pipeline, which can spend
		// most of the request deadline waiting on the remote render.
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	observability.RecordShutdownInFlight(inFlight)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}
