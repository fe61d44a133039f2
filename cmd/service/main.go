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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/postal-weather-service/internal/alert"
	"github.com/kjstillabower/postal-weather-service/internal/cache"
	"github.com/kjstillabower/postal-weather-service/internal/circuitbreaker"
	"github.com/kjstillabower/postal-weather-service/internal/client"
	"github.com/kjstillabower/postal-weather-service/internal/config"
	httphandler "github.com/kjstillabower/postal-weather-service/internal/http"
	"github.com/kjstillabower/postal-weather-service/internal/lifecycle"
	"github.com/kjstillabower/postal-weather-service/internal/observability"
	"github.com/kjstillabower/postal-weather-service/internal/ratelimit"
	"github.com/kjstillabower/postal-weather-service/internal/scheduler"
	"github.com/kjstillabower/postal-weather-service/internal/service"
)

const (
	breakerComponent     = "weather_api"
	warmTimeout          = 30 * time.Second
	inFlightPollInterval = 100 * time.Millisecond
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

	shutdownTracing, err := observability.InitTracing(context.Background(), cfg.TracingEndpoint, cfg.TracingSampleRatio)
	if err != nil {
		logger.Fatal("tracing", zap.Error(err))
	}
	if cfg.TracingEndpoint != "" {
		logger.Info("tracing enabled", zap.String("endpoint", cfg.TracingEndpoint), zap.Float64("sample_ratio", cfg.TracingSampleRatio))
	}

	backend, err := openStore(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("cache store", zap.Error(err))
	}

	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		Timeout:          cfg.BreakerTimeout,
		Component:        breakerComponent,
		OnStateChange: func(from, to circuitbreaker.State) {
			observability.RecordCircuitBreakerTransition(breakerComponent, from.String(), to.String(), int(to))
			logger.Warn("circuit breaker state change",
				zap.String("component", breakerComponent),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	observability.CircuitBreakerState.WithLabelValues(breakerComponent).Set(0)

	weatherClient, err := client.NewWeatherAPIClient(cfg.WeatherAPIKey, cfg.WeatherAPIURL, cfg.WeatherAPITimeout, breaker)
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}

	weatherCache := service.NewWeatherCache(weatherClient, backend.store, cfg.CacheTTL, newAlerter(cfg, logger), logger)
	limiter := ratelimit.New(backend.store, cfg.DailyRateLimit)
	resolver := service.NewResolver(limiter, weatherCache, logger)

	observability.RegisterRateLimitGauges(cfg.HealthWindow)

	jobs := scheduler.New(logger)
	if err := jobs.AddWarming(cache.NewCacheWarmer(weatherCache, logger), cfg.WarmPostalCodes, cfg.WarmInterval, warmTimeout); err != nil {
		logger.Fatal("scheduler", zap.Error(err))
	}
	if backend.sweeper != nil {
		if err := jobs.AddSweep(backend.sweeper, cfg.SweepInterval); err != nil {
			logger.Fatal("scheduler", zap.Error(err))
		}
	}

	handler := httphandler.NewHandler(
		resolver,
		limiter,
		weatherCache,
		httphandler.ClientAddress(cfg.TrustForwardedFor),
		&httphandler.HealthConfig{
			ErrorWindow:  cfg.HealthWindow,
			StartTime:    time.Now(),
			CachePing:    backend.ping,
			BreakerState: breaker.State,
		},
		logger,
	)
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		Logger:         logger,
		Throttle:       rate.NewLimiter(rate.Limit(cfg.ThrottleRPS), cfg.ThrottleBurst),
		RequestTimeout: cfg.RequestTimeout,
		AdminEnabled:   cfg.AdminEnabled,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      otelhttp.NewHandler(router, "http.server"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.String("cache_backend", cfg.CacheBackend),
			zap.Int("daily_rate_limit", cfg.DailyRateLimit))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()
	jobs.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = lifecycle.Shutdown(shutdownCtx, logger,
		lifecycle.Step{Name: "http_server", Fn: srv.Shutdown},
		lifecycle.Step{Name: "in_flight", Fn: func(ctx context.Context) error {
			logger.Info("waiting for in-flight requests", zap.Int64("count", httphandler.InFlightCount()))
			return httphandler.WaitForInFlight(ctx, inFlightPollInterval)
		}},
		lifecycle.Step{Name: "scheduler", Fn: func(context.Context) error {
			jobs.Stop()
			return nil
		}},
		lifecycle.Step{Name: "cache_store", Fn: func(context.Context) error { return backend.close() }},
		lifecycle.Step{Name: "telemetry", Fn: func(ctx context.Context) error {
			return observability.FlushTelemetry(ctx, nil, shutdownTracing)
		}},
	)
	logger.Info("shutdown complete")
}

// storeBackend is the selected cache.Store plus its optional capabilities.
type storeBackend struct {
	store   cache.Store
	ping    func() error
	sweeper scheduler.Sweeper
	close   func() error
}

// openStore builds the store named by cfg.CacheBackend.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storeBackend, error) {
	noop := func() error { return nil }
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedStore(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			return storeBackend{}, fmt.Errorf("memcached: %w", err)
		}
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
		return storeBackend{store: mc, ping: mc.Ping, close: mc.Close}, nil
	case "redis":
		rs, err := cache.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisTimeout)
		if err != nil {
			return storeBackend{}, fmt.Errorf("redis: %w", err)
		}
		logger.Info("cache backend: redis", zap.String("addr", cfg.RedisAddr), zap.Int("db", cfg.RedisDB))
		return storeBackend{store: rs, ping: rs.Ping, close: rs.Close}, nil
	case "in_memory", "":
		mem := cache.NewInMemoryStore()
		logger.Info("cache backend: in_memory")
		return storeBackend{store: mem, sweeper: mem, close: noop}, nil
	default:
		return storeBackend{}, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}

// newAlerter always logs provider account alerts and also posts them to the
// webhook when one is configured.
func newAlerter(cfg *config.Config, logger *zap.Logger) alert.Alerter {
	logAlerter := alert.NewLogAlerter(logger)
	if cfg.AlertWebhookURL == "" {
		return logAlerter
	}
	logger.Info("alert webhook enabled")
	return alert.Multi{logAlerter, alert.NewWebhookAlerter(cfg.AlertWebhookURL, cfg.AlertTimeout, logger)}
}
