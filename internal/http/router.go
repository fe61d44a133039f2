package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/postal-weather-service/internal/observability"
)

// RouterConfig controls which routes and middleware NewRouter installs.
type RouterConfig struct {
	Logger *zap.Logger
	// Throttle guards every /api route; nil disables it.
	Throttle *rate.Limiter
	// RequestTimeout bounds weather lookups; zero disables it.
	RequestTimeout time.Duration
	// AdminEnabled exposes the cache inspection and clearing routes.
	AdminEnabled bool
}

// NewRouter builds the service route table.
func NewRouter(h *Handler, cfg RouterConfig) *mux.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler())

	api := router.PathPrefix("/api").Subrouter()
	api.Use(ThrottleMiddleware(cfg.Throttle))
	api.HandleFunc("/rate_limit", h.GetRateLimit).Methods(http.MethodGet)

	weather := api.PathPrefix("/weather").Subrouter()
	weather.Handle("/current", withTimeout(cfg.RequestTimeout, http.HandlerFunc(h.GetCurrentWeather))).Methods(http.MethodGet)
	if cfg.AdminEnabled && h.cache != nil {
		logger.Warn("admin cache routes enabled")
		weather.HandleFunc("/cache", h.GetCacheStatus).Methods(http.MethodGet)
		weather.HandleFunc("/cache", h.DeleteCache).Methods(http.MethodDelete)
	}
	return router
}

func withTimeout(timeout time.Duration, next http.Handler) http.Handler {
	if timeout <= 0 {
		return next
	}
	return TimeoutMiddleware(timeout)(next)
}
