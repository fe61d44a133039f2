package http

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/postal-weather-service/internal/circuitbreaker"
	"github.com/kjstillabower/postal-weather-service/internal/lifecycle"
	"github.com/kjstillabower/postal-weather-service/internal/models"
	"github.com/kjstillabower/postal-weather-service/internal/observability"
	"github.com/kjstillabower/postal-weather-service/internal/postal"
	"github.com/kjstillabower/postal-weather-service/internal/ratelimit"
	"github.com/kjstillabower/postal-weather-service/internal/service"
	"github.com/kjstillabower/postal-weather-service/internal/traffic"
	"github.com/kjstillabower/postal-weather-service/internal/validation"
)

// DegradedErrorPct is the upstream error rate, in percent of fetches within the
// health window, at which /health reports degraded.
const DegradedErrorPct = 50

// WeatherResolver runs the full weather request pipeline.
type WeatherResolver interface {
	Resolve(ctx context.Context, location, clientAddr string) (service.Resolution, error)
}

// RateLimitReader reports a client's quota without consuming it.
type RateLimitReader interface {
	Status(ctx context.Context, client string) (ratelimit.Status, error)
}

// CacheAdmin inspects and clears cached weather entries.
type CacheAdmin interface {
	IsCached(ctx context.Context, postalCode string) (bool, error)
	CacheExpiry(ctx context.Context, postalCode string) (time.Duration, bool, error)
	ClearCache(ctx context.Context, postalCode string) error
}

// HealthConfig holds the inputs for the health handler.
type HealthConfig struct {
	// ErrorWindow is how far back upstream fetch outcomes are considered.
	ErrorWindow time.Duration
	StartTime   time.Time
	// CachePing, when set, is called to check store reachability.
	CachePing func() error
	// BreakerState, when set, reports the upstream circuit breaker state.
	BreakerState func() circuitbreaker.State
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	resolver     WeatherResolver
	limits       RateLimitReader
	cache        CacheAdmin
	clientAddr   KeyFunc
	healthConfig *HealthConfig
	logger       *zap.Logger

	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. cache may be nil when admin routes are disabled.
func NewHandler(
	resolver WeatherResolver,
	limits RateLimitReader,
	cache CacheAdmin,
	clientAddr KeyFunc,
	healthConfig *HealthConfig,
	logger *zap.Logger,
) *Handler {
	if clientAddr == nil {
		clientAddr = ClientAddress(false)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		resolver:     resolver,
		limits:       limits,
		cache:        cache,
		clientAddr:   clientAddr,
		healthConfig: healthConfig,
		logger:       logger,
	}
}

type successResponse struct {
	Status    string            `json:"status"`
	Data      any               `json:"data"`
	RateLimit *ratelimit.Status `json:"rate_limit,omitempty"`
}

type weatherData struct {
	Weather   models.WeatherRecord `json:"weather"`
	FromCache bool                 `json:"from_cache"`
	Location  locationData         `json:"location"`
}

type locationData struct {
	PostalCode string         `json:"postal_code"`
	Country    postal.Country `json:"country"`
}

type errorResponse struct {
	Status        string         `json:"status"`
	Error         string         `json:"error"`
	Code          string         `json:"code,omitempty"`
	RequestID     string         `json:"requestId"`
	RateLimitInfo *rateLimitInfo `json:"rate_limit_info,omitempty"`
}

type rateLimitInfo struct {
	ratelimit.Status
	Message string `json:"message"`
}

// GetCurrentWeather handles GET /api/weather/current?location=.
func (h *Handler) GetCurrentWeather(w http.ResponseWriter, r *http.Request) {
	client := h.clientAddr(r)
	res, err := h.resolver.Resolve(r.Context(), r.URL.Query().Get("location"), client)
	if err != nil {
		h.writeResolveError(w, r, err)
		return
	}
	setRateLimitHeaders(w, res.RateLimit)
	writeJSON(w, http.StatusOK, successResponse{
		Status: "success",
		Data: weatherData{
			Weather:   res.Weather.Record,
			FromCache: res.Weather.FromCache,
			Location:  locationData{PostalCode: res.PostalCode, Country: res.Country},
		},
		RateLimit: &res.RateLimit,
	})
}

// GetRateLimit handles GET /api/rate_limit. It does not consume quota.
func (h *Handler) GetRateLimit(w http.ResponseWriter, r *http.Request) {
	st, err := h.limits.Status(r.Context(), h.clientAddr(r))
	if err != nil {
		observability.LoggerFrom(r.Context(), h.logger).Warn("rate limit status unavailable", zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, "RATE_LIMIT_UNAVAILABLE", "Rate limit status unavailable")
		return
	}
	setRateLimitHeaders(w, st)
	writeJSON(w, http.StatusOK, successResponse{Status: "success", Data: st})
}

type cacheStatus struct {
	PostalCode       string `json:"postal_code"`
	Cached           bool   `json:"cached"`
	ExpiresInSeconds int64  `json:"expires_in_seconds,omitempty"`
}

// GetCacheStatus handles GET /api/weather/cache?postal_code=.
func (h *Handler) GetCacheStatus(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("postal_code")
	if err := validation.ValidatePostalCodeParam(code); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_POSTAL_CODE", err.Error())
		return
	}
	normalized := service.NormalizePostalCode(code)

	cached, err := h.cache.IsCached(r.Context(), normalized)
	if err != nil {
		h.writeCacheError(w, r, err)
		return
	}
	resp := cacheStatus{PostalCode: normalized, Cached: cached}
	if cached {
		remaining, ok, err := h.cache.CacheExpiry(r.Context(), normalized)
		if err != nil {
			h.writeCacheError(w, r, err)
			return
		}
		resp.Cached = ok
		if ok {
			resp.ExpiresInSeconds = int64(math.Ceil(remaining.Seconds()))
		}
	}
	writeJSON(w, http.StatusOK, successResponse{Status: "success", Data: resp})
}

// DeleteCache handles DELETE /api/weather/cache[?postal_code=]. Without a
// postal code every weather entry is removed.
func (h *Handler) DeleteCache(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("postal_code")
	scope := "all"
	if r.URL.Query().Has("postal_code") {
		if err := validation.ValidatePostalCodeParam(code); err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_POSTAL_CODE", err.Error())
			return
		}
		scope = service.NormalizePostalCode(code)
	}

	target := scope
	if target == "all" {
		target = ""
	}
	if err := h.cache.ClearCache(r.Context(), target); err != nil {
		h.writeCacheError(w, r, err)
		return
	}
	observability.LoggerFrom(r.Context(), h.logger).Info("weather cache cleared", zap.String("scope", scope))
	writeJSON(w, http.StatusOK, successResponse{Status: "success", Data: map[string]string{"cleared": scope}})
}

func (h *Handler) writeCacheError(w http.ResponseWriter, r *http.Request, err error) {
	observability.LoggerFrom(r.Context(), h.logger).Warn("cache admin operation failed", zap.Error(err))
	writeError(w, r, http.StatusServiceUnavailable, "CACHE_UNAVAILABLE", "Cache operation failed")
}

// writeResolveError maps a resolution failure onto its status and envelope.
func (h *Handler) writeResolveError(w http.ResponseWriter, r *http.Request, err error) {
	var e *service.Error
	if !errors.As(err, &e) {
		observability.LoggerFrom(r.Context(), h.logger).Error("unclassified resolve error", zap.Error(err))
		e = &service.Error{Kind: service.KindInternal, Message: "Internal server error", Err: err}
	}

	resp := errorResponse{
		Status:    "error",
		Error:     e.Message,
		Code:      e.Kind.Code(),
		RequestID: observability.CorrelationID(r.Context()),
	}
	status := statusForKind(e.Kind)
	if e.Kind == service.KindRateLimited && e.RateLimit != nil {
		resp.RateLimitInfo = &rateLimitInfo{Status: *e.RateLimit, Message: ratelimit.ResetMessage}
		setRateLimitHeaders(w, *e.RateLimit)
		if wait := e.RateLimit.RetryAfter(time.Now()); wait > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		}
	}
	writeJSON(w, status, resp)
}

func statusForKind(k service.ErrorKind) int {
	switch k {
	case service.KindRateLimited:
		return http.StatusTooManyRequests
	case service.KindMissingLocation, service.KindBadLocation:
		return http.StatusBadRequest
	case service.KindQuotaExceeded, service.KindKeyDisabled, service.KindAccessDenied, service.KindUpstream:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func setRateLimitHeaders(w http.ResponseWriter, st ratelimit.Status) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(st.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(st.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(st.ResetTime.Unix(), 10))
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
	checks     map[string]string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	resp := map[string]any{
		"status":    result.status,
		"service":   observability.ServiceName,
		"checks":    result.checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.healthConfig != nil && !h.healthConfig.StartTime.IsZero() {
		resp["uptime_seconds"] = int64(time.Since(h.healthConfig.StartTime).Seconds())
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus evaluates, in priority order: shutting-down, cache
// reachability, circuit breaker, upstream error rate.
func (h *Handler) computeHealthStatus() healthResult {
	checks := map[string]string{"cache": "healthy", "weatherApi": "healthy"}
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal", checks}
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, "", checks}
	}

	if h.healthConfig.CachePing != nil {
		if err := h.healthConfig.CachePing(); err != nil {
			checks["cache"] = "unhealthy"
			return healthResult{"degraded", http.StatusServiceUnavailable, "cache_unreachable", checks}
		}
	}
	if h.healthConfig.BreakerState != nil {
		state := h.healthConfig.BreakerState()
		checks["circuitBreaker"] = state.String()
		if state == circuitbreaker.StateOpen {
			checks["weatherApi"] = "unhealthy"
			return healthResult{"degraded", http.StatusServiceUnavailable, "circuit_open", checks}
		}
	}
	if h.healthConfig.ErrorWindow > 0 {
		errCount, total := traffic.ErrorRate(h.healthConfig.ErrorWindow)
		if total > 0 && errCount*100 >= DegradedErrorPct*total {
			checks["weatherApi"] = "unhealthy"
			return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach", checks}
		}
	}
	return healthResult{"healthy", http.StatusOK, "", checks}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the standard error envelope carrying the request's correlation ID.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		Status:    "error",
		Error:     message,
		Code:      code,
		RequestID: observability.CorrelationID(r.Context()),
	})
}
