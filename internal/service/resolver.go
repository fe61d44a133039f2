package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kjstillabower/postal-weather-service/internal/client"
	"github.com/kjstillabower/postal-weather-service/internal/observability"
	"github.com/kjstillabower/postal-weather-service/internal/postal"
	"github.com/kjstillabower/postal-weather-service/internal/ratelimit"
	"github.com/kjstillabower/postal-weather-service/internal/traffic"
	"github.com/kjstillabower/postal-weather-service/internal/validation"
)

// ErrorKind classifies why a resolution failed. Each kind has a fixed external
// message; the underlying cause is only logged.
type ErrorKind int

const (
	KindRateLimited ErrorKind = iota + 1
	KindMissingLocation
	KindBadLocation
	KindQuotaExceeded
	KindKeyDisabled
	KindAccessDenied
	KindUpstream
	KindInternal
)

type kindInfo struct {
	name    string
	code    string
	message string
}

// kinds maps each kind to its metric/log name, response code and external message.
// KindRateLimited and KindBadLocation messages are filled per request.
var kinds = map[ErrorKind]kindInfo{
	KindRateLimited:     {"rate_limited", "RATE_LIMITED", ""},
	KindMissingLocation: {"missing_location", "INVALID_LOCATION", "Location parameter is required"},
	KindBadLocation:     {"bad_location", "INVALID_LOCATION", ""},
	KindQuotaExceeded:   {"quota_exceeded", "UPSTREAM_QUOTA_EXCEEDED", client.ErrQuotaExceeded.Error()},
	KindKeyDisabled:     {"key_disabled", "UPSTREAM_KEY_DISABLED", client.ErrKeyDisabled.Error()},
	KindAccessDenied:    {"access_denied", "UPSTREAM_ACCESS_DENIED", client.ErrAccessDenied.Error()},
	KindUpstream:        {"upstream", "UPSTREAM_ERROR", "Failed to fetch weather data"},
	KindInternal:        {"internal", "INTERNAL_ERROR", "Internal server error"},
}

func (k ErrorKind) String() string {
	if info, ok := kinds[k]; ok {
		return info.name
	}
	return "unknown"
}

// Code is the stable machine-readable code returned to callers.
func (k ErrorKind) Code() string {
	if info, ok := kinds[k]; ok {
		return info.code
	}
	return "INTERNAL_ERROR"
}

// Error is a failed resolution. Message is safe to return to callers.
type Error struct {
	Kind    ErrorKind
	Message string
	// RateLimit is set for KindRateLimited.
	RateLimit *ratelimit.Status
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, err error) *Error {
	msg := kinds[kind].message
	if msg == "" {
		msg = kinds[KindInternal].message
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// Resolution is a successful weather lookup for a location.
type Resolution struct {
	Weather    WeatherResult
	PostalCode string
	Country    postal.Country
	RateLimit  ratelimit.Status
}

// RateLimiter admits or denies a client's request.
type RateLimiter interface {
	CheckAndIncrement(ctx context.Context, client string) (ratelimit.Decision, error)
}

// WeatherGetter returns weather for a normalized postal code.
type WeatherGetter interface {
	GetWeather(ctx context.Context, postalCode string) (WeatherResult, error)
}

// Resolver runs one weather request end to end: rate limit, location
// presence, postal code resolution, then the cache-first weather lookup.
type Resolver struct {
	limiter RateLimiter
	weather WeatherGetter
	logger  *zap.Logger
}

func NewResolver(limiter RateLimiter, weather WeatherGetter, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{limiter: limiter, weather: weather, logger: logger}
}

// Resolve returns weather for location on behalf of clientAddr. Every failure
// is an *Error.
func (r *Resolver) Resolve(ctx context.Context, location, clientAddr string) (Resolution, error) {
	logger := observability.LoggerFrom(ctx, r.logger)

	decision, err := r.limiter.CheckAndIncrement(ctx, clientAddr)
	if err != nil {
		observability.RateLimitStoreErrorsTotal.Inc()
		logger.Warn("rate limit store unavailable, admitting request", zap.String("client", clientAddr), zap.Error(err))
	}
	if !decision.Allowed {
		observability.RateLimitDeniedTotal.WithLabelValues("daily").Inc()
		traffic.RecordDenied()
		status := decision.Status
		logger.Info("daily rate limit exceeded", zap.String("client", clientAddr), zap.Int("current_requests", status.CurrentRequests))
		return Resolution{}, &Error{
			Kind:      KindRateLimited,
			Message:   ratelimit.ExceededMessage(status.Limit),
			RateLimit: &status,
		}
	}

	if strings.TrimSpace(location) == "" {
		observability.PostalResolutionsTotal.WithLabelValues("missing").Inc()
		return Resolution{}, newError(KindMissingLocation, nil)
	}

	location, err = validation.ValidateLocation(location)
	if err != nil {
		observability.PostalResolutionsTotal.WithLabelValues("invalid").Inc()
		return Resolution{}, &Error{Kind: KindBadLocation, Message: err.Error(), Err: err}
	}

	pc := postal.ValidateAndExtractPostalCode(location)
	if !pc.Valid {
		observability.PostalResolutionsTotal.WithLabelValues("invalid").Inc()
		logger.Debug("location rejected", zap.String("reason", pc.Error))
		return Resolution{}, &Error{Kind: KindBadLocation, Message: pc.Error}
	}
	observability.PostalResolutionsTotal.WithLabelValues(string(pc.Country)).Inc()

	res, err := r.weather.GetWeather(ctx, pc.PostalCode)
	if err != nil {
		traffic.RecordFetchError()
		kind := classifyWeatherError(err)
		logger.Error("weather fetch failed",
			zap.String("postal_code", pc.PostalCode),
			zap.String("error_kind", kind.String()),
			zap.Error(err))
		return Resolution{}, newError(kind, err)
	}
	traffic.RecordFetchSuccess()

	return Resolution{
		Weather:    res,
		PostalCode: pc.PostalCode,
		Country:    pc.Country,
		RateLimit:  decision.Status,
	}, nil
}

func classifyWeatherError(err error) ErrorKind {
	switch {
	case errors.Is(err, client.ErrQuotaExceeded):
		return KindQuotaExceeded
	case errors.Is(err, client.ErrKeyDisabled):
		return KindKeyDisabled
	case errors.Is(err, client.ErrAccessDenied):
		return KindAccessDenied
	case errors.Is(err, client.ErrUpstreamFailure):
		return KindUpstream
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindUpstream
	default:
		return KindInternal
	}
}
