package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kjstillabower/postal-weather-service/internal/alert"
	"github.com/kjstillabower/postal-weather-service/internal/cache"
	"github.com/kjstillabower/postal-weather-service/internal/client"
	"github.com/kjstillabower/postal-weather-service/internal/models"
	"github.com/kjstillabower/postal-weather-service/internal/observability"
)

const (
	// KeyPrefix namespaces weather entries in the shared store.
	KeyPrefix = "weather_service:"

	// DefaultTTL is how long a shaped record is served from the store.
	DefaultTTL = 30 * time.Minute
)

// WeatherResult is a shaped record and whether it came from the store.
type WeatherResult struct {
	Record    models.WeatherRecord
	FromCache bool
}

// WeatherCache serves current weather per postal code cache-first: a stored
// record is returned without an upstream call, a miss fetches the provider,
// shapes the payload and stores it for the TTL. Failed fetches are never
// replaced by stale data.
type WeatherCache struct {
	client          client.WeatherClient
	store           cache.Store
	ttl             time.Duration
	alerter         alert.Alerter
	logger          *zap.Logger
	now             func() time.Time
	stampedeTracker *stampedeTracker
}

// NewWeatherCache creates a WeatherCache. A non-positive ttl uses DefaultTTL.
// alerter and logger may be nil.
func NewWeatherCache(c client.WeatherClient, store cache.Store, ttl time.Duration, alerter alert.Alerter, logger *zap.Logger) *WeatherCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WeatherCache{
		client:          c,
		store:           store,
		ttl:             ttl,
		alerter:         alerter,
		logger:          logger,
		now:             time.Now,
		stampedeTracker: newStampedeTracker(),
	}
}

// GetWeather returns the record for postalCode. Store read failures are
// logged and treated as misses; store write failures are logged and the
// fresh record is still returned.
func (s *WeatherCache) GetWeather(ctx context.Context, postalCode string) (WeatherResult, error) {
	code := NormalizePostalCode(postalCode)
	key := cacheKey(code)
	start := time.Now()
	logger := observability.LoggerFrom(ctx, s.logger)

	ctx, span := observability.Tracer().Start(ctx, "weather.get")
	defer span.End()
	span.SetAttributes(attribute.String("postal_code", code))

	if entry, ok := s.readEntry(ctx, key, logger); ok {
		observability.CacheLookupsTotal.WithLabelValues("hit").Inc()
		span.SetAttributes(attribute.Bool("from_cache", true))
		logger.Debug("weather served", zap.String("postal_code", code), zap.Bool("cached", true), zap.Duration("duration", time.Since(start)))
		return WeatherResult{Record: entry.Value, FromCache: true}, nil
	}
	observability.CacheLookupsTotal.WithLabelValues("miss").Inc()

	concurrentMisses, done := s.stampedeTracker.begin(key)
	defer done()
	if concurrentMisses > 1 {
		observability.CacheStampedeDetectedTotal.Inc()
		observability.CacheStampedeConcurrency.Observe(float64(concurrentMisses))
	}

	logger.Debug("cache miss, fetching upstream", zap.String("postal_code", code))
	payload, err := s.client.Forecast(ctx, code)
	if err != nil {
		observability.WeatherAPIErrorsTotal.WithLabelValues(string(client.CategorizeError(err))).Inc()
		s.alertOnAccountError(ctx, code, err)
		span.RecordError(err)
		return WeatherResult{}, fmt.Errorf("fetch weather for %s: %w", code, err)
	}

	record := shapeRecord(payload)
	s.writeEntry(ctx, key, record, logger)
	span.SetAttributes(attribute.Bool("from_cache", false))
	logger.Debug("weather served", zap.String("postal_code", code), zap.Bool("cached", false), zap.Duration("duration", time.Since(start)))
	return WeatherResult{Record: record}, nil
}

// Prefetch loads postalCode through the cache. Used by cache warming.
func (s *WeatherCache) Prefetch(ctx context.Context, postalCode string) (bool, error) {
	res, err := s.GetWeather(ctx, postalCode)
	return res.FromCache, err
}

// IsCached reports whether the store holds an entry for postalCode.
func (s *WeatherCache) IsCached(ctx context.Context, postalCode string) (bool, error) {
	return s.store.Exists(ctx, cacheKey(NormalizePostalCode(postalCode)))
}

// ClearCache deletes the entry for postalCode. An empty postalCode deletes
// every weather entry and nothing else; rate-limit counters are untouched.
func (s *WeatherCache) ClearCache(ctx context.Context, postalCode string) error {
	code := NormalizePostalCode(postalCode)
	if code == "" {
		if err := s.store.DeletePrefix(ctx, KeyPrefix); err != nil {
			observability.CacheErrorsTotal.WithLabelValues("clear").Inc()
			return fmt.Errorf("clear weather cache: %w", err)
		}
		return nil
	}
	if err := s.store.Delete(ctx, cacheKey(code)); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("delete").Inc()
		return fmt.Errorf("clear weather cache for %s: %w", code, err)
	}
	return nil
}

// CacheExpiry returns the remaining lifetime of the entry for postalCode.
// ok is false when nothing is cached.
func (s *WeatherCache) CacheExpiry(ctx context.Context, postalCode string) (time.Duration, bool, error) {
	key := cacheKey(NormalizePostalCode(postalCode))
	raw, ok, err := s.store.Get(ctx, key)
	if err != nil {
		return 0, false, fmt.Errorf("read %s: %w", key, err)
	}
	if !ok {
		return 0, false, nil
	}
	var entry models.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return 0, false, fmt.Errorf("decode %s: %w", key, err)
	}
	remaining := entry.ExpiresAt.Sub(s.now())
	if remaining <= 0 {
		return 0, false, nil
	}
	return remaining, true, nil
}

// readEntry returns a live entry for key. Any store or decode failure is a miss.
func (s *WeatherCache) readEntry(ctx context.Context, key string, logger *zap.Logger) (models.CacheEntry, bool) {
	getStart := time.Now()
	raw, ok, err := s.store.Get(ctx, key)
	getDuration := time.Since(getStart).Seconds()
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get").Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "error").Observe(getDuration)
		logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		return models.CacheEntry{}, false
	}
	if !ok {
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "miss").Observe(getDuration)
		return models.CacheEntry{}, false
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("get", "hit").Observe(getDuration)

	var entry models.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("decode").Inc()
		logger.Warn("cache entry undecodable, refetching", zap.String("key", key), zap.Error(err))
		return models.CacheEntry{}, false
	}
	// Backends round expiry to whole seconds; the entry's own deadline is authoritative.
	if !entry.ExpiresAt.IsZero() && !s.now().Before(entry.ExpiresAt) {
		return models.CacheEntry{}, false
	}
	return entry, true
}

func (s *WeatherCache) writeEntry(ctx context.Context, key string, record models.WeatherRecord, logger *zap.Logger) {
	entry := models.CacheEntry{Key: key, Value: record, ExpiresAt: s.now().Add(s.ttl)}
	raw, err := json.Marshal(entry)
	if err != nil {
		logger.Warn("cache entry encode failed", zap.String("key", key), zap.Error(err))
		return
	}

	setStart := time.Now()
	if err := s.store.Set(ctx, key, raw, s.ttl); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("set").Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "error").Observe(time.Since(setStart).Seconds())
		logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
		return
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("set", "success").Observe(time.Since(setStart).Seconds())
}

// alertOnAccountError raises an alert when err is one of the provider account errors.
func (s *WeatherCache) alertOnAccountError(ctx context.Context, postalCode string, err error) {
	if s.alerter == nil {
		return
	}
	var (
		kind     alert.Kind
		sentinel error
	)
	switch {
	case errors.Is(err, client.ErrQuotaExceeded):
		kind, sentinel = alert.KindQuotaExceeded, client.ErrQuotaExceeded
	case errors.Is(err, client.ErrKeyDisabled):
		kind, sentinel = alert.KindKeyDisabled, client.ErrKeyDisabled
	case errors.Is(err, client.ErrAccessDenied):
		kind, sentinel = alert.KindAccessDenied, client.ErrAccessDenied
	default:
		return
	}

	a := alert.Alert{Kind: kind, PostalCode: postalCode, Message: sentinel.Error(), Time: s.now().UTC()}
	var perr *client.ProviderError
	if errors.As(err, &perr) {
		a.ErrorCode = perr.Code
		a.Detail = perr.Message
	}
	s.alerter.Alert(ctx, a)
}

// shapeRecord keeps the fixed field subset. A payload missing either the
// current conditions or today's forecast yields an empty record.
func shapeRecord(p client.ForecastPayload) models.WeatherRecord {
	cur, day := p.Current, p.Today()
	if cur == nil || day == nil {
		return models.WeatherRecord{}
	}
	return models.WeatherRecord{
		LastUpdated:      cur.LastUpdated,
		LastUpdatedEpoch: cur.LastUpdatedEpoch,
		TempC:            cur.TempC,
		TempF:            cur.TempF,
		MaxTempC:         day.MaxTempC,
		MaxTempF:         day.MaxTempF,
		MinTempC:         day.MinTempC,
		MinTempF:         day.MinTempF,
		FeelsLikeC:       cur.FeelsLikeC,
		FeelsLikeF:       cur.FeelsLikeF,
		WindChillC:       cur.WindChillC,
		WindChillF:       cur.WindChillF,
	}
}

// NormalizePostalCode trims, upper-cases and drops everything but ASCII letters
// and digits, so "a1a 1a1", "A1A-1A1" and "A1A1A1" share one cache key.
func NormalizePostalCode(postalCode string) string {
	return strings.Map(func(r rune) rune {
		r = unicode.ToUpper(r)
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return -1
	}, strings.TrimSpace(postalCode))
}

func cacheKey(normalized string) string {
	return KeyPrefix + normalized
}
