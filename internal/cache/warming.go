package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/postal-weather-service/internal/observability"
)

// WeatherFetcher is implemented by the service layer to load weather for a postal code
// through the cache. Used by CacheWarmer to avoid a circular dependency on the service package.
type WeatherFetcher interface {
	Prefetch(ctx context.Context, postalCode string) (fromCache bool, err error)
}

// CacheWarmer warms the cache by prefetching weather for a list of postal codes.
type CacheWarmer struct {
	fetcher WeatherFetcher
	logger  *zap.Logger
}

// NewCacheWarmer creates a CacheWarmer that uses the given fetcher and logger.
func NewCacheWarmer(fetcher WeatherFetcher, logger *zap.Logger) *CacheWarmer {
	return &CacheWarmer{fetcher: fetcher, logger: logger}
}

// Warm fetches weather for each postal code concurrently. Codes already cached are
// served from the store and cost no upstream call. Returns the joined per-code errors.
func (w *CacheWarmer) Warm(ctx context.Context, postalCodes []string) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	if w.logger != nil {
		w.logger.Info("warming cache", zap.Int("postal_codes", len(postalCodes)))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		errs    []error
		fetched int
	)
	for _, code := range postalCodes {
		wg.Add(1)
		go func(code string) {
			defer wg.Done()
			fromCache, err := w.fetcher.Prefetch(ctx, code)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("warm %s: %w", code, err))
				return
			}
			if !fromCache {
				fetched++
			}
		}(code)
	}
	wg.Wait()

	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	if w.logger != nil {
		w.logger.Info("cache warming complete",
			zap.Int("postal_codes", len(postalCodes)),
			zap.Int("fetched", fetched),
			zap.Int("errors", len(errs)),
			zap.Float64("duration_seconds", duration))
	}
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", errors.Join(errs...))
	}
	return nil
}
