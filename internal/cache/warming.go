package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-tracker-service/internal/models"
	"github.com/kjstillabower/weather-tracker-service/internal/observability"
)

// LatestSource is implemented by the reading store. Declared here to keep the
// cache free of a store dependency.
type LatestSource interface {
	Latest(ctx context.Context, city string) (models.Reading, bool, error)
}

// CacheWarmer preloads the latest reading of each tracked city from the store,
// so the first /api/current after a restart does not fan out to the store.
type CacheWarmer struct {
	source LatestSource
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
}

// NewCacheWarmer creates a CacheWarmer that copies from source into c with ttl.
func NewCacheWarmer(source LatestSource, c Cache, ttl time.Duration, logger *zap.Logger) *CacheWarmer {
	return &CacheWarmer{source: source, cache: c, ttl: ttl, logger: logger}
}

// Warm loads each city concurrently. Cities without readings are skipped.
// Returns the number of entries written and an aggregated error for failures.
func (w *CacheWarmer) Warm(ctx context.Context, cities []string) (int, error) {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		warmed int
		errs   []error
	)
	for _, city := range cities {
		city := city
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, ok, err := w.source.Latest(ctx, city)
			if err == nil && ok {
				err = w.cache.Set(ctx, city, r, w.ttl)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("warm %s: %w", city, err))
				return
			}
			if ok {
				warmed++
			}
		}()
	}
	wg.Wait()

	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	if w.logger != nil {
		w.logger.Info("cache warming complete",
			zap.Int("cities", len(cities)),
			zap.Int("warmed", warmed),
			zap.Int("errors", len(errs)),
			zap.Float64("duration_seconds", duration))
	}
	if len(errs) > 0 {
		observability.CacheErrorsTotal.WithLabelValues("warm").Inc()
		return warmed, errors.Join(errs...)
	}
	return warmed, nil
}
