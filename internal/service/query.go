package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-tracker-service/internal/cache"
	"github.com/kjstillabower/weather-tracker-service/internal/models"
	"github.com/kjstillabower/weather-tracker-service/internal/observability"
	"github.com/kjstillabower/weather-tracker-service/internal/store"
)

// QueryService answers read-side questions over stored readings. Untracked
// cities are not rejected here; they simply have no readings.
type QueryService struct {
	store    store.Store
	cache    cache.Cache
	cacheTTL time.Duration
}

// NewQueryService creates a QueryService. lc may be nil when no cache is configured.
func NewQueryService(s store.Store, lc cache.Cache, cacheTTL time.Duration) *QueryService {
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	return &QueryService{store: s, cache: lc, cacheTTL: cacheTTL}
}

// loggerFromContext extracts a zap.Logger from request context if present.
// Returns nil if logger is not found or context is invalid.
func loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return nil
}

// LatestPerCity returns the most recent reading per city. Cities without any
// reading are absent from the map. The cache is consulted first; a cache error
// falls back to the store.
func (q *QueryService) LatestPerCity(ctx context.Context, cities []string) (map[string]models.Reading, error) {
	logger := loggerFromContext(ctx)
	out := make(map[string]models.Reading, len(cities))
	for _, city := range cities {
		if r, ok := q.cachedLatest(ctx, city, logger); ok {
			out[city] = r
			continue
		}

		r, ok, err := q.store.Latest(ctx, city)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out[city] = r
		// Add, not Set: a cycle may have cached a newer reading since our store read.
		if q.cache != nil {
			if err := q.cache.Add(ctx, city, r, q.cacheTTL); err != nil {
				observability.CacheErrorsTotal.WithLabelValues("set").Inc()
				if logger != nil {
					logger.Warn("cache set failed", zap.String("city", city), zap.Error(err))
				}
			}
		}
	}
	return out, nil
}

func (q *QueryService) cachedLatest(ctx context.Context, city string, logger *zap.Logger) (models.Reading, bool) {
	if q.cache == nil {
		return models.Reading{}, false
	}
	r, ok, err := q.cache.Get(ctx, city)
	switch {
	case err != nil:
		observability.CacheLookupsTotal.WithLabelValues("error").Inc()
		if logger != nil {
			logger.Warn("cache get failed, reading store", zap.String("city", city), zap.Error(err))
		}
		return models.Reading{}, false
	case !ok:
		observability.CacheLookupsTotal.WithLabelValues("miss").Inc()
		return models.Reading{}, false
	}
	observability.CacheLookupsTotal.WithLabelValues("hit").Inc()
	return r, true
}

// History returns readings for city observed at or after since, oldest first.
func (q *QueryService) History(ctx context.Context, city string, since time.Time) ([]models.Reading, error) {
	observability.RecordCityQuery(city, "history")
	return q.store.History(ctx, city, since)
}

// Stats aggregates readings for city observed at or after since.
func (q *QueryService) Stats(ctx context.Context, city string, since time.Time) (models.Stats, error) {
	observability.RecordCityQuery(city, "stats")
	return q.store.Stats(ctx, city, since)
}
