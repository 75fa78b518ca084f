package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/weather-tracker-service/internal/cache"
	"github.com/kjstillabower/weather-tracker-service/internal/client"
	"github.com/kjstillabower/weather-tracker-service/internal/models"
	"github.com/kjstillabower/weather-tracker-service/internal/observability"
	"github.com/kjstillabower/weather-tracker-service/internal/store"
	"github.com/kjstillabower/weather-tracker-service/internal/traffic"
)

// ErrFetcherClosed is returned by FetchAll after Close.
var ErrFetcherClosed = errors.New("fetcher closed")

// FetcherConfig tunes a Fetcher. Zero values fall back to defaults.
type FetcherConfig struct {
	// MaxConcurrency caps simultaneous upstream calls within one cycle.
	MaxConcurrency int
	// CycleTimeout bounds a whole cycle, fan-out plus commit.
	CycleTimeout time.Duration
	// CacheTTL is the lifetime of latest-reading cache entries written after a commit.
	CacheTTL time.Duration
}

const (
	defaultMaxConcurrency = 4
	defaultCycleTimeout   = 2 * time.Minute
	defaultCacheTTL       = 2 * time.Hour
)

// Fetcher runs fetch cycles: one upstream call per city, then a single batch
// commit of the successful readings. Cycles never overlap.
type Fetcher struct {
	client         client.WeatherClient
	store          store.Store
	cache          cache.Cache
	cacheTTL       time.Duration
	maxConcurrency int
	cycleTimeout   time.Duration
	logger         *zap.Logger
	coalescer      *cycleCoalescer

	baseCtx context.Context
	cancel  context.CancelFunc

	closeOnce sync.Once

	lastMu sync.RWMutex
	last   *CycleRecord
}

// CycleRecord is the outcome of the most recently completed cycle.
type CycleRecord struct {
	Summary models.FetchSummary
	Err     error
}

// NewFetcher wires a Fetcher. lc may be nil when no cache is configured.
func NewFetcher(wc client.WeatherClient, s store.Store, lc cache.Cache, cfg FetcherConfig, logger *zap.Logger) *Fetcher {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = defaultCycleTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Fetcher{
		client:         wc,
		store:          s,
		cache:          lc,
		cacheTTL:       cfg.CacheTTL,
		maxConcurrency: cfg.MaxConcurrency,
		cycleTimeout:   cfg.CycleTimeout,
		logger:         logger,
		coalescer:      newCycleCoalescer(),
		baseCtx:        ctx,
		cancel:         cancel,
	}
}

// FetchAll runs a manual cycle for cities. See FetchAllWithTrigger.
func (f *Fetcher) FetchAll(ctx context.Context, cities []string) (models.FetchSummary, error) {
	return f.FetchAllWithTrigger(ctx, models.TriggerManual, cities)
}

// FetchAllWithTrigger fetches every city and commits the successes in one batch.
// Per-city failures are reported in the summary, never as the returned error.
// The error is non-nil only when the batch commit failed (wrapping store.ErrWrite),
// when ctx ended while waiting, or after Close.
//
// If a cycle is already running the call waits for it and returns its summary
// with Coalesced set; it never starts a second cycle.
func (f *Fetcher) FetchAllWithTrigger(ctx context.Context, trigger models.Trigger, cities []string) (models.FetchSummary, error) {
	if f.baseCtx.Err() != nil {
		return models.FetchSummary{}, ErrFetcherClosed
	}

	summary, joined, err := f.coalescer.Do(ctx, func() (models.FetchSummary, error) {
		summary, err := f.runCycle(trigger, cities)
		f.recordCycle(summary, err)
		return summary, err
	})
	if joined {
		observability.FetchCyclesCoalescedTotal.Inc()
		summary.Coalesced = true
		f.logger.Debug("trigger joined in-flight cycle",
			zap.String("trigger", string(trigger)),
			zap.String("cycle_id", summary.CycleID))
	}
	return summary, err
}

// Running reports whether a cycle is in flight.
func (f *Fetcher) Running() bool {
	return f.coalescer.Running()
}

// LastCycle returns the most recently completed cycle, whoever triggered it.
func (f *Fetcher) LastCycle() (CycleRecord, bool) {
	f.lastMu.RLock()
	defer f.lastMu.RUnlock()
	if f.last == nil {
		return CycleRecord{}, false
	}
	return *f.last, true
}

func (f *Fetcher) recordCycle(summary models.FetchSummary, err error) {
	f.lastMu.Lock()
	f.last = &CycleRecord{Summary: summary, Err: err}
	f.lastMu.Unlock()
}

// Close cancels any in-flight cycle and waits for it to unwind. An abandoned
// cycle stores nothing because the batch commit is all-or-nothing.
func (f *Fetcher) Close(ctx context.Context) error {
	f.closeOnce.Do(f.cancel)
	return f.coalescer.Wait(ctx)
}

type cityResult struct {
	reading models.Reading
	err     error
}

func (f *Fetcher) runCycle(trigger models.Trigger, cities []string) (models.FetchSummary, error) {
	start := time.Now()
	summary := models.FetchSummary{
		CycleID:   uuid.NewString(),
		Trigger:   trigger,
		StartedAt: start.UTC(),
		Attempted: len(cities),
	}
	logger := f.logger.With(zap.String("cycle_id", summary.CycleID), zap.String("trigger", string(trigger)))
	logger.Info("fetch cycle started", zap.Int("cities", len(cities)))

	cycleCtx, cancel := context.WithTimeout(f.baseCtx, f.cycleTimeout)
	defer cancel()

	results := f.fanOut(cycleCtx, cities)

	readings := make([]models.Reading, 0, len(cities))
	for i, res := range results {
		if res.err == nil {
			readings = append(readings, res.reading)
			observability.FetchCityOutcomesTotal.WithLabelValues("success").Inc()
			continue
		}
		kind := failureKind(res.err)
		observability.FetchCityOutcomesTotal.WithLabelValues(kind).Inc()
		summary.Failures = append(summary.Failures, models.CityFailure{
			City:  cities[i],
			Kind:  kind,
			Error: res.err.Error(),
		})
		logger.Warn("city fetch failed",
			zap.String("city", cities[i]),
			zap.String("kind", kind),
			zap.Error(res.err))
	}
	summary.Succeeded = len(readings)
	summary.Failed = len(summary.Failures)

	var err error
	if len(readings) > 0 {
		if werr := f.store.InsertBatch(cycleCtx, readings); werr != nil {
			err = fmt.Errorf("commit cycle %s: %w", summary.CycleID, werr)
		} else {
			summary.Stored = len(readings)
			observability.ReadingsStoredTotal.Add(float64(len(readings)))
			observability.LastSuccessfulCycleTimestamp.SetToCurrentTime()
			f.updateCache(cycleCtx, readings, logger)
		}
	}

	summary.Duration = time.Since(start)
	outcome := cycleOutcome(summary, err)
	observability.FetchCyclesTotal.WithLabelValues(string(trigger), outcome).Inc()
	observability.FetchCycleDuration.Observe(summary.Duration.Seconds())

	if err != nil {
		traffic.RecordCycle(0, summary.Attempted)
		logger.Error("fetch cycle commit failed",
			zap.Int("attempted", summary.Attempted),
			zap.Int("succeeded", summary.Succeeded),
			zap.Duration("duration", summary.Duration),
			zap.Error(err))
		return summary, err
	}

	traffic.RecordCycle(summary.Succeeded, summary.Failed)
	logger.Info("fetch cycle complete",
		zap.String("outcome", outcome),
		zap.Int("attempted", summary.Attempted),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("stored", summary.Stored),
		zap.Duration("duration", summary.Duration))
	return summary, nil
}

// fanOut fetches all cities with bounded concurrency. Results are indexed like
// cities; failures are recorded, never returned to the group, so one bad city
// cannot cancel its siblings.
func (f *Fetcher) fanOut(ctx context.Context, cities []string) []cityResult {
	results := make([]cityResult, len(cities))
	if len(cities) == 0 {
		return results
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(len(cities), f.maxConcurrency))
	for i, city := range cities {
		i, city := i, city
		g.Go(func() error {
			r, err := f.client.Fetch(gctx, city)
			results[i] = cityResult{reading: r, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (f *Fetcher) updateCache(ctx context.Context, readings []models.Reading, logger *zap.Logger) {
	if f.cache == nil {
		return
	}
	for _, r := range readings {
		if err := f.cache.Set(ctx, r.City, r, f.cacheTTL); err != nil {
			observability.CacheErrorsTotal.WithLabelValues("set").Inc()
			logger.Warn("cache set failed", zap.String("city", r.City), zap.Error(err))
		}
	}
}

// failureKind maps a fetch error to the summary/metric label.
func failureKind(err error) string {
	switch {
	case errors.Is(err, client.ErrRemoteTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, client.ErrRemoteMalformed):
		return "malformed"
	case errors.Is(err, client.ErrInvalidCity):
		return "invalid_city"
	case errors.Is(err, client.ErrRemoteUnavailable):
		return "unavailable"
	}
	return "unknown"
}

func cycleOutcome(s models.FetchSummary, err error) string {
	switch {
	case err != nil:
		return "store_error"
	case s.Failed == 0:
		return "success"
	case s.Succeeded == 0:
		return "failed"
	}
	return "partial"
}
