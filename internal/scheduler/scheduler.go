// Package scheduler drives recurring fetch cycles and the optional retention job.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-tracker-service/internal/models"
	"github.com/kjstillabower/weather-tracker-service/internal/observability"
	"github.com/kjstillabower/weather-tracker-service/internal/service"
)

const (
	StateIdle    = "idle"
	StateRunning = "running"
	StateStopped = "stopped"

	defaultRetentionCheck = time.Hour
)

// CycleRunner is the part of service.Fetcher the scheduler drives.
type CycleRunner interface {
	FetchAllWithTrigger(ctx context.Context, trigger models.Trigger, cities []string) (models.FetchSummary, error)
	Running() bool
	LastCycle() (service.CycleRecord, bool)
	Close(ctx context.Context) error
}

// ReadingStore is the part of store.Store the scheduler needs.
type ReadingStore interface {
	Count(ctx context.Context) (int64, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config controls schedule and retention.
type Config struct {
	Cities              []string
	Interval            time.Duration
	FetchOnStartIfEmpty bool
	// Retention of zero keeps readings forever and disables the prune job.
	Retention      time.Duration
	RetentionCheck time.Duration
}

// Status is a point-in-time view of the scheduler for /health and /api/fetch-now.
type Status struct {
	State     string               `json:"state"`
	Interval  string               `json:"interval"`
	NextRun   *time.Time           `json:"nextRun,omitempty"`
	LastCycle *models.FetchSummary `json:"lastCycle,omitempty"`
	LastError string               `json:"lastError,omitempty"`
}

// Scheduler runs a fetch cycle every Interval. Manual triggers share the
// fetcher's single-flight, so a tick that lands during a manual cycle joins it.
type Scheduler struct {
	fetcher CycleRunner
	store   ReadingStore
	cfg     Config
	logger  *zap.Logger
	cron    *cron.Cron
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	started    bool
	stopped    bool
	fetchEntry cron.EntryID
}

// New validates cfg and builds a Scheduler. Nothing runs until Start.
func New(f CycleRunner, s ReadingStore, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if f == nil {
		return nil, errors.New("fetcher is required")
	}
	if s == nil {
		return nil, errors.New("store is required")
	}
	if len(cfg.Cities) == 0 {
		return nil, errors.New("at least one tracked city is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", cfg.Interval)
	}
	if cfg.Retention < 0 {
		return nil, fmt.Errorf("retention must not be negative, got %s", cfg.Retention)
	}
	if cfg.RetentionCheck <= 0 {
		cfg.RetentionCheck = defaultRetentionCheck
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cl := cronLogger{logger: logger.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		fetcher: f,
		store:   s,
		cfg:     cfg,
		logger:  logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start schedules the jobs and begins ticking. When the store is empty and
// FetchOnStartIfEmpty is set, a startup cycle runs in the background first.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("scheduler stopped")
	}
	if s.started {
		return errors.New("scheduler already started")
	}

	if s.cfg.FetchOnStartIfEmpty {
		n, err := s.store.Count(ctx)
		switch {
		case err != nil:
			s.logger.Warn("could not count stored readings, skipping startup fetch", zap.Error(err))
		case n == 0:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.runCycle(models.TriggerStartup)
			}()
		default:
			s.logger.Debug("store has readings, skipping startup fetch", zap.Int64("readings", n))
		}
	}

	s.fetchEntry = s.cron.Schedule(cron.Every(s.cfg.Interval), cron.FuncJob(func() {
		s.runCycle(models.TriggerSchedule)
	}))
	if s.cfg.Retention > 0 {
		s.cron.Schedule(cron.Every(s.cfg.RetentionCheck), cron.FuncJob(func() {
			if _, err := s.PruneNow(s.ctx); err != nil {
				s.logger.Error("retention prune failed", zap.Error(err))
			}
		}))
	}
	s.cron.Start()
	s.started = true

	s.logger.Info("scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("cities", len(s.cfg.Cities)),
		zap.Duration("retention", s.cfg.Retention))
	return nil
}

// runCycle is the body of every scheduled and startup tick. Failures are
// logged by the fetcher; the schedule continues regardless.
func (s *Scheduler) runCycle(trigger models.Trigger) {
	summary, err := s.fetcher.FetchAllWithTrigger(s.ctx, trigger, s.cfg.Cities)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Error("scheduled fetch failed",
			zap.String("trigger", string(trigger)),
			zap.String("cycle_id", summary.CycleID),
			zap.Error(err))
	}
}

// TriggerNow runs a manual cycle for every tracked city and returns its summary.
// If a cycle is already running the caller shares its result.
func (s *Scheduler) TriggerNow(ctx context.Context) (models.FetchSummary, error) {
	return s.fetcher.FetchAllWithTrigger(ctx, models.TriggerManual, s.cfg.Cities)
}

// PruneNow deletes readings older than the retention window. It is a no-op
// when retention is disabled.
func (s *Scheduler) PruneNow(ctx context.Context) (int64, error) {
	if s.cfg.Retention <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.cfg.Retention)
	n, err := s.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune readings before %s: %w", cutoff.UTC().Format(time.RFC3339), err)
	}
	observability.ReadingsPrunedTotal.Add(float64(n))
	if n > 0 {
		s.logger.Info("pruned old readings", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}

// Status reports whether a cycle is in flight, the last completed cycle and
// the next scheduled run.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	started, stopped, entry := s.started, s.stopped, s.fetchEntry
	s.mu.Unlock()

	st := Status{State: StateIdle, Interval: s.cfg.Interval.String()}
	switch {
	case stopped || !started:
		st.State = StateStopped
	case s.fetcher.Running():
		st.State = StateRunning
	}
	if started && !stopped {
		if next := s.cron.Entry(entry).Next; !next.IsZero() {
			st.NextRun = &next
		}
	}
	if rec, ok := s.fetcher.LastCycle(); ok {
		summary := rec.Summary
		st.LastCycle = &summary
		if rec.Err != nil {
			st.LastError = rec.Err.Error()
		}
	}
	return st
}

// Stop halts the schedule, waits for running jobs until ctx ends, then closes
// the fetcher. An abandoned cycle stores nothing.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	s.cancel()
	if started {
		select {
		case <-s.cron.Stop().Done():
		case <-ctx.Done():
			s.logger.Warn("scheduler stop timed out waiting for jobs")
		}
	}
	s.wg.Wait()

	if err := s.fetcher.Close(ctx); err != nil {
		return fmt.Errorf("close fetcher: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// cronLogger adapts zap to cron.Logger. Cron's own info chatter goes to debug.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
