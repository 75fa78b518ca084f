package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/weather-tracker-service/internal/models"
	"github.com/kjstillabower/weather-tracker-service/internal/service"
)

var cities = []string{"Vancouver", "Calgary", "Toronto", "Whitehorse"}

type call struct {
	trigger models.Trigger
	cities  []string
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   []call
	err     error
	running bool
	last    *service.CycleRecord
	closed  int
}

func (f *fakeRunner) FetchAllWithTrigger(ctx context.Context, trigger models.Trigger, cities []string) (models.FetchSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{trigger: trigger, cities: cities})
	summary := models.FetchSummary{
		CycleID:   "cycle-1",
		Trigger:   trigger,
		Attempted: len(cities),
		Succeeded: len(cities),
		Stored:    len(cities),
	}
	f.last = &service.CycleRecord{Summary: summary, Err: f.err}
	return summary, f.err
}

func (f *fakeRunner) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeRunner) LastCycle() (service.CycleRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return service.CycleRecord{}, false
	}
	return *f.last, true
}

func (f *fakeRunner) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeRunner) triggers() []models.Trigger {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Trigger, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.trigger)
	}
	return out
}

type fakeStore struct {
	mu        sync.Mutex
	count     int64
	countErr  error
	deleted   int64
	deleteErr error
	cutoffs   []time.Time
}

func (s *fakeStore) Count(ctx context.Context) (int64, error) {
	return s.count, s.countErr
}

func (s *fakeStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cutoffs = append(s.cutoffs, cutoff)
	return s.deleted, s.deleteErr
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func newTestScheduler(t *testing.T, f *fakeRunner, s *fakeStore, cfg Config) *Scheduler {
	t.Helper()
	if cfg.Cities == nil {
		cfg.Cities = cities
	}
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	sch, err := New(f, s, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = sch.Stop(context.Background()) })
	return sch
}

func TestNew_Validation(t *testing.T) {
	f, s := &fakeRunner{}, &fakeStore{}
	tests := []struct {
		name    string
		runner  CycleRunner
		store   ReadingStore
		cfg     Config
		wantErr string
	}{
		{"valid", f, s, Config{Cities: cities, Interval: time.Minute}, ""},
		{"nil fetcher", nil, s, Config{Cities: cities, Interval: time.Minute}, "fetcher is required"},
		{"nil store", f, nil, Config{Cities: cities, Interval: time.Minute}, "store is required"},
		{"no cities", f, s, Config{Interval: time.Minute}, "at least one tracked city"},
		{"zero interval", f, s, Config{Cities: cities}, "interval must be positive"},
		{"negative retention", f, s, Config{Cities: cities, Interval: time.Minute, Retention: -time.Hour}, "retention must not be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.runner, tt.store, tt.cfg, nil)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("New() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("New() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

// TestStart_EmptyStoreRunsStartupCycle verifies the startup fetch fires once when no readings exist.
func TestStart_EmptyStoreRunsStartupCycle(t *testing.T) {
	f := &fakeRunner{}
	sch := newTestScheduler(t, f, &fakeStore{count: 0}, Config{FetchOnStartIfEmpty: true})

	if err := sch.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, time.Second, func() bool { return len(f.triggers()) == 1 })
	if got := f.triggers()[0]; got != models.TriggerStartup {
		t.Errorf("trigger = %q, want %q", got, models.TriggerStartup)
	}
}

func TestStart_SkipsStartupCycle(t *testing.T) {
	tests := []struct {
		name  string
		store *fakeStore
		cfg   Config
	}{
		{"store has readings", &fakeStore{count: 12}, Config{FetchOnStartIfEmpty: true}},
		{"disabled", &fakeStore{count: 0}, Config{FetchOnStartIfEmpty: false}},
		{"count fails", &fakeStore{countErr: errors.New("database is locked")}, Config{FetchOnStartIfEmpty: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeRunner{}
			sch := newTestScheduler(t, f, tt.store, tt.cfg)
			if err := sch.Start(context.Background()); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			time.Sleep(50 * time.Millisecond)
			if got := f.triggers(); len(got) != 0 {
				t.Errorf("triggers = %v, want none", got)
			}
		})
	}
}

func TestStart_Twice(t *testing.T) {
	sch := newTestScheduler(t, &fakeRunner{}, &fakeStore{count: 1}, Config{})
	if err := sch.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := sch.Start(context.Background()); err == nil {
		t.Error("second Start() error = nil, want error")
	}
}

// TestScheduledTickRuns verifies the interval job fires with the schedule trigger.
func TestScheduledTickRuns(t *testing.T) {
	f := &fakeRunner{}
	sch := newTestScheduler(t, f, &fakeStore{count: 1}, Config{Interval: time.Second})
	if err := sch.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return len(f.triggers()) >= 1 })
	if got := f.triggers()[0]; got != models.TriggerSchedule {
		t.Errorf("trigger = %q, want %q", got, models.TriggerSchedule)
	}
}

// TestScheduledTickFailureKeepsSchedule verifies a failing tick is logged and the schedule continues.
func TestScheduledTickFailureKeepsSchedule(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	f := &fakeRunner{err: errors.New("commit cycle cycle-1: store write failed")}
	sch, err := New(f, &fakeStore{count: 1}, Config{Cities: cities, Interval: time.Second}, zap.New(core))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = sch.Stop(context.Background()) })
	if err := sch.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, 4*time.Second, func() bool { return len(f.triggers()) >= 2 })
	if n := logs.FilterMessage("scheduled fetch failed").Len(); n == 0 {
		t.Error("expected scheduled fetch failure to be logged")
	}
}

func TestTriggerNow(t *testing.T) {
	f := &fakeRunner{}
	sch := newTestScheduler(t, f, &fakeStore{}, Config{})

	summary, err := sch.TriggerNow(context.Background())
	if err != nil {
		t.Fatalf("TriggerNow() error = %v", err)
	}
	if summary.Trigger != models.TriggerManual {
		t.Errorf("summary.Trigger = %q, want %q", summary.Trigger, models.TriggerManual)
	}
	if summary.Attempted != len(cities) {
		t.Errorf("summary.Attempted = %d, want %d", summary.Attempted, len(cities))
	}
	f.mu.Lock()
	got := f.calls[0].cities
	f.mu.Unlock()
	for i := range cities {
		if got[i] != cities[i] {
			t.Fatalf("cities = %v, want %v in tracked order", got, cities)
		}
	}
}

// TestPruneNow verifies the cutoff is now minus retention.
func TestPruneNow(t *testing.T) {
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	s := &fakeStore{deleted: 7}
	sch := newTestScheduler(t, &fakeRunner{}, s, Config{Retention: 72 * time.Hour})
	sch.now = func() time.Time { return now }

	n, err := sch.PruneNow(context.Background())
	if err != nil {
		t.Fatalf("PruneNow() error = %v", err)
	}
	if n != 7 {
		t.Errorf("PruneNow() = %d, want 7", n)
	}
	want := now.Add(-72 * time.Hour)
	if len(s.cutoffs) != 1 || !s.cutoffs[0].Equal(want) {
		t.Errorf("cutoffs = %v, want [%v]", s.cutoffs, want)
	}
}

func TestPruneNow_Disabled(t *testing.T) {
	s := &fakeStore{deleted: 7}
	sch := newTestScheduler(t, &fakeRunner{}, s, Config{})

	n, err := sch.PruneNow(context.Background())
	if err != nil || n != 0 {
		t.Errorf("PruneNow() = %d, %v, want 0, nil", n, err)
	}
	if len(s.cutoffs) != 0 {
		t.Errorf("DeleteBefore called %d times, want 0", len(s.cutoffs))
	}
}

func TestPruneNow_Error(t *testing.T) {
	storeErr := errors.New("disk I/O error")
	sch := newTestScheduler(t, &fakeRunner{}, &fakeStore{deleteErr: storeErr}, Config{Retention: time.Hour})

	if _, err := sch.PruneNow(context.Background()); !errors.Is(err, storeErr) {
		t.Errorf("PruneNow() error = %v, want wrapping %v", err, storeErr)
	}
}

func TestStatus(t *testing.T) {
	f := &fakeRunner{}
	sch := newTestScheduler(t, f, &fakeStore{count: 1}, Config{Interval: 30 * time.Minute})

	if st := sch.Status(); st.State != StateStopped || st.NextRun != nil {
		t.Errorf("Status() before Start = %+v, want stopped without next run", st)
	}

	if err := sch.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	st := sch.Status()
	if st.State != StateIdle {
		t.Errorf("State = %q, want %q", st.State, StateIdle)
	}
	if st.Interval != "30m0s" {
		t.Errorf("Interval = %q, want 30m0s", st.Interval)
	}
	if st.NextRun == nil || st.NextRun.Before(time.Now()) {
		t.Errorf("NextRun = %v, want a future time", st.NextRun)
	}
	if st.LastCycle != nil {
		t.Errorf("LastCycle = %+v, want nil before any cycle", st.LastCycle)
	}

	f.mu.Lock()
	f.running = true
	f.mu.Unlock()
	if got := sch.Status().State; got != StateRunning {
		t.Errorf("State = %q, want %q", got, StateRunning)
	}
}

func TestStatus_LastCycleError(t *testing.T) {
	f := &fakeRunner{err: errors.New("store write failed")}
	sch := newTestScheduler(t, f, &fakeStore{}, Config{})

	_, _ = sch.TriggerNow(context.Background())

	st := sch.Status()
	if st.LastCycle == nil || st.LastCycle.CycleID != "cycle-1" {
		t.Fatalf("LastCycle = %+v, want cycle-1", st.LastCycle)
	}
	if st.LastError != "store write failed" {
		t.Errorf("LastError = %q, want store write failed", st.LastError)
	}
}

// TestStop verifies Stop closes the fetcher once and blocks further starts.
func TestStop(t *testing.T) {
	f := &fakeRunner{}
	sch := newTestScheduler(t, f, &fakeStore{count: 1}, Config{})
	if err := sch.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sch.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := sch.Stop(ctx); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
	if f.closed != 1 {
		t.Errorf("fetcher Close calls = %d, want 1", f.closed)
	}
	if got := sch.Status().State; got != StateStopped {
		t.Errorf("State = %q, want %q", got, StateStopped)
	}
	if err := sch.Start(context.Background()); err == nil {
		t.Error("Start() after Stop error = nil, want error")
	}
}

func TestCronLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := cronLogger{logger: zap.New(core).Sugar()}

	l.Info("schedule", "entry", 1)
	l.Error(errors.New("boom"), "panic", "stack", "...")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("got %d log entries, want 2", len(entries))
	}
	if entries[0].Level != zapcore.DebugLevel || entries[0].Message != "cron: schedule" {
		t.Errorf("info entry = %v %q", entries[0].Level, entries[0].Message)
	}
	if entries[1].Level != zapcore.ErrorLevel {
		t.Errorf("error entry level = %v, want error", entries[1].Level)
	}
	if got := entries[1].ContextMap()["error"]; got != "boom" {
		t.Errorf("error field = %v, want boom", got)
	}
}
