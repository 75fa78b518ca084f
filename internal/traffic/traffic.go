// Package traffic keeps short sliding windows of per-city fetch outcomes and
// rate-limit denials. The health handler derives the degraded state from it and
// the metrics package exposes it as gauges.
package traffic

import (
	"sync"
	"time"
)

// Outcome is one kind of recorded event.
type Outcome int

const (
	FetchSuccess Outcome = iota
	FetchError
	Denied
	numOutcomes
)

// MaxWindow bounds memory: events older than this are dropped on every write.
// Windows passed to Counts or Rate beyond it see only MaxWindow of history.
const MaxWindow = 6 * time.Hour

var defaultTracker = NewTracker(MaxWindow)

// RecordCycle records the per-city results of one fetch cycle.
func RecordCycle(succeeded, failed int) {
	defaultTracker.RecordN(FetchSuccess, succeeded)
	defaultTracker.RecordN(FetchError, failed)
}

// RecordDenied records a rate-limit denial (429).
func RecordDenied() {
	defaultTracker.RecordN(Denied, 1)
}

// ErrorRate returns (failed, attempted) city fetches within the window.
func ErrorRate(window time.Duration) (errors, total int) {
	return defaultTracker.ErrorRate(window)
}

// DenialCount returns the number of denials within the window.
func DenialCount(window time.Duration) int {
	return defaultTracker.Count(Denied, window)
}

// LastSuccess returns when a city fetch last succeeded; zero if never.
func LastSuccess() time.Time {
	return defaultTracker.LastSuccess()
}

// Reset clears all recorded outcomes. Degraded recovery calls it once the
// API answers again so stale failures stop counting against the window.
func Reset() {
	defaultTracker.Reset()
}

// Tracker maintains per-outcome timestamp windows.
type Tracker struct {
	mu          sync.Mutex
	maxAge      time.Duration
	events      [numOutcomes][]time.Time
	lastSuccess time.Time
	now         func() time.Time
}

// NewTracker returns a Tracker that forgets events older than maxAge.
func NewTracker(maxAge time.Duration) *Tracker {
	return &Tracker{maxAge: maxAge, now: time.Now}
}

// RecordN records n events of the given outcome at the current time.
func (t *Tracker) RecordN(o Outcome, n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for i := 0; i < n; i++ {
		t.events[o] = append(t.events[o], now)
	}
	if o == FetchSuccess {
		t.lastSuccess = now
	}
	t.pruneLocked(now)
}

// Count returns the number of events of the outcome within the window.
func (t *Tracker) Count(o Outcome, window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return countSince(t.events[o], t.now().Add(-window))
}

// ErrorRate returns (errors, errors+successes) within the window. Denials are not fetches.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	errors = countSince(t.events[FetchError], cutoff)
	return errors, errors + countSince(t.events[FetchSuccess], cutoff)
}

// LastSuccess returns the time of the most recent successful fetch.
func (t *Tracker) LastSuccess() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSuccess
}

// Reset clears all events.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.events {
		t.events[i] = nil
	}
	t.lastSuccess = time.Time{}
}

// countSince counts timestamps not before cutoff. Slices are append-ordered.
func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for i := len(times) - 1; i >= 0 && !times[i].Before(cutoff); i-- {
		n++
	}
	return n
}

// pruneLocked drops events older than maxAge. Must be called with mu held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.maxAge)
	for o := range t.events {
		times := t.events[o]
		i := 0
		for ; i < len(times) && times[i].Before(cutoff); i++ {
		}
		if i > 0 {
			t.events[o] = append(times[:0], times[i:]...)
		}
	}
}
