package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/kjstillabower/weather-tracker-service/internal/models"
)

// inFlightCycle tracks the one cycle that concurrent triggers may wait for.
type inFlightCycle struct {
	done    chan struct{}
	summary models.FetchSummary
	err     error
}

// cycleCoalescer keeps at most one fetch cycle running. A trigger that arrives
// while a cycle is in flight waits for it and shares its result.
type cycleCoalescer struct {
	mu      sync.Mutex
	current *inFlightCycle
}

func newCycleCoalescer() *cycleCoalescer {
	return &cycleCoalescer{}
}

// Do starts fn unless a cycle is already running, in which case it waits for
// that cycle instead. joined reports whether the caller shared another
// trigger's cycle. fn runs detached from ctx: ctx only bounds the wait.
func (cc *cycleCoalescer) Do(ctx context.Context, fn func() (models.FetchSummary, error)) (summary models.FetchSummary, joined bool, err error) {
	cc.mu.Lock()
	cycle := cc.current
	joined = cycle != nil
	if cycle == nil {
		cycle = &inFlightCycle{done: make(chan struct{})}
		cc.current = cycle
		go cc.run(cycle, fn)
	}
	cc.mu.Unlock()

	select {
	case <-cycle.done:
		return cycle.summary, joined, cycle.err
	case <-ctx.Done():
		return models.FetchSummary{}, joined, ctx.Err()
	}
}

func (cc *cycleCoalescer) run(cycle *inFlightCycle, fn func() (models.FetchSummary, error)) {
	defer func() {
		if r := recover(); r != nil {
			cycle.err = fmt.Errorf("fetch cycle panicked: %v", r)
		}
		cc.mu.Lock()
		cc.current = nil
		cc.mu.Unlock()
		close(cycle.done)
	}()
	cycle.summary, cycle.err = fn()
}

// Running reports whether a cycle is in flight.
func (cc *cycleCoalescer) Running() bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.current != nil
}

// Wait blocks until the in-flight cycle, if any, has finished or ctx is done.
func (cc *cycleCoalescer) Wait(ctx context.Context) error {
	cc.mu.Lock()
	cycle := cc.current
	cc.mu.Unlock()
	if cycle == nil {
		return nil
	}
	select {
	case <-cycle.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
