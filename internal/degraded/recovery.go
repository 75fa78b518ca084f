package degraded

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-tracker-service/internal/traffic"
)

// ProbeFunc checks whether the upstream is usable again. nil means recovered.
type ProbeFunc func(ctx context.Context) error

// Recovery probes the weather API on a Fibonacci schedule after the service
// turns degraded. On the first successful probe it clears the outcome window
// and calls onRecovered, which typically runs a catch-up fetch cycle.
type Recovery struct {
	probe        ProbeFunc
	onRecovered  func(ctx context.Context)
	initial      time.Duration
	max          time.Duration
	probeTimeout time.Duration
	logger       *zap.Logger

	notify    chan struct{}
	running   atomic.Bool
	exhausted atomic.Bool
}

// NewRecovery builds a Recovery. Delays run initial, 2*initial, 3*initial,
// 5*initial ... up to max.
func NewRecovery(probe ProbeFunc, onRecovered func(ctx context.Context), initial, max time.Duration, logger *zap.Logger) *Recovery {
	if logger == nil {
		logger = zap.NewNop()
	}
	if onRecovered == nil {
		onRecovered = func(context.Context) {}
	}
	return &Recovery{
		probe:        probe,
		onRecovered:  onRecovered,
		initial:      initial,
		max:          max,
		probeTimeout: 10 * time.Second,
		logger:       logger,
		notify:       make(chan struct{}, 1),
	}
}

// Notify signals that the service is degraded. Non-blocking; safe to call
// from handlers on every health check.
func (r *Recovery) Notify() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Active reports whether a recovery run is in progress.
func (r *Recovery) Active() bool {
	return r.running.Load()
}

// Exhausted reports whether the last run used every delay without recovering.
func (r *Recovery) Exhausted() bool {
	return r.exhausted.Load()
}

// Start runs the listener until ctx is done. At most one recovery runs at a time.
func (r *Recovery) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.notify:
				if r.running.Swap(true) {
					continue
				}
				go func() {
					defer r.running.Store(false)
					r.Run(ctx)
				}()
			}
		}
	}()
}

// Run probes at each Fibonacci delay until a probe succeeds, the delays run
// out, or ctx ends. Returns true when recovered.
func (r *Recovery) Run(ctx context.Context) bool {
	delays := fibDelays(r.initial, r.max)
	if len(delays) == 0 {
		return false
	}
	r.exhausted.Store(false)
	for i, d := range delays {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
		}
		probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
		err := r.probe(probeCtx)
		cancel()
		if err == nil {
			r.logger.Info("weather api recovered", zap.Int("attempt", i+1))
			traffic.Reset()
			r.onRecovered(ctx)
			return true
		}
		r.logger.Warn("recovery probe failed",
			zap.Int("attempt", i+1),
			zap.Int("of", len(delays)),
			zap.Error(err))
	}
	r.exhausted.Store(true)
	r.logger.Error("recovery attempts exhausted", zap.Int("attempts", len(delays)))
	return false
}

func fibDelays(initial, max time.Duration) []time.Duration {
	if initial <= 0 || max < initial {
		return nil
	}
	var out []time.Duration
	a, b := int64(1), int64(2)
	for {
		d := time.Duration(a) * initial
		if d > max {
			break
		}
		out = append(out, d)
		a, b = b, a+b
	}
	return out
}
