// Package lifecycle tracks the process phase. /health reads it to report
// shutting-down while the server drains.
package lifecycle

import "sync/atomic"

// Phase is the process phase.
type Phase int32

const (
	Starting Phase = iota
	Serving
	ShuttingDown
)

func (p Phase) String() string {
	switch p {
	case Starting:
		return "starting"
	case Serving:
		return "serving"
	case ShuttingDown:
		return "shutting-down"
	default:
		return "unknown"
	}
}

var phase atomic.Int32

// SetPhase records the current phase. Once ShuttingDown is set it is never left.
func SetPhase(p Phase) {
	for {
		cur := phase.Load()
		if Phase(cur) == ShuttingDown && p != ShuttingDown {
			return
		}
		if phase.CompareAndSwap(cur, int32(p)) {
			return
		}
	}
}

// Current returns the current phase.
func Current() Phase {
	return Phase(phase.Load())
}

// SetShuttingDown marks the process as draining. Call when SIGTERM/SIGINT is received.
func SetShuttingDown() {
	SetPhase(ShuttingDown)
}

// IsShuttingDown returns true if the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return Current() == ShuttingDown
}

// Reset returns the phase to Starting. For tests only.
func Reset() {
	phase.Store(int32(Starting))
}
