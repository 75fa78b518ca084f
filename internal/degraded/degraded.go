// Package degraded decides when fetch cycles are failing often enough to call
// the service degraded, and runs recovery probes against the weather API
// until it answers again.
package degraded

import (
	"time"

	"github.com/kjstillabower/weather-tracker-service/internal/traffic"
)

// Check reports whether the share of failed city fetches within window
// reaches thresholdPct. An empty window is never degraded.
func Check(window time.Duration, thresholdPct int) (degraded bool, errors, total int) {
	errors, total = traffic.ErrorRate(window)
	if total == 0 || thresholdPct <= 0 {
		return false, errors, total
	}
	return errors*100 >= thresholdPct*total, errors, total
}

// ErrorRatePct returns the failed share of city fetches within window as a
// percentage, or 0 when nothing was attempted.
func ErrorRatePct(window time.Duration) float64 {
	errors, total := traffic.ErrorRate(window)
	if total == 0 {
		return 0
	}
	return float64(errors) * 100 / float64(total)
}
