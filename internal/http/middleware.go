package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-tracker-service/internal/observability"
	"github.com/kjstillabower/weather-tracker-service/internal/traffic"
)

const correlationHeader = "X-Correlation-ID"

// CorrelationIDMiddleware tags every request with an ID, taken from the
// caller's header when present, and echoes it back. Handlers find the ID and
// a logger already scoped to it under the "correlation_id" and "logger" keys.
func CorrelationIDMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(correlationHeader)
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(correlationHeader, id)

			ctx := context.WithValue(r.Context(), "correlation_id", id)
			ctx = context.WithValue(ctx, "logger", logger.With(zap.String("correlation_id", id)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// MetricsMiddleware counts requests by route and status class, times them,
// and keeps the in-flight gauge. Shutdown drains on the same in-flight count.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		begin := time.Now()
		observability.HTTPRequestsInFlight.Inc()
		globalInFlightTracker.Increment()
		defer func() {
			globalInFlightTracker.Decrement()
			observability.HTTPRequestsInFlight.Dec()
		}()

		rec := &codeRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		label := routeLabel(r)
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, label, statusClass(rec.code)).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, label).Observe(time.Since(begin).Seconds())
	})
}

// routeLabel keeps metric cardinality bounded: /api/history/Calgary and
// /api/history/Toronto both report as /api/history/{city}. Paths no route
// matched collapse into a single "unmatched" series.
func routeLabel(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return "unmatched"
	}
	tpl, err := route.GetPathTemplate()
	if err != nil {
		return "unmatched"
	}
	return tpl
}

// codeRecorder remembers the status a handler wrote. Handlers that never call
// WriteHeader answered 200.
type codeRecorder struct {
	http.ResponseWriter
	code int
}

func (c *codeRecorder) WriteHeader(code int) {
	c.code = code
	c.ResponseWriter.WriteHeader(code)
}

// statusClass turns 404 into "4xx".
func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}

// TimeoutMiddleware bounds how long an /api handler may work. The store, the
// cache and a joined fetch cycle all observe the shortened request context.
func TimeoutMiddleware(timeout time.Duration) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimitMiddleware sheds /api load with a shared token bucket. Each
// rejection is answered 429 RATE_LIMITED and counted both as a metric and as
// a traffic denial. A nil limiter admits everything.
func RateLimitMiddleware(limiter *rate.Limiter) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter.Allow() {
				next.ServeHTTP(w, r)
				return
			}
			traffic.RecordDenied()
			observability.RateLimitDeniedTotal.Inc()
			loggerFrom(r, zap.NewNop()).Debug("request shed by rate limiter", zap.String("path", r.URL.Path))
			writeError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests")
		})
	}
}
