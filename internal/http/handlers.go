package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-tracker-service/internal/client"
	"github.com/kjstillabower/weather-tracker-service/internal/degraded"
	"github.com/kjstillabower/weather-tracker-service/internal/lifecycle"
	"github.com/kjstillabower/weather-tracker-service/internal/models"
	"github.com/kjstillabower/weather-tracker-service/internal/scheduler"
	"github.com/kjstillabower/weather-tracker-service/internal/service"
	"github.com/kjstillabower/weather-tracker-service/internal/store"
	"github.com/kjstillabower/weather-tracker-service/internal/validation"
)

const (
	defaultWindowHours = 24
	maxWindowHours     = 168

	apiKeyCheckTTL = time.Minute
)

// Querier is the read side the handlers serve from.
type Querier interface {
	LatestPerCity(ctx context.Context, cities []string) (map[string]models.Reading, error)
	History(ctx context.Context, city string, since time.Time) ([]models.Reading, error)
	Stats(ctx context.Context, city string, since time.Time) (models.Stats, error)
}

// CycleTrigger starts manual fetch cycles and reports scheduler state.
type CycleTrigger interface {
	TriggerNow(ctx context.Context) (models.FetchSummary, error)
	Status() scheduler.Status
}

// HealthConfig holds thresholds and probes for the health handler.
type HealthConfig struct {
	DegradedWindow   time.Duration
	DegradedErrorPct int
	// StorePing checks the reading store. Required.
	StorePing func(ctx context.Context) error
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
	// Recovery, when set, is notified whenever health reports the weather API as degraded.
	Recovery *degraded.Recovery
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	queries      Querier
	trigger      CycleTrigger
	client       client.WeatherClient
	cities       []string
	healthConfig *HealthConfig
	logger       *zap.Logger
	now          func() time.Time

	healthStatusMu   sync.Mutex
	healthStatusPrev string

	keyCheckMu  sync.Mutex
	keyCheckAt  time.Time
	keyCheckErr error
}

// NewHandler returns a new Handler. cities is the tracked set in display order.
func NewHandler(
	queries Querier,
	trigger CycleTrigger,
	weatherClient client.WeatherClient,
	cities []string,
	healthConfig *HealthConfig,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		queries:      queries,
		trigger:      trigger,
		client:       weatherClient,
		cities:       cities,
		healthConfig: healthConfig,
		logger:       logger,
		now:          time.Now,
	}
}

// GetCurrent handles GET /api/current: the latest reading per tracked city in
// tracked order. Cities without any reading are omitted.
func (h *Handler) GetCurrent(w http.ResponseWriter, r *http.Request) {
	latest, err := h.queries.LatestPerCity(r.Context(), h.cities)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	out := make([]models.Reading, 0, len(latest))
	for _, city := range h.cities {
		if reading, ok := latest[city]; ok {
			out = append(out, reading)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// GetHistory handles GET /api/history/{city}?hours=N.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	city, since, ok := h.parseCityWindow(w, r)
	if !ok {
		return
	}
	readings, err := h.queries.History(r.Context(), city, since)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, readings)
}

// GetStats handles GET /api/stats/{city}?hours=N.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	city, since, ok := h.parseCityWindow(w, r)
	if !ok {
		return
	}
	stats, err := h.queries.Stats(r.Context(), city, since)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	stats.City = city
	writeJSON(w, http.StatusOK, stats)
}

// parseCityWindow validates the city path parameter and the hours query
// parameter. A tracked city is returned in its tracked spelling; an untracked
// one is passed through and simply has no readings.
func (h *Handler) parseCityWindow(w http.ResponseWriter, r *http.Request) (string, time.Time, bool) {
	city, err := validation.ValidateCity(mux.Vars(r)["city"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_CITY", err.Error())
		return "", time.Time{}, false
	}
	if canonical, ok := validation.CanonicalCity(city, h.cities); ok {
		city = canonical
	}

	hours := defaultWindowHours
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxWindowHours {
			writeError(w, r, http.StatusBadRequest, "INVALID_WINDOW",
				fmt.Sprintf("hours must be an integer between 1 and %d", maxWindowHours))
			return "", time.Time{}, false
		}
		hours = n
	}
	since := h.now().UTC().Add(-time.Duration(hours) * time.Hour)
	return city, since, true
}

// GetCities handles GET /api/cities.
func (h *Handler) GetCities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"cities": h.cities})
}

// fetchNowResponse is the body of /api/fetch-now. It is always JSON, success or not.
type fetchNowResponse struct {
	Status     string               `json:"status"`
	Message    string               `json:"message"`
	DurationMs int64                `json:"durationMs,omitempty"`
	Summary    *models.FetchSummary `json:"summary,omitempty"`
}

// FetchNow handles GET and POST /api/fetch-now. It runs a manual cycle, or
// joins the one already running, and reports the outcome.
func (h *Handler) FetchNow(w http.ResponseWriter, r *http.Request) {
	summary, err := h.trigger.TriggerNow(r.Context())
	logger := loggerFrom(r, h.logger)

	if err != nil {
		resp := fetchNowResponse{Status: "error"}
		// A failed commit can itself wrap a deadline, so the write failure is
		// checked before asking whether this request gave up waiting.
		switch {
		case errors.Is(err, service.ErrFetcherClosed):
			resp.Message = "Service is shutting down"
		case errors.Is(err, store.ErrWrite):
			resp.Message = "Weather data was fetched but could not be stored"
			resp.Summary = &summary
			resp.DurationMs = summary.Duration.Milliseconds()
		case r.Context().Err() != nil:
			resp.Message = "Fetch did not finish before the request deadline; it continues in the background"
		default:
			resp.Message = "Fetch cycle failed"
			resp.Summary = &summary
			resp.DurationMs = summary.Duration.Milliseconds()
		}
		logger.Warn("manual fetch failed", zap.String("cycle_id", summary.CycleID), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	resp := fetchNowResponse{
		Status:     "success",
		Summary:    &summary,
		DurationMs: summary.Duration.Milliseconds(),
	}
	status := http.StatusOK
	switch {
	case summary.Attempted > 0 && summary.Succeeded == 0:
		resp.Status = "error"
		resp.Message = fmt.Sprintf("No weather data could be fetched (%d cities failed)", summary.Failed)
		status = http.StatusServiceUnavailable
	case summary.Failed > 0:
		resp.Message = fmt.Sprintf("Weather data fetched for %d of %d cities (%d failed)", summary.Succeeded, summary.Attempted, summary.Failed)
	default:
		resp.Message = fmt.Sprintf("Weather data fetched for %d cities", summary.Succeeded)
	}
	if summary.Coalesced {
		resp.Message += "; joined a fetch already in progress"
	}
	writeJSON(w, status, resp)
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
	checks     map[string]string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "weather-tracker-service",
		"version":   "dev",
		"checks":    result.checks,
		"timestamp": h.now().UTC().Format(time.RFC3339),
	}
	if result.reason != "" {
		resp["reason"] = result.reason
	}
	if h.trigger != nil {
		resp["scheduler"] = h.trigger.Status()
	}
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 {
		resp["fetchErrorRatePct"] = degraded.ErrorRatePct(h.healthConfig.DegradedWindow)
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus determines the current health status by evaluating
// conditions in priority order:
// shutting-down > starting > store unavailable > API key invalid > fetch error rate > healthy.
// Every check still runs so the response lists all of them.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	checks := map[string]string{
		"store":      "healthy",
		"weatherApi": "healthy",
	}

	var storeErr error
	if h.healthConfig != nil && h.healthConfig.StorePing != nil {
		storeErr = h.healthConfig.StorePing(ctx)
	}
	if storeErr != nil {
		checks["store"] = "unhealthy"
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		checks["cache"] = "healthy"
		if h.healthConfig.CachePing() != nil {
			checks["cache"] = "unhealthy"
		}
	}
	keyErr := h.validateAPIKey(ctx)
	breach := false
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 {
		breach, _, _ = degraded.Check(h.healthConfig.DegradedWindow, h.healthConfig.DegradedErrorPct)
	}
	if keyErr != nil || breach {
		checks["weatherApi"] = "unhealthy"
		if h.healthConfig != nil && h.healthConfig.Recovery != nil {
			h.healthConfig.Recovery.Notify()
		}
	}

	switch {
	case lifecycle.IsShuttingDown():
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal", checks}
	case lifecycle.Current() == lifecycle.Starting:
		return healthResult{"starting", http.StatusServiceUnavailable, "not_serving_yet", checks}
	case storeErr != nil:
		return healthResult{"degraded", http.StatusServiceUnavailable, "store_unavailable", checks}
	case keyErr != nil:
		return healthResult{"degraded", http.StatusServiceUnavailable, "api_key_invalid", checks}
	case breach:
		return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach", checks}
	}
	return healthResult{"healthy", http.StatusOK, "", checks}
}

// validateAPIKey probes the upstream at most once per apiKeyCheckTTL so
// frequent health checks do not spend API quota.
func (h *Handler) validateAPIKey(ctx context.Context) error {
	if h.client == nil {
		return nil
	}
	h.keyCheckMu.Lock()
	defer h.keyCheckMu.Unlock()
	now := h.now()
	if !h.keyCheckAt.IsZero() && now.Sub(h.keyCheckAt) < apiKeyCheckTTL {
		return h.keyCheckErr
	}
	err := h.client.ValidateAPIKey(ctx)
	if err != nil && ctx.Err() != nil {
		// the caller went away; do not cache a verdict the upstream never gave
		return err
	}
	h.keyCheckAt, h.keyCheckErr = now, err
	return err
}

// writeJSON writes a JSON response with the specified HTTP status code.
// Sets Content-Type header to application/json and encodes the provided value.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID := ""
	if v, ok := r.Context().Value("correlation_id").(string); ok {
		corrID = v
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

// writeStoreError writes a 503 for read failures. The driver error is logged, never returned.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Weather data is temporarily unavailable")
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		logger.Error("store read failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
}

// loggerFrom returns the request-scoped logger, or fallback when none was attached.
func loggerFrom(r *http.Request, fallback *zap.Logger) *zap.Logger {
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		return logger
	}
	return fallback
}
