package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/weather-tracker-service/internal/degraded"
	"github.com/kjstillabower/weather-tracker-service/internal/lifecycle"
	"github.com/kjstillabower/weather-tracker-service/internal/models"
	"github.com/kjstillabower/weather-tracker-service/internal/scheduler"
	"github.com/kjstillabower/weather-tracker-service/internal/service"
	"github.com/kjstillabower/weather-tracker-service/internal/store"
	"github.com/kjstillabower/weather-tracker-service/internal/traffic"
)

var trackedCities = []string{"Vancouver", "Calgary", "Toronto", "Whitehorse"}

type mockQuerier struct {
	latest map[string]models.Reading
	err    error

	mu        sync.Mutex
	lastCity  string
	lastSince time.Time
	history   []models.Reading
	stats     models.Stats
}

func (m *mockQuerier) LatestPerCity(ctx context.Context, cities []string) (map[string]models.Reading, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := make(map[string]models.Reading)
	for _, c := range cities {
		if r, ok := m.latest[c]; ok {
			out[c] = r
		}
	}
	return out, nil
}

func (m *mockQuerier) History(ctx context.Context, city string, since time.Time) ([]models.Reading, error) {
	m.mu.Lock()
	m.lastCity, m.lastSince = city, since
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if m.history == nil {
		return []models.Reading{}, nil
	}
	return m.history, nil
}

func (m *mockQuerier) Stats(ctx context.Context, city string, since time.Time) (models.Stats, error) {
	m.mu.Lock()
	m.lastCity, m.lastSince = city, since
	m.mu.Unlock()
	if m.err != nil {
		return models.Stats{}, m.err
	}
	return m.stats, nil
}

type mockTrigger struct {
	summary models.FetchSummary
	err     error
	block   bool // wait for ctx instead of returning
	calls   atomic.Int32
	status  scheduler.Status
}

func (m *mockTrigger) TriggerNow(ctx context.Context) (models.FetchSummary, error) {
	m.calls.Add(1)
	if m.block {
		<-ctx.Done()
		return models.FetchSummary{}, ctx.Err()
	}
	return m.summary, m.err
}

func (m *mockTrigger) Status() scheduler.Status {
	return m.status
}

type mockWeatherClient struct {
	validateErr   error
	validateCalls atomic.Int32
}

func (m *mockWeatherClient) Fetch(ctx context.Context, city string) (models.Reading, error) {
	return models.Reading{City: city, ObservedAt: time.Now().UTC()}, nil
}

func (m *mockWeatherClient) ValidateAPIKey(ctx context.Context) error {
	m.validateCalls.Add(1)
	return m.validateErr
}

// serving puts the process in the Serving phase with an empty outcome window
// and restores both when the test ends.
func serving(t *testing.T) {
	t.Helper()
	lifecycle.Reset()
	lifecycle.SetPhase(lifecycle.Serving)
	traffic.Reset()
	t.Cleanup(func() {
		lifecycle.Reset()
		traffic.Reset()
	})
}

func newTestRouter(h *Handler) *mux.Router {
	return NewRouter(h, RouterConfig{}, zap.NewNop())
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
}

type errorBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	} `json:"error"`
}

// TestHandler_GetCurrent_TrackedOrder verifies that /api/current returns one
// reading per city in tracked order and omits cities with no readings.
func TestHandler_GetCurrent_TrackedOrder(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	q := &mockQuerier{latest: map[string]models.Reading{
		"Whitehorse": {City: "Whitehorse", ObservedAt: now, Temperature: -12.5},
		"Vancouver":  {City: "Vancouver", ObservedAt: now, Temperature: 8.1},
		"Toronto":    {City: "Toronto", ObservedAt: now, Temperature: 1.4},
	}}
	h := NewHandler(q, &mockTrigger{}, nil, trackedCities, nil, nil)

	w := httptest.NewRecorder()
	newTestRouter(h).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/current", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var got []models.Reading
	decodeBody(t, w, &got)
	want := []string{"Vancouver", "Toronto", "Whitehorse"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d (%+v)", len(got), len(want), got)
	}
	for i, city := range want {
		if got[i].City != city {
			t.Errorf("got[%d].City = %q, want %q", i, got[i].City, city)
		}
	}
}

// TestHandler_GetCurrent_EmptyStore verifies an empty JSON array, not null,
// when nothing has been fetched yet.
func TestHandler_GetCurrent_EmptyStore(t *testing.T) {
	h := NewHandler(&mockQuerier{}, &mockTrigger{}, nil, trackedCities, nil, nil)

	w := httptest.NewRecorder()
	newTestRouter(h).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/current", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if body := strings.TrimSpace(w.Body.String()); body != "[]" {
		t.Errorf("body = %s, want []", body)
	}
}

// TestHandler_StoreError verifies that read failures map to 503 with the
// error envelope and do not leak the driver error.
func TestHandler_StoreError(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	q := &mockQuerier{err: errors.New("database is locked")}
	h := NewHandler(q, &mockTrigger{}, nil, trackedCities, nil, nil)
	router := NewRouter(h, RouterConfig{}, zap.New(core))

	for _, path := range []string{"/api/current", "/api/history/Calgary", "/api/stats/Calgary"} {
		t.Run(path, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, path, nil)
			req.Header.Set("X-Correlation-ID", "corr-store")
			router.ServeHTTP(w, req)

			if w.Code != http.StatusServiceUnavailable {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
			}
			if strings.Contains(w.Body.String(), "locked") {
				t.Errorf("body leaks driver error: %s", w.Body.String())
			}
			var body errorBody
			decodeBody(t, w, &body)
			if body.Error.Code != "STORE_UNAVAILABLE" {
				t.Errorf("code = %q, want STORE_UNAVAILABLE", body.Error.Code)
			}
			if body.Error.RequestID != "corr-store" {
				t.Errorf("requestId = %q, want corr-store", body.Error.RequestID)
			}
		})
	}
	if n := logs.FilterMessage("store read failed").Len(); n != 3 {
		t.Errorf("logged %d store failures, want 3", n)
	}
}

// TestHandler_GetHistory_Window verifies the default and explicit hours window
// and that tracked cities are matched case-insensitively.
func TestHandler_GetHistory_Window(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		path      string
		wantCity  string
		wantSince time.Time
	}{
		{"default 24h", "/api/history/Vancouver", "Vancouver", now.Add(-24 * time.Hour)},
		{"explicit hours", "/api/history/Vancouver?hours=6", "Vancouver", now.Add(-6 * time.Hour)},
		{"max hours", "/api/history/Vancouver?hours=168", "Vancouver", now.Add(-168 * time.Hour)},
		{"lower case", "/api/history/whitehorse", "Whitehorse", now.Add(-24 * time.Hour)},
		{"untracked passes through", "/api/history/Regina", "Regina", now.Add(-24 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &mockQuerier{}
			h := NewHandler(q, &mockTrigger{}, nil, trackedCities, nil, nil)
			h.now = func() time.Time { return now }

			w := httptest.NewRecorder()
			newTestRouter(h).ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
			}
			if q.lastCity != tt.wantCity {
				t.Errorf("city = %q, want %q", q.lastCity, tt.wantCity)
			}
			if !q.lastSince.Equal(tt.wantSince) {
				t.Errorf("since = %v, want %v", q.lastSince, tt.wantSince)
			}
			if body := strings.TrimSpace(w.Body.String()); body != "[]" {
				t.Errorf("body = %s, want []", body)
			}
		})
	}
}

// TestHandler_CityWindow_BadRequest verifies 400s for malformed city and
// hours values on both history and stats.
func TestHandler_CityWindow_BadRequest(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		wantCode string
	}{
		{"hours zero", "/api/history/Calgary?hours=0", "INVALID_WINDOW"},
		{"hours too large", "/api/history/Calgary?hours=169", "INVALID_WINDOW"},
		{"hours not a number", "/api/stats/Calgary?hours=day", "INVALID_WINDOW"},
		{"hours negative", "/api/stats/Calgary?hours=-3", "INVALID_WINDOW"},
		{"city with symbols", "/api/history/Calgary%3B%20drop", "INVALID_CITY"},
		{"city blank", "/api/stats/%20%20", "INVALID_CITY"},
		{"city too long", "/api/stats/" + strings.Repeat("a", 101), "INVALID_CITY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &mockQuerier{}
			h := NewHandler(q, &mockTrigger{}, nil, trackedCities, nil, nil)

			w := httptest.NewRecorder()
			newTestRouter(h).ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			var body errorBody
			decodeBody(t, w, &body)
			if body.Error.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Error.Code, tt.wantCode)
			}
			if q.lastCity != "" {
				t.Errorf("store queried with %q, want no query", q.lastCity)
			}
		})
	}
}

// TestHandler_GetStats verifies the stats body uses the tracked spelling and
// that an empty window serializes aggregates as null.
func TestHandler_GetStats(t *testing.T) {
	avg, lo, hi, hum := 4.2, -1.0, 9.5, 71.3
	t.Run("with readings", func(t *testing.T) {
		q := &mockQuerier{stats: models.Stats{AvgTemperature: &avg, MinTemperature: &lo, MaxTemperature: &hi, AvgHumidity: &hum, Samples: 12}}
		h := NewHandler(q, &mockTrigger{}, nil, trackedCities, nil, nil)

		w := httptest.NewRecorder()
		newTestRouter(h).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stats/TORONTO?hours=48", nil))

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		var got models.Stats
		decodeBody(t, w, &got)
		if got.City != "Toronto" {
			t.Errorf("city = %q, want Toronto", got.City)
		}
		if got.AvgTemperature == nil || *got.AvgTemperature != avg {
			t.Errorf("avg_temperature = %v, want %v", got.AvgTemperature, avg)
		}
		if got.MaxTemperature == nil || *got.MaxTemperature != hi {
			t.Errorf("max_temperature = %v, want %v", got.MaxTemperature, hi)
		}
	})

	t.Run("empty window", func(t *testing.T) {
		h := NewHandler(&mockQuerier{}, &mockTrigger{}, nil, trackedCities, nil, nil)

		w := httptest.NewRecorder()
		newTestRouter(h).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stats/Calgary", nil))

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		want := `{"city":"Calgary","avg_temperature":null,"min_temperature":null,"max_temperature":null,"avg_humidity":null}`
		if body := strings.TrimSpace(w.Body.String()); body != want {
			t.Errorf("body = %s, want %s", body, want)
		}
	})
}

// TestHandler_GetCities verifies the tracked list in configured order.
func TestHandler_GetCities(t *testing.T) {
	h := NewHandler(&mockQuerier{}, &mockTrigger{}, nil, trackedCities, nil, nil)

	w := httptest.NewRecorder()
	newTestRouter(h).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/cities", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var got struct {
		Cities []string `json:"cities"`
	}
	decodeBody(t, w, &got)
	if strings.Join(got.Cities, ",") != strings.Join(trackedCities, ",") {
		t.Errorf("cities = %v, want %v", got.Cities, trackedCities)
	}
}

// TestHandler_FetchNow verifies the status code and message for each cycle outcome.
func TestHandler_FetchNow(t *testing.T) {
	tests := []struct {
		name        string
		trigger     *mockTrigger
		wantStatus  int
		wantBody    string
		wantMessage string
		wantSummary bool
	}{
		{
			name:        "all cities",
			trigger:     &mockTrigger{summary: models.FetchSummary{CycleID: "c1", Attempted: 4, Succeeded: 4, Stored: 4, Duration: 1500 * time.Millisecond}},
			wantStatus:  http.StatusOK,
			wantBody:    "success",
			wantMessage: "Weather data fetched for 4 cities",
			wantSummary: true,
		},
		{
			name: "partial",
			trigger: &mockTrigger{summary: models.FetchSummary{CycleID: "c2", Attempted: 4, Succeeded: 3, Failed: 1, Stored: 3,
				Failures: []models.CityFailure{{City: "Whitehorse", Kind: "timeout", Error: "remote timeout"}}}},
			wantStatus:  http.StatusOK,
			wantBody:    "success",
			wantMessage: "Weather data fetched for 3 of 4 cities (1 failed)",
			wantSummary: true,
		},
		{
			name:        "every city failed",
			trigger:     &mockTrigger{summary: models.FetchSummary{CycleID: "c3", Attempted: 4, Failed: 4}},
			wantStatus:  http.StatusServiceUnavailable,
			wantBody:    "error",
			wantMessage: "No weather data could be fetched (4 cities failed)",
			wantSummary: true,
		},
		{
			name:        "joined running cycle",
			trigger:     &mockTrigger{summary: models.FetchSummary{CycleID: "c4", Attempted: 4, Succeeded: 4, Stored: 4, Coalesced: true}},
			wantStatus:  http.StatusOK,
			wantBody:    "success",
			wantMessage: "Weather data fetched for 4 cities; joined a fetch already in progress",
			wantSummary: true,
		},
		{
			name:        "store failure",
			trigger:     &mockTrigger{summary: models.FetchSummary{CycleID: "c5", Attempted: 4, Succeeded: 4}, err: fmt.Errorf("commit cycle c5: %w", errors.Join(store.ErrWrite, errors.New("disk full")))},
			wantStatus:  http.StatusServiceUnavailable,
			wantBody:    "error",
			wantMessage: "Weather data was fetched but could not be stored",
			wantSummary: true,
		},
		{
			name: "commit timed out inside the cycle",
			trigger: &mockTrigger{summary: models.FetchSummary{CycleID: "c6", Attempted: 4, Succeeded: 4},
				err: fmt.Errorf("commit cycle c6: %w", errors.Join(store.ErrWrite, fmt.Errorf("begin: %w", context.DeadlineExceeded)))},
			wantStatus:  http.StatusServiceUnavailable,
			wantBody:    "error",
			wantMessage: "Weather data was fetched but could not be stored",
			wantSummary: true,
		},
		{
			name:        "unexpected cycle error",
			trigger:     &mockTrigger{summary: models.FetchSummary{CycleID: "c7", Attempted: 4}, err: errors.New("boom")},
			wantStatus:  http.StatusServiceUnavailable,
			wantBody:    "error",
			wantMessage: "Fetch cycle failed",
			wantSummary: true,
		},
		{
			name:        "shutting down",
			trigger:     &mockTrigger{err: service.ErrFetcherClosed},
			wantStatus:  http.StatusServiceUnavailable,
			wantBody:    "error",
			wantMessage: "Service is shutting down",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(&mockQuerier{}, tt.trigger, nil, trackedCities, nil, nil)

			w := httptest.NewRecorder()
			newTestRouter(h).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/fetch-now", nil))

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
			var got fetchNowResponse
			decodeBody(t, w, &got)
			if got.Status != tt.wantBody {
				t.Errorf("status field = %q, want %q", got.Status, tt.wantBody)
			}
			if got.Message != tt.wantMessage {
				t.Errorf("message = %q, want %q", got.Message, tt.wantMessage)
			}
			if (got.Summary != nil) != tt.wantSummary {
				t.Errorf("summary present = %v, want %v", got.Summary != nil, tt.wantSummary)
			}
			if got.Summary != nil && got.Summary.CycleID != tt.trigger.summary.CycleID {
				t.Errorf("cycleId = %q, want %q", got.Summary.CycleID, tt.trigger.summary.CycleID)
			}
		})
	}
}

// TestHandler_FetchNow_Deadline verifies that a cycle outliving the request
// timeout yields 503 rather than a hung request.
func TestHandler_FetchNow_Deadline(t *testing.T) {
	trigger := &mockTrigger{block: true}
	h := NewHandler(&mockQuerier{}, trigger, nil, trackedCities, nil, nil)
	router := NewRouter(h, RouterConfig{RequestTimeout: 20 * time.Millisecond}, zap.NewNop())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/fetch-now", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	var got fetchNowResponse
	decodeBody(t, w, &got)
	if !strings.Contains(got.Message, "continues in the background") {
		t.Errorf("message = %q, want background notice", got.Message)
	}
}

// TestHandler_FetchNow_Methods verifies GET and POST trigger a cycle and other
// methods are rejected by the router.
func TestHandler_FetchNow_Methods(t *testing.T) {
	trigger := &mockTrigger{summary: models.FetchSummary{Attempted: 1, Succeeded: 1}}
	router := newTestRouter(NewHandler(&mockQuerier{}, trigger, nil, trackedCities, nil, nil))

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(method, "/api/fetch-now", nil))
		if w.Code != http.StatusOK {
			t.Errorf("%s status = %d, want %d", method, w.Code, http.StatusOK)
		}
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/fetch-now", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("DELETE status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
	if n := trigger.calls.Load(); n != 2 {
		t.Errorf("TriggerNow calls = %d, want 2", n)
	}
}

type healthBody struct {
	Status            string            `json:"status"`
	Service           string            `json:"service"`
	Reason            string            `json:"reason"`
	Checks            map[string]string `json:"checks"`
	Scheduler         *scheduler.Status `json:"scheduler"`
	FetchErrorRatePct *float64          `json:"fetchErrorRatePct"`
}

func getHealth(t *testing.T, h *Handler) (int, healthBody) {
	t.Helper()
	w := httptest.NewRecorder()
	newTestRouter(h).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	var body healthBody
	decodeBody(t, w, &body)
	return w.Code, body
}

// TestHandler_GetHealth_Statuses verifies the status precedence of /health.
func TestHandler_GetHealth_Statuses(t *testing.T) {
	storeDown := func(context.Context) error { return errors.New("unable to open database file") }
	storeUp := func(context.Context) error { return nil }

	tests := []struct {
		name       string
		setup      func()
		storePing  func(context.Context) error
		keyErr     error
		wantCode   int
		wantStatus string
		wantReason string
	}{
		{"healthy", func() {}, storeUp, nil, http.StatusOK, "healthy", ""},
		{"starting", func() { lifecycle.Reset() }, storeUp, nil, http.StatusServiceUnavailable, "starting", "not_serving_yet"},
		{"shutting down wins", func() { lifecycle.SetShuttingDown() }, storeDown, errors.New("invalid API key"), http.StatusServiceUnavailable, "shutting-down", "signal"},
		{"store down", func() {}, storeDown, errors.New("invalid API key"), http.StatusServiceUnavailable, "degraded", "store_unavailable"},
		{"key invalid", func() {}, storeUp, errors.New("invalid API key"), http.StatusServiceUnavailable, "degraded", "api_key_invalid"},
		{"error rate breach", func() { traffic.RecordCycle(1, 3) }, storeUp, nil, http.StatusServiceUnavailable, "degraded", "error_rate_breach"},
		{"error rate under threshold", func() { traffic.RecordCycle(3, 1) }, storeUp, nil, http.StatusOK, "healthy", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			serving(t)
			tt.setup()
			wc := &mockWeatherClient{validateErr: tt.keyErr}
			cfg := &HealthConfig{DegradedWindow: time.Hour, DegradedErrorPct: 50, StorePing: tt.storePing}
			h := NewHandler(&mockQuerier{}, &mockTrigger{}, wc, trackedCities, cfg, nil)

			code, body := getHealth(t, h)
			if code != tt.wantCode {
				t.Errorf("code = %d, want %d", code, tt.wantCode)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
			if body.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", body.Reason, tt.wantReason)
			}
			if body.Service != "weather-tracker-service" {
				t.Errorf("service = %q", body.Service)
			}
		})
	}
}

// TestHandler_GetHealth_Body verifies the checks map, scheduler status and
// error rate are included.
func TestHandler_GetHealth_Body(t *testing.T) {
	serving(t)
	traffic.RecordCycle(3, 1)
	next := time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)
	trigger := &mockTrigger{status: scheduler.Status{State: scheduler.StateIdle, Interval: "1h0m0s", NextRun: &next}}
	cfg := &HealthConfig{
		DegradedWindow:   time.Hour,
		DegradedErrorPct: 50,
		StorePing:        func(context.Context) error { return nil },
		CachePing:        func() error { return errors.New("connection refused") },
	}
	h := NewHandler(&mockQuerier{}, trigger, &mockWeatherClient{}, trackedCities, cfg, nil)

	code, body := getHealth(t, h)
	if code != http.StatusOK {
		t.Fatalf("code = %d, want %d", code, http.StatusOK)
	}
	wantChecks := map[string]string{"store": "healthy", "weatherApi": "healthy", "cache": "unhealthy"}
	for k, v := range wantChecks {
		if body.Checks[k] != v {
			t.Errorf("checks[%s] = %q, want %q", k, body.Checks[k], v)
		}
	}
	if body.Scheduler == nil || body.Scheduler.State != scheduler.StateIdle || body.Scheduler.NextRun == nil {
		t.Errorf("scheduler = %+v, want idle with next run", body.Scheduler)
	}
	if body.FetchErrorRatePct == nil || *body.FetchErrorRatePct != 25 {
		t.Errorf("fetchErrorRatePct = %v, want 25", body.FetchErrorRatePct)
	}
}

// TestHandler_GetHealth_KeyCheckCached verifies the upstream key probe runs at
// most once per minute across health checks.
func TestHandler_GetHealth_KeyCheckCached(t *testing.T) {
	serving(t)
	wc := &mockWeatherClient{}
	h := NewHandler(&mockQuerier{}, &mockTrigger{}, wc, trackedCities, &HealthConfig{}, nil)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		getHealth(t, h)
	}
	if n := wc.validateCalls.Load(); n != 1 {
		t.Errorf("ValidateAPIKey calls = %d, want 1", n)
	}

	now = now.Add(apiKeyCheckTTL)
	getHealth(t, h)
	if n := wc.validateCalls.Load(); n != 2 {
		t.Errorf("ValidateAPIKey calls after TTL = %d, want 2", n)
	}
}

// TestHandler_GetHealth_NotifiesRecovery verifies that a degraded weather API
// starts a recovery run.
func TestHandler_GetHealth_NotifiesRecovery(t *testing.T) {
	serving(t)
	traffic.RecordCycle(0, 4)

	probed := make(chan struct{}, 1)
	probe := func(context.Context) error {
		select {
		case probed <- struct{}{}:
		default:
		}
		return errors.New("still down")
	}
	rec := degraded.NewRecovery(probe, nil, 5*time.Millisecond, 5*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec.Start(ctx)

	cfg := &HealthConfig{DegradedWindow: time.Hour, DegradedErrorPct: 50, Recovery: rec}
	h := NewHandler(&mockQuerier{}, &mockTrigger{}, &mockWeatherClient{}, trackedCities, cfg, nil)

	code, body := getHealth(t, h)
	if code != http.StatusServiceUnavailable || body.Reason != "error_rate_breach" {
		t.Fatalf("health = %d %q, want 503 error_rate_breach", code, body.Reason)
	}
	select {
	case <-probed:
	case <-time.After(2 * time.Second):
		t.Fatal("recovery probe never ran")
	}
}

// TestHandler_GetHealth_LogsTransition verifies a log line when status changes.
func TestHandler_GetHealth_LogsTransition(t *testing.T) {
	serving(t)
	core, logs := observer.New(zapcore.InfoLevel)
	wc := &mockWeatherClient{}
	h := NewHandler(&mockQuerier{}, &mockTrigger{}, wc, trackedCities, &HealthConfig{}, zap.New(core))

	getHealth(t, h)
	lifecycle.SetShuttingDown()
	getHealth(t, h)
	getHealth(t, h)

	entries := logs.FilterMessage("health status transition").All()
	if len(entries) != 1 {
		t.Fatalf("transition logs = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["previous_status"] != "healthy" || fields["current_status"] != "shutting-down" {
		t.Errorf("fields = %v", fields)
	}
}
