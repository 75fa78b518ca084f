package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kjstillabower/weather-tracker-service/internal/models"
	"github.com/kjstillabower/weather-tracker-service/internal/observability"
)

// WeatherClient retrieves the current reading for one city.
type WeatherClient interface {
	Fetch(ctx context.Context, city string) (models.Reading, error)
	ValidateAPIKey(ctx context.Context) error
}

// Failure kinds carried by FetchError.Kind.
var (
	ErrRemoteUnavailable = errors.New("remote unavailable")
	ErrRemoteTimeout     = errors.New("remote timeout")
	ErrRemoteMalformed   = errors.New("remote response malformed")
	ErrInvalidCity       = errors.New("invalid city")
)

// Causes carried by FetchError.Err.
var (
	ErrInvalidAPIKey    = errors.New("invalid API key")
	ErrCityNotFound     = errors.New("city not found")
	ErrUpstreamFailure  = errors.New("upstream failure")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnexpectedStatus = errors.New("unexpected status")
)

// FetchError is returned by Fetch for every failure. errors.Is matches both the
// kind and the underlying cause.
type FetchError struct {
	City string
	Kind error
	Err  error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fetch %q: %v", e.City, e.Kind)
	}
	return fmt.Sprintf("fetch %q: %v: %v", e.City, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// RetryConfig bounds retries of transient failures.
type RetryConfig struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// BreakerConfig configures the circuit breaker around upstream calls.
// FailureThreshold consecutive failures open the circuit for OpenTimeout.
type BreakerConfig struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

const (
	breakerName    = "weather_api"
	maxBodyBytes   = 1 << 20
	validationCity = "London"
)

type OpenWeatherClient struct {
	apiKey  string
	apiURL  string
	timeout time.Duration
	client  *http.Client
	retry   RetryConfig
	breaker *gobreaker.CircuitBreaker
	now     func() time.Time
}

func NewOpenWeatherClient(apiKey, apiURL string, timeout time.Duration) (*OpenWeatherClient, error) {
	return NewOpenWeatherClientWithRetry(apiKey, apiURL, timeout,
		RetryConfig{Attempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second},
		BreakerConfig{FailureThreshold: 5, OpenTimeout: 30 * time.Second},
	)
}

func NewOpenWeatherClientWithRetry(apiKey, apiURL string, timeout time.Duration, retry RetryConfig, breaker BreakerConfig) (*OpenWeatherClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(apiKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	if retry.Attempts < 1 {
		retry.Attempts = 1
	}
	if breaker.FailureThreshold == 0 {
		breaker.FailureThreshold = 5
	}

	observability.CircuitBreakerState.WithLabelValues(breakerName).Set(0)

	return &OpenWeatherClient{
		apiKey:  apiKey,
		apiURL:  apiURL,
		timeout: timeout,
		retry:   retry,
		client: &http.Client{
			Timeout: timeout,
		},
		breaker: newBreaker(breaker),
		now:     time.Now,
	}, nil
}

func newBreaker(cfg BreakerConfig) *gobreaker.CircuitBreaker {
	threshold := cfg.FailureThreshold
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.CircuitBreakerState.WithLabelValues(name).Set(observability.CircuitBreakerStateValue(to.String()))
			observability.CircuitBreakerTransitionsTotal.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})
}

// BreakerState reports the circuit breaker state: "closed", "half-open" or "open".
func (c *OpenWeatherClient) BreakerState() string {
	return c.breaker.State().String()
}

type openWeatherMain struct {
	Temp      *float64 `json:"temp"`
	FeelsLike *float64 `json:"feels_like"`
	Humidity  *float64 `json:"humidity"`
	Pressure  *float64 `json:"pressure"`
}

type openWeatherWind struct {
	Speed *float64 `json:"speed"`
}

type openWeatherResponse struct {
	Main    *openWeatherMain `json:"main"`
	Weather []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
	} `json:"weather"`
	Wind *openWeatherWind `json:"wind"`
	Name string           `json:"name"`
}

// Fetch returns the current reading for city. Every error is a *FetchError.
func (c *OpenWeatherClient) Fetch(ctx context.Context, city string) (models.Reading, error) {
	if strings.TrimSpace(city) == "" {
		return models.Reading{}, &FetchError{City: city, Kind: ErrInvalidCity, Err: errors.New("city is required")}
	}

	var lastErr *FetchError
	for attempt := 0; attempt < c.retry.Attempts; attempt++ {
		if attempt > 0 {
			observability.WeatherAPIRetriesTotal.Inc()
			timer := time.NewTimer(c.calculateBackoff(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return models.Reading{}, c.fail(&FetchError{City: city, Kind: ErrRemoteTimeout, Err: ctx.Err()})
			case <-timer.C:
			}
		}

		reading, fe := c.attempt(ctx, city)
		if fe == nil {
			return reading, nil
		}
		lastErr = fe
		if !isRetryable(ctx, fe) {
			return models.Reading{}, c.fail(fe)
		}
	}

	if c.retry.Attempts > 1 {
		lastErr.Err = fmt.Errorf("exhausted %d attempts: %w", c.retry.Attempts, lastErr.Err)
	}
	return models.Reading{}, c.fail(lastErr)
}

func (c *OpenWeatherClient) fail(fe *FetchError) *FetchError {
	observability.WeatherAPIErrorsTotal.WithLabelValues(string(CategorizeError(fe))).Inc()
	return fe
}

// attemptResult carries outcomes that must not count against the breaker.
type attemptResult struct {
	reading models.Reading
	err     *FetchError
}

// attempt performs one upstream call through the circuit breaker. Network
// errors, timeouts, 429 and 5xx count as breaker failures; 4xx, malformed
// bodies and caller cancellation do not.
func (c *OpenWeatherClient) attempt(ctx context.Context, city string) (models.Reading, *FetchError) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		reading, fe := c.callAPI(ctx, city)
		if fe == nil || !countsAsBreakerFailure(ctx, fe) {
			return &attemptResult{reading: reading, err: fe}, nil
		}
		return nil, fe
	})
	if err != nil {
		var fe *FetchError
		if errors.As(err, &fe) {
			return models.Reading{}, fe
		}
		// gobreaker.ErrOpenState or ErrTooManyRequests
		return models.Reading{}, &FetchError{City: city, Kind: ErrRemoteUnavailable, Err: fmt.Errorf("circuit breaker: %w", err)}
	}
	res := out.(*attemptResult)
	if res.err != nil {
		return models.Reading{}, res.err
	}
	return res.reading, nil
}

func (c *OpenWeatherClient) callAPI(ctx context.Context, city string) (models.Reading, *FetchError) {
	start := time.Now()

	reqCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := c.buildRequest(reqCtx, city)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		return models.Reading{}, &FetchError{City: city, Kind: ErrRemoteUnavailable, Err: fmt.Errorf("build request: %w", err)}
	}

	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		observability.WeatherAPIDuration.WithLabelValues("error").Observe(duration)

		if isTimeout(err) || ctx.Err() != nil {
			return models.Reading{}, &FetchError{City: city, Kind: ErrRemoteTimeout, Err: fmt.Errorf("request timeout: %w", err)}
		}
		return models.Reading{}, &FetchError{City: city, Kind: ErrRemoteUnavailable, Err: fmt.Errorf("http request failed: %w", err)}
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	if err := c.handleErrorResponse(resp); err != nil {
		return models.Reading{}, &FetchError{City: city, Kind: ErrRemoteUnavailable, Err: err}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if isTimeout(err) {
			return models.Reading{}, &FetchError{City: city, Kind: ErrRemoteTimeout, Err: fmt.Errorf("read response body: %w", err)}
		}
		return models.Reading{}, &FetchError{City: city, Kind: ErrRemoteUnavailable, Err: fmt.Errorf("read response body: %w", err)}
	}

	var apiResp openWeatherResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return models.Reading{}, &FetchError{City: city, Kind: ErrRemoteMalformed, Err: fmt.Errorf("parse response: %w", err)}
	}

	reading, err := c.mapResponse(apiResp, city)
	if err != nil {
		return models.Reading{}, &FetchError{City: city, Kind: ErrRemoteMalformed, Err: err}
	}
	return reading, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func countsAsBreakerFailure(ctx context.Context, fe *FetchError) bool {
	if ctx.Err() != nil {
		return false
	}
	switch {
	case errors.Is(fe, ErrRemoteMalformed), errors.Is(fe, ErrInvalidCity):
		return false
	case errors.Is(fe, ErrInvalidAPIKey), errors.Is(fe, ErrCityNotFound), errors.Is(fe, ErrUnexpectedStatus):
		return false
	}
	return true
}

// isRetryable allows another attempt only for timeouts, 429, 5xx and network
// errors, and only while the caller is still waiting.
func isRetryable(ctx context.Context, fe *FetchError) bool {
	if ctx.Err() != nil {
		return false
	}
	switch {
	case errors.Is(fe, ErrRemoteMalformed), errors.Is(fe, ErrInvalidCity):
		return false
	case errors.Is(fe, ErrInvalidAPIKey), errors.Is(fe, ErrCityNotFound), errors.Is(fe, ErrUnexpectedStatus):
		return false
	case errors.Is(fe, gobreaker.ErrOpenState), errors.Is(fe, gobreaker.ErrTooManyRequests):
		return false
	}
	return errors.Is(fe, ErrRemoteTimeout) || errors.Is(fe, ErrRemoteUnavailable)
}

func (c *OpenWeatherClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retry.BaseDelay) * math.Pow(2, float64(attempt-1))
	if c.retry.MaxDelay > 0 && delay > float64(c.retry.MaxDelay) {
		delay = float64(c.retry.MaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func (c *OpenWeatherClient) buildRequest(ctx context.Context, city string) (*http.Request, error) {
	baseURL, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	params := url.Values{}
	params.Set("q", city)
	params.Set("appid", c.apiKey)
	params.Set("units", "metric")
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *OpenWeatherClient) handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: HTTP 401", ErrInvalidAPIKey)
	case http.StatusNotFound:
		return fmt.Errorf("%w: HTTP 404", ErrCityNotFound)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: HTTP 429", ErrRateLimited)
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	return nil
}

// mapResponse converts the upstream body into a Reading. The reading is
// labelled with the requested city, not the upstream display name.
func (c *OpenWeatherClient) mapResponse(apiResp openWeatherResponse, city string) (models.Reading, error) {
	var missing []string
	m := apiResp.Main
	if m == nil {
		m = &openWeatherMain{}
	}
	if m.Temp == nil {
		missing = append(missing, "main.temp")
	}
	if m.FeelsLike == nil {
		missing = append(missing, "main.feels_like")
	}
	if m.Humidity == nil {
		missing = append(missing, "main.humidity")
	}
	if m.Pressure == nil {
		missing = append(missing, "main.pressure")
	}
	if apiResp.Wind == nil || apiResp.Wind.Speed == nil {
		missing = append(missing, "wind.speed")
	}
	if len(apiResp.Weather) == 0 || strings.TrimSpace(apiResp.Weather[0].Description) == "" {
		missing = append(missing, "weather[0].description")
	}
	if len(missing) > 0 {
		return models.Reading{}, fmt.Errorf("missing fields: %s", strings.Join(missing, ", "))
	}

	return models.Reading{
		City:        city,
		ObservedAt:  c.now().UTC(),
		Temperature: *m.Temp,
		FeelsLike:   *m.FeelsLike,
		Humidity:    int(math.Round(*m.Humidity)),
		Pressure:    int(math.Round(*m.Pressure)),
		WindSpeed:   *apiResp.Wind.Speed,
		Description: apiResp.Weather[0].Description,
	}, nil
}

func extractCorrelationID(ctx context.Context) string {
	if corrIDVal := ctx.Value("correlation_id"); corrIDVal != nil {
		if corrID, ok := corrIDVal.(string); ok {
			return corrID
		}
	}
	return ""
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

// ValidateAPIKey issues a single probe request. It bypasses retry and the
// circuit breaker so /health reports the key state directly.
func (c *OpenWeatherClient) ValidateAPIKey(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := c.buildRequest(ctx, validationCity)
	if err != nil {
		return fmt.Errorf("build validation request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("validation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: API key is invalid or not activated", ErrInvalidAPIKey)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("validation failed: HTTP %d", resp.StatusCode)
	}

	return nil
}
