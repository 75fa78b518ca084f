package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/weather-tracker-service/internal/traffic"
)

// DefaultCities is the tracked set used when neither the config file nor
// TRACKED_CITIES names any.
var DefaultCities = []string{"Vancouver", "Calgary", "Toronto", "Whitehorse"}

// Config holds service configuration loaded from YAML, secrets, .env and env.
type Config struct {
	ServerPort string `validate:"required,numeric"`

	WeatherAPIKey     string        `validate:"required"`
	WeatherAPIURL     string        `validate:"required,url"`
	WeatherAPITimeout time.Duration `validate:"gt=0"`

	TrackedCities       []string      `validate:"required,min=1,dive,required"`
	FetchInterval       time.Duration `validate:"gt=0"`
	MaxConcurrency      int           `validate:"gt=0"`
	CycleTimeout        time.Duration `validate:"gt=0"`
	FetchOnStartIfEmpty bool

	StorePath           string        `validate:"required"`
	StoreRetention      time.Duration `validate:"gte=0"`
	StoreRetentionCheck time.Duration `validate:"gt=0"`
	StoreMaxOpenConns   int           `validate:"gt=0"`
	StoreBusyTimeout    time.Duration `validate:"gt=0"`

	RequestTimeout time.Duration `validate:"gt=0"`
	CacheTTL       time.Duration `validate:"gt=0"`
	CacheBackend   string        `validate:"oneof=in_memory memcached none"`

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RetryAttempts  int           `validate:"gte=1"`
	RetryBaseDelay time.Duration `validate:"gt=0"`
	RetryMaxDelay  time.Duration `validate:"gtefield=RetryBaseDelay"`
	RateLimitRPS   int           `validate:"gt=0"`
	RateLimitBurst int           `validate:"gt=0"`

	BreakerFailureThreshold uint32        `validate:"gt=0"`
	BreakerOpenTimeout      time.Duration `validate:"gt=0"`

	ShutdownTimeout time.Duration `validate:"gt=0"`

	DegradedWindow       time.Duration `validate:"gt=0"`
	DegradedErrorPct     int           `validate:"gt=0,lte=100"`
	DegradedRetryInitial time.Duration
	DegradedRetryMax     time.Duration
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	WeatherAPI struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"weather_api"`

	Tracking struct {
		Cities               []string `yaml:"cities"`
		FetchIntervalMinutes int      `yaml:"fetch_interval_minutes"`
		MaxConcurrency       int      `yaml:"max_concurrency"`
		CycleTimeout         string   `yaml:"cycle_timeout"`
		FetchOnStartIfEmpty  *bool    `yaml:"fetch_on_start_if_empty"`
	} `yaml:"tracking"`

	Store struct {
		Path           string `yaml:"path"`
		Retention      string `yaml:"retention"`
		RetentionCheck string `yaml:"retention_check"`
		MaxOpenConns   int    `yaml:"max_open_conns"`
		BusyTimeout    string `yaml:"busy_timeout"`
	} `yaml:"store"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Reliability struct {
		RetryMaxAttempts        int    `yaml:"retry_max_attempts"`
		RetryBaseDelay          string `yaml:"retry_base_delay"`
		RetryMaxDelay           string `yaml:"retry_max_delay"`
		RateLimitRPS            int    `yaml:"rate_limit_rps"`
		RateLimitBurst          int    `yaml:"rate_limit_burst"`
		BreakerFailureThreshold int    `yaml:"circuit_failure_threshold"`
		BreakerOpenTimeout      string `yaml:"circuit_open_timeout"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		DegradedWindow       string `yaml:"degraded_window"`
		DegradedErrorPct     int    `yaml:"degraded_error_pct"`
		DegradedRetryInitial string `yaml:"degraded_retry_initial"`
		DegradedRetryMax     string `yaml:"degraded_retry_max"`
	} `yaml:"lifecycle"`
}

type secretsFile struct {
	WeatherAPIKey string `yaml:"weather_api_key"`
}

var validate = validator.New()

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and config/secrets.yaml.
// A .env file in the working directory, if present, is loaded into the
// environment first; variables already set win. Call from project root.
//
// Env overrides: WEATHER_API_KEY, TRACKED_CITIES (comma-separated),
// FETCH_INTERVAL_MINUTES, STORE_PATH, CACHE_BACKEND, MEMCACHED_ADDRS.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	if err := godotenv.Load(filepath.Join(cwd, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}

	cfg.WeatherAPIKey = os.Getenv("WEATHER_API_KEY")
	if cfg.WeatherAPIKey == "" {
		key, err := loadAPIKeyFromSecrets(filepath.Join(cwd, "config", "secrets.yaml"))
		if err != nil {
			return nil, err
		}
		cfg.WeatherAPIKey = key
	}
	if cfg.WeatherAPIKey == "" {
		return nil, fmt.Errorf("WEATHER_API_KEY required (set env, .env or config/secrets.yaml weather_api_key)")
	}

	cfg.WeatherAPIURL = fc.WeatherAPI.URL
	if cfg.WeatherAPIURL == "" {
		cfg.WeatherAPIURL = "https://api.openweathermap.org/data/2.5/weather"
	}
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 10*time.Second)

	cfg.TrackedCities = parseCities(os.Getenv("TRACKED_CITIES"))
	if len(cfg.TrackedCities) == 0 {
		cfg.TrackedCities = cleanCities(fc.Tracking.Cities)
	}
	if len(cfg.TrackedCities) == 0 {
		cfg.TrackedCities = append([]string(nil), DefaultCities...)
	}

	minutes := fc.Tracking.FetchIntervalMinutes
	if v := strings.TrimSpace(os.Getenv("FETCH_INTERVAL_MINUTES")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid FETCH_INTERVAL_MINUTES %q: %w", v, err)
		}
		minutes = n
	}
	if minutes == 0 {
		minutes = 60
	}
	if minutes < 0 {
		return nil, fmt.Errorf("FETCH_INTERVAL_MINUTES must be positive, got %d", minutes)
	}
	cfg.FetchInterval = time.Duration(minutes) * time.Minute

	cfg.MaxConcurrency = fc.Tracking.MaxConcurrency
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	cfg.CycleTimeout = parseDuration(fc.Tracking.CycleTimeout, 2*time.Minute)
	cfg.FetchOnStartIfEmpty = true
	if fc.Tracking.FetchOnStartIfEmpty != nil {
		cfg.FetchOnStartIfEmpty = *fc.Tracking.FetchOnStartIfEmpty
	}

	cfg.StorePath = strings.TrimSpace(os.Getenv("STORE_PATH"))
	if cfg.StorePath == "" {
		cfg.StorePath = strings.TrimSpace(fc.Store.Path)
	}
	if cfg.StorePath == "" {
		cfg.StorePath = filepath.Join("data", "weather.db")
	}
	cfg.StoreRetention = parseDurationOrZero(fc.Store.Retention, 0)
	cfg.StoreRetentionCheck = parseDuration(fc.Store.RetentionCheck, time.Hour)
	cfg.StoreMaxOpenConns = fc.Store.MaxOpenConns
	if cfg.StoreMaxOpenConns <= 0 {
		cfg.StoreMaxOpenConns = 4
	}
	cfg.StoreBusyTimeout = parseDuration(fc.Store.BusyTimeout, 5*time.Second)

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 5*time.Second)
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 2*time.Hour)
	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(os.Getenv("CACHE_BACKEND")))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = strings.TrimSpace(strings.ToLower(fc.Cache.Backend))
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "in_memory"
	}
	cfg.MemcachedAddrs = strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS"))
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = strings.TrimSpace(fc.Cache.Memcached.Addrs)
	}
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}
	cfg.BreakerFailureThreshold = 5
	if fc.Reliability.BreakerFailureThreshold > 0 {
		cfg.BreakerFailureThreshold = uint32(fc.Reliability.BreakerFailureThreshold)
	}
	cfg.BreakerOpenTimeout = parseDuration(fc.Reliability.BreakerOpenTimeout, 30*time.Second)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 3*time.Hour)
	cfg.DegradedErrorPct = fc.Lifecycle.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 50
	}
	cfg.DegradedRetryInitial = parseDuration(fc.Lifecycle.DegradedRetryInitial, 1*time.Minute)
	cfg.DegradedRetryMax = parseDuration(fc.Lifecycle.DegradedRetryMax, 20*time.Minute)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadAPIKeyFromSecrets(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read secrets file: %w", err)
	}
	var sec secretsFile
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return "", fmt.Errorf("parse secrets file: %w", err)
	}
	return strings.TrimSpace(sec.WeatherAPIKey), nil
}

// parseCities splits a comma-separated list, dropping blanks and duplicates.
func parseCities(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return cleanCities(strings.Split(s, ","))
}

// cleanCities trims names and drops blanks and case-insensitive duplicates,
// keeping first-seen order.
func cleanCities(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, c := range in {
		c = strings.TrimSpace(c)
		key := strings.ToLower(c)
		if c == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate runs the struct tag rules, then cross-field checks the tags cannot
// express. RequestTimeout is raised above WeatherAPITimeout rather than rejected.
func (cfg *Config) validate() error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("WEATHER_API_TIMEOUT must be positive")
	}
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		cfg.RequestTimeout = cfg.WeatherAPITimeout + time.Second
	}
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config %s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.CacheBackend == "memcached" && cfg.MemcachedAddrs == "" {
		return fmt.Errorf("cache.memcached.addrs required when cache.backend is memcached")
	}
	if cfg.StoreRetention > 0 && cfg.StoreRetention < cfg.FetchInterval {
		return fmt.Errorf("store.retention (%s) must be at least the fetch interval (%s)", cfg.StoreRetention, cfg.FetchInterval)
	}
	if cfg.DegradedWindow > traffic.MaxWindow {
		return fmt.Errorf("lifecycle.degraded_window (%s) exceeds the %s of outcome history kept", cfg.DegradedWindow, traffic.MaxWindow)
	}
	return nil
}
