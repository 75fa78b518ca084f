package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-tracker-service/internal/observability"
)

// RouterConfig controls the /api middleware chain.
type RouterConfig struct {
	// Limiter, when non-nil, rate limits /api.
	Limiter *rate.Limiter
	// RequestTimeout bounds every /api request, including waiting on a manual fetch.
	RequestTimeout time.Duration
}

// NewRouter wires every route and middleware onto a mux.Router.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler())

	api := router.PathPrefix("/api").Subrouter()
	api.Use(RateLimitMiddleware(cfg.Limiter))
	api.Use(TimeoutMiddleware(cfg.RequestTimeout))
	api.HandleFunc("/current", h.GetCurrent).Methods(http.MethodGet)
	api.HandleFunc("/cities", h.GetCities).Methods(http.MethodGet)
	api.HandleFunc("/history/{city}", h.GetHistory).Methods(http.MethodGet)
	api.HandleFunc("/stats/{city}", h.GetStats).Methods(http.MethodGet)
	api.HandleFunc("/fetch-now", h.FetchNow).Methods(http.MethodGet, http.MethodPost)
	return router
}
