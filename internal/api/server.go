// Package api provides the HTTP server for the digital twin: network
// management, simulator and monitor control, anomaly queries, and the
// dashboard metrics endpoint.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hydrotwin/hydrotwin/internal/app/baseline"
	"github.com/hydrotwin/hydrotwin/internal/app/dashboard"
	"github.com/hydrotwin/hydrotwin/internal/app/monitor"
	"github.com/hydrotwin/hydrotwin/internal/app/simulator"
	"github.com/hydrotwin/hydrotwin/internal/domain"
	"github.com/hydrotwin/hydrotwin/internal/health"
)

// Server is the digital twin HTTP API server. It holds the process-scoped
// service registry: exactly one simulator and one monitor instance.
type Server struct {
	store      domain.Store
	registry   *baseline.Registry
	simulator  *simulator.Service
	monitor    *monitor.Service
	aggregator *dashboard.Aggregator

	networksDir    string
	checker        *health.Checker
	metricsEnabled bool
}

// NewServer creates a new API server over the given services.
func NewServer(store domain.Store, registry *baseline.Registry, sim *simulator.Service, mon *monitor.Service, agg *dashboard.Aggregator, networksDir string) *Server {
	return &Server{
		store:       store,
		registry:    registry,
		simulator:   sim,
		monitor:     mon,
		aggregator:  agg,
		networksDir: networksDir,
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetHealthChecker sets the health checker surfaced on /health.
func (s *Server) SetHealthChecker(c *health.Checker) { s.checker = c }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(2 * time.Minute))
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)

	r.Route("/api/network", func(r chi.Router) {
		r.Post("/upload", s.handleNetworkUpload)
		r.Get("/", s.handleNetworkList)
		r.Post("/{networkID}/baseline", s.handleComputeBaseline)
	})

	r.Route("/api/scada-simulator", func(r chi.Router) {
		r.Post("/start", s.handleSimulatorStart)
		r.Post("/stop", s.handleSimulatorStop)
		r.Get("/status", s.handleSimulatorStatus)
		r.Delete("/readings", s.handleClearReadings)
	})

	r.Route("/api/monitoring", func(r chi.Router) {
		r.Post("/start", s.handleMonitorStart)
		r.Post("/stop", s.handleMonitorStop)
		r.Get("/status", s.handleMonitorStatus)
		r.Get("/anomalies", s.handleAnomalies)
		r.Get("/dashboard-metrics", s.handleDashboardMetrics)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":          "ok",
		"simulator_state": s.simulator.Status().State,
		"monitor_state":   s.monitor.Status().State,
	}
	if s.checker != nil {
		resp["checks"] = s.checker.Statuses()
		if !s.checker.IsHealthy() {
			resp["status"] = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ─── Response helpers ───────────────────────────────────────────────────────

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps a domain error to its HTTP status code.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]any{
		"error": map[string]any{
			"message": err.Error(),
			"type":    "error",
		},
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNetworkNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidConfig),
		errors.Is(err, domain.ErrAlreadyRunning),
		errors.Is(err, domain.ErrNotRunning),
		errors.Is(err, domain.ErrBaselineMissing),
		errors.Is(err, domain.ErrBaselineAlreadyComputed):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// corsMiddleware adds CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
