package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricsPath = "/metrics"

	// healthCheckTimeout bounds each component check.
	healthCheckTimeout = 2 * time.Second
)

// Component health values.
const (
	componentOK       = "ok"
	componentDisabled = "disabled"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.Handle(metricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			// Identifiers may contain further path segments.
			r.Get("/*", s.handleGetDevice)
		})
	})

	return r
}

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Components map[string]string `json:"components"`
}

// handleHealth reports the state of each backing component.
//
// The overall status is "ok" when every enabled component answers, and
// "degraded" (503) otherwise. The bridge keeps accepting readings while
// degraded, so this is a readiness signal rather than liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  componentOK,
		Version: s.version,
		Components: map[string]string{
			"broker":   s.check(r.Context(), s.broker),
			"database": s.check(r.Context(), s.database),
			"influxdb": s.check(r.Context(), s.influxdb),
		},
	}

	status := http.StatusOK
	for _, v := range resp.Components {
		if v != componentOK && v != componentDisabled {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			break
		}
	}

	writeJSON(w, status, resp)
}

func (s *Server) check(ctx context.Context, c HealthChecker) string {
	if c == nil {
		return componentDisabled
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := c.HealthCheck(ctx); err != nil {
		return "error: " + err.Error()
	}
	return componentOK
}
