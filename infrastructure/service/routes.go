// Package service provides common HTTP surface helpers shared by the
// orchestrator's component servers (dashboard, adapter sidecars).
package service

import (
	"net/http"
	"time"

	"github.com/evoseal/core/infrastructure/httputil"
	"github.com/gorilla/mux"
)

// =============================================================================
// Standard Response Types
// =============================================================================

// HealthResponse is the standard response for /health endpoints.
type HealthResponse struct {
	Status    string         `json:"status"`
	Service   string         `json:"service"`
	Version   string         `json:"version"`
	Timestamp string         `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// InfoResponse is the standard response for /info endpoints.
type InfoResponse struct {
	Status     string         `json:"status"`
	Service    string         `json:"service"`
	Version    string         `json:"version"`
	Timestamp  string         `json:"timestamp"`
	Statistics map[string]any `json:"statistics,omitempty"`
}

// HealthChecker lets a component report a non-trivial health status, such
// as "degraded" while a checkpoint restore is in progress.
type HealthChecker interface {
	HealthStatus() string
	HealthDetails() map[string]any
}

// Info describes the minimal identity a standard route set needs: a name,
// a version string, and optionally a statistics provider and health checker.
// internal/dashboard passes this directly instead of embedding a shared
// base type.
type Info struct {
	Name    string
	Version string
	Stats   func() map[string]any
	Health  HealthChecker
}

// =============================================================================
// Standard Handlers
// =============================================================================

// HealthHandler returns a standardized /health handler for the given service info.
func HealthHandler(s Info) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		var details map[string]any

		if s.Health != nil {
			status = s.Health.HealthStatus()
			if status != "healthy" {
				details = s.Health.HealthDetails()
			}
		}

		resp := HealthResponse{
			Status:    status,
			Service:   s.Name,
			Version:   s.Version,
			Timestamp: time.Now().Format(time.RFC3339),
			Details:   details,
		}
		httputil.WriteJSON(w, http.StatusOK, resp)
	}
}

// ReadinessHandler returns a readiness probe handler suitable for k8s.
func ReadinessHandler(s Info) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		var details map[string]any

		if s.Health != nil {
			status = s.Health.HealthStatus()
			if status != "healthy" {
				details = s.Health.HealthDetails()
			}
		}

		resp := HealthResponse{
			Status:    status,
			Service:   s.Name,
			Version:   s.Version,
			Timestamp: time.Now().Format(time.RFC3339),
			Details:   details,
		}

		code := http.StatusOK
		if status != "healthy" {
			code = http.StatusServiceUnavailable
		}

		httputil.WriteJSON(w, code, resp)
	}
}

// InfoHandler returns a standardized /info handler, including statistics
// from the registered stats function if available.
func InfoHandler(s Info) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := InfoResponse{
			Status:    "active",
			Service:   s.Name,
			Version:   s.Version,
			Timestamp: time.Now().Format(time.RFC3339),
		}

		if s.Stats != nil {
			resp.Statistics = s.Stats()
		}

		httputil.WriteJSON(w, http.StatusOK, resp)
	}
}

// =============================================================================
// Route Registration
// =============================================================================

// RouteOptions configures which standard routes to register.
type RouteOptions struct {
	SkipInfo bool // Skip /info registration (for services with custom /info)
}

// RegisterStandardRoutes registers the standard /health, /ready, and /info
// endpoints on a gorilla/mux router.
func RegisterStandardRoutes(router *mux.Router, s Info, opts RouteOptions) {
	router.HandleFunc("/health", HealthHandler(s)).Methods("GET")
	router.HandleFunc("/ready", ReadinessHandler(s)).Methods("GET")
	if !opts.SkipInfo {
		router.HandleFunc("/info", InfoHandler(s)).Methods("GET")
	}
}
