package app

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"auth-broker/internal/gate"
	"auth-broker/internal/handlers"
)

// controlPlanePrefix covers the broker's own management endpoints. The
// platform fronting the broker authenticates operators before requests
// reach these paths, so the gate treats them as session-authenticated
// rather than matching them against inbound policies.
const controlPlanePrefix = "/api/auth/"

// SetupRoutes configures all HTTP routes for the application
func SetupRoutes(router *mux.Router, h *handlers.Handlers, g *gate.Gate) {
	router.Use(controlPlaneMarker, g.Middleware)

	// Control plane
	router.HandleFunc("/api/auth/outbound/{adapterID}", h.ProvideOutbound).Methods("POST")
	router.HandleFunc("/api/auth/invalidate/{adapterID}", h.InvalidateToken).Methods("POST")
	router.HandleFunc("/api/auth/policies/reload", h.ReloadPolicies).Methods("POST")

	// Health check (no auth required)
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")

	// Everything else flows through the gate and lands here. A matched
	// policy has already validated the credential by the time this
	// handler runs; the identity travels in the request context.
	router.PathPrefix("/").HandlerFunc(h.Passthrough)
}

// controlPlaneMarker flags the broker's own endpoints as session
// authenticated so inbound policies never lock the operator out.
func controlPlaneMarker(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, controlPlanePrefix) || r.URL.Path == "/health" {
			r = r.WithContext(gate.WithSessionAuth(r.Context()))
		}
		next.ServeHTTP(w, r)
	})
}
