// Package handlers implements the broker's control-plane HTTP API:
// outbound auth projections, cache invalidation, policy reloads, and
// the health check.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"auth-broker/internal/common/errors"
	"auth-broker/internal/common/logging"
	"auth-broker/internal/gate"
	"auth-broker/internal/lifecycle"
	"auth-broker/internal/outbound"
	redisclient "auth-broker/internal/redis"
	"auth-broker/internal/storage"
)

type Handlers struct {
	store       storage.Storage
	coordinator *lifecycle.Coordinator
	provider    *outbound.Provider
	gate        *gate.Gate
	redis       *redisclient.Client
	logger      logging.Logger
}

func New(store storage.Storage, coordinator *lifecycle.Coordinator, provider *outbound.Provider, g *gate.Gate, redis *redisclient.Client, logger logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Handlers{
		store:       store,
		coordinator: coordinator,
		provider:    provider,
		gate:        g,
		redis:       redis,
		logger:      logger,
	}
}

type outboundRequest struct {
	TargetURL string `json:"target_url"`
}

type outboundResponse struct {
	Headers map[string]string `json:"headers,omitempty"`
	Cookies map[string]string `json:"cookies,omitempty"`
	Query   map[string]string `json:"query,omitempty"`
}

// ProvideOutbound returns the auth material a caller should attach to
// an outbound request through the named adapter. A cache miss refreshes
// synchronously, so the first call after startup can take a round trip
// to the authority.
func (h *Handlers) ProvideOutbound(w http.ResponseWriter, r *http.Request) {
	adapterID := mux.Vars(r)["adapterID"]

	var req outboundRequest
	if r.Body != nil {
		// Body is optional; adapters that ignore the target work without one
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	projection, err := h.provider.ProvideAuth(r.Context(), adapterID, req.TargetURL)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, outboundResponse{
		Headers: projection.Headers,
		Cookies: projection.Cookies,
		Query:   projection.Query,
	})
}

// InvalidateToken busts the cached token for an adapter. The next
// acquisition refreshes.
func (h *Handlers) InvalidateToken(w http.ResponseWriter, r *http.Request) {
	adapterID := mux.Vars(r)["adapterID"]

	if err := h.coordinator.Invalidate(r.Context(), adapterID); err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"status":     "invalidated",
		"adapter_id": adapterID,
	})
}

// ReloadPolicies re-reads inbound policies from storage and fans the
// reload out to sibling instances.
func (h *Handlers) ReloadPolicies(w http.ResponseWriter, r *http.Request) {
	if err := h.gate.ReloadPolicies(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// Passthrough terminates gated requests the way a forward-auth
// endpoint does: by the time it runs, the gate has either passed the
// request or written the 401. It answers 200 with the validated
// identity so a fronting proxy can forward it upstream.
func (h *Handlers) Passthrough(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"status": "ok"}

	if identity, ok := gate.IdentityFrom(r.Context()); ok {
		body["adapter_id"] = identity.AdapterID
		if identity.UserID != "" {
			body["user_id"] = identity.UserID
		}
	}

	h.writeJSON(w, http.StatusOK, body)
}

// HealthCheck reports storage and Redis health.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	checks := map[string]string{}

	if err := h.store.Health(r.Context()); err != nil {
		checks["storage"] = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		checks["storage"] = "ok"
	}

	if h.redis != nil {
		if err := h.redis.Health(); err != nil {
			checks["redis"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			checks["redis"] = "ok"
		}
	}

	body := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	if status != http.StatusOK {
		body["status"] = "unhealthy"
	}

	h.writeJSON(w, status, body)
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("Failed to encode response",
			logging.Field{Key: "error", Value: err.Error()},
		)
	}
}

// writeError maps an AppError onto an HTTP status. Causes stay in the
// logs; clients get the type and machine-readable code only.
func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	var status int
	switch errors.GetType(err) {
	case errors.ErrTypeNotFound:
		status = http.StatusNotFound
	case errors.ErrTypeValidation:
		status = http.StatusBadRequest
	case errors.ErrTypeAuth:
		status = http.StatusBadGateway
	case errors.ErrTypeTransient:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
	}

	if status >= 500 {
		h.logger.Error("Request failed", err)
	}

	body := map[string]string{"error": err.Error()}
	if code := errors.GetCode(err); code != "" {
		body["code"] = code
	}

	h.writeJSON(w, status, body)
}
