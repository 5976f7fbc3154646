// Package gate implements the inbound policy gate: HTTP middleware that
// matches requests against stored policies and validates the presented
// credential through the configured adapter before letting the request
// through.
package gate

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"auth-broker/internal/adapters"
	"auth-broker/internal/common/errors"
	"auth-broker/internal/common/logging"
	"auth-broker/internal/common/utils"
	redisclient "auth-broker/internal/redis"
	"auth-broker/internal/storage"
)

const (
	// DefaultAdapterHeader selects the adapter on multi-tenant policies.
	// Must be set by a trusted upstream, never passed through from the
	// outside world.
	DefaultAdapterHeader = "X-Auth-Adapter"

	// PolicyReloadChannel carries reload fan-out between instances.
	PolicyReloadChannel = "policies:reload"

	configCacheTTL = 5 * time.Minute
)

// Config holds the gate's construction parameters.
type Config struct {
	Store       storage.Storage
	AdapterDeps adapters.Deps

	// Redis enables cross-instance policy reload fan-out when set.
	Redis *redisclient.Client

	// AdapterHeader overrides DefaultAdapterHeader.
	AdapterHeader string

	Logger logging.Logger
}

// Gate is the inbound policy enforcement point.
type Gate struct {
	store       storage.Storage
	adapterDeps adapters.Deps
	redis       *redisclient.Client
	logger      logging.Logger

	adapterHeader string

	policyMu sync.RWMutex
	policies []*storage.InboundPolicy

	// Credential configs and built adapters, keyed by adapter ID.
	// Flushed on every policy reload.
	cache *gocache.Cache
}

// NewGate creates a gate. Call ReloadPolicies before serving traffic.
func NewGate(config Config) *Gate {
	logger := config.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	adapterHeader := config.AdapterHeader
	if adapterHeader == "" {
		adapterHeader = DefaultAdapterHeader
	}

	return &Gate{
		store:         config.Store,
		adapterDeps:   config.AdapterDeps,
		redis:         config.Redis,
		logger:        logger,
		adapterHeader: adapterHeader,
		cache:         gocache.New(configCacheTTL, 2*configCacheTTL),
	}
}

// ReloadPolicies re-reads policies from storage, drops the local
// adapter cache, and fans the reload out to sibling instances.
func (g *Gate) ReloadPolicies(ctx context.Context) error {
	if err := g.loadLocal(ctx); err != nil {
		return err
	}

	if g.redis != nil {
		if err := g.redis.Publish(ctx, PolicyReloadChannel, "reload"); err != nil {
			g.logger.Warn("Failed to publish policy reload",
				logging.Field{Key: "error", Value: err.Error()},
			)
		}
	}

	return nil
}

// loadLocal refreshes this instance's policy snapshot and caches.
func (g *Gate) loadLocal(ctx context.Context) error {
	policies, err := g.store.ListInboundPolicies(ctx, true)
	if err != nil {
		return err
	}

	g.policyMu.Lock()
	g.policies = policies
	g.policyMu.Unlock()

	g.cache.Flush()

	g.logger.Info("Inbound policies loaded",
		logging.Field{Key: "count", Value: len(policies)},
	)

	return nil
}

// StartReloadListener subscribes to the reload channel and refreshes
// the local snapshot on every message. Returns immediately; the
// listener stops when ctx is cancelled.
func (g *Gate) StartReloadListener(ctx context.Context) {
	if g.redis == nil {
		return
	}

	pubsub := g.redis.Subscribe(ctx, PolicyReloadChannel)

	go func() {
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				if err := g.loadLocal(ctx); err != nil {
					g.logger.Error("Policy reload from broadcast failed", err)
				}
			}
		}
	}()
}

// Middleware returns the enforcement handler, compatible with mux.Use.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		// Platform session auth already vouched for this request
		if HasSessionAuth(ctx) {
			next.ServeHTTP(w, r)
			return
		}

		policy := g.matchPolicy(r.Method, r.URL.Path)
		if policy == nil || policy.Mode == storage.ModeBypass {
			next.ServeHTTP(w, r)
			return
		}

		adapterID := policy.AdapterID
		if adapterID == "" && policy.MultiTenant {
			header := policy.TenantHeader
			if header == "" {
				header = g.adapterHeader
			}
			adapterID = r.Header.Get(header)
		}

		if adapterID == "" {
			if policy.Mode == storage.ModeOptional {
				next.ServeHTTP(w, r)
				return
			}
			g.deny(w, r, "", errors.CodeNoAdapterConfigured, "")
			return
		}

		config, err := g.getConfig(ctx, adapterID)
		if err != nil || !config.Active {
			if policy.Mode == storage.ModeOptional {
				next.ServeHTTP(w, r)
				return
			}
			g.deny(w, r, adapterID, errors.CodeNoAdapterConfigured, "")
			return
		}

		placement := placementFor(config)
		token := extractToken(r, config, placement)
		if token == "" {
			if policy.Mode == storage.ModeOptional {
				next.ServeHTTP(w, r)
				return
			}
			g.deny(w, r, adapterID, errors.CodeValidationFailed, placement)
			return
		}

		adapter, err := g.getAdapter(config)
		if err != nil {
			g.logger.Error("Failed to build adapter", err,
				logging.Field{Key: "adapter_id", Value: adapterID},
			)
			g.deny(w, r, adapterID, errors.CodeNoAdapterConfigured, placement)
			return
		}

		result, err := adapter.ValidateInbound(ctx, token)
		if err != nil {
			if errors.GetCode(err) == errors.CodeCredentialsMissing {
				g.logger.Error("Adapter has no usable credentials", err,
					logging.Field{Key: "adapter_id", Value: adapterID},
				)
				writeJSON(w, http.StatusInternalServerError, map[string]string{
					"error": errors.CodeCredentialsMissing,
				})
				return
			}

			g.logger.Error("Inbound validation errored", err,
				logging.Field{Key: "adapter_id", Value: adapterID},
			)
			g.deny(w, r, adapterID, errors.CodeValidationFailed, placement)
			return
		}

		if !result.Valid {
			g.deny(w, r, adapterID, result.Reason, placement)
			return
		}

		g.audit(r, adapterID, storage.EventValidationPassed, "", result.UserID)

		identity := &Identity{
			AdapterID: adapterID,
			UserID:    result.UserID,
			Metadata:  result.Metadata,
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
	})
}

// matchPolicy returns the highest-priority active policy matching the
// request, or nil.
func (g *Gate) matchPolicy(method, path string) *storage.InboundPolicy {
	g.policyMu.RLock()
	defer g.policyMu.RUnlock()

	for _, policy := range g.policies {
		if policy.Method != "" && !strings.EqualFold(policy.Method, method) {
			continue
		}
		if matchPattern(policy.Pattern, path) {
			return policy
		}
	}

	return nil
}

func (g *Gate) getConfig(ctx context.Context, adapterID string) (*storage.CredentialConfig, error) {
	if cached, ok := g.cache.Get("config:" + adapterID); ok {
		return cached.(*storage.CredentialConfig), nil
	}

	config, err := g.store.GetCredentialConfig(ctx, adapterID)
	if err != nil {
		return nil, err
	}

	g.cache.SetDefault("config:"+adapterID, config)
	return config, nil
}

// getAdapter returns a cached adapter instance so lazy credential
// hydration pays off across requests.
func (g *Gate) getAdapter(config *storage.CredentialConfig) (adapters.Adapter, error) {
	if cached, ok := g.cache.Get("adapter:" + config.ID); ok {
		return cached.(adapters.Adapter), nil
	}

	adapter, err := adapters.Build(config, g.adapterDeps)
	if err != nil {
		return nil, err
	}

	g.cache.SetDefault("adapter:"+config.ID, adapter)
	return adapter, nil
}

// deny writes the 401, with a bearer challenge for header credentials,
// and records the denial.
func (g *Gate) deny(w http.ResponseWriter, r *http.Request, adapterID, reason, placement string) {
	g.audit(r, adapterID, storage.EventValidationDenied, reason, "")

	if placement == "" || placement == "header" {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}

	// Machine-readable code only; causes stay in the logs
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": reason})
}

func (g *Gate) audit(r *http.Request, adapterID, event, detail, userID string) {
	id, err := utils.GenerateID("audit")
	if err != nil {
		return
	}

	record := &storage.AuditRecord{
		ID:          id,
		AdapterID:   adapterID,
		Event:       event,
		Detail:      detail,
		RequestPath: r.URL.Path,
		Method:      r.Method,
		CallerIP:    callerIP(r),
		UserID:      userID,
	}

	if err := g.store.InsertAuditRecord(r.Context(), record); err != nil {
		g.logger.Warn("Failed to write audit record",
			logging.Field{Key: "event", Value: event},
		)
	}
}

func callerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// placementFor resolves where the credential travels for this adapter.
// Cookie adapters read cookies; everything else defaults to the bearer
// header.
func placementFor(config *storage.CredentialConfig) string {
	def := "header"
	if config.Kind == storage.KindCookie {
		def = "cookie"
	}
	return adapters.SettingString(config.Settings, "inbound_placement", def)
}

func extractToken(r *http.Request, config *storage.CredentialConfig, placement string) string {
	switch placement {
	case "cookie":
		name := adapters.SettingString(config.Settings, "cookie_name", "broker_session")
		cookie, err := r.Cookie(name)
		if err != nil {
			return ""
		}
		return cookie.Value

	case "query":
		param := adapters.SettingString(config.Settings, "query_param", "access_token")
		return r.URL.Query().Get(param)

	default:
		name := adapters.SettingString(config.Settings, "header_name", "Authorization")
		prefix := adapters.SettingString(config.Settings, "header_prefix", "Bearer ")
		value := r.Header.Get(name)
		if value == "" {
			return ""
		}
		if strings.HasPrefix(value, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(value, prefix))
		}
		return value
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
