// Package outbound supplies authentication material for calls the
// platform makes to external services: the Provider projects a valid
// token onto a request shape, and the ErrorHandler reacts to upstream
// auth rejections by busting the cache.
package outbound

import (
	"context"
	"net/http"

	"auth-broker/internal/adapters"
	"auth-broker/internal/common/errors"
	"auth-broker/internal/common/logging"
	"auth-broker/internal/common/utils"
	"auth-broker/internal/lifecycle"
	"auth-broker/internal/storage"
)

// Provider hands out projections for outbound calls.
type Provider struct {
	store       storage.Storage
	coordinator *lifecycle.Coordinator
	adapterDeps adapters.Deps
	logger      logging.Logger
}

// NewProvider creates an outbound auth provider.
func NewProvider(store storage.Storage, coordinator *lifecycle.Coordinator, deps adapters.Deps, logger logging.Logger) *Provider {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Provider{
		store:       store,
		coordinator: coordinator,
		adapterDeps: deps,
		logger:      logger,
	}
}

// ProvideAuth returns the projection to attach to a request against
// targetURL. A cache miss triggers a coordinated refresh; losing the
// refresh race falls back to the winner's result.
func (p *Provider) ProvideAuth(ctx context.Context, adapterID, targetURL string) (*adapters.Projection, error) {
	config, err := p.store.GetCredentialConfig(ctx, adapterID)
	if err != nil {
		return nil, err
	}
	if !config.Active {
		return nil, errors.ValidationError("credential config is disabled").
			WithContext("adapter_id", adapterID)
	}

	adapter, err := adapters.Build(config, p.adapterDeps)
	if err != nil {
		return nil, err
	}

	idleTimeout := adapters.IdleTimeout(config)

	token, err := p.coordinator.GetValidToken(ctx, adapterID, idleTimeout)
	if err != nil {
		if !errors.IsType(err, errors.ErrTypeNotFound) {
			return nil, err
		}

		// Cache miss. Refresh, then re-read: if a sibling won the
		// claim, the read waits briefly for its result.
		if _, err := p.coordinator.RefreshWithLock(ctx, adapter); err != nil {
			return nil, err
		}

		token, err = p.coordinator.GetValidToken(ctx, adapterID, idleTimeout)
		if err != nil {
			return nil, err
		}
	}

	return adapter.ApplyOutbound(token.AccessToken, targetURL)
}

// CallFunc performs one outbound call and reports the HTTP status the
// upstream answered with. Transport failures come back as errors.
type CallFunc func(ctx context.Context) (statusCode int, err error)

// ErrorHandler reacts to authentication failures on outbound calls.
type ErrorHandler struct {
	store       storage.Storage
	coordinator *lifecycle.Coordinator
	logger      logging.Logger
}

// NewErrorHandler creates an outbound auth error handler.
func NewErrorHandler(store storage.Storage, coordinator *lifecycle.Coordinator, logger logging.Logger) *ErrorHandler {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &ErrorHandler{
		store:       store,
		coordinator: coordinator,
		logger:      logger,
	}
}

// Do runs one outbound call. A 401 or 403 answer invalidates the
// cached token and comes back as a retriable auth error; the next
// token acquisition refreshes. No synchronous refresh happens here.
func (h *ErrorHandler) Do(ctx context.Context, adapterID string, call CallFunc) error {
	status, err := call(ctx)
	if err != nil {
		return err
	}

	if status != 401 && status != 403 {
		return nil
	}

	h.logger.Warn("Upstream rejected cached credentials",
		logging.Field{Key: "adapter_id", Value: adapterID},
		logging.Field{Key: "status", Value: status},
	)

	if err := h.coordinator.Invalidate(ctx, adapterID); err != nil {
		h.logger.Error("Failed to invalidate rejected token", err,
			logging.Field{Key: "adapter_id", Value: adapterID},
		)
	}
	h.audit(ctx, adapterID, status)

	return errors.AuthRetryError(adapterID, status)
}

// Execute runs the call through Do and retries once after an auth
// rejection, giving the caller a fresh token on the second attempt.
func (h *ErrorHandler) Execute(ctx context.Context, adapterID string, call CallFunc) error {
	err := h.Do(ctx, adapterID, call)
	if err == nil || errors.GetCode(err) != errors.CodeAuthRetry {
		return err
	}

	return h.Do(ctx, adapterID, call)
}

func (h *ErrorHandler) audit(ctx context.Context, adapterID string, status int) {
	record := &storage.AuditRecord{
		AdapterID: adapterID,
		Event:     storage.EventOutboundAuthError,
		Detail:    http.StatusText(status),
	}

	id, err := utils.GenerateID("audit")
	if err != nil {
		return
	}
	record.ID = id

	if err := h.store.InsertAuditRecord(ctx, record); err != nil {
		h.logger.Warn("Failed to write audit record",
			logging.Field{Key: "adapter_id", Value: adapterID},
		)
	}
}
