package gate

import (
	"context"
)

// Identity is the authenticated caller the gate attaches to the
// request context on a successful validation.
type Identity struct {
	AdapterID string                 `json:"adapter_id"`
	UserID    string                 `json:"user_id,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

type contextKey int

const (
	identityKey contextKey = iota
	sessionAuthKey
)

// WithIdentity attaches an authenticated identity to the context.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFrom extracts the authenticated identity, if any.
func IdentityFrom(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey).(*Identity)
	return identity, ok
}

// WithSessionAuth marks the context as already authenticated by the
// platform's primary session auth. The gate passes such requests
// through untouched.
func WithSessionAuth(ctx context.Context) context.Context {
	return context.WithValue(ctx, sessionAuthKey, true)
}

// HasSessionAuth reports whether the platform session marker is set.
func HasSessionAuth(ctx context.Context) bool {
	marked, ok := ctx.Value(sessionAuthKey).(bool)
	return ok && marked
}
