package storage

import (
	"context"
	"time"
)

// Storage is the persistence boundary for credential configs, the
// shared token cache, inbound policies, and the audit log.
//
// Token cache writes are version guarded: every mutating operation
// takes the version the caller last observed and reports whether the
// compare-and-swap applied. A false return with a nil error means
// another process won the race and the caller should re-read.
type Storage interface {
	// Connection management
	Close() error
	Health(ctx context.Context) error

	// Credential configurations
	CreateCredentialConfig(ctx context.Context, config *CredentialConfig) error
	GetCredentialConfig(ctx context.Context, id string) (*CredentialConfig, error)
	GetCredentialConfigByName(ctx context.Context, name string) (*CredentialConfig, error)
	ListCredentialConfigs(ctx context.Context, activeOnly bool) ([]*CredentialConfig, error)
	UpdateCredentialConfig(ctx context.Context, config *CredentialConfig) error
	DeleteCredentialConfig(ctx context.Context, id string) error

	// Token cache
	//
	// GetTokenEntry returns a NotFound error when no row exists.
	GetTokenEntry(ctx context.Context, adapterID string) (*TokenEntry, error)

	// CreateTokenPlaceholder inserts an empty row with the refresh flag
	// already set, at version 1. The unique key on adapter_id makes the
	// first writer win; losers get false and should poll.
	CreateTokenPlaceholder(ctx context.Context, adapterID string) (bool, error)

	// ClaimRefresh sets the in-flight flag if the row is still at
	// expectedVersion and no refresh is running.
	ClaimRefresh(ctx context.Context, adapterID string, expectedVersion int64) (bool, error)

	// CompleteRefresh writes the fresh token, bumps the version, and
	// clears the in-flight flag, guarded by expectedVersion.
	CompleteRefresh(ctx context.Context, entry *TokenEntry, expectedVersion int64) (bool, error)

	// AbortRefresh clears the in-flight flag without writing a token,
	// used when the upstream fetch failed.
	AbortRefresh(ctx context.Context, adapterID string, expectedVersion int64) (bool, error)

	// ClearStaleRefresh force-clears an in-flight flag whose
	// refresh_started_at is older than the cutoff, recovering from
	// crashed holders.
	ClearStaleRefresh(ctx context.Context, adapterID string, olderThan time.Duration) (bool, error)

	// UpdateSessionData replaces the session payload without touching
	// the token itself, still version guarded.
	UpdateSessionData(ctx context.Context, adapterID string, sessionData string, expectedVersion int64) (bool, error)

	// TouchTokenEntry records activity for idle-timeout tracking.
	TouchTokenEntry(ctx context.Context, adapterID string, at time.Time) error

	DeleteTokenEntry(ctx context.Context, adapterID string) error

	// ListExpiringTokens returns entries whose expiry falls within the
	// window and which have no refresh in flight.
	ListExpiringTokens(ctx context.Context, within time.Duration) ([]*TokenEntry, error)

	// Inbound policies
	CreateInboundPolicy(ctx context.Context, policy *InboundPolicy) error
	GetInboundPolicy(ctx context.Context, id string) (*InboundPolicy, error)
	ListInboundPolicies(ctx context.Context, activeOnly bool) ([]*InboundPolicy, error)
	UpdateInboundPolicy(ctx context.Context, policy *InboundPolicy) error
	DeleteInboundPolicy(ctx context.Context, id string) error

	// Audit log
	InsertAuditRecord(ctx context.Context, record *AuditRecord) error
	ListAuditRecords(ctx context.Context, adapterID string, limit int) ([]*AuditRecord, error)
}

// StorageConfig is implemented by backend-specific configurations
type StorageConfig interface {
	Validate() error
	GetType() string
	GetConnectionString() string
}

// StorageFactory creates a Storage from a backend-specific config
type StorageFactory interface {
	Create(config StorageConfig) (Storage, error)
	GetType() string
}

// GenericConfig is a simple map-based implementation of StorageConfig
type GenericConfig map[string]interface{}

func (gc GenericConfig) Validate() error {
	return nil
}

func (gc GenericConfig) GetType() string {
	if t, ok := gc["type"].(string); ok {
		return t
	}
	return "unknown"
}

func (gc GenericConfig) GetConnectionString() string {
	if cs, ok := gc["connection_string"].(string); ok {
		return cs
	}
	return ""
}
