// Package postgres implements the storage interface on PostgreSQL via
// pgx. It is the backend of choice when multiple broker instances share
// one token cache, since the CAS updates ride on real transactional
// row versioning.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"auth-broker/internal/common/errors"
	"auth-broker/internal/storage"
)

type Adapter struct {
	pool   *pgxpool.Pool
	config *Config
}

func NewAdapter(config *Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid PostgreSQL config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, config.GetConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	adapter := &Adapter{
		pool:   pool,
		config: config,
	}

	if err := adapter.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return adapter, nil
}

// migrate creates the schema. Safe to call repeatedly.
func (a *Adapter) migrate(ctx context.Context) error {
	_, err := a.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS credential_configs (
	id TEXT PRIMARY KEY,
	name TEXT UNIQUE NOT NULL,
	kind TEXT NOT NULL,
	settings JSONB NOT NULL DEFAULT '{}'::jsonb,
	encrypted_secrets TEXT NOT NULL DEFAULT '',
	active BOOLEAN NOT NULL DEFAULT true,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS token_cache (
	adapter_id TEXT PRIMARY KEY,
	access_token TEXT NOT NULL DEFAULT '',
	token_type TEXT NOT NULL DEFAULT '',
	expires_at TIMESTAMPTZ,
	issued_at TIMESTAMPTZ,
	session_data TEXT NOT NULL DEFAULT '',
	last_used_at TIMESTAMPTZ,
	refresh_in_flight BOOLEAN NOT NULL DEFAULT false,
	refresh_started_at TIMESTAMPTZ,
	version BIGINT NOT NULL DEFAULT 1,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS inbound_policies (
	id TEXT PRIMARY KEY,
	pattern TEXT NOT NULL,
	method TEXT NOT NULL DEFAULT '',
	mode TEXT NOT NULL,
	adapter_id TEXT NOT NULL DEFAULT '',
	multi_tenant BOOLEAN NOT NULL DEFAULT false,
	tenant_header TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 0,
	active BOOLEAN NOT NULL DEFAULT true,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS auth_audit_log (
	id TEXT PRIMARY KEY,
	adapter_id TEXT NOT NULL DEFAULT '',
	event TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	request_path TEXT NOT NULL DEFAULT '',
	method TEXT NOT NULL DEFAULT '',
	caller_ip TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_token_cache_expires ON token_cache (expires_at) WHERE refresh_in_flight = false;
CREATE INDEX IF NOT EXISTS idx_audit_adapter ON auth_audit_log (adapter_id, created_at DESC);
`)
	return err
}

func (a *Adapter) Close() error {
	a.pool.Close()
	return nil
}

func (a *Adapter) Health(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

// Credential configurations

func (a *Adapter) CreateCredentialConfig(ctx context.Context, config *storage.CredentialConfig) error {
	settings, err := json.Marshal(config.Settings)
	if err != nil {
		return errors.InternalError("failed to marshal settings", err)
	}

	now := time.Now()
	config.CreatedAt = now
	config.UpdatedAt = now

	_, err = a.pool.Exec(ctx, `
		INSERT INTO credential_configs (id, name, kind, settings, encrypted_secrets, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		config.ID, config.Name, config.Kind, settings, config.EncryptedSecrets,
		config.Active, config.CreatedAt, config.UpdatedAt)
	if err != nil {
		return errors.InternalError("failed to create credential config", err)
	}
	return nil
}

func (a *Adapter) GetCredentialConfig(ctx context.Context, id string) (*storage.CredentialConfig, error) {
	return a.getCredentialConfig(ctx, "id", id)
}

func (a *Adapter) GetCredentialConfigByName(ctx context.Context, name string) (*storage.CredentialConfig, error) {
	return a.getCredentialConfig(ctx, "name", name)
}

func (a *Adapter) getCredentialConfig(ctx context.Context, column, value string) (*storage.CredentialConfig, error) {
	row := a.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT id, name, kind, settings, encrypted_secrets, active, created_at, updated_at
		FROM credential_configs WHERE %s = $1`, column), value)

	config, err := scanCredentialConfig(row)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFoundError("credential config")
	}
	if err != nil {
		return nil, errors.InternalError("failed to get credential config", err)
	}
	return config, nil
}

func (a *Adapter) ListCredentialConfigs(ctx context.Context, activeOnly bool) ([]*storage.CredentialConfig, error) {
	query := `
		SELECT id, name, kind, settings, encrypted_secrets, active, created_at, updated_at
		FROM credential_configs`
	if activeOnly {
		query += ` WHERE active = true`
	}
	query += ` ORDER BY name`

	rows, err := a.pool.Query(ctx, query)
	if err != nil {
		return nil, errors.InternalError("failed to list credential configs", err)
	}
	defer rows.Close()

	var configs []*storage.CredentialConfig
	for rows.Next() {
		config, err := scanCredentialConfig(rows)
		if err != nil {
			return nil, errors.InternalError("failed to scan credential config", err)
		}
		configs = append(configs, config)
	}
	return configs, rows.Err()
}

func (a *Adapter) UpdateCredentialConfig(ctx context.Context, config *storage.CredentialConfig) error {
	settings, err := json.Marshal(config.Settings)
	if err != nil {
		return errors.InternalError("failed to marshal settings", err)
	}

	config.UpdatedAt = time.Now()

	tag, err := a.pool.Exec(ctx, `
		UPDATE credential_configs
		SET name = $2, kind = $3, settings = $4, encrypted_secrets = $5, active = $6, updated_at = $7
		WHERE id = $1`,
		config.ID, config.Name, config.Kind, settings, config.EncryptedSecrets,
		config.Active, config.UpdatedAt)
	if err != nil {
		return errors.InternalError("failed to update credential config", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFoundError("credential config")
	}
	return nil
}

func (a *Adapter) DeleteCredentialConfig(ctx context.Context, id string) error {
	tag, err := a.pool.Exec(ctx, `DELETE FROM credential_configs WHERE id = $1`, id)
	if err != nil {
		return errors.InternalError("failed to delete credential config", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFoundError("credential config")
	}
	return nil
}

// Token cache

func (a *Adapter) GetTokenEntry(ctx context.Context, adapterID string) (*storage.TokenEntry, error) {
	row := a.pool.QueryRow(ctx, `
		SELECT adapter_id, access_token, token_type, expires_at, issued_at, session_data,
		       last_used_at, refresh_in_flight, refresh_started_at, version, updated_at
		FROM token_cache WHERE adapter_id = $1`, adapterID)

	entry, err := scanTokenEntry(row)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFoundError("token entry")
	}
	if err != nil {
		return nil, errors.InternalError("failed to get token entry", err)
	}
	return entry, nil
}

func (a *Adapter) CreateTokenPlaceholder(ctx context.Context, adapterID string) (bool, error) {
	now := time.Now()
	tag, err := a.pool.Exec(ctx, `
		INSERT INTO token_cache (adapter_id, refresh_in_flight, refresh_started_at, version, updated_at)
		VALUES ($1, true, $2, 1, $2)
		ON CONFLICT (adapter_id) DO NOTHING`, adapterID, now)
	if err != nil {
		return false, errors.InternalError("failed to create token placeholder", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (a *Adapter) ClaimRefresh(ctx context.Context, adapterID string, expectedVersion int64) (bool, error) {
	now := time.Now()
	tag, err := a.pool.Exec(ctx, `
		UPDATE token_cache
		SET refresh_in_flight = true, refresh_started_at = $3, updated_at = $3
		WHERE adapter_id = $1 AND version = $2 AND refresh_in_flight = false`,
		adapterID, expectedVersion, now)
	if err != nil {
		return false, errors.InternalError("failed to claim refresh", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (a *Adapter) CompleteRefresh(ctx context.Context, entry *storage.TokenEntry, expectedVersion int64) (bool, error) {
	now := time.Now()
	tag, err := a.pool.Exec(ctx, `
		UPDATE token_cache
		SET access_token = $2, token_type = $3, expires_at = $4, issued_at = $5,
		    session_data = $6, refresh_in_flight = false, refresh_started_at = NULL,
		    version = version + 1, updated_at = $7
		WHERE adapter_id = $1 AND version = $8`,
		entry.AdapterID, entry.AccessToken, entry.TokenType,
		nullableTime(entry.ExpiresAt), nullableTime(entry.IssuedAt),
		entry.SessionData, now, expectedVersion)
	if err != nil {
		return false, errors.InternalError("failed to complete refresh", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (a *Adapter) AbortRefresh(ctx context.Context, adapterID string, expectedVersion int64) (bool, error) {
	tag, err := a.pool.Exec(ctx, `
		UPDATE token_cache
		SET refresh_in_flight = false, refresh_started_at = NULL, updated_at = $3
		WHERE adapter_id = $1 AND version = $2 AND refresh_in_flight = true`,
		adapterID, expectedVersion, time.Now())
	if err != nil {
		return false, errors.InternalError("failed to abort refresh", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (a *Adapter) ClearStaleRefresh(ctx context.Context, adapterID string, olderThan time.Duration) (bool, error) {
	cutoff := time.Now().Add(-olderThan)
	// Version bump fences out the crashed holder if it comes back
	tag, err := a.pool.Exec(ctx, `
		UPDATE token_cache
		SET refresh_in_flight = false, refresh_started_at = NULL,
		    version = version + 1, updated_at = $3
		WHERE adapter_id = $1 AND refresh_in_flight = true AND refresh_started_at < $2`,
		adapterID, cutoff, time.Now())
	if err != nil {
		return false, errors.InternalError("failed to clear stale refresh", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (a *Adapter) UpdateSessionData(ctx context.Context, adapterID string, sessionData string, expectedVersion int64) (bool, error) {
	tag, err := a.pool.Exec(ctx, `
		UPDATE token_cache
		SET session_data = $2, version = version + 1, updated_at = $4
		WHERE adapter_id = $1 AND version = $3`,
		adapterID, sessionData, expectedVersion, time.Now())
	if err != nil {
		return false, errors.InternalError("failed to update session data", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (a *Adapter) TouchTokenEntry(ctx context.Context, adapterID string, at time.Time) error {
	_, err := a.pool.Exec(ctx, `
		UPDATE token_cache SET last_used_at = $2 WHERE adapter_id = $1`, adapterID, at)
	if err != nil {
		return errors.InternalError("failed to touch token entry", err)
	}
	return nil
}

func (a *Adapter) DeleteTokenEntry(ctx context.Context, adapterID string) error {
	_, err := a.pool.Exec(ctx, `DELETE FROM token_cache WHERE adapter_id = $1`, adapterID)
	if err != nil {
		return errors.InternalError("failed to delete token entry", err)
	}
	return nil
}

func (a *Adapter) ListExpiringTokens(ctx context.Context, within time.Duration) ([]*storage.TokenEntry, error) {
	deadline := time.Now().Add(within)
	rows, err := a.pool.Query(ctx, `
		SELECT adapter_id, access_token, token_type, expires_at, issued_at, session_data,
		       last_used_at, refresh_in_flight, refresh_started_at, version, updated_at
		FROM token_cache
		WHERE expires_at IS NOT NULL AND expires_at < $1
		  AND refresh_in_flight = false AND access_token <> ''
		ORDER BY expires_at`, deadline)
	if err != nil {
		return nil, errors.InternalError("failed to list expiring tokens", err)
	}
	defer rows.Close()

	var entries []*storage.TokenEntry
	for rows.Next() {
		entry, err := scanTokenEntry(rows)
		if err != nil {
			return nil, errors.InternalError("failed to scan token entry", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Inbound policies

func (a *Adapter) CreateInboundPolicy(ctx context.Context, policy *storage.InboundPolicy) error {
	now := time.Now()
	policy.CreatedAt = now
	policy.UpdatedAt = now

	_, err := a.pool.Exec(ctx, `
		INSERT INTO inbound_policies (id, pattern, method, mode, adapter_id, multi_tenant, tenant_header, priority, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		policy.ID, policy.Pattern, policy.Method, policy.Mode, policy.AdapterID,
		policy.MultiTenant, policy.TenantHeader,
		policy.Priority, policy.Active, policy.CreatedAt, policy.UpdatedAt)
	if err != nil {
		return errors.InternalError("failed to create inbound policy", err)
	}
	return nil
}

func (a *Adapter) GetInboundPolicy(ctx context.Context, id string) (*storage.InboundPolicy, error) {
	row := a.pool.QueryRow(ctx, `
		SELECT id, pattern, method, mode, adapter_id, multi_tenant, tenant_header, priority, active, created_at, updated_at
		FROM inbound_policies WHERE id = $1`, id)

	policy, err := scanInboundPolicy(row)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFoundError("inbound policy")
	}
	if err != nil {
		return nil, errors.InternalError("failed to get inbound policy", err)
	}
	return policy, nil
}

func (a *Adapter) ListInboundPolicies(ctx context.Context, activeOnly bool) ([]*storage.InboundPolicy, error) {
	query := `
		SELECT id, pattern, method, mode, adapter_id, multi_tenant, tenant_header, priority, active, created_at, updated_at
		FROM inbound_policies`
	if activeOnly {
		query += ` WHERE active = true`
	}
	query += ` ORDER BY priority, id`

	rows, err := a.pool.Query(ctx, query)
	if err != nil {
		return nil, errors.InternalError("failed to list inbound policies", err)
	}
	defer rows.Close()

	var policies []*storage.InboundPolicy
	for rows.Next() {
		policy, err := scanInboundPolicy(rows)
		if err != nil {
			return nil, errors.InternalError("failed to scan inbound policy", err)
		}
		policies = append(policies, policy)
	}
	return policies, rows.Err()
}

func (a *Adapter) UpdateInboundPolicy(ctx context.Context, policy *storage.InboundPolicy) error {
	policy.UpdatedAt = time.Now()

	tag, err := a.pool.Exec(ctx, `
		UPDATE inbound_policies
		SET pattern = $2, method = $3, mode = $4, adapter_id = $5, multi_tenant = $6, tenant_header = $7, priority = $8, active = $9, updated_at = $10
		WHERE id = $1`,
		policy.ID, policy.Pattern, policy.Method, policy.Mode, policy.AdapterID,
		policy.MultiTenant, policy.TenantHeader,
		policy.Priority, policy.Active, policy.UpdatedAt)
	if err != nil {
		return errors.InternalError("failed to update inbound policy", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFoundError("inbound policy")
	}
	return nil
}

func (a *Adapter) DeleteInboundPolicy(ctx context.Context, id string) error {
	tag, err := a.pool.Exec(ctx, `DELETE FROM inbound_policies WHERE id = $1`, id)
	if err != nil {
		return errors.InternalError("failed to delete inbound policy", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFoundError("inbound policy")
	}
	return nil
}

// Audit log

func (a *Adapter) InsertAuditRecord(ctx context.Context, record *storage.AuditRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	_, err := a.pool.Exec(ctx, `
		INSERT INTO auth_audit_log (id, adapter_id, event, detail, request_path, method, caller_ip, user_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		record.ID, record.AdapterID, record.Event, record.Detail,
		record.RequestPath, record.Method, record.CallerIP, record.UserID, record.CreatedAt)
	if err != nil {
		return errors.InternalError("failed to insert audit record", err)
	}
	return nil
}

func (a *Adapter) ListAuditRecords(ctx context.Context, adapterID string, limit int) ([]*storage.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := a.pool.Query(ctx, `
		SELECT id, adapter_id, event, detail, request_path, method, caller_ip, user_id, created_at
		FROM auth_audit_log
		WHERE ($1 = '' OR adapter_id = $1)
		ORDER BY created_at DESC
		LIMIT $2`, adapterID, limit)
	if err != nil {
		return nil, errors.InternalError("failed to list audit records", err)
	}
	defer rows.Close()

	var records []*storage.AuditRecord
	for rows.Next() {
		record := &storage.AuditRecord{}
		if err := rows.Scan(&record.ID, &record.AdapterID, &record.Event,
			&record.Detail, &record.RequestPath, &record.Method,
			&record.CallerIP, &record.UserID, &record.CreatedAt); err != nil {
			return nil, errors.InternalError("failed to scan audit record", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Scan helpers

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredentialConfig(row rowScanner) (*storage.CredentialConfig, error) {
	config := &storage.CredentialConfig{}
	var settings []byte

	if err := row.Scan(&config.ID, &config.Name, &config.Kind, &settings,
		&config.EncryptedSecrets, &config.Active, &config.CreatedAt, &config.UpdatedAt); err != nil {
		return nil, err
	}

	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &config.Settings); err != nil {
			return nil, err
		}
	}
	return config, nil
}

func scanTokenEntry(row rowScanner) (*storage.TokenEntry, error) {
	entry := &storage.TokenEntry{}
	var expiresAt, issuedAt *time.Time

	if err := row.Scan(&entry.AdapterID, &entry.AccessToken, &entry.TokenType,
		&expiresAt, &issuedAt, &entry.SessionData, &entry.LastUsedAt,
		&entry.RefreshInFlight, &entry.RefreshStartedAt, &entry.Version, &entry.UpdatedAt); err != nil {
		return nil, err
	}

	if expiresAt != nil {
		entry.ExpiresAt = *expiresAt
	}
	if issuedAt != nil {
		entry.IssuedAt = *issuedAt
	}
	return entry, nil
}

func scanInboundPolicy(row rowScanner) (*storage.InboundPolicy, error) {
	policy := &storage.InboundPolicy{}
	if err := row.Scan(&policy.ID, &policy.Pattern, &policy.Method, &policy.Mode,
		&policy.AdapterID, &policy.MultiTenant, &policy.TenantHeader,
		&policy.Priority, &policy.Active,
		&policy.CreatedAt, &policy.UpdatedAt); err != nil {
		return nil, err
	}
	return policy, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
