// Package sqlite implements the storage interface on SQLite for
// single-instance deployments. The CAS semantics match the postgres
// backend; WAL mode plus a busy timeout keeps concurrent writers safe.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"auth-broker/internal/common/errors"
	"auth-broker/internal/storage"
)

type Adapter struct {
	db     *sql.DB
	config *Config
}

func NewAdapter(config *Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid SQLite config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.GetConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	adapter := &Adapter{
		db:     db,
		config: config,
	}

	if err := adapter.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return adapter, nil
}

func (a *Adapter) migrate() error {
	_, err := a.db.Exec(`
CREATE TABLE IF NOT EXISTS credential_configs (
	id TEXT PRIMARY KEY,
	name TEXT UNIQUE NOT NULL,
	kind TEXT NOT NULL,
	settings TEXT NOT NULL DEFAULT '{}',
	encrypted_secrets TEXT NOT NULL DEFAULT '',
	active INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS token_cache (
	adapter_id TEXT PRIMARY KEY,
	access_token TEXT NOT NULL DEFAULT '',
	token_type TEXT NOT NULL DEFAULT '',
	expires_at DATETIME,
	issued_at DATETIME,
	session_data TEXT NOT NULL DEFAULT '',
	last_used_at DATETIME,
	refresh_in_flight INTEGER NOT NULL DEFAULT 0,
	refresh_started_at DATETIME,
	version INTEGER NOT NULL DEFAULT 1,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS inbound_policies (
	id TEXT PRIMARY KEY,
	pattern TEXT NOT NULL,
	method TEXT NOT NULL DEFAULT '',
	mode TEXT NOT NULL,
	adapter_id TEXT NOT NULL DEFAULT '',
	multi_tenant INTEGER NOT NULL DEFAULT 0,
	tenant_header TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
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
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_token_cache_expires ON token_cache (expires_at);
CREATE INDEX IF NOT EXISTS idx_audit_adapter ON auth_audit_log (adapter_id, created_at);
`)
	return err
}

func (a *Adapter) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

func (a *Adapter) Health(ctx context.Context) error {
	return a.db.PingContext(ctx)
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

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO credential_configs (id, name, kind, settings, encrypted_secrets, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		config.ID, config.Name, config.Kind, string(settings), config.EncryptedSecrets,
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
	row := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, name, kind, settings, encrypted_secrets, active, created_at, updated_at
		FROM credential_configs WHERE %s = ?`, column), value)

	config, err := scanCredentialConfig(row)
	if err == sql.ErrNoRows {
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
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY name`

	rows, err := a.db.QueryContext(ctx, query)
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

	result, err := a.db.ExecContext(ctx, `
		UPDATE credential_configs
		SET name = ?, kind = ?, settings = ?, encrypted_secrets = ?, active = ?, updated_at = ?
		WHERE id = ?`,
		config.Name, config.Kind, string(settings), config.EncryptedSecrets,
		config.Active, config.UpdatedAt, config.ID)
	if err != nil {
		return errors.InternalError("failed to update credential config", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return errors.NotFoundError("credential config")
	}
	return nil
}

func (a *Adapter) DeleteCredentialConfig(ctx context.Context, id string) error {
	result, err := a.db.ExecContext(ctx, `DELETE FROM credential_configs WHERE id = ?`, id)
	if err != nil {
		return errors.InternalError("failed to delete credential config", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return errors.NotFoundError("credential config")
	}
	return nil
}

// Token cache

func (a *Adapter) GetTokenEntry(ctx context.Context, adapterID string) (*storage.TokenEntry, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT adapter_id, access_token, token_type, expires_at, issued_at, session_data,
		       last_used_at, refresh_in_flight, refresh_started_at, version, updated_at
		FROM token_cache WHERE adapter_id = ?`, adapterID)

	entry, err := scanTokenEntry(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundError("token entry")
	}
	if err != nil {
		return nil, errors.InternalError("failed to get token entry", err)
	}
	return entry, nil
}

func (a *Adapter) CreateTokenPlaceholder(ctx context.Context, adapterID string) (bool, error) {
	now := time.Now()
	result, err := a.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO token_cache (adapter_id, refresh_in_flight, refresh_started_at, version, updated_at)
		VALUES (?, 1, ?, 1, ?)`, adapterID, now, now)
	if err != nil {
		return false, errors.InternalError("failed to create token placeholder", err)
	}
	affected, _ := result.RowsAffected()
	return affected == 1, nil
}

func (a *Adapter) ClaimRefresh(ctx context.Context, adapterID string, expectedVersion int64) (bool, error) {
	now := time.Now()
	result, err := a.db.ExecContext(ctx, `
		UPDATE token_cache
		SET refresh_in_flight = 1, refresh_started_at = ?, updated_at = ?
		WHERE adapter_id = ? AND version = ? AND refresh_in_flight = 0`,
		now, now, adapterID, expectedVersion)
	if err != nil {
		return false, errors.InternalError("failed to claim refresh", err)
	}
	affected, _ := result.RowsAffected()
	return affected == 1, nil
}

func (a *Adapter) CompleteRefresh(ctx context.Context, entry *storage.TokenEntry, expectedVersion int64) (bool, error) {
	result, err := a.db.ExecContext(ctx, `
		UPDATE token_cache
		SET access_token = ?, token_type = ?, expires_at = ?, issued_at = ?,
		    session_data = ?, refresh_in_flight = 0, refresh_started_at = NULL,
		    version = version + 1, updated_at = ?
		WHERE adapter_id = ? AND version = ?`,
		entry.AccessToken, entry.TokenType,
		nullableTime(entry.ExpiresAt), nullableTime(entry.IssuedAt),
		entry.SessionData, time.Now(), entry.AdapterID, expectedVersion)
	if err != nil {
		return false, errors.InternalError("failed to complete refresh", err)
	}
	affected, _ := result.RowsAffected()
	return affected == 1, nil
}

func (a *Adapter) AbortRefresh(ctx context.Context, adapterID string, expectedVersion int64) (bool, error) {
	result, err := a.db.ExecContext(ctx, `
		UPDATE token_cache
		SET refresh_in_flight = 0, refresh_started_at = NULL, updated_at = ?
		WHERE adapter_id = ? AND version = ? AND refresh_in_flight = 1`,
		time.Now(), adapterID, expectedVersion)
	if err != nil {
		return false, errors.InternalError("failed to abort refresh", err)
	}
	affected, _ := result.RowsAffected()
	return affected == 1, nil
}

func (a *Adapter) ClearStaleRefresh(ctx context.Context, adapterID string, olderThan time.Duration) (bool, error) {
	cutoff := time.Now().Add(-olderThan)
	// Version bump fences out the crashed holder if it comes back
	result, err := a.db.ExecContext(ctx, `
		UPDATE token_cache
		SET refresh_in_flight = 0, refresh_started_at = NULL,
		    version = version + 1, updated_at = ?
		WHERE adapter_id = ? AND refresh_in_flight = 1 AND refresh_started_at < ?`,
		time.Now(), adapterID, cutoff)
	if err != nil {
		return false, errors.InternalError("failed to clear stale refresh", err)
	}
	affected, _ := result.RowsAffected()
	return affected == 1, nil
}

func (a *Adapter) UpdateSessionData(ctx context.Context, adapterID string, sessionData string, expectedVersion int64) (bool, error) {
	result, err := a.db.ExecContext(ctx, `
		UPDATE token_cache
		SET session_data = ?, version = version + 1, updated_at = ?
		WHERE adapter_id = ? AND version = ?`,
		sessionData, time.Now(), adapterID, expectedVersion)
	if err != nil {
		return false, errors.InternalError("failed to update session data", err)
	}
	affected, _ := result.RowsAffected()
	return affected == 1, nil
}

func (a *Adapter) TouchTokenEntry(ctx context.Context, adapterID string, at time.Time) error {
	_, err := a.db.ExecContext(ctx, `
		UPDATE token_cache SET last_used_at = ? WHERE adapter_id = ?`, at, adapterID)
	if err != nil {
		return errors.InternalError("failed to touch token entry", err)
	}
	return nil
}

func (a *Adapter) DeleteTokenEntry(ctx context.Context, adapterID string) error {
	_, err := a.db.ExecContext(ctx, `DELETE FROM token_cache WHERE adapter_id = ?`, adapterID)
	if err != nil {
		return errors.InternalError("failed to delete token entry", err)
	}
	return nil
}

func (a *Adapter) ListExpiringTokens(ctx context.Context, within time.Duration) ([]*storage.TokenEntry, error) {
	deadline := time.Now().Add(within)
	rows, err := a.db.QueryContext(ctx, `
		SELECT adapter_id, access_token, token_type, expires_at, issued_at, session_data,
		       last_used_at, refresh_in_flight, refresh_started_at, version, updated_at
		FROM token_cache
		WHERE expires_at IS NOT NULL AND expires_at < ?
		  AND refresh_in_flight = 0 AND access_token <> ''
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

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO inbound_policies (id, pattern, method, mode, adapter_id, multi_tenant, tenant_header, priority, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		policy.ID, policy.Pattern, policy.Method, policy.Mode, policy.AdapterID,
		policy.MultiTenant, policy.TenantHeader,
		policy.Priority, policy.Active, policy.CreatedAt, policy.UpdatedAt)
	if err != nil {
		return errors.InternalError("failed to create inbound policy", err)
	}
	return nil
}

func (a *Adapter) GetInboundPolicy(ctx context.Context, id string) (*storage.InboundPolicy, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT id, pattern, method, mode, adapter_id, multi_tenant, tenant_header, priority, active, created_at, updated_at
		FROM inbound_policies WHERE id = ?`, id)

	policy, err := scanInboundPolicy(row)
	if err == sql.ErrNoRows {
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
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY priority, id`

	rows, err := a.db.QueryContext(ctx, query)
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

	result, err := a.db.ExecContext(ctx, `
		UPDATE inbound_policies
		SET pattern = ?, method = ?, mode = ?, adapter_id = ?, multi_tenant = ?, tenant_header = ?, priority = ?, active = ?, updated_at = ?
		WHERE id = ?`,
		policy.Pattern, policy.Method, policy.Mode, policy.AdapterID,
		policy.MultiTenant, policy.TenantHeader,
		policy.Priority, policy.Active, policy.UpdatedAt, policy.ID)
	if err != nil {
		return errors.InternalError("failed to update inbound policy", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return errors.NotFoundError("inbound policy")
	}
	return nil
}

func (a *Adapter) DeleteInboundPolicy(ctx context.Context, id string) error {
	result, err := a.db.ExecContext(ctx, `DELETE FROM inbound_policies WHERE id = ?`, id)
	if err != nil {
		return errors.InternalError("failed to delete inbound policy", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return errors.NotFoundError("inbound policy")
	}
	return nil
}

// Audit log

func (a *Adapter) InsertAuditRecord(ctx context.Context, record *storage.AuditRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO auth_audit_log (id, adapter_id, event, detail, request_path, method, caller_ip, user_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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

	rows, err := a.db.QueryContext(ctx, `
		SELECT id, adapter_id, event, detail, request_path, method, caller_ip, user_id, created_at
		FROM auth_audit_log
		WHERE (? = '' OR adapter_id = ?)
		ORDER BY created_at DESC
		LIMIT ?`, adapterID, adapterID, limit)
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
	var settings string

	if err := row.Scan(&config.ID, &config.Name, &config.Kind, &settings,
		&config.EncryptedSecrets, &config.Active, &config.CreatedAt, &config.UpdatedAt); err != nil {
		return nil, err
	}

	if settings != "" {
		if err := json.Unmarshal([]byte(settings), &config.Settings); err != nil {
			return nil, err
		}
	}
	return config, nil
}

func scanTokenEntry(row rowScanner) (*storage.TokenEntry, error) {
	entry := &storage.TokenEntry{}
	var expiresAt, issuedAt, lastUsedAt, refreshStartedAt sql.NullTime

	if err := row.Scan(&entry.AdapterID, &entry.AccessToken, &entry.TokenType,
		&expiresAt, &issuedAt, &entry.SessionData, &lastUsedAt,
		&entry.RefreshInFlight, &refreshStartedAt, &entry.Version, &entry.UpdatedAt); err != nil {
		return nil, err
	}

	if expiresAt.Valid {
		entry.ExpiresAt = expiresAt.Time
	}
	if issuedAt.Valid {
		entry.IssuedAt = issuedAt.Time
	}
	if lastUsedAt.Valid {
		entry.LastUsedAt = &lastUsedAt.Time
	}
	if refreshStartedAt.Valid {
		entry.RefreshStartedAt = &refreshStartedAt.Time
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

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
