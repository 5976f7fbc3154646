// Package testutil provides shared test doubles.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"auth-broker/internal/common/errors"
	"auth-broker/internal/storage"
)

// MockStorage is an in-memory Storage implementation for tests.
// Set ErrorOnMethod["MethodName"] to force a specific call to fail.
type MockStorage struct {
	mu sync.Mutex

	Configs  map[string]*storage.CredentialConfig
	Tokens   map[string]*storage.TokenEntry
	Policies map[string]*storage.InboundPolicy
	Audit    []*storage.AuditRecord

	ErrorOnMethod map[string]error
	Closed        bool
}

func NewMockStorage() *MockStorage {
	return &MockStorage{
		Configs:       make(map[string]*storage.CredentialConfig),
		Tokens:        make(map[string]*storage.TokenEntry),
		Policies:      make(map[string]*storage.InboundPolicy),
		ErrorOnMethod: make(map[string]error),
	}
}

func (m *MockStorage) injectedError(method string) error {
	if err, ok := m.ErrorOnMethod[method]; ok {
		return err
	}
	return nil
}

func (m *MockStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

func (m *MockStorage) Health(ctx context.Context) error {
	return m.injectedError("Health")
}

// Credential configurations

func (m *MockStorage) CreateCredentialConfig(ctx context.Context, config *storage.CredentialConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedError("CreateCredentialConfig"); err != nil {
		return err
	}
	now := time.Now()
	config.CreatedAt = now
	config.UpdatedAt = now
	copied := *config
	m.Configs[config.ID] = &copied
	return nil
}

func (m *MockStorage) GetCredentialConfig(ctx context.Context, id string) (*storage.CredentialConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedError("GetCredentialConfig"); err != nil {
		return nil, err
	}
	config, ok := m.Configs[id]
	if !ok {
		return nil, errors.NotFoundError("credential config")
	}
	copied := *config
	return &copied, nil
}

func (m *MockStorage) GetCredentialConfigByName(ctx context.Context, name string) (*storage.CredentialConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedError("GetCredentialConfigByName"); err != nil {
		return nil, err
	}
	for _, config := range m.Configs {
		if config.Name == name {
			copied := *config
			return &copied, nil
		}
	}
	return nil, errors.NotFoundError("credential config")
}

func (m *MockStorage) ListCredentialConfigs(ctx context.Context, activeOnly bool) ([]*storage.CredentialConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedError("ListCredentialConfigs"); err != nil {
		return nil, err
	}
	var configs []*storage.CredentialConfig
	for _, config := range m.Configs {
		if activeOnly && !config.Active {
			continue
		}
		copied := *config
		configs = append(configs, &copied)
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].Name < configs[j].Name })
	return configs, nil
}

func (m *MockStorage) UpdateCredentialConfig(ctx context.Context, config *storage.CredentialConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedError("UpdateCredentialConfig"); err != nil {
		return err
	}
	if _, ok := m.Configs[config.ID]; !ok {
		return errors.NotFoundError("credential config")
	}
	config.UpdatedAt = time.Now()
	copied := *config
	m.Configs[config.ID] = &copied
	return nil
}

func (m *MockStorage) DeleteCredentialConfig(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedError("DeleteCredentialConfig"); err != nil {
		return err
	}
	if _, ok := m.Configs[id]; !ok {
		return errors.NotFoundError("credential config")
	}
	delete(m.Configs, id)
	return nil
}

// Token cache

func (m *MockStorage) GetTokenEntry(ctx context.Context, adapterID string) (*storage.TokenEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedError("GetTokenEntry"); err != nil {
		return nil, err
	}
	entry, ok := m.Tokens[adapterID]
	if !ok {
		return nil, errors.NotFoundError("token entry")
	}
	copied := *entry
	return &copied, nil
}

func (m *MockStorage) CreateTokenPlaceholder(ctx context.Context, adapterID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedError("CreateTokenPlaceholder"); err != nil {
		return false, err
	}
	if _, ok := m.Tokens[adapterID]; ok {
		return false, nil
	}
	now := time.Now()
	m.Tokens[adapterID] = &storage.TokenEntry{
		AdapterID:        adapterID,
		RefreshInFlight:  true,
		RefreshStartedAt: &now,
		Version:          1,
		UpdatedAt:        now,
	}
	return true, nil
}

func (m *MockStorage) ClaimRefresh(ctx context.Context, adapterID string, expectedVersion int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedError("ClaimRefresh"); err != nil {
		return false, err
	}
	entry, ok := m.Tokens[adapterID]
	if !ok || entry.Version != expectedVersion || entry.RefreshInFlight {
		return false, nil
	}
	now := time.Now()
	entry.RefreshInFlight = true
	entry.RefreshStartedAt = &now
	entry.UpdatedAt = now
	return true, nil
}

func (m *MockStorage) CompleteRefresh(ctx context.Context, updated *storage.TokenEntry, expectedVersion int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedError("CompleteRefresh"); err != nil {
		return false, err
	}
	entry, ok := m.Tokens[updated.AdapterID]
	if !ok || entry.Version != expectedVersion {
		return false, nil
	}
	entry.AccessToken = updated.AccessToken
	entry.TokenType = updated.TokenType
	entry.ExpiresAt = updated.ExpiresAt
	entry.IssuedAt = updated.IssuedAt
	entry.SessionData = updated.SessionData
	entry.RefreshInFlight = false
	entry.RefreshStartedAt = nil
	entry.Version++
	entry.UpdatedAt = time.Now()
	return true, nil
}

func (m *MockStorage) AbortRefresh(ctx context.Context, adapterID string, expectedVersion int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedError("AbortRefresh"); err != nil {
		return false, err
	}
	entry, ok := m.Tokens[adapterID]
	if !ok || entry.Version != expectedVersion || !entry.RefreshInFlight {
		return false, nil
	}
	entry.RefreshInFlight = false
	entry.RefreshStartedAt = nil
	entry.UpdatedAt = time.Now()
	return true, nil
}

func (m *MockStorage) ClearStaleRefresh(ctx context.Context, adapterID string, olderThan time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedError("ClearStaleRefresh"); err != nil {
		return false, err
	}
	entry, ok := m.Tokens[adapterID]
	if !ok || !entry.RefreshInFlight || entry.RefreshStartedAt == nil {
		return false, nil
	}
	if !entry.RefreshStartedAt.Before(time.Now().Add(-olderThan)) {
		return false, nil
	}
	entry.RefreshInFlight = false
	entry.RefreshStartedAt = nil
	entry.Version++
	entry.UpdatedAt = time.Now()
	return true, nil
}

func (m *MockStorage) UpdateSessionData(ctx context.Context, adapterID string, sessionData string, expectedVersion int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedError("UpdateSessionData"); err != nil {
		return false, err
	}
	entry, ok := m.Tokens[adapterID]
	if !ok || entry.Version != expectedVersion {
		return false, nil
	}
	entry.SessionData = sessionData
	entry.Version++
	entry.UpdatedAt = time.Now()
	return true, nil
}

func (m *MockStorage) TouchTokenEntry(ctx context.Context, adapterID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedError("TouchTokenEntry"); err != nil {
		return err
	}
	if entry, ok := m.Tokens[adapterID]; ok {
		entry.LastUsedAt = &at
	}
	return nil
}

func (m *MockStorage) DeleteTokenEntry(ctx context.Context, adapterID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedError("DeleteTokenEntry"); err != nil {
		return err
	}
	delete(m.Tokens, adapterID)
	return nil
}

func (m *MockStorage) ListExpiringTokens(ctx context.Context, within time.Duration) ([]*storage.TokenEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedError("ListExpiringTokens"); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(within)
	var entries []*storage.TokenEntry
	for _, entry := range m.Tokens {
		if entry.RefreshInFlight || !entry.HasToken() || entry.ExpiresAt.IsZero() {
			continue
		}
		if entry.ExpiresAt.Before(deadline) {
			copied := *entry
			entries = append(entries, &copied)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ExpiresAt.Before(entries[j].ExpiresAt) })
	return entries, nil
}

// Inbound policies

func (m *MockStorage) CreateInboundPolicy(ctx context.Context, policy *storage.InboundPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedError("CreateInboundPolicy"); err != nil {
		return err
	}
	now := time.Now()
	policy.CreatedAt = now
	policy.UpdatedAt = now
	copied := *policy
	m.Policies[policy.ID] = &copied
	return nil
}

func (m *MockStorage) GetInboundPolicy(ctx context.Context, id string) (*storage.InboundPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedError("GetInboundPolicy"); err != nil {
		return nil, err
	}
	policy, ok := m.Policies[id]
	if !ok {
		return nil, errors.NotFoundError("inbound policy")
	}
	copied := *policy
	return &copied, nil
}

func (m *MockStorage) ListInboundPolicies(ctx context.Context, activeOnly bool) ([]*storage.InboundPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedError("ListInboundPolicies"); err != nil {
		return nil, err
	}
	var policies []*storage.InboundPolicy
	for _, policy := range m.Policies {
		if activeOnly && !policy.Active {
			continue
		}
		copied := *policy
		policies = append(policies, &copied)
	}
	sort.Slice(policies, func(i, j int) bool {
		if policies[i].Priority != policies[j].Priority {
			return policies[i].Priority < policies[j].Priority
		}
		return policies[i].ID < policies[j].ID
	})
	return policies, nil
}

func (m *MockStorage) UpdateInboundPolicy(ctx context.Context, policy *storage.InboundPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedError("UpdateInboundPolicy"); err != nil {
		return err
	}
	if _, ok := m.Policies[policy.ID]; !ok {
		return errors.NotFoundError("inbound policy")
	}
	policy.UpdatedAt = time.Now()
	copied := *policy
	m.Policies[policy.ID] = &copied
	return nil
}

func (m *MockStorage) DeleteInboundPolicy(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedError("DeleteInboundPolicy"); err != nil {
		return err
	}
	if _, ok := m.Policies[id]; !ok {
		return errors.NotFoundError("inbound policy")
	}
	delete(m.Policies, id)
	return nil
}

// Audit log

func (m *MockStorage) InsertAuditRecord(ctx context.Context, record *storage.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedError("InsertAuditRecord"); err != nil {
		return err
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	copied := *record
	m.Audit = append(m.Audit, &copied)
	return nil
}

func (m *MockStorage) ListAuditRecords(ctx context.Context, adapterID string, limit int) ([]*storage.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedError("ListAuditRecords"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	var records []*storage.AuditRecord
	for i := len(m.Audit) - 1; i >= 0 && len(records) < limit; i-- {
		record := m.Audit[i]
		if adapterID != "" && record.AdapterID != adapterID {
			continue
		}
		copied := *record
		records = append(records, &copied)
	}
	return records, nil
}

// AuditEvents returns the recorded event names in insertion order.
func (m *MockStorage) AuditEvents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := make([]string, 0, len(m.Audit))
	for _, record := range m.Audit {
		events = append(events, record.Event)
	}
	return events
}
