// Package lifecycle implements the token lifecycle coordinator: the
// single authority over the shared token cache. All reads decrypt
// through here, and all refreshes go through the cross-process
// compare-and-swap protocol, so at most one refresh per credential runs
// at a time across every broker instance.
package lifecycle

import (
	"context"
	"encoding/json"
	"time"

	"auth-broker/internal/adapters"
	"auth-broker/internal/common/errors"
	"auth-broker/internal/common/logging"
	"auth-broker/internal/common/utils"
	"auth-broker/internal/crypto"
	"auth-broker/internal/storage"
)

const (
	// An in-flight flag older than this belongs to a crashed or hung
	// holder and may be force-cleared.
	defaultStaleAfter = 60 * time.Second

	// Bounded wait for a sibling's refresh to finish before giving up
	// with refresh_in_progress.
	defaultWaitStep = 500 * time.Millisecond
	defaultWaitMax  = 6

	// Session-data key holding the encrypted refresh token. Stripped
	// from session data handed to callers.
	sessionKeyRefreshToken = "refresh_token"
)

// Token is a decrypted, usable credential handed to callers.
type Token struct {
	AdapterID   string
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time
	SessionData map[string]interface{}

	// Version is the cache version the token was read at. Mutations
	// made on its basis must pass it back as the CAS guard.
	Version int64
}

// Coordinator mediates every token cache access.
type Coordinator struct {
	store     storage.Storage
	encryptor *crypto.SecretEncryptor
	logger    logging.Logger

	staleAfter time.Duration
	waitStep   time.Duration
	waitMax    int

	now func() time.Time
}

// NewCoordinator creates a coordinator over the given storage.
func NewCoordinator(store storage.Storage, encryptor *crypto.SecretEncryptor, logger logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Coordinator{
		store:      store,
		encryptor:  encryptor,
		logger:     logger,
		staleAfter: defaultStaleAfter,
		waitStep:   defaultWaitStep,
		waitMax:    defaultWaitMax,
		now:        time.Now,
	}
}

// GetValidToken returns the cached token for an adapter if it is still
// usable. Hard-expired and idle-expired entries are deleted and read as
// missing; a missing or placeholder entry with a refresh in flight is
// waited on briefly before giving up with refresh_in_progress.
//
// idleTimeout of zero disables idle checking.
func (c *Coordinator) GetValidToken(ctx context.Context, adapterID string, idleTimeout time.Duration) (*Token, error) {
	for attempt := 0; ; attempt++ {
		entry, err := c.store.GetTokenEntry(ctx, adapterID)
		if err != nil {
			return nil, err
		}

		usable, err := c.checkUsable(ctx, entry, idleTimeout)
		if err != nil {
			return nil, err
		}
		if usable {
			return c.materialize(ctx, entry)
		}

		// No usable token. If nobody is refreshing, the caller has to
		// trigger one itself.
		if !entry.RefreshInFlight {
			return nil, errors.NotFoundError("valid token").WithContext("adapter_id", adapterID)
		}

		// A refresh is in flight. Stale holders are fenced out and the
		// entry re-read; live ones are waited on.
		if c.refreshIsStale(entry) {
			if err := c.clearStaleLock(ctx, adapterID); err != nil {
				return nil, err
			}
			continue
		}

		if attempt >= c.waitMax {
			return nil, errors.RefreshInProgressError(adapterID)
		}

		select {
		case <-ctx.Done():
			return nil, errors.InternalError("token wait cancelled", ctx.Err())
		case <-time.After(c.waitStep):
		}
	}
}

// checkUsable applies expiry and idle rules, deleting entries that
// failed them. A placeholder without token material is never usable.
func (c *Coordinator) checkUsable(ctx context.Context, entry *storage.TokenEntry, idleTimeout time.Duration) (bool, error) {
	if !entry.HasToken() {
		return false, nil
	}

	now := c.now()

	if entry.Expired(now) {
		if err := c.store.DeleteTokenEntry(ctx, entry.AdapterID); err != nil {
			return false, err
		}
		return false, nil
	}

	if idleTimeout > 0 {
		lastUsed := entry.IssuedAt
		if entry.LastUsedAt != nil {
			lastUsed = *entry.LastUsedAt
		}
		if !lastUsed.IsZero() && now.Sub(lastUsed) > idleTimeout {
			if err := c.store.DeleteTokenEntry(ctx, entry.AdapterID); err != nil {
				return false, err
			}
			return false, nil
		}
	}

	return true, nil
}

// materialize decrypts the entry and records the access.
func (c *Coordinator) materialize(ctx context.Context, entry *storage.TokenEntry) (*Token, error) {
	accessToken, err := c.encryptor.Decrypt(entry.AccessToken)
	if err != nil {
		return nil, errors.InternalError("failed to decrypt cached token", err).
			WithContext("adapter_id", entry.AdapterID)
	}

	sessionData, err := decodeSession(entry.SessionData)
	if err != nil {
		return nil, err
	}
	delete(sessionData, sessionKeyRefreshToken)

	// Sliding idle window; failures only cost timeout precision
	if err := c.store.TouchTokenEntry(ctx, entry.AdapterID, c.now()); err != nil {
		c.logger.Warn("Failed to touch token entry",
			logging.Field{Key: "adapter_id", Value: entry.AdapterID},
			logging.Field{Key: "error", Value: err.Error()},
		)
	}

	return &Token{
		AdapterID:   entry.AdapterID,
		AccessToken: accessToken,
		TokenType:   entry.TokenType,
		ExpiresAt:   entry.ExpiresAt,
		SessionData: sessionData,
		Version:     entry.Version,
	}, nil
}

// CurrentToken implements adapters.TokenLookup. The idle timeout comes
// from the adapter's own credential config. Session data is returned
// alongside the token so validation can surface the bound identity.
func (c *Coordinator) CurrentToken(ctx context.Context, adapterID string) (string, map[string]interface{}, error) {
	config, err := c.store.GetCredentialConfig(ctx, adapterID)
	if err != nil {
		return "", nil, err
	}

	token, err := c.GetValidToken(ctx, adapterID, adapters.IdleTimeout(config))
	if err != nil {
		return "", nil, err
	}

	return token.AccessToken, token.SessionData, nil
}

// RefreshWithLock runs one coordinated refresh for the adapter. It
// returns true when this call won the race and wrote a fresh token,
// false (with a nil error) when another process holds or won the
// refresh, and an error when this call won but the fetch failed.
//
// The adapter's fetch only ever runs after the claim succeeded, so a
// single-use refresh token can never be spent twice.
func (c *Coordinator) RefreshWithLock(ctx context.Context, adapter adapters.Adapter) (bool, error) {
	adapterID := adapter.ID()

	entry, err := c.store.GetTokenEntry(ctx, adapterID)
	if err != nil && !errors.IsType(err, errors.ErrTypeNotFound) {
		return false, err
	}

	var expectedVersion int64
	var prior *adapters.Prior

	switch {
	case err != nil:
		// No row yet. The placeholder insert is the claim; the unique
		// key makes the first writer win.
		created, err := c.store.CreateTokenPlaceholder(ctx, adapterID)
		if err != nil {
			return false, err
		}
		if !created {
			return false, nil
		}
		expectedVersion = 1

	case entry.RefreshInFlight:
		if !c.refreshIsStale(entry) {
			return false, nil
		}
		if err := c.clearStaleLock(ctx, adapterID); err != nil {
			return false, err
		}

		fresh, err := c.store.GetTokenEntry(ctx, adapterID)
		if err != nil {
			return false, err
		}
		claimed, err := c.store.ClaimRefresh(ctx, adapterID, fresh.Version)
		if err != nil {
			return false, err
		}
		if !claimed {
			return false, nil
		}
		expectedVersion = fresh.Version
		prior = c.priorFrom(fresh)

	default:
		claimed, err := c.store.ClaimRefresh(ctx, adapterID, entry.Version)
		if err != nil {
			return false, err
		}
		if !claimed {
			return false, nil
		}
		expectedVersion = entry.Version
		prior = c.priorFrom(entry)
	}

	return c.executeRefresh(ctx, adapter, prior, expectedVersion)
}

// executeRefresh runs the fetch as the claim winner and settles the
// cache row either way.
func (c *Coordinator) executeRefresh(ctx context.Context, adapter adapters.Adapter, prior *adapters.Prior, expectedVersion int64) (bool, error) {
	adapterID := adapter.ID()

	issued, err := adapter.FetchFreshToken(ctx, prior)
	if err != nil {
		if _, abortErr := c.store.AbortRefresh(ctx, adapterID, expectedVersion); abortErr != nil {
			c.logger.Error("Failed to release refresh claim", abortErr,
				logging.Field{Key: "adapter_id", Value: adapterID},
			)
		}
		c.audit(ctx, adapterID, storage.EventRefreshFailed, err.Error())

		if errors.GetCode(err) == errors.CodeRefreshFailed || errors.GetCode(err) == errors.CodeCredentialsMissing {
			return false, err
		}
		return false, errors.RefreshFailedError(adapterID, err)
	}

	encryptedToken, err := c.encryptor.Encrypt(issued.AccessToken)
	if err != nil {
		c.store.AbortRefresh(ctx, adapterID, expectedVersion)
		return false, errors.InternalError("failed to encrypt token", err).
			WithContext("adapter_id", adapterID)
	}

	sessionData, err := c.buildSessionData(issued, prior)
	if err != nil {
		c.store.AbortRefresh(ctx, adapterID, expectedVersion)
		return false, err
	}

	now := c.now()
	fresh := &storage.TokenEntry{
		AdapterID:   adapterID,
		AccessToken: encryptedToken,
		TokenType:   issued.TokenType,
		IssuedAt:    now,
		SessionData: sessionData,
	}
	if issued.ExpiresIn > 0 {
		fresh.ExpiresAt = now.Add(issued.ExpiresIn)
	}

	done, err := c.store.CompleteRefresh(ctx, fresh, expectedVersion)
	if err != nil {
		return false, err
	}
	if !done {
		// Fenced out: a stale-lock recovery bumped the version while
		// the fetch ran. The token written by the successor stands.
		c.logger.Warn("Refresh result discarded after losing the version race",
			logging.Field{Key: "adapter_id", Value: adapterID},
		)
		return false, nil
	}

	c.audit(ctx, adapterID, storage.EventRefreshSucceeded, "")
	return true, nil
}

// Invalidate drops the cached token for an adapter. Missing entries are
// fine; the point is that the next read misses.
func (c *Coordinator) Invalidate(ctx context.Context, adapterID string) error {
	if err := c.store.DeleteTokenEntry(ctx, adapterID); err != nil {
		return err
	}

	c.audit(ctx, adapterID, storage.EventTokenInvalidated, "")
	return nil
}

// ExpiringSoon lists cache entries expiring within the threshold, for
// the renewal worker.
func (c *Coordinator) ExpiringSoon(ctx context.Context, threshold time.Duration) ([]*storage.TokenEntry, error) {
	return c.store.ListExpiringTokens(ctx, threshold)
}

// AttachSessionData merges data into the entry's session payload. Used
// by login flows to bind a user to a freshly minted session token.
func (c *Coordinator) AttachSessionData(ctx context.Context, adapterID string, data map[string]interface{}) error {
	const casAttempts = 3

	for i := 0; i < casAttempts; i++ {
		entry, err := c.store.GetTokenEntry(ctx, adapterID)
		if err != nil {
			return err
		}

		merged, err := decodeSession(entry.SessionData)
		if err != nil {
			return err
		}
		for k, v := range data {
			merged[k] = v
		}

		encoded, err := encodeSession(merged)
		if err != nil {
			return err
		}

		updated, err := c.store.UpdateSessionData(ctx, adapterID, encoded, entry.Version)
		if err != nil {
			return err
		}
		if updated {
			return nil
		}
	}

	return errors.ConflictError("session data update lost the version race").
		WithContext("adapter_id", adapterID)
}

func (c *Coordinator) refreshIsStale(entry *storage.TokenEntry) bool {
	if entry.RefreshStartedAt == nil {
		return true
	}
	return c.now().Sub(*entry.RefreshStartedAt) > c.staleAfter
}

func (c *Coordinator) clearStaleLock(ctx context.Context, adapterID string) error {
	cleared, err := c.store.ClearStaleRefresh(ctx, adapterID, c.staleAfter)
	if err != nil {
		return err
	}

	if cleared {
		c.logger.Warn("Cleared abandoned refresh lock",
			logging.Field{Key: "adapter_id", Value: adapterID},
		)
		c.audit(ctx, adapterID, storage.EventStaleLockCleared, "")
	}

	return nil
}

// priorFrom decrypts the previous entry's material for the next fetch.
// Decryption failures degrade to a nil prior rather than blocking the
// refresh: the fetch falls back to its primary grant.
func (c *Coordinator) priorFrom(entry *storage.TokenEntry) *adapters.Prior {
	if entry == nil || entry.SessionData == "" {
		return nil
	}

	sessionData, err := decodeSession(entry.SessionData)
	if err != nil {
		return nil
	}

	prior := &adapters.Prior{SessionData: sessionData}

	if enc, ok := sessionData[sessionKeyRefreshToken].(string); ok && enc != "" {
		refreshToken, err := c.encryptor.Decrypt(enc)
		if err != nil {
			c.logger.Warn("Failed to decrypt cached refresh token",
				logging.Field{Key: "adapter_id", Value: entry.AdapterID},
			)
		} else {
			prior.RefreshToken = refreshToken
		}
		delete(sessionData, sessionKeyRefreshToken)
	}

	return prior
}

// buildSessionData folds the issue result into a session payload,
// carrying the refresh token encrypted. An authority that did not
// rotate the refresh token keeps the prior one.
func (c *Coordinator) buildSessionData(issued *adapters.Issued, prior *adapters.Prior) (string, error) {
	session := make(map[string]interface{})
	for k, v := range issued.SessionData {
		session[k] = v
	}

	refreshToken := issued.RefreshToken
	if refreshToken == "" && prior != nil {
		refreshToken = prior.RefreshToken
	}

	if refreshToken != "" {
		enc, err := c.encryptor.Encrypt(refreshToken)
		if err != nil {
			return "", errors.InternalError("failed to encrypt refresh token", err)
		}
		session[sessionKeyRefreshToken] = enc
	}

	if len(session) == 0 {
		return "", nil
	}

	return encodeSession(session)
}

func (c *Coordinator) audit(ctx context.Context, adapterID, event, detail string) {
	id, err := utils.GenerateID("audit")
	if err != nil {
		return
	}

	record := &storage.AuditRecord{
		ID:        id,
		AdapterID: adapterID,
		Event:     event,
		Detail:    detail,
	}

	if err := c.store.InsertAuditRecord(ctx, record); err != nil {
		c.logger.Warn("Failed to write audit record",
			logging.Field{Key: "adapter_id", Value: adapterID},
			logging.Field{Key: "event", Value: event},
		)
	}
}

func decodeSession(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return make(map[string]interface{}), nil
	}

	var session map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, errors.InternalError("malformed session data", err)
	}

	return session, nil
}

func encodeSession(session map[string]interface{}) (string, error) {
	encoded, err := json.Marshal(session)
	if err != nil {
		return "", errors.InternalError("failed to encode session data", err)
	}

	return string(encoded), nil
}
