// Package session tracks refresh-token lineages: creation, rotation,
// revocation and retention. One session is one login; refresh tokens are
// opaque, stored only as hashes, and rotated on every use.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"authgrid.org/internal/auth"
	"authgrid.org/internal/cache"
	"authgrid.org/internal/ids"
	"authgrid.org/internal/locks"
	"authgrid.org/internal/obs"
)

const sessionKeyPrefix = "session:"

// Registry owns the session lifecycle. Mutations on one session serialize on
// a per-session lock; unrelated sessions never contend.
type Registry struct {
	store      auth.Store
	cache      *cache.Layered
	recorder   auth.Recorder
	locks      *locks.Keyed
	refreshTTL time.Duration
	grace      time.Duration
	now        func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithRefreshTTL overrides the refresh token (and session) lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.refreshTTL = ttl
		}
	}
}

// WithGracePeriod overrides how long expired sessions are retained before the
// sweep removes them.
func WithGracePeriod(grace time.Duration) Option {
	return func(r *Registry) {
		if grace > 0 {
			r.grace = grace
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

const (
	defaultRefreshTTL = 14 * 24 * time.Hour
	defaultGrace      = 24 * time.Hour
)

// NewRegistry constructs a Registry. sessionCache may be nil, in which case
// liveness checks always hit the store. recorder may be nil in tests.
func NewRegistry(store auth.Store, sessionCache *cache.Layered, recorder auth.Recorder, opts ...Option) *Registry {
	r := &Registry{
		store:      store,
		cache:      sessionCache,
		recorder:   recorder,
		locks:      locks.NewKeyed(),
		refreshTTL: defaultRefreshTTL,
		grace:      defaultGrace,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CacheKey returns the layered-cache key for a session id. The loader given
// to the session cache must resolve these keys through SessionLoader.
func CacheKey(sessionID string) string {
	return sessionKeyPrefix + sessionID
}

// SessionLoader builds a cache loader that resolves session cache keys from
// the store.
func SessionLoader(store auth.Store) cache.Loader {
	return func(ctx context.Context, key string) ([]byte, error) {
		id := strings.TrimPrefix(key, sessionKeyPrefix)
		sess, err := store.Sessions().Find(ctx, id)
		if err != nil {
			if errors.Is(err, auth.ErrNotFound) {
				return nil, cache.ErrNotFound
			}
			return nil, err
		}
		return json.Marshal(sess)
	}
}

// Create opens a new session for the identity and returns it with the raw
// refresh token. The raw token is never stored.
func (r *Registry) Create(ctx context.Context, identity *auth.Identity, fp auth.Fingerprint) (*auth.Session, string, error) {
	now := r.now().UTC()
	sess := &auth.Session{
		ID:          ids.NewAt(now),
		IdentityID:  identity.ID,
		TenantID:    identity.TenantID,
		IssuedAt:    now,
		ExpiresAt:   now.Add(r.refreshTTL),
		Fingerprint: fp,
		LastSeenAt:  now,
	}
	if err := r.store.Sessions().Create(ctx, sess); err != nil {
		return nil, "", err
	}
	raw, rec, err := r.newRefreshToken(sess, now)
	if err != nil {
		return nil, "", err
	}
	if err := r.store.RefreshTokens().Create(ctx, rec); err != nil {
		return nil, "", err
	}
	return sess, raw, nil
}

// Rotate exchanges a refresh token for the session's fresh state: the old
// token is invalidated and a new one issued in one indivisible step. If an
// already-rotated token is presented, the whole lineage is revoked and
// ErrReuseDetected returned.
func (r *Registry) Rotate(ctx context.Context, rawToken string, fp auth.Fingerprint) (*auth.Session, *auth.Identity, string, error) {
	tokenID, secret, err := splitRefreshToken(rawToken)
	if err != nil {
		return nil, nil, "", auth.ErrMalformed
	}

	rec, err := r.store.RefreshTokens().Find(ctx, tokenID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return nil, nil, "", auth.ErrUnauthorized
		}
		return nil, nil, "", err
	}

	r.locks.Lock(rec.SessionID)
	defer r.locks.Unlock(rec.SessionID)

	// Re-read under the lock: a concurrent rotation may have already
	// consumed this token.
	rec, err = r.store.RefreshTokens().Find(ctx, tokenID)
	if err != nil {
		return nil, nil, "", err
	}

	// The secret must match before any token state is acted on: a guessed
	// token id with a wrong secret must not tear down the lineage.
	if !secureCompareHash(rec.TokenHash, secret) {
		return nil, nil, "", auth.ErrUnauthorized
	}

	now := r.now().UTC()
	switch {
	case rec.Revoked:
		return nil, nil, "", auth.ErrRevoked
	case rec.Rotated:
		// Replay of a consumed token: tear down the lineage.
		if err := r.revokeLineage(ctx, rec); err != nil {
			return nil, nil, "", err
		}
		return nil, nil, "", auth.ErrReuseDetected
	case now.After(rec.ExpiresAt):
		return nil, nil, "", auth.ErrExpired
	}

	sess, err := r.store.Sessions().Find(ctx, rec.SessionID)
	if err != nil {
		return nil, nil, "", err
	}
	if !sess.Live(now) {
		if sess.Revoked {
			return nil, nil, "", auth.ErrRevoked
		}
		return nil, nil, "", auth.ErrExpired
	}

	identity, err := r.store.Identities().Find(ctx, sess.TenantID, sess.IdentityID)
	if err != nil {
		return nil, nil, "", err
	}
	if identity.Status != auth.StatusActive {
		return nil, nil, "", auth.ErrLocked
	}

	if err := r.store.RefreshTokens().MarkRotated(ctx, rec.ID); err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			// Another instance consumed the token between the read and the
			// conditional update. Same treatment as a replay.
			if rerr := r.revokeLineage(ctx, rec); rerr != nil {
				return nil, nil, "", rerr
			}
			return nil, nil, "", auth.ErrReuseDetected
		}
		return nil, nil, "", err
	}
	raw, newRec, err := r.newRefreshToken(sess, now)
	if err != nil {
		return nil, nil, "", err
	}
	if err := r.store.RefreshTokens().Create(ctx, newRec); err != nil {
		return nil, nil, "", err
	}
	if err := r.store.Sessions().UpdateLastSeen(ctx, sess.ID, fp, now); err != nil {
		return nil, nil, "", err
	}
	sess.Fingerprint = fp
	sess.LastSeenAt = now
	r.invalidate(ctx, sess.ID)
	return sess, identity, raw, nil
}

// Revoke ends one session. Idempotent: revoking an already revoked or unknown
// session succeeds.
func (r *Registry) Revoke(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	r.locks.Lock(sessionID)
	defer r.locks.Unlock(sessionID)

	if err := r.store.Sessions().Revoke(ctx, sessionID); err != nil {
		return err
	}
	if err := r.store.RefreshTokens().MarkRevokedBySession(ctx, sessionID); err != nil {
		return err
	}
	r.invalidate(ctx, sessionID)
	return nil
}

// RevokeAll ends every session of an identity. Used for logout-everywhere and
// after credential changes. Idempotent.
func (r *Registry) RevokeAll(ctx context.Context, tenantID, identityID string) error {
	sessions, err := r.store.Sessions().ListByIdentity(ctx, tenantID, identityID)
	if err != nil {
		return err
	}
	if err := r.store.Sessions().RevokeByIdentity(ctx, tenantID, identityID); err != nil {
		return err
	}
	if err := r.store.RefreshTokens().MarkRevokedByIdentity(ctx, tenantID, identityID); err != nil {
		return err
	}
	for _, s := range sessions {
		r.invalidate(ctx, s.ID)
	}
	return nil
}

// Live checks that the session exists, is not revoked and has not expired.
// Served from the layered cache when one is configured.
func (r *Registry) Live(ctx context.Context, sessionID string) error {
	sess, err := r.lookup(ctx, sessionID)
	if err != nil {
		return err
	}
	now := r.now().UTC()
	if sess.Revoked {
		return auth.ErrRevoked
	}
	if !now.Before(sess.ExpiresAt) {
		return auth.ErrExpired
	}
	return nil
}

// Sweep physically removes sessions that expired longer than the grace period
// ago, together with their refresh tokens.
func (r *Registry) Sweep(ctx context.Context) (int64, error) {
	cutoff := r.now().UTC().Add(-r.grace)
	return r.store.Sessions().DeleteExpiredBefore(ctx, cutoff)
}

// RunSweeper runs Sweep on the given interval until ctx is cancelled.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Sweep(ctx)
			if err != nil {
				obs.Log("error", "session sweep failed", map[string]any{"error": err.Error()})
				continue
			}
			if n > 0 {
				obs.Log("info", "session sweep", map[string]any{"removed": n})
			}
		}
	}
}

func (r *Registry) lookup(ctx context.Context, sessionID string) (*auth.Session, error) {
	if r.cache == nil {
		return r.store.Sessions().Find(ctx, sessionID)
	}
	data, err := r.cache.Get(ctx, CacheKey(sessionID))
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, auth.ErrNotFound
		}
		if errors.Is(err, cache.ErrTimeout) {
			return nil, auth.ErrTimeout
		}
		return nil, err
	}
	var sess auth.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (r *Registry) invalidate(ctx context.Context, sessionID string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Invalidate(ctx, CacheKey(sessionID)); err != nil {
		obs.Log("error", "session cache invalidation failed", map[string]any{
			"session_id": sessionID,
			"error":      err.Error(),
		})
	}
}

func (r *Registry) revokeLineage(ctx context.Context, rec *auth.RefreshToken) error {
	if err := r.store.Sessions().Revoke(ctx, rec.SessionID); err != nil {
		return err
	}
	if err := r.store.RefreshTokens().MarkRevokedBySession(ctx, rec.SessionID); err != nil {
		return err
	}
	r.invalidate(ctx, rec.SessionID)
	obs.SessionReuse.Inc()
	if r.recorder != nil {
		r.recorder.Record(&auth.AuditEvent{
			TenantID:     rec.TenantID,
			ActorID:      rec.IdentityID,
			Action:       "session.reuse_detected",
			ResourceType: "session",
			ResourceID:   rec.SessionID,
			Metadata:     map[string]string{"refresh_token_id": rec.ID},
			Outcome:      auth.OutcomeFailure,
			Severity:     auth.SeverityElevated,
			OccurredAt:   r.now().UTC(),
		})
	}
	return nil
}

func (r *Registry) newRefreshToken(sess *auth.Session, now time.Time) (string, *auth.RefreshToken, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	sum := sha256.Sum256([]byte(secret))
	rec := &auth.RefreshToken{
		ID:         ids.NewAt(now),
		SessionID:  sess.ID,
		IdentityID: sess.IdentityID,
		TenantID:   sess.TenantID,
		TokenHash:  hex.EncodeToString(sum[:]),
		IssuedAt:   now,
		ExpiresAt:  sess.ExpiresAt,
	}
	return rec.ID + "." + secret, rec, nil
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

func secureCompareHash(expectedHash, secret string) bool {
	sum := sha256.Sum256([]byte(secret))
	actual := hex.EncodeToString(sum[:])
	if len(expectedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}
