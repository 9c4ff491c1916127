// Package authz resolves effective capabilities and evaluates authorization
// decisions. Deny is the default: unknown capabilities, stale snapshots and
// unavailable permission state all fail closed.
package authz

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"authgrid.org/internal/auth"
	"authgrid.org/internal/cache"
	"authgrid.org/internal/locks"
)

const identityKeyPrefix = "identity:"

// Evaluator checks required capabilities against live identity state and owns
// the grant/revoke mutations. Mutations on one identity serialize on a
// per-identity lock.
type Evaluator struct {
	store    auth.Store
	cache    *cache.Layered
	recorder auth.Recorder
	locks    *locks.Keyed
	now      func() time.Time
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(e *Evaluator) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEvaluator constructs an Evaluator. identityCache may be nil, in which
// case evaluations always hit the store. recorder may be nil in tests.
func NewEvaluator(store auth.Store, identityCache *cache.Layered, recorder auth.Recorder, opts ...Option) *Evaluator {
	e := &Evaluator{
		store:    store,
		cache:    identityCache,
		recorder: recorder,
		locks:    locks.NewKeyed(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CacheKey returns the layered-cache key for an identity.
func CacheKey(tenantID, identityID string) string {
	return identityKeyPrefix + tenantID + "/" + identityID
}

// IdentityLoader builds a cache loader that resolves identity cache keys from
// the store.
func IdentityLoader(store auth.Store) cache.Loader {
	return func(ctx context.Context, key string) ([]byte, error) {
		rest := strings.TrimPrefix(key, identityKeyPrefix)
		tenantID, identityID, ok := strings.Cut(rest, "/")
		if !ok {
			return nil, cache.ErrNotFound
		}
		identity, err := store.Identities().Find(ctx, tenantID, identityID)
		if err != nil {
			if errors.Is(err, auth.ErrNotFound) {
				return nil, cache.ErrNotFound
			}
			return nil, err
		}
		return json.Marshal(identity)
	}
}

// Authorize decides whether the presented claims permit requiredCapability.
// The embedded identity version must match the live version: a token issued
// before a permission change is denied with ErrStalePermissions even when the
// capability string is present in its snapshot.
func (e *Evaluator) Authorize(ctx context.Context, claims *auth.Claims, requiredCapability string) error {
	if claims == nil || strings.TrimSpace(requiredCapability) == "" {
		return auth.ErrUnauthorized
	}
	identity, err := e.liveIdentity(ctx, claims.TenantID, claims.IdentityID())
	if err != nil {
		return err
	}
	if identity.Version != claims.IdentityVersion {
		return auth.ErrStalePermissions
	}
	switch identity.Status {
	case auth.StatusActive:
	case auth.StatusLocked:
		return auth.ErrLocked
	default:
		return auth.ErrRevoked
	}
	if !CapabilitySatisfied(claims.Capabilities, requiredCapability) {
		return auth.ErrUnauthorized
	}
	return nil
}

// VerifyFresh checks only that the claims' capability snapshot is still
// current and the identity usable, without requiring a capability. Used on
// the token verification path.
func (e *Evaluator) VerifyFresh(ctx context.Context, claims *auth.Claims) error {
	if claims == nil {
		return auth.ErrUnauthorized
	}
	identity, err := e.liveIdentity(ctx, claims.TenantID, claims.IdentityID())
	if err != nil {
		return err
	}
	if identity.Version != claims.IdentityVersion {
		return auth.ErrStalePermissions
	}
	switch identity.Status {
	case auth.StatusActive:
		return nil
	case auth.StatusLocked:
		return auth.ErrLocked
	default:
		return auth.ErrRevoked
	}
}

// Grant adds a capability to an identity. The version increments and both
// cache layers are invalidated before Grant returns, so a token minted
// against the old set can no longer authorize.
func (e *Evaluator) Grant(ctx context.Context, tenantID, identityID, capability, actorID string) error {
	return e.mutate(ctx, tenantID, identityID, capability, actorID, true)
}

// Revoke removes a capability from an identity with the same consistency
// guarantees as Grant.
func (e *Evaluator) Revoke(ctx context.Context, tenantID, identityID, capability, actorID string) error {
	return e.mutate(ctx, tenantID, identityID, capability, actorID, false)
}

func (e *Evaluator) mutate(ctx context.Context, tenantID, identityID, capability, actorID string, add bool) error {
	capability = strings.TrimSpace(capability)
	if capability == "" {
		return auth.ErrInvalidInput
	}
	key := CacheKey(tenantID, identityID)
	e.locks.Lock(key)
	defer e.locks.Unlock(key)

	identity, err := e.store.Identities().Find(ctx, tenantID, identityID)
	if err != nil {
		return err
	}

	caps, changed := updateSet(identity.Capabilities, capability, add)
	if !changed {
		return nil
	}
	newVersion := identity.Version + 1
	if err := e.store.Identities().UpdateCapabilities(ctx, tenantID, identityID, caps, newVersion); err != nil {
		return err
	}
	// Invalidation must complete before the mutation reports success, so no
	// stale cache entry can honor the old capability set.
	if e.cache != nil {
		if err := e.cache.Invalidate(ctx, key); err != nil {
			if errors.Is(err, cache.ErrTimeout) {
				return auth.ErrTimeout
			}
			return err
		}
	}

	action := "capability.revoked"
	if add {
		action = "capability.granted"
	}
	if e.recorder != nil {
		e.recorder.Record(&auth.AuditEvent{
			TenantID:     tenantID,
			ActorID:      actorID,
			Action:       action,
			ResourceType: "identity",
			ResourceID:   identityID,
			Metadata:     map[string]string{"capability": capability},
			Outcome:      auth.OutcomeSuccess,
			Severity:     auth.SeverityNormal,
			OccurredAt:   e.now().UTC(),
		})
	}
	return nil
}

func (e *Evaluator) liveIdentity(ctx context.Context, tenantID, identityID string) (*auth.Identity, error) {
	if e.cache == nil {
		return e.store.Identities().Find(ctx, tenantID, identityID)
	}
	data, err := e.cache.Get(ctx, CacheKey(tenantID, identityID))
	if err != nil {
		switch {
		case errors.Is(err, cache.ErrNotFound):
			return nil, auth.ErrNotFound
		case errors.Is(err, cache.ErrTimeout):
			return nil, auth.ErrTimeout
		default:
			return nil, err
		}
	}
	var identity auth.Identity
	if err := json.Unmarshal(data, &identity); err != nil {
		return nil, err
	}
	return &identity, nil
}

// CapabilitySatisfied reports whether the held set covers required. Matching
// is exact, with one documented convention: holding "resource:*" covers every
// action on that resource. Required capabilities are never expanded.
func CapabilitySatisfied(held []string, required string) bool {
	for _, c := range held {
		if c == required {
			return true
		}
	}
	idx := strings.LastIndex(required, ":")
	if idx <= 0 {
		return false
	}
	wildcard := required[:idx] + ":*"
	if wildcard == required {
		return false
	}
	for _, c := range held {
		if c == wildcard {
			return true
		}
	}
	return false
}

func updateSet(caps []string, capability string, add bool) ([]string, bool) {
	out := make([]string, 0, len(caps)+1)
	found := false
	for _, c := range caps {
		if c == capability {
			found = true
			if !add {
				continue
			}
		}
		out = append(out, c)
	}
	if add {
		if found {
			return caps, false
		}
		return append(out, capability), true
	}
	return out, found
}
