package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth core. Every
// component receives its store explicitly at construction; there is no ambient
// shared state.
type Store interface {
	Tenants() TenantStore
	Identities() IdentityStore
	Sessions() SessionStore
	RefreshTokens() RefreshTokenStore
	AuditEvents() AuditStore
}

// TenantStore manages isolation boundaries.
type TenantStore interface {
	Create(ctx context.Context, t *Tenant) error
	Find(ctx context.Context, id string) (*Tenant, error)
}

// IdentityStore manages principals. Identities are soft-lifecycle: they are
// disabled, never deleted.
type IdentityStore interface {
	Create(ctx context.Context, id *Identity) error
	Find(ctx context.Context, tenantID, identityID string) (*Identity, error)
	FindByIdentifier(ctx context.Context, tenantID, identifier string) (*Identity, error)
	UpdateStatus(ctx context.Context, tenantID, identityID, status string) error
	// UpdateCapabilities replaces the capability set and bumps the version in
	// one statement. Callers serialize per-identity mutations.
	UpdateCapabilities(ctx context.Context, tenantID, identityID string, capabilities []string, version int64) error
	UpdateCredential(ctx context.Context, tenantID, identityID, credentialHash string) error
}

// SessionStore manages refresh-token lineages.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Find(ctx context.Context, sessionID string) (*Session, error)
	ListByIdentity(ctx context.Context, tenantID, identityID string) ([]*Session, error)
	Revoke(ctx context.Context, sessionID string) error
	RevokeByIdentity(ctx context.Context, tenantID, identityID string) error
	UpdateLastSeen(ctx context.Context, sessionID string, fp Fingerprint, at time.Time) error
	// DeleteExpiredBefore physically removes sessions (and their refresh
	// tokens) that expired before cutoff. Returns how many were removed.
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RefreshTokenStore manages the hashed refresh-token records backing sessions.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	Find(ctx context.Context, tokenID string) (*RefreshToken, error)
	// MarkRotated consumes the token. A token that is missing or already
	// rotated reports ErrNotFound, so exactly one caller wins a rotation
	// race even across instances.
	MarkRotated(ctx context.Context, tokenID string) error
	MarkRevokedBySession(ctx context.Context, sessionID string) error
	MarkRevokedByIdentity(ctx context.Context, tenantID, identityID string) error
}

// AuditStore appends immutable entries. Nothing updates or deletes them.
type AuditStore interface {
	Append(ctx context.Context, ev *AuditEvent) error
}
