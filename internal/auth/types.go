// Package auth holds the domain core: tenants, identities, sessions and
// audit events, credential hashing with lockout, the access-token codec and
// the store interfaces everything persists through.
package auth

import "time"

// Identity statuses. An identity is never deleted, only disabled, so the audit
// trail stays resolvable.
const (
	StatusActive   = "active"
	StatusLocked   = "locked"
	StatusDisabled = "disabled"
)

// Tenant statuses.
const (
	TenantActive    = "active"
	TenantSuspended = "suspended"
)

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Audit severities.
const (
	SeverityNormal   = "normal"
	SeverityElevated = "elevated"
)

// CrossTenantCapability permits an identity to act across tenant boundaries.
// Every such crossing is still audited at elevated severity.
const CrossTenantCapability = "cross-tenant:admin"

// Tenant is the isolation boundary. Every identity, session, token and audit
// event belongs to exactly one tenant.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Identity represents a principal: a human user or a service account.
// Version increments on every permission or status change and is embedded into
// access tokens so stale capability snapshots can be rejected.
type Identity struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	Identifier     string    `json:"identifier"`
	CredentialHash string    `json:"-"`
	Status         string    `json:"status"`
	Capabilities   []string  `json:"capabilities"`
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// HasCapability reports whether the identity holds the capability exactly.
func (i *Identity) HasCapability(capability string) bool {
	for _, c := range i.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Fingerprint identifies the client that opened a session.
type Fingerprint struct {
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`
}

// Session is one active refresh-token lineage.
type Session struct {
	ID          string      `json:"id"`
	IdentityID  string      `json:"identity_id"`
	TenantID    string      `json:"tenant_id"`
	IssuedAt    time.Time   `json:"issued_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
	Revoked     bool        `json:"revoked"`
	Fingerprint Fingerprint `json:"fingerprint"`
	LastSeenAt  time.Time   `json:"last_seen_at"`
}

// Live reports whether the session can still mint access tokens at time now.
func (s *Session) Live(now time.Time) bool {
	return !s.Revoked && now.Before(s.ExpiresAt)
}

// RefreshToken is the stored half of an opaque refresh credential. Only the
// SHA-256 hash of the secret is persisted; the raw token cannot be recovered
// from storage.
type RefreshToken struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	IdentityID string    `json:"identity_id"`
	TenantID   string    `json:"tenant_id"`
	TokenHash  string    `json:"-"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Rotated    bool      `json:"rotated"`
	Revoked    bool      `json:"revoked"`
}

// AuditEvent is an immutable, append-only record of a security- or
// business-relevant action. ActorID is empty for system actions.
type AuditEvent struct {
	ID           string            `json:"id"`
	TenantID     string            `json:"tenant_id"`
	ActorID      string            `json:"actor_id,omitempty"`
	Action       string            `json:"action"`
	ResourceType string            `json:"resource_type,omitempty"`
	ResourceID   string            `json:"resource_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Outcome      string            `json:"outcome"`
	Severity     string            `json:"severity"`
	OccurredAt   time.Time         `json:"occurred_at"`
}
