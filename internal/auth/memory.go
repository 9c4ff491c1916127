package auth

import (
	"context"
	"sync"
	"time"

	"authgrid.org/internal/ids"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps all records in process memory guarded by one RWMutex.
// For tests and lightweight deployments; state is lost when the process
// exits.
type MemoryStore struct {
	mu            sync.RWMutex
	tenants       map[string]*Tenant
	identities    map[string]*Identity // key tenantID/identityID
	sessions      map[string]*Session
	refreshTokens map[string]*RefreshToken
	auditEvents   []*AuditEvent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:       make(map[string]*Tenant),
		identities:    make(map[string]*Identity),
		sessions:      make(map[string]*Session),
		refreshTokens: make(map[string]*RefreshToken),
	}
}

func (m *MemoryStore) Tenants() TenantStore             { return (*memTenants)(m) }
func (m *MemoryStore) Identities() IdentityStore        { return (*memIdentities)(m) }
func (m *MemoryStore) Sessions() SessionStore           { return (*memSessions)(m) }
func (m *MemoryStore) RefreshTokens() RefreshTokenStore { return (*memRefreshTokens)(m) }
func (m *MemoryStore) AuditEvents() AuditStore          { return (*memAudit)(m) }

// AuditLog returns a copy of everything appended so far. Test helper.
func (m *MemoryStore) AuditLog() []*AuditEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*AuditEvent, len(m.auditEvents))
	copy(out, m.auditEvents)
	return out
}

func identityKey(tenantID, identityID string) string { return tenantID + "/" + identityID }

// Tenants ------------------------------------------------------------------

type memTenants MemoryStore

func (m *memTenants) Create(ctx context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = ids.New()
	}
	if t.Status == "" {
		t.Status = TenantActive
	}
	if _, exists := m.tenants[t.ID]; exists {
		return ErrConflict
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	cp := *t
	m.tenants[t.ID] = &cp
	return nil
}

func (m *memTenants) Find(ctx context.Context, id string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// Identities ---------------------------------------------------------------

type memIdentities MemoryStore

func (m *memIdentities) Create(ctx context.Context, id *Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id.ID == "" {
		id.ID = ids.New()
	}
	if id.Status == "" {
		id.Status = StatusActive
	}
	key := identityKey(id.TenantID, id.ID)
	if _, exists := m.identities[key]; exists {
		return ErrConflict
	}
	for _, other := range m.identities {
		if other.TenantID == id.TenantID && other.Identifier == id.Identifier {
			return ErrConflict
		}
	}
	now := time.Now().UTC()
	id.CreatedAt, id.UpdatedAt = now, now
	cp := *id
	cp.Capabilities = append([]string(nil), id.Capabilities...)
	m.identities[key] = &cp
	return nil
}

func (m *memIdentities) Find(ctx context.Context, tenantID, identityID string) (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.identities[identityKey(tenantID, identityID)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyIdentity(id), nil
}

func (m *memIdentities) FindByIdentifier(ctx context.Context, tenantID, identifier string) (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.identities {
		if id.TenantID == tenantID && id.Identifier == identifier {
			return copyIdentity(id), nil
		}
	}
	return nil, ErrNotFound
}

func (m *memIdentities) UpdateStatus(ctx context.Context, tenantID, identityID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.identities[identityKey(tenantID, identityID)]
	if !ok {
		return ErrNotFound
	}
	id.Status = status
	id.Version++
	id.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memIdentities) UpdateCapabilities(ctx context.Context, tenantID, identityID string, capabilities []string, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.identities[identityKey(tenantID, identityID)]
	if !ok {
		return ErrNotFound
	}
	id.Capabilities = append([]string(nil), capabilities...)
	id.Version = version
	id.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memIdentities) UpdateCredential(ctx context.Context, tenantID, identityID, credentialHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.identities[identityKey(tenantID, identityID)]
	if !ok {
		return ErrNotFound
	}
	id.CredentialHash = credentialHash
	id.UpdatedAt = time.Now().UTC()
	return nil
}

func copyIdentity(id *Identity) *Identity {
	cp := *id
	cp.Capabilities = append([]string(nil), id.Capabilities...)
	return &cp
}

// Sessions -----------------------------------------------------------------

type memSessions MemoryStore

func (m *memSessions) Create(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = ids.NewAt(s.IssuedAt)
	}
	if _, exists := m.sessions[s.ID]; exists {
		return ErrConflict
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memSessions) Find(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSessions) ListByIdentity(ctx context.Context, tenantID, identityID string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.TenantID == tenantID && s.IdentityID == identityID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memSessions) Revoke(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.Revoked = true
	}
	return nil
}

func (m *memSessions) RevokeByIdentity(ctx context.Context, tenantID, identityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.TenantID == tenantID && s.IdentityID == identityID {
			s.Revoked = true
		}
	}
	return nil
}

func (m *memSessions) UpdateLastSeen(ctx context.Context, sessionID string, fp Fingerprint, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.Fingerprint = fp
	s.LastSeenAt = at
	return nil
}

func (m *memSessions) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.sessions {
		if s.ExpiresAt.Before(cutoff) {
			delete(m.sessions, id)
			for tid, tok := range m.refreshTokens {
				if tok.SessionID == id {
					delete(m.refreshTokens, tid)
				}
			}
			n++
		}
	}
	return n, nil
}

// Refresh tokens ------------------------------------------------------------

type memRefreshTokens MemoryStore

func (m *memRefreshTokens) Create(ctx context.Context, tok *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.refreshTokens[tok.ID]; exists {
		return ErrConflict
	}
	cp := *tok
	m.refreshTokens[tok.ID] = &cp
	return nil
}

func (m *memRefreshTokens) Find(ctx context.Context, tokenID string) (*RefreshToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tok, ok := m.refreshTokens[tokenID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tok
	return &cp, nil
}

func (m *memRefreshTokens) MarkRotated(ctx context.Context, tokenID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.refreshTokens[tokenID]
	if !ok || tok.Rotated {
		return ErrNotFound
	}
	tok.Rotated = true
	return nil
}

func (m *memRefreshTokens) MarkRevokedBySession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tok := range m.refreshTokens {
		if tok.SessionID == sessionID {
			tok.Revoked = true
		}
	}
	return nil
}

func (m *memRefreshTokens) MarkRevokedByIdentity(ctx context.Context, tenantID, identityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tok := range m.refreshTokens {
		if tok.TenantID == tenantID && tok.IdentityID == identityID {
			tok.Revoked = true
		}
	}
	return nil
}

// Audit ---------------------------------------------------------------------

type memAudit MemoryStore

func (m *memAudit) Append(ctx context.Context, ev *AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ID == "" {
		ev.ID = ids.NewAt(ev.OccurredAt)
	}
	cp := *ev
	if ev.Metadata != nil {
		cp.Metadata = make(map[string]string, len(ev.Metadata))
		for k, v := range ev.Metadata {
			cp.Metadata[k] = v
		}
	}
	m.auditEvents = append(m.auditEvents, &cp)
	return nil
}
