package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"authgrid.org/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Reads get one retry after a short backoff when the failure is transient
// (connection-level, not a context deadline or a domain miss). Writes stay
// single-shot so a retry can never apply an effect twice.
const readRetryBackoff = 50 * time.Millisecond

func retryRead(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !transientErr(ctx, err) {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(readRetryBackoff):
	}
	return fn()
}

func transientErr(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	switch {
	case errors.Is(err, sql.ErrNoRows),
		errors.Is(err, ErrNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func (s *PGStore) Tenants() TenantStore               { return &pgTenantStore{db: s.db} }
func (s *PGStore) Identities() IdentityStore          { return &pgIdentityStore{db: s.db} }
func (s *PGStore) Sessions() SessionStore             { return &pgSessionStore{db: s.db} }
func (s *PGStore) RefreshTokens() RefreshTokenStore   { return &pgRefreshTokenStore{db: s.db} }
func (s *PGStore) AuditEvents() AuditStore            { return &pgAuditStore{db: s.db} }

// Tenant store --------------------------------------------------------------
type pgTenantStore struct{ db *sql.DB }

func (s *pgTenantStore) Create(ctx context.Context, t *Tenant) error {
	if t.ID == "" {
		t.ID = ids.New()
	}
	if t.Status == "" {
		t.Status = TenantActive
	}
	_, err := s.db.ExecContext(ctx,
		`insert into tenants(id, name, status) values($1,$2,$3)`,
		t.ID, t.Name, t.Status,
	)
	return err
}

func (s *pgTenantStore) Find(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	err := retryRead(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`select id, name, status, created_at, updated_at from tenants where id=$1`, id)
		return row.Scan(&t.ID, &t.Name, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// Identity store ------------------------------------------------------------
type pgIdentityStore struct{ db *sql.DB }

func (s *pgIdentityStore) Create(ctx context.Context, id *Identity) error {
	if id.ID == "" {
		id.ID = ids.New()
	}
	if id.Status == "" {
		id.Status = StatusActive
	}
	caps, _ := json.Marshal(id.Capabilities)
	_, err := s.db.ExecContext(ctx,
		`insert into identities(id, tenant_id, identifier, credential_hash, status, capabilities, version)
		 values($1,$2,$3,$4,$5,$6,$7)`,
		id.ID, id.TenantID, id.Identifier, id.CredentialHash, id.Status, caps, id.Version,
	)
	return err
}

const identityColumns = `id, tenant_id, identifier, credential_hash, status, capabilities, version, created_at, updated_at`

func scanIdentity(row *sql.Row) (*Identity, error) {
	var (
		id   Identity
		caps []byte
	)
	if err := row.Scan(&id.ID, &id.TenantID, &id.Identifier, &id.CredentialHash,
		&id.Status, &caps, &id.Version, &id.CreatedAt, &id.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal(caps, &id.Capabilities)
	return &id, nil
}

func (s *pgIdentityStore) Find(ctx context.Context, tenantID, identityID string) (*Identity, error) {
	var id *Identity
	err := retryRead(ctx, func() error {
		var scanErr error
		id, scanErr = scanIdentity(s.db.QueryRowContext(ctx,
			`select `+identityColumns+` from identities where tenant_id=$1 and id=$2`, tenantID, identityID))
		return scanErr
	})
	if err != nil {
		return nil, err
	}
	return id, nil
}

func (s *pgIdentityStore) FindByIdentifier(ctx context.Context, tenantID, identifier string) (*Identity, error) {
	var id *Identity
	err := retryRead(ctx, func() error {
		var scanErr error
		id, scanErr = scanIdentity(s.db.QueryRowContext(ctx,
			`select `+identityColumns+` from identities where tenant_id=$1 and identifier=$2`, tenantID, identifier))
		return scanErr
	})
	if err != nil {
		return nil, err
	}
	return id, nil
}

func (s *pgIdentityStore) UpdateStatus(ctx context.Context, tenantID, identityID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`update identities set status=$3, version=version+1, updated_at=now() where tenant_id=$1 and id=$2`,
		tenantID, identityID, status,
	)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *pgIdentityStore) UpdateCapabilities(ctx context.Context, tenantID, identityID string, capabilities []string, version int64) error {
	caps, _ := json.Marshal(capabilities)
	res, err := s.db.ExecContext(ctx,
		`update identities set capabilities=$3, version=$4, updated_at=now() where tenant_id=$1 and id=$2`,
		tenantID, identityID, caps, version,
	)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *pgIdentityStore) UpdateCredential(ctx context.Context, tenantID, identityID, credentialHash string) error {
	res, err := s.db.ExecContext(ctx,
		`update identities set credential_hash=$3, updated_at=now() where tenant_id=$1 and id=$2`,
		tenantID, identityID, credentialHash,
	)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// Session store -------------------------------------------------------------
type pgSessionStore struct{ db *sql.DB }

func (s *pgSessionStore) Create(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = ids.NewAt(sess.IssuedAt)
	}
	_, err := s.db.ExecContext(ctx,
		`insert into sessions(id, identity_id, tenant_id, issued_at, expires_at, revoked, client_ip, client_agent, last_seen_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		sess.ID, sess.IdentityID, sess.TenantID, sess.IssuedAt, sess.ExpiresAt,
		sess.Revoked, sess.Fingerprint.IP, sess.Fingerprint.UserAgent, sess.LastSeenAt,
	)
	return err
}

func (s *pgSessionStore) Find(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	err := retryRead(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`select id, identity_id, tenant_id, issued_at, expires_at, revoked, client_ip, client_agent, last_seen_at
			 from sessions where id=$1`, sessionID)
		return row.Scan(&sess.ID, &sess.IdentityID, &sess.TenantID, &sess.IssuedAt,
			&sess.ExpiresAt, &sess.Revoked, &sess.Fingerprint.IP, &sess.Fingerprint.UserAgent, &sess.LastSeenAt)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sess, nil
}

func (s *pgSessionStore) ListByIdentity(ctx context.Context, tenantID, identityID string) ([]*Session, error) {
	var sessions []*Session
	err := retryRead(ctx, func() error {
		rows, err := s.db.QueryContext(ctx,
			`select id, identity_id, tenant_id, issued_at, expires_at, revoked, client_ip, client_agent, last_seen_at
			 from sessions where tenant_id=$1 and identity_id=$2 order by issued_at`, tenantID, identityID)
		if err != nil {
			return err
		}
		defer rows.Close()

		sessions = sessions[:0]
		for rows.Next() {
			var sess Session
			if err := rows.Scan(&sess.ID, &sess.IdentityID, &sess.TenantID, &sess.IssuedAt,
				&sess.ExpiresAt, &sess.Revoked, &sess.Fingerprint.IP, &sess.Fingerprint.UserAgent, &sess.LastSeenAt); err != nil {
				return err
			}
			sessions = append(sessions, &sess)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *pgSessionStore) Revoke(ctx context.Context, sessionID string) error {
	// Idempotent: revoking an already revoked session is a no-op.
	_, err := s.db.ExecContext(ctx,
		`update sessions set revoked=true where id=$1`, sessionID)
	return err
}

func (s *pgSessionStore) RevokeByIdentity(ctx context.Context, tenantID, identityID string) error {
	_, err := s.db.ExecContext(ctx,
		`update sessions set revoked=true where tenant_id=$1 and identity_id=$2`, tenantID, identityID)
	return err
}

func (s *pgSessionStore) UpdateLastSeen(ctx context.Context, sessionID string, fp Fingerprint, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update sessions set client_ip=$2, client_agent=$3, last_seen_at=$4 where id=$1`,
		sessionID, fp.IP, fp.UserAgent, at)
	return err
}

func (s *pgSessionStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`delete from refresh_tokens where session_id in (select id from sessions where expires_at < $1)`, cutoff); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `delete from sessions where expires_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

// Refresh token store -------------------------------------------------------
type pgRefreshTokenStore struct{ db *sql.DB }

func (s *pgRefreshTokenStore) Create(ctx context.Context, tok *RefreshToken) error {
	_, err := s.db.ExecContext(ctx,
		`insert into refresh_tokens(id, session_id, identity_id, tenant_id, token_hash, issued_at, expires_at, rotated, revoked)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		tok.ID, tok.SessionID, tok.IdentityID, tok.TenantID, tok.TokenHash,
		tok.IssuedAt, tok.ExpiresAt, tok.Rotated, tok.Revoked,
	)
	return err
}

func (s *pgRefreshTokenStore) Find(ctx context.Context, tokenID string) (*RefreshToken, error) {
	var tok RefreshToken
	err := retryRead(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`select id, session_id, identity_id, tenant_id, token_hash, issued_at, expires_at, rotated, revoked
			 from refresh_tokens where id=$1`, tokenID)
		return row.Scan(&tok.ID, &tok.SessionID, &tok.IdentityID, &tok.TenantID,
			&tok.TokenHash, &tok.IssuedAt, &tok.ExpiresAt, &tok.Rotated, &tok.Revoked)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &tok, nil
}

func (s *pgRefreshTokenStore) MarkRotated(ctx context.Context, tokenID string) error {
	// Conditional: a token already consumed by a concurrent rotation (or on
	// another instance) affects zero rows and reports ErrNotFound.
	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens set rotated=true where id=$1 and rotated=false`, tokenID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *pgRefreshTokenStore) MarkRevokedBySession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true where session_id=$1`, sessionID)
	return err
}

func (s *pgRefreshTokenStore) MarkRevokedByIdentity(ctx context.Context, tenantID, identityID string) error {
	_, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true where tenant_id=$1 and identity_id=$2`, tenantID, identityID)
	return err
}

// Audit store ---------------------------------------------------------------
type pgAuditStore struct{ db *sql.DB }

func (s *pgAuditStore) Append(ctx context.Context, ev *AuditEvent) error {
	if ev.ID == "" {
		ev.ID = ids.NewAt(ev.OccurredAt)
	}
	meta, _ := json.Marshal(ev.Metadata)
	_, err := s.db.ExecContext(ctx,
		`insert into audit_events(id, tenant_id, actor_id, action, resource_type, resource_id, metadata, outcome, severity, occurred_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		ev.ID, ev.TenantID, nullable(ev.ActorID), ev.Action, ev.ResourceType, ev.ResourceID,
		meta, ev.Outcome, ev.Severity, ev.OccurredAt,
	)
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
