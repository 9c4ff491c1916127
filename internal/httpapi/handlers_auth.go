package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"authgrid.org/internal/auth"
)

type loginRequest struct {
	TenantID   string `json:"tenant_id,omitempty"`
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
}

type tokenPairResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	SessionID        string    `json:"session_id"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	tenantID := strings.TrimSpace(r.Header.Get(tenantHeader))
	if tenantID == "" {
		tenantID = strings.TrimSpace(req.TenantID)
	}
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "tenant id is required")
		return
	}

	ctx, cancel := a.opContext(r.Context())
	defer cancel()

	tenant, err := a.store.Tenants().Find(ctx, tenantID)
	if err != nil {
		// Do not reveal whether the tenant exists.
		writeAuthError(w, auth.ErrInvalidCredential)
		return
	}
	if tenant.Status != auth.TenantActive {
		writeAuthError(w, auth.ErrUnauthorized)
		return
	}

	identity, err := a.verifier.Verify(ctx, tenantID, req.Identifier, req.Secret)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			err = auth.ErrInvalidCredential
		}
		a.recorder.Record(&auth.AuditEvent{
			TenantID: tenantID,
			Action:   "auth.login",
			Metadata: map[string]string{"identifier": req.Identifier, "reason": auth.Code(err)},
			Outcome:  auth.OutcomeFailure,
			Severity: auth.SeverityNormal,
		})
		writeAuthError(w, err)
		return
	}

	ip, agent := fingerprintFromRequest(r)
	sess, refreshToken, err := a.sessions.Create(ctx, identity, auth.Fingerprint{IP: ip, UserAgent: agent})
	if err != nil {
		writeAuthError(w, err)
		return
	}
	accessToken, accessExp, err := a.codec.IssueAccessToken(identity, sess.ID)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	a.recorder.Record(&auth.AuditEvent{
		TenantID:     tenantID,
		ActorID:      identity.ID,
		Action:       "auth.login",
		ResourceType: "session",
		ResourceID:   sess.ID,
		Outcome:      auth.OutcomeSuccess,
		Severity:     auth.SeverityNormal,
	})

	writeJSON(w, http.StatusOK, tokenPairResponse{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: sess.ExpiresAt,
		SessionID:        sess.ID,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "refresh_token is required")
		return
	}

	ctx, cancel := a.opContext(r.Context())
	defer cancel()

	ip, agent := fingerprintFromRequest(r)
	sess, identity, newRefresh, err := a.sessions.Rotate(ctx, req.RefreshToken, auth.Fingerprint{IP: ip, UserAgent: agent})
	if err != nil {
		// Reuse detection audits inside the registry; everything else is a
		// plain denial.
		writeAuthError(w, err)
		return
	}
	accessToken, accessExp, err := a.codec.IssueAccessToken(identity, sess.ID)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	a.recorder.Record(&auth.AuditEvent{
		TenantID:     sess.TenantID,
		ActorID:      identity.ID,
		Action:       "auth.refresh",
		ResourceType: "session",
		ResourceID:   sess.ID,
		Outcome:      auth.OutcomeSuccess,
		Severity:     auth.SeverityNormal,
	})

	writeJSON(w, http.StatusOK, tokenPairResponse{
		AccessToken:      accessToken,
		RefreshToken:     newRefresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: sess.ExpiresAt,
		SessionID:        sess.ID,
	})
}

type verifyResponse struct {
	IdentityID      string   `json:"identity_id"`
	TenantID        string   `json:"tenant_id"`
	SessionID       string   `json:"session_id"`
	Capabilities    []string `json:"capabilities"`
	IdentityVersion int64    `json:"identity_version"`
}

// handleVerify returns the verified claims. The middleware has already run
// the full pipeline: signature, expiry, session liveness, snapshot freshness.
func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w, "GET, POST")
		return
	}
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeAuthError(w, auth.ErrUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{
		IdentityID:      claims.IdentityID(),
		TenantID:        claims.TenantID,
		SessionID:       claims.SessionID,
		Capabilities:    claims.Capabilities,
		IdentityVersion: claims.IdentityVersion,
	})
}

// handleLogout revokes the calling token's session. Idempotent: logging out
// of an already revoked session succeeds.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeAuthError(w, auth.ErrUnauthorized)
		return
	}

	ctx, cancel := a.opContext(r.Context())
	defer cancel()

	if err := a.sessions.Revoke(ctx, claims.SessionID); err != nil {
		writeAuthError(w, err)
		return
	}
	a.recorder.Record(&auth.AuditEvent{
		TenantID:     claims.TenantID,
		ActorID:      claims.IdentityID(),
		Action:       "auth.logout",
		ResourceType: "session",
		ResourceID:   claims.SessionID,
		Outcome:      auth.OutcomeSuccess,
		Severity:     auth.SeverityNormal,
	})
	writeJSON(w, http.StatusOK, map[string]any{"revoked": true})
}

type changeCredentialRequest struct {
	CurrentSecret string `json:"current_secret"`
	NewSecret     string `json:"new_secret"`
}

// handleChangeCredential replaces the caller's secret. Every session of the
// identity is revoked afterwards, so tokens minted under the old secret die
// with it and the client has to log in again.
func (a *API) handleChangeCredential(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeAuthError(w, auth.ErrUnauthorized)
		return
	}
	var req changeCredentialRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if strings.TrimSpace(req.NewSecret) == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "new_secret is required")
		return
	}
	if req.NewSecret == req.CurrentSecret {
		writeError(w, http.StatusBadRequest, "invalid_input", "new_secret must differ from the current secret")
		return
	}

	ctx, cancel := a.opContext(r.Context())
	defer cancel()

	identity, err := a.store.Identities().Find(ctx, claims.TenantID, claims.IdentityID())
	if err != nil {
		writeAuthError(w, err)
		return
	}
	if err := auth.VerifyCredential(identity.CredentialHash, req.CurrentSecret); err != nil {
		writeAuthError(w, auth.ErrInvalidCredential)
		return
	}
	hash, err := auth.HashCredential(req.NewSecret)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid secret")
		return
	}
	if err := a.store.Identities().UpdateCredential(ctx, claims.TenantID, claims.IdentityID(), hash); err != nil {
		writeAuthError(w, err)
		return
	}
	if err := a.sessions.RevokeAll(ctx, claims.TenantID, claims.IdentityID()); err != nil {
		writeAuthError(w, err)
		return
	}

	a.recorder.Record(&auth.AuditEvent{
		TenantID:     claims.TenantID,
		ActorID:      claims.IdentityID(),
		Action:       "credential.changed",
		ResourceType: "identity",
		ResourceID:   claims.IdentityID(),
		Outcome:      auth.OutcomeSuccess,
		Severity:     auth.SeverityElevated,
	})
	writeJSON(w, http.StatusOK, map[string]any{"changed": true})
}

// handleLogoutAll revokes every session of the calling identity.
func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeAuthError(w, auth.ErrUnauthorized)
		return
	}

	ctx, cancel := a.opContext(r.Context())
	defer cancel()

	if err := a.sessions.RevokeAll(ctx, claims.TenantID, claims.IdentityID()); err != nil {
		writeAuthError(w, err)
		return
	}
	a.recorder.Record(&auth.AuditEvent{
		TenantID:     claims.TenantID,
		ActorID:      claims.IdentityID(),
		Action:       "auth.logout_all",
		ResourceType: "identity",
		ResourceID:   claims.IdentityID(),
		Outcome:      auth.OutcomeSuccess,
		Severity:     auth.SeverityNormal,
	})
	writeJSON(w, http.StatusOK, map[string]any{"revoked": true})
}
