package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"authgrid.org/internal/auth"
	"authgrid.org/internal/ids"
)

// ManageIdentityCapability guards identity provisioning.
const ManageIdentityCapability = "identity:manage"

type createIdentityRequest struct {
	Identifier   string   `json:"identifier"`
	Credential   string   `json:"credential"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// handleCreateIdentity provisions a new identity in the caller's tenant
// (or another tenant, when the caller holds cross-tenant privilege).
func (a *API) handleCreateIdentity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeAuthError(w, auth.ErrUnauthorized)
		return
	}
	var req createIdentityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	req.Identifier = strings.ToLower(strings.TrimSpace(req.Identifier))
	if req.Identifier == "" || req.Credential == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "identifier and credential are required")
		return
	}

	tenantID, err := a.requireTenant(r, claims)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	ctx, cancel := a.opContext(r.Context())
	defer cancel()

	if err := a.evaluator.Authorize(ctx, claims, ManageIdentityCapability); err != nil {
		writeAuthError(w, err)
		return
	}

	hash, err := auth.HashCredential(req.Credential)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	now := time.Now().UTC()
	identity := &auth.Identity{
		ID:             ids.New(),
		TenantID:       tenantID,
		Identifier:     req.Identifier,
		CredentialHash: hash,
		Status:         auth.StatusActive,
		Capabilities:   req.Capabilities,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := a.store.Identities().Create(ctx, identity); err != nil {
		if errors.Is(err, auth.ErrConflict) {
			writeAuthError(w, auth.ErrConflict)
			return
		}
		writeAuthError(w, err)
		return
	}

	a.recorder.Record(&auth.AuditEvent{
		TenantID:     tenantID,
		ActorID:      claims.IdentityID(),
		Action:       "identity.created",
		ResourceType: "identity",
		ResourceID:   identity.ID,
		Metadata:     map[string]string{"identifier": identity.Identifier},
		Outcome:      auth.OutcomeSuccess,
		Severity:     auth.SeverityNormal,
	})
	writeJSON(w, http.StatusCreated, identity)
}

type createTenantRequest struct {
	Name string `json:"name"`
}

// handleCreateTenant provisions a tenant. Only cross-tenant administrators may
// call it; there is no in-tenant caller this could belong to.
func (a *API) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeAuthError(w, auth.ErrUnauthorized)
		return
	}
	var req createTenantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "name is required")
		return
	}

	ctx, cancel := a.opContext(r.Context())
	defer cancel()

	if err := a.evaluator.Authorize(ctx, claims, auth.CrossTenantCapability); err != nil {
		writeAuthError(w, err)
		return
	}

	now := time.Now().UTC()
	tenant := &auth.Tenant{
		ID:        ids.New(),
		Name:      req.Name,
		Status:    auth.TenantActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.Tenants().Create(ctx, tenant); err != nil {
		writeAuthError(w, err)
		return
	}

	a.recorder.Record(&auth.AuditEvent{
		TenantID:     tenant.ID,
		ActorID:      claims.IdentityID(),
		Action:       "tenant.created",
		ResourceType: "tenant",
		ResourceID:   tenant.ID,
		Metadata:     map[string]string{"name": tenant.Name},
		Outcome:      auth.OutcomeSuccess,
		Severity:     auth.SeverityElevated,
	})
	writeJSON(w, http.StatusCreated, tenant)
}
