package httpapi

import (
	"net/http"
	"strings"

	"authgrid.org/internal/auth"
)

// ManageCapability guards grant/revoke operations.
const ManageCapability = "authz:manage"

type authorizeRequest struct {
	Capability       string `json:"capability"`
	ResourceTenantID string `json:"resource_tenant_id,omitempty"`
}

// handleAuthorize evaluates a capability check for the calling identity:
// tenant guard first, then the permission evaluator. Denials are the default
// for anything unknown.
func (a *API) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeAuthError(w, auth.ErrUnauthorized)
		return
	}
	var req authorizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if strings.TrimSpace(req.Capability) == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "capability is required")
		return
	}

	resourceTenant := strings.TrimSpace(req.ResourceTenantID)
	if resourceTenant == "" {
		resourceTenant = strings.TrimSpace(r.Header.Get(tenantHeader))
	}
	if resourceTenant == "" {
		resourceTenant = claims.TenantID
	}
	if err := a.guard.Check(claims, resourceTenant); err != nil {
		a.auditAuthz(claims, req.Capability, resourceTenant, auth.Code(err))
		writeAuthError(w, err)
		return
	}

	ctx, cancel := a.opContext(r.Context())
	defer cancel()

	if err := a.evaluator.Authorize(ctx, claims, req.Capability); err != nil {
		a.auditAuthz(claims, req.Capability, resourceTenant, auth.Code(err))
		writeAuthError(w, err)
		return
	}

	a.auditAuthz(claims, req.Capability, resourceTenant, "")
	writeJSON(w, http.StatusOK, map[string]any{"allowed": true})
}

func (a *API) auditAuthz(claims *auth.Claims, capability, resourceTenant, denyReason string) {
	outcome := auth.OutcomeSuccess
	meta := map[string]string{"capability": capability, "resource_tenant": resourceTenant}
	if denyReason != "" {
		outcome = auth.OutcomeFailure
		meta["reason"] = denyReason
	}
	a.recorder.Record(&auth.AuditEvent{
		TenantID:     claims.TenantID,
		ActorID:      claims.IdentityID(),
		Action:       "authz.check",
		ResourceType: "capability",
		ResourceID:   capability,
		Metadata:     meta,
		Outcome:      outcome,
		Severity:     auth.SeverityNormal,
	})
}

type capabilityRequest struct {
	IdentityID string `json:"identity_id"`
	Capability string `json:"capability"`
}

func (a *API) handleGrant(w http.ResponseWriter, r *http.Request) {
	a.handleCapabilityMutation(w, r, true)
}

func (a *API) handleRevokeCapability(w http.ResponseWriter, r *http.Request) {
	a.handleCapabilityMutation(w, r, false)
}

// handleCapabilityMutation serves grant and revoke. The caller must hold the
// manage capability; the target tenant comes from the tenant header and runs
// through the guard, so cross-tenant grants require cross-tenant privilege.
func (a *API) handleCapabilityMutation(w http.ResponseWriter, r *http.Request, grant bool) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeAuthError(w, auth.ErrUnauthorized)
		return
	}
	var req capabilityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if strings.TrimSpace(req.IdentityID) == "" || strings.TrimSpace(req.Capability) == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "identity_id and capability are required")
		return
	}

	tenantID, err := a.requireTenant(r, claims)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	ctx, cancel := a.opContext(r.Context())
	defer cancel()

	if err := a.evaluator.Authorize(ctx, claims, ManageCapability); err != nil {
		writeAuthError(w, err)
		return
	}

	if grant {
		err = a.evaluator.Grant(ctx, tenantID, req.IdentityID, req.Capability, claims.IdentityID())
	} else {
		err = a.evaluator.Revoke(ctx, tenantID, req.IdentityID, req.Capability, claims.IdentityID())
	}
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"identity_id": req.IdentityID, "capability": req.Capability})
}
