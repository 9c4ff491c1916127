package httpapi

import (
	"net/http"
	"strings"

	"authgrid.org/internal/auth"
)

type activityRequest struct {
	Action       string            `json:"action"`
	ResourceType string            `json:"resource_type,omitempty"`
	ResourceID   string            `json:"resource_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Outcome      string            `json:"outcome,omitempty"`
}

// handleRecordActivity lets client applications append business events to the
// audit trail. The enqueue is fire-and-forget; the handler answers as soon as
// the event is buffered.
func (a *API) handleRecordActivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeAuthError(w, auth.ErrUnauthorized)
		return
	}
	var req activityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if strings.TrimSpace(req.Action) == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "action is required")
		return
	}

	tenantID, err := a.requireTenant(r, claims)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	outcome := req.Outcome
	if outcome != auth.OutcomeFailure {
		outcome = auth.OutcomeSuccess
	}
	a.recorder.Record(&auth.AuditEvent{
		TenantID:     tenantID,
		ActorID:      claims.IdentityID(),
		Action:       req.Action,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Metadata:     req.Metadata,
		Outcome:      outcome,
		Severity:     auth.SeverityNormal,
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"recorded": true})
}
