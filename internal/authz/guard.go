package authz

import (
	"strings"
	"time"

	"authgrid.org/internal/auth"
)

// Guard enforces tenant isolation. Every data-bearing operation must pass
// through it; an identity holding the cross-tenant capability may cross the
// boundary, but the crossing is audited at elevated severity.
type Guard struct {
	recorder auth.Recorder
	now      func() time.Time
}

// NewGuard constructs a Guard. recorder may be nil in tests.
func NewGuard(recorder auth.Recorder) *Guard {
	return &Guard{recorder: recorder, now: time.Now}
}

// Check rejects the operation with ErrTenantMismatch when the resource's
// tenant differs from the claims' tenant, unless the identity carries
// cross-tenant privilege.
func (g *Guard) Check(claims *auth.Claims, resourceTenantID string) error {
	if claims == nil {
		return auth.ErrUnauthorized
	}
	resourceTenantID = strings.TrimSpace(resourceTenantID)
	if resourceTenantID == "" {
		// Every operation is scoped to exactly one tenant.
		return auth.ErrTenantMismatch
	}
	if resourceTenantID == claims.TenantID {
		return nil
	}
	if !claims.HasCapability(auth.CrossTenantCapability) {
		return auth.ErrTenantMismatch
	}
	if g.recorder != nil {
		g.recorder.Record(&auth.AuditEvent{
			TenantID:     claims.TenantID,
			ActorID:      claims.IdentityID(),
			Action:       "tenant.cross_access",
			ResourceType: "tenant",
			ResourceID:   resourceTenantID,
			Metadata:     map[string]string{"target_tenant": resourceTenantID},
			Outcome:      auth.OutcomeSuccess,
			Severity:     auth.SeverityElevated,
			OccurredAt:   g.now().UTC(),
		})
	}
	return nil
}
