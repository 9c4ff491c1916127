package authz

import (
	"errors"
	"testing"

	"authgrid.org/internal/auth"
)

func guardClaims(tenantID string, caps ...string) *auth.Claims {
	c := &auth.Claims{TenantID: tenantID, SessionID: "sess-1", Capabilities: caps}
	c.Subject = "id-1"
	return c
}

func TestGuardAllowsSameTenant(t *testing.T) {
	g := NewGuard(nil)
	if err := g.Check(guardClaims("tenant-1"), "tenant-1"); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestGuardRejectsCrossTenant(t *testing.T) {
	g := NewGuard(nil)
	if err := g.Check(guardClaims("tenant-1"), "tenant-2"); !errors.Is(err, auth.ErrTenantMismatch) {
		t.Fatalf("expected ErrTenantMismatch, got %v", err)
	}
}

func TestGuardRejectsMissingTenant(t *testing.T) {
	g := NewGuard(nil)
	if err := g.Check(guardClaims("tenant-1"), ""); !errors.Is(err, auth.ErrTenantMismatch) {
		t.Fatalf("expected ErrTenantMismatch, got %v", err)
	}
}

func TestGuardCrossTenantPrivilegeIsAudited(t *testing.T) {
	rec := &captureRecorder{}
	g := NewGuard(rec)

	claims := guardClaims("tenant-1", auth.CrossTenantCapability)
	if err := g.Check(claims, "tenant-2"); err != nil {
		t.Fatalf("check: %v", err)
	}

	if len(rec.events) != 1 {
		t.Fatalf("expected one audit event, got %d", len(rec.events))
	}
	ev := rec.events[0]
	if ev.Action != "tenant.cross_access" || ev.Severity != auth.SeverityElevated {
		t.Fatalf("unexpected audit event %+v", ev)
	}
	if ev.ResourceID != "tenant-2" {
		t.Fatalf("expected target tenant recorded, got %q", ev.ResourceID)
	}
}

func TestGuardNilClaims(t *testing.T) {
	g := NewGuard(nil)
	if err := g.Check(nil, "tenant-1"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}
