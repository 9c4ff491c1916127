package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"authgrid.org/internal/auth"
)

type captureRecorder struct {
	events []*auth.AuditEvent
}

func (c *captureRecorder) Record(ev *auth.AuditEvent) {
	c.events = append(c.events, ev)
}

func activeIdentity(t *testing.T, store *auth.MemoryStore) *auth.Identity {
	t.Helper()
	identity := &auth.Identity{
		ID:           "id-1",
		TenantID:     "tenant-1",
		Identifier:   "user@example.com",
		Status:       auth.StatusActive,
		Capabilities: []string{"ledger:read"},
		Version:      1,
	}
	if err := store.Identities().Create(context.Background(), identity); err != nil {
		t.Fatalf("create identity: %v", err)
	}
	return identity
}

func TestCreateIssuesOpaqueRefreshToken(t *testing.T) {
	store := auth.NewMemoryStore()
	identity := activeIdentity(t, store)
	reg := NewRegistry(store, nil, nil)

	sess, raw, err := reg.Create(context.Background(), identity, auth.Fingerprint{IP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.ID == "" || !sess.ExpiresAt.After(sess.IssuedAt) {
		t.Fatalf("unexpected session %+v", sess)
	}

	parts := strings.Split(raw, ".")
	if len(parts) != 2 {
		t.Fatalf("expected id.secret token, got %q", raw)
	}
	rec, err := store.RefreshTokens().Find(context.Background(), parts[0])
	if err != nil {
		t.Fatalf("find token: %v", err)
	}
	if rec.TokenHash == parts[1] || strings.Contains(rec.TokenHash, parts[1]) {
		t.Fatalf("raw secret must not be stored")
	}
}

func TestRotateIssuesNewTokenAndConsumesOld(t *testing.T) {
	store := auth.NewMemoryStore()
	identity := activeIdentity(t, store)
	reg := NewRegistry(store, nil, nil)

	sess, raw, err := reg.Create(context.Background(), identity, auth.Fingerprint{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rotated, rotatedIdentity, newRaw, err := reg.Rotate(context.Background(), raw, auth.Fingerprint{IP: "10.0.0.2"})
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.ID != sess.ID {
		t.Fatalf("rotation must stay within the session")
	}
	if rotatedIdentity.ID != identity.ID {
		t.Fatalf("unexpected identity %q", rotatedIdentity.ID)
	}
	if newRaw == raw {
		t.Fatalf("expected a fresh refresh token")
	}

	oldID := strings.SplitN(raw, ".", 2)[0]
	oldRec, err := store.RefreshTokens().Find(context.Background(), oldID)
	if err != nil {
		t.Fatalf("find old token: %v", err)
	}
	if !oldRec.Rotated {
		t.Fatalf("old token must be marked rotated")
	}

	// The new token works for the next rotation.
	if _, _, _, err := reg.Rotate(context.Background(), newRaw, auth.Fingerprint{}); err != nil {
		t.Fatalf("second rotate: %v", err)
	}
}

func TestRotateReuseRevokesLineage(t *testing.T) {
	store := auth.NewMemoryStore()
	identity := activeIdentity(t, store)
	rec := &captureRecorder{}
	reg := NewRegistry(store, nil, rec)

	sess, raw, err := reg.Create(context.Background(), identity, auth.Fingerprint{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, _, newRaw, err := reg.Rotate(context.Background(), raw, auth.Fingerprint{})
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}

	// Replaying the consumed token tears down the whole lineage.
	if _, _, _, err := reg.Rotate(context.Background(), raw, auth.Fingerprint{}); !errors.Is(err, auth.ErrReuseDetected) {
		t.Fatalf("expected ErrReuseDetected, got %v", err)
	}

	if err := reg.Live(context.Background(), sess.ID); !errors.Is(err, auth.ErrRevoked) {
		t.Fatalf("expected session revoked, got %v", err)
	}
	// The legitimately issued successor is revoked too.
	if _, _, _, err := reg.Rotate(context.Background(), newRaw, auth.Fingerprint{}); !errors.Is(err, auth.ErrRevoked) {
		t.Fatalf("expected successor revoked, got %v", err)
	}

	var audited bool
	for _, ev := range rec.events {
		if ev.Action == "session.reuse_detected" && ev.Severity == auth.SeverityElevated {
			audited = true
		}
	}
	if !audited {
		t.Fatalf("expected elevated reuse audit event")
	}
}

func TestRotateExpiredToken(t *testing.T) {
	store := auth.NewMemoryStore()
	identity := activeIdentity(t, store)

	now := time.Now()
	reg := NewRegistry(store, nil, nil,
		WithRefreshTTL(time.Hour),
		WithClock(func() time.Time { return now }))

	_, raw, err := reg.Create(context.Background(), identity, auth.Fingerprint{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	now = now.Add(2 * time.Hour)
	if _, _, _, err := reg.Rotate(context.Background(), raw, auth.Fingerprint{}); !errors.Is(err, auth.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestRotateMalformedAndUnknown(t *testing.T) {
	store := auth.NewMemoryStore()
	reg := NewRegistry(store, nil, nil)

	if _, _, _, err := reg.Rotate(context.Background(), "no-separator", auth.Fingerprint{}); !errors.Is(err, auth.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if _, _, _, err := reg.Rotate(context.Background(), "unknown.secret", auth.Fingerprint{}); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestRotateWrongSecret(t *testing.T) {
	store := auth.NewMemoryStore()
	identity := activeIdentity(t, store)
	reg := NewRegistry(store, nil, nil)

	_, raw, err := reg.Create(context.Background(), identity, auth.Fingerprint{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := strings.SplitN(raw, ".", 2)[0]
	if _, _, _, err := reg.Rotate(context.Background(), id+".forged-secret", auth.Fingerprint{}); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestRotateWrongSecretLeavesLineageIntact(t *testing.T) {
	store := auth.NewMemoryStore()
	identity := activeIdentity(t, store)
	reg := NewRegistry(store, nil, nil)

	sess, raw, err := reg.Create(context.Background(), identity, auth.Fingerprint{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, _, newRaw, err := reg.Rotate(context.Background(), raw, auth.Fingerprint{})
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}

	// A known (consumed) token id with a forged secret is a plain denial,
	// not a replay: the session and its successor token stay usable.
	oldID := strings.SplitN(raw, ".", 2)[0]
	if _, _, _, err := reg.Rotate(context.Background(), oldID+".forged-secret", auth.Fingerprint{}); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := reg.Live(context.Background(), sess.ID); err != nil {
		t.Fatalf("session must stay live, got %v", err)
	}
	if _, _, _, err := reg.Rotate(context.Background(), newRaw, auth.Fingerprint{}); err != nil {
		t.Fatalf("successor must still rotate: %v", err)
	}
}

func TestRotateLostRaceReadsAsReuse(t *testing.T) {
	store := auth.NewMemoryStore()
	identity := activeIdentity(t, store)
	reg := NewRegistry(store, nil, nil)

	_, raw, err := reg.Create(context.Background(), identity, auth.Fingerprint{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, _, _, err = reg.Rotate(context.Background(), raw, auth.Fingerprint{})
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}

	// The consuming update is conditional: a second MarkRotated on the same
	// token affects nothing and reports ErrNotFound, which is what lets one
	// instance detect that another already won the rotation.
	oldID := strings.SplitN(raw, ".", 2)[0]
	if err := store.RefreshTokens().MarkRotated(context.Background(), oldID); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on already rotated token, got %v", err)
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	store := auth.NewMemoryStore()
	identity := activeIdentity(t, store)
	reg := NewRegistry(store, nil, nil)

	sess, raw, err := reg.Create(context.Background(), identity, auth.Fingerprint{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := reg.Revoke(context.Background(), sess.ID); err != nil {
			t.Fatalf("revoke %d: %v", i, err)
		}
	}
	if err := reg.Revoke(context.Background(), "unknown-session"); err != nil {
		t.Fatalf("revoke unknown: %v", err)
	}

	if err := reg.Live(context.Background(), sess.ID); !errors.Is(err, auth.ErrRevoked) {
		t.Fatalf("expected revoked, got %v", err)
	}
	if _, _, _, err := reg.Rotate(context.Background(), raw, auth.Fingerprint{}); !errors.Is(err, auth.ErrRevoked) {
		t.Fatalf("expected refresh refused after revoke, got %v", err)
	}
}

func TestRevokeAllEndsEverySession(t *testing.T) {
	store := auth.NewMemoryStore()
	identity := activeIdentity(t, store)
	reg := NewRegistry(store, nil, nil)

	var sessions []*auth.Session
	for i := 0; i < 3; i++ {
		sess, _, err := reg.Create(context.Background(), identity, auth.Fingerprint{})
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		sessions = append(sessions, sess)
	}

	if err := reg.RevokeAll(context.Background(), identity.TenantID, identity.ID); err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	for _, sess := range sessions {
		if err := reg.Live(context.Background(), sess.ID); !errors.Is(err, auth.ErrRevoked) {
			t.Fatalf("session %s still live: %v", sess.ID, err)
		}
	}
}

func TestSweepRemovesExpiredSessions(t *testing.T) {
	store := auth.NewMemoryStore()
	identity := activeIdentity(t, store)

	now := time.Now()
	reg := NewRegistry(store, nil, nil,
		WithRefreshTTL(time.Hour),
		WithGracePeriod(time.Hour),
		WithClock(func() time.Time { return now }))

	sess, _, err := reg.Create(context.Background(), identity, auth.Fingerprint{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Expired but still within the grace period.
	now = now.Add(90 * time.Minute)
	n, err := reg.Sweep(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected nothing swept, got n=%d err=%v", n, err)
	}

	now = now.Add(time.Hour)
	n, err = reg.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 swept, got %d", n)
	}
	if _, err := store.Sessions().Find(context.Background(), sess.ID); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected session removed, got %v", err)
	}
}
