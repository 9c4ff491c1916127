package auth

import (
	"errors"
	"testing"
	"time"
)

func testIdentity() *Identity {
	return &Identity{
		ID:           "id-1",
		TenantID:     "tenant-1",
		Identifier:   "user@example.com",
		Status:       StatusActive,
		Capabilities: []string{"ledger:read", "ledger:write"},
		Version:      3,
	}
}

func TestIssueAndParseAccessToken(t *testing.T) {
	codec, err := NewCodec("test-secret", "authgrid-test")
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}

	token, exp, err := codec.IssueAccessToken(testIdentity(), "sess-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !exp.After(time.Now()) {
		t.Fatalf("expected future expiry, got %v", exp)
	}

	claims, err := codec.ParseAccessToken(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.IdentityID() != "id-1" {
		t.Fatalf("expected subject id-1, got %q", claims.IdentityID())
	}
	if claims.TenantID != "tenant-1" || claims.SessionID != "sess-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.IdentityVersion != 3 {
		t.Fatalf("expected version 3, got %d", claims.IdentityVersion)
	}
	if !claims.HasCapability("ledger:write") {
		t.Fatalf("expected capability snapshot preserved")
	}
}

func TestParseAccessTokenExpired(t *testing.T) {
	issued := time.Now().Add(-time.Hour)
	codec, err := NewCodec("test-secret", "authgrid-test",
		WithAccessTTL(time.Minute),
		WithClock(func() time.Time { return issued }))
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	token, _, err := codec.IssueAccessToken(testIdentity(), "sess-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	live, err := NewCodec("test-secret", "authgrid-test")
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	if _, err := live.ParseAccessToken(token); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestParseAccessTokenBadSignature(t *testing.T) {
	codec, _ := NewCodec("secret-a", "authgrid-test")
	other, _ := NewCodec("secret-b", "authgrid-test")

	token, _, err := codec.IssueAccessToken(testIdentity(), "sess-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := other.ParseAccessToken(token); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestParseAccessTokenMalformed(t *testing.T) {
	codec, _ := NewCodec("test-secret", "authgrid-test")
	for _, token := range []string{"", "garbage", "a.b.c"} {
		if _, err := codec.ParseAccessToken(token); !errors.Is(err, ErrMalformed) {
			t.Fatalf("token %q: expected ErrMalformed, got %v", token, err)
		}
	}
}

func TestParseAccessTokenWrongIssuer(t *testing.T) {
	issuer, _ := NewCodec("test-secret", "someone-else")
	token, _, err := issuer.IssueAccessToken(testIdentity(), "sess-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	codec, _ := NewCodec("test-secret", "authgrid-test")
	if _, err := codec.ParseAccessToken(token); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for wrong issuer, got %v", err)
	}
}
