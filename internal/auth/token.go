package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims is the self-contained payload of an access token: identity, tenant,
// capability snapshot, the identity version at issuance and a back-reference
// to the session the token belongs to.
type Claims struct {
	TenantID        string   `json:"tid"`
	SessionID       string   `json:"sid"`
	Capabilities    []string `json:"cap"`
	IdentityVersion int64    `json:"ver"`
	jwt.RegisteredClaims
}

// IdentityID returns the subject of the token.
func (c *Claims) IdentityID() string {
	return c.Subject
}

// HasCapability reports whether the snapshot contains the capability exactly.
func (c *Claims) HasCapability(capability string) bool {
	for _, v := range c.Capabilities {
		if v == capability {
			return true
		}
	}
	return false
}

// Codec issues and parses access tokens. It is pure: no I/O, no shared
// mutable state, safe for concurrent use without synchronization.
type Codec struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithAccessTTL overrides the default access token lifetime.
func WithAccessTTL(ttl time.Duration) CodecOption {
	return func(c *Codec) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) CodecOption {
	return func(c *Codec) {
		if fn != nil {
			c.now = fn
		}
	}
}

const defaultAccessTTL = 15 * time.Minute

// NewCodec constructs a Codec signing with HS256.
func NewCodec(secret, issuer string, opts ...CodecOption) (*Codec, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("token secret is required")
	}
	c := &Codec{
		secret: []byte(secret),
		issuer: strings.TrimSpace(issuer),
		ttl:    defaultAccessTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// AccessTTL returns the configured access token lifetime.
func (c *Codec) AccessTTL() time.Duration {
	return c.ttl
}

// IssueAccessToken signs an access token for the identity bound to sessionID.
// The capability set and version are snapshotted as of issuance.
func (c *Codec) IssueAccessToken(identity *Identity, sessionID string) (string, time.Time, error) {
	if identity == nil || identity.ID == "" {
		return "", time.Time{}, errors.New("identity is required")
	}
	if sessionID == "" {
		return "", time.Time{}, errors.New("session id is required")
	}
	now := c.now().UTC()
	exp := now.Add(c.ttl)

	caps := make([]string, len(identity.Capabilities))
	copy(caps, identity.Capabilities)

	claims := Claims{
		TenantID:        identity.TenantID,
		SessionID:       sessionID,
		Capabilities:    caps,
		IdentityVersion: identity.Version,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   identity.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// ParseAccessToken verifies signature and expiry and returns the claims.
// Liveness of the referenced session and freshness of the capability snapshot
// are checked separately by the gateway.
func (c *Codec) ParseAccessToken(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMalformed
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrBadSignature
		}
		return c.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return c.now().UTC() }))
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrBadSignature
		default:
			return nil, ErrMalformed
		}
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrMalformed
	}
	if err := c.validateClaims(claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (c *Codec) validateClaims(claims *Claims) error {
	if c.issuer != "" && claims.Issuer != c.issuer {
		return ErrMalformed
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return ErrMalformed
	}
	if strings.TrimSpace(claims.TenantID) == "" || strings.TrimSpace(claims.SessionID) == "" {
		return ErrMalformed
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return ErrMalformed
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return ErrMalformed
	}
	// Allow a small clock skew of 5 seconds when validating issued-at.
	if claims.IssuedAt.Time.After(c.now().UTC().Add(5 * time.Second)) {
		return ErrMalformed
	}
	return nil
}
