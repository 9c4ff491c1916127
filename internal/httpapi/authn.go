package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"authgrid.org/internal/auth"
)

const (
	authHeader   = "Authorization"
	bearerPrefix = "Bearer "
	tenantHeader = "X-Tenant-ID"
)

var publicPaths = []string{
	"/v1/auth/login",
	"/v1/auth/refresh",
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/info",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

func isLogoutPath(path string) bool {
	return path == "/v1/auth/logout" || path == "/v1/auth/logout_all"
}

// withAuth authenticates every non-public request: parse the bearer token,
// confirm the referenced session is still live and the capability snapshot
// still matches the identity's version. All checks fail closed.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}

		ctx, cancel := a.opContext(r.Context())
		var claims *auth.Claims
		if isLogoutPath(r.URL.Path) {
			claims, err = a.authenticateForLogout(ctx, token)
		} else {
			claims, err = a.authenticate(ctx, token)
		}
		cancel()
		if err != nil {
			writeAuthError(w, err)
			return
		}

		rctx := auth.ContextWithClaims(r.Context(), claims)
		rctx = auth.ContextWithToken(rctx, token)
		next.ServeHTTP(w, r.WithContext(rctx))
	})
}

// authenticate is the full verification pipeline shared by the middleware and
// the verify endpoint: signature and expiry, then session liveness, then
// capability-snapshot freshness.
func (a *API) authenticate(ctx context.Context, token string) (*auth.Claims, error) {
	claims, err := a.codec.ParseAccessToken(token)
	if err != nil {
		return nil, err
	}
	if err := a.sessions.Live(ctx, claims.SessionID); err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return nil, auth.ErrRevoked
		}
		return nil, err
	}
	if err := a.evaluator.VerifyFresh(ctx, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// authenticateForLogout enforces signature and expiry but tolerates a session
// that is already revoked, expired or swept: revoking it again is a no-op, so
// logout stays idempotent at the wire. Snapshot freshness is not checked
// either; an identity with stale or locked state can still log itself out.
func (a *API) authenticateForLogout(ctx context.Context, token string) (*auth.Claims, error) {
	claims, err := a.codec.ParseAccessToken(token)
	if err != nil {
		return nil, err
	}
	err = a.sessions.Live(ctx, claims.SessionID)
	switch {
	case err == nil,
		errors.Is(err, auth.ErrRevoked),
		errors.Is(err, auth.ErrExpired),
		errors.Is(err, auth.ErrNotFound):
		return claims, nil
	default:
		return nil, err
	}
}

// requireTenant extracts the tenant the request operates on and runs the
// tenant guard against the caller's claims.
func (a *API) requireTenant(r *http.Request, claims *auth.Claims) (string, error) {
	tenantID := strings.TrimSpace(r.Header.Get(tenantHeader))
	if tenantID == "" {
		tenantID = claims.TenantID
	}
	if err := a.guard.Check(claims, tenantID); err != nil {
		return "", err
	}
	return tenantID, nil
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearerPrefix)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
