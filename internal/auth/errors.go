package auth

import (
	"context"
	"errors"
)

// Error kinds surfaced by the auth core. Each maps to a stable code in the
// response envelope; internal causes are never leaked into these.
var (
	ErrInvalidCredential = errors.New("auth: invalid credential")
	ErrLocked            = errors.New("auth: identity locked")
	ErrNotFound          = errors.New("auth: not found")
	ErrExpired           = errors.New("auth: expired")
	ErrRevoked           = errors.New("auth: revoked")
	ErrMalformed         = errors.New("auth: malformed token")
	ErrBadSignature      = errors.New("auth: bad signature")
	ErrStalePermissions  = errors.New("auth: stale permissions")
	ErrTenantMismatch    = errors.New("auth: tenant mismatch")
	ErrTimeout           = errors.New("auth: timeout")
	ErrReuseDetected     = errors.New("auth: refresh token reuse detected")
	ErrOverflow          = errors.New("auth: audit buffer overflow")
	ErrUnauthorized      = errors.New("auth: unauthorized")
	ErrInvalidInput      = errors.New("auth: invalid input")
	ErrConflict          = errors.New("auth: already exists")
)

// Code maps an error kind to its stable machine-readable code. Unrecognized
// errors collapse to "internal" so storage details never reach clients.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCredential):
		return "invalid_credential"
	case errors.Is(err, ErrLocked):
		return "locked"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrRevoked):
		return "revoked"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrStalePermissions):
		return "stale_permissions"
	case errors.Is(err, ErrTenantMismatch):
		return "tenant_mismatch"
	case errors.Is(err, ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		// Store and cache deadlines surface as the stable timeout code.
		return "timeout"
	case errors.Is(err, ErrReuseDetected):
		return "reuse_detected"
	case errors.Is(err, ErrOverflow):
		return "overflow"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "internal"
	}
}
