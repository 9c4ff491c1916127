package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"authgrid.org/internal/auth"
)

// envelope is the uniform response shape: a data payload on success, a
// machine-readable code plus human message on error.
type envelope struct {
	Status string    `json:"status"`
	Data   any       `json:"data,omitempty"`
	Error  *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(envelope{Status: "success", Data: data})
}

func writeError(w http.ResponseWriter, code int, errCode, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(envelope{
		Status: "error",
		Error:  &apiError{Code: errCode, Message: message},
	})
}

// writeAuthError maps an auth error kind to its HTTP status and stable code.
// Internal causes never reach the response body.
func writeAuthError(w http.ResponseWriter, err error) {
	code := auth.Code(err)
	writeError(w, httpStatus(err), code, publicMessage(code))
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidCredential),
		errors.Is(err, auth.ErrExpired),
		errors.Is(err, auth.ErrRevoked),
		errors.Is(err, auth.ErrMalformed),
		errors.Is(err, auth.ErrBadSignature),
		errors.Is(err, auth.ErrStalePermissions),
		errors.Is(err, auth.ErrReuseDetected),
		errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrLocked),
		errors.Is(err, auth.ErrTenantMismatch):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, auth.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, auth.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, auth.ErrOverflow):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func publicMessage(code string) string {
	switch code {
	case "invalid_credential":
		return "invalid credentials"
	case "locked":
		return "identity is locked"
	case "not_found":
		return "resource not found"
	case "expired":
		return "token expired"
	case "revoked":
		return "session revoked"
	case "malformed":
		return "malformed token"
	case "bad_signature":
		return "invalid token signature"
	case "stale_permissions":
		return "permissions changed since token issuance"
	case "tenant_mismatch":
		return "operation crosses tenant boundary"
	case "timeout":
		return "operation timed out"
	case "reuse_detected":
		return "refresh token reuse detected; re-authentication required"
	case "overflow":
		return "audit buffer overflow"
	case "unauthorized":
		return "unauthorized"
	case "invalid_input":
		return "invalid input"
	case "conflict":
		return "resource already exists"
	default:
		return "internal error"
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid request body")
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}
