package httpapi

import (
	"net/http"
	"time"
)

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleReady answers 200 only when the backing store and cache are reachable,
// so load balancers stop routing before a broken instance serves traffic.
func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	ctx, cancel := a.opContext(r.Context())
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service":    "authgrid",
		"version":    a.version,
		"time":       time.Now().UTC().Format(time.RFC3339),
		"access_ttl": a.codec.AccessTTL().String(),
	})
}
