// Package httpapi is the gateway facade: the single entry point client
// applications call for login, verify, refresh, logout and authorize
// operations. It composes the credential verifier, token codec, session
// registry, permission evaluator, tenant guard and audit recorder.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"authgrid.org/internal/auth"
	"authgrid.org/internal/authz"
	"authgrid.org/internal/obs"
	"authgrid.org/internal/session"
)

// ReadyProbe checks the collaborators the core depends on.
type ReadyProbe struct {
	DB    *sql.DB
	Redis *redis.Client
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// API is the HTTP layer.
type API struct {
	mux       *http.ServeMux
	verifier  *auth.Verifier
	codec     *auth.Codec
	sessions  *session.Registry
	evaluator *authz.Evaluator
	guard     *authz.Guard
	recorder  auth.Recorder
	store     auth.Store

	readyProbe ReadyProbe
	version    string
	opTimeout  time.Duration

	ratePerSecond int
	rateBurst     int
	loginPerMin   int
}

// Options carries gateway tunables.
type Options struct {
	Version            string
	OpTimeout          time.Duration
	RateLimitPerSecond int
	RateLimitBurst     int
	LoginRatePerMinute int
}

// New wires the gateway. Every dependency is passed explicitly.
func New(
	verifier *auth.Verifier,
	codec *auth.Codec,
	sessions *session.Registry,
	evaluator *authz.Evaluator,
	guard *authz.Guard,
	recorder auth.Recorder,
	store auth.Store,
	probe ReadyProbe,
	opts Options,
) *API {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 3 * time.Second
	}
	if opts.RateLimitPerSecond <= 0 {
		opts.RateLimitPerSecond = 50
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = 100
	}
	if opts.LoginRatePerMinute <= 0 {
		opts.LoginRatePerMinute = 10
	}

	a := &API{
		mux:           http.NewServeMux(),
		verifier:      verifier,
		codec:         codec,
		sessions:      sessions,
		evaluator:     evaluator,
		guard:         guard,
		recorder:      recorder,
		store:         store,
		readyProbe:    probe,
		version:       opts.Version,
		opTimeout:     opts.OpTimeout,
		ratePerSecond: opts.RateLimitPerSecond,
		rateBurst:     opts.RateLimitBurst,
		loginPerMin:   opts.LoginRatePerMinute,
	}

	// Login gets its own, much tighter bucket.
	loginLimited := RateLimit(http.HandlerFunc(a.handleLogin), a.loginPerMin, a.loginPerMin)
	a.mux.Handle("/v1/auth/login", loginLimited)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/verify", a.handleVerify)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/logout_all", a.handleLogoutAll)
	a.mux.HandleFunc("/v1/auth/credential", a.handleChangeCredential)

	a.mux.HandleFunc("/v1/authz/check", a.handleAuthorize)
	a.mux.HandleFunc("/v1/authz/grant", a.handleGrant)
	a.mux.HandleFunc("/v1/authz/revoke", a.handleRevokeCapability)

	a.mux.HandleFunc("/v1/activity", a.handleRecordActivity)

	a.mux.HandleFunc("/v1/identities", a.handleCreateIdentity)
	a.mux.HandleFunc("/v1/tenants", a.handleCreateTenant)

	a.mux.HandleFunc("/healthz", a.handleHealthz)
	a.mux.HandleFunc("/readyz", a.handleReady)
	a.mux.HandleFunc("/v1/info", a.handleInfo)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no such endpoint")
	})

	return a
}

// Handler returns the fully wrapped http.Handler: metrics, logging, security
// headers, body limits, rate limiting and authentication.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = RateLimit(h, a.ratePerSecond, a.rateBurst)
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	h = Logging(h)
	return obs.Instrument(h)
}

// opContext bounds a store/cache-touching operation. Transient infrastructure
// failures surface as Timeout rather than hanging.
func (a *API) opContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, a.opTimeout)
}
