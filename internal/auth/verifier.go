package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"authgrid.org/internal/obs"
)

// Recorder is the consumer-side view of the audit recorder. Record must never
// block the caller.
type Recorder interface {
	Record(ev *AuditEvent)
}

// Invalidator clears an identity's cached snapshot after a status change.
type Invalidator func(ctx context.Context, tenantID, identityID string) error

// Verifier checks submitted credentials and enforces the lockout policy:
// N consecutive failures within a sliding window lock the identity.
type Verifier struct {
	store      Store
	recorder   Recorder
	invalidate Invalidator
	threshold  int
	window     time.Duration
	now        func() time.Time

	mu       sync.Mutex
	failures map[string][]time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithLockoutPolicy overrides the failure threshold and sliding window.
func WithLockoutPolicy(threshold int, window time.Duration) VerifierOption {
	return func(v *Verifier) {
		if threshold > 0 {
			v.threshold = threshold
		}
		if window > 0 {
			v.window = window
		}
	}
}

// WithInvalidator installs the hook that evicts an identity's cached
// snapshot when the lockout transitions its status. Without it a cached
// snapshot keeps authorizing the identity until its TTL runs out.
func WithInvalidator(fn Invalidator) VerifierOption {
	return func(v *Verifier) {
		v.invalidate = fn
	}
}

// WithVerifierClock overrides the time source.
func WithVerifierClock(fn func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if fn != nil {
			v.now = fn
		}
	}
}

const (
	defaultLockoutThreshold = 5
	defaultLockoutWindow    = 15 * time.Minute
)

// NewVerifier constructs a Verifier. recorder may be nil in tests.
func NewVerifier(store Store, recorder Recorder, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		store:     store,
		recorder:  recorder,
		threshold: defaultLockoutThreshold,
		window:    defaultLockoutWindow,
		now:       time.Now,
		failures:  make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks the submitted secret for (tenantID, identifier). On success
// the failure counter resets. On repeated failure the identity transitions to
// locked and the lockout is audited.
func (v *Verifier) Verify(ctx context.Context, tenantID, identifier, secret string) (*Identity, error) {
	tenantID = strings.TrimSpace(tenantID)
	identifier = strings.TrimSpace(strings.ToLower(identifier))
	if tenantID == "" || identifier == "" || secret == "" {
		return nil, ErrInvalidCredential
	}

	identity, err := v.store.Identities().FindByIdentifier(ctx, tenantID, identifier)
	if err != nil {
		return nil, err
	}
	switch identity.Status {
	case StatusLocked:
		return nil, ErrLocked
	case StatusActive:
	default:
		// Disabled identities fail closed without revealing lifecycle state.
		return nil, ErrInvalidCredential
	}

	if err := VerifyCredential(identity.CredentialHash, secret); err != nil {
		obs.LoginFailures.Inc()
		if v.noteFailure(tenantID, identity.ID) {
			if lockErr := v.lock(ctx, identity); lockErr != nil {
				return nil, lockErr
			}
			return nil, ErrLocked
		}
		return nil, ErrInvalidCredential
	}

	v.resetFailures(tenantID, identity.ID)
	return identity, nil
}

// noteFailure records a failed attempt and reports whether the threshold was
// crossed within the window.
func (v *Verifier) noteFailure(tenantID, identityID string) bool {
	key := tenantID + "/" + identityID
	now := v.now()
	cutoff := now.Add(-v.window)

	v.mu.Lock()
	defer v.mu.Unlock()

	recent := v.failures[key][:0:0]
	for _, t := range v.failures[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	v.failures[key] = recent
	return len(recent) >= v.threshold
}

func (v *Verifier) resetFailures(tenantID, identityID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.failures, tenantID+"/"+identityID)
}

func (v *Verifier) lock(ctx context.Context, identity *Identity) error {
	if err := v.store.Identities().UpdateStatus(ctx, identity.TenantID, identity.ID, StatusLocked); err != nil {
		return err
	}
	// The lockout must take effect before this call returns; a stale cached
	// snapshot would keep honoring the identity's outstanding tokens.
	if v.invalidate != nil {
		if err := v.invalidate(ctx, identity.TenantID, identity.ID); err != nil {
			return err
		}
	}
	v.resetFailures(identity.TenantID, identity.ID)
	if v.recorder != nil {
		v.recorder.Record(&AuditEvent{
			TenantID:     identity.TenantID,
			ActorID:      identity.ID,
			Action:       "identity.locked",
			ResourceType: "identity",
			ResourceID:   identity.ID,
			Metadata:     map[string]string{"reason": "consecutive login failures"},
			Outcome:      OutcomeFailure,
			Severity:     SeverityElevated,
			OccurredAt:   v.now().UTC(),
		})
	}
	return nil
}
