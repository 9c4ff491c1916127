// Package audit records security- and business-relevant events without ever
// blocking the request path. Events sit in a bounded in-process buffer and a
// single delivery goroutine drains them to a durable sink, preserving
// submission order (and therefore per-actor order).
package audit

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"authgrid.org/internal/auth"
	"authgrid.org/internal/ids"
	"authgrid.org/internal/obs"
)

// Sink is the durable destination for audit events.
type Sink interface {
	Write(ctx context.Context, ev *auth.AuditEvent) error
}

// StoreSink writes events to the auth store's append-only log.
type StoreSink struct {
	store auth.Store
}

// NewStoreSink wraps a store as a Sink.
func NewStoreSink(store auth.Store) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Write(ctx context.Context, ev *auth.AuditEvent) error {
	return s.store.AuditEvents().Append(ctx, ev)
}

// LogSink emits events as structured log lines. Used when no durable store is
// configured and as a last-resort record of lost events.
type LogSink struct{}

func (LogSink) Write(ctx context.Context, ev *auth.AuditEvent) error {
	obs.LogRequest(map[string]any{
		"ts":       ev.OccurredAt.Format(time.RFC3339Nano),
		"type":     "audit",
		"event":    ev.Action,
		"tenant":   ev.TenantID,
		"actor":    ev.ActorID,
		"resource": ev.ResourceType + "/" + ev.ResourceID,
		"outcome":  ev.Outcome,
		"severity": ev.Severity,
	})
	return nil
}

// Recorder buffers events and delivers them asynchronously. When the buffer
// is full the oldest event is dropped rather than blocking the caller; once
// capacity is restored a single overflow meta-event records how many were
// lost.
type Recorder struct {
	sink     Sink
	capacity int
	retries  int
	backoff  time.Duration
	timeout  time.Duration
	now      func() time.Time

	mu      sync.Mutex
	buf     []*auth.AuditEvent
	dropped int
	closed  bool

	wake chan struct{}
	done chan struct{}
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithCapacity bounds the in-process buffer.
func WithCapacity(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.capacity = n
		}
	}
}

// WithRetryPolicy caps delivery attempts per event and sets the base backoff,
// doubled on each retry.
func WithRetryPolicy(maxAttempts int, backoff time.Duration) RecorderOption {
	return func(r *Recorder) {
		if maxAttempts > 0 {
			r.retries = maxAttempts
		}
		if backoff > 0 {
			r.backoff = backoff
		}
	}
}

// WithDeliveryTimeout bounds each sink write.
func WithDeliveryTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRecorderClock overrides the time source.
func WithRecorderClock(fn func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRecorder constructs a Recorder and starts its delivery goroutine.
func NewRecorder(sink Sink, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		sink:     sink,
		capacity: 1024,
		retries:  5,
		backoff:  200 * time.Millisecond,
		timeout:  3 * time.Second,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.run()
	return r
}

var _ auth.Recorder = (*Recorder)(nil)

// Record enqueues an event. It never blocks beyond taking the buffer lock:
// when the buffer is full the oldest buffered event is dropped.
func (r *Recorder) Record(ev *auth.AuditEvent) {
	if ev == nil {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = r.now().UTC()
	}
	if ev.ID == "" {
		ev.ID = ids.NewAt(ev.OccurredAt)
	}
	if ev.Severity == "" {
		ev.Severity = auth.SeverityNormal
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if len(r.buf) >= r.capacity {
		r.buf = r.buf[1:]
		r.dropped++
		obs.AuditDropped.Inc()
	}
	r.buf = append(r.buf, ev)
	obs.AuditQueueDepth.Set(float64(len(r.buf)))
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Close stops accepting events and drains the buffer until empty or ctx
// expires.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}

	for {
		r.mu.Lock()
		empty := len(r.buf) == 0
		r.mu.Unlock()
		if empty {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for {
		ev, dropped := r.pop()
		if ev == nil {
			if r.isClosed() {
				return
			}
			<-r.wake
			continue
		}
		if dropped > 0 {
			// Capacity was restored: record the loss once.
			r.deliver(&auth.AuditEvent{
				ID:         ids.NewAt(r.now()),
				TenantID:   ev.TenantID,
				Action:     "audit.overflow",
				Metadata:   map[string]string{"dropped": strconv.Itoa(dropped)},
				Outcome:    auth.OutcomeFailure,
				Severity:   auth.SeverityElevated,
				OccurredAt: r.now().UTC(),
			})
		}
		r.deliver(ev)
	}
}

func (r *Recorder) pop() (*auth.AuditEvent, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) == 0 {
		return nil, 0
	}
	ev := r.buf[0]
	r.buf = r.buf[1:]
	obs.AuditQueueDepth.Set(float64(len(r.buf)))
	dropped := r.dropped
	r.dropped = 0
	return ev, dropped
}

func (r *Recorder) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed && len(r.buf) == 0
}

// deliver writes one event, retrying transient sink failures with exponential
// backoff up to the retry budget. An event that exhausts the budget is logged
// as lost, never silently dropped.
func (r *Recorder) deliver(ev *auth.AuditEvent) {
	backoff := r.backoff
	var lastErr error
	for attempt := 0; attempt < r.retries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		err := r.sink.Write(ctx, ev)
		cancel()
		if err == nil {
			return
		}
		lastErr = err
		// No sleep after the final attempt; the queue moves on immediately.
		if attempt == r.retries-1 {
			break
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	obs.AuditLost.Inc()
	obs.Log("error", "audit event lost", map[string]any{
		"event_id": ev.ID,
		"action":   ev.Action,
		"tenant":   ev.TenantID,
		"error":    errString(lastErr),
	})
	// Last-resort record: the event survives in the log stream even though
	// the durable sink refused it.
	_ = LogSink{}.Write(context.Background(), ev)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return "timeout: " + err.Error()
	}
	return err.Error()
}
