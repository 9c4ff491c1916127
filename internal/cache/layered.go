// Package cache implements the layered lookup cache in front of the system of
// record: process-local LRU, then a shared Redis layer, then the loader.
// Invalidation is write-through: the local layer is cleared synchronously and
// the Redis key deleted with one round trip before the mutating call returns.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"authgrid.org/internal/obs"
)

// ErrNotFound signals the loader found no value for the key.
var ErrNotFound = errors.New("cache: not found")

// ErrTimeout signals a layer did not answer within its deadline, after one
// internal retry.
var ErrTimeout = errors.New("cache: timeout")

// Loader fetches a value from the system of record on a cache miss.
type Loader func(ctx context.Context, key string) ([]byte, error)

// Layered serves hot lookups from memory, then Redis, then the loader,
// repopulating both layers on the way back. A nil Redis client degrades to a
// two-layer cache (local + loader).
type Layered struct {
	local     *LRU
	remote    *redis.Client
	loader    Loader
	remoteTTL time.Duration
	timeout   time.Duration
	group     singleflight.Group
}

// Options tunes a Layered cache.
type Options struct {
	LocalSize int
	LocalTTL  time.Duration
	RemoteTTL time.Duration
	// Timeout bounds each Redis round trip. Zero means 500ms.
	Timeout time.Duration
}

// NewLayered wires the layers together. loader is required.
func NewLayered(remote *redis.Client, loader Loader, opts Options) (*Layered, error) {
	if loader == nil {
		return nil, errors.New("cache: loader is required")
	}
	if opts.LocalSize <= 0 {
		opts.LocalSize = 4096
	}
	if opts.LocalTTL <= 0 {
		opts.LocalTTL = 30 * time.Second
	}
	if opts.RemoteTTL <= 0 {
		opts.RemoteTTL = 5 * time.Minute
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 500 * time.Millisecond
	}
	return &Layered{
		local:     NewLRU(opts.LocalSize, opts.LocalTTL),
		remote:    remote,
		loader:    loader,
		remoteTTL: opts.RemoteTTL,
		timeout:   opts.Timeout,
	}, nil
}

// Get returns the value for key, filling missing layers on the way back.
// Concurrent misses for the same key collapse into a single loader call.
func (l *Layered) Get(ctx context.Context, key string) ([]byte, error) {
	if v, ok := l.local.Get(key); ok {
		obs.CacheHits.WithLabelValues("local").Inc()
		return v, nil
	}

	v, err, _ := l.group.Do(key, func() (any, error) {
		// Re-check: another goroutine may have filled the local layer while
		// we waited on the flight group.
		if v, ok := l.local.Get(key); ok {
			return v, nil
		}
		if l.remote != nil {
			if v, err := l.remoteGet(ctx, key); err == nil {
				obs.CacheHits.WithLabelValues("remote").Inc()
				l.local.Set(key, v)
				return v, nil
			}
		}
		obs.CacheMisses.Inc()
		v, err := l.loader(ctx, key)
		if err != nil {
			return nil, err
		}
		l.local.Set(key, v)
		if l.remote != nil {
			// Population is best effort; the next reader reloads on miss.
			_ = l.remoteSet(ctx, key, v)
		}
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Invalidate removes key from both layers. The local removal is immediate;
// the Redis delete is retried once and its failure is returned so a mutator
// never reports success while the shared layer may still serve stale data.
func (l *Layered) Invalidate(ctx context.Context, key string) error {
	l.local.Delete(key)
	if l.remote == nil {
		return nil
	}
	if err := l.remoteDel(ctx, key); err != nil {
		return err
	}
	return nil
}

// remoteRetryBackoff separates the single retry from the failed attempt so a
// momentary blip on the Redis connection gets a chance to clear.
const remoteRetryBackoff = 25 * time.Millisecond

func (l *Layered) remoteGet(ctx context.Context, key string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(remoteRetryBackoff)
		}
		cctx, cancel := context.WithTimeout(ctx, l.timeout)
		v, err := l.remote.Get(cctx, key).Bytes()
		cancel()
		if err == nil {
			return v, nil
		}
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		lastErr = err
	}
	return nil, errors.Join(ErrTimeout, lastErr)
}

func (l *Layered) remoteSet(ctx context.Context, key string, value []byte) error {
	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return l.remote.Set(cctx, key, value, l.remoteTTL).Err()
}

func (l *Layered) remoteDel(ctx context.Context, key string) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(remoteRetryBackoff)
		}
		cctx, cancel := context.WithTimeout(ctx, l.timeout)
		err := l.remote.Del(cctx, key).Err()
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return errors.Join(ErrTimeout, lastErr)
}
