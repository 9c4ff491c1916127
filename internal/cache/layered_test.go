package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func countingLoader(calls *int64, values map[string][]byte) Loader {
	return func(ctx context.Context, key string) ([]byte, error) {
		atomic.AddInt64(calls, 1)
		v, ok := values[key]
		if !ok {
			return nil, ErrNotFound
		}
		return v, nil
	}
}

func TestLayeredGetFillsLocalLayer(t *testing.T) {
	var calls int64
	l, err := NewLayered(nil, countingLoader(&calls, map[string][]byte{"k": []byte("v")}), Options{})
	if err != nil {
		t.Fatalf("new layered: %v", err)
	}

	for i := 0; i < 3; i++ {
		v, err := l.Get(context.Background(), "k")
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if string(v) != "v" {
			t.Fatalf("get %d: unexpected value %q", i, v)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one loader call, got %d", calls)
	}
}

func TestLayeredGetNotFound(t *testing.T) {
	var calls int64
	l, err := NewLayered(nil, countingLoader(&calls, nil), Options{})
	if err != nil {
		t.Fatalf("new layered: %v", err)
	}
	if _, err := l.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLayeredInvalidateForcesReload(t *testing.T) {
	values := map[string][]byte{"k": []byte("v1")}
	var calls int64
	l, err := NewLayered(nil, countingLoader(&calls, values), Options{})
	if err != nil {
		t.Fatalf("new layered: %v", err)
	}

	if _, err := l.Get(context.Background(), "k"); err != nil {
		t.Fatalf("get: %v", err)
	}
	values["k"] = []byte("v2")
	if err := l.Invalidate(context.Background(), "k"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	v, err := l.Get(context.Background(), "k")
	if err != nil {
		t.Fatalf("get after invalidate: %v", err)
	}
	if string(v) != "v2" {
		t.Fatalf("expected reloaded value, got %q", v)
	}
	if calls != 2 {
		t.Fatalf("expected two loader calls, got %d", calls)
	}
}

func TestLayeredConcurrentMissesCollapse(t *testing.T) {
	var calls int64
	slow := func(ctx context.Context, key string) ([]byte, error) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return []byte("v"), nil
	}
	l, err := NewLayered(nil, slow, Options{})
	if err != nil {
		t.Fatalf("new layered: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Get(context.Background(), "k"); err != nil {
				t.Errorf("get: %v", err)
			}
		}()
	}
	wg.Wait()

	if calls != 1 {
		t.Fatalf("expected collapsed loader call, got %d", calls)
	}
}
