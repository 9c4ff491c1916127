package locks

import (
	"sync"
	"testing"
	"time"
)

func TestKeyedSerializesSameKey(t *testing.T) {
	k := NewKeyed()
	var counter int

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k.Lock("a")
			counter++
			k.Unlock("a")
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Fatalf("expected 50, got %d", counter)
	}
}

func TestKeyedIndependentKeysDoNotBlock(t *testing.T) {
	k := NewKeyed()
	k.Lock("a")
	defer k.Unlock("a")

	done := make(chan struct{})
	go func() {
		k.Lock("b")
		k.Unlock("b")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("lock on independent key blocked")
	}
}

func TestKeyedReleasesEntries(t *testing.T) {
	k := NewKeyed()
	k.Lock("a")
	k.Unlock("a")
	if n := len(k.locks); n != 0 {
		t.Fatalf("expected empty lock map, got %d entries", n)
	}
}

func TestKeyedUnlockUnheldPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	NewKeyed().Unlock("never-held")
}
