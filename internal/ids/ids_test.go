package ids

import (
	"testing"
	"time"
)

func TestNewIsUniqueAndValid(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if !Valid(id) {
			t.Fatalf("invalid id %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestNewAtOrdering(t *testing.T) {
	early := NewAt(time.Unix(1000, 0))
	late := NewAt(time.Unix(2000, 0))
	if early >= late {
		t.Fatalf("ids must sort by time: %q vs %q", early, late)
	}
}

func TestValidRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "not-an-id", "0000"} {
		if Valid(s) {
			t.Fatalf("expected %q invalid", s)
		}
	}
}
