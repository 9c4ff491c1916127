package auth

import (
	"context"
	"fmt"
	"testing"
)

func TestCodeMapsDeadlineToTimeout(t *testing.T) {
	if got := Code(context.DeadlineExceeded); got != "timeout" {
		t.Fatalf("deadline: expected timeout, got %q", got)
	}
	wrapped := fmt.Errorf("query sessions: %w", context.DeadlineExceeded)
	if got := Code(wrapped); got != "timeout" {
		t.Fatalf("wrapped deadline: expected timeout, got %q", got)
	}
	if got := Code(ErrTimeout); got != "timeout" {
		t.Fatalf("ErrTimeout: expected timeout, got %q", got)
	}
}

func TestCodeCollapsesUnknownToInternal(t *testing.T) {
	if got := Code(fmt.Errorf("pq: connection reset")); got != "internal" {
		t.Fatalf("expected internal, got %q", got)
	}
}
