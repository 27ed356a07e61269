// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// recorder captures Fatalf calls instead of stopping the test.
type recorder struct {
	failed  bool
	message string
}

func (r *recorder) Helper() {}

func (r *recorder) Fatalf(format string, args ...any) {
	r.failed = true
	r.message = fmt.Sprintf(format, args...)
	// Unwind like t.Fatalf would.
	panic(r)
}

func capture(f func(*recorder)) (r *recorder) {
	r = &recorder{}
	defer func() {
		if recovered := recover(); recovered != nil && recovered != r {
			panic(recovered)
		}
	}()
	f(r)
	return r
}

func TestRequireReceive(t *testing.T) {
	ch := make(chan int, 1)
	ch <- 7
	if got := RequireReceive(t, ch, time.Second, "value"); got != 7 {
		t.Fatalf("got %d, want 7", got)
	}

	result := capture(func(r *recorder) {
		RequireReceive(r, make(chan int), time.Millisecond, "waiting for %s", "nothing")
	})
	if !result.failed || !strings.Contains(result.message, "waiting for nothing") {
		t.Fatalf("expected timeout failure, got %+v", result)
	}
}

func TestRequireClosed(t *testing.T) {
	closed := make(chan struct{})
	close(closed)
	RequireClosed(t, closed, time.Second, "closed channel")

	result := capture(func(r *recorder) {
		RequireClosed(r, make(chan struct{}), time.Millisecond, "replica exit")
	})
	if !result.failed || !strings.Contains(result.message, "waiting for channel close: replica exit") {
		t.Fatalf("expected timeout failure, got %+v", result)
	}

	// RequireReceive treats a close as a failure; RequireClosed is the
	// helper for channels that signal by closing.
	closedAgain := make(chan struct{})
	close(closedAgain)
	result = capture(func(r *recorder) { RequireReceive(r, (<-chan struct{})(closedAgain), time.Second) })
	if !result.failed || !strings.Contains(result.message, "channel closed") {
		t.Fatalf("expected RequireReceive to reject a closed channel, got %+v", result)
	}
}

func TestRequireBlocked(t *testing.T) {
	RequireBlocked(t, make(chan int), time.Millisecond)

	ch := make(chan int, 1)
	ch <- 1
	result := capture(func(r *recorder) { RequireBlocked(r, ch, time.Second) })
	if !result.failed {
		t.Fatal("RequireBlocked accepted a ready channel")
	}
}

func TestRequireErrorIs(t *testing.T) {
	kind := errors.New("kind")
	cause := errors.New("cause")
	RequireErrorIs(t, fmt.Errorf("op: %w: %w", kind, cause), kind, cause)

	if result := capture(func(r *recorder) { RequireErrorIs(r, nil, kind) }); !result.failed {
		t.Fatal("RequireErrorIs accepted nil")
	}
	if result := capture(func(r *recorder) { RequireErrorIs(r, cause, kind) }); !result.failed {
		t.Fatal("RequireErrorIs accepted a non-matching error")
	}
}

func TestUniqueID(t *testing.T) {
	first, second := UniqueID("svc"), UniqueID("svc")
	if first == second || !strings.HasPrefix(first, "svc-") {
		t.Fatalf("UniqueID returned %q and %q", first, second)
	}
}
