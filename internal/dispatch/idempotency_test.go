package dispatch

import (
	"testing"
	"time"
)

func TestTryBeginRejectsFreshDuplicate(t *testing.T) {
	guard := NewIdempotencyGuard()
	defer guard.Close()

	if !guard.TryBegin("mid_1") {
		t.Fatalf("expected first begin to succeed")
	}
	if guard.TryBegin("mid_1") {
		t.Fatalf("expected duplicate begin to be rejected")
	}
}

func TestCompleteAllowsReprocessing(t *testing.T) {
	guard := NewIdempotencyGuard()
	defer guard.Close()

	if !guard.TryBegin("mid_1") {
		t.Fatalf("expected first begin to succeed")
	}
	guard.Complete("mid_1")
	if !guard.TryBegin("mid_1") {
		t.Fatalf("expected begin after complete to succeed")
	}
}

func TestStaleMarkerIsReclaimed(t *testing.T) {
	guard := NewIdempotencyGuard()
	defer guard.Close()
	base := time.Now()
	guard.now = func() time.Time { return base }

	if !guard.TryBegin("mid_1") {
		t.Fatalf("expected first begin to succeed")
	}
	guard.now = func() time.Time { return base.Add(processingTimeout + time.Second) }
	if !guard.TryBegin("mid_1") {
		t.Fatalf("expected begin to succeed after the marker went stale")
	}
}

func TestSweepEvictsStaleMarkers(t *testing.T) {
	guard := NewIdempotencyGuard()
	defer guard.Close()
	base := time.Now()
	guard.now = func() time.Time { return base }

	guard.TryBegin("mid_1")
	guard.TryBegin("mid_2")
	guard.now = func() time.Time { return base.Add(processingTimeout + time.Second) }
	guard.sweep()

	guard.mu.Lock()
	remaining := len(guard.markers)
	guard.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected sweep to evict all stale markers, %d left", remaining)
	}
}

func TestEmptyMessageIDBypassesGuard(t *testing.T) {
	guard := NewIdempotencyGuard()
	defer guard.Close()

	if !guard.TryBegin("") || !guard.TryBegin("") {
		t.Fatalf("expected events without an upstream message id to always pass")
	}
}
