package sync

import (
	"testing"
	"time"
)

func TestBackoffDelaysGrowAndCap(t *testing.T) {
	var b Backoff
	now := time.Now()

	var prev time.Duration
	for i := 0; i < 12; i++ {
		delay := b.Fail(now)
		if delay < prev {
			t.Errorf("attempt %d: delay %v decreased below %v", i, delay, prev)
		}
		if delay > maxBackoffDelay {
			t.Errorf("attempt %d: delay %v exceeds cap %v", i, delay, maxBackoffDelay)
		}
		prev = delay
	}

	// Well past the shift cap the delay must be stable.
	if delay := b.Fail(now); delay != prev {
		t.Errorf("capped delay = %v, want %v", delay, prev)
	}
}

func TestBackoffFirstDelayIsBase(t *testing.T) {
	var b Backoff
	if delay := b.Fail(time.Now()); delay != backoffBase {
		t.Errorf("first delay = %v, want %v", delay, backoffBase)
	}
}

func TestBackoffReadyGatesRetries(t *testing.T) {
	var b Backoff
	now := time.Now()

	if !b.Ready(now) {
		t.Error("zero backoff should be ready")
	}

	delay := b.Fail(now)
	if b.Ready(now.Add(delay - time.Millisecond)) {
		t.Error("should not be ready before the delay elapses")
	}
	if !b.Ready(now.Add(delay)) {
		t.Error("should be ready once the delay elapses")
	}
}

func TestBackoffResetClearsState(t *testing.T) {
	var b Backoff
	now := time.Now()

	b.Fail(now)
	b.Fail(now)
	b.Reset()

	if b.Attempts() != 0 {
		t.Errorf("attempts after reset = %d, want 0", b.Attempts())
	}
	if !b.Ready(now) {
		t.Error("should be ready immediately after reset")
	}
	if delay := b.Fail(now); delay != backoffBase {
		t.Errorf("delay after reset = %v, want %v", delay, backoffBase)
	}
}
