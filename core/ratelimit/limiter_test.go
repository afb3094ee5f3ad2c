package ratelimit

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestLimiterAllowsUpToMaxWithinWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limiter := New(clock)

	if !limiter.Acquire("plugin:weather", 1, time.Minute) {
		t.Fatalf("expected first call to be allowed")
	}
	if limiter.Acquire("plugin:weather", 1, time.Minute) {
		t.Fatalf("expected second call in the window to be dropped")
	}
	if !limiter.Acquire("plugin:calendar", 1, time.Minute) {
		t.Fatalf("expected buckets to be independent")
	}

	clock.Advance(time.Minute + time.Second)
	if !limiter.Acquire("plugin:weather", 1, time.Minute) {
		t.Fatalf("expected bucket to refill after the window")
	}
}

func TestLimiterBurst(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limiter := New(clock)

	for i := 0; i < 3; i++ {
		if !limiter.Acquire("tool", 3, 30*time.Second) {
			t.Fatalf("expected call %d to be allowed", i)
		}
	}
	if limiter.Acquire("tool", 3, 30*time.Second) {
		t.Fatalf("expected fourth call to be dropped")
	}

	clock.Advance(11 * time.Second)
	if !limiter.Acquire("tool", 3, 30*time.Second) {
		t.Fatalf("expected one token to refill after window/max")
	}
}

func TestLimiterZeroMaxNeverAllows(t *testing.T) {
	if New(nil).Acquire("plugin", 0, time.Minute) {
		t.Fatalf("expected zero max to deny")
	}
}
