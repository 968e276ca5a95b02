package api

import (
	"sync"
	"testing"
	"time"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Stop()

	var mu sync.Mutex
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("expected first two requests to pass")
	}
	if rl.Allow("a") {
		t.Fatal("expected third request in window to be rejected")
	}
	if !rl.Allow("b") {
		t.Fatal("keys must be limited independently")
	}

	advance(61 * time.Second)
	if !rl.Allow("a") {
		t.Fatal("expected request after window to pass")
	}
}

func TestRateLimiterEvict(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(5, time.Minute)
	defer rl.Stop()

	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }
	rl.Allow("stale")

	rl.now = func() time.Time { return now.Add(2 * time.Minute) }
	rl.Allow("fresh")
	rl.evict()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.requests["stale"]; ok {
		t.Fatal("expected stale key to be evicted")
	}
	if _, ok := rl.requests["fresh"]; !ok {
		t.Fatal("expected fresh key to be kept")
	}
}

func TestRateLimiterStopIsIdempotent(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(1, time.Millisecond)
	rl.Stop()
	rl.Stop()
}

func TestRateLimiterNonPositiveWindow(t *testing.T) {
	t.Parallel()
	for _, window := range []time.Duration{0, -time.Second} {
		rl := NewRateLimiter(1, window)
		if rl.window != defaultRateWindow {
			t.Errorf("window %s: got %s, want %s", window, rl.window, defaultRateWindow)
		}
		rl.Stop()
	}
}
