package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMessageLimiter_BurstAndRefill(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := NewMessageLimiter(clk, 5, 0) // 5 msgs/sec, burst 5.

	for i := 0; i < 5; i++ {
		if !l.Allow() {
			t.Fatalf("message %d rejected during initial burst", i)
		}
	}
	if l.Allow() {
		t.Fatalf("expected limiter to be empty")
	}

	clk.Advance(200 * time.Millisecond) // one token
	if !l.Allow() {
		t.Fatalf("expected refill after time advance")
	}
	if l.Allow() {
		t.Fatalf("expected exactly one refilled token")
	}
}

func TestMessageLimiter_DoesNotExceedBurst(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := NewMessageLimiter(clk, 1, 2)

	clk.Advance(time.Hour)
	allowed := 0
	for i := 0; i < 10; i++ {
		if l.Allow() {
			allowed++
		}
	}
	if allowed != 2 {
		t.Fatalf("allowed=%d, want 2", allowed)
	}
}

func TestMessageLimiter_DisabledAllowsEverything(t *testing.T) {
	l := NewMessageLimiter(nil, 0, 10)
	if l != nil {
		t.Fatalf("expected nil limiter when rate is disabled")
	}
	for i := 0; i < 1000; i++ {
		if !l.Allow() {
			t.Fatalf("nil limiter rejected message %d", i)
		}
	}
}
