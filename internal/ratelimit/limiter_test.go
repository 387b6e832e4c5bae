package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestChannelLimiter_BurstThenRefill(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_000, 0)}
	l := NewChannelLimiter(Config{FramesPerSecond: 3, Clock: clock})

	for i := 0; i < 3; i++ {
		if d := l.Allow(); !d.Allowed {
			t.Fatalf("frame %d rejected, want allowed", i)
		}
	}
	if d := l.Allow(); d.Allowed {
		t.Fatalf("frame over burst allowed")
	}

	clock.Advance(time.Second / 2)
	if d := l.Allow(); !d.Allowed {
		t.Fatalf("frame after refill rejected")
	}
}

func TestChannelLimiter_HardCloseWithinWindow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_000, 0)}
	l := NewChannelLimiter(Config{
		FramesPerSecond:          1,
		HardCloseAfterViolations: 3,
		ViolationWindow:          10 * time.Second,
		Clock:                    clock,
	})

	if !l.Allow().Allowed {
		t.Fatalf("first frame rejected")
	}
	for i := 0; i < 2; i++ {
		d := l.Allow()
		if d.Allowed || d.HardClose {
			t.Fatalf("violation %d=%+v, want rejected without hard close", i, d)
		}
	}
	if d := l.Allow(); d.Allowed || !d.HardClose {
		t.Fatalf("third violation=%+v, want hard close", d)
	}
}

func TestChannelLimiter_ViolationsExpire(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_000, 0)}
	l := NewChannelLimiter(Config{
		FramesPerSecond:          1,
		HardCloseAfterViolations: 2,
		ViolationWindow:          time.Second,
		Clock:                    clock,
	})

	l.Allow()
	if d := l.Allow(); d.HardClose {
		t.Fatalf("first violation hard closed")
	}
	// Past the window: the earlier violation no longer counts. The bucket has
	// refilled one token, so spend it first.
	clock.Advance(2 * time.Second)
	if !l.Allow().Allowed {
		t.Fatalf("frame after refill rejected")
	}
	if d := l.Allow(); d.Allowed || d.HardClose {
		t.Fatalf("violation after window=%+v, want rejected without hard close", d)
	}
}

func TestChannelLimiter_Disabled(t *testing.T) {
	l := NewChannelLimiter(Config{})
	for i := 0; i < 1000; i++ {
		if !l.Allow().Allowed {
			t.Fatalf("frame %d rejected with limiter disabled", i)
		}
	}
}
