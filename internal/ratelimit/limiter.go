// Package ratelimit enforces per-channel inbound frame budgets.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

type Config struct {
	// FramesPerSecond is both the refill rate and the burst size. <= 0 disables
	// the limit.
	FramesPerSecond int
	// HardCloseAfterViolations asks the caller to close the channel once this
	// many frames were rejected within ViolationWindow. <= 0 disables it.
	HardCloseAfterViolations int
	ViolationWindow          time.Duration
	Clock                    Clock
}

// Decision is the outcome for a single inbound frame.
type Decision struct {
	Allowed   bool
	HardClose bool
}

// ChannelLimiter is a token bucket plus a sliding window of violations. It is
// safe for concurrent use, though a channel normally calls it from its reader
// goroutine only.
type ChannelLimiter struct {
	clock   Clock
	limiter *rate.Limiter

	hardCloseAfter int
	window         time.Duration

	mu         sync.Mutex
	violations []time.Time
}

func NewChannelLimiter(cfg Config) *ChannelLimiter {
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	l := &ChannelLimiter{
		clock:          cfg.Clock,
		hardCloseAfter: cfg.HardCloseAfterViolations,
		window:         cfg.ViolationWindow,
	}
	if cfg.FramesPerSecond > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(cfg.FramesPerSecond), cfg.FramesPerSecond)
	}
	return l
}

func (l *ChannelLimiter) Allow() Decision {
	now := l.clock.Now()
	if l.limiter == nil || l.limiter.AllowN(now, 1) {
		return Decision{Allowed: true}
	}
	return Decision{HardClose: l.recordViolation(now)}
}

func (l *ChannelLimiter) recordViolation(now time.Time) bool {
	if l.hardCloseAfter <= 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.window > 0 {
		cutoff := now.Add(-l.window)
		keep := l.violations[:0]
		for _, at := range l.violations {
			if at.After(cutoff) {
				keep = append(keep, at)
			}
		}
		l.violations = keep
	}
	l.violations = append(l.violations, now)
	return len(l.violations) >= l.hardCloseAfter
}
