// Package ratelimit bounds how fast a single client may send signaling
// messages.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// Clock abstracts time so tests can drive refills deterministically.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// MessageLimiter is a token bucket holding up to burst messages and refilling
// at perSecond messages per second.
//
// A nil *MessageLimiter allows everything.
type MessageLimiter struct {
	clock Clock
	lim   *rate.Limiter
}

// NewMessageLimiter returns nil when perSecond <= 0, which disables limiting.
// burst <= 0 defaults to perSecond.
func NewMessageLimiter(clock Clock, perSecond, burst int) *MessageLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = perSecond
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &MessageLimiter{
		clock: clock,
		lim:   rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Allow consumes one token if available.
func (l *MessageLimiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.lim.AllowN(l.clock.Now(), 1)
}
