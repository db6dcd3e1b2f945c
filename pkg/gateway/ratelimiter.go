package gateway

import (
	"sync"
	"time"
)

const DefaultFramesPerSecond = 200

// ClientRateLimiter is a sliding one-second window over inbound frames.
type ClientRateLimiter struct {
	mu        sync.Mutex
	perSecond int
	frames    []time.Time
	now       func() time.Time
}

// NewClientRateLimiter creates a limiter with DefaultFramesPerSecond.
func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimit(DefaultFramesPerSecond)
}

// NewClientRateLimiterWithLimit creates a limiter allowing perSecond frames.
func NewClientRateLimiterWithLimit(perSecond int) *ClientRateLimiter {
	if perSecond <= 0 {
		perSecond = DefaultFramesPerSecond
	}
	return &ClientRateLimiter{
		perSecond: perSecond,
		now:       time.Now,
	}
}

// Allow records a frame and reports whether it fits in the window.
func (r *ClientRateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-time.Second)
	valid := r.frames[:0]
	for _, t := range r.frames {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.frames = valid

	if len(r.frames) >= r.perSecond {
		return false
	}
	r.frames = append(r.frames, now)
	return true
}

// Count returns frames seen in the current window.
func (r *ClientRateLimiter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-time.Second)
	n := 0
	for _, t := range r.frames {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
