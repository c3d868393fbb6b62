package server

import (
	"sync"
	"time"
)

// RateLimiter gates assistant requests per caller. The default backing is an
// in-process map; multi-instance deployments can swap in an implementation
// over a shared counter store without touching the orchestrator.
type RateLimiter interface {
	Allow(key string) bool
}

type windowCounter struct {
	windowStart time.Time
	count       int
}

// SlidingWindowLimiter grants a fixed quota per fixed window keyed by user id.
// Windows reset lazily on the first request after expiry.
type SlidingWindowLimiter struct {
	mu      sync.Mutex
	quota   int
	window  time.Duration
	entries map[string]*windowCounter
	now     func() time.Time
}

func NewSlidingWindowLimiter(quota int, window time.Duration) *SlidingWindowLimiter {
	if quota <= 0 {
		quota = 50
	}
	if window <= 0 {
		window = time.Minute
	}
	return &SlidingWindowLimiter{
		quota:   quota,
		window:  window,
		entries: make(map[string]*windowCounter),
		now:     time.Now,
	}
}

func (l *SlidingWindowLimiter) Allow(key string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || now.Sub(entry.windowStart) >= l.window {
		l.entries[key] = &windowCounter{windowStart: now, count: 1}
		return true
	}
	if entry.count >= l.quota {
		return false
	}
	entry.count++
	return true
}

// allowAll is a test limiter that never throttles.
type allowAll struct{}

func (allowAll) Allow(string) bool { return true }
