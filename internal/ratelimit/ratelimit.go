// Package ratelimit enforces per-caller requests-per-minute limits with a
// sliding window. In-memory for single instances, Redis for fleets.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter reports whether a caller's request fits its limit, plus the
// remaining quota and when the window resets.
type RateLimiter interface {
	Allow(ctx context.Context, callerID string, limit int) (allowed bool, remaining int, resetAt time.Time, err error)
}

type InMemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count   int
	resetAt time.Time
}

func NewInMemoryRateLimiter() *InMemoryRateLimiter {
	return &InMemoryRateLimiter{
		windows: make(map[string]*window),
	}
}

func (r *InMemoryRateLimiter) Allow(ctx context.Context, callerID string, limit int) (bool, int, time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	w, ok := r.windows[callerID]
	if !ok || now.After(w.resetAt) {
		w = &window{
			count:   0,
			resetAt: now.Add(time.Minute),
		}
		r.windows[callerID] = w
	}

	if w.count >= limit {
		return false, 0, w.resetAt, nil
	}

	w.count++
	return true, limit - w.count, w.resetAt, nil
}
