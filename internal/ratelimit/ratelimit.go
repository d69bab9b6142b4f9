// Package ratelimit provides the sliding-window admission gate used by the
// dispatch scheduler.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Limiter admits at most limit events in any half-open window of length
// window. It keeps a log of admission timestamps.
type Limiter struct {
	mu     sync.Mutex
	events []time.Time
	limit  int
	window time.Duration
}

// New constructs a Limiter. Both limit and window must be positive.
func New(limit int, window time.Duration) (*Limiter, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("rate limit must be positive, got %d", limit)
	}
	if window <= 0 {
		return nil, fmt.Errorf("rate window must be positive, got %s", window)
	}
	return &Limiter{
		events: make([]time.Time, 0, limit+8),
		limit:  limit,
		window: window,
	}, nil
}

// Limit returns the configured number of events per window.
func (l *Limiter) Limit() int { return l.limit }

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration { return l.window }

// Allow reports whether an event at now is permitted and records it if so.
func (l *Limiter) Allow(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.evict(now)
	if len(l.events) >= l.limit {
		return false
	}
	l.events = append(l.events, now)
	return true
}

// Refund removes the most recent admission recorded at at, returning the
// slot to the window. It reports whether one was found.
func (l *Limiter) Refund(at time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Equal(at) {
			l.events = append(l.events[:i], l.events[i+1:]...)
			return true
		}
	}
	return false
}

// Next returns the earliest time at or after now at which Allow would succeed.
func (l *Limiter) Next(now time.Time) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.evict(now)
	if len(l.events) < l.limit {
		return now
	}
	// The oldest admission leaves the window once its age reaches the length.
	return l.events[len(l.events)-l.limit].Add(l.window)
}

// InWindow returns the number of admissions counted against now.
func (l *Limiter) InWindow(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evict(now)
	return len(l.events)
}

// evict drops admissions older than the window. Caller holds mu.
func (l *Limiter) evict(now time.Time) {
	cut := now.Add(-l.window)
	dst := l.events[:0]
	for _, t := range l.events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}
	l.events = dst
}
