// Package ratelimit smooths per-caller request bursts with a token bucket.
// It protects the gateway and the upstream providers from spikes; monthly
// quotas are enforced separately.
package ratelimit

import (
	"sync"
	"time"
)

// bucket tracks the token state for a single caller.
type bucket struct {
	tokens     float64
	lastRefill time.Time
	rate       int
}

// Limiter implements a token-bucket rate limiter keyed by caller ID.
type Limiter struct {
	mu          sync.Mutex
	buckets     map[string]*bucket
	defaultRate int
	window      time.Duration
	now         func() time.Time // injectable clock for testing
}

// New creates a Limiter that allows defaultRate requests per window per
// caller.
func New(defaultRate int, window time.Duration) *Limiter {
	return &Limiter{
		buckets:     make(map[string]*bucket),
		defaultRate: defaultRate,
		window:      window,
		now:         time.Now,
	}
}

// effectiveRate returns customRate if positive, otherwise the default rate.
func (l *Limiter) effectiveRate(customRate int) int {
	if customRate > 0 {
		return customRate
	}
	return l.defaultRate
}

// getBucket returns the bucket for callerID, creating one if it doesn't
// exist. Must be called with l.mu held.
func (l *Limiter) getBucket(callerID string, rate int) *bucket {
	b, ok := l.buckets[callerID]
	if !ok {
		b = &bucket{
			tokens:     float64(rate),
			lastRefill: l.now(),
			rate:       rate,
		}
		l.buckets[callerID] = b
	}
	// Pick up per-caller rate changes made through the admin API.
	b.rate = rate
	return b
}

// refill adds tokens to the bucket based on elapsed time since the last
// refill. Must be called with l.mu held.
func (l *Limiter) refill(b *bucket) {
	now := l.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}

	refillRate := float64(b.rate) / l.window.Seconds()
	b.tokens += elapsed * refillRate
	if b.tokens > float64(b.rate) {
		b.tokens = float64(b.rate)
	}
	b.lastRefill = now
}

// Allow checks whether a request from callerID is permitted. If customRate is
// positive it overrides the default rate for this caller. When the request is
// denied, retryAfter is the wait until one token becomes available.
func (l *Limiter) Allow(callerID string, customRate int) (allowed bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rate := l.effectiveRate(customRate)
	b := l.getBucket(callerID, rate)
	l.refill(b)

	if b.tokens < 1 {
		deficit := 1 - b.tokens
		refillRate := float64(b.rate) / l.window.Seconds()
		return false, time.Duration(deficit / refillRate * float64(time.Second))
	}
	b.tokens--
	return true, 0
}

// Status returns the current rate-limit state for callerID. limit is the
// maximum number of tokens, remaining is the number of tokens left (floored
// to int), and resetAt is the time at which the bucket will be fully
// replenished.
func (l *Limiter) Status(callerID string, customRate int) (limit int, remaining int, resetAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rate := l.effectiveRate(customRate)
	b := l.getBucket(callerID, rate)
	l.refill(b)

	limit = rate
	remaining = int(b.tokens)
	if remaining < 0 {
		remaining = 0
	}

	deficit := float64(rate) - b.tokens
	if deficit <= 0 {
		resetAt = l.now()
	} else {
		refillRate := float64(rate) / l.window.Seconds()
		resetAt = l.now().Add(time.Duration(deficit / refillRate * float64(time.Second)))
	}
	return
}
