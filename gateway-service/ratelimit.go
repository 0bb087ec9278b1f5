package main

import (
	"sync"
	"time"
)

// RateLimiter is the capability the pipeline consults before Accept.
type RateLimiter interface {
	Allow(userId string) bool
}

// tokenBucketLimiter keeps one token bucket per sender. Buckets idle past
// pruneAfter are dropped on the fly to bound the map.
type tokenBucketLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	ratePerSec float64
	burst      float64
	pruneAfter time.Duration
	lastPrune  time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewTokenBucketLimiter allows ratePerSec sustained sends per user with the
// given burst capacity.
func NewTokenBucketLimiter(ratePerSec, burst float64) RateLimiter {
	return &tokenBucketLimiter{
		buckets:    make(map[string]*bucket),
		ratePerSec: ratePerSec,
		burst:      burst,
		pruneAfter: 10 * time.Minute,
		lastPrune:  time.Now(),
	}
}

func (l *tokenBucketLimiter) Allow(userId string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastPrune) > l.pruneAfter {
		for id, b := range l.buckets {
			if now.Sub(b.last) > l.pruneAfter {
				delete(l.buckets, id)
			}
		}
		l.lastPrune = now
	}

	b, ok := l.buckets[userId]
	if !ok {
		b = &bucket{tokens: l.burst, last: now}
		l.buckets[userId] = b
	}

	b.tokens += now.Sub(b.last).Seconds() * l.ratePerSec
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// allowAll is the no-op limiter used when rate limiting is disabled.
type allowAll struct{}

func (allowAll) Allow(string) bool { return true }
