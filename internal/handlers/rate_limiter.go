package handlers

import (
	"strings"
	"sync"
	"time"
)

// attemptLimiter bounds repeated signature verification attempts per key.
type attemptLimiter interface {
	Allow(key string) bool
}

type windowLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	buckets map[string]attemptBucket
}

type attemptBucket struct {
	attempts int
	resetAt  time.Time
}

func newWindowLimiter(limit int, window time.Duration, clock func() time.Time) attemptLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &windowLimiter{
		limit:   limit,
		window:  window,
		clock:   clock,
		buckets: make(map[string]attemptBucket),
	}
}

// Allow records an attempt for key and reports whether it fits in the
// current window. Expired buckets are pruned opportunistically when a
// fresh window opens.
func (l *windowLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.buckets[key]
	if !ok || now.After(bucket.resetAt) {
		l.buckets[key] = attemptBucket{attempts: 1, resetAt: now.Add(l.window)}
		l.pruneLocked(now)
		return true
	}

	if bucket.attempts >= l.limit {
		return false
	}
	bucket.attempts++
	l.buckets[key] = bucket
	return true
}

func (l *windowLimiter) pruneLocked(now time.Time) {
	for key, bucket := range l.buckets {
		if now.After(bucket.resetAt) {
			delete(l.buckets, key)
		}
	}
}
