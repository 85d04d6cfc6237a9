package entitlement

import (
	"math"
	"sync"
	"time"
)

type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return "rate limited"
}

type rateBucket struct {
	tokens       float64
	capacity     float64
	refillPerSec float64
	lastRefill   time.Time
}

// A bucket untouched for a full minute has refilled completely and is
// equivalent to a fresh one, so it can be dropped.
const bucketIdle = time.Minute

// RateLimiter is a per-actor token bucket guarding manual profile refreshes.
type RateLimiter struct {
	now       func() time.Time
	mu        sync.Mutex
	buckets   map[string]*rateBucket
	lastSweep time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		now:     func() time.Time { return time.Now().UTC() },
		buckets: make(map[string]*rateBucket),
	}
}

// Allow consumes one token for actorID at rpm requests per minute. When the
// bucket is empty it returns the number of seconds until the next token.
func (r *RateLimiter) Allow(actorID string, rpm int) (bool, int) {
	if rpm <= 0 || actorID == "" {
		return false, 60
	}

	now := r.now()
	capacity := float64(rpm)
	refillPerSec := capacity / 60.0

	r.mu.Lock()
	defer r.mu.Unlock()

	if now.Sub(r.lastSweep) >= bucketIdle {
		r.sweepLocked(now)
	}

	bucket, ok := r.buckets[actorID]
	if !ok {
		r.buckets[actorID] = &rateBucket{
			tokens:       capacity - 1,
			capacity:     capacity,
			refillPerSec: refillPerSec,
			lastRefill:   now,
		}
		return true, 0
	}

	if elapsed := now.Sub(bucket.lastRefill).Seconds(); elapsed > 0 {
		bucket.tokens = math.Min(bucket.capacity, bucket.tokens+(elapsed*bucket.refillPerSec))
		bucket.lastRefill = now
	}
	if bucket.capacity != capacity {
		bucket.capacity = capacity
		bucket.refillPerSec = refillPerSec
		bucket.tokens = math.Min(bucket.tokens, bucket.capacity)
	}

	if bucket.tokens >= 1 {
		bucket.tokens--
		return true, 0
	}

	retrySeconds := int(math.Ceil((1 - bucket.tokens) / bucket.refillPerSec))
	if retrySeconds < 1 {
		retrySeconds = 1
	}
	return false, retrySeconds
}

func (r *RateLimiter) sweepLocked(now time.Time) {
	for id, bucket := range r.buckets {
		if now.Sub(bucket.lastRefill) >= bucketIdle {
			delete(r.buckets, id)
		}
	}
	r.lastSweep = now
}

// Check is Allow reported as an error: nil when a token was taken, otherwise
// a *RateLimitError carrying the wait.
func (r *RateLimiter) Check(actorID string, rpm int) error {
	if ok, retryAfter := r.Allow(actorID, rpm); !ok {
		return &RateLimitError{RetryAfterSeconds: retryAfter}
	}
	return nil
}
