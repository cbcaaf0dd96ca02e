package rendezvous

import (
	"sync"
	"time"
)

// rateBucketCap bounds the timestamps kept per key; it is also the largest
// limit a rateLimiter accepts.
const rateBucketCap = 1024

// rateBucket is a fixed-size ring buffer of timestamps.
type rateBucket struct {
	times [rateBucketCap]time.Time
	head  int
	count int
}

func (b *rateBucket) trim(cutoff time.Time) {
	for b.count > 0 {
		if b.times[b.head].After(cutoff) {
			break
		}
		b.head = (b.head + 1) % rateBucketCap
		b.count--
	}
}

// rateLimiter is a sliding-window limiter keyed by participant.
type rateLimiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	buckets map[string]*rateBucket
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	if limit <= 0 || limit > rateBucketCap {
		limit = rateBucketCap
	}
	return &rateLimiter{limit: limit, window: window, buckets: make(map[string]*rateBucket)}
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets[key]
	if !ok {
		b = &rateBucket{}
		r.buckets[key] = b
	}
	b.trim(now.Add(-r.window))
	if b.count >= r.limit {
		return false
	}
	b.times[(b.head+b.count)%rateBucketCap] = now
	b.count++
	return true
}

// cleanup drops buckets with no recent entries.
func (r *rateLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-r.window)
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, b := range r.buckets {
		b.trim(cutoff)
		if b.count == 0 {
			delete(r.buckets, key)
		}
	}
}
