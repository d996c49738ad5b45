package tunnel

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter gates work per key.
type RateLimiter interface {
	Allow(key string) bool
}

type keyedBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// TokenBucketLimiter keeps one token bucket per key. Buckets idle for
// longer than idleTTL are swept once the map grows past sweepAt entries.
type TokenBucketLimiter struct {
	mu      sync.Mutex
	buckets map[string]*keyedBucket
	r       rate.Limit
	b       int
	idleTTL time.Duration
	sweepAt int
	now     func() time.Time
}

// NewTokenBucketLimiter creates a limiter with rate r tokens per second and burst b per key.
func NewTokenBucketLimiter(r float64, b int) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		buckets: make(map[string]*keyedBucket),
		r:       rate.Limit(r),
		b:       b,
		idleTTL: 10 * time.Minute,
		sweepAt: 4096,
		now:     time.Now,
	}
}

// Allow reports whether key may proceed now.
func (l *TokenBucketLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	bucket, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.sweepAt {
			l.sweep(now)
		}
		bucket = &keyedBucket{limiter: rate.NewLimiter(l.r, l.b)}
		l.buckets[key] = bucket
	}
	bucket.lastSeen = now
	return bucket.limiter.AllowN(now, 1)
}

func (l *TokenBucketLimiter) sweep(now time.Time) {
	for key, bucket := range l.buckets {
		if now.Sub(bucket.lastSeen) > l.idleTTL {
			delete(l.buckets, key)
		}
	}
}
