package handlers

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const anonymousLimiterKey = "anonymous"

type rateLimiter interface {
	// Allow reports whether key may proceed and, when it may not, how long until the next token.
	Allow(key string) (bool, time.Duration)
}

// userRateLimiter keeps one token bucket per user. A bucket holds limit tokens and refills one token
// every window/limit, so a user can burst limit requests and then sustain limit per window.
type userRateLimiter struct {
	every   rate.Limit
	burst   int
	idleTTL time.Duration
	clock   func() time.Time

	mu      sync.Mutex
	buckets map[string]*userBucket
	swept   time.Time
}

type userBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newUserRateLimiter(limit int, window time.Duration, clock func() time.Time) rateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &userRateLimiter{
		every:   rate.Every(window / time.Duration(limit)),
		burst:   limit,
		idleTTL: window,
		clock:   clock,
		buckets: make(map[string]*userBucket),
	}
}

func (l *userRateLimiter) Allow(key string) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = anonymousLimiterKey
	}
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.evictIdleLocked(now)
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = &userBucket{limiter: rate.NewLimiter(l.every, l.burst)}
		l.buckets[key] = bucket
	}
	bucket.lastSeen = now

	reservation := bucket.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, 0
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// evictIdleLocked drops buckets that have refilled completely. It runs at most once per idle window.
func (l *userRateLimiter) evictIdleLocked(now time.Time) {
	if now.Sub(l.swept) < l.idleTTL {
		return
	}
	l.swept = now
	for key, bucket := range l.buckets {
		if now.Sub(bucket.lastSeen) >= l.idleTTL {
			delete(l.buckets, key)
		}
	}
}
