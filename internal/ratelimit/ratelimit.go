// Package ratelimit admits or rejects requests per route under a
// configured algorithm (spec §4.E). The token-bucket algorithm keeps
// the teacher's golang.org/x/time/rate-backed design
// (internal/ratelimit/ratelimit.go in fabian4-gateway-homebrew-go);
// fixed- and sliding-window are added to satisfy spec §4.E's full
// algorithm set.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	ratelib "golang.org/x/time/rate"

	"github.com/fabian4/gatewayproxy/internal/config"
)

// Decision is the outcome of an admission check (spec §4.E).
type Decision struct {
	Allow      bool
	RetryAfter time.Duration // zero if not derivable
}

// Request is the minimal view an admission check needs to extract a
// key (spec §3 Rate-limit bucket "key").
type Request struct {
	ClientIP string
	Header   http.Header
}

// Limiter manages one bucket set per route, keyed further by the
// extracted admission key. It is safe for concurrent use; admissions
// for the same key are serialized by each bucket's own lock, and
// buckets for different keys never contend (spec §4.E ordering
// guarantee).
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]bucket // "routeID|key" -> bucket
	lastGC  time.Time
}

func New() *Limiter {
	return &Limiter{buckets: make(map[string]bucket)}
}

type bucket interface {
	allow(now time.Time, requests int, period time.Duration) Decision
	idleSince(now time.Time) time.Duration
}

// Admit extracts the key per policy.By, then checks admission against
// the (routeID, key) bucket, creating it lazily on first hit (spec
// §3 Rate-limit bucket lifecycle).
func (l *Limiter) Admit(routeID string, policy *config.RateLimitPolicy, req Request) Decision {
	key, ok := extractKey(policy, req)
	if !ok {
		if policy.OnMissingKey == config.MissingKeyAllow {
			return Decision{Allow: true}
		}
		return Decision{Allow: false}
	}

	bucketKey := routeID + "|" + key
	now := time.Now()

	l.mu.Lock()
	b, ok := l.buckets[bucketKey]
	if !ok {
		b = newBucket(policy.Algorithm, policy.Requests, policy.Period)
		l.buckets[bucketKey] = b
	}
	l.maybeEvict(now, policy.Period)
	l.mu.Unlock()

	return b.allow(now, policy.Requests, policy.Period)
}

// extractKey implements spec §3's per-`by` key extraction. For
// by=route the key is the fixed string "route" (a single shared
// bucket per route); for by=ip the client IP; for by=header the named
// header's value, or "not ok" if absent — which the caller resolves
// against the configured MissingKeyPolicy (spec §9's open question).
func extractKey(policy *config.RateLimitPolicy, req Request) (string, bool) {
	switch policy.By {
	case config.RateLimitByRoute:
		return "route", true
	case config.RateLimitByIP:
		if req.ClientIP == "" {
			return "", false
		}
		return req.ClientIP, true
	case config.RateLimitByHeader:
		v := req.Header.Get(policy.HeaderName)
		if v == "" {
			return "", false
		}
		return v, true
	default:
		return "", false
	}
}

// maybeEvict reclaims buckets idle past max(period*4, 10min), per
// spec §4.E. Called opportunistically on admission under the same
// lock, so eviction never races a concurrent Admit for another key.
func (l *Limiter) maybeEvict(now time.Time, period time.Duration) {
	if now.Sub(l.lastGC) < time.Minute {
		return
	}
	l.lastGC = now
	idleLimit := period * 4
	if idleLimit < 10*time.Minute {
		idleLimit = 10 * time.Minute
	}
	for k, b := range l.buckets {
		if b.idleSince(now) > idleLimit {
			delete(l.buckets, k)
		}
	}
}

func newBucket(alg config.Algorithm, requests int, period time.Duration) bucket {
	switch alg {
	case config.AlgorithmFixedWindow:
		return &fixedWindowBucket{lastUse: time.Now()}
	case config.AlgorithmSlidingWindow:
		return &slidingWindowBucket{lastUse: time.Now()}
	default:
		rate := ratelib.Limit(float64(requests) / period.Seconds())
		return &tokenBucket{limiter: ratelib.NewLimiter(rate, requests), lastUse: time.Now()}
	}
}

// tokenBucket wraps golang.org/x/time/rate, exactly as the teacher's
// internal/ratelimit.Limiter.Allow did — capacity = requests, refill
// rate = requests/period.
type tokenBucket struct {
	mu      sync.Mutex
	limiter *ratelib.Limiter
	lastUse time.Time
}

func (b *tokenBucket) allow(now time.Time, requests int, period time.Duration) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUse = now
	if b.limiter.AllowN(now, 1) {
		return Decision{Allow: true}
	}
	// RetryAfter: time until one token is available again.
	rate := float64(requests) / period.Seconds()
	retryAfter := time.Duration(float64(time.Second) / rate)
	return Decision{Allow: false, RetryAfter: retryAfter}
}

func (b *tokenBucket) idleSince(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Sub(b.lastUse)
}

// fixedWindowBucket implements spec §4.E's fixed-window algorithm:
// a counter tied to the wall-clock window of size `period`, rolling
// over by recomputing the window id.
type fixedWindowBucket struct {
	mu          sync.Mutex
	windowStart time.Time
	count       int
	lastUse     time.Time
}

func (b *fixedWindowBucket) allow(now time.Time, requests int, period time.Duration) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUse = now

	if b.windowStart.IsZero() || now.Sub(b.windowStart) >= period {
		b.windowStart = now.Truncate(period)
		b.count = 0
	}
	if b.count >= requests {
		retryAfter := period - now.Sub(b.windowStart)
		return Decision{Allow: false, RetryAfter: retryAfter}
	}
	b.count++
	return Decision{Allow: true}
}

func (b *fixedWindowBucket) idleSince(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Sub(b.lastUse)
}

// slidingWindowBucket approximates spec §4.E's sliding-window
// algorithm as a weighted sum of the current and previous fixed
// windows by elapsed fraction, the cheaper of the two options the
// spec allows (the alternative being a trimmed timestamp ring).
type slidingWindowBucket struct {
	mu            sync.Mutex
	windowStart   time.Time
	currentCount  int
	previousCount int
	lastUse       time.Time
}

func (b *slidingWindowBucket) allow(now time.Time, requests int, period time.Duration) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUse = now

	if b.windowStart.IsZero() {
		b.windowStart = now
	}
	elapsed := now.Sub(b.windowStart)
	if elapsed >= period {
		windowsPassed := int64(elapsed / period)
		if windowsPassed == 1 {
			b.previousCount = b.currentCount
		} else {
			b.previousCount = 0
		}
		b.currentCount = 0
		b.windowStart = b.windowStart.Add(time.Duration(windowsPassed) * period)
		elapsed = now.Sub(b.windowStart)
	}

	fractionElapsed := float64(elapsed) / float64(period)
	weighted := float64(b.previousCount)*(1-fractionElapsed) + float64(b.currentCount)
	if weighted >= float64(requests) {
		return Decision{Allow: false, RetryAfter: period - elapsed}
	}
	b.currentCount++
	return Decision{Allow: true}
}

func (b *slidingWindowBucket) idleSince(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Sub(b.lastUse)
}
