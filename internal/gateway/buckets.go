package gateway

import (
	"sync"
	"time"

	svcerrors "github.com/darkpool-network/control-plane/internal/errors"
)

// TokenBucket holds a capacity, a refill rate, the current float64 token
// count, and the last refill timestamp. Unlike
// internal/middleware.RateLimiter's golang.org/x/time/rate wrapper (fine
// for simple per-request throttling), the bundle and gas_sponsorship
// buckets need a Refund/Charge-by-value operation x/time/rate does not
// expose, so bucket accounting here is hand rolled behind the same
// lazy-lock-protected-map idiom.
type TokenBucket struct {
	mu             sync.Mutex
	capacity       float64
	refillPerPeriod float64
	period         time.Duration
	tokens         float64
	lastRefill     time.Time
}

func newTokenBucket(capacity, refillPerPeriod float64, period time.Duration) *TokenBucket {
	if period <= 0 {
		period = time.Second
	}
	return &TokenBucket{
		capacity:        capacity,
		refillPerPeriod: refillPerPeriod,
		period:          period,
		tokens:          capacity,
		lastRefill:      time.Now(),
	}
}

func (b *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	periods := elapsed.Seconds() / b.period.Seconds()
	b.tokens += periods * b.refillPerPeriod
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// Allow attempts to spend cost tokens, refilling first. Returns false
// without spending if insufficient tokens remain.
func (b *TokenBucket) Allow(cost float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	if b.tokens < cost {
		return false
	}
	b.tokens -= cost
	return true
}

// Refund returns cost tokens to the bucket, capped at capacity. Used by
// the bundle bucket when a quoted bundle settles on chain.
func (b *TokenBucket) Refund(cost float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	b.tokens += cost
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// Remaining reports the current token count after a lazy refill,
// without spending.
func (b *TokenBucket) Remaining() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return b.tokens
}

// BucketManager lazily creates one TokenBucket per (api_key, bucket_kind)
// pair, matching RateLimiter.getLimiter's keyed-map idiom.
type BucketManager struct {
	mu      sync.Mutex
	buckets map[string]*TokenBucket
	limits  map[BucketKind]bucketLimit
}

type bucketLimit struct {
	capacity float64
	refill   float64
	period   time.Duration
}

func NewBucketManager(quoteCapacity, quoteRefillPerSecond float64,
	bundleCapacity, bundleRefillPerMinute float64,
	gasCapacityUSD, gasRefillPerMinuteUSD float64) *BucketManager {
	return &BucketManager{
		buckets: make(map[string]*TokenBucket),
		limits: map[BucketKind]bucketLimit{
			BucketQuote:          {capacity: quoteCapacity, refill: quoteRefillPerSecond, period: time.Second},
			BucketBundle:         {capacity: bundleCapacity, refill: bundleRefillPerMinute, period: time.Minute},
			BucketGasSponsorship: {capacity: gasCapacityUSD, refill: gasRefillPerMinuteUSD, period: time.Minute},
		},
	}
}

func (m *BucketManager) get(apiKeyID string, kind BucketKind) *TokenBucket {
	key := apiKeyID + ":" + string(kind)
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.buckets[key]; ok {
		return b
	}
	limit := m.limits[kind]
	b := newTokenBucket(limit.capacity, limit.refill, limit.period)
	m.buckets[key] = b
	return b
}

// Check spends cost tokens from apiKeyID's kind bucket, returning a
// RateLimited ServiceError on exhaustion.
func (m *BucketManager) Check(apiKeyID string, kind BucketKind, cost float64) error {
	if !m.get(apiKeyID, kind).Allow(cost) {
		return svcerrors.RateLimitExceeded(string(kind))
	}
	return nil
}

// Refund credits cost back to apiKeyID's kind bucket.
func (m *BucketManager) Refund(apiKeyID string, kind BucketKind, cost float64) {
	m.get(apiKeyID, kind).Refund(cost)
}

// Remaining reports the current balance of apiKeyID's kind bucket.
func (m *BucketManager) Remaining(apiKeyID string, kind BucketKind) float64 {
	return m.get(apiKeyID, kind).Remaining()
}

// Count returns the number of distinct (key, kind) buckets created so
// far, used by tests and admin diagnostics.
func (m *BucketManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}
