// Package ratelimit protects the connection handler from abusive
// clients at two points: per-connection message throughput (token
// bucket) and connection-attempt admission (per-IP + global).
package ratelimit

import (
	"sync"
	"time"

	"github.com/riverfork/syncd/internal/metrics"
)

// tokenBucket is a minimal token-bucket limiter: tokens accumulate at
// refillRate per second up to maxTokens, and each check consumes one.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillRate float64) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

func (tb *tokenBucket) tryConsume(n float64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now

	if tb.tokens >= n {
		tb.tokens -= n
		return true
	}
	return false
}

// MessageLimiter enforces a per-connection inbound message rate,
// keyed by connection id. Entries are created lazily on first use and
// must be dropped via Remove when the connection closes.
type MessageLimiter struct {
	maxTokens  float64
	refillRate float64
	clients    sync.Map // connection id -> *tokenBucket
}

// NewMessageLimiter builds a limiter with the given burst capacity and
// sustained refill rate, applied identically to every connection.
func NewMessageLimiter(maxTokens, refillRate float64) *MessageLimiter {
	return &MessageLimiter{maxTokens: maxTokens, refillRate: refillRate}
}

// Allow reports whether connID may send one more message right now,
// lazily creating that connection's bucket on first call.
func (l *MessageLimiter) Allow(connID string) bool {
	bucketVal, _ := l.clients.LoadOrStore(connID, newTokenBucket(l.maxTokens, l.refillRate))
	allowed := bucketVal.(*tokenBucket).tryConsume(1)
	if !allowed {
		metrics.RateLimitedMessages.Inc()
	}
	return allowed
}

// Remove drops connID's bucket, called on disconnect to bound memory
// usage to the number of currently-open connections.
func (l *MessageLimiter) Remove(connID string) {
	l.clients.Delete(connID)
}
