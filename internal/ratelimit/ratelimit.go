// Package ratelimit implements a per-client token bucket rate limiter
// for the HTTP surface. Thread-safe. No background goroutines — tokens
// are refilled lazily on each Allow call, and idle buckets are pruned
// opportunistically.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a client has exhausted its token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// idleEviction is how long a bucket may sit untouched before pruning.
const idleEviction = 10 * time.Minute

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerSecond float64 // Tokens added per second. 0 = unlimited (Allow always succeeds).
	Burst             int     // Maximum tokens in bucket. 0 = defaults to RequestsPerSecond.
}

// Limiter is a per-client token bucket rate limiter. Each client key
// (API key or remote address) gets an independent bucket; one client
// cannot exhaust another's quota.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*bucket
	rate    float64 // tokens per second
	burst   float64 // max bucket capacity
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerSecond is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := float64(cfg.Burst)
	if burst <= 0 {
		burst = cfg.RequestsPerSecond
	}
	if burst < 1 {
		burst = 1 // safety floor
	}
	return &Limiter{
		clients: make(map[string]*bucket),
		rate:    cfg.RequestsPerSecond,
		burst:   burst,
	}
}

// Allow checks whether the client has tokens remaining.
// Consumes one token on success. Returns ErrRateLimited if the bucket is empty.
func (l *Limiter) Allow(client string) error {
	// Unlimited mode.
	if l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.clients[client]
	if !ok {
		if len(l.clients) > 1024 {
			l.pruneLocked(now)
		}
		// First request: start with a full bucket.
		b = &bucket{tokens: l.burst, lastFill: now}
		l.clients[client] = b
	}

	// Refill tokens based on elapsed time.
	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now

	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}

// pruneLocked drops buckets idle past the eviction window. Caller holds l.mu.
func (l *Limiter) pruneLocked(now time.Time) {
	for client, b := range l.clients {
		if now.Sub(b.lastFill) > idleEviction {
			delete(l.clients, client)
		}
	}
}
