// Package ratelimit implements the sliding-window admission check (§4.4)
// over an external ordered-set counter.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/llm-gateway/gateway/internal/logging"
)

// Result is what a Limiter reports back to the request envelope, which
// turns it directly into the X-RateLimit-* response headers.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	Limit     int
	Window    time.Duration
}

// Counter is the sorted-set primitive the sliding window is built on.
// The Redis implementation lives in redis.go; this package's tests use
// miniredis against the same implementation rather than faking this
// interface, since the four Redis calls the algorithm makes are exactly
// the thing worth testing.
type Counter interface {
	// RemoveOlderThan drops entries with score < cutoff (unix seconds).
	RemoveOlderThan(ctx context.Context, key string, cutoff float64) error
	// Count returns the number of entries currently in the set.
	Count(ctx context.Context, key string) (int64, error)
	// Add inserts member scored at now (unix seconds).
	Add(ctx context.Context, key string, now float64) error
	// Expire sets the key's TTL.
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Limiter runs the sliding-window algorithm against a Counter.
type Limiter struct {
	counter Counter
	limit   int
	window  time.Duration
}

func New(counter Counter, limit int, window time.Duration) *Limiter {
	return &Limiter{counter: counter, limit: limit, window: window}
}

// Check runs the five-step sliding-window algorithm for identifier (see
// Identity for how the caller should derive it). On any Counter failure
// the limiter degrades to admitting the request, for authenticated and
// anonymous identifiers alike; the orchestrator's own balance check
// remains the authoritative backstop regardless.
func (l *Limiter) Check(ctx context.Context, identifier string) Result {
	now := float64(time.Now().UnixNano()) / 1e9
	resetAt := time.Now().Add(l.window)
	key := fmt.Sprintf("rate_limit:%s", identifier)

	degrade := func(reason string, err error) Result {
		logging.From(ctx).Warn().Err(err).Str("reason", reason).Msg("rate limiter degraded, admitting request")
		return Result{Allowed: true, Remaining: l.limit, ResetAt: resetAt, Limit: l.limit, Window: l.window}
	}

	windowStart := now - l.window.Seconds()
	if err := l.counter.RemoveOlderThan(ctx, key, windowStart); err != nil {
		return degrade("remove expired entries", err)
	}

	count, err := l.counter.Count(ctx, key)
	if err != nil {
		return degrade("count entries", err)
	}

	if count >= int64(l.limit) {
		return Result{Allowed: false, Remaining: 0, ResetAt: resetAt, Limit: l.limit, Window: l.window}
	}

	if err := l.counter.Add(ctx, key, now); err != nil {
		return degrade("add entry", err)
	}
	if err := l.counter.Expire(ctx, key, l.window+time.Second); err != nil {
		return degrade("set expiry", err)
	}

	remaining := l.limit - int(count) - 1
	if remaining < 0 {
		remaining = 0
	}

	return Result{Allowed: true, Remaining: remaining, ResetAt: resetAt, Limit: l.limit, Window: l.window}
}

// Identity picks the rate-limit bucket for a request: user:<id> when
// authenticated, otherwise ip:<clientIP>. clientIP should already have
// been resolved from X-Forwarded-For's first entry by the caller.
func Identity(userID *int64, clientIP string) string {
	if userID != nil {
		return fmt.Sprintf("user:%d", *userID)
	}
	return fmt.Sprintf("ip:%s", clientIP)
}
