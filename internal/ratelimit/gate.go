// Package ratelimit provides named token-bucket gates shared by the
// collector (API and RSS buckets) and the enrichment pipeline (request and
// token budgets for the LLM).
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Gate is a token bucket. Acquire blocks until the requested tokens are
// available; tokens accumulate up to capacity while the gate is idle.
// Safe for use by parallel waiters.
type Gate struct {
	name    string
	limiter *rate.Limiter
}

// NewGate creates a gate holding at most capacity tokens, refilled at
// refillPerSecond. capacity also bounds the largest single Acquire.
func NewGate(name string, capacity int, refillPerSecond float64) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	return &Gate{
		name:    name,
		limiter: rate.NewLimiter(rate.Limit(refillPerSecond), capacity),
	}
}

// PerMinute creates a gate sized for an n-per-minute budget with burst
// capacity of one minute's worth of tokens.
func PerMinute(name string, n int) *Gate {
	return NewGate(name, n, float64(n)/60.0)
}

// Acquire blocks until n tokens are available, then deducts them. It returns
// early with the context's error on cancellation. Requests exceeding the
// gate's capacity are clamped to it rather than deadlocking.
func (g *Gate) Acquire(ctx context.Context, n int) error {
	if n < 1 {
		n = 1
	}
	if burst := g.limiter.Burst(); n > burst {
		n = burst
	}
	if err := g.limiter.WaitN(ctx, n); err != nil {
		return fmt.Errorf("gate %s: %w", g.name, err)
	}
	return nil
}

// TryAcquire deducts n tokens without blocking, reporting whether it
// succeeded.
func (g *Gate) TryAcquire(n int) bool {
	if n < 1 {
		n = 1
	}
	return g.limiter.AllowN(time.Now(), n)
}
