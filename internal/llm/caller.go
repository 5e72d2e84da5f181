package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Gate is the token-bucket slice the caller depends on.
type Gate interface {
	Acquire(ctx context.Context, n int) error
}

// Chatter abstracts the raw client so stages can be tested with fakes.
type Chatter interface {
	Chat(ctx context.Context, messages []Message, jsonOutput bool) (Result, error)
	Embed(ctx context.Context, text string) ([]float32, int, error)
}

// Caller wraps the raw client with the request/token gates and
// retry-with-exponential-backoff. Every pipeline stage goes through it.
type Caller struct {
	client          Chatter
	requestGate     Gate
	tokenGate       Gate
	attempts        int
	baseDelay       time.Duration
	sleep           func(context.Context, time.Duration) error
	estimateDivisor int
}

// NewCaller builds a Caller. attempts and baseDelay come from
// RETRY_ATTEMPTS / RETRY_DELAY_MS.
func NewCaller(client Chatter, requestGate, tokenGate Gate, attempts int, baseDelay time.Duration) *Caller {
	if attempts < 1 {
		attempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return &Caller{
		client:          client,
		requestGate:     requestGate,
		tokenGate:       tokenGate,
		attempts:        attempts,
		baseDelay:       baseDelay,
		sleep:           sleepCtx,
		estimateDivisor: 4, // rough chars-per-token heuristic for pre-acquisition
	}
}

// Chat runs a gated, retried chat completion. The token gate is charged with
// an estimate up front (actual usage is unknown until the response arrives).
func (c *Caller) Chat(ctx context.Context, messages []Message, jsonOutput bool) (Result, error) {
	estimate := 0
	for _, m := range messages {
		estimate += len(m.Content) / c.estimateDivisor
	}
	if estimate < 1 {
		estimate = 1
	}

	var res Result
	err := c.withRetry(ctx, "chat", func(attemptCtx context.Context) error {
		if err := c.requestGate.Acquire(attemptCtx, 1); err != nil {
			return err
		}
		if err := c.tokenGate.Acquire(attemptCtx, estimate); err != nil {
			return err
		}
		var err error
		res, err = c.client.Chat(attemptCtx, messages, jsonOutput)
		return err
	})
	return res, err
}

// Embed runs a gated, retried embedding call.
func (c *Caller) Embed(ctx context.Context, text string) ([]float32, int, error) {
	estimate := len(text) / c.estimateDivisor
	if estimate < 1 {
		estimate = 1
	}

	var vec []float32
	var tokens int
	err := c.withRetry(ctx, "embed", func(attemptCtx context.Context) error {
		if err := c.requestGate.Acquire(attemptCtx, 1); err != nil {
			return err
		}
		if err := c.tokenGate.Acquire(attemptCtx, estimate); err != nil {
			return err
		}
		var err error
		vec, tokens, err = c.client.Embed(attemptCtx, text)
		return err
	})
	return vec, tokens, err
}

// withRetry retries fn on transient errors with delay * 2^attempt backoff.
// Non-transient errors and context cancellation return immediately.
func (c *Caller) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			delay := c.baseDelay * time.Duration(1<<uint(attempt-1))
			slog.Debug("retrying llm call", "op", op, "attempt", attempt, "delay", delay)
			if err := c.sleep(ctx, delay); err != nil {
				return err
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(lastErr, ErrTransient) {
			return lastErr
		}
	}
	return fmt.Errorf("%s: retries exhausted: %w", op, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
