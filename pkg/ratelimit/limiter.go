// Package ratelimit gates outbound LLM calls with a token-bucket limiter.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter enforces a primary requests-per-minute bucket and an optional
// secondary tokens-per-minute bucket consumed after the LLM reports usage;
// the next Acquire call waits if that bucket has gone negative.
type Limiter struct {
	requests *rate.Limiter
	tokens   *rate.Limiter // nil when TPM is not configured

	mu         sync.Mutex
	tokensFree time.Time
}

// New builds a Limiter. rpm must be positive; tpm of 0 disables the
// secondary token bucket.
func New(rpm, tpm int) *Limiter {
	l := &Limiter{
		requests: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm),
	}
	if tpm > 0 {
		l.tokens = rate.NewLimiter(rate.Limit(float64(tpm)/60.0), tpm)
	}
	return l
}

// Acquire blocks until a request slot is available on both buckets (the
// token bucket only if it has been driven negative by a prior
// ConsumeTokens call), or until ctx is cancelled — the mechanism shutdown
// uses to interrupt a waiting caller.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.requests.Wait(ctx); err != nil {
		return err
	}
	if l.tokens == nil {
		return nil
	}

	l.mu.Lock()
	wait := time.Until(l.tokensFree)
	l.mu.Unlock()
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeTokens debits the secondary token bucket after the LLM call
// reports its usage, applied post-hoc against the bucket. A nil token bucket
// (TPM unconfigured) is a no-op.
func (l *Limiter) ConsumeTokens(n int) {
	if l.tokens == nil || n <= 0 {
		return
	}
	reservation := l.tokens.ReserveN(time.Now(), n)
	delay := reservation.Delay()
	if delay <= 0 {
		return
	}
	l.mu.Lock()
	freeAt := time.Now().Add(delay)
	if freeAt.After(l.tokensFree) {
		l.tokensFree = freeAt
	}
	l.mu.Unlock()
}
