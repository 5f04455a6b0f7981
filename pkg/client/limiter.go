package client

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// limiter wraps a token-bucket rate limiter for ledger API calls
type limiter struct {
	limiter *rate.Limiter
}

func newLimiter(rps float64, burst int) *limiter {
	if burst <= 0 {
		burst = 1
	}
	return &limiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until the limiter allows one request, or ctx is done.
// Reserve guarantees exactly one token is consumed per call.
func (l *limiter) Wait(ctx context.Context) error {
	r := l.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("rate: cannot reserve token")
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}
