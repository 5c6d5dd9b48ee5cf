package generator

import (
	"context"

	"golang.org/x/time/rate"
)

// Throttled caps the rate of calls reaching the wrapped generator. Calls over
// budget fail fast with ErrThrottled instead of waiting.
type Throttled struct {
	next    Generator
	limiter *rate.Limiter
}

// NewThrottled allows perSecond calls with the given burst
func NewThrottled(next Generator, perSecond float64, burst int) *Throttled {
	if burst < 1 {
		burst = 1
	}
	return &Throttled{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Generate forwards the call when the budget allows it
func (t *Throttled) Generate(ctx context.Context, req Request) (*Result, error) {
	if !t.limiter.Allow() {
		return nil, ErrThrottled
	}
	return t.next.Generate(ctx, req)
}
