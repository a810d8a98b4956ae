package selector

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// rateLimited wraps a Selector with a local token bucket so bursts of
// conversations cannot exhaust a vendor quota.
type rateLimited struct {
	next Selector
	lim  *rate.Limiter
}

// RateLimit caps next at perMinute selections with the given burst. A
// non-positive perMinute returns next unchanged.
func RateLimit(next Selector, perMinute, burst int) Selector {
	if perMinute <= 0 {
		return next
	}
	if burst <= 0 {
		burst = 1
	}
	return &rateLimited{
		next: next,
		lim:  rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst),
	}
}

// Select waits for a token, then delegates.
func (r *rateLimited) Select(ctx context.Context, in Input) (Choice, error) {
	if err := r.lim.Wait(ctx); err != nil {
		return Choice{}, fmt.Errorf("selector: rate limit: %w", err)
	}
	return r.next.Select(ctx, in)
}
