package llm

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimited spaces out calls to the wrapped provider.
type RateLimited struct {
	Provider
	limiter *rate.Limiter
}

// NewRateLimited wraps p so that at most perMinute chat calls start per
// minute. A non-positive limit returns p unchanged.
func NewRateLimited(p Provider, perMinute int) Provider {
	if perMinute <= 0 || p == nil {
		return p
	}
	return &RateLimited{
		Provider: p,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
	}
}

// Chat waits for a token, or for ctx to end, before delegating.
func (r *RateLimited) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.Provider.Chat(ctx, req)
}
