package embedding

import (
	"context"

	"github.com/efebarandurmaz/docvault/internal/errdefs"
	"golang.org/x/time/rate"
)

// RateLimitConfig configures the request token bucket.
type RateLimitConfig struct {
	// RequestsPerMinute limits API calls per minute (0 = unlimited)
	RequestsPerMinute int
	// Burst allows temporary bursts above the rate
	Burst int
}

// RateLimitProvider wraps a provider with a token-bucket limiter.
type RateLimitProvider struct {
	inner   Provider
	limiter *rate.Limiter
}

// NewRateLimitProvider creates a rate-limited provider wrapper.
func NewRateLimitProvider(inner Provider, config *RateLimitConfig) *RateLimitProvider {
	limit := rate.Inf
	burst := 1
	if config != nil && config.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(config.RequestsPerMinute) / 60.0)
		if config.Burst > 0 {
			burst = config.Burst
		}
	}
	return &RateLimitProvider{
		inner:   inner,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Name returns the underlying provider name.
func (r *RateLimitProvider) Name() string {
	return r.inner.Name()
}

// Embed waits for a token, then delegates.
func (r *RateLimitProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, errdefs.Upstream(r.inner.Name()+" rate limit", err)
	}
	return r.inner.Embed(ctx, texts)
}

// WithRateLimit wraps a provider with rate limiting.
func WithRateLimit(p Provider, config *RateLimitConfig) Provider {
	if p == nil {
		return nil
	}
	return NewRateLimitProvider(p, config)
}
