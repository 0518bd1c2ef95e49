// Package embed defines the embedding port and wrappers shared by every
// embedding provider.
package embed

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Embedder turns one text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type EmbedderFunc func(ctx context.Context, text string) ([]float32, error)

func (f EmbedderFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

// RateLimited spaces calls to the wrapped embedder with a token bucket.
type RateLimited struct {
	next    Embedder
	limiter *rate.Limiter
}

// NewRateLimited allows rps calls per second with bursts of burst. A
// non-positive rps disables limiting.
func NewRateLimited(next Embedder, rps float64, burst int) *RateLimited {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(limit, burst)}
}

func (r *RateLimited) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("embedding rate limit: %w", err)
	}
	return r.next.Embed(ctx, text)
}

// Checked rejects vectors whose length differs from Dimension.
type Checked struct {
	Next      Embedder
	Dimension int
}

func (c Checked) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := c.Next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("embedding is empty")
	}
	if c.Dimension > 0 && len(vec) != c.Dimension {
		return nil, fmt.Errorf("embedding has %d dimensions, want %d", len(vec), c.Dimension)
	}
	return vec, nil
}
