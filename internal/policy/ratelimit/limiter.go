// Package ratelimit spaces requests per site with a token bucket of burst one,
// independent of how many workers may hit the site concurrently.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter manages per-site request spacing.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	spacing  map[string]time.Duration
	fallback time.Duration
}

// Config holds rate limiter configuration.
type Config struct {
	// MinSpacing is the minimum gap between two requests to the same site.
	// Zero disables spacing.
	MinSpacing time.Duration
	// PerSite overrides MinSpacing for individual site keys.
	PerSite map[string]time.Duration
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	spacing := make(map[string]time.Duration, len(cfg.PerSite))
	for site, d := range cfg.PerSite {
		spacing[strings.ToLower(site)] = d
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		spacing:  spacing,
		fallback: cfg.MinSpacing,
	}
}

// Wait blocks until site may be contacted again, respecting ctx. It returns
// how long it waited.
func (l *Limiter) Wait(ctx context.Context, site string) (time.Duration, error) {
	limiter := l.limiter(site)
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return time.Since(start), fmt.Errorf("rate limit wait: %w", err)
	}
	return time.Since(start), nil
}

// Spacing returns the configured gap for site.
func (l *Limiter) Spacing(site string) time.Duration {
	if d, ok := l.spacing[strings.ToLower(site)]; ok {
		return d
	}
	return l.fallback
}

func (l *Limiter) limiter(site string) *rate.Limiter {
	key := strings.ToLower(site)
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, exists := l.limiters[key]
	if !exists {
		limit := rate.Inf
		if d := l.Spacing(key); d > 0 {
			limit = rate.Every(d)
		}
		limiter = rate.NewLimiter(limit, 1)
		l.limiters[key] = limiter
	}
	return limiter
}
