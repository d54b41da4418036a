package crawler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// VisitTracker provides thread-safe visited URL tracking to prevent revisits
// within a run.
type VisitTracker struct {
	seen sync.Map
}

// NewVisitTracker returns an empty tracker.
func NewVisitTracker() *VisitTracker {
	return &VisitTracker{}
}

// MarkIfNew stores the URL if it has not been seen before and returns true.
func (t *VisitTracker) MarkIfNew(url string) bool {
	if url == "" {
		return false
	}
	_, loaded := t.seen.LoadOrStore(url, struct{}{})
	return !loaded
}

// BreakerState is the externally visible state of one site circuit.
type BreakerState string

// Breaker states.
const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

const (
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 2 * time.Minute
)

type siteCircuit struct {
	failures  int
	openUntil time.Time
	trialing  bool
}

// CircuitBreaker counts consecutive transient failures per site and opens the
// site's circuit once the threshold is reached. While open, Allow fails fast
// with ErrSiteUnavailable. After each cooldown a single trial request is admitted;
// its result closes or reopens the circuit.
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	sites     map[string]*siteCircuit
}

// NewCircuitBreaker builds a breaker; non-positive arguments use defaults.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = defaultBreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = defaultBreakerCooldown
	}
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		sites:     make(map[string]*siteCircuit),
	}
}

func (b *CircuitBreaker) circuit(site string) *siteCircuit {
	key := strings.ToLower(site)
	c, ok := b.sites[key]
	if !ok {
		c = &siteCircuit{}
		b.sites[key] = c
	}
	return c
}

// Allow admits an attempt for site or returns ErrSiteUnavailable.
func (b *CircuitBreaker) Allow(site string, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuit(site)
	if c.openUntil.IsZero() {
		return nil
	}
	if now.Before(c.openUntil) {
		return fmt.Errorf("%w: circuit open for %s until %s", ErrSiteUnavailable, site, c.openUntil.Format(time.RFC3339))
	}
	// The trial holds the circuit for another cooldown, so a trial that never
	// reports back cannot wedge the site.
	c.trialing = true
	c.openUntil = now.Add(b.cooldown)
	return nil
}

// Success closes the circuit for site.
func (b *CircuitBreaker) Success(site string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuit(site)
	c.failures = 0
	c.openUntil = time.Time{}
	c.trialing = false
}

// Failure records a transient failure and reports whether the circuit is now open.
func (b *CircuitBreaker) Failure(site string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuit(site)
	c.failures++
	if c.trialing || c.failures >= b.threshold {
		c.openUntil = now.Add(b.cooldown)
		c.trialing = false
		return true
	}
	return false
}

// State reports the circuit state for site at now.
func (b *CircuitBreaker) State(site string, now time.Time) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuit(site)
	switch {
	case c.openUntil.IsZero():
		return BreakerClosed
	case now.Before(c.openUntil):
		return BreakerOpen
	default:
		return BreakerHalfOpen
	}
}

// Pause sleeps for delay or until ctx is done, returning ctx.Err() in the latter case.
func Pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("pause interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
