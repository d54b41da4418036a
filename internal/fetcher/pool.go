// Package fetcher runs page retrieval for crawl tasks under a global
// concurrency ceiling, per-site ceilings, per-site request spacing, a per-site
// circuit breaker, and retry with backoff.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/magnet-crawler/internal/crawler"
	"github.com/JakeFAU/magnet-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/magnet-crawler/internal/settings"
)

// Request is one network attempt handed to a Transport.
type Request struct {
	URL       string
	Proxy     *url.URL
	Session   crawler.CookieSession
	UserAgent string
	Timeout   time.Duration
}

// Transport performs a single GET. Implementations return a
// *crawler.StatusError for HTTP error statuses.
type Transport interface {
	Fetch(ctx context.Context, req Request) (crawler.RawPage, error)
}

// Config tunes the pool.
type Config struct {
	Concurrency    int
	PerSiteMax     int
	PerSiteCaps    map[string]int
	MinSpacing     time.Duration
	RequestTimeout time.Duration
	// ProxyFailures is how many consecutive transient failures retire a proxy
	// until ProxyCooldown passes. Zero never retires proxies.
	ProxyFailures int
	ProxyCooldown time.Duration
	UserAgent     string
}

// Pool is the fetch worker pool. It is safe for concurrent use; callers fan
// out goroutines and the pool bounds how many are on the wire.
type Pool struct {
	cfg       Config
	transport Transport
	global    *semaphore.Weighted
	limiter   *ratelimit.Limiter
	breaker   *crawler.CircuitBreaker
	retry     crawler.RetryPolicy
	clock     crawler.Clock
	logger    *zap.Logger
	onSpacing func(site string, waited time.Duration)

	mu      sync.Mutex
	sites   map[string]*semaphore.Weighted
	proxies map[string]*proxyHealth
}

type proxyHealth struct {
	failures     int
	retiredUntil time.Time
}

// Option customizes the pool.
type Option func(*Pool)

// WithLimiter replaces the spacing limiter built from Config.MinSpacing.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(p *Pool) { p.limiter = l }
}

// WithLogger sets the pool logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithSpacingObserver reports every non-zero spacing delay.
func WithSpacingObserver(fn func(site string, waited time.Duration)) Option {
	return func(p *Pool) { p.onSpacing = fn }
}

// NewPool builds a pool around transport.
func NewPool(
	cfg Config,
	transport Transport,
	breaker *crawler.CircuitBreaker,
	retry crawler.RetryPolicy,
	clock crawler.Clock,
	opts ...Option,
) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.PerSiteMax <= 0 {
		cfg.PerSiteMax = 2
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ProxyCooldown <= 0 {
		cfg.ProxyCooldown = 5 * time.Minute
	}
	p := &Pool{
		cfg:       cfg,
		transport: transport,
		global:    semaphore.NewWeighted(int64(cfg.Concurrency)),
		limiter:   ratelimit.New(ratelimit.Config{MinSpacing: cfg.MinSpacing}),
		breaker:   breaker,
		retry:     retry,
		clock:     clock,
		logger:    zap.NewNop(),
		sites:     make(map[string]*semaphore.Weighted),
		proxies:   make(map[string]*proxyHealth),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("fetch")
	return p
}

// Fetch retrieves task.URL using the proxy and cookies in snap. Transient
// failures are retried; every attempt first consults the site's circuit, so
// an open circuit fails the task without touching the network.
func (p *Pool) Fetch(ctx context.Context, task crawler.CrawlTask, snap crawler.NetworkSnapshot) (crawler.RawPage, error) {
	site := strings.ToLower(task.Site)
	if err := p.global.Acquire(ctx, 1); err != nil {
		return crawler.RawPage{}, fmt.Errorf("acquire fetch slot: %w", err)
	}
	defer p.global.Release(1)
	siteSem := p.siteSemaphore(site)
	if err := siteSem.Acquire(ctx, 1); err != nil {
		return crawler.RawPage{}, fmt.Errorf("acquire site slot: %w", err)
	}
	defer siteSem.Release(1)

	userAgent := p.cfg.UserAgent
	if snap.Cookies.UserAgent != "" {
		userAgent = snap.Cookies.UserAgent
	}

	for attempt := 1; ; attempt++ {
		if err := p.breaker.Allow(site, p.clock.Now()); err != nil {
			return crawler.RawPage{}, err
		}
		proxy, err := p.pickProxy(snap.Proxy, task.URL, attempt)
		if err != nil {
			return crawler.RawPage{}, err
		}
		if waited, err := p.limiter.Wait(ctx, site); err != nil {
			return crawler.RawPage{}, err
		} else if waited > 0 {
			p.logger.Debug("spacing delay", zap.String("site", site), zap.Duration("waited", waited))
			if p.onSpacing != nil {
				p.onSpacing(site, waited)
			}
		}

		page, err := p.attempt(ctx, Request{
			URL:       task.URL,
			Proxy:     proxy,
			Session:   snap.Cookies,
			UserAgent: userAgent,
			Timeout:   p.cfg.RequestTimeout,
		})
		if err == nil {
			p.breaker.Success(site)
			p.proxySucceeded(proxy)
			page.Attempts = attempt
			return page, nil
		}
		if ctx.Err() != nil {
			return crawler.RawPage{}, fmt.Errorf("fetch %s: %w", task.URL, ctx.Err())
		}

		var statusErr *crawler.StatusError
		if !crawler.IsTransient(err) && errors.As(err, &statusErr) {
			// The site answered; a 404 says nothing about its health.
			p.breaker.Success(site)
		}
		if crawler.IsTransient(err) {
			p.proxyFailed(proxy)
			if opened := p.breaker.Failure(site, p.clock.Now()); opened {
				p.logger.Warn("circuit opened",
					zap.String("site", site),
					zap.String("url", task.URL),
					zap.Int("attempt", attempt),
					zap.Error(err),
				)
				return crawler.RawPage{}, fmt.Errorf("%w: %s after %d attempts: %v",
					crawler.ErrSiteUnavailable, site, attempt, err)
			}
		}
		if !p.retry.ShouldRetry(err, attempt) {
			return crawler.RawPage{}, fmt.Errorf("fetch %s after %d attempts: %w", task.URL, attempt, err)
		}
		delay := p.retry.Backoff(attempt)
		p.logger.Debug("retrying fetch",
			zap.String("url", task.URL),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := crawler.Pause(ctx, delay); err != nil {
			return crawler.RawPage{}, err
		}
	}
}

func (p *Pool) attempt(ctx context.Context, req Request) (crawler.RawPage, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()
	page, err := p.transport.Fetch(attemptCtx, req)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return crawler.RawPage{}, fmt.Errorf("%w: request timed out after %s: %v", crawler.ErrTransientNetwork, req.Timeout, err)
	}
	return page, err
}

func (p *Pool) siteSemaphore(site string) *semaphore.Weighted {
	p.mu.Lock()
	defer p.mu.Unlock()
	sem, ok := p.sites[site]
	if !ok {
		limit := p.cfg.PerSiteMax
		if n, found := p.cfg.PerSiteCaps[site]; found && n > 0 {
			limit = n
		}
		sem = semaphore.NewWeighted(int64(limit))
		p.sites[site] = sem
	}
	return sem
}

// pickProxy rotates through the profile starting at the attempt's slot and
// skips retired proxies. With every proxy retired it fails with
// ErrProxyExhausted.
func (p *Pool) pickProxy(profile crawler.ProxyProfile, target string, attempt int) (*url.URL, error) {
	n := len(profile.URLs)
	if n == 0 || profile.Direct {
		return nil, nil
	}
	now := p.clock.Now()
	for i := 0; i < n; i++ {
		u, err := settings.ProxyURL(profile, target, attempt+i)
		if err != nil || u == nil {
			return u, err
		}
		if !p.proxyRetired(u.String(), now) {
			return u, nil
		}
	}
	return nil, fmt.Errorf("%w: all %d proxies of profile %q are failing", crawler.ErrProxyExhausted, n, profile.Name)
}

func (p *Pool) proxyRetired(key string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.proxies[key]
	if !ok || h.retiredUntil.IsZero() {
		return false
	}
	if now.Before(h.retiredUntil) {
		return true
	}
	h.retiredUntil = time.Time{}
	h.failures = 0
	return false
}

func (p *Pool) proxyFailed(proxy *url.URL) {
	if proxy == nil || p.cfg.ProxyFailures <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	key := proxy.String()
	h, ok := p.proxies[key]
	if !ok {
		h = &proxyHealth{}
		p.proxies[key] = h
	}
	h.failures++
	if h.failures >= p.cfg.ProxyFailures {
		h.retiredUntil = p.clock.Now().Add(p.cfg.ProxyCooldown)
		p.logger.Warn("proxy retired", zap.String("proxy", proxy.Redacted()), zap.Int("failures", h.failures))
	}
}

func (p *Pool) proxySucceeded(proxy *url.URL) {
	if proxy == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.proxies, proxy.String())
}
