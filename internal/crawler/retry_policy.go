package crawler

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBase     = 250 * time.Millisecond
	defaultRetryMax      = 5 * time.Second
)

// ExponentialRetryPolicy retries transient fetch and submit failures with
// half-jittered exponential backoff.
type ExponentialRetryPolicy struct {
	attempts int
	base     time.Duration
	ceiling  time.Duration
}

// NewRetryPolicy builds a policy. Non-positive arguments fall back to 3
// attempts, 250ms base and a 5s ceiling.
func NewRetryPolicy(attempts int, base, ceiling time.Duration) *ExponentialRetryPolicy {
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	if base <= 0 {
		base = defaultRetryBase
	}
	if ceiling <= 0 {
		ceiling = defaultRetryMax
	}
	if ceiling < base {
		ceiling = base
	}
	return &ExponentialRetryPolicy{attempts: attempts, base: base, ceiling: ceiling}
}

// ShouldRetry reports whether another attempt may follow attempt failed ones.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.attempts {
		return false
	}
	return IsTransient(err)
}

// Backoff returns the wait before attempt+1: half the capped exponential
// delay plus up to the same again in jitter.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.base) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.ceiling) {
		delay = float64(p.ceiling)
	}
	half := time.Duration(delay / 2)
	return half + jitter(half)
}

func jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
