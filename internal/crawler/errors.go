package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// Error taxonomy shared by every component.
var (
	// ErrTransientNetwork marks retryable fetch or submit failures.
	ErrTransientNetwork = errors.New("transient network error")
	// ErrParse marks an item-scoped extraction failure.
	ErrParse = errors.New("parse error")
	// ErrSiteUnavailable is returned while a site's circuit breaker is open.
	ErrSiteUnavailable = errors.New("site unavailable")
	// ErrProxyExhausted is returned when every proxy in a profile has failed.
	ErrProxyExhausted = errors.New("proxy pool exhausted")
	// ErrConfigurationMissing is returned when a site has no settings profile.
	ErrConfigurationMissing = errors.New("configuration missing")
	// ErrDownloaderRejected marks a permanent refusal by a downloader.
	ErrDownloaderRejected = errors.New("downloader rejected item")
	// ErrJobBusy is returned when a trigger finds the job already running.
	ErrJobBusy = errors.New("job busy")
	// ErrExtractorUnavailable is returned when no extractor serves a site.
	ErrExtractorUnavailable = errors.New("extractor unavailable")
	// ErrJobNotFound is returned for unknown job IDs.
	ErrJobNotFound = errors.New("job not found")
	// ErrNotFound is the generic lookup miss for stores.
	ErrNotFound = errors.New("not found")
)

// StatusError reports a non-success HTTP status.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.Code, e.URL)
}

// Transient reports whether the status is worth retrying.
func (e *StatusError) Transient() bool {
	return e.Code >= 500 || isRateLimitCode(e.Code)
}

// Is lets errors.Is(err, ErrTransientNetwork) match retryable statuses.
func (e *StatusError) Is(target error) bool {
	return target == ErrTransientNetwork && e.Transient()
}

func isRateLimitCode(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return false
}

// IsTransient classifies err as retryable: timeouts, resets, refused
// connections, 5xx and rate-limit statuses. Context cancellation is never
// transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrTransientNetwork) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Transient()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// IsRunFatal reports whether err must end the whole run.
func IsRunFatal(err error) bool {
	return errors.Is(err, ErrSiteUnavailable) ||
		errors.Is(err, ErrProxyExhausted) ||
		errors.Is(err, ErrConfigurationMissing) ||
		errors.Is(err, ErrExtractorUnavailable)
}
