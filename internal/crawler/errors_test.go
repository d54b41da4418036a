package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTransient(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", timeoutErr{}, true},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"server error", &StatusError{Code: 502}, true},
		{"rate limited", &StatusError{Code: 429}, true},
		{"not found", &StatusError{Code: 404}, false},
		{"forbidden", &StatusError{Code: 403}, false},
		{"sentinel", fmt.Errorf("wrap: %w", ErrTransientNetwork), true},
		{"canceled", context.Canceled, false},
		{"parse", ErrParse, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

func TestStatusErrorMatchesTransientSentinel(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("fetch: %w", &StatusError{URL: "https://x", Code: 503})
	require.True(t, errors.Is(err, ErrTransientNetwork))
	require.False(t, errors.Is(&StatusError{Code: 400}, ErrTransientNetwork))
}

func TestIsRunFatal(t *testing.T) {
	t.Parallel()
	require.True(t, IsRunFatal(fmt.Errorf("x: %w", ErrSiteUnavailable)))
	require.True(t, IsRunFatal(ErrConfigurationMissing))
	require.True(t, IsRunFatal(ErrProxyExhausted))
	require.False(t, IsRunFatal(ErrParse))
	require.False(t, IsRunFatal(&StatusError{Code: 500}))
}

func TestRetryPolicy(t *testing.T) {
	t.Parallel()
	p := NewRetryPolicy(3, 0, 0)
	require.True(t, p.ShouldRetry(&StatusError{Code: 503}, 1))
	require.True(t, p.ShouldRetry(&StatusError{Code: 503}, 2))
	require.False(t, p.ShouldRetry(&StatusError{Code: 503}, 3))
	require.False(t, p.ShouldRetry(&StatusError{Code: 404}, 1))
	for attempt := 1; attempt <= 5; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, defaultRetryBase/2)
		require.LessOrEqual(t, d, p.ceiling)
	}
	require.Equal(t, time.Second, NewRetryPolicy(1, time.Second, time.Millisecond).ceiling)
}
