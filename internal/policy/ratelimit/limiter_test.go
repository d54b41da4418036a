package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitSpacesRequestsPerSite(t *testing.T) {
	t.Parallel()

	l := New(Config{MinSpacing: 80 * time.Millisecond})
	ctx := context.Background()

	waited, err := l.Wait(ctx, "forum")
	require.NoError(t, err)
	require.Less(t, waited, 40*time.Millisecond)

	waited, err = l.Wait(ctx, "forum")
	require.NoError(t, err)
	require.GreaterOrEqual(t, waited, 50*time.Millisecond)

	// Another site has its own bucket.
	waited, err = l.Wait(ctx, "index")
	require.NoError(t, err)
	require.Less(t, waited, 40*time.Millisecond)
}

func TestWaitHonoursContext(t *testing.T) {
	t.Parallel()

	l := New(Config{PerSite: map[string]time.Duration{"Slow": time.Hour}})
	require.Equal(t, time.Hour, l.Spacing("slow"))

	_, err := l.Wait(context.Background(), "slow")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Wait(ctx, "slow")
	require.Error(t, err)
}

func TestZeroSpacingNeverBlocks(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for range 5 {
		waited, err := l.Wait(context.Background(), "any")
		require.NoError(t, err)
		require.Less(t, waited, 20*time.Millisecond)
	}
}
