package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/magnet-crawler/internal/crawler"
)

type fakeClient struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
	err  error
}

func newFakeClient() *fakeClient {
	return &fakeClient{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeClient) SetNX(_ context.Context, key string, value any, ttl time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, ok := f.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = string(value.([]byte))
	f.ttls[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func (f *fakeClient) SetArgs(_ context.Context, key string, value any, a redis.SetArgs) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; !ok && a.Mode == "XX" {
		return redis.NewStatusResult("", redis.Nil)
	}
	f.data[key] = string(value.([]byte))
	if !a.KeepTTL {
		delete(f.ttls, key)
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeClient) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeClient) Close() error { return nil }

func TestInsertIfAbsentUsesRetentionTTL(t *testing.T) {
	t.Parallel()

	fc := newFakeClient()
	store := NewWithClient(fc, "")
	ctx := context.Background()
	now := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	rec := crawler.DedupRecord{Hash: "abc", FirstSeen: now, JobID: "j", Outcome: crawler.OutcomePending}

	ok, err := store.InsertIfAbsent(ctx, rec, now.Add(-48*time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 48*time.Hour, fc.ttls["magnet:dedup:abc"])

	ok, err = store.InsertIfAbsent(ctx, rec, now.Add(-48*time.Hour))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSetOutcomeKeepsTTL(t *testing.T) {
	t.Parallel()

	fc := newFakeClient()
	store := NewWithClient(fc, "p:")
	ctx := context.Background()
	now := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	_, err := store.InsertIfAbsent(ctx, crawler.DedupRecord{Hash: "abc", FirstSeen: now, Outcome: crawler.OutcomePending}, now.Add(-time.Hour))
	require.NoError(t, err)

	require.NoError(t, store.SetOutcome(ctx, "abc", crawler.OutcomeForwarded))
	rec, err := store.Get(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, crawler.OutcomeForwarded, rec.Outcome)
	require.Equal(t, now, rec.FirstSeen)
	require.Equal(t, time.Hour, fc.ttls["p:abc"])

	require.ErrorIs(t, store.SetOutcome(ctx, "missing", crawler.OutcomeFailed), crawler.ErrNotFound)
}

func TestInsertIfAbsentPropagatesErrors(t *testing.T) {
	t.Parallel()

	fc := newFakeClient()
	fc.err = errors.New("redis down")
	store := NewWithClient(fc, "")
	_, err := store.InsertIfAbsent(context.Background(), crawler.DedupRecord{Hash: "x", FirstSeen: time.Now()}, time.Now().Add(-time.Hour))
	require.ErrorContains(t, err, "redis down")
}
