// Package redis implements the dedup store on Redis. Keys expire after the
// retention window, so Redis itself performs the sweep.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/magnet-crawler/internal/crawler"
)

// Config holds the connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type client interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	SetArgs(ctx context.Context, key string, value any, a redis.SetArgs) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Close() error
}

// DedupStore stores one JSON record per infohash.
type DedupStore struct {
	client client
	prefix string
}

// New connects to Redis.
func New(cfg Config) *DedupStore {
	return NewWithClient(redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), cfg.Prefix)
}

// NewWithClient wraps an existing client.
func NewWithClient(c client, prefix string) *DedupStore {
	if prefix == "" {
		prefix = "magnet:dedup:"
	}
	return &DedupStore{client: c, prefix: prefix}
}

// Close closes the Redis client.
func (s *DedupStore) Close() error {
	return s.client.Close()
}

// InsertIfAbsent writes rec with SET NX. The key lives for the distance
// between FirstSeen and expiredBefore, which is the retention window.
func (s *DedupStore) InsertIfAbsent(ctx context.Context, rec crawler.DedupRecord, expiredBefore time.Time) (bool, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	ttl := rec.FirstSeen.Sub(expiredBefore)
	if ttl <= 0 {
		ttl = time.Second
	}
	ok, err := s.client.SetNX(ctx, s.prefix+rec.Hash, payload, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", rec.Hash, err)
	}
	return ok, nil
}

// SetOutcome rewrites the record keeping its remaining TTL.
func (s *DedupStore) SetOutcome(ctx context.Context, hash string, outcome crawler.DedupOutcome) error {
	rec, err := s.Get(ctx, hash)
	if err != nil {
		return err
	}
	rec.Outcome = outcome
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	err = s.client.SetArgs(ctx, s.prefix+hash, payload, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: dedup record %s", crawler.ErrNotFound, hash)
	}
	if err != nil {
		return fmt.Errorf("set outcome %s: %w", hash, err)
	}
	return nil
}

// Get reads the record for hash.
func (s *DedupStore) Get(ctx context.Context, hash string) (crawler.DedupRecord, error) {
	val, err := s.client.Get(ctx, s.prefix+hash).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return crawler.DedupRecord{}, fmt.Errorf("%w: dedup record %s", crawler.ErrNotFound, hash)
		}
		return crawler.DedupRecord{}, fmt.Errorf("get %s: %w", hash, err)
	}
	var rec crawler.DedupRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return crawler.DedupRecord{}, fmt.Errorf("decode %s: %w", hash, err)
	}
	return rec, nil
}

// PurgeBefore is a no-op; keys expire on their own.
func (s *DedupStore) PurgeBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}
