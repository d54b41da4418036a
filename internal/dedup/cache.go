// Package dedup decides whether a candidate has been forwarded before. The
// cache wraps a durable DedupStore; the store's atomic insert is what makes
// forwarding at-most-once across concurrent workers.
//
// Records older than the retention window count as absent and are purged by
// the sweeper, so a torrent seen long ago may be forwarded again.
package dedup

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/magnet-crawler/internal/crawler"
)

// DefaultRetention applies when Config.Retention is zero.
const DefaultRetention = 30 * 24 * time.Hour

// Config tunes the cache.
type Config struct {
	Retention     time.Duration
	SweepInterval time.Duration
	// OnPurge, when set, receives the count of every successful sweep.
	OnPurge func(n int64)
}

// Cache is the check-and-insert front of a DedupStore.
type Cache struct {
	store  crawler.DedupStore
	cfg    Config
	clock  crawler.Clock
	logger *zap.Logger
}

// NewCache wires a cache over store.
func NewCache(store crawler.DedupStore, cfg Config, clock crawler.Clock, logger *zap.Logger) *Cache {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{store: store, cfg: cfg, clock: clock, logger: logger.Named("dedup")}
}

// CheckAndInsert records item.Hash as seen for jobID. Exactly one concurrent
// caller for a given hash observes Inserted.
func (c *Cache) CheckAndInsert(ctx context.Context, item crawler.CandidateItem, jobID string) (crawler.InsertResult, error) {
	if item.Hash == "" {
		return "", fmt.Errorf("%w: empty content hash", crawler.ErrParse)
	}
	now := c.clock.Now()
	rec := crawler.DedupRecord{
		Hash:      item.Hash,
		FirstSeen: now,
		JobID:     jobID,
		Outcome:   crawler.OutcomePending,
	}
	inserted, err := c.store.InsertIfAbsent(ctx, rec, now.Add(-c.cfg.Retention))
	if err != nil {
		return "", fmt.Errorf("dedup insert %s: %w", item.Hash, err)
	}
	if inserted {
		return crawler.Inserted, nil
	}
	return crawler.AlreadyPresent, nil
}

// RecordOutcome stores the dispatch result for hash. Failed outcomes keep the
// record so a rejected item is not resubmitted on the next run.
func (c *Cache) RecordOutcome(ctx context.Context, hash string, outcome crawler.DedupOutcome) error {
	if err := c.store.SetOutcome(ctx, hash, outcome); err != nil {
		return fmt.Errorf("dedup outcome %s: %w", hash, err)
	}
	return nil
}

// Lookup returns the record for hash or crawler.ErrNotFound.
func (c *Cache) Lookup(ctx context.Context, hash string) (crawler.DedupRecord, error) {
	return c.store.Get(ctx, hash)
}

// Sweep purges records that fell out of the retention window.
func (c *Cache) Sweep(ctx context.Context) (int64, error) {
	cutoff := c.clock.Now().Add(-c.cfg.Retention)
	n, err := c.store.PurgeBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("dedup sweep: %w", err)
	}
	if c.cfg.OnPurge != nil {
		c.cfg.OnPurge(n)
	}
	if n > 0 {
		c.logger.Info("purged expired dedup records", zap.Int64("count", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}

// RunSweeper calls Sweep every SweepInterval until ctx is done. It returns
// immediately when the interval is not positive.
func (c *Cache) RunSweeper(ctx context.Context) {
	if c.cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil {
				c.logger.Warn("dedup sweep failed", zap.Error(err))
			}
		}
	}
}
