package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/magnet-crawler/internal/crawler"
)

const insertDedupSQL = `
INSERT INTO dedup (hash, first_seen, job_id, outcome)
VALUES ($1, $2, $3, $4)
ON CONFLICT (hash) DO UPDATE SET
	first_seen = EXCLUDED.first_seen,
	job_id = EXCLUDED.job_id,
	outcome = EXCLUDED.outcome
WHERE dedup.first_seen < $5;`

// InsertIfAbsent inserts rec, or replaces a record first seen before
// expiredBefore. The conflict clause makes the check and the write one
// statement, so concurrent callers cannot both win.
func (s *Store) InsertIfAbsent(ctx context.Context, rec crawler.DedupRecord, expiredBefore time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, insertDedupSQL,
		rec.Hash, rec.FirstSeen.UTC(), rec.JobID, string(rec.Outcome), expiredBefore.UTC())
	if err != nil {
		return false, fmt.Errorf("insert dedup %s: %w", rec.Hash, err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetOutcome updates the outcome of an existing record.
func (s *Store) SetOutcome(ctx context.Context, hash string, outcome crawler.DedupOutcome) error {
	tag, err := s.pool.Exec(ctx, `UPDATE dedup SET outcome = $1 WHERE hash = $2;`, string(outcome), hash)
	if err != nil {
		return fmt.Errorf("update outcome %s: %w", hash, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: dedup record %s", crawler.ErrNotFound, hash)
	}
	return nil
}

// Get returns the record for hash.
func (s *Store) Get(ctx context.Context, hash string) (crawler.DedupRecord, error) {
	var (
		rec     crawler.DedupRecord
		outcome string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT hash, first_seen, job_id, outcome FROM dedup WHERE hash = $1;`, hash,
	).Scan(&rec.Hash, &rec.FirstSeen, &rec.JobID, &outcome)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.DedupRecord{}, fmt.Errorf("%w: dedup record %s", crawler.ErrNotFound, hash)
		}
		return crawler.DedupRecord{}, fmt.Errorf("get dedup %s: %w", hash, err)
	}
	rec.FirstSeen = rec.FirstSeen.UTC()
	rec.Outcome = crawler.DedupOutcome(outcome)
	return rec, nil
}

// PurgeBefore deletes records first seen before cutoff.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dedup WHERE first_seen < $1;`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge dedup: %w", err)
	}
	return tag.RowsAffected(), nil
}
