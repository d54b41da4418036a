// Package sqlite persists jobs, run history, and dedup records in an embedded
// SQLite database so a restart neither forgets the schedule nor re-forwards
// items.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/magnet-crawler/internal/crawler"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	site        TEXT NOT NULL,
	interval_ns INTEGER NOT NULL,
	enabled     INTEGER NOT NULL,
	target      TEXT NOT NULL,
	dispatch    TEXT NOT NULL,
	last_run    INTEGER
);

CREATE TABLE IF NOT EXISTS job_runs (
	run_id      TEXT PRIMARY KEY,
	job_id      TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	outcome     TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	summary     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_job_runs_job ON job_runs(job_id, started_at);

CREATE TABLE IF NOT EXISTS dedup (
	hash       TEXT PRIMARY KEY,
	first_seen INTEGER NOT NULL,
	job_id     TEXT NOT NULL DEFAULT '',
	outcome    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dedup_first_seen ON dedup(first_seen);
`

// DB implements crawler.JobStore and crawler.DedupStore on one SQLite file.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path and applies the schema.
func Open(ctx context.Context, path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serializes writers, which also makes the dedup upsert
	// race free.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &DB{db: db, path: path}, nil
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// UpsertJob inserts or updates a job definition. A zero LastRun keeps the
// stored value.
func (d *DB) UpsertJob(ctx context.Context, job crawler.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	target, err := json.Marshal(job.Target)
	if err != nil {
		return fmt.Errorf("marshal target: %w", err)
	}
	dispatch, err := json.Marshal(job.Dispatch)
	if err != nil {
		return fmt.Errorf("marshal dispatch: %w", err)
	}
	_, err = d.db.ExecContext(ctx, `
INSERT INTO jobs (id, name, site, interval_ns, enabled, target, dispatch, last_run)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	site = excluded.site,
	interval_ns = excluded.interval_ns,
	enabled = excluded.enabled,
	target = excluded.target,
	dispatch = excluded.dispatch,
	last_run = COALESCE(excluded.last_run, jobs.last_run)`,
		job.ID, job.Name, job.Site, int64(job.Interval), boolInt(job.Enabled),
		string(target), string(dispatch), nullableNanos(job.LastRun),
	)
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", job.ID, err)
	}
	return nil
}

const selectJob = `SELECT id, name, site, interval_ns, enabled, target, dispatch, last_run FROM jobs`

// GetJob fetches a job by ID.
func (d *DB) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	row := d.db.QueryRowContext(ctx, selectJob+` WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.Job{}, fmt.Errorf("%w: %s", crawler.ErrJobNotFound, jobID)
	}
	if err != nil {
		return crawler.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// ListJobs returns every job ordered by ID.
func (d *DB) ListJobs(ctx context.Context) ([]crawler.Job, error) {
	rows, err := d.db.QueryContext(ctx, selectJob+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var jobs []crawler.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// RecordRun stores a finished run and advances the job's last_run.
func (d *DB) RecordRun(ctx context.Context, run crawler.RunRecord) error {
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	started := run.StartedAt.UnixNano()
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET last_run = MAX(COALESCE(last_run, ?), ?) WHERE id = ?`,
		started, started, run.JobID)
	if err != nil {
		return fmt.Errorf("update last_run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", crawler.ErrJobNotFound, run.JobID)
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO job_runs (run_id, job_id, started_at, finished_at, outcome, error, summary)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.JobID, started, run.FinishedAt.UnixNano(),
		string(run.Outcome), run.Error, string(summary),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.RunID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run %s: %w", run.RunID, err)
	}
	return nil
}

// Runs returns the most recent runs of a job, newest first.
func (d *DB) Runs(ctx context.Context, jobID string, limit int) ([]crawler.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.db.QueryContext(ctx, `
SELECT run_id, job_id, started_at, finished_at, outcome, error, summary
FROM job_runs WHERE job_id = ? ORDER BY started_at DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var runs []crawler.RunRecord
	for rows.Next() {
		var (
			run                 crawler.RunRecord
			started, finished   int64
			outcome, summaryRaw string
		)
		if err := rows.Scan(&run.RunID, &run.JobID, &started, &finished, &outcome, &run.Error, &summaryRaw); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.StartedAt = fromNanos(started)
		run.FinishedAt = fromNanos(finished)
		run.Outcome = crawler.RunOutcome(outcome)
		if err := json.Unmarshal([]byte(summaryRaw), &run.Summary); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// InsertIfAbsent inserts rec, or replaces a record first seen before
// expiredBefore. It reports whether a row was written.
func (d *DB) InsertIfAbsent(ctx context.Context, rec crawler.DedupRecord, expiredBefore time.Time) (bool, error) {
	res, err := d.db.ExecContext(ctx, `
INSERT INTO dedup (hash, first_seen, job_id, outcome) VALUES (?, ?, ?, ?)
ON CONFLICT(hash) DO UPDATE SET
	first_seen = excluded.first_seen,
	job_id = excluded.job_id,
	outcome = excluded.outcome
WHERE dedup.first_seen < ?`,
		rec.Hash, rec.FirstSeen.UnixNano(), rec.JobID, string(rec.Outcome), expiredBefore.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("insert dedup %s: %w", rec.Hash, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// SetOutcome updates the outcome of an existing record.
func (d *DB) SetOutcome(ctx context.Context, hash string, outcome crawler.DedupOutcome) error {
	res, err := d.db.ExecContext(ctx, `UPDATE dedup SET outcome = ? WHERE hash = ?`, string(outcome), hash)
	if err != nil {
		return fmt.Errorf("update outcome %s: %w", hash, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: dedup record %s", crawler.ErrNotFound, hash)
	}
	return nil
}

// Get returns the record for hash.
func (d *DB) Get(ctx context.Context, hash string) (crawler.DedupRecord, error) {
	var (
		rec     crawler.DedupRecord
		seen    int64
		outcome string
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT hash, first_seen, job_id, outcome FROM dedup WHERE hash = ?`, hash,
	).Scan(&rec.Hash, &seen, &rec.JobID, &outcome)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.DedupRecord{}, fmt.Errorf("%w: dedup record %s", crawler.ErrNotFound, hash)
	}
	if err != nil {
		return crawler.DedupRecord{}, fmt.Errorf("get dedup %s: %w", hash, err)
	}
	rec.FirstSeen = fromNanos(seen)
	rec.Outcome = crawler.DedupOutcome(outcome)
	return rec, nil
}

// PurgeBefore deletes records first seen before cutoff.
func (d *DB) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM dedup WHERE first_seen < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge dedup: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (crawler.Job, error) {
	var (
		job              crawler.Job
		interval         int64
		enabled          int64
		target, dispatch string
		lastRun          sql.NullInt64
	)
	if err := s.Scan(&job.ID, &job.Name, &job.Site, &interval, &enabled, &target, &dispatch, &lastRun); err != nil {
		return crawler.Job{}, err
	}
	job.Interval = time.Duration(interval)
	job.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(target), &job.Target); err != nil {
		return crawler.Job{}, fmt.Errorf("decode target: %w", err)
	}
	if err := json.Unmarshal([]byte(dispatch), &job.Dispatch); err != nil {
		return crawler.Job{}, fmt.Errorf("decode dispatch: %w", err)
	}
	if lastRun.Valid {
		job.LastRun = fromNanos(lastRun.Int64)
	}
	return job, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableNanos(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
