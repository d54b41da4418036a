package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/magnet-crawler/internal/crawler"
)

const upsertJobSQL = `
INSERT INTO jobs (id, name, site, interval_ns, enabled, target, dispatch, last_run)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	site = EXCLUDED.site,
	interval_ns = EXCLUDED.interval_ns,
	enabled = EXCLUDED.enabled,
	target = EXCLUDED.target,
	dispatch = EXCLUDED.dispatch,
	last_run = COALESCE(EXCLUDED.last_run, jobs.last_run);`

const selectJobSQL = `SELECT id, name, site, interval_ns, enabled, target, dispatch, last_run FROM jobs`

// UpsertJob inserts or updates a job definition. A zero LastRun keeps the
// stored value.
func (s *Store) UpsertJob(ctx context.Context, job crawler.Job) error {
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
	_, err = s.pool.Exec(ctx, upsertJobSQL,
		job.ID, job.Name, job.Site, int64(job.Interval), job.Enabled,
		target, dispatch, nullableTime(job.LastRun),
	)
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob retrieves a single job by its ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, selectJobSQL+` WHERE id = $1;`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Job{}, fmt.Errorf("%w: %s", crawler.ErrJobNotFound, jobID)
		}
		return crawler.Job{}, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs retrieves every job ordered by ID.
func (s *Store) ListJobs(ctx context.Context) ([]crawler.Job, error) {
	rows, err := s.pool.Query(ctx, selectJobSQL+` ORDER BY id;`)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []crawler.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, nil
}

// RecordRun stores a finished run and advances the job's last_run in one
// transaction.
func (s *Store) RecordRun(ctx context.Context, run crawler.RunRecord) error {
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE jobs SET last_run = GREATEST(COALESCE(last_run, $2), $2) WHERE id = $1;`,
		run.JobID, run.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("update last_run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", crawler.ErrJobNotFound, run.JobID)
	}
	_, err = tx.Exec(ctx, `
INSERT INTO job_runs (run_id, job_id, started_at, finished_at, outcome, error, summary)
VALUES ($1, $2, $3, $4, $5, $6, $7);`,
		run.RunID, run.JobID, run.StartedAt.UTC(), run.FinishedAt.UTC(),
		string(run.Outcome), run.Error, summary,
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.RunID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit run %s: %w", run.RunID, err)
	}
	return nil
}

func scanJob(row pgx.Row) (crawler.Job, error) {
	var (
		job              crawler.Job
		interval         int64
		target, dispatch []byte
		lastRun          *time.Time
	)
	if err := row.Scan(&job.ID, &job.Name, &job.Site, &interval, &job.Enabled, &target, &dispatch, &lastRun); err != nil {
		return crawler.Job{}, err
	}
	job.Interval = time.Duration(interval)
	if err := json.Unmarshal(target, &job.Target); err != nil {
		return crawler.Job{}, fmt.Errorf("decode target: %w", err)
	}
	if err := json.Unmarshal(dispatch, &job.Dispatch); err != nil {
		return crawler.Job{}, fmt.Errorf("decode dispatch: %w", err)
	}
	if lastRun != nil {
		job.LastRun = lastRun.UTC()
	}
	return job, nil
}
