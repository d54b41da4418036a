package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/magnet-crawler/internal/crawler"
)

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]crawler.Job
	runs map[string][]crawler.RunRecord
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]crawler.Job),
		runs: make(map[string][]crawler.RunRecord),
	}
}

// UpsertJob stores a job definition. A zero LastRun keeps the stored one so
// reseeding definitions from config does not reset the schedule.
func (s *JobStore) UpsertJob(_ context.Context, job crawler.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.jobs[job.ID]; ok && job.LastRun.IsZero() {
		job.LastRun = existing.LastRun
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, fmt.Errorf("%w: %s", crawler.ErrJobNotFound, jobID)
	}
	return job, nil
}

// ListJobs returns every job ordered by ID.
func (s *JobStore) ListJobs(_ context.Context) ([]crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RecordRun appends a finished run and advances the job's LastRun to the
// run's start time.
func (s *JobStore) RecordRun(_ context.Context, run crawler.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[run.JobID]
	if !ok {
		return fmt.Errorf("%w: %s", crawler.ErrJobNotFound, run.JobID)
	}
	if run.StartedAt.After(job.LastRun) {
		job.LastRun = run.StartedAt
		s.jobs[run.JobID] = job
	}
	s.runs[run.JobID] = append(s.runs[run.JobID], run)
	return nil
}

// Runs returns a copy of the recorded runs for a job.
func (s *JobStore) Runs(jobID string) []crawler.RunRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := s.runs[jobID]
	out := make([]crawler.RunRecord, len(runs))
	copy(out, runs)
	return out
}
