package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/magnet-crawler/internal/crawler"
)

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	job := crawler.Job{ID: "job-1", Name: "forum", Site: "discuz", Interval: time.Minute, Enabled: true}

	require.NoError(t, store.UpsertJob(ctx, job))
	_, err := store.GetJob(ctx, "missing")
	require.ErrorIs(t, err, crawler.ErrJobNotFound)

	started := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, store.RecordRun(ctx, crawler.RunRecord{
		JobID:     job.ID,
		RunID:     "run-1",
		StartedAt: started,
		Outcome:   crawler.RunCompleted,
	}))
	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, started, got.LastRun)

	job.Name = "renamed"
	require.NoError(t, store.UpsertJob(ctx, job))
	got, err = store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, "renamed", got.Name)
	require.Equal(t, started, got.LastRun, "reseeding keeps the schedule")

	runs := store.Runs(job.ID)
	require.Len(t, runs, 1)
	runs[0].RunID = "modified"
	require.Equal(t, "run-1", store.Runs(job.ID)[0].RunID)

	require.ErrorIs(t, store.RecordRun(ctx, crawler.RunRecord{JobID: "missing"}), crawler.ErrJobNotFound)
}

func TestListJobsOrdered(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	for _, id := range []string{"b", "c", "a"} {
		require.NoError(t, store.UpsertJob(ctx, crawler.Job{ID: id}))
	}
	jobs, err := store.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	require.Equal(t, "a", jobs[0].ID)
	require.Equal(t, "c", jobs[2].ID)
}
