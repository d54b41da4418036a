package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/magnet-crawler/internal/crawler"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "state", "crawler.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func sampleJob() crawler.Job {
	return crawler.Job{
		ID:       "forum-hd",
		Name:     "Forum HD board",
		Site:     "discuz",
		Interval: 10 * time.Minute,
		Enabled:  true,
		Target: crawler.Target{
			URLTemplate:    "https://forum.example/forum-{fid}-{page}.html",
			Params:         map[string]string{"fid": "2"},
			StartPage:      1,
			EndPage:        3,
			FollowDetails:  true,
			MaxDetailPages: 40,
			Keywords:       []string{"1080p"},
		},
		Dispatch: crawler.DispatchSpec{Backend: "qbittorrent", Category: "hd", Tags: []string{"auto"}},
	}
}

func TestJobRoundTripAndRunHistory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	job := sampleJob()
	require.NoError(t, db.UpsertJob(ctx, job))

	got, err := db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, job, got)

	started := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	run := crawler.RunRecord{
		JobID:      job.ID,
		RunID:      "run-1",
		StartedAt:  started,
		FinishedAt: started.Add(time.Minute),
		Outcome:    crawler.RunFailed,
		Error:      "site unavailable",
		Summary:    crawler.RunSummary{PagesFetched: 2, PagesFailed: 3},
	}
	require.NoError(t, db.RecordRun(ctx, run))

	got, err = db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, started, got.LastRun)

	// Reseeding the definition keeps last_run.
	job.Name = "renamed"
	require.NoError(t, db.UpsertJob(ctx, job))
	got, err = db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, "renamed", got.Name)
	require.Equal(t, started, got.LastRun)

	runs, err := db.Runs(ctx, job.ID, 10)
	require.NoError(t, err)
	require.Equal(t, []crawler.RunRecord{run}, runs)

	err = db.RecordRun(ctx, crawler.RunRecord{JobID: "missing", RunID: "run-2", StartedAt: started})
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
	_, err = db.GetJob(ctx, "missing")
	require.ErrorIs(t, err, crawler.ErrJobNotFound)

	jobs, err := db.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

func TestLastRunNeverMovesBackwards(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	job := sampleJob()
	require.NoError(t, db.UpsertJob(ctx, job))

	late := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, db.RecordRun(ctx, crawler.RunRecord{JobID: job.ID, RunID: "b", StartedAt: late}))
	require.NoError(t, db.RecordRun(ctx, crawler.RunRecord{JobID: job.ID, RunID: "a", StartedAt: late.Add(-time.Hour)}))

	got, err := db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, late, got.LastRun)
}

func TestDedupSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dedup.db")
	now := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	rec := crawler.DedupRecord{Hash: "c9e15763f722f23e98a29decdfae341b98d53056", FirstSeen: now, JobID: "j", Outcome: crawler.OutcomePending}

	db, err := Open(ctx, path)
	require.NoError(t, err)
	ok, err := db.InsertIfAbsent(ctx, rec, now.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, db.SetOutcome(ctx, rec.Hash, crawler.OutcomeForwarded))
	require.NoError(t, db.Close())

	db, err = Open(ctx, path)
	require.NoError(t, err)
	defer db.Close()

	ok, err = db.InsertIfAbsent(ctx, rec, now.Add(-time.Hour))
	require.NoError(t, err)
	require.False(t, ok)

	got, err := db.Get(ctx, rec.Hash)
	require.NoError(t, err)
	require.Equal(t, crawler.OutcomeForwarded, got.Outcome)
	require.Equal(t, now, got.FirstSeen)
}

func TestDedupExpiryAndPurge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	t0 := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	ok, err := db.InsertIfAbsent(ctx, crawler.DedupRecord{Hash: "a", FirstSeen: t0, Outcome: crawler.OutcomeFailed}, t0.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	later := crawler.DedupRecord{Hash: "a", FirstSeen: t0.Add(2 * time.Hour), Outcome: crawler.OutcomePending}
	ok, err = db.InsertIfAbsent(ctx, later, t0.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	got, err := db.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, crawler.OutcomePending, got.Outcome)

	ok, err = db.InsertIfAbsent(ctx, crawler.DedupRecord{Hash: "b", FirstSeen: t0, Outcome: crawler.OutcomePending}, t0.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	n, err := db.PurgeBefore(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	_, err = db.Get(ctx, "b")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.ErrorIs(t, db.SetOutcome(ctx, "b", crawler.OutcomeForwarded), crawler.ErrNotFound)
}

func TestDedupConcurrentInsertSingleWinner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	now := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := db.InsertIfAbsent(ctx, crawler.DedupRecord{Hash: "same", FirstSeen: now, Outcome: crawler.OutcomePending}, now.Add(-time.Hour))
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
}
