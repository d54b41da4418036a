package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/magnet-crawler/internal/clock/system"
	"github.com/JakeFAU/magnet-crawler/internal/crawler"
	"github.com/JakeFAU/magnet-crawler/internal/id/uuid"
	"github.com/JakeFAU/magnet-crawler/internal/progress"
	"github.com/JakeFAU/magnet-crawler/internal/storage/memory"
)

type runnerFunc func(ctx context.Context, job crawler.Job, runID string) (crawler.RunSummary, error)

func (f runnerFunc) Run(ctx context.Context, job crawler.Job, runID string) (crawler.RunSummary, error) {
	return f(ctx, job, runID)
}

// blockingRunner parks every run until released or canceled.
type blockingRunner struct {
	calls   atomic.Int32
	started chan string
	release chan struct{}
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{started: make(chan string, 16), release: make(chan struct{})}
}

func (b *blockingRunner) Run(ctx context.Context, _ crawler.Job, runID string) (crawler.RunSummary, error) {
	b.calls.Add(1)
	b.started <- runID
	select {
	case <-b.release:
		return crawler.RunSummary{PagesFetched: 1}, nil
	case <-ctx.Done():
		return crawler.RunSummary{}, ctx.Err()
	}
}

var start = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testJob() crawler.Job {
	return crawler.Job{ID: "job-1", Name: "nightly", Site: "example", Interval: time.Minute, Enabled: true}
}

func newScheduler(t *testing.T, cfg Config, runner Runner) (*Scheduler, *memory.JobStore, *system.Manual, *progress.Bus) {
	t.Helper()
	store := memory.NewJobStore()
	require.NoError(t, store.UpsertJob(context.Background(), testJob()))
	clock := system.NewManual(start)
	bus := progress.NewBus(progress.BusConfig{ReplaySize: 100})
	s := New(cfg, store, runner, uuid.New(), clock, bus, zap.NewNop())
	t.Cleanup(s.Stop)
	return s, store, clock, bus
}

func stateEvents(bus *progress.Bus, state string) int {
	n := 0
	for _, evt := range bus.Replay() {
		if evt.Type == progress.TypeJobState && evt.State == state {
			n++
		}
	}
	return n
}

func waitIdle(t *testing.T, s *Scheduler) crawler.JobStatus {
	t.Helper()
	var st crawler.JobStatus
	require.Eventually(t, func() bool {
		var err error
		st, err = s.Status(context.Background(), "job-1")
		return err == nil && st.State == crawler.JobStateIdle && st.RunCount > 0
	}, time.Second, 5*time.Millisecond)
	return st
}

func TestDoubleTriggerYieldsOneRunAndOneBusy(t *testing.T) {
	t.Parallel()

	runner := newBlockingRunner()
	s, _, _, bus := newScheduler(t, Config{}, runner)

	runID, err := s.Trigger(context.Background(), "job-1")
	require.NoError(t, err)
	require.NotEmpty(t, runID)
	<-runner.started

	_, err = s.Trigger(context.Background(), "job-1")
	require.ErrorIs(t, err, crawler.ErrJobBusy)

	st, err := s.Status(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, crawler.JobStateRunning, st.State)
	assert.Equal(t, runID, st.RunID)

	close(runner.release)
	st = waitIdle(t, s)
	assert.Equal(t, 1, st.RunCount)
	assert.Equal(t, 1, st.SuccessCount)
	assert.Equal(t, crawler.RunCompleted, st.LastOutcome)
	assert.Equal(t, 1, st.LastResult.PagesFetched)
	assert.Equal(t, int32(1), runner.calls.Load())
	assert.Equal(t, 1, stateEvents(bus, StateRunning))
	assert.Equal(t, 1, stateEvents(bus, StateCompleted))
}

func TestTickRunsDueJobsAndRespectsInterval(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	runner := runnerFunc(func(context.Context, crawler.Job, string) (crawler.RunSummary, error) {
		calls.Add(1)
		return crawler.RunSummary{}, nil
	})
	s, store, clock, _ := newScheduler(t, Config{}, runner)
	ctx := context.Background()

	s.Tick(ctx)
	waitIdle(t, s)
	assert.Equal(t, int32(1), calls.Load())

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, start, job.LastRun)

	clock.Advance(30 * time.Second)
	s.Tick(ctx)
	assert.Equal(t, int32(1), calls.Load(), "not due before the interval elapses")

	clock.Advance(31 * time.Second)
	s.Tick(ctx)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestTickWhileRunningIsBusyNoop(t *testing.T) {
	t.Parallel()

	runner := newBlockingRunner()
	s, _, _, bus := newScheduler(t, Config{}, runner)

	s.Tick(context.Background())
	<-runner.started
	s.Tick(context.Background())
	s.Tick(context.Background())

	close(runner.release)
	waitIdle(t, s)
	assert.Equal(t, int32(1), runner.calls.Load())
	assert.Equal(t, 1, stateEvents(bus, StateRunning))
}

func TestPauseCancelsRunAndBlocksTriggers(t *testing.T) {
	t.Parallel()

	runner := newBlockingRunner()
	s, _, _, bus := newScheduler(t, Config{}, runner)
	ctx := context.Background()

	_, err := s.Trigger(ctx, "job-1")
	require.NoError(t, err)
	<-runner.started

	require.NoError(t, s.Pause(ctx, "job-1"))
	st := waitIdle(t, s)
	assert.True(t, st.Paused)
	assert.Equal(t, crawler.RunFailed, st.LastOutcome)
	assert.Equal(t, 1, st.ErrorCount)
	assert.Contains(t, st.LastError, context.Canceled.Error())

	_, err = s.Trigger(ctx, "job-1")
	require.ErrorIs(t, err, ErrJobPaused)
	s.Tick(ctx)
	assert.Equal(t, int32(1), runner.calls.Load())

	require.NoError(t, s.Resume(ctx, "job-1"))
	_, err = s.Trigger(ctx, "job-1")
	require.NoError(t, err)
	<-runner.started
	close(runner.release)
	require.Eventually(t, func() bool { return stateEvents(bus, StateCompleted) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, stateEvents(bus, StatePaused))
	assert.Equal(t, 1, stateEvents(bus, StateResumed))
}

func TestRunTimeoutFailsRun(t *testing.T) {
	t.Parallel()

	runner := runnerFunc(func(ctx context.Context, _ crawler.Job, _ string) (crawler.RunSummary, error) {
		<-ctx.Done()
		return crawler.RunSummary{}, ctx.Err()
	})
	s, _, _, _ := newScheduler(t, Config{RunTimeout: 20 * time.Millisecond}, runner)

	rec, err := s.RunNow(context.Background(), "job-1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "run exceeded")
	assert.Equal(t, crawler.RunFailed, rec.Outcome)
}

func TestPanicBecomesFailedRun(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	runner := runnerFunc(func(context.Context, crawler.Job, string) (crawler.RunSummary, error) {
		if calls.Add(1) == 1 {
			panic("extractor blew up")
		}
		return crawler.RunSummary{}, nil
	})
	s, _, _, _ := newScheduler(t, Config{}, runner)

	rec, err := s.RunNow(context.Background(), "job-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extractor blew up")
	assert.Equal(t, crawler.RunFailed, rec.Outcome)

	rec, err = s.RunNow(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, crawler.RunCompleted, rec.Outcome)
}

func TestRunFatalErrorKeepsJobSchedulable(t *testing.T) {
	t.Parallel()

	runner := runnerFunc(func(context.Context, crawler.Job, string) (crawler.RunSummary, error) {
		return crawler.RunSummary{PagesFailed: 3}, crawler.ErrSiteUnavailable
	})
	s, store, clock, bus := newScheduler(t, Config{}, runner)
	ctx := context.Background()

	_, err := s.RunNow(ctx, "job-1")
	require.ErrorIs(t, err, crawler.ErrSiteUnavailable)

	st, err := s.Status(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, crawler.JobStateIdle, st.State)
	assert.Equal(t, crawler.RunFailed, st.LastOutcome)
	assert.Equal(t, 3, st.LastResult.PagesFailed)
	assert.Equal(t, 1, stateEvents(bus, StateFailed))

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, job.Due(clock.Now().Add(time.Minute)))
}

func TestUnknownJob(t *testing.T) {
	t.Parallel()

	s, _, _, _ := newScheduler(t, Config{}, newBlockingRunner())
	_, err := s.Trigger(context.Background(), "nope")
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
	require.ErrorIs(t, s.Pause(context.Background(), "nope"), crawler.ErrJobNotFound)
}

func TestStartLoopAndStop(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	runner := runnerFunc(func(context.Context, crawler.Job, string) (crawler.RunSummary, error) {
		calls.Add(1)
		return crawler.RunSummary{}, nil
	})
	s, _, _, _ := newScheduler(t, Config{TickInterval: 5 * time.Millisecond}, runner)

	s.Start(context.Background())
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	s.Stop()

	_, err := s.Trigger(context.Background(), "job-1")
	require.Error(t, err)
}

type mockJobStore struct {
	mock.Mock
}

func (m *mockJobStore) UpsertJob(ctx context.Context, job crawler.Job) error {
	return m.Called(ctx, job).Error(0)
}

func (m *mockJobStore) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	args := m.Called(ctx, jobID)
	return args.Get(0).(crawler.Job), args.Error(1)
}

func (m *mockJobStore) ListJobs(ctx context.Context) ([]crawler.Job, error) {
	args := m.Called(ctx)
	jobs, _ := args.Get(0).([]crawler.Job)
	return jobs, args.Error(1)
}

func (m *mockJobStore) RecordRun(ctx context.Context, run crawler.RunRecord) error {
	return m.Called(ctx, run).Error(0)
}

func TestRunIsRecordedWithStartTime(t *testing.T) {
	t.Parallel()

	store := &mockJobStore{}
	store.On("GetJob", mock.Anything, "job-1").Return(testJob(), nil)
	store.On("RecordRun", mock.Anything, mock.MatchedBy(func(rec crawler.RunRecord) bool {
		return rec.JobID == "job-1" && rec.StartedAt.Equal(start) && rec.Outcome == crawler.RunCompleted && rec.Summary.Accepted == 2
	})).Return(nil).Once()

	runner := runnerFunc(func(context.Context, crawler.Job, string) (crawler.RunSummary, error) {
		return crawler.RunSummary{Accepted: 2}, nil
	})
	s := New(Config{}, store, runner, uuid.New(), system.NewManual(start), nil, nil)
	t.Cleanup(s.Stop)

	_, err := s.RunNow(context.Background(), "job-1")
	require.NoError(t, err)
	store.AssertExpectations(t)
}

func TestListErrorDoesNotStopTicking(t *testing.T) {
	t.Parallel()

	store := &mockJobStore{}
	store.On("ListJobs", mock.Anything).Return(nil, errors.New("db down"))
	s := New(Config{}, store, newBlockingRunner(), uuid.New(), system.NewManual(start), nil, nil)
	t.Cleanup(s.Stop)

	assert.NotPanics(t, func() { s.Tick(context.Background()) })
	store.AssertNumberOfCalls(t, "ListJobs", 1)
}
