// Package scheduler decides when each job runs and guarantees that a job
// never has two runs in flight.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/magnet-crawler/internal/crawler"
	"github.com/JakeFAU/magnet-crawler/internal/progress"
)

// ErrJobPaused is returned by Trigger for a paused job.
var ErrJobPaused = errors.New("job paused")

// Job state event values.
const (
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StatePaused    = "paused"
	StateResumed   = "resumed"
)

// Runner executes one run of a job.
type Runner interface {
	Run(ctx context.Context, job crawler.Job, runID string) (crawler.RunSummary, error)
}

// Config tunes the coordinating loop.
type Config struct {
	TickInterval time.Duration
	// RunTimeout is the wall-clock ceiling for a single run. Zero disables it.
	RunTimeout time.Duration
}

// Scheduler owns per-job run tokens and the tick loop.
type Scheduler struct {
	cfg    Config
	store  crawler.JobStore
	runner Runner
	ids    crawler.IDGenerator
	clock  crawler.Clock
	events progress.Emitter
	logger *zap.Logger

	baseCtx    context.Context
	cancelRuns context.CancelFunc
	wg         sync.WaitGroup
	loopDone   chan struct{}
	started    atomic.Bool

	mu      sync.Mutex
	entries map[string]*entry
}

// entry is the scheduler-side state of one job. running is the overlap
// token: only the caller that flips it false->true may start a run.
type entry struct {
	running atomic.Bool

	mu     sync.Mutex
	paused bool
	runID  string
	cancel context.CancelFunc
	stats  stats
}

type stats struct {
	runs, successes, errors int
	lastOutcome             crawler.RunOutcome
	lastError               string
	lastResult              crawler.RunSummary
}

// New builds a Scheduler. events may be nil.
func New(
	cfg Config,
	store crawler.JobStore,
	runner Runner,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	events progress.Emitter,
	logger *zap.Logger,
) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:        cfg,
		store:      store,
		runner:     runner,
		ids:        ids,
		clock:      clock,
		events:     events,
		logger:     logger.Named("scheduler"),
		baseCtx:    baseCtx,
		cancelRuns: cancel,
		loopDone:   make(chan struct{}),
		entries:    make(map[string]*entry),
	}
}

func (s *Scheduler) entry(jobID string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[jobID]
	if !ok {
		e = &entry{}
		s.entries[jobID] = e
	}
	return e
}

// Start launches the tick loop. Due jobs are evaluated immediately, which
// gives the single startup catch-up run. The loop exits when ctx ends or Stop
// is called.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	s.logger.Info("scheduler started", zap.Duration("tick", s.cfg.TickInterval))
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-s.baseCtx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick starts every due, unpaused job. A failure for one job never stops the
// evaluation of the others.
func (s *Scheduler) Tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tick panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		return
	}
	now := s.clock.Now()
	for _, job := range jobs {
		if !job.Due(now) || s.isPaused(job.ID) {
			continue
		}
		if _, _, err := s.start(job); err != nil {
			if errors.Is(err, crawler.ErrJobBusy) {
				s.logger.Debug("job still running", zap.String("job_id", job.ID))
				continue
			}
			s.logger.Error("start job failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}

// Trigger starts a run now. It returns crawler.ErrJobBusy when a run is
// already in flight and ErrJobPaused for a paused job.
func (s *Scheduler) Trigger(ctx context.Context, jobID string) (string, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if s.isPaused(jobID) {
		return "", ErrJobPaused
	}
	runID, _, err := s.start(job)
	if errors.Is(err, crawler.ErrJobBusy) {
		s.logger.Debug("trigger ignored, job busy", zap.String("job_id", jobID))
	}
	return runID, err
}

// RunNow starts a run and waits for it to finish, ignoring the paused flag.
func (s *Scheduler) RunNow(ctx context.Context, jobID string) (crawler.RunRecord, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return crawler.RunRecord{}, err
	}
	_, done, err := s.start(job)
	if err != nil {
		return crawler.RunRecord{}, err
	}
	select {
	case res := <-done:
		return res.rec, res.err
	case <-ctx.Done():
		return crawler.RunRecord{}, ctx.Err()
	}
}

func (s *Scheduler) start(job crawler.Job) (string, <-chan result, error) {
	if s.baseCtx.Err() != nil {
		return "", nil, errors.New("scheduler stopped")
	}
	e := s.entry(job.ID)
	if !e.running.CompareAndSwap(false, true) {
		return "", nil, crawler.ErrJobBusy
	}
	runID, err := s.ids.NewID()
	if err != nil {
		e.running.Store(false)
		return "", nil, fmt.Errorf("new run id: %w", err)
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if s.cfg.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(s.baseCtx, s.cfg.RunTimeout)
	} else {
		runCtx, cancel = context.WithCancel(s.baseCtx)
	}
	e.mu.Lock()
	e.runID = runID
	e.cancel = cancel
	e.mu.Unlock()

	s.emitState(job.ID, runID, StateRunning, 0, nil)
	s.logger.Info("run started", zap.String("job_id", job.ID), zap.String("run_id", runID))

	done := make(chan result, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		done <- s.execute(runCtx, e, job, runID)
	}()
	return runID, done, nil
}

type result struct {
	rec crawler.RunRecord
	err error
}

func (s *Scheduler) execute(ctx context.Context, e *entry, job crawler.Job, runID string) result {
	startedAt := s.clock.Now()
	summary, err := s.safeRun(ctx, job, runID)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("run exceeded %s: %w", s.cfg.RunTimeout, err)
	}
	finishedAt := s.clock.Now()

	rec := crawler.RunRecord{
		JobID:      job.ID,
		RunID:      runID,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		Outcome:    crawler.RunCompleted,
		Summary:    summary,
	}
	if err != nil {
		rec.Outcome = crawler.RunFailed
		rec.Error = err.Error()
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if perr := s.store.RecordRun(persistCtx, rec); perr != nil {
		s.logger.Error("record run failed", zap.String("job_id", job.ID), zap.String("run_id", runID), zap.Error(perr))
	}

	e.mu.Lock()
	e.stats.runs++
	if err != nil {
		e.stats.errors++
		e.stats.lastError = rec.Error
	} else {
		e.stats.successes++
		e.stats.lastError = ""
	}
	e.stats.lastOutcome = rec.Outcome
	e.stats.lastResult = summary
	e.runID = ""
	e.cancel = nil
	e.mu.Unlock()

	// The terminal event goes out before the token is released so a job's
	// events never show the next run starting before this one ended.
	s.emitState(job.ID, runID, string(rec.Outcome), finishedAt.Sub(startedAt), err)
	e.running.Store(false)
	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("run_id", runID),
		zap.String("outcome", string(rec.Outcome)),
		zap.Duration("duration", finishedAt.Sub(startedAt)),
	}
	if err != nil {
		s.logger.Warn("run failed", append(fields, zap.Error(err))...)
	} else {
		s.logger.Info("run completed", fields...)
	}
	return result{rec: rec, err: err}
}

func (s *Scheduler) safeRun(ctx context.Context, job crawler.Job, runID string) (summary crawler.RunSummary, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("run panicked",
				zap.String("job_id", job.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("run panicked: %v", r)
		}
	}()
	return s.runner.Run(ctx, job, runID)
}

// Pause stops future runs of the job and cancels the run in flight, if any.
// Submissions already handed to a downloader are not rolled back.
func (s *Scheduler) Pause(ctx context.Context, jobID string) error {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return err
	}
	e := s.entry(jobID)
	e.mu.Lock()
	e.paused = true
	cancel := e.cancel
	runID := e.runID
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.emitState(jobID, runID, StatePaused, 0, nil)
	s.logger.Info("job paused", zap.String("job_id", jobID), zap.Bool("canceled_run", cancel != nil))
	return nil
}

// Resume clears the paused flag; the job runs again at its next due time.
func (s *Scheduler) Resume(ctx context.Context, jobID string) error {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return err
	}
	e := s.entry(jobID)
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	s.emitState(jobID, "", StateResumed, 0, nil)
	s.logger.Info("job resumed", zap.String("job_id", jobID))
	return nil
}

func (s *Scheduler) isPaused(jobID string) bool {
	e := s.entry(jobID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Status reports the job's state, schedule and run statistics.
func (s *Scheduler) Status(ctx context.Context, jobID string) (crawler.JobStatus, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return crawler.JobStatus{}, err
	}
	return s.status(job), nil
}

// List reports every job's status ordered by job ID.
func (s *Scheduler) List(ctx context.Context) ([]crawler.JobStatus, error) {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]crawler.JobStatus, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, s.status(job))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out, nil
}

func (s *Scheduler) status(job crawler.Job) crawler.JobStatus {
	e := s.entry(job.ID)
	e.mu.Lock()
	defer e.mu.Unlock()
	st := crawler.JobStatus{
		JobID:        job.ID,
		Name:         job.Name,
		State:        crawler.JobStateIdle,
		Paused:       e.paused,
		Enabled:      job.Enabled,
		RunID:        e.runID,
		LastRun:      job.LastRun,
		LastOutcome:  e.stats.lastOutcome,
		LastError:    e.stats.lastError,
		LastResult:   e.stats.lastResult,
		RunCount:     e.stats.runs,
		SuccessCount: e.stats.successes,
		ErrorCount:   e.stats.errors,
	}
	if e.running.Load() {
		st.State = crawler.JobStateRunning
	}
	if job.Enabled && job.Scheduled() {
		st.NextRun = job.NextRun(s.clock.Now())
	}
	return st
}

// Stop cancels every run in flight and waits for the loop and the runs to
// return.
func (s *Scheduler) Stop() {
	s.cancelRuns()
	if s.started.Load() {
		<-s.loopDone
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) emitState(jobID, runID, state string, dur time.Duration, err error) {
	if s.events == nil {
		return
	}
	evt := progress.Event{
		Type:  progress.TypeJobState,
		JobID: jobID,
		RunID: runID,
		State: state,
		Dur:   dur,
	}
	if err != nil {
		evt.Level = progress.LevelError
		evt.Message = err.Error()
	}
	s.events.Emit(evt)
}
