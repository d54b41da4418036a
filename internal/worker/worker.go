// Package worker executes a single job run: fetch the listing pages, follow
// detail links, extract magnets, dedup them and hand survivors to the
// dispatcher.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/magnet-crawler/internal/crawler"
	"github.com/JakeFAU/magnet-crawler/internal/extract"
	"github.com/JakeFAU/magnet-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/magnet-crawler/internal/progress"
	"github.com/JakeFAU/magnet-crawler/internal/settings"
)

// Fetcher retrieves one task's page.
type Fetcher interface {
	Fetch(ctx context.Context, task crawler.CrawlTask, snap crawler.NetworkSnapshot) (crawler.RawPage, error)
}

// Extractors resolves the page parser for a site.
type Extractors interface {
	Get(key string) (extract.Extractor, error)
}

// Deduper is the at-most-once gate in front of the dispatcher.
type Deduper interface {
	CheckAndInsert(ctx context.Context, item crawler.CandidateItem, jobID string) (crawler.InsertResult, error)
	RecordOutcome(ctx context.Context, hash string, outcome crawler.DedupOutcome) error
}

// Submitter hands an item to a downloader backend.
type Submitter interface {
	Submit(ctx context.Context, job crawler.Job, runID string, item crawler.CandidateItem) (crawler.DownloadRequest, error)
}

// Config controls Runner behavior.
type Config struct {
	// Concurrency caps page goroutines per run unless the job sets its own
	// MaxConcurrency; the fetch pool applies its global and per-site ceilings
	// underneath.
	Concurrency int
}

// Runner executes job runs.
type Runner struct {
	fetcher    Fetcher
	extractors Extractors
	settings   crawler.SettingsStore
	dedup      Deduper
	dispatch   Submitter
	events     progress.Emitter
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Runner. events may be nil.
func New(
	fetcher Fetcher,
	extractors Extractors,
	settingsStore crawler.SettingsStore,
	dedup Deduper,
	dispatch Submitter,
	events progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Runner{
		fetcher:    fetcher,
		extractors: extractors,
		settings:   settingsStore,
		dedup:      dedup,
		dispatch:   dispatch,
		events:     events,
		cfg:        cfg,
		logger:     logger.Named("worker"),
	}
}

// run carries the state shared by one run's goroutines.
type run struct {
	job       crawler.Job
	runID     string
	snap      crawler.NetworkSnapshot
	extractor extract.Extractor
	log       *progress.RunLogger
	visited   *crawler.VisitTracker
	// pacer spaces this job's page fetches when the job sets a page delay.
	pacer *ratelimit.Limiter

	mu      sync.Mutex
	summary crawler.RunSummary
}

func (r *run) count(f func(s *crawler.RunSummary)) {
	r.mu.Lock()
	f(&r.summary)
	r.mu.Unlock()
}

func (r *run) snapshot() crawler.RunSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary
}

// Run executes one run of job. The returned summary is valid even when err
// is non-nil. A run-fatal error (see crawler.IsRunFatal) stops the run: pages
// already in flight finish, queued pages are skipped. Other task failures are
// logged and counted.
func (w *Runner) Run(ctx context.Context, job crawler.Job, runID string) (crawler.RunSummary, error) {
	rs := &run{
		job:     job,
		runID:   runID,
		log:     progress.NewRunLogger(w.logger, w.events, job.ID, runID),
		visited: crawler.NewVisitTracker(),
	}
	if delay := job.Target.PageDelay; delay > 0 {
		rs.pacer = ratelimit.New(ratelimit.Config{MinSpacing: delay})
	}

	extractor, err := w.extractors.Get(job.ExtractorKey())
	if err != nil {
		rs.log.Error("no extractor for site", zap.String("site", job.Site), zap.Error(err))
		return rs.snapshot(), err
	}
	rs.extractor = extractor

	snap, err := settings.Snapshot(ctx, w.settings, job.Site)
	if err != nil {
		if !errors.Is(err, crawler.ErrConfigurationMissing) {
			err = fmt.Errorf("%w: %w", crawler.ErrConfigurationMissing, err)
		}
		rs.log.Error("site settings unavailable", zap.String("site", job.Site), zap.Error(err))
		return rs.snapshot(), err
	}
	rs.snap = snap

	pages := job.Target.PageURLs()
	rs.log.Info("run started", zap.String("site", job.Site), zap.Int("pages", len(pages)))

	links := make([][]extract.Link, len(pages))
	g, stopped := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency(job))
	for i, pageURL := range pages {
		g.Go(func() error {
			if stopped.Err() != nil {
				return nil
			}
			found, err := w.crawlPage(ctx, rs, crawler.CrawlTask{
				JobID: job.ID,
				RunID: runID,
				Site:  job.Site,
				URL:   pageURL,
				Kind:  crawler.TaskList,
			})
			links[i] = found
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return rs.snapshot(), err
	}

	if job.Target.FollowDetails {
		if err := w.crawlDetails(ctx, rs, links); err != nil {
			return rs.snapshot(), err
		}
	}

	if err := ctx.Err(); err != nil {
		return rs.snapshot(), fmt.Errorf("run interrupted: %w", err)
	}
	summary := rs.snapshot()
	rs.log.Info("run finished",
		zap.Int("pages_fetched", summary.PagesFetched),
		zap.Int("pages_failed", summary.PagesFailed),
		zap.Int("submitted", summary.Submitted),
		zap.Int("accepted", summary.Accepted),
	)
	return summary, nil
}

func (w *Runner) crawlDetails(ctx context.Context, rs *run, links [][]extract.Link) error {
	budget := rs.job.Target.MaxDetailPages
	var queue []crawler.CrawlTask
	for _, pageLinks := range links {
		for _, link := range pageLinks {
			if budget > 0 && len(queue) >= budget {
				break
			}
			if !rs.visited.MarkIfNew(link.URL) {
				continue
			}
			queue = append(queue, crawler.CrawlTask{
				JobID: rs.job.ID,
				RunID: rs.runID,
				Site:  rs.job.Site,
				URL:   link.URL,
				Kind:  crawler.TaskDetail,
			})
		}
	}
	if len(queue) == 0 {
		return nil
	}
	rs.log.Debug("following detail pages", zap.Int("count", len(queue)))

	g, stopped := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency(rs.job))
	for _, task := range queue {
		g.Go(func() error {
			if stopped.Err() != nil {
				return nil
			}
			_, err := w.crawlPage(ctx, rs, task)
			return err
		})
	}
	return g.Wait()
}

// concurrency is the job's page goroutine cap, falling back to the runner's.
func (w *Runner) concurrency(job crawler.Job) int {
	if n := job.Target.MaxConcurrency; n > 0 {
		return n
	}
	return w.cfg.Concurrency
}

// crawlPage fetches and processes one page. It returns an error only for
// run-fatal conditions.
func (w *Runner) crawlPage(ctx context.Context, rs *run, task crawler.CrawlTask) ([]extract.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil
	}
	if rs.pacer != nil {
		if _, err := rs.pacer.Wait(ctx, task.Site); err != nil {
			return nil, nil
		}
	}
	page, err := w.fetcher.Fetch(ctx, task, rs.snap)
	if err != nil {
		rs.count(func(s *crawler.RunSummary) { s.PagesFailed++ })
		if crawler.IsRunFatal(err) {
			stage := progress.StagePageFailed
			if errors.Is(err, crawler.ErrSiteUnavailable) {
				stage = progress.StageSiteUnavailable
			}
			rs.log.Progress(progress.Event{Stage: stage, Site: task.Site, URL: task.URL, Message: err.Error()})
			rs.log.Error("page fetch failed", zap.String("url", task.URL), zap.Error(err))
			return nil, err
		}
		rs.log.Progress(progress.Event{Stage: progress.StagePageFailed, Site: task.Site, URL: task.URL, Message: err.Error()})
		rs.log.Warn("page fetch failed", zap.String("url", task.URL), zap.Error(err))
		return nil, nil
	}
	rs.count(func(s *crawler.RunSummary) { s.PagesFetched++ })
	rs.log.Progress(progress.Event{
		Stage:      progress.StagePageFetched,
		Site:       task.Site,
		URL:        task.URL,
		StatusCode: page.StatusCode,
		Dur:        page.Duration,
	})

	result, err := rs.extractor.Extract(page, task.Site)
	if err != nil {
		rs.log.Warn("page extraction failed", zap.String("url", task.URL), zap.Error(err))
		return nil, nil
	}
	for _, warning := range result.Warnings {
		rs.log.Warn("skipped fragment", zap.String("url", task.URL), zap.String("reason", warning.Error()))
	}
	if err := w.handleItems(ctx, rs, result.Items); err != nil {
		return nil, err
	}
	if task.Kind == crawler.TaskList {
		return result.Links, nil
	}
	return nil, nil
}

func (w *Runner) handleItems(ctx context.Context, rs *run, items []crawler.CandidateItem) error {
	for _, item := range items {
		if ctx.Err() != nil {
			return nil
		}
		rs.count(func(s *crawler.RunSummary) { s.Candidates++ })
		if !rs.job.Target.MatchesKeywords(item.Title) {
			rs.count(func(s *crawler.RunSummary) { s.Filtered++ })
			rs.log.Progress(progress.Event{Stage: progress.StageItemFiltered, Site: item.Site, URL: item.SourceURL,
				Fields: map[string]any{"hash": item.Hash, "title": item.Title}})
			continue
		}
		rs.log.Progress(progress.Event{Stage: progress.StageItemDiscovered, Site: item.Site, URL: item.SourceURL,
			Fields: map[string]any{"hash": item.Hash, "title": item.Title}})

		res, err := w.dedup.CheckAndInsert(ctx, item, rs.job.ID)
		switch {
		case errors.Is(err, crawler.ErrParse):
			rs.log.Warn("item skipped", zap.String("hash", item.Hash), zap.Error(err))
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("dedup %s: %w", item.Hash, err)
		case res == crawler.AlreadyPresent:
			rs.count(func(s *crawler.RunSummary) { s.Duplicates++ })
			rs.log.Progress(progress.Event{Stage: progress.StageItemDuplicate, Site: item.Site,
				Fields: map[string]any{"hash": item.Hash}})
			continue
		}

		w.forward(ctx, rs, item)
	}
	return nil
}

func (w *Runner) forward(ctx context.Context, rs *run, item crawler.CandidateItem) {
	rs.count(func(s *crawler.RunSummary) { s.Submitted++ })
	req, err := w.dispatch.Submit(ctx, rs.job, rs.runID, item)

	// Submission is not rolled back on cancellation, so the outcome is
	// recorded even if the run context is gone.
	recordCtx := context.WithoutCancel(ctx)
	if err == nil && req.State == crawler.DownloadAccepted {
		rs.count(func(s *crawler.RunSummary) { s.Accepted++ })
		if err := w.dedup.RecordOutcome(recordCtx, item.Hash, crawler.OutcomeForwarded); err != nil {
			rs.log.Warn("record outcome failed", zap.String("hash", item.Hash), zap.Error(err))
		}
		rs.log.Progress(progress.Event{Stage: progress.StageDownloadAccepted, Site: item.Site,
			Fields: map[string]any{"hash": item.Hash, "request_id": req.ID, "client_id": req.ClientID, "attempts": req.Attempts}})
		rs.log.Info("item forwarded", zap.String("hash", item.Hash), zap.String("title", item.Title),
			zap.String("backend", req.Backend))
		return
	}

	rs.count(func(s *crawler.RunSummary) { s.Rejected++ })
	if err := w.dedup.RecordOutcome(recordCtx, item.Hash, crawler.OutcomeFailed); err != nil {
		rs.log.Warn("record outcome failed", zap.String("hash", item.Hash), zap.Error(err))
	}
	rs.log.Progress(progress.Event{Stage: progress.StageDownloadFailed, Site: item.Site,
		Fields: map[string]any{"hash": item.Hash, "request_id": req.ID, "attempts": req.Attempts}})
	rs.log.Warn("item not forwarded", zap.String("hash", item.Hash), zap.Int("attempts", req.Attempts), zap.Error(err))
}
