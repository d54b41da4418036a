// Package dispatcher hands deduplicated items to a downloader backend and
// tracks each submission until it is Accepted or Failed.
package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/magnet-crawler/internal/crawler"
)

// Config tunes submission behavior.
type Config struct {
	Default        string
	SubmitTimeout  time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	MaxInFlight    int
	RequestHistory int
}

// Observer is told about every state change of a request.
type Observer func(req crawler.DownloadRequest)

// Dispatcher submits items to downloader backends.
type Dispatcher struct {
	cfg      Config
	backends map[string]crawler.Downloader
	retry    crawler.RetryPolicy
	ids      crawler.IDGenerator
	clock    crawler.Clock
	logger   *zap.Logger
	inflight *semaphore.Weighted
	observer Observer

	mu       sync.RWMutex
	requests map[string]*crawler.DownloadRequest
	order    []string
}

// Option customizes the dispatcher.
type Option func(*Dispatcher)

// WithObserver registers a state-change callback.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// New creates a Dispatcher over the given backends, keyed by Name.
func New(
	cfg Config,
	backends []crawler.Downloader,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	logger *zap.Logger,
	opts ...Option,
) (*Dispatcher, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("at least one downloader backend is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 15 * time.Second
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 4
	}
	if cfg.RequestHistory <= 0 {
		cfg.RequestHistory = 1000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		cfg:      cfg,
		backends: make(map[string]crawler.Downloader, len(backends)),
		retry:    crawler.NewRetryPolicy(cfg.MaxAttempts, cfg.BackoffBase, cfg.BackoffMax),
		ids:      ids,
		clock:    clock,
		logger:   logger.Named("dispatch"),
		inflight: semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		requests: make(map[string]*crawler.DownloadRequest),
	}
	for _, b := range backends {
		d.backends[strings.ToLower(b.Name())] = b
	}
	if d.cfg.Default == "" {
		d.cfg.Default = strings.ToLower(backends[0].Name())
	}
	if _, ok := d.backends[strings.ToLower(d.cfg.Default)]; !ok {
		return nil, fmt.Errorf("default downloader %q is not configured", d.cfg.Default)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Backends lists configured backend names.
func (d *Dispatcher) Backends() []string {
	names := make([]string, 0, len(d.backends))
	for name := range d.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Submit hands item to the job's backend, retrying failures with backoff up
// to MaxAttempts. The returned request is terminal. A Failed request comes
// with an error wrapping ErrDownloaderRejected.
func (d *Dispatcher) Submit(ctx context.Context, job crawler.Job, runID string, item crawler.CandidateItem) (crawler.DownloadRequest, error) {
	id, err := d.ids.NewID()
	if err != nil {
		return crawler.DownloadRequest{}, fmt.Errorf("request id: %w", err)
	}
	name := strings.ToLower(job.Dispatch.Backend)
	if name == "" {
		name = strings.ToLower(d.cfg.Default)
	}
	now := d.clock.Now()
	req := &crawler.DownloadRequest{
		ID:        id,
		JobID:     job.ID,
		RunID:     runID,
		Backend:   name,
		Item:      item,
		State:     crawler.DownloadPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	d.remember(req)

	backend, ok := d.backends[name]
	if !ok {
		err := fmt.Errorf("%w: unknown downloader %q", crawler.ErrConfigurationMissing, name)
		return d.finish(req, crawler.DownloadFailed, "", err), err
	}

	if err := d.inflight.Acquire(ctx, 1); err != nil {
		return d.finish(req, crawler.DownloadFailed, "", err), fmt.Errorf("acquire submit slot: %w", err)
	}
	defer d.inflight.Release(1)

	for attempt := 1; ; attempt++ {
		d.transition(req, crawler.DownloadSubmitted, attempt, "")
		clientID, err := d.submitOnce(ctx, backend, item, job.Dispatch)
		if err == nil {
			d.logger.Info("download accepted",
				zap.String("request_id", req.ID),
				zap.String("backend", name),
				zap.String("hash", item.Hash),
				zap.Int("attempts", attempt),
			)
			return d.finish(req, crawler.DownloadAccepted, clientID, nil), nil
		}
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: submission canceled: %v", crawler.ErrDownloaderRejected, ctx.Err())
			return d.finish(req, crawler.DownloadFailed, "", err), err
		}
		if attempt >= d.cfg.MaxAttempts {
			err = fmt.Errorf("%w: %s gave up after %d attempts: %v", crawler.ErrDownloaderRejected, name, attempt, err)
			d.logger.Warn("download failed",
				zap.String("request_id", req.ID),
				zap.String("hash", item.Hash),
				zap.Error(err),
			)
			return d.finish(req, crawler.DownloadFailed, "", err), err
		}
		d.transition(req, crawler.DownloadRetrying, attempt, err.Error())
		if pauseErr := crawler.Pause(ctx, d.retry.Backoff(attempt)); pauseErr != nil {
			err = fmt.Errorf("%w: submission canceled: %v", crawler.ErrDownloaderRejected, pauseErr)
			return d.finish(req, crawler.DownloadFailed, "", err), err
		}
	}
}

func (d *Dispatcher) submitOnce(ctx context.Context, backend crawler.Downloader, item crawler.CandidateItem, spec crawler.DispatchSpec) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.SubmitTimeout)
	defer cancel()
	return backend.Submit(callCtx, item, spec)
}

// Get returns a snapshot of a tracked request.
func (d *Dispatcher) Get(id string) (crawler.DownloadRequest, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	req, ok := d.requests[id]
	if !ok {
		return crawler.DownloadRequest{}, fmt.Errorf("%w: download request %s", crawler.ErrNotFound, id)
	}
	return *req, nil
}

// Status returns the request plus the backend's live view of it. The client
// status is nil until the request is Accepted.
func (d *Dispatcher) Status(ctx context.Context, id string) (crawler.DownloadRequest, *crawler.ClientStatus, error) {
	req, err := d.Get(id)
	if err != nil {
		return crawler.DownloadRequest{}, nil, err
	}
	if req.State != crawler.DownloadAccepted || req.ClientID == "" {
		return req, nil, nil
	}
	backend, ok := d.backends[req.Backend]
	if !ok {
		return req, nil, fmt.Errorf("%w: unknown downloader %q", crawler.ErrConfigurationMissing, req.Backend)
	}
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.SubmitTimeout)
	defer cancel()
	status, err := backend.Status(callCtx, req.ClientID)
	if err != nil {
		return req, nil, fmt.Errorf("client status: %w", err)
	}
	return req, &status, nil
}

// Requests returns the tracked requests of a run, oldest first.
func (d *Dispatcher) Requests(runID string) []crawler.DownloadRequest {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []crawler.DownloadRequest
	for _, id := range d.order {
		if req := d.requests[id]; req != nil && (runID == "" || req.RunID == runID) {
			out = append(out, *req)
		}
	}
	return out
}

func (d *Dispatcher) remember(req *crawler.DownloadRequest) {
	d.mu.Lock()
	d.requests[req.ID] = req
	d.order = append(d.order, req.ID)
	for len(d.order) > d.cfg.RequestHistory {
		delete(d.requests, d.order[0])
		d.order = d.order[1:]
	}
	snapshot := *req
	d.mu.Unlock()
	d.notify(snapshot)
}

func (d *Dispatcher) transition(req *crawler.DownloadRequest, state crawler.DownloadState, attempts int, lastErr string) {
	d.mu.Lock()
	req.State = state
	req.Attempts = attempts
	if lastErr != "" {
		req.LastError = lastErr
	}
	req.UpdatedAt = d.clock.Now()
	snapshot := *req
	d.mu.Unlock()
	d.notify(snapshot)
}

func (d *Dispatcher) finish(req *crawler.DownloadRequest, state crawler.DownloadState, clientID string, err error) crawler.DownloadRequest {
	d.mu.Lock()
	req.State = state
	req.ClientID = clientID
	if err != nil {
		req.LastError = err.Error()
	}
	req.UpdatedAt = d.clock.Now()
	snapshot := *req
	d.mu.Unlock()
	d.notify(snapshot)
	return snapshot
}

func (d *Dispatcher) notify(req crawler.DownloadRequest) {
	if d.observer != nil {
		d.observer(req)
	}
}
