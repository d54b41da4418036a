package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/magnet-crawler/internal/progress"
)

// PrometheusSink exports crawl metrics via Prometheus. It owns all
// collectors for runs started/finished/running, per-site fetch counters, and
// item and download outcomes.
type PrometheusSink struct {
	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	runsRunning  prometheus.Gauge
	runDuration  *prometheus.HistogramVec

	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	items         *prometheus.CounterVec
	downloads     *prometheus.CounterVec
	siteOutages   *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "magnet_runs_started_total",
			Help: "Total job runs that have started.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "magnet_runs_finished_total",
			Help: "Total job runs finished partitioned by outcome.",
		}, []string{"outcome"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "magnet_runs_running",
			Help: "Current number of running job runs.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "magnet_run_duration_seconds",
			Help:    "Wall time per finished run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"outcome"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "magnet_fetch_total",
			Help: "Fetch completions partitioned by site and status class.",
		}, []string{"site", "status_class"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "magnet_fetch_duration_seconds",
			Help:    "Fetch duration partitioned by site.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"site"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "magnet_items_total",
			Help: "Candidate items partitioned by site and stage.",
		}, []string{"site", "stage"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "magnet_downloads_total",
			Help: "Downloader submissions partitioned by outcome.",
		}, []string{"outcome"}),
		siteOutages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "magnet_site_unavailable_total",
			Help: "Times a site's circuit breaker ended a run.",
		}, []string{"site"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsFinished,
		s.runsRunning,
		s.runDuration,
		s.fetches,
		s.fetchDuration,
		s.items,
		s.downloads,
		s.siteOutages,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Type {
		case progress.TypeJobState:
			s.handleJobState(evt)
		case progress.TypeProgress:
			s.handleProgress(evt)
		}
	}
	return nil
}

func (s *PrometheusSink) handleJobState(evt progress.Event) {
	switch evt.State {
	case "running":
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case "completed", "failed":
		s.runsFinished.WithLabelValues(evt.State).Inc()
		if evt.Dur > 0 {
			s.runDuration.WithLabelValues(evt.State).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.RunID) {
			s.runsRunning.Dec()
		}
	}
}

func (s *PrometheusSink) handleProgress(evt progress.Event) {
	site := evt.Site
	if site == "" {
		site = "unknown"
	}
	switch evt.Stage {
	case progress.StagePageFetched, progress.StagePageFailed:
		s.fetches.WithLabelValues(site, progress.StatusClass(evt.StatusCode)).Inc()
		if evt.Dur > 0 {
			s.fetchDuration.WithLabelValues(site).Observe(evt.Dur.Seconds())
		}
	case progress.StageItemDiscovered, progress.StageItemFiltered, progress.StageItemDuplicate:
		s.items.WithLabelValues(site, string(evt.Stage)).Inc()
	case progress.StageDownloadAccepted:
		s.downloads.WithLabelValues("accepted").Inc()
	case progress.StageDownloadRetry:
		s.downloads.WithLabelValues("retry").Inc()
	case progress.StageDownloadFailed:
		s.downloads.WithLabelValues("failed").Inc()
	case progress.StageSiteUnavailable:
		s.siteOutages.WithLabelValues(site).Inc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]struct{})}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
