package crawler

import (
	"context"
	"time"
)

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run and request IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// JobStore persists job definitions and their run history.
type JobStore interface {
	UpsertJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListJobs(ctx context.Context) ([]Job, error)
	RecordRun(ctx context.Context, run RunRecord) error
}

// DedupStore is the persistence behind the dedup cache. InsertIfAbsent must
// be atomic: for concurrent callers with the same hash exactly one observes
// true. Records whose FirstSeen is before expiredBefore count as absent.
type DedupStore interface {
	InsertIfAbsent(ctx context.Context, rec DedupRecord, expiredBefore time.Time) (bool, error)
	SetOutcome(ctx context.Context, hash string, outcome DedupOutcome) error
	Get(ctx context.Context, hash string) (DedupRecord, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SettingsStore resolves per-site proxy and cookie material.
type SettingsStore interface {
	Proxy(ctx context.Context, site string) (ProxyProfile, error)
	Cookies(ctx context.Context, site string) (CookieSession, error)
}

// Downloader is a torrent client backend.
type Downloader interface {
	Name() string
	Submit(ctx context.Context, item CandidateItem, spec DispatchSpec) (string, error)
	Status(ctx context.Context, clientID string) (ClientStatus, error)
}

// RetryPolicy decides whether and when to retry a failed attempt.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}
