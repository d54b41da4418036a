package crawler

import (
	"net/http"
	"strings"
	"time"
)

// JobState is the scheduler-visible lifecycle of a job.
type JobState string

// Job lifecycle states.
const (
	JobStateIdle    JobState = "idle"
	JobStateRunning JobState = "running"
)

// RunOutcome is the terminal result of a single run.
type RunOutcome string

// Supported run outcomes.
const (
	RunCompleted RunOutcome = "completed"
	RunFailed    RunOutcome = "failed"
)

// Job is a named, recurring crawl definition.
type Job struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Site     string        `json:"site"`
	Interval time.Duration `json:"interval"`
	Enabled  bool          `json:"enabled"`
	Target   Target        `json:"target"`
	Dispatch DispatchSpec  `json:"dispatch"`
	LastRun  time.Time     `json:"last_run"`
}

// Target describes which pages a run crawls, how fast, when, and which
// candidates it keeps.
type Target struct {
	// Extractor names the page layout; empty means the job's Site key.
	Extractor string `json:"extractor,omitempty"`
	// URLTemplate may contain {page} and any {name} key from Params.
	URLTemplate    string            `json:"url_template"`
	Params         map[string]string `json:"params,omitempty"`
	StartPage      int               `json:"start_page"`
	EndPage        int               `json:"end_page"`
	FollowDetails  bool              `json:"follow_details"`
	MaxDetailPages int               `json:"max_detail_pages"`
	Keywords       []string          `json:"keywords,omitempty"`
	// Schedule, when set, replaces the job's Interval.
	Schedule *Schedule `json:"schedule,omitempty"`
	// PageDelay is the minimum gap between this job's page fetches.
	PageDelay time.Duration `json:"page_delay,omitempty"`
	// MaxConcurrency caps this job's page goroutines; zero uses the runner
	// default.
	MaxConcurrency int `json:"max_concurrency,omitempty"`
}

// DispatchSpec controls how accepted candidates are handed to a downloader.
type DispatchSpec struct {
	Backend  string   `json:"backend,omitempty"`
	Category string   `json:"category,omitempty"`
	SavePath string   `json:"save_path,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Paused   bool     `json:"paused,omitempty"`
}

// NextRun returns when the job is next due: the cron schedule's next
// activation after the last run when one is set, otherwise LastRun plus
// Interval. A job that never ran, or whose computed time is already in the
// past, is due now. An unparseable schedule yields the zero time.
func (j Job) NextRun(now time.Time) time.Time {
	if j.LastRun.IsZero() {
		if j.Target.Schedule != nil && j.Target.Schedule.Validate() != nil {
			return time.Time{}
		}
		return now
	}
	var next time.Time
	if j.Target.Schedule != nil {
		if next = j.Target.Schedule.Next(j.LastRun); next.IsZero() {
			return next
		}
	} else {
		next = j.LastRun.Add(j.Interval)
	}
	if next.Before(now) {
		return now
	}
	return next
}

// Scheduled reports whether the job recurs on its own: it has a valid cron
// schedule or a positive interval.
func (j Job) Scheduled() bool {
	if j.Target.Schedule != nil {
		return j.Target.Schedule.Validate() == nil
	}
	return j.Interval > 0
}

// Due reports whether the job should start at now.
func (j Job) Due(now time.Time) bool {
	if !j.Enabled || !j.Scheduled() {
		return false
	}
	return !j.NextRun(now).After(now)
}

// PageURLs expands the target template over its page range.
func (t Target) PageURLs() []string {
	start, end := t.StartPage, t.EndPage
	if start <= 0 {
		start = 1
	}
	if end < start {
		end = start
	}
	urls := make([]string, 0, end-start+1)
	for page := start; page <= end; page++ {
		urls = append(urls, t.expand(page))
	}
	return urls
}

func (t Target) expand(page int) string {
	pairs := make([]string, 0, 2+2*len(t.Params))
	pairs = append(pairs, "{page}", itoa(page))
	for k, v := range t.Params {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(t.URLTemplate)
}

// ExtractorKey returns the registry key used to parse pages for job.
func (j Job) ExtractorKey() string {
	if j.Target.Extractor != "" {
		return j.Target.Extractor
	}
	return j.Site
}

// MatchesKeywords reports whether title contains any configured keyword.
// An empty keyword list matches everything.
func (t Target) MatchesKeywords(title string) bool {
	if len(t.Keywords) == 0 {
		return true
	}
	lower := strings.ToLower(title)
	for _, kw := range t.Keywords {
		kw = strings.TrimSpace(kw)
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// JobStatus is the externally visible state of a job.
type JobStatus struct {
	JobID        string     `json:"job_id"`
	Name         string     `json:"name"`
	State        JobState   `json:"state"`
	Paused       bool       `json:"paused"`
	Enabled      bool       `json:"enabled"`
	RunID        string     `json:"run_id,omitempty"`
	LastRun      time.Time  `json:"last_run"`
	NextRun      time.Time  `json:"next_run"`
	LastOutcome  RunOutcome `json:"last_outcome,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	LastResult   RunSummary `json:"last_result"`
	RunCount     int        `json:"run_count"`
	SuccessCount int        `json:"success_count"`
	ErrorCount   int        `json:"error_count"`
}

// RunRecord is persisted after each run finishes.
type RunRecord struct {
	JobID      string     `json:"job_id"`
	RunID      string     `json:"run_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	Outcome    RunOutcome `json:"outcome"`
	Error      string     `json:"error,omitempty"`
	Summary    RunSummary `json:"summary"`
}

// RunSummary counts what a run did.
type RunSummary struct {
	PagesFetched int `json:"pages_fetched"`
	PagesFailed  int `json:"pages_failed"`
	Candidates   int `json:"candidates"`
	Filtered     int `json:"filtered"`
	Duplicates   int `json:"duplicates"`
	Submitted    int `json:"submitted"`
	Accepted     int `json:"accepted"`
	Rejected     int `json:"rejected"`
}

// TaskKind separates listing pages from the detail pages they link to.
type TaskKind string

// Task kinds.
const (
	TaskList   TaskKind = "list"
	TaskDetail TaskKind = "detail"
)

// CrawlTask is one fetch unit inside a run.
type CrawlTask struct {
	JobID  string
	RunID  string
	Site   string
	URL    string
	Kind   TaskKind
	Parent string
}

// RawPage is the undecoded result of a fetch.
type RawPage struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	FetchedAt  time.Time
	Duration   time.Duration
	Attempts   int
}

// CandidateItem is a magnet link extracted from a page.
type CandidateItem struct {
	Hash         string    `json:"hash"`
	MagnetURI    string    `json:"magnet_uri"`
	Title        string    `json:"title"`
	SizeBytes    int64     `json:"size_bytes,omitempty"`
	Category     string    `json:"category,omitempty"`
	Site         string    `json:"site"`
	SourceURL    string    `json:"source_url"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// DedupOutcome records the last known downstream fate of a hash.
type DedupOutcome string

// Dedup outcomes.
const (
	OutcomePending   DedupOutcome = "pending"
	OutcomeForwarded DedupOutcome = "forwarded"
	OutcomeFailed    DedupOutcome = "failed"
)

// DedupRecord is one remembered content hash.
type DedupRecord struct {
	Hash      string       `json:"hash"`
	FirstSeen time.Time    `json:"first_seen"`
	JobID     string       `json:"job_id,omitempty"`
	Outcome   DedupOutcome `json:"outcome"`
}

// InsertResult is returned by an atomic check-and-insert.
type InsertResult string

// Insert results.
const (
	Inserted       InsertResult = "inserted"
	AlreadyPresent InsertResult = "already_present"
)

// ProxyProfile selects how requests for a site leave the process.
type ProxyProfile struct {
	Name   string   `json:"name" yaml:"name"`
	Direct bool     `json:"direct" yaml:"direct"`
	URLs   []string `json:"urls,omitempty" yaml:"urls"`
	// NoProxy lists hosts or suffixes that bypass the proxy.
	NoProxy []string `json:"no_proxy,omitempty" yaml:"no_proxy"`
}

// CookieSession is the cookie and header material used for a site.
type CookieSession struct {
	Cookies   map[string]string `json:"cookies,omitempty" yaml:"cookies"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers"`
	UserAgent string            `json:"user_agent,omitempty" yaml:"user_agent"`
	UpdatedAt time.Time         `json:"updated_at" yaml:"updated_at"`
}

// CookieHeader renders the session cookies as a Cookie header value with
// stable key order.
func (c CookieSession) CookieHeader() string {
	if len(c.Cookies) == 0 {
		return ""
	}
	keys := sortedKeys(c.Cookies)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+c.Cookies[k])
	}
	return strings.Join(parts, "; ")
}

// NetworkSnapshot is the immutable proxy and cookie view a run works with.
type NetworkSnapshot struct {
	Site    string
	Proxy   ProxyProfile
	Cookies CookieSession
}

// DownloadState tracks a DownloadRequest through the dispatcher.
type DownloadState string

// Download states.
const (
	DownloadPending   DownloadState = "pending"
	DownloadSubmitted DownloadState = "submitted"
	DownloadRetrying  DownloadState = "retrying"
	DownloadAccepted  DownloadState = "accepted"
	DownloadFailed    DownloadState = "failed"
)

// Terminal reports whether no further transitions will occur.
func (s DownloadState) Terminal() bool {
	return s == DownloadAccepted || s == DownloadFailed
}

// DownloadRequest is the dispatcher's record of one submission.
type DownloadRequest struct {
	ID        string        `json:"id"`
	JobID     string        `json:"job_id"`
	RunID     string        `json:"run_id"`
	Backend   string        `json:"backend"`
	Item      CandidateItem `json:"item"`
	State     DownloadState `json:"state"`
	Attempts  int           `json:"attempts"`
	ClientID  string        `json:"client_id,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// ClientStatus is what a downloader reports about an accepted item.
type ClientStatus struct {
	ClientID string  `json:"client_id"`
	State    string  `json:"state"`
	Progress float64 `json:"progress"`
}
