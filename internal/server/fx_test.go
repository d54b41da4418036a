package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/magnet-crawler/internal/config"
	"github.com/JakeFAU/magnet-crawler/internal/crawler"
	"github.com/JakeFAU/magnet-crawler/internal/progress"
)

const listingPage = `<html><body><table>
<tr><td><a href="/t/1">Ubuntu 24.04 Desktop ISO</a></td><td>5.7 GB</td>
<td><a href="magnet:?xt=urn:btih:C9E15763F722F23E98A29DECDFAE341B98D53056&dn=ubuntu-24.04">magnet</a></td></tr>
<tr><td><a href="/t/2">Debian 12 netinst</a></td><td>650 MB</td>
<td><a href="magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567">magnet</a></td></tr>
</table></body></html>`

func testConfig(t *testing.T, siteURL string) config.Config {
	t.Helper()
	dir := t.TempDir()
	settingsPath := filepath.Join(dir, "sites.yaml")
	require.NoError(t, os.WriteFile(settingsPath, []byte("sites:\n  demo:\n    session: {}\n"), 0o600))
	return config.Config{
		Server:    config.ServerConfig{Port: 8080},
		Scheduler: config.SchedulerConfig{TickInterval: time.Hour, RunTimeout: time.Minute},
		Fetch: config.FetchConfig{
			Concurrency:      2,
			PerSiteMax:       1,
			RequestTimeout:   5 * time.Second,
			MaxAttempts:      1,
			BreakerThreshold: 5,
			BreakerCooldown:  time.Minute,
			UserAgent:        "magnet-crawler-test",
		},
		Dedup:      config.DedupConfig{Backend: "sqlite", Retention: time.Hour},
		Store:      config.StoreConfig{Backend: "sqlite", SQLitePath: filepath.Join(dir, "crawler.db")},
		Downloader: config.DownloaderConfig{Default: "memory", MaxAttempts: 2, SubmitTimeout: time.Second},
		Settings:   config.SettingsConfig{File: settingsPath},
		Events:     config.EventsConfig{ReplaySize: 50, SubscriberBuffer: 50},
		Jobs: []config.JobConfig{{
			ID:          "demo",
			Site:        "demo",
			Extractor:   "magnetlist",
			Interval:    time.Hour,
			Enabled:     true,
			URLTemplate: siteURL + "/list?page={page}",
			StartPage:   1,
			EndPage:     1,
		}},
	}
}

func TestRunOnceEndToEnd(t *testing.T) {
	t.Parallel()

	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(listingPage))
	}))
	t.Cleanup(site.Close)

	ctx := context.Background()
	app, err := BuildWithLogger(ctx, testConfig(t, site.URL), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	first, err := app.RunOnce(ctx, "demo")
	require.NoError(t, err)
	require.Equal(t, crawler.RunCompleted, first.Outcome)
	require.Equal(t, 1, first.Summary.PagesFetched)
	require.Equal(t, 2, first.Summary.Accepted)

	second, err := app.RunOnce(ctx, "demo")
	require.NoError(t, err)
	require.Equal(t, 2, second.Summary.Duplicates)
	require.Zero(t, second.Summary.Submitted)

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/demo", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var status crawler.JobStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, 2, status.RunCount)
	require.Equal(t, 2, status.SuccessCount)
	require.False(t, status.LastRun.IsZero())
}

func TestStartPausedJobsArePaused(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Store = config.StoreConfig{Backend: "memory"}
	cfg.Dedup.Backend = "memory"
	cfg.Jobs[0].Paused = true

	app, err := BuildWithLogger(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	status, err := app.Scheduler().Status(context.Background(), "demo")
	require.NoError(t, err)
	require.True(t, status.Paused)
}

func TestBuildFailsWithoutDedupStore(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Store = config.StoreConfig{Backend: "memory"}
	cfg.Dedup.Backend = "sqlite"

	_, err := BuildWithLogger(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "dedup backend")
}

func TestBuildFailsOnMissingSettingsFile(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Store = config.StoreConfig{Backend: "memory"}
	cfg.Dedup.Backend = "memory"
	cfg.Settings.File = filepath.Join(t.TempDir(), "absent.yaml")

	_, err := BuildWithLogger(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "settings init failed")
}

func TestBuildFailsOnUnknownExtractor(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Store = config.StoreConfig{Backend: "memory"}
	cfg.Dedup.Backend = "memory"
	cfg.Jobs[0].Extractor = "phpbb"

	_, err := BuildWithLogger(context.Background(), cfg, nil)
	require.ErrorIs(t, err, crawler.ErrExtractorUnavailable)
	require.ErrorContains(t, err, "magnetlist")
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func TestRetryEventsOnlyReportsRetries(t *testing.T) {
	t.Parallel()

	rec := &recordingEmitter{}
	observe := retryEvents(rec)
	for _, state := range []crawler.DownloadState{
		crawler.DownloadPending,
		crawler.DownloadSubmitted,
		crawler.DownloadRetrying,
		crawler.DownloadAccepted,
	} {
		observe(crawler.DownloadRequest{
			ID:        fmt.Sprintf("req-%s", state),
			JobID:     "demo",
			RunID:     "run-1",
			State:     state,
			Attempts:  1,
			LastError: "connection refused",
			Item:      crawler.CandidateItem{Hash: "abc", Site: "demo"},
		})
	}

	require.Len(t, rec.events, 1)
	evt := rec.events[0]
	require.Equal(t, progress.StageDownloadRetry, evt.Stage)
	require.Equal(t, "connection refused", evt.Message)
	require.Equal(t, "req-retrying", evt.Fields["request_id"])
	require.NoError(t, func() error { evt.TS = time.Now(); return evt.Validate() }())
}
