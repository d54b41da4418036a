package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  port: 9090
  api_key: secret
logging:
  development: false
  level: warn
scheduler:
  tick_interval: 5s
  run_timeout: 10m
fetch:
  concurrency: 6
  per_site_max: 3
  breaker_threshold: 4
  breaker_cooldown: 90s
dedup:
  backend: redis
  retention: 48h
  redis:
    addr: redis:6379
store:
  backend: memory
downloader:
  default: qbittorrent
  qbittorrent:
    url: http://qbit:8080
    username: admin
    password: adminadmin
jobs:
  - id: forum-103
    name: Forum 103
    site: discuz
    interval: 1h
    enabled: true
    url_template: https://forum.example/forum-{fid}-{page}.html
    params:
      fid: "103"
    start_page: 1
    end_page: 3
    follow_details: true
    keywords: [ubuntu, debian]
    category: linux
    tags: [iso]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "secret", cfg.Server.APIKey)
	require.Equal(t, 5*time.Second, cfg.Scheduler.TickInterval)
	require.Equal(t, 10*time.Minute, cfg.Scheduler.RunTimeout)
	require.Equal(t, 6, cfg.Fetch.Concurrency)
	require.Equal(t, 90*time.Second, cfg.Fetch.BreakerCooldown)
	require.Equal(t, "redis", cfg.Dedup.Backend)
	require.Equal(t, 48*time.Hour, cfg.Dedup.Retention)
	require.Equal(t, "redis:6379", cfg.Dedup.Redis.Addr)
	require.Equal(t, "http://qbit:8080", cfg.Downloader.QBittorrent.URL)

	jobs := cfg.CrawlJobs()
	require.Len(t, jobs, 1)
	job := jobs[0]
	require.Equal(t, "forum-103", job.ID)
	require.Equal(t, time.Hour, job.Interval)
	require.True(t, job.Enabled)
	require.Equal(t, "103", job.Target.Params["fid"])
	require.Equal(t, []string{"ubuntu", "debian"}, job.Target.Keywords)
	require.Equal(t, "linux", job.Dispatch.Category)
	require.Equal(t, []string{
		"https://forum.example/forum-103-1.html",
		"https://forum.example/forum-103-2.html",
		"https://forum.example/forum-103-3.html",
	}, job.Target.PageURLs())

	opts := cfg.LoggingOptions()
	require.False(t, opts.Development)
	require.Equal(t, "warn", opts.Level)
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 3, cfg.Fetch.MaxAttempts)
	require.Equal(t, 3, cfg.Downloader.MaxAttempts)
	require.Equal(t, "sqlite", cfg.Dedup.Backend)
	require.Equal(t, 720*time.Hour, cfg.Dedup.Retention)
	require.Equal(t, 200, cfg.Events.ReplaySize)
	require.Equal(t, 5*time.Minute, cfg.Fetch.ProxyCooldown)
	require.Empty(t, cfg.Jobs)
}

func TestLoadJobScheduleAndPacing(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
fetch:
  proxy_cooldown: 90s
  per_site_spacing:
    slowforum: 3s
jobs:
  - id: nightly
    site: discuz
    schedule: "30 2 * * *"
    timezone: Asia/Shanghai
    page_delay: 2s
    max_concurrency: 2
    enabled: true
    url_template: https://forum.example/forum-2-{page}.html
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, cfg.Fetch.ProxyCooldown)
	require.Equal(t, 3*time.Second, cfg.Fetch.PerSiteSpacing["slowforum"])

	jobs := cfg.CrawlJobs()
	require.Len(t, jobs, 1)
	job := jobs[0]
	require.Zero(t, job.Interval)
	require.NotNil(t, job.Target.Schedule)
	require.Equal(t, "30 2 * * *", job.Target.Schedule.Spec)
	require.Equal(t, "Asia/Shanghai", job.Target.Schedule.Timezone)
	require.Equal(t, 2*time.Second, job.Target.PageDelay)
	require.Equal(t, 2, job.Target.MaxConcurrency)
	require.True(t, job.Scheduled())
}

func TestValidateRejectsBadConfig(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"unknown store": "store:\n  backend: mongo\n",
		"postgres without dsn": "store:\n  backend: postgres\n",
		"dedup backend mismatch": "store:\n  backend: memory\ndedup:\n  backend: sqlite\n",
		"job missing site": "jobs:\n  - id: a\n    interval: 1h\n    url_template: https://x/{page}\n",
		"duplicate job": "jobs:\n  - id: a\n    site: s\n    interval: 1h\n    url_template: u\n  - id: a\n    site: s\n    interval: 1h\n    url_template: u\n",
		"zero interval": "jobs:\n  - id: a\n    site: s\n    url_template: u\n",
		"bad cron": "jobs:\n  - id: a\n    site: s\n    url_template: u\n    schedule: \"61 * * * *\"\n",
		"bad timezone": "jobs:\n  - id: a\n    site: s\n    url_template: u\n    schedule: \"@daily\"\n    timezone: Mars/Olympus\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}
