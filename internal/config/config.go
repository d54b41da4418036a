// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/magnet-crawler/internal/crawler"
	"github.com/JakeFAU/magnet-crawler/internal/logging"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Dedup      DedupConfig      `mapstructure:"dedup"`
	Store      StoreConfig      `mapstructure:"store"`
	Downloader DownloaderConfig `mapstructure:"downloader"`
	Settings   SettingsConfig   `mapstructure:"settings"`
	Events     EventsConfig     `mapstructure:"events"`
	Jobs       []JobConfig      `mapstructure:"jobs"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and file rotation.
type LoggingConfig struct {
	Development bool       `mapstructure:"development"`
	Level       string     `mapstructure:"level"`
	File        FileConfig `mapstructure:"file"`
}

// FileConfig configures rotating file output.
type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// SchedulerConfig governs the tick loop and the run ceiling.
type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	RunTimeout   time.Duration `mapstructure:"run_timeout"`
}

// FetchConfig governs the fetch worker pool.
type FetchConfig struct {
	Concurrency      int                      `mapstructure:"concurrency"`
	PerSiteMax       int                      `mapstructure:"per_site_max"`
	PerSiteCaps      map[string]int           `mapstructure:"per_site_caps"`
	MinSpacing       time.Duration            `mapstructure:"min_spacing"`
	PerSiteSpacing   map[string]time.Duration `mapstructure:"per_site_spacing"`
	RequestTimeout   time.Duration            `mapstructure:"request_timeout"`
	MaxAttempts      int                      `mapstructure:"max_attempts"`
	BackoffBase      time.Duration            `mapstructure:"backoff_base"`
	BackoffMax       time.Duration            `mapstructure:"backoff_max"`
	BreakerThreshold int                      `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration            `mapstructure:"breaker_cooldown"`
	ProxyFailures    int                      `mapstructure:"proxy_failures"`
	ProxyCooldown    time.Duration            `mapstructure:"proxy_cooldown"`
	UserAgent        string                   `mapstructure:"user_agent"`
	MaxBodyBytes     int                      `mapstructure:"max_body_bytes"`
}

// DedupConfig selects the dedup backend and retention.
type DedupConfig struct {
	Backend       string        `mapstructure:"backend"`
	Retention     time.Duration `mapstructure:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Redis         RedisConfig   `mapstructure:"redis"`
}

// RedisConfig holds connection settings for the Redis dedup backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// StoreConfig selects where jobs (and SQL-backed dedup records) live.
type StoreConfig struct {
	Backend    string `mapstructure:"backend"`
	SQLitePath string `mapstructure:"sqlite_path"`
	DSN        string `mapstructure:"dsn"`
	MaxConns   int32  `mapstructure:"max_conns"`
}

// DownloaderConfig configures the dispatcher and its backends.
type DownloaderConfig struct {
	Default        string             `mapstructure:"default"`
	SubmitTimeout  time.Duration      `mapstructure:"submit_timeout"`
	MaxAttempts    int                `mapstructure:"max_attempts"`
	BackoffBase    time.Duration      `mapstructure:"backoff_base"`
	BackoffMax     time.Duration      `mapstructure:"backoff_max"`
	MaxInFlight    int                `mapstructure:"max_in_flight"`
	QBittorrent    QBittorrentConfig  `mapstructure:"qbittorrent"`
	Transmission   TransmissionConfig `mapstructure:"transmission"`
	Aria2          Aria2Config        `mapstructure:"aria2"`
	RequestHistory int                `mapstructure:"request_history"`
}

// QBittorrentConfig holds Web API settings.
type QBittorrentConfig struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// TransmissionConfig holds RPC settings.
type TransmissionConfig struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Aria2Config holds JSON-RPC settings.
type Aria2Config struct {
	URL    string `mapstructure:"url"`
	Secret string `mapstructure:"secret"`
	Dir    string `mapstructure:"dir"`
}

// SettingsConfig points at the per-site proxy and cookie file.
type SettingsConfig struct {
	File            string        `mapstructure:"file"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// EventsConfig sizes the event bus and selects export sinks.
type EventsConfig struct {
	ReplaySize       int          `mapstructure:"replay_size"`
	SubscriberBuffer int          `mapstructure:"subscriber_buffer"`
	LogSink          bool         `mapstructure:"log_sink"`
	PubSub           PubSubConfig `mapstructure:"pubsub"`
	Kafka            KafkaConfig  `mapstructure:"kafka"`
}

// PubSubConfig holds metadata for publish-subscribe export.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// KafkaConfig holds broker settings for event export.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// JobConfig defines one scheduled crawl job.
type JobConfig struct {
	ID             string            `mapstructure:"id"`
	Name           string            `mapstructure:"name"`
	Site           string            `mapstructure:"site"`
	Extractor      string            `mapstructure:"extractor"`
	Interval       time.Duration     `mapstructure:"interval"`
	Schedule       string            `mapstructure:"schedule"`
	Timezone       string            `mapstructure:"timezone"`
	Enabled        bool              `mapstructure:"enabled"`
	URLTemplate    string            `mapstructure:"url_template"`
	Params         map[string]string `mapstructure:"params"`
	StartPage      int               `mapstructure:"start_page"`
	EndPage        int               `mapstructure:"end_page"`
	FollowDetails  bool              `mapstructure:"follow_details"`
	MaxDetailPages int               `mapstructure:"max_detail_pages"`
	PageDelay      time.Duration     `mapstructure:"page_delay"`
	MaxConcurrency int               `mapstructure:"max_concurrency"`
	Keywords       []string          `mapstructure:"keywords"`
	Downloader     string            `mapstructure:"downloader"`
	Category       string            `mapstructure:"category"`
	SavePath       string            `mapstructure:"save_path"`
	Tags           []string          `mapstructure:"tags"`
	Paused         bool              `mapstructure:"start_paused"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 30)
	v.SetDefault("scheduler.tick_interval", "15s")
	v.SetDefault("scheduler.run_timeout", "30m")
	v.SetDefault("fetch.concurrency", 8)
	v.SetDefault("fetch.per_site_max", 2)
	v.SetDefault("fetch.min_spacing", "1s")
	v.SetDefault("fetch.request_timeout", "30s")
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.backoff_base", "500ms")
	v.SetDefault("fetch.backoff_max", "10s")
	v.SetDefault("fetch.breaker_threshold", 5)
	v.SetDefault("fetch.breaker_cooldown", "2m")
	v.SetDefault("fetch.proxy_failures", 3)
	v.SetDefault("fetch.proxy_cooldown", "5m")
	v.SetDefault("fetch.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("fetch.max_body_bytes", 10<<20)
	v.SetDefault("dedup.backend", "sqlite")
	v.SetDefault("dedup.retention", "720h")
	v.SetDefault("dedup.sweep_interval", "1h")
	v.SetDefault("dedup.redis.addr", "localhost:6379")
	v.SetDefault("dedup.redis.prefix", "magnet:dedup:")
	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.sqlite_path", "magnet-crawler.db")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("downloader.default", "memory")
	v.SetDefault("downloader.submit_timeout", "15s")
	v.SetDefault("downloader.max_attempts", 3)
	v.SetDefault("downloader.backoff_base", "1s")
	v.SetDefault("downloader.backoff_max", "30s")
	v.SetDefault("downloader.max_in_flight", 4)
	v.SetDefault("downloader.request_history", 10000)
	v.SetDefault("settings.refresh_interval", "1h")
	v.SetDefault("events.replay_size", 200)
	v.SetDefault("events.subscriber_buffer", 256)
	v.SetDefault("events.log_sink", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be > 0")
	}
	if c.Fetch.Concurrency <= 0 {
		return fmt.Errorf("fetch.concurrency must be > 0")
	}
	if c.Fetch.PerSiteMax <= 0 {
		return fmt.Errorf("fetch.per_site_max must be > 0")
	}
	if c.Fetch.RequestTimeout <= 0 {
		return fmt.Errorf("fetch.request_timeout must be > 0")
	}
	if c.Fetch.MaxAttempts <= 0 {
		return fmt.Errorf("fetch.max_attempts must be > 0")
	}
	if c.Downloader.MaxAttempts <= 0 {
		return fmt.Errorf("downloader.max_attempts must be > 0")
	}
	if c.Events.ReplaySize < 0 || c.Events.SubscriberBuffer <= 0 {
		return fmt.Errorf("events.subscriber_buffer must be > 0 and events.replay_size >= 0")
	}
	switch c.Store.Backend {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("store.backend %q is not supported", c.Store.Backend)
	}
	if c.Store.Backend == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn must be set for the postgres backend")
	}
	switch c.Dedup.Backend {
	case "memory", "sqlite", "postgres", "redis":
	default:
		return fmt.Errorf("dedup.backend %q is not supported", c.Dedup.Backend)
	}
	if (c.Dedup.Backend == "sqlite" || c.Dedup.Backend == "postgres") && c.Dedup.Backend != c.Store.Backend {
		return fmt.Errorf("dedup.backend %q requires store.backend %q", c.Dedup.Backend, c.Dedup.Backend)
	}
	seen := make(map[string]struct{}, len(c.Jobs))
	for i, job := range c.Jobs {
		if job.ID == "" {
			return fmt.Errorf("jobs[%d].id is required", i)
		}
		if _, dup := seen[job.ID]; dup {
			return fmt.Errorf("jobs[%d].id %q is duplicated", i, job.ID)
		}
		seen[job.ID] = struct{}{}
		if job.Site == "" || job.URLTemplate == "" {
			return fmt.Errorf("jobs[%d] (%s) needs site and url_template", i, job.ID)
		}
		if job.Schedule != "" {
			if err := (crawler.Schedule{Spec: job.Schedule, Timezone: job.Timezone}).Validate(); err != nil {
				return fmt.Errorf("jobs[%d] (%s): %w", i, job.ID, err)
			}
		} else if job.Interval <= 0 {
			return fmt.Errorf("jobs[%d] (%s) needs an interval > 0 or a schedule", i, job.ID)
		}
		if job.PageDelay < 0 || job.MaxConcurrency < 0 {
			return fmt.Errorf("jobs[%d] (%s) page_delay and max_concurrency must be >= 0", i, job.ID)
		}
	}
	return nil
}

// LoggingOptions converts the logging section for logging.New.
func (c Config) LoggingOptions() logging.Options {
	return logging.Options{
		Development: c.Logging.Development,
		Level:       c.Logging.Level,
		FilePath:    c.Logging.File.Path,
		MaxSizeMB:   c.Logging.File.MaxSizeMB,
		MaxBackups:  c.Logging.File.MaxBackups,
		MaxAgeDays:  c.Logging.File.MaxAgeDays,
		Compress:    c.Logging.File.Compress,
	}
}

// CrawlJobs converts job definitions into domain jobs.
func (c Config) CrawlJobs() []crawler.Job {
	jobs := make([]crawler.Job, 0, len(c.Jobs))
	for _, jc := range c.Jobs {
		name := jc.Name
		if name == "" {
			name = jc.ID
		}
		var schedule *crawler.Schedule
		if jc.Schedule != "" {
			schedule = &crawler.Schedule{Spec: jc.Schedule, Timezone: jc.Timezone}
		}
		jobs = append(jobs, crawler.Job{
			ID:       jc.ID,
			Name:     name,
			Site:     jc.Site,
			Interval: jc.Interval,
			Enabled:  jc.Enabled,
			Target: crawler.Target{
				Extractor:      jc.Extractor,
				URLTemplate:    jc.URLTemplate,
				Params:         jc.Params,
				StartPage:      jc.StartPage,
				EndPage:        jc.EndPage,
				FollowDetails:  jc.FollowDetails,
				MaxDetailPages: jc.MaxDetailPages,
				Keywords:       jc.Keywords,
				Schedule:       schedule,
				PageDelay:      jc.PageDelay,
				MaxConcurrency: jc.MaxConcurrency,
			},
			Dispatch: crawler.DispatchSpec{
				Backend:  jc.Downloader,
				Category: jc.Category,
				SavePath: jc.SavePath,
				Tags:     jc.Tags,
			},
		})
	}
	return jobs
}

// StartPaused lists the jobs configured to start paused.
func (c Config) StartPaused() []string {
	var ids []string
	for _, jc := range c.Jobs {
		if jc.Paused {
			ids = append(ids, jc.ID)
		}
	}
	return ids
}
