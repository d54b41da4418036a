// Package settings resolves per-site proxy and cookie material. Readers only
// ever receive copies of an immutable snapshot; refreshes swap the snapshot
// atomically.
package settings

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/magnet-crawler/internal/crawler"
)

// File is the on-disk settings document.
type File struct {
	Sites map[string]SiteSettings `yaml:"sites"`
}

// SiteSettings is the network material for one site key.
type SiteSettings struct {
	Proxy   *crawler.ProxyProfile `yaml:"proxy"`
	Session crawler.CookieSession `yaml:"session"`
}

// Parse decodes a settings document.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if f.Sites == nil {
		f.Sites = make(map[string]SiteSettings)
	}
	normalized := make(map[string]SiteSettings, len(f.Sites))
	for k, v := range f.Sites {
		normalized[strings.ToLower(k)] = v
	}
	f.Sites = normalized
	return &f, nil
}

// Store serves settings from an in-memory snapshot, optionally backed by a
// YAML file that is reloaded on a cadence.
type Store struct {
	path     string
	interval time.Duration
	logger   *zap.Logger
	snap     atomic.Pointer[File]
	loadedAt atomic.Int64
}

// NewStatic returns a Store over a fixed document.
func NewStatic(f *File) *Store {
	s := &Store{logger: zap.NewNop()}
	if f == nil {
		f = &File{Sites: map[string]SiteSettings{}}
	}
	s.swap(f)
	return s
}

// NewFileStore loads path and returns a Store that Run keeps fresh.
func NewFileStore(path string, interval time.Duration, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{path: path, interval: interval, logger: logger}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the backing file. On failure the previous snapshot stays.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path) //nolint:gosec // operator-provided path
	if err != nil {
		return fmt.Errorf("read settings %s: %w", s.path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return err
	}
	s.swap(f)
	return nil
}

func (s *Store) swap(f *File) {
	s.snap.Store(f)
	s.loadedAt.Store(time.Now().UnixNano())
}

// LoadedAt reports when the current snapshot was installed.
func (s *Store) LoadedAt() time.Time {
	return time.Unix(0, s.loadedAt.Load())
}

// Run reloads the file every interval until ctx is done.
func (s *Store) Run(ctx context.Context) {
	if s.path == "" || s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Reload(); err != nil {
				s.logger.Warn("settings refresh failed; keeping previous snapshot", zap.Error(err))
				continue
			}
			s.logger.Debug("settings refreshed", zap.String("path", s.path))
		}
	}
}

func (s *Store) site(site string) (SiteSettings, error) {
	f := s.snap.Load()
	if f == nil {
		return SiteSettings{}, fmt.Errorf("%w: no settings loaded", crawler.ErrConfigurationMissing)
	}
	entry, ok := f.Sites[strings.ToLower(site)]
	if !ok {
		return SiteSettings{}, fmt.Errorf("%w: no settings for site %q", crawler.ErrConfigurationMissing, site)
	}
	return entry, nil
}

// Proxy returns a copy of the site's proxy profile. A site without a proxy
// block connects directly.
func (s *Store) Proxy(_ context.Context, site string) (crawler.ProxyProfile, error) {
	entry, err := s.site(site)
	if err != nil {
		return crawler.ProxyProfile{}, err
	}
	if entry.Proxy == nil {
		return crawler.ProxyProfile{Name: "direct", Direct: true}, nil
	}
	p := *entry.Proxy
	p.URLs = append([]string(nil), p.URLs...)
	p.NoProxy = append([]string(nil), p.NoProxy...)
	if !p.Direct && len(p.URLs) == 0 {
		return crawler.ProxyProfile{}, fmt.Errorf("%w: proxy profile for %q lists no urls", crawler.ErrConfigurationMissing, site)
	}
	return p, nil
}

// Cookies returns a copy of the site's cookie session.
func (s *Store) Cookies(_ context.Context, site string) (crawler.CookieSession, error) {
	entry, err := s.site(site)
	if err != nil {
		return crawler.CookieSession{}, err
	}
	c := entry.Session
	c.Cookies = maps.Clone(c.Cookies)
	c.Headers = maps.Clone(c.Headers)
	return c, nil
}

// Snapshot resolves both profiles for site into one immutable value.
func Snapshot(ctx context.Context, store crawler.SettingsStore, site string) (crawler.NetworkSnapshot, error) {
	if store == nil {
		return crawler.NetworkSnapshot{}, errors.Join(crawler.ErrConfigurationMissing, errors.New("no settings store"))
	}
	proxy, err := store.Proxy(ctx, site)
	if err != nil {
		return crawler.NetworkSnapshot{}, fmt.Errorf("resolve proxy: %w", err)
	}
	cookies, err := store.Cookies(ctx, site)
	if err != nil {
		return crawler.NetworkSnapshot{}, fmt.Errorf("resolve cookies: %w", err)
	}
	return crawler.NetworkSnapshot{Site: site, Proxy: proxy, Cookies: cookies}, nil
}
