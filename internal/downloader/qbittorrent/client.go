// Package qbittorrent submits magnets through the qBittorrent Web API v2.
package qbittorrent

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"go.uber.org/zap"

	"github.com/JakeFAU/magnet-crawler/internal/crawler"
)

// Name is the backend key.
const Name = "qbittorrent"

// Config locates the Web UI.
type Config struct {
	URL      string
	Username string
	Password string
	Timeout  time.Duration
}

// Client implements crawler.Downloader on top of go-qbittorrent. It logs in
// lazily; the library logs in again by itself when the session expires.
type Client struct {
	api      *qbt.Client
	username string

	mu       sync.Mutex
	loggedIn bool
}

// New builds a client. logger may be nil.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("%w: invalid qbittorrent url %q", crawler.ErrConfigurationMissing, cfg.URL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := int(cfg.Timeout / time.Second)
	if timeout <= 0 {
		timeout = 15
	}
	api := qbt.NewClient(qbt.Config{
		Host:     base.String(),
		Username: cfg.Username,
		Password: cfg.Password,
		Timeout:  timeout,
		Log:      zap.NewStdLog(logger.Named(Name)),
	})
	return &Client{api: api, username: cfg.Username}, nil
}

// Name returns the backend key.
func (c *Client) Name() string {
	return Name
}

// Submit adds the magnet. The infohash doubles as the client ID.
func (c *Client) Submit(ctx context.Context, item crawler.CandidateItem, spec crawler.DispatchSpec) (string, error) {
	if err := c.ensureLogin(ctx); err != nil {
		return "", err
	}
	options := map[string]string{}
	if spec.Category != "" {
		options["category"] = spec.Category
	}
	if spec.SavePath != "" {
		options["savepath"] = spec.SavePath
	}
	if len(spec.Tags) > 0 {
		options["tags"] = strings.Join(spec.Tags, ",")
	}
	if spec.Paused {
		options["paused"] = "true"
		options["stopped"] = "true"
	}
	if item.Title != "" {
		options["rename"] = item.Title
	}
	if err := c.api.AddTorrentFromUrlCtx(ctx, item.MagnetURI, options); err != nil {
		return "", classify("torrents/add", err)
	}
	return item.Hash, nil
}

// Status reads the torrent's state by infohash.
func (c *Client) Status(ctx context.Context, clientID string) (crawler.ClientStatus, error) {
	if err := c.ensureLogin(ctx); err != nil {
		return crawler.ClientStatus{}, err
	}
	torrents, err := c.api.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{Hashes: []string{clientID}})
	if err != nil {
		return crawler.ClientStatus{}, classify("torrents/info", err)
	}
	if len(torrents) == 0 {
		return crawler.ClientStatus{}, fmt.Errorf("%w: torrent %s", crawler.ErrNotFound, clientID)
	}
	t := torrents[0]
	return crawler.ClientStatus{ClientID: clientID, State: string(t.State), Progress: t.Progress}, nil
}

func (c *Client) ensureLogin(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loggedIn || c.username == "" {
		return nil
	}
	if err := c.api.LoginCtx(ctx); err != nil {
		return classify("auth/login", err)
	}
	c.loggedIn = true
	return nil
}

// classify maps library errors onto the dispatcher's error kinds. Refused
// credentials will not fix themselves; anything else is retried.
func classify(op string, err error) error {
	if errors.Is(err, qbt.ErrBadCredentials) {
		return fmt.Errorf("%w: qbittorrent %s: %v", crawler.ErrDownloaderRejected, op, err)
	}
	return fmt.Errorf("%w: qbittorrent %s: %v", crawler.ErrTransientNetwork, op, err)
}
