// Package transmission submits magnets through Transmission's RPC endpoint.
package transmission

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/hekmon/transmissionrpc/v3"

	"github.com/JakeFAU/magnet-crawler/internal/crawler"
	"github.com/JakeFAU/magnet-crawler/internal/downloader"
)

// Name is the backend key.
const Name = "transmission"

// Config locates the daemon. URL is the full RPC path, for example
// http://localhost:9091/transmission/rpc.
type Config struct {
	URL      string
	Username string
	Password string
}

// Client implements crawler.Downloader on top of transmissionrpc, which
// handles the session id handshake.
type Client struct {
	api *transmissionrpc.Client
}

// New builds a client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("%w: transmission url", crawler.ErrConfigurationMissing)
	}
	endpoint, err := url.Parse(cfg.URL)
	if err != nil || endpoint.Host == "" {
		return nil, fmt.Errorf("%w: invalid transmission url %q", crawler.ErrConfigurationMissing, cfg.URL)
	}
	if cfg.Username != "" {
		endpoint.User = url.UserPassword(cfg.Username, cfg.Password)
	}
	if httpClient == nil {
		httpClient = downloader.DefaultClient(0)
	}
	api, err := transmissionrpc.New(endpoint, &transmissionrpc.Config{CustomClient: httpClient})
	if err != nil {
		return nil, fmt.Errorf("transmission client: %w", err)
	}
	return &Client{api: api}, nil
}

// Name returns the backend key.
func (c *Client) Name() string {
	return Name
}

// Submit calls torrent-add, then torrent-set for labels. A duplicate torrent
// counts as accepted.
func (c *Client) Submit(ctx context.Context, item crawler.CandidateItem, spec crawler.DispatchSpec) (string, error) {
	magnet := item.MagnetURI
	paused := spec.Paused
	payload := transmissionrpc.TorrentAddPayload{Filename: &magnet, Paused: &paused}
	if spec.SavePath != "" {
		dir := spec.SavePath
		payload.DownloadDir = &dir
	}
	torrent, err := c.api.TorrentAdd(ctx, payload)
	if err != nil {
		return "", classify("torrent-add", err)
	}
	clientID := item.Hash
	if torrent.HashString != nil && *torrent.HashString != "" {
		clientID = *torrent.HashString
	}

	labels := append([]string(nil), spec.Tags...)
	if spec.Category != "" {
		labels = append(labels, spec.Category)
	}
	if len(labels) > 0 && torrent.ID != nil {
		err := c.api.TorrentSet(ctx, transmissionrpc.TorrentSetPayload{
			IDs:    []int64{*torrent.ID},
			Labels: labels,
		})
		if err != nil {
			return "", classify("torrent-set", err)
		}
	}
	return clientID, nil
}

var statusNames = map[int64]string{
	0: "stopped",
	1: "check_wait",
	2: "checking",
	3: "download_wait",
	4: "downloading",
	5: "seed_wait",
	6: "seeding",
}

// Status calls torrent-get for one hash.
func (c *Client) Status(ctx context.Context, clientID string) (crawler.ClientStatus, error) {
	torrents, err := c.api.TorrentGetAllForHashes(ctx, []string{clientID})
	if err != nil {
		return crawler.ClientStatus{}, classify("torrent-get", err)
	}
	if len(torrents) == 0 {
		return crawler.ClientStatus{}, fmt.Errorf("%w: torrent %s", crawler.ErrNotFound, clientID)
	}
	t := torrents[0]
	status := crawler.ClientStatus{ClientID: clientID, State: "unknown"}
	if t.Status != nil {
		code := int64(*t.Status)
		name, ok := statusNames[code]
		if !ok {
			name = fmt.Sprintf("status_%d", code)
		}
		status.State = name
	}
	if t.PercentDone != nil {
		status.Progress = *t.PercentDone
	}
	return status, nil
}

// classify separates daemon refusals, which transmissionrpc reports as a
// failed rpc result, from transport trouble worth retrying.
func classify(method string, err error) error {
	if strings.Contains(err.Error(), "rpc method failed") {
		return fmt.Errorf("%w: %s: %v", crawler.ErrDownloaderRejected, method, err)
	}
	return fmt.Errorf("%w: %s: %v", crawler.ErrTransientNetwork, method, err)
}
