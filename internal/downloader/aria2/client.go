// Package aria2 submits magnets to aria2 over JSON-RPC.
package aria2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/JakeFAU/magnet-crawler/internal/crawler"
	"github.com/JakeFAU/magnet-crawler/internal/downloader"
)

// Name is the backend key.
const Name = "aria2"

// Config locates the RPC endpoint, usually http://localhost:6800/jsonrpc.
type Config struct {
	URL    string
	Secret string
	// Dir is the download directory used when a job sets no save path.
	Dir string
}

// Client implements crawler.Downloader.
type Client struct {
	cfg  Config
	http *http.Client
	seq  atomic.Int64
}

// New builds a client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("%w: aria2 url", crawler.ErrConfigurationMissing)
	}
	if httpClient == nil {
		httpClient = downloader.DefaultClient(0)
	}
	return &Client{cfg: cfg, http: httpClient}, nil
}

// Name returns the backend key.
func (c *Client) Name() string {
	return Name
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// Submit calls aria2.addUri and returns the gid.
func (c *Client) Submit(ctx context.Context, item crawler.CandidateItem, spec crawler.DispatchSpec) (string, error) {
	options := map[string]string{}
	if spec.SavePath != "" {
		options["dir"] = spec.SavePath
	} else if c.cfg.Dir != "" {
		options["dir"] = c.cfg.Dir
	}
	if spec.Paused {
		options["pause"] = "true"
	}
	raw, err := c.call(ctx, "aria2.addUri", []string{item.MagnetURI}, options)
	if err != nil {
		return "", err
	}
	var gid string
	if err := json.Unmarshal(raw, &gid); err != nil {
		return "", fmt.Errorf("decode addUri: %w", err)
	}
	return gid, nil
}

// Status calls aria2.tellStatus for the gid.
func (c *Client) Status(ctx context.Context, clientID string) (crawler.ClientStatus, error) {
	raw, err := c.call(ctx, "aria2.tellStatus", clientID, []string{"status", "completedLength", "totalLength"})
	if err != nil {
		return crawler.ClientStatus{}, err
	}
	var out struct {
		Status          string `json:"status"`
		CompletedLength string `json:"completedLength"`
		TotalLength     string `json:"totalLength"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return crawler.ClientStatus{}, fmt.Errorf("decode tellStatus: %w", err)
	}
	status := crawler.ClientStatus{ClientID: clientID, State: out.Status}
	done, _ := strconv.ParseFloat(out.CompletedLength, 64)
	total, _ := strconv.ParseFloat(out.TotalLength, 64)
	if total > 0 {
		status.Progress = done / total
	}
	return status, nil
}

func (c *Client) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if c.cfg.Secret != "" {
		params = append([]any{"token:" + c.cfg.Secret}, params...)
	}
	id := strconv.FormatInt(c.seq.Add(1), 10)
	payload, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", crawler.ErrTransientNetwork, method, err)
	}
	defer resp.Body.Close()

	// aria2 reports RPC faults with a 400 and a JSON error body.
	var out rpcResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&out)
	if decodeErr == nil && out.Error != nil {
		if out.Error.Code == 1 && strings.Contains(out.Error.Message, "not found") {
			return nil, fmt.Errorf("%w: %s", crawler.ErrNotFound, out.Error.Message)
		}
		return nil, fmt.Errorf("%w: %s: %s", crawler.ErrDownloaderRejected, method, out.Error.Message)
	}
	if err := downloader.CheckStatus(resp); err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode %s: %w", method, decodeErr)
	}
	return out.Result, nil
}
