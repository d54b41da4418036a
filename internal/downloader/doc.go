// Package downloader holds helpers shared by the torrent client backends.
// Each backend lives in its own subpackage and implements crawler.Downloader.
package downloader

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/JakeFAU/magnet-crawler/internal/crawler"
)

// DefaultClient is used when a backend is built without an explicit client.
func DefaultClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// CheckStatus turns a non-2xx response into an error: 5xx and rate-limit
// codes are transient, other statuses are rejections.
func CheckStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	statusErr := &crawler.StatusError{URL: resp.Request.URL.Redacted(), Code: resp.StatusCode}
	if statusErr.Transient() {
		return statusErr
	}
	return fmt.Errorf("%w: %v: %s", crawler.ErrDownloaderRejected, statusErr, body)
}
