package progress

import (
	"errors"
	"fmt"
	"time"
)

// Type classifies events for subscribers.
type Type string

// Event types.
const (
	TypeLog      Type = "log"
	TypeProgress Type = "progress"
	TypeJobState Type = "job_state"
)

// Level is the severity attached to log events.
type Level string

// Levels, mirroring zap's names.
const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Stage names a progress milestone.
type Stage string

// Progress stages.
const (
	StagePageFetched      Stage = "page_fetched"
	StagePageFailed       Stage = "page_failed"
	StageItemDiscovered   Stage = "item_discovered"
	StageItemFiltered     Stage = "item_filtered"
	StageItemDuplicate    Stage = "item_duplicate"
	StageDownloadAccepted Stage = "download_accepted"
	StageDownloadRetry    Stage = "download_retry"
	StageDownloadFailed   Stage = "download_failed"
	StageSiteUnavailable  Stage = "site_unavailable"
)

// Event is one record on the bus. Seq is assigned by the Bus and is strictly
// increasing in publish order.
type Event struct {
	Seq        uint64         `json:"seq"`
	Type       Type           `json:"type"`
	JobID      string         `json:"job_id,omitempty"`
	RunID      string         `json:"run_id,omitempty"`
	TS         time.Time      `json:"ts"`
	Level      Level          `json:"level,omitempty"`
	Message    string         `json:"message,omitempty"`
	Stage      Stage          `json:"stage,omitempty"`
	State      string         `json:"state,omitempty"`
	Site       string         `json:"site,omitempty"`
	URL        string         `json:"url,omitempty"`
	StatusCode int            `json:"status_code,omitempty"`
	Dur        time.Duration  `json:"dur,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Type {
	case TypeLog:
		if e.Message == "" {
			return errors.New("log event requires message")
		}
	case TypeProgress:
		if e.Stage == "" {
			return errors.New("progress event requires stage")
		}
	case TypeJobState:
		if e.JobID == "" || e.State == "" {
			return errors.New("job state event requires job id and state")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// StatusClass groups HTTP status codes for metrics labels.
func StatusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "other"
	}
}
