package crawler

import (
	"fmt"
	"strings"
	"time"
	// Zone names must resolve in minimal containers without zoneinfo.
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
)

// Schedule is a cron expression evaluated in a time zone. Spec takes the
// standard five fields or a descriptor such as @daily or @every 90m.
type Schedule struct {
	Spec     string `json:"spec"`
	Timezone string `json:"timezone,omitempty"`
}

// Parse compiles the schedule. An empty Timezone means UTC.
func (s Schedule) Parse() (cron.Schedule, *time.Location, error) {
	loc := time.UTC
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		var err error
		if loc, err = time.LoadLocation(tz); err != nil {
			return nil, nil, fmt.Errorf("schedule timezone %q: %w", tz, err)
		}
	}
	sched, err := cron.ParseStandard(strings.TrimSpace(s.Spec))
	if err != nil {
		return nil, nil, fmt.Errorf("schedule %q: %w", s.Spec, err)
	}
	return sched, loc, nil
}

// Validate reports whether the schedule parses.
func (s Schedule) Validate() error {
	_, _, err := s.Parse()
	return err
}

// Next returns the first activation strictly after t, or the zero time when
// the schedule does not parse.
func (s Schedule) Next(t time.Time) time.Time {
	sched, loc, err := s.Parse()
	if err != nil {
		return time.Time{}
	}
	return sched.Next(t.In(loc))
}
