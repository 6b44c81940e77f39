package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts the standard 5-field format
// (minute hour day-of-month month day-of-week) and descriptors like @daily.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// CronSchedule schedules a job by a cron expression.
// Examples:
//   - "*/5 * * * *"  - every 5 minutes
//   - "0 3 * * *"    - every day at 03:00
//   - "0 0 * * 0"    - every Sunday at midnight
type CronSchedule struct {
	raw      string
	schedule cron.Schedule
	location *time.Location
}

// ParseCronSchedule parses expr. Times are evaluated in loc (UTC when nil).
func ParseCronSchedule(expr string, loc *time.Location) (*CronSchedule, error) {
	s, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &CronSchedule{raw: expr, schedule: s, location: loc}, nil
}

// MustParseCronSchedule is like ParseCronSchedule but panics on error.
func MustParseCronSchedule(expr string, loc *time.Location) *CronSchedule {
	s, err := ParseCronSchedule(expr, loc)
	if err != nil {
		panic(err)
	}
	return s
}

// Next returns the next activation after t.
func (s *CronSchedule) Next(t time.Time) time.Time {
	return s.schedule.Next(t.In(s.location))
}

// String returns the original expression.
func (s *CronSchedule) String() string {
	return s.raw
}
