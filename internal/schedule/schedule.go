package schedule

import (
	"errors"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrUnknownFrequency = errors.New("unknown recurrence frequency")
	ErrInvalidCron      = errors.New("invalid cron expression")
)

const (
	FrequencyDaily   = "daily"
	FrequencyWeekly  = "weekly"
	FrequencyMonthly = "monthly"
	FrequencyCustom  = "custom"
)

// Spec describes how often a recurring task fires.
type Spec struct {
	Frequency      string
	Interval       int
	DayOfWeek      *int // 0=Sunday .. 6=Saturday
	DayOfMonth     *int
	CronExpression string // 5-field, custom frequency only
}

// Next computes the trigger following `after`. The result is always strictly
// later than `after`; callers rely on that to keep next_trigger_at advancing.
func Next(spec Spec, after time.Time) (time.Time, error) {
	interval := spec.Interval
	if interval < 1 {
		interval = 1
	}

	switch spec.Frequency {
	case FrequencyDaily:
		return after.AddDate(0, 0, interval), nil

	case FrequencyWeekly:
		next := after.AddDate(0, 0, 7*interval)
		if spec.DayOfWeek != nil {
			// Shift forward to the configured weekday within the target week.
			offset := (*spec.DayOfWeek - int(next.Weekday()) + 7) % 7
			next = next.AddDate(0, 0, offset)
		}
		return next, nil

	case FrequencyMonthly:
		day := after.Day()
		if spec.DayOfMonth != nil {
			day = *spec.DayOfMonth
		}
		year, month, _ := after.AddDate(0, interval, -after.Day()+1).Date()
		if last := daysIn(year, month); day > last {
			// Clamp to the shorter month's final day.
			day = last
		}
		hh, mm, ss := after.Clock()
		return time.Date(year, month, day, hh, mm, ss, after.Nanosecond(), after.Location()), nil

	case FrequencyCustom:
		sched, err := cron.ParseStandard(spec.CronExpression)
		if err != nil {
			return time.Time{}, ErrInvalidCron
		}
		next := sched.Next(after)
		if next.IsZero() {
			return time.Time{}, ErrInvalidCron
		}
		return next, nil
	}

	return time.Time{}, ErrUnknownFrequency
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
