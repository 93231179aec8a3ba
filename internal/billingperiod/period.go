// Package billingperiod holds calendar window arithmetic shared by metering,
// limits and invoicing. All windows are half-open [Start, End) in UTC.
package billingperiod

import (
	"errors"
	"math"
	"strings"
	"time"
)

var ErrInvalidGranularity = errors.New("invalid_period_granularity")

type Granularity string

const (
	Day   Granularity = "day"
	Week  Granularity = "week"
	Month Granularity = "month"
	Year  Granularity = "year"
)

func ParseGranularity(raw string) (Granularity, error) {
	switch Granularity(strings.ToLower(strings.TrimSpace(raw))) {
	case Day, "daily":
		return Day, nil
	case Week, "weekly":
		return Week, nil
	case Month, "monthly", "":
		return Month, nil
	case Year, "yearly":
		return Year, nil
	default:
		return "", ErrInvalidGranularity
	}
}

type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func New(start, end time.Time) Period {
	return Period{Start: start.UTC(), End: end.UTC()}
}

func (p Period) IsZero() bool {
	return p.Start.IsZero() && p.End.IsZero()
}

func (p Period) Valid() bool {
	return !p.Start.IsZero() && p.End.After(p.Start)
}

func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

func (p Period) Duration() time.Duration {
	return p.End.Sub(p.Start)
}

// Days is the number of started days in the period.
func (p Period) Days() int {
	return CeilDays(p.Duration())
}

// CeilDays rounds a duration up to whole days; negative durations yield 0.
func CeilDays(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Hours() / 24))
}

// Containing returns the calendar window of size g that contains t.
// Weeks start on Monday.
func Containing(t time.Time, g Granularity) Period {
	t = t.UTC()
	switch g {
	case Day:
		start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return Period{Start: start, End: start.AddDate(0, 0, 1)}
	case Week:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		start := day.AddDate(0, 0, -offset)
		return Period{Start: start, End: start.AddDate(0, 0, 7)}
	case Year:
		start := time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		return Period{Start: start, End: start.AddDate(1, 0, 0)}
	default:
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return Period{Start: start, End: start.AddDate(0, 1, 0)}
	}
}

// Advance returns the next window of the same interval anchored at p.End.
func Advance(start time.Time, g Granularity) time.Time {
	start = start.UTC()
	switch g {
	case Day:
		return start.AddDate(0, 0, 1)
	case Week:
		return start.AddDate(0, 0, 7)
	case Year:
		return addMonths(start, 12)
	default:
		return addMonths(start, 1)
	}
}

// addMonths clamps to the last day of the target month, so Jan 31 advances to
// Feb 28 rather than overflowing into March.
func addMonths(t time.Time, months int) time.Time {
	first := time.Date(t.Year(), t.Month(), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
	target := first.AddDate(0, months, 0)
	last := target.AddDate(0, 1, -1).Day()
	day := t.Day()
	if day > last {
		day = last
	}
	return time.Date(target.Year(), target.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// Anchored returns the subscription-style period of interval g beginning at start.
func Anchored(start time.Time, g Granularity) Period {
	return Period{Start: start.UTC(), End: Advance(start, g)}
}
